package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type PortRange struct {
	Start int
	End   int
}

// Len 返回范围内端口数量（即最大绑定尝试次数）。
func (r PortRange) Len() int { return r.End - r.Start + 1 }

// ParsePortRange 解析端口范围字符串（形如 "5001-5010"；单个端口 "5001" 视为只尝试一次）。
// 参数：
// - s: 端口范围字符串
// 返回：
// - PortRange: 起止端口
// - error: 解析失败原因
func ParsePortRange(s string) (PortRange, error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, "-")
	if len(parts) == 1 {
		parts = append(parts, parts[0])
	}
	if len(parts) != 2 {
		return PortRange{}, fmt.Errorf("invalid port_range: %q", s)
	}
	start, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return PortRange{}, fmt.Errorf("invalid port_range start: %q", parts[0])
	}
	end, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return PortRange{}, fmt.Errorf("invalid port_range end: %q", parts[1])
	}
	if start <= 0 || end <= 0 || end < start || end > 65535 {
		return PortRange{}, fmt.Errorf("invalid port_range values: %d-%d", start, end)
	}
	return PortRange{Start: start, End: end}, nil
}

type ByteSize int64

// Int64 返回字节数的 int64 表达。
func (b ByteSize) Int64() int64 { return int64(b) }

// UnmarshalYAML 支持从 YAML 中解析 ByteSize（如 32MB、64KB、1024B）。
func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		*b = 0
		return nil
	}
	n, err := ParseByteSize(value.Value)
	if err != nil {
		return err
	}
	*b = ByteSize(n)
	return nil
}

// ParseByteSize 解析形如 "32MB"/"1.5GB" 的字节数文本（空串为 0）。
// 参数：
// - s: 字节数文本
// 返回：
// - int64: 字节数
// - error: 解析失败原因
func ParseByteSize(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToUpper(s))
	if s == "" {
		return 0, nil
	}
	mult := int64(1)
	switch {
	case strings.HasSuffix(s, "KB"):
		mult = 1024
		s = strings.TrimSuffix(s, "KB")
	case strings.HasSuffix(s, "MB"):
		mult = 1024 * 1024
		s = strings.TrimSuffix(s, "MB")
	case strings.HasSuffix(s, "GB"):
		mult = 1024 * 1024 * 1024
		s = strings.TrimSuffix(s, "GB")
	case strings.HasSuffix(s, "B"):
		s = strings.TrimSuffix(s, "B")
	}
	s = strings.TrimSpace(s)
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f < 0 {
		return 0, fmt.Errorf("invalid byte size: %q", s)
	}
	return int64(f * float64(mult)), nil
}

// DefaultConfig 返回一份可用的默认配置（用于未提供配置文件或作为缺省值合并）。
// 默认控制端口 5001 与早期桌面端保持一致。
func DefaultConfig() Config {
	return Config{
		Control: ControlConfig{
			Host:          "127.0.0.1",
			PortRange:     "5001-5010",
			Transport:     TransportTCP,
			MaxFrameBytes: ByteSize(32 * 1024 * 1024),
			SendTimeout:   2 * time.Second,
			StatusHTTP:    true,
			SRT: SRTConfig{
				Latency: 20,
				MaxBW:   0,
				IPTTL:   64,
			},
		},
		Companion: CompanionConfig{
			Command:        "python3",
			Args:           []string{"src/middleware/video_chat.py"},
			Protocol:       ProtocolRoomID,
			StopTimeout:    3 * time.Second,
			SpawnOnUIReady: true,
			MaxLineBytes:   ByteSize(256 * 1024),
		},
		Bridge: BridgeConfig{
			Listen:      "127.0.0.1:5101",
			Path:        "/bridge",
			ClientQueue: 64,
		},
		Session: SessionConfig{
			InboxSize:      256,
			MaxChatHistory: 500,
		},
		Logging: LoggingConfig{
			Level:    "info",
			Format:   "text",
			Output:   "console",
			FilePath: "logs/qchat-host.log",
			MaxSize:  ByteSize(50 * 1024 * 1024),
			MaxAge:   7,
			Compress: true,
		},
	}
}
