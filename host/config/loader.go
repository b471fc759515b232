package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load 从 YAML 文件读取并解析配置，叠加环境变量后做校验。
// 参数：
// - path: 配置文件路径；为空时只使用默认值与环境变量
// 返回：
// - Config: 合并默认值后的配置
// - error: 读取/解析/校验失败原因
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("unmarshal yaml: %w", err)
		}
	}
	if err := ApplyEnv(&cfg); err != nil {
		return Config{}, err
	}
	normalize(&cfg)
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// normalize 补齐允许留空的字段。
func normalize(cfg *Config) {
	cfg.Control.Transport = strings.ToLower(strings.TrimSpace(cfg.Control.Transport))
	if cfg.Control.Transport == "" {
		cfg.Control.Transport = TransportTCP
	}
	if cfg.Control.Host == "" {
		cfg.Control.Host = "127.0.0.1"
	}
	cfg.Companion.Protocol = strings.ToLower(strings.TrimSpace(cfg.Companion.Protocol))
	if cfg.Companion.Protocol == "" {
		cfg.Companion.Protocol = ProtocolRoomID
	}
	if cfg.Bridge.Path == "" {
		cfg.Bridge.Path = "/bridge"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "console"
	}
}

// Validate 校验配置字段合法性（端口范围、超时、协议变体、日志输出等）。
// 参数：
// - cfg: 待校验配置
// 返回：
// - error: 校验失败原因
func Validate(cfg Config) error {
	if _, err := ParsePortRange(cfg.Control.PortRange); err != nil {
		return fmt.Errorf("invalid control.port_range: %w", err)
	}
	switch cfg.Control.Transport {
	case TransportTCP, TransportSRT:
	default:
		return fmt.Errorf("invalid control.transport: %q", cfg.Control.Transport)
	}
	if cfg.Control.MaxFrameBytes.Int64() < 1024 {
		return fmt.Errorf("invalid control.max_frame_bytes: %d", cfg.Control.MaxFrameBytes.Int64())
	}
	if cfg.Control.SendTimeout <= 0 {
		return fmt.Errorf("invalid control.send_timeout: %s", cfg.Control.SendTimeout)
	}
	if strings.TrimSpace(cfg.Companion.Command) == "" {
		return fmt.Errorf("companion.command is required")
	}
	switch cfg.Companion.Protocol {
	case ProtocolRoomID, ProtocolReady:
	default:
		return fmt.Errorf("invalid companion.protocol: %q", cfg.Companion.Protocol)
	}
	if cfg.Companion.StopTimeout <= 0 {
		return fmt.Errorf("invalid companion.stop_timeout: %s", cfg.Companion.StopTimeout)
	}
	if cfg.Bridge.Listen == "" {
		return fmt.Errorf("bridge.listen is required")
	}
	if !strings.HasPrefix(cfg.Bridge.Path, "/") {
		return fmt.Errorf("invalid bridge.path: %q", cfg.Bridge.Path)
	}
	if cfg.Bridge.ClientQueue <= 0 {
		return fmt.Errorf("invalid bridge.client_queue: %d", cfg.Bridge.ClientQueue)
	}
	if cfg.Session.InboxSize <= 0 {
		return fmt.Errorf("invalid session.inbox_size: %d", cfg.Session.InboxSize)
	}
	if cfg.Logging.Output == "file" && cfg.Logging.FilePath == "" {
		return fmt.Errorf("logging.file_path is required when output=file")
	}
	return nil
}
