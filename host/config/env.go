package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// 环境变量键：进程环境优先于 .env 文件（godotenv.Load 不覆盖已有变量）。
const (
	EnvCompanionCommand  = "QCHAT_COMPANION_COMMAND"
	EnvCompanionArgs     = "QCHAT_COMPANION_ARGS"
	EnvCompanionProtocol = "QCHAT_COMPANION_PROTOCOL"
	EnvControlPortRange  = "QCHAT_CONTROL_PORT_RANGE"
	EnvControlTransport  = "QCHAT_CONTROL_TRANSPORT"
	EnvControlSendTO     = "QCHAT_CONTROL_SEND_TIMEOUT"
	EnvBridgeListen      = "QCHAT_BRIDGE_LISTEN"
	EnvBridgeToken       = "QCHAT_BRIDGE_TOKEN"
	EnvLogLevel          = "QCHAT_LOG_LEVEL"
	EnvLogOutput         = "QCHAT_LOG_OUTPUT"
)

// ApplyEnv 读取工作目录下的 .env（若存在）并将 QCHAT_* 环境变量叠加到配置上。
// 参数：
// - cfg: 被修改的配置
// 返回：
// - error: 变量取值非法时返回错误
func ApplyEnv(cfg *Config) error {
	_ = godotenv.Load()

	if v := env(EnvCompanionCommand); v != "" {
		cfg.Companion.Command = v
	}
	if v, ok := os.LookupEnv(EnvCompanionArgs); ok {
		cfg.Companion.Args = strings.Fields(v)
	}
	if v := env(EnvCompanionProtocol); v != "" {
		cfg.Companion.Protocol = v
	}
	if v := env(EnvControlPortRange); v != "" {
		cfg.Control.PortRange = v
	}
	if v := env(EnvControlTransport); v != "" {
		cfg.Control.Transport = v
	}
	if v := env(EnvControlSendTO); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", EnvControlSendTO, err)
		}
		cfg.Control.SendTimeout = d
	}
	if v := env(EnvBridgeListen); v != "" {
		cfg.Bridge.Listen = v
	}
	if v := env(EnvBridgeToken); v != "" {
		cfg.Bridge.Token = v
	}
	if v := env(EnvLogLevel); v != "" {
		cfg.Logging.Level = v
	}
	if v := env(EnvLogOutput); v != "" {
		cfg.Logging.Output = v
	}
	return nil
}

func env(key string) string { return strings.TrimSpace(os.Getenv(key)) }
