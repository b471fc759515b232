package config

import "time"

type Config struct {
	Control   ControlConfig   `yaml:"control"`
	Companion CompanionConfig `yaml:"companion"`
	Bridge    BridgeConfig    `yaml:"bridge"`
	Session   SessionConfig   `yaml:"session"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ControlConfig 描述与伴随进程之间的本地控制通道。
// port_range 的起始端口即首选端口，范围终点为冲突重试上限。
type ControlConfig struct {
	Host          string        `yaml:"host"`
	PortRange     string        `yaml:"port_range"`
	Transport     string        `yaml:"transport"`
	MaxFrameBytes ByteSize      `yaml:"max_frame_bytes"`
	SendTimeout   time.Duration `yaml:"send_timeout"`
	StatusHTTP    bool          `yaml:"status_http"`
	SRT           SRTConfig     `yaml:"srt"`
}

type SRTConfig struct {
	Latency int   `yaml:"latency"`
	MaxBW   int64 `yaml:"maxbw"`
	IPTTL   int   `yaml:"ipttl"`
}

type CompanionConfig struct {
	Command        string        `yaml:"command"`
	Args           []string      `yaml:"args"`
	WorkDir        string        `yaml:"work_dir"`
	Env            []string      `yaml:"env"`
	Protocol       string        `yaml:"protocol"`
	StopTimeout    time.Duration `yaml:"stop_timeout"`
	SpawnOnUIReady bool          `yaml:"spawn_on_ui_ready"`
	MaxLineBytes   ByteSize      `yaml:"max_line_bytes"`
}

type BridgeConfig struct {
	Listen         string   `yaml:"listen"`
	Path           string   `yaml:"path"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	Token          string   `yaml:"token"`
	ClientQueue    int      `yaml:"client_queue"`
}

type SessionConfig struct {
	InboxSize      int `yaml:"inbox_size"`
	MaxChatHistory int `yaml:"max_chat_history"`
}

type LoggingConfig struct {
	Level    string   `yaml:"level"`
	Format   string   `yaml:"format"`
	Output   string   `yaml:"output"`
	FilePath string   `yaml:"file_path"`
	MaxSize  ByteSize `yaml:"max_size"`
	MaxAge   int      `yaml:"max_age"`
	Compress bool     `yaml:"compress"`
}

const (
	TransportTCP = "tcp"
	TransportSRT = "srt"

	// ProtocolRoomID: room_id 事件让界面离开加载页。
	ProtocolRoomID = "room_id"
	// ProtocolReady: ready 事件让界面离开加载页（不使用 room_id 的旧协议）。
	ProtocolReady = "ready"
)
