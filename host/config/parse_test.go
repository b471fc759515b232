package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

// TestParsePortRange 验证端口范围字符串解析行为。
func TestParsePortRange(t *testing.T) {
	r, err := ParsePortRange("5001-5010")
	if err != nil {
		t.Fatal(err)
	}
	if r.Start != 5001 || r.End != 5010 || r.Len() != 10 {
		t.Fatalf("bad range: %+v", r)
	}
	single, err := ParsePortRange("5001")
	if err != nil {
		t.Fatal(err)
	}
	if single.Len() != 1 {
		t.Fatalf("bad single range: %+v", single)
	}
	for _, bad := range []string{"bad", "10-1", "0-3", "1-70000", "1-2-3"} {
		if _, err := ParsePortRange(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

// TestByteSizeUnmarshal 验证 ByteSize 支持从 YAML 文本解析（如 32MB）。
func TestByteSizeUnmarshal(t *testing.T) {
	var cfg struct {
		Size ByteSize `yaml:"size"`
	}
	if err := yaml.Unmarshal([]byte("size: 32MB\n"), &cfg); err != nil {
		t.Fatal(err)
	}
	if cfg.Size.Int64() != 32*1024*1024 {
		t.Fatalf("got=%d", cfg.Size.Int64())
	}
	if _, err := ParseByteSize("-1KB"); err == nil {
		t.Fatalf("expected error")
	}
}

// TestLoadMergesDefaults 验证 YAML 只覆盖出现的字段，其余保持默认。
func TestLoadMergesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	raw := "control:\n  port_range: \"6001-6003\"\n  max_frame_bytes: 4MB\ncompanion:\n  command: /usr/bin/env\n  protocol: ready\n"
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Control.PortRange != "6001-6003" || cfg.Control.MaxFrameBytes.Int64() != 4*1024*1024 {
		t.Fatalf("control=%+v", cfg.Control)
	}
	if cfg.Companion.Protocol != ProtocolReady || cfg.Companion.Command != "/usr/bin/env" {
		t.Fatalf("companion=%+v", cfg.Companion)
	}
	if cfg.Control.SendTimeout != 2*time.Second || cfg.Bridge.Path != "/bridge" {
		t.Fatalf("defaults lost: %+v %+v", cfg.Control, cfg.Bridge)
	}
}

// TestApplyEnvOverrides 验证 QCHAT_* 环境变量覆盖配置值。
func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv(EnvControlPortRange, "7001-7002")
	t.Setenv(EnvCompanionArgs, "sim.py --fast")
	t.Setenv(EnvBridgeToken, "secret")
	t.Setenv(EnvControlSendTO, "500ms")

	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Control.PortRange != "7001-7002" {
		t.Fatalf("port_range=%s", cfg.Control.PortRange)
	}
	if len(cfg.Companion.Args) != 2 || cfg.Companion.Args[1] != "--fast" {
		t.Fatalf("args=%v", cfg.Companion.Args)
	}
	if cfg.Bridge.Token != "secret" || cfg.Control.SendTimeout != 500*time.Millisecond {
		t.Fatalf("bridge=%+v control=%+v", cfg.Bridge, cfg.Control)
	}

	t.Setenv(EnvControlSendTO, "soon")
	if _, err := Load(""); err == nil {
		t.Fatalf("expected invalid duration error")
	}
}

// TestValidateRejects 覆盖若干非法配置。
func TestValidateRejects(t *testing.T) {
	cases := map[string]func(*Config){
		"transport": func(c *Config) { c.Control.Transport = "udp" },
		"protocol":  func(c *Config) { c.Companion.Protocol = "v9" },
		"command":   func(c *Config) { c.Companion.Command = " " },
		"frame":     func(c *Config) { c.Control.MaxFrameBytes = 10 },
		"logfile":   func(c *Config) { c.Logging.Output = "file"; c.Logging.FilePath = "" },
		"path":      func(c *Config) { c.Bridge.Path = "bridge" },
	}
	for name, mutate := range cases {
		cfg := DefaultConfig()
		mutate(&cfg)
		if err := Validate(cfg); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
	if err := Validate(DefaultConfig()); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}
