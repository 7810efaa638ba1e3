package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")

	yaml := `
server:
  port: 9090
  host: "0.0.0.0"
  allowed_origins:
    - "http://example.test"
terminal:
  command: "/usr/local/bin/claude"
  args: ["--verbose"]
  env:
    FOO: bar
  scrollback_bytes: 1024
activity:
  idle_threshold: 8s
heartbeat:
  dir: /tmp/hb
storage:
  database: /tmp/agents.db
`
	if err := os.WriteFile(cfgPath, []byte(yaml), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Server.Host != "0.0.0.0" {
		t.Errorf("Server.Host = %q, want %q", cfg.Server.Host, "0.0.0.0")
	}
	if len(cfg.Server.AllowedOrigins) != 1 || cfg.Server.AllowedOrigins[0] != "http://example.test" {
		t.Errorf("Server.AllowedOrigins = %v", cfg.Server.AllowedOrigins)
	}
	if cfg.Terminal.Command != "/usr/local/bin/claude" {
		t.Errorf("Terminal.Command = %q", cfg.Terminal.Command)
	}
	if len(cfg.Terminal.Args) != 1 || cfg.Terminal.Args[0] != "--verbose" {
		t.Errorf("Terminal.Args = %v", cfg.Terminal.Args)
	}
	if cfg.Terminal.Env["FOO"] != "bar" {
		t.Errorf("Terminal.Env[FOO] = %q, want bar", cfg.Terminal.Env["FOO"])
	}
	if cfg.Terminal.ScrollbackBytes != 1024 {
		t.Errorf("Terminal.ScrollbackBytes = %d, want 1024", cfg.Terminal.ScrollbackBytes)
	}
	if cfg.Activity.IdleThreshold != 8*time.Second {
		t.Errorf("Activity.IdleThreshold = %s, want 8s", cfg.Activity.IdleThreshold)
	}
	if cfg.Heartbeat.Dir != "/tmp/hb" {
		t.Errorf("Heartbeat.Dir = %q", cfg.Heartbeat.Dir)
	}
	if cfg.Storage.Database != "/tmp/agents.db" {
		t.Errorf("Storage.Database = %q", cfg.Storage.Database)
	}

	// Defaults should still be applied for unspecified fields.
	if cfg.Activity.SweepInterval != 2*time.Second {
		t.Errorf("Activity.SweepInterval = %s, want default 2s", cfg.Activity.SweepInterval)
	}
	if cfg.Terminal.ReadChunk != 4096 {
		t.Errorf("Terminal.ReadChunk = %d, want default 4096", cfg.Terminal.ReadChunk)
	}
	if cfg.Terminal.DefaultRows != 24 || cfg.Terminal.DefaultCols != 80 {
		t.Errorf("default size = %dx%d, want 80x24", cfg.Terminal.DefaultCols, cfg.Terminal.DefaultRows)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Fatal("Load() on missing file should return error")
	}
}

func TestLoadOrDefaultMissingFile(t *testing.T) {
	cfg, err := LoadOrDefault("/nonexistent/path/config.yaml")
	if err != nil {
		t.Fatalf("LoadOrDefault() error: %v", err)
	}

	if cfg.Server.Port != 8891 {
		t.Errorf("Server.Port = %d, want default 8891", cfg.Server.Port)
	}
	if cfg.Terminal.ScrollbackBytes != 50000 {
		t.Errorf("Terminal.ScrollbackBytes = %d, want default 50000", cfg.Terminal.ScrollbackBytes)
	}
	if cfg.Activity.IdleThreshold != 5*time.Second {
		t.Errorf("Activity.IdleThreshold = %s, want default 5s", cfg.Activity.IdleThreshold)
	}
	if cfg.Heartbeat.Interval != 2*time.Minute {
		t.Errorf("Heartbeat.Interval = %s, want default 2m", cfg.Heartbeat.Interval)
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(cfgPath, []byte(":::not valid yaml"), 0644); err != nil {
		t.Fatal(err)
	}

	_, err := Load(cfgPath)
	if err == nil {
		t.Fatal("Load() with invalid YAML should return error")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"defaults", func(*Config) {}, true},
		{"empty command", func(c *Config) { c.Terminal.Command = "" }, false},
		{"zero scrollback", func(c *Config) { c.Terminal.ScrollbackBytes = 0 }, false},
		{"negative chunk", func(c *Config) { c.Terminal.ReadChunk = -1 }, false},
		{"zero poll timeout", func(c *Config) { c.Terminal.PollTimeout = 0 }, false},
		{"zero rows", func(c *Config) { c.Terminal.DefaultRows = 0 }, false},
		{"zero idle threshold", func(c *Config) { c.Activity.IdleThreshold = 0 }, false},
		{"zero heartbeat interval", func(c *Config) { c.Heartbeat.Interval = 0 }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.ok && err != nil {
				t.Errorf("Validate() = %v, want nil", err)
			}
			if !tt.ok && err == nil {
				t.Error("Validate() = nil, want error")
			}
		})
	}
}

func TestAddr(t *testing.T) {
	cfg := defaultConfig()
	if got := cfg.Addr(); got != "localhost:8891" {
		t.Errorf("Addr() = %q, want %q", got, "localhost:8891")
	}
}
