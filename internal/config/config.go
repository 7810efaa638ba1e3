package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Terminal  TerminalConfig  `yaml:"terminal"`
	Activity  ActivityConfig  `yaml:"activity"`
	Heartbeat HeartbeatConfig `yaml:"heartbeat"`
	Storage   StorageConfig   `yaml:"storage"`
}

type ServerConfig struct {
	Port           int      `yaml:"port"`
	Host           string   `yaml:"host"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// TerminalConfig controls how agent processes are launched and how their
// pty output is pumped.
type TerminalConfig struct {
	Command         string            `yaml:"command"`
	Args            []string          `yaml:"args"`
	Env             map[string]string `yaml:"env"`
	DefaultModel    string            `yaml:"default_model"`
	ScrollbackBytes int               `yaml:"scrollback_bytes"`
	ReadChunk       int               `yaml:"read_chunk"`
	PollTimeout     time.Duration     `yaml:"poll_timeout"`
	DefaultRows     int               `yaml:"default_rows"`
	DefaultCols     int               `yaml:"default_cols"`
}

type ActivityConfig struct {
	IdleThreshold time.Duration `yaml:"idle_threshold"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

type HeartbeatConfig struct {
	Dir         string        `yaml:"dir"`
	Interval    time.Duration `yaml:"interval"`
	LogInterval time.Duration `yaml:"log_interval"`
}

type StorageConfig struct {
	Database string `yaml:"database"`
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port: 8891,
			Host: "localhost",
		},
		Terminal: TerminalConfig{
			Command:         "claude",
			DefaultModel:    "sonnet",
			ScrollbackBytes: 50000,
			ReadChunk:       4096,
			PollTimeout:     100 * time.Millisecond,
			DefaultRows:     24,
			DefaultCols:     80,
		},
		Activity: ActivityConfig{
			IdleThreshold: 5 * time.Second,
			SweepInterval: 2 * time.Second,
		},
		Heartbeat: HeartbeatConfig{
			Dir:         "data/orchestrator",
			Interval:    2 * time.Minute,
			LogInterval: 30 * time.Second,
		},
		Storage: StorageConfig{
			Database: "data/agent-chat.db",
		},
	}
}

// Default returns the built-in configuration.
func Default() *Config {
	return defaultConfig()
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadOrDefault behaves like Load but returns the defaults when the file
// does not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return defaultConfig(), nil
	}
	return cfg, err
}

func (c *Config) Validate() error {
	if c.Terminal.Command == "" {
		return errors.New("terminal.command must not be empty")
	}
	if c.Terminal.ScrollbackBytes <= 0 {
		return fmt.Errorf("terminal.scrollback_bytes must be positive, got %d", c.Terminal.ScrollbackBytes)
	}
	if c.Terminal.ReadChunk <= 0 {
		return fmt.Errorf("terminal.read_chunk must be positive, got %d", c.Terminal.ReadChunk)
	}
	if c.Terminal.PollTimeout <= 0 {
		return fmt.Errorf("terminal.poll_timeout must be positive, got %s", c.Terminal.PollTimeout)
	}
	if c.Terminal.DefaultRows <= 0 || c.Terminal.DefaultCols <= 0 {
		return fmt.Errorf("terminal default size must be positive, got %dx%d", c.Terminal.DefaultCols, c.Terminal.DefaultRows)
	}
	if c.Activity.IdleThreshold <= 0 || c.Activity.SweepInterval <= 0 {
		return errors.New("activity.idle_threshold and activity.sweep_interval must be positive")
	}
	if c.Heartbeat.Interval <= 0 {
		return fmt.Errorf("heartbeat.interval must be positive, got %s", c.Heartbeat.Interval)
	}
	return nil
}

// Addr returns the listen address for the HTTP server.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
