// Package config loads the optional YAML configuration file shared by imet and imet-agent.
// Values set here are overridden by explicitly set command line flags.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Agent   AgentConfig   `yaml:"agent"`
	Console ConsoleConfig `yaml:"console"`
	Logging LoggingConfig `yaml:"logging"`
}

type AgentConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	SamplesDir string `yaml:"samples_dir"`
	Shell      string `yaml:"shell"`
	WorkDir    string `yaml:"work_dir"`

	KeepaliveInterval time.Duration `yaml:"-"`
	KeepaliveTimeout  time.Duration `yaml:"-"`
	ExecTimeout       time.Duration `yaml:"-"`

	KeepaliveIntervalRaw string `yaml:"keepalive_interval"`
	KeepaliveTimeoutRaw  string `yaml:"keepalive_timeout"`
	ExecTimeoutRaw       string `yaml:"exec_timeout"`
}

type ConsoleConfig struct {
	// Connect is an agent address to connect to at startup.
	Connect    string `yaml:"connect"`
	SamplesDir string `yaml:"samples_dir"`
	// Template is the path of the file new samples are rendered from.
	Template    string `yaml:"template"`
	HistoryFile string `yaml:"history_file"`

	HeartbeatInterval time.Duration `yaml:"-"`
	HeartbeatTimeout  time.Duration `yaml:"-"`
	ConnectTimeout    time.Duration `yaml:"-"`

	HeartbeatIntervalRaw string `yaml:"heartbeat_interval"`
	HeartbeatTimeoutRaw  string `yaml:"heartbeat_timeout"`
	ConnectTimeoutRaw    string `yaml:"connect_timeout"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

var envVarRE = regexp.MustCompile(`\$\{([^}]+)\}`)

// Load reads and validates the file at path. ${VAR} references are replaced with the value
// of the environment variable, or "" if it is unset.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandEnvVars(string(b))), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	if err := cfg.parseDurations(); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

func expandEnvVars(s string) string {
	return envVarRE.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarRE.FindStringSubmatch(match)[1])
	})
}

func (c *Config) parseDurations() error {
	fields := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"agent.keepalive_interval", c.Agent.KeepaliveIntervalRaw, &c.Agent.KeepaliveInterval},
		{"agent.keepalive_timeout", c.Agent.KeepaliveTimeoutRaw, &c.Agent.KeepaliveTimeout},
		{"agent.exec_timeout", c.Agent.ExecTimeoutRaw, &c.Agent.ExecTimeout},
		{"console.heartbeat_interval", c.Console.HeartbeatIntervalRaw, &c.Console.HeartbeatInterval},
		{"console.heartbeat_timeout", c.Console.HeartbeatTimeoutRaw, &c.Console.HeartbeatTimeout},
		{"console.connect_timeout", c.Console.ConnectTimeoutRaw, &c.Console.ConnectTimeout},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.key, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}

// Validate checks the values that can be checked without touching the network or filesystem.
func (c *Config) Validate() error {
	if c.Logging.Level != "" {
		if _, err := zapcore.ParseLevel(c.Logging.Level); err != nil {
			return fmt.Errorf("logging.level: %w", err)
		}
	}
	durations := map[string]time.Duration{
		"agent.keepalive_interval":   c.Agent.KeepaliveInterval,
		"agent.keepalive_timeout":    c.Agent.KeepaliveTimeout,
		"agent.exec_timeout":         c.Agent.ExecTimeout,
		"console.heartbeat_interval": c.Console.HeartbeatInterval,
		"console.heartbeat_timeout":  c.Console.HeartbeatTimeout,
		"console.connect_timeout":    c.Console.ConnectTimeout,
	}
	for key, d := range durations {
		if d < 0 {
			return fmt.Errorf("%s must not be negative", key)
		}
	}
	return nil
}
