// ABOUTME: Configuration loading and parsing for the diagnostics proxy.
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing.

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete proxy configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	Encryption  EncryptionConfig  `yaml:"encryption"`
	Sessions    SessionsConfig    `yaml:"sessions"`
	Commands    CommandsConfig    `yaml:"commands"`
	Connections ConnectionsConfig `yaml:"connections"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// ServerConfig holds listener address configuration.
type ServerConfig struct {
	UIAddr    string `yaml:"ui_addr"`
	AgentAddr string `yaml:"agent_addr"`
	HTTPAddr  string `yaml:"http_addr"`

	// HandshakeRate and HandshakeBurst bound how fast new UI connections may
	// be accepted. Zero disables the limit.
	HandshakeRate  float64 `yaml:"handshake_rate"`
	HandshakeBurst int     `yaml:"handshake_burst"`
}

// DatabaseConfig holds the authorized-server directory location.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// EncryptionConfig holds the RSA key pair locations.
type EncryptionConfig struct {
	PublicKeyPath  string `yaml:"public_key"`
	PrivateKeyPath string `yaml:"private_key"`
}

// SessionsConfig holds session lifecycle timing.
type SessionsConfig struct {
	IdleTimeout   time.Duration `yaml:"-"`
	SweepInterval time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	IdleTimeoutRaw   string `yaml:"idle_timeout"`
	SweepIntervalRaw string `yaml:"sweep_interval"`
}

// CommandsConfig holds pending-command timing.
type CommandsConfig struct {
	Timeout       time.Duration `yaml:"-"`
	SweepInterval time.Duration `yaml:"-"`

	TimeoutRaw       string `yaml:"timeout"`
	SweepIntervalRaw string `yaml:"sweep_interval"`
}

// ConnectionsConfig holds outbound buffer thresholds and the read window.
type ConnectionsConfig struct {
	WriteLowWatermark  int `yaml:"write_low_watermark"`
	WriteHighWatermark int `yaml:"write_high_watermark"`

	SaturationWait time.Duration `yaml:"-"`
	IdleRead       time.Duration `yaml:"-"`

	SaturationWaitRaw string `yaml:"saturation_wait"`
	IdleReadRaw       string `yaml:"idle_read"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`

	// File enables rotated file output when set; empty logs to stderr.
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

// Documented fallbacks applied when the file omits a knob. The watermarks
// match the original deployment's write-buffer thresholds.
const (
	DefaultIdleTimeout    = 30 * time.Minute
	DefaultSessionSweep   = time.Minute
	DefaultCommandTimeout = 30 * time.Second
	DefaultCommandSweep   = time.Second
	DefaultLowWatermark   = 64 * 1024
	DefaultHighWatermark  = 128 * 1024
	DefaultSaturationWait = 5 * time.Second
	DefaultIdleRead       = 90 * time.Second
)

// Load reads a configuration file from the given path and returns a parsed
// Config. Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding
// environment variable values. Unset variables expand to the empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.UIAddr == "" {
		return fmt.Errorf("server.ui_addr is required")
	}
	if c.Server.AgentAddr == "" {
		return fmt.Errorf("server.agent_addr is required")
	}
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Encryption.PublicKeyPath == "" {
		return fmt.Errorf("encryption.public_key is required")
	}
	if c.Encryption.PrivateKeyPath == "" {
		return fmt.Errorf("encryption.private_key is required")
	}
	if c.Connections.WriteLowWatermark > c.Connections.WriteHighWatermark {
		return fmt.Errorf("connections.write_low_watermark must not exceed write_high_watermark")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Sessions.IdleTimeout == 0 {
		c.Sessions.IdleTimeout = DefaultIdleTimeout
	}
	if c.Sessions.SweepInterval == 0 {
		c.Sessions.SweepInterval = DefaultSessionSweep
	}
	if c.Commands.Timeout == 0 {
		c.Commands.Timeout = DefaultCommandTimeout
	}
	if c.Commands.SweepInterval == 0 {
		c.Commands.SweepInterval = DefaultCommandSweep
	}
	if c.Connections.WriteLowWatermark == 0 {
		c.Connections.WriteLowWatermark = DefaultLowWatermark
	}
	if c.Connections.WriteHighWatermark == 0 {
		c.Connections.WriteHighWatermark = DefaultHighWatermark
	}
	if c.Connections.SaturationWait == 0 {
		c.Connections.SaturationWait = DefaultSaturationWait
	}
	if c.Connections.IdleRead == 0 {
		c.Connections.IdleRead = DefaultIdleRead
	}
}

// parseDurations converts the raw duration strings into time.Duration values.
func parseDurations(cfg *Config) error {
	fields := []struct {
		raw  string
		dst  *time.Duration
		name string
	}{
		{cfg.Sessions.IdleTimeoutRaw, &cfg.Sessions.IdleTimeout, "sessions.idle_timeout"},
		{cfg.Sessions.SweepIntervalRaw, &cfg.Sessions.SweepInterval, "sessions.sweep_interval"},
		{cfg.Commands.TimeoutRaw, &cfg.Commands.Timeout, "commands.timeout"},
		{cfg.Commands.SweepIntervalRaw, &cfg.Commands.SweepInterval, "commands.sweep_interval"},
		{cfg.Connections.SaturationWaitRaw, &cfg.Connections.SaturationWait, "connections.saturation_wait"},
		{cfg.Connections.IdleReadRaw, &cfg.Connections.IdleRead, "connections.idle_read"},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}
