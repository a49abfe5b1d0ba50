// ABOUTME: Configuration loading and parsing for coven-relay
// ABOUTME: Supports YAML files with environment variable expansion, defaults and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete coven-relay configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database"`
	Relay     RelayConfig     `yaml:"relay"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr"` // health service; empty disables
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Hostname  string `yaml:"hostname"`
	AuthKey   string `yaml:"auth_key"`
	StateDir  string `yaml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral"`
}

// DatabaseConfig selects and configures the conversation log backend
type DatabaseConfig struct {
	Backend string `yaml:"backend"` // file, sqlite, badger
	Path    string `yaml:"path"`
	Driver  string `yaml:"driver"` // sqlite only: sqlite (pure Go) or sqlite3 (cgo)

	Timeout    time.Duration `yaml:"-"`
	TimeoutRaw string        `yaml:"timeout"`
}

// RelayConfig holds per-connection and session behavior
type RelayConfig struct {
	HistoryLimit    int      `yaml:"history_limit"`
	SendBuffer      int      `yaml:"send_buffer"`
	MaxFrameBytes   int64    `yaml:"max_frame_bytes"`
	CloseSuperseded bool     `yaml:"close_superseded"`
	RosterOnConnect bool     `yaml:"roster_on_connect"`
	OriginPatterns  []string `yaml:"origin_patterns,omitempty"`

	WriteTimeout    time.Duration `yaml:"-"`
	WriteTimeoutRaw string        `yaml:"write_timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

var (
	validBackends = []string{"file", "sqlite", "badger"}
	validDrivers  = []string{"sqlite", "sqlite3"}
	validLevels   = []string{"debug", "info", "warn", "error"}
	validFormats  = []string{"text", "json"}
)

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPAddr: "localhost:9001",
		},
		Database: DatabaseConfig{
			Backend:    "file",
			Path:       "messages.db",
			Driver:     "sqlite",
			Timeout:    5 * time.Second,
			TimeoutRaw: "5s",
		},
		Relay: RelayConfig{
			HistoryLimit:    50,
			SendBuffer:      64,
			MaxFrameBytes:   64 * 1024,
			WriteTimeout:    10 * time.Second,
			WriteTimeoutRaw: "10s",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Keys absent from the file keep their Default() values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML configuration content. See Load.
func Parse(data []byte) (*Config, error) {
	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expandedData), cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Parse duration fields
	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Write renders cfg as YAML to path, creating parent directories.
func Write(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	header := []byte("# coven-relay configuration\n\n")
	if err := os.WriteFile(path, append(header, data...), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	// The HTTP address is required unless Tailscale is enabled
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	// Tailscale requires a hostname
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if !slices.Contains(validBackends, c.Database.Backend) {
		return fmt.Errorf("database.backend must be one of %v, got %q", validBackends, c.Database.Backend)
	}
	// An empty badger path selects an in-memory store
	if c.Database.Path == "" && c.Database.Backend != "badger" {
		return fmt.Errorf("database.path is required")
	}
	if c.Database.Backend == "sqlite" && !slices.Contains(validDrivers, c.Database.Driver) {
		return fmt.Errorf("database.driver must be one of %v, got %q", validDrivers, c.Database.Driver)
	}
	if c.Database.Timeout < 0 {
		return fmt.Errorf("database.timeout must not be negative")
	}

	if c.Relay.HistoryLimit <= 0 {
		return fmt.Errorf("relay.history_limit must be positive")
	}
	if c.Relay.SendBuffer <= 0 {
		return fmt.Errorf("relay.send_buffer must be positive")
	}
	if c.Relay.MaxFrameBytes <= 0 {
		return fmt.Errorf("relay.max_frame_bytes must be positive")
	}
	if c.Relay.WriteTimeout <= 0 {
		return fmt.Errorf("relay.write_timeout must be positive")
	}

	if c.Logging.Level != "" && !slices.Contains(validLevels, c.Logging.Level) {
		return fmt.Errorf("logging.level must be one of %v, got %q", validLevels, c.Logging.Level)
	}
	if c.Logging.Format != "" && !slices.Contains(validFormats, c.Logging.Format) {
		return fmt.Errorf("logging.format must be one of %v, got %q", validFormats, c.Logging.Format)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Database.TimeoutRaw != "" {
		cfg.Database.Timeout, err = time.ParseDuration(cfg.Database.TimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing database.timeout %q: %w", cfg.Database.TimeoutRaw, err)
		}
	}

	if cfg.Relay.WriteTimeoutRaw != "" {
		cfg.Relay.WriteTimeout, err = time.ParseDuration(cfg.Relay.WriteTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing relay.write_timeout %q: %w", cfg.Relay.WriteTimeoutRaw, err)
		}
	}

	return nil
}
