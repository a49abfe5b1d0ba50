// ABOUTME: Configuration loading for the relay-cli chat client
// ABOUTME: Loads TOML config from XDG path with environment variable expansion

package main

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Relay    RelayConfig    `toml:"relay"`
	Identity IdentityConfig `toml:"identity"`
	Display  DisplayConfig  `toml:"display"`
}

type RelayConfig struct {
	URL string `toml:"url"`
}

type IdentityConfig struct {
	User string `toml:"user"`
}

type DisplayConfig struct {
	TimeFormat string `toml:"time_format"`
	NoColor    bool   `toml:"no_color"`
}

func defaultConfig() *Config {
	return &Config{
		Relay:   RelayConfig{URL: "ws://localhost:9001/ws"},
		Display: DisplayConfig{TimeFormat: "15:04"},
	}
}

// defaultConfigPath returns $XDG_CONFIG_HOME/coven/relay-cli.toml.
func defaultConfigPath() string {
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "relay-cli.toml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}
	return filepath.Join(configDir, "coven", "relay-cli.toml")
}

// LoadConfig reads config from path, expanding environment variables.
// A missing file yields the defaults; validation is left to the caller
// so flags can fill in what the file leaves out.
func LoadConfig(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if _, err := toml.Decode(expandEnvVars(string(data)), cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	return cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR} with environment variable values.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := strings.TrimSuffix(strings.TrimPrefix(match, "${"), "}")
		return os.Getenv(varName)
	})
}

// Validate checks that required config fields are present and valid.
func (c *Config) Validate() error {
	if c.Identity.User == "" {
		return fmt.Errorf("identity.user is required")
	}
	if c.Relay.URL == "" {
		return fmt.Errorf("relay.url is required")
	}
	u, err := url.Parse(c.Relay.URL)
	if err != nil {
		return fmt.Errorf("relay.url is not a valid URL: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss", "http", "https":
	default:
		return fmt.Errorf("relay.url must use ws, wss, http or https scheme")
	}
	return nil
}

// dialURL returns the WebSocket URL for connecting as user.
// http and https are mapped to ws and wss.
func (c *Config) dialURL() (string, error) {
	u, err := url.Parse(c.Relay.URL)
	if err != nil {
		return "", fmt.Errorf("parsing relay url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	q := u.Query()
	q.Set("user", c.Identity.User)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
