// ABOUTME: Configuration loading and parsing for toolgate
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultToolTimeout bounds a tool call when tools.timeout is unset.
	DefaultToolTimeout = 30 * time.Second

	// DefaultTestTimeout bounds calls made through POST /tools/test.
	DefaultTestTimeout = 10 * time.Second

	minJWTSecretLength = 32
)

// Config represents the complete toolgate configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	Auth      AuthConfig      `yaml:"auth" toml:"auth"`
	Tools     ToolsConfig     `yaml:"tools" toml:"tools"`
	Delegates DelegatesConfig `yaml:"delegates" toml:"delegates"`
	APIKeys   APIKeysConfig   `yaml:"api_keys" toml:"api_keys"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	GRPCAddr string `yaml:"grpc_addr" toml:"grpc_addr"`
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// AuthConfig holds user authentication configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`
}

// ToolsConfig controls the default execution policy applied to HTTP tool calls.
type ToolsConfig struct {
	// Enabled defaults to true when omitted.
	Enabled *bool `yaml:"enabled" toml:"enabled"`

	// EnabledTools restricts callable tools when present. An explicit empty
	// list allows nothing.
	EnabledTools []string `yaml:"enabled_tools" toml:"enabled_tools"`

	Timeout     time.Duration `yaml:"-" toml:"-"`
	TestTimeout time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	TimeoutRaw     string `yaml:"timeout" toml:"timeout"`
	TestTimeoutRaw string `yaml:"test_timeout" toml:"test_timeout"`
}

// DelegatesConfig holds delegate connection settings
type DelegatesConfig struct {
	AuthRatePerSecond float64 `yaml:"auth_rate_per_second" toml:"auth_rate_per_second"`
	AuthBurst         int     `yaml:"auth_burst" toml:"auth_burst"`
	OutboxSize        int     `yaml:"outbox_size" toml:"outbox_size"`
}

// APIKeysConfig holds delegate credential settings
type APIKeysConfig struct {
	BcryptCost int `yaml:"bcrypt_cost" toml:"bcrypt_cost"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// ToolsEnabled reports whether tool execution is switched on.
func (t ToolsConfig) ToolsEnabled() bool {
	return t.Enabled == nil || *t.Enabled
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if dbPath := os.Getenv("TOOLGATE_DB_PATH"); dbPath != "" {
		cfg.Database.Path = dbPath
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

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// Unset variables expand to an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

func (c *Config) applyDefaults() {
	if c.Tools.Timeout == 0 {
		c.Tools.Timeout = DefaultToolTimeout
	}
	if c.Tools.TestTimeout == 0 {
		c.Tools.TestTimeout = DefaultTestTimeout
	}
	if c.Delegates.AuthRatePerSecond == 0 {
		c.Delegates.AuthRatePerSecond = 1
	}
	if c.Delegates.AuthBurst == 0 {
		c.Delegates.AuthBurst = 5
	}
	if c.Delegates.OutboxSize == 0 {
		c.Delegates.OutboxSize = 16
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	// Server addresses are required unless Tailscale is enabled
	if !c.Tailscale.Enabled {
		if c.Server.GRPCAddr == "" {
			return fmt.Errorf("server.grpc_addr is required (or enable tailscale)")
		}
		if c.Server.HTTPAddr == "" {
			return fmt.Errorf("server.http_addr is required (or enable tailscale)")
		}
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if len(c.Auth.JWTSecret) < minJWTSecretLength {
		return fmt.Errorf("auth.jwt_secret must be at least %d bytes", minJWTSecretLength)
	}

	if c.Tools.Timeout < 0 || c.Tools.TestTimeout < 0 {
		return fmt.Errorf("tool timeouts must be positive")
	}

	if c.APIKeys.BcryptCost != 0 && (c.APIKeys.BcryptCost < 4 || c.APIKeys.BcryptCost > 31) {
		return fmt.Errorf("api_keys.bcrypt_cost must be between 4 and 31")
	}

	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Tools.TimeoutRaw != "" {
		cfg.Tools.Timeout, err = time.ParseDuration(cfg.Tools.TimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing tools.timeout %q: %w", cfg.Tools.TimeoutRaw, err)
		}
	}

	if cfg.Tools.TestTimeoutRaw != "" {
		cfg.Tools.TestTimeout, err = time.ParseDuration(cfg.Tools.TestTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing tools.test_timeout %q: %w", cfg.Tools.TestTimeoutRaw, err)
		}
	}

	return nil
}
