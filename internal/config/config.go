// ABOUTME: Configuration loading and parsing for relaydesk
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/relaydesk/relaydesk/internal/access"
	"github.com/relaydesk/relaydesk/internal/presence"
)

// Config represents the complete relaydesk configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Auth     AuthConfig     `yaml:"auth"`
	Widget   WidgetConfig   `yaml:"widget"`
	WhatsApp WhatsAppConfig `yaml:"whatsapp"`
	Agents   AgentsConfig   `yaml:"agents"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// WidgetConfig holds the public widget rate-limit settings
type WidgetConfig struct {
	RateLimit int `yaml:"rate_limit"`

	RateWindow    time.Duration `yaml:"-"`
	RateWindowRaw string        `yaml:"rate_window"`
}

// WhatsAppConfig holds the provider webhook credentials
type WhatsAppConfig struct {
	Enabled       bool   `yaml:"enabled"`
	VerifyToken   string `yaml:"verify_token"`
	AppSecret     string `yaml:"app_secret"`
	AccessToken   string `yaml:"access_token"`
	PhoneNumberID string `yaml:"phone_number_id"`
}

// AgentsConfig holds agent-related timing configuration
type AgentsConfig struct {
	OfflineGrace time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	OfflineGraceRaw string `yaml:"offline_grace"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Parse duration fields
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	// Match ${VAR_NAME} pattern
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyDefaults fills in values that have sensible defaults.
func (c *Config) applyDefaults() {
	if c.Widget.RateLimit == 0 {
		c.Widget.RateLimit = access.DefaultLimit
	}
	if c.Widget.RateWindow == 0 {
		c.Widget.RateWindow = access.DefaultWindow
	}
	if c.Agents.OfflineGrace == 0 {
		c.Agents.OfflineGrace = presence.DefaultGrace
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}

	if c.WhatsApp.Enabled && c.WhatsApp.VerifyToken == "" {
		return fmt.Errorf("whatsapp.verify_token is required when whatsapp is enabled")
	}

	if c.Widget.RateLimit < 0 {
		return fmt.Errorf("widget.rate_limit must not be negative")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Widget.RateWindowRaw != "" {
		cfg.Widget.RateWindow, err = time.ParseDuration(cfg.Widget.RateWindowRaw)
		if err != nil {
			return fmt.Errorf("parsing rate_window %q: %w", cfg.Widget.RateWindowRaw, err)
		}
	}

	if cfg.Agents.OfflineGraceRaw != "" {
		cfg.Agents.OfflineGrace, err = time.ParseDuration(cfg.Agents.OfflineGraceRaw)
		if err != nil {
			return fmt.Errorf("parsing offline_grace %q: %w", cfg.Agents.OfflineGraceRaw, err)
		}
	}

	return nil
}
