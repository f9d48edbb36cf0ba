// ABOUTME: Configuration loading and parsing for relay-gateway
// ABOUTME: Supports YAML files with environment variable expansion, duration parsing, and defaults

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied by Load when a field is left empty.
const (
	DefaultChannelPrefix     = "relay:"
	DefaultNotifyTimeout     = 10 * time.Second
	DefaultSendBuffer        = 64
	DefaultMessagesPerSecond = 5
	DefaultBurst             = 10
	DefaultSnapshotLimit     = 50
)

// Notification providers.
const (
	ProviderNone   = "none"
	ProviderResend = "resend"
)

// Config represents the complete relay-gateway configuration
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Database      DatabaseConfig      `yaml:"database"`
	Redis         RedisConfig         `yaml:"redis"`
	Delivery      DeliveryConfig      `yaml:"delivery"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Auth          AuthConfig          `yaml:"auth"`
	Logging       LoggingConfig       `yaml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
	// AllowedOrigins restricts websocket upgrades by Origin header. Empty allows any origin.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// RedisConfig holds the cross-instance broker configuration.
// An empty URL runs the gateway as a single instance.
type RedisConfig struct {
	URL           string `yaml:"url"`
	ChannelPrefix string `yaml:"channel_prefix"`
}

// DeliveryConfig holds message delivery tuning
type DeliveryConfig struct {
	NotifyTimeout time.Duration `yaml:"-"`

	SendBuffer        int     `yaml:"send_buffer"`
	MessagesPerSecond float64 `yaml:"messages_per_second"`
	Burst             int     `yaml:"burst"`
	SnapshotLimit     int     `yaml:"snapshot_limit"`

	// Raw string values for YAML unmarshaling
	NotifyTimeoutRaw string `yaml:"notify_timeout"`
}

// NotificationsConfig holds offline-visitor notification configuration
type NotificationsConfig struct {
	Provider string `yaml:"provider"`
	APIKey   string `yaml:"api_key"`
	From     string `yaml:"from"`
	Endpoint string `yaml:"endpoint"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse parses YAML configuration content.
func Parse(data []byte) (*Config, error) {
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

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func (c *Config) applyDefaults() {
	if c.Redis.ChannelPrefix == "" {
		c.Redis.ChannelPrefix = DefaultChannelPrefix
	}
	if c.Delivery.NotifyTimeout == 0 {
		c.Delivery.NotifyTimeout = DefaultNotifyTimeout
	}
	if c.Delivery.SendBuffer == 0 {
		c.Delivery.SendBuffer = DefaultSendBuffer
	}
	if c.Delivery.MessagesPerSecond == 0 {
		c.Delivery.MessagesPerSecond = DefaultMessagesPerSecond
	}
	if c.Delivery.Burst == 0 {
		c.Delivery.Burst = DefaultBurst
	}
	if c.Delivery.SnapshotLimit == 0 {
		c.Delivery.SnapshotLimit = DefaultSnapshotLimit
	}
	if c.Notifications.Provider == "" {
		c.Notifications.Provider = ProviderNone
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
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Delivery.NotifyTimeout < 0 {
		return fmt.Errorf("delivery.notify_timeout must be positive")
	}
	if c.Delivery.SendBuffer < 0 || c.Delivery.Burst < 0 || c.Delivery.SnapshotLimit < 0 || c.Delivery.MessagesPerSecond < 0 {
		return fmt.Errorf("delivery values must not be negative")
	}

	switch c.Notifications.Provider {
	case ProviderNone:
	case ProviderResend:
		if c.Notifications.APIKey == "" {
			return fmt.Errorf("notifications.api_key is required for provider %q", ProviderResend)
		}
		if c.Notifications.From == "" {
			return fmt.Errorf("notifications.from is required for provider %q", ProviderResend)
		}
	default:
		return fmt.Errorf("notifications.provider %q is not supported (use %q or %q)",
			c.Notifications.Provider, ProviderResend, ProviderNone)
	}

	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format %q is not supported (use text or json)", c.Logging.Format)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Delivery.NotifyTimeoutRaw != "" {
		cfg.Delivery.NotifyTimeout, err = time.ParseDuration(cfg.Delivery.NotifyTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing notify_timeout %q: %w", cfg.Delivery.NotifyTimeoutRaw, err)
		}
	}

	return nil
}
