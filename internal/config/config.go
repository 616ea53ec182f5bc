// Package config provides runtime defaults, file loading, environment
// overrides, and validation for the gateway.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/Tyrowin/mcphub/internal/catalog"
)

// ErrNoCredentials is returned by Validate when no credential is configured.
var ErrNoCredentials = errors.New("auth.bearer_token or auth.api_key is required")

// Config holds the gateway configuration.
type Config struct {
	Server  ServerConfig     `yaml:"server" toml:"server"`
	Auth    AuthConfig       `yaml:"auth" toml:"auth"`
	Limits  LimitsConfig     `yaml:"limits" toml:"limits"`
	Logging LoggingConfig    `yaml:"logging" toml:"logging"`
	Catalog *catalog.Catalog `yaml:"catalog" toml:"catalog"`
}

// ServerConfig holds listener and connection lifecycle settings.
type ServerConfig struct {
	Port           string   `yaml:"port" toml:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" toml:"allowed_origins"`

	KeepAliveInterval time.Duration `yaml:"-" toml:"-"`
	ShutdownTimeout   time.Duration `yaml:"-" toml:"-"`
	HandshakeDelay    time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	KeepAliveIntervalRaw string `yaml:"keepalive_interval" toml:"keepalive_interval"`
	ShutdownTimeoutRaw   string `yaml:"shutdown_timeout" toml:"shutdown_timeout"`
	HandshakeDelayRaw    string `yaml:"handshake_delay" toml:"handshake_delay"`
}

// AuthConfig holds the credentials accepted by the authorization gate.
type AuthConfig struct {
	BearerToken string `yaml:"bearer_token" toml:"bearer_token"`
	APIKey      string `yaml:"api_key" toml:"api_key"`
}

// RateLimitConfig defines the parameters for per-connection message rate limiting.
type RateLimitConfig struct {
	Burst          int           `yaml:"burst" toml:"burst"`
	RefillInterval time.Duration `yaml:"-" toml:"-"`

	RefillIntervalRaw string `yaml:"refill_interval" toml:"refill_interval"`
}

// LimitsConfig bounds message sizes, queues, and inbound rates.
type LimitsConfig struct {
	MaxMessageSize int64           `yaml:"max_message_size" toml:"max_message_size"`
	MaxBodyBytes   int64           `yaml:"max_body_bytes" toml:"max_body_bytes"`
	QueueSize      int             `yaml:"queue_size" toml:"queue_size"`
	RateLimit      RateLimitConfig `yaml:"rate_limit" toml:"rate_limit"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Default returns a Config populated with default values for all settings.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port: ":8000",
			AllowedOrigins: []string{
				"http://localhost:8000",
			},
			KeepAliveInterval: 15 * time.Second,
			ShutdownTimeout:   10 * time.Second,
			HandshakeDelay:    catalog.DefaultHandshakeDelay,
		},
		Limits: LimitsConfig{
			MaxMessageSize: 64 << 10,
			MaxBodyBytes:   1 << 20,
			QueueSize:      256,
			RateLimit: RateLimitConfig{
				Burst:          20,
				RefillInterval: time.Second,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads a configuration file, layering it over the defaults.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the form ${VAR_NAME} are expanded first, and the
// plain environment overrides are applied after decoding.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	cfg := Default()
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	applyEnv(&cfg)
	sanitize(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

// FromEnv creates a Config from environment variables only, falling back to
// defaults for anything unset.
func FromEnv() (*Config, error) {
	cfg := Default()
	applyEnv(&cfg)
	sanitize(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

// Validate checks that the configuration can serve traffic.
func (c *Config) Validate() error {
	if c.Auth.BearerToken == "" && c.Auth.APIKey == "" {
		return ErrNoCredentials
	}
	if c.Catalog != nil {
		if err := c.Catalog.Validate(); err != nil {
			return fmt.Errorf("catalog: %w", err)
		}
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}
	return nil
}

// CatalogOrDefault returns the configured catalog or the built-in one.
func (c *Config) CatalogOrDefault() catalog.Catalog {
	if c.Catalog == nil {
		return catalog.Default()
	}
	return *c.Catalog
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding
// environment variable values. Unset variables expand to an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(re.FindStringSubmatch(match)[1])
	})
}

func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"server.keepalive_interval", cfg.Server.KeepAliveIntervalRaw, &cfg.Server.KeepAliveInterval},
		{"server.shutdown_timeout", cfg.Server.ShutdownTimeoutRaw, &cfg.Server.ShutdownTimeout},
		{"server.handshake_delay", cfg.Server.HandshakeDelayRaw, &cfg.Server.HandshakeDelay},
		{"limits.rate_limit.refill_interval", cfg.Limits.RateLimit.RefillIntervalRaw, &cfg.Limits.RateLimit.RefillInterval},
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

func applyEnv(cfg *Config) {
	// Load SERVER_PORT
	if port := os.Getenv("SERVER_PORT"); port != "" {
		cfg.Server.Port = port
	}

	// Load ALLOWED_ORIGINS
	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		cfg.Server.AllowedOrigins = parseOrigins(origins)
	}

	// Load MAX_MESSAGE_SIZE
	if maxSize := os.Getenv("MAX_MESSAGE_SIZE"); maxSize != "" {
		cfg.Limits.MaxMessageSize = parseInt64Value(maxSize, cfg.Limits.MaxMessageSize)
	}

	// Load MAX_BODY_BYTES
	if maxBody := os.Getenv("MAX_BODY_BYTES"); maxBody != "" {
		cfg.Limits.MaxBodyBytes = parseInt64Value(maxBody, cfg.Limits.MaxBodyBytes)
	}

	// Load RATE_LIMIT_BURST
	if burst := os.Getenv("RATE_LIMIT_BURST"); burst != "" {
		cfg.Limits.RateLimit.Burst = parseIntValue(burst, cfg.Limits.RateLimit.Burst)
	}

	// Load RATE_LIMIT_REFILL_INTERVAL
	if interval := os.Getenv("RATE_LIMIT_REFILL_INTERVAL"); interval != "" {
		cfg.Limits.RateLimit.RefillInterval = parseRefillInterval(interval, cfg.Limits.RateLimit.RefillInterval)
	}

	if token := os.Getenv("MCPHUB_BEARER_TOKEN"); token != "" {
		cfg.Auth.BearerToken = token
	}
	if key := os.Getenv("MCPHUB_API_KEY"); key != "" {
		cfg.Auth.APIKey = key
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.Logging.Level = strings.ToLower(level)
	}
	if format := os.Getenv("LOG_FORMAT"); format != "" {
		cfg.Logging.Format = strings.ToLower(format)
	}
}

// sanitize replaces unusable values with defaults.
func sanitize(cfg *Config) {
	def := Default()

	if cfg.Server.Port == "" {
		cfg.Server.Port = def.Server.Port
	}
	if cfg.Server.KeepAliveInterval <= 0 {
		cfg.Server.KeepAliveInterval = def.Server.KeepAliveInterval
	}
	if cfg.Server.ShutdownTimeout <= 0 {
		cfg.Server.ShutdownTimeout = def.Server.ShutdownTimeout
	}
	if cfg.Server.HandshakeDelay < 0 {
		cfg.Server.HandshakeDelay = 0
	}

	if cfg.Limits.MaxMessageSize <= 0 {
		cfg.Limits.MaxMessageSize = def.Limits.MaxMessageSize
	}
	if cfg.Limits.MaxBodyBytes <= 0 {
		cfg.Limits.MaxBodyBytes = def.Limits.MaxBodyBytes
	}
	if cfg.Limits.QueueSize <= 0 {
		cfg.Limits.QueueSize = def.Limits.QueueSize
	}
	if cfg.Limits.RateLimit.Burst <= 0 {
		cfg.Limits.RateLimit.Burst = def.Limits.RateLimit.Burst
	}
	if cfg.Limits.RateLimit.RefillInterval <= 0 {
		cfg.Limits.RateLimit.RefillInterval = def.Limits.RateLimit.RefillInterval
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = def.Logging.Level
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = def.Logging.Format
	}

	for i := range cfg.Server.AllowedOrigins {
		cfg.Server.AllowedOrigins[i] = strings.TrimSpace(cfg.Server.AllowedOrigins[i])
	}
}

func parseOrigins(origins string) []string {
	parts := strings.Split(origins, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func parseInt64Value(value string, defaultValue int64) int64 {
	if size, err := strconv.ParseInt(value, 10, 64); err == nil && size > 0 {
		return size
	}
	return defaultValue
}

func parseIntValue(value string, defaultValue int) int {
	if parsed, err := strconv.Atoi(value); err == nil && parsed > 0 {
		return parsed
	}
	return defaultValue
}

// parseRefillInterval accepts either whole seconds or a Go duration string.
func parseRefillInterval(value string, defaultValue time.Duration) time.Duration {
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if d, err := time.ParseDuration(value); err == nil && d > 0 {
		return d
	}
	return defaultValue
}
