package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all application configuration.
type Config struct {
	Server        ServerConfig
	Database      DatabaseConfig
	App           AppConfig
	Observability ObservabilityConfig
	Redis         RedisConfig
	Gateway       GatewayConfig
	Auth          AuthConfig
	RateLimit     RateLimitConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port            string        `envconfig:"SERVER_PORT" required:"true"`
	Host            string        `envconfig:"SERVER_HOST" required:"true"`
	BaseURL         string        `envconfig:"SERVER_BASE_URL" required:"true"`
	ReadTimeout     time.Duration `envconfig:"SERVER_READ_TIMEOUT" required:"true"`
	WriteTimeout    time.Duration `envconfig:"SERVER_WRITE_TIMEOUT" required:"true"`
	IdleTimeout     time.Duration `envconfig:"SERVER_IDLE_TIMEOUT" required:"true"`
	ShutdownTimeout time.Duration `envconfig:"SERVER_SHUTDOWN_TIMEOUT" required:"true"`
	MaxBodyBytes    int64         `envconfig:"SERVER_MAX_BODY_BYTES" default:"1048576"`
}

// Validate validates the server configuration.
func (c *ServerConfig) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("port cannot be empty")
	}
	if c.Host == "" {
		return fmt.Errorf("host cannot be empty")
	}
	if c.BaseURL == "" {
		return fmt.Errorf("base URL cannot be empty")
	}
	if c.ReadTimeout <= 0 {
		return fmt.Errorf("read timeout must be positive")
	}
	if c.WriteTimeout <= 0 {
		return fmt.Errorf("write timeout must be positive")
	}
	if c.IdleTimeout <= 0 {
		return fmt.Errorf("idle timeout must be positive")
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("shutdown timeout must be positive")
	}
	if c.MaxBodyBytes <= 0 {
		return fmt.Errorf("max body bytes must be positive")
	}
	return nil
}

// DatabaseConfig holds database connection configuration.
type DatabaseConfig struct {
	Host        string `envconfig:"DB_HOST" required:"true"`
	Port        string `envconfig:"DB_PORT" required:"true"`
	User        string `envconfig:"DB_USER" required:"true"`
	Password    string `envconfig:"DB_PASSWORD" required:"true"`
	Name        string `envconfig:"DB_NAME" required:"true"`
	SSLMode     string `envconfig:"DB_SSLMODE" required:"true"`
	MaxConns    int32  `envconfig:"DB_MAX_CONNS" required:"true"`
	MinConns    int32  `envconfig:"DB_MIN_CONNS" required:"true"`
	AutoMigrate bool   `envconfig:"DB_AUTO_MIGRATE" default:"false"`
}

// Validate validates the database configuration.
func (c *DatabaseConfig) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("host cannot be empty")
	}
	if c.Port == "" {
		return fmt.Errorf("port cannot be empty")
	}
	if c.User == "" {
		return fmt.Errorf("user cannot be empty")
	}
	if c.Password == "" {
		return fmt.Errorf("password cannot be empty")
	}
	if c.Name == "" {
		return fmt.Errorf("database name cannot be empty")
	}
	if c.MaxConns <= 0 {
		return fmt.Errorf("max connections must be positive")
	}
	if c.MinConns <= 0 {
		return fmt.Errorf("min connections must be positive")
	}
	if c.MinConns > c.MaxConns {
		return fmt.Errorf("min connections (%d) cannot be greater than max connections (%d)", c.MinConns, c.MaxConns)
	}

	validSSLModes := map[string]bool{
		"disable":     true,
		"require":     true,
		"verify-ca":   true,
		"verify-full": true,
	}
	if !validSSLModes[c.SSLMode] {
		return fmt.Errorf("invalid SSL mode: %s (must be one of: disable, require, verify-ca, verify-full)", c.SSLMode)
	}
	return nil
}

// ConnectionString returns the PostgreSQL connection string.
func (c *DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// AppConfig holds application-specific configuration.
type AppConfig struct {
	Environment string `envconfig:"APP_ENV" required:"true"`   // development, staging, production, test
	LogLevel    string `envconfig:"LOG_LEVEL" required:"true"` // debug, info, warn, error
}

// Validate validates the app configuration.
func (c *AppConfig) Validate() error {
	validEnvs := map[string]bool{
		"development": true,
		"staging":     true,
		"production":  true,
		"test":        true,
	}
	if !validEnvs[c.Environment] {
		return fmt.Errorf("invalid environment: %s (must be one of: development, staging, production, test)", c.Environment)
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("invalid log level: %s (must be one of: debug, info, warn, error)", c.LogLevel)
	}
	return nil
}

// ObservabilityConfig holds configuration for tracing/metrics.
type ObservabilityConfig struct {
	Enabled           bool    `envconfig:"OTEL_ENABLED" default:"false"`
	ServiceName       string  `envconfig:"OTEL_SERVICE_NAME" default:"tokengate"`
	ServiceVersion    string  `envconfig:"OTEL_SERVICE_VERSION" default:"dev"`
	OTelEndpoint      string  `envconfig:"OTEL_ENDPOINT"`
	OTelInsecure      bool    `envconfig:"OTEL_INSECURE"`
	TracingSampleRate float64 `envconfig:"OTEL_TRACING_SAMPLE_RATE"`
	MetricsEnabled    bool    `envconfig:"METRICS_ENABLED" default:"true"`
	MetricsPath       string  `envconfig:"METRICS_PATH" default:"/metrics"`
}

// Validate validates the observability configuration.
func (c *ObservabilityConfig) Validate() error {
	if c.TracingSampleRate < 0 || c.TracingSampleRate > 1 {
		return fmt.Errorf("tracing sample rate must be between 0 and 1, got %f", c.TracingSampleRate)
	}

	// Only require these when observability is enabled.
	if c.Enabled {
		if c.ServiceName == "" {
			return fmt.Errorf("service name is required when observability is enabled")
		}
		if c.OTelEndpoint == "" {
			return fmt.Errorf("OTEL endpoint is required when observability is enabled")
		}
		if c.ServiceVersion == "" {
			return fmt.Errorf("service version is required when observability is enabled")
		}
	}

	if c.MetricsEnabled && !strings.HasPrefix(c.MetricsPath, "/") {
		return fmt.Errorf("metrics path must start with '/', got %q", c.MetricsPath)
	}

	return nil
}

// RedisConfig holds the optional Redis connection used for admission statistics.
type RedisConfig struct {
	Enabled     bool          `envconfig:"REDIS_ENABLED" default:"false"`
	Addr        string        `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	Password    string        `envconfig:"REDIS_PASSWORD"`
	DB          int           `envconfig:"REDIS_DB" default:"0"`
	StatsPrefix string        `envconfig:"REDIS_STATS_PREFIX" default:"tokengate:stats"`
	StatsTTL    time.Duration `envconfig:"REDIS_STATS_TTL" default:"24h"`
}

// Validate validates the redis configuration.
func (c *RedisConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Addr == "" {
		return fmt.Errorf("redis address is required when redis is enabled")
	}
	if c.DB < 0 {
		return fmt.Errorf("redis db cannot be negative")
	}
	if c.StatsTTL < 0 {
		return fmt.Errorf("stats ttl cannot be negative")
	}
	return nil
}

// GatewayConfig describes the upstream URL-shortener service and how requests are classified.
type GatewayConfig struct {
	UpstreamURL     string        `envconfig:"UPSTREAM_URL" required:"true"`
	UpstreamTimeout time.Duration `envconfig:"UPSTREAM_TIMEOUT" default:"10s"`
	ShortenPath     string        `envconfig:"SHORTEN_PATH" default:"/api/shorten"`
}

// Validate validates the gateway configuration.
func (c *GatewayConfig) Validate() error {
	u, err := url.Parse(c.UpstreamURL)
	if err != nil {
		return fmt.Errorf("invalid upstream url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("upstream url scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("upstream url must include host")
	}
	if c.UpstreamTimeout <= 0 {
		return fmt.Errorf("upstream timeout must be positive")
	}
	if !strings.HasPrefix(c.ShortenPath, "/api/") {
		return fmt.Errorf("shorten path must live under /api/, got %q", c.ShortenPath)
	}
	return nil
}

// APIKey binds a secret to the subject and role it authenticates.
type APIKey struct {
	Secret    string
	SubjectID string
	Role      string
}

// AuthConfig holds the static API-key identity configuration.
type AuthConfig struct {
	Header  string   `envconfig:"AUTH_HEADER" default:"X-API-Key"`
	RawKeys string   `envconfig:"AUTH_KEYS"` // secret:subject:role,secret:subject:role
	Keys    []APIKey `ignored:"true"`
}

// Validate parses AUTH_KEYS into Keys and validates every entry.
func (c *AuthConfig) Validate() error {
	if c.Header == "" {
		return fmt.Errorf("auth header cannot be empty")
	}

	keys, err := parseAPIKeys(c.RawKeys)
	if err != nil {
		return err
	}
	c.Keys = keys
	return nil
}

func parseAPIKeys(raw string) ([]APIKey, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}

	validRoles := map[string]bool{"user": true, "admin": true}
	seen := make(map[string]bool)

	var keys []APIKey
	for _, item := range strings.Split(raw, ",") {
		parts := strings.Split(strings.TrimSpace(item), ":")
		if len(parts) != 3 {
			return nil, fmt.Errorf("auth key must follow SECRET:SUBJECT:ROLE: %q", item)
		}

		key := APIKey{
			Secret:    strings.TrimSpace(parts[0]),
			SubjectID: strings.TrimSpace(parts[1]),
			Role:      strings.TrimSpace(parts[2]),
		}
		if key.Secret == "" || key.SubjectID == "" {
			return nil, fmt.Errorf("auth key secret and subject cannot be empty: %q", item)
		}
		if !validRoles[key.Role] {
			return nil, fmt.Errorf("invalid role %q for subject %s (must be one of: user, admin)", key.Role, key.SubjectID)
		}
		if seen[key.Secret] {
			return nil, fmt.Errorf("duplicate auth key secret for subject %s", key.SubjectID)
		}
		seen[key.Secret] = true
		keys = append(keys, key)
	}
	return keys, nil
}

// RateLimitConfig holds the admission-control runtime settings. Token economics
// live in the database policy row; PolicyFile only seeds that row on first use.
type RateLimitConfig struct {
	PolicyFile     string        `envconfig:"RATE_LIMIT_POLICY_FILE"`
	PolicyCacheTTL time.Duration `envconfig:"RATE_LIMIT_POLICY_CACHE_TTL" default:"5s"`
	SubjectLocking bool          `envconfig:"RATE_LIMIT_SUBJECT_LOCKING" default:"true"`
	AnonRate       float64       `envconfig:"ANON_RATE_PER_SECOND" default:"5"`
	AnonBurst      int           `envconfig:"ANON_BURST" default:"10"`
	AnonIdleTTL    time.Duration `envconfig:"ANON_IDLE_TTL" default:"15m"`
}

// Validate validates the rate limit configuration.
func (c *RateLimitConfig) Validate() error {
	if c.PolicyCacheTTL < 0 {
		return fmt.Errorf("policy cache ttl cannot be negative")
	}
	if c.AnonRate <= 0 {
		return fmt.Errorf("anonymous rate must be positive")
	}
	if c.AnonBurst <= 0 {
		return fmt.Errorf("anonymous burst must be positive")
	}
	if c.AnonIdleTTL <= 0 {
		return fmt.Errorf("anonymous idle ttl must be positive")
	}
	return nil
}

type validator interface {
	Validate() error
}

// Load loads configuration from environment variables only.
// (Do .env loading in internal/app for dev, not here.)
func Load() (*Config, error) {
	cfg := &Config{}

	sections := []struct {
		name string
		spec validator
	}{
		{"Server", &cfg.Server},
		{"Database", &cfg.Database},
		{"App", &cfg.App},
		{"Observability", &cfg.Observability},
		{"Redis", &cfg.Redis},
		{"Gateway", &cfg.Gateway},
		{"Auth", &cfg.Auth},
		{"RateLimit", &cfg.RateLimit},
	}

	for _, s := range sections {
		if err := envconfig.Process("", s.spec); err != nil {
			return nil, fmt.Errorf("failed to load %s config: %w", s.name, err)
		}
		if err := s.spec.Validate(); err != nil {
			return nil, fmt.Errorf("invalid %s config: %w", s.name, err)
		}
	}

	return cfg, nil
}
