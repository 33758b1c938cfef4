// Package config loads and validates the process-wide gateway configuration.
//
// Configuration is sourced from environment variables (optionally seeded from
// a .env file) and is read-only after Get returns. The gateway must not bind
// any socket with an invalid configuration, so validation failures are fatal
// at startup.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all gateway configuration.
//
// Tags:
//
//	env:        Environment variable name
//	envDefault: Default value if not set
type Config struct {
	// Listeners
	Port      int `env:"REALTIME_PORT" envDefault:"4500"`
	AdminPort int `env:"ADMIN_PORT" envDefault:"0"` // 0 = admin server disabled

	// Per-connection limits
	RateLimitPerSec   int   `env:"RATE_LIMIT_PER_SEC" envDefault:"10"`
	BackpressureLimit int   `env:"BACKPRESSURE_LIMIT" envDefault:"256"`
	MaxFrameSize      int64 `env:"MAX_FRAME_SIZE" envDefault:"65536"`

	// Capacity
	MaxConnections int `env:"MAX_CONNECTIONS" envDefault:"1000"`

	// Liveness
	HeartbeatMs  int           `env:"HEARTBEAT_MS" envDefault:"30000"`
	ReconnectTTL time.Duration `env:"RECONNECT_TTL" envDefault:"30s"`

	// Authentication
	DevAuth   bool   `env:"DEV_AUTH" envDefault:"false"`
	JWTSecret string `env:"JWT_SECRET" envDefault:"dev-secret-change-me"`

	// Observability
	LogLevel      string `env:"LOG_LEVEL" envDefault:"info"`
	LogDir        string `env:"LOG_DIR" envDefault:""`
	EnableMetrics bool   `env:"ENABLE_METRICS" envDefault:"true"`

	// Server-broadcast ingest (optional)
	NATSURL string `env:"NATS_URL" envDefault:""`

	// Environment
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// placeholderSecret is the default JWT secret. Production must override it.
const placeholderSecret = "dev-secret-change-me"

// Load reads configuration from the environment with documented defaults.
// A missing .env file is not an error; explicit environment variables always
// take priority over .env entries.
func Load() (*Config, error) {
	// Best effort; in production the variables come from the environment
	// directly and no .env file exists.
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

// Validate returns every configuration problem found, joined into a single
// error. A nil result means the configuration is usable.
func (c *Config) Validate() error {
	var errs []error

	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("REALTIME_PORT must be 1-65535, got %d", c.Port))
	}
	if c.AdminPort != 0 && (c.AdminPort < 1 || c.AdminPort > 65535) {
		errs = append(errs, fmt.Errorf("ADMIN_PORT must be 0 or 1-65535, got %d", c.AdminPort))
	}
	if c.AdminPort != 0 && c.AdminPort == c.Port {
		errs = append(errs, fmt.Errorf("ADMIN_PORT must differ from REALTIME_PORT (%d)", c.Port))
	}
	if c.RateLimitPerSec < 1 {
		errs = append(errs, fmt.Errorf("RATE_LIMIT_PER_SEC must be > 0, got %d", c.RateLimitPerSec))
	}
	if c.HeartbeatMs < 1000 {
		errs = append(errs, fmt.Errorf("HEARTBEAT_MS must be >= 1000, got %d", c.HeartbeatMs))
	}
	if c.BackpressureLimit < 1 {
		errs = append(errs, fmt.Errorf("BACKPRESSURE_LIMIT must be > 0, got %d", c.BackpressureLimit))
	}
	if c.ReconnectTTL <= 0 {
		errs = append(errs, fmt.Errorf("RECONNECT_TTL must be > 0, got %s", c.ReconnectTTL))
	}
	if c.MaxFrameSize < 1 {
		errs = append(errs, fmt.Errorf("MAX_FRAME_SIZE must be > 0, got %d", c.MaxFrameSize))
	}
	if c.MaxConnections < 1 {
		errs = append(errs, fmt.Errorf("MAX_CONNECTIONS must be > 0, got %d", c.MaxConnections))
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel))
	}

	// A placeholder secret is fine for development but must never reach
	// production unless dev auth is explicitly enabled.
	if c.Environment == "production" && !c.DevAuth && c.JWTSecret == placeholderSecret {
		errs = append(errs, errors.New("JWT_SECRET must be set in production"))
	}

	return errors.Join(errs...)
}

// Get composes Load and Validate and is the only entry point callers use.
func Get() (*Config, error) {
	cfg, err := Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Heartbeat returns the heartbeat interval as a duration.
func (c *Config) Heartbeat() time.Duration {
	return time.Duration(c.HeartbeatMs) * time.Millisecond
}

// IdleTimeout is how long a connection may go without any inbound frame or
// heartbeat pong before it is closed.
func (c *Config) IdleTimeout() time.Duration {
	return 3 * c.Heartbeat()
}
