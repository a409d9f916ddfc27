package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds all server configuration.
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
type Config struct {
	// Server basics
	Addr        string `env:"CHAT_ADDR" envDefault:":8080"`
	DatabaseURL string `env:"DATABASE_URL" envDefault:"postgres://localhost:5432/ironlink"`
	NATSURL     string `env:"NATS_URL" envDefault:""`

	// Auth
	JWTSecret string        `env:"JWT_SECRET" envDefault:""`
	TokenTTL  time.Duration `env:"TOKEN_TTL" envDefault:"24h"`

	// Capacity
	MaxConnections int `env:"CHAT_MAX_CONNECTIONS" envDefault:"10000"`

	// Per-connection protocol tunables
	RateLimitInterval time.Duration `env:"CHAT_RATE_LIMIT_INTERVAL" envDefault:"10ms"`
	IdleTimeout       time.Duration `env:"CHAT_IDLE_TIMEOUT" envDefault:"300s"`
	BusCapacity       int           `env:"CHAT_BUS_CAPACITY" envDefault:"100"`
	BatchMaxSize      int           `env:"CHAT_BATCH_MAX_SIZE" envDefault:"10"`
	BatchInterval     time.Duration `env:"CHAT_BATCH_INTERVAL" envDefault:"1s"`
	WriteTimeout      time.Duration `env:"CHAT_WRITE_TIMEOUT" envDefault:"5s"`

	// Store
	StoreAcquireTimeout time.Duration `env:"CHAT_STORE_ACQUIRE_TIMEOUT" envDefault:"2s"`
	StoreMaxConns       int32         `env:"CHAT_STORE_MAX_CONNS" envDefault:"16"`

	// Admission control. A threshold of 0 disables the CPU guard.
	CPURejectThreshold float64       `env:"CHAT_CPU_REJECT_THRESHOLD" envDefault:"85.0"`
	GuardInterval      time.Duration `env:"CHAT_GUARD_INTERVAL" envDefault:"5s"`

	// Lifecycle
	ShutdownGrace time.Duration `env:"CHAT_SHUTDOWN_GRACE" envDefault:"30s"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load reads configuration from an optional .env file and the environment.
// Priority: ENV vars > .env file > defaults.
func Load(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err == nil && logger != nil {
		logger.Info().Msg("Loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("CHAT_ADDR is required")
	}
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if c.MaxConnections < 1 {
		return fmt.Errorf("CHAT_MAX_CONNECTIONS must be > 0, got %d", c.MaxConnections)
	}
	if c.RateLimitInterval <= 0 {
		return fmt.Errorf("CHAT_RATE_LIMIT_INTERVAL must be positive, got %s", c.RateLimitInterval)
	}
	if c.IdleTimeout <= 0 {
		return fmt.Errorf("CHAT_IDLE_TIMEOUT must be positive, got %s", c.IdleTimeout)
	}
	if c.BusCapacity < 1 {
		return fmt.Errorf("CHAT_BUS_CAPACITY must be > 0, got %d", c.BusCapacity)
	}
	if c.BatchMaxSize < 1 {
		return fmt.Errorf("CHAT_BATCH_MAX_SIZE must be > 0, got %d", c.BatchMaxSize)
	}
	if c.BatchInterval <= 0 {
		return fmt.Errorf("CHAT_BATCH_INTERVAL must be positive, got %s", c.BatchInterval)
	}
	if c.StoreAcquireTimeout <= 0 {
		return fmt.Errorf("CHAT_STORE_ACQUIRE_TIMEOUT must be positive, got %s", c.StoreAcquireTimeout)
	}
	if c.CPURejectThreshold < 0 || c.CPURejectThreshold > 100 {
		return fmt.Errorf("CHAT_CPU_REJECT_THRESHOLD must be 0-100, got %.1f", c.CPURejectThreshold)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}
	validLogFormats := map[string]bool{"json": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, pretty (got: %s)", c.LogFormat)
	}
	return nil
}

// LogConfig logs the effective configuration using structured logging.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("addr", c.Addr).
		Str("nats_url", c.NATSURL).
		Int("max_connections", c.MaxConnections).
		Dur("rate_limit_interval", c.RateLimitInterval).
		Dur("idle_timeout", c.IdleTimeout).
		Int("bus_capacity", c.BusCapacity).
		Int("batch_max_size", c.BatchMaxSize).
		Dur("batch_interval", c.BatchInterval).
		Dur("store_acquire_timeout", c.StoreAcquireTimeout).
		Float64("cpu_reject_threshold", c.CPURejectThreshold).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("Server configuration loaded")
}
