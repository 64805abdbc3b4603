// Package config loads and validates server configuration from the
// environment, following the caarlos0/env + godotenv layering the rest of
// the pack uses.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds all server configuration.
//
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
type Config struct {
	// Server basics
	Addr     string `env:"RTWS_ADDR" envDefault:":6002"`
	NodeID   string `env:"RTWS_NODE_ID" envDefault:""` // empty = generate a uuid at startup
	Environment string `env:"RTWS_ENV" envDefault:"development"`

	// Capacity
	MaxConnections int `env:"RTWS_MAX_CONNECTIONS" envDefault:"5000"`

	// Local fan-out (C2)
	FanoutConcurrencyMultiplier int `env:"RTWS_FANOUT_MULTIPLIER" envDefault:"256"`

	// Connection liveness (C3)
	ActivityTimeout time.Duration `env:"RTWS_ACTIVITY_TIMEOUT" envDefault:"120s"`
	PongTimeout     time.Duration `env:"RTWS_PONG_TIMEOUT" envDefault:"30s"`
	AuthTimeout     time.Duration `env:"RTWS_AUTH_TIMEOUT" envDefault:"20s"`

	// Channel manager (C4)
	ChannelCacheSize int `env:"RTWS_CHANNEL_CACHE_SIZE" envDefault:"1000"`

	// Horizontal adapter (C5)
	RequestTimeout time.Duration `env:"RTWS_REQUEST_TIMEOUT" envDefault:"1s"`

	// Transport (C6)
	TransportURL    string `env:"RTWS_TRANSPORT_URL" envDefault:"nats://127.0.0.1:4222"`
	TransportPrefix string `env:"RTWS_TRANSPORT_PREFIX" envDefault:"rtws"`

	// Resource limits (from container)
	CPULimit    float64 `env:"RTWS_CPU_LIMIT" envDefault:"1.0"`
	MemoryLimit int64   `env:"RTWS_MEMORY_LIMIT" envDefault:"536870912"` // 512MB

	// Rate limiting
	MaxBroadcastRate int `env:"RTWS_MAX_BROADCAST_RATE" envDefault:"2000"`
	MaxGoroutines    int `env:"RTWS_MAX_GOROUTINES" envDefault:"4000"`

	// CPU safety thresholds (container-aware, see internal/limits)
	CPURejectThreshold float64 `env:"RTWS_CPU_REJECT_THRESHOLD" envDefault:"75.0"`
	CPUPauseThreshold  float64 `env:"RTWS_CPU_PAUSE_THRESHOLD" envDefault:"80.0"`

	// Monitoring
	MetricsInterval time.Duration `env:"RTWS_METRICS_INTERVAL" envDefault:"15s"`

	// Logging
	LogLevel  string `env:"RTWS_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"RTWS_LOG_FORMAT" envDefault:"json"`

	// Single-tenant bootstrap. The AppManager capability is an external
	// interface (persistent credential stores are explicitly out of scope);
	// this process seeds its in-memory driver from the environment so it
	// has at least one usable app at startup.
	AppID            string `env:"RTWS_APP_ID" envDefault:"app1"`
	AppKey           string `env:"RTWS_APP_KEY" envDefault:"devkey"`
	AppSecret        string `env:"RTWS_APP_SECRET" envDefault:"devsecret"`
	AppRequireSignin bool   `env:"RTWS_APP_REQUIRE_SIGNIN" envDefault:"false"`

	// Graceful shutdown
	DrainGracePeriod time.Duration `env:"RTWS_DRAIN_GRACE_PERIOD" envDefault:"30s"`
}

// Load reads configuration from an optional .env file and the environment.
// Priority: env vars > .env file > struct defaults.
func Load(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("no .env file found, using environment variables only")
		}
	} else if logger != nil {
		logger.Info().Msg("loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// Validate checks configuration for internal consistency.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("RTWS_ADDR is required")
	}
	if c.MaxConnections < 1 {
		return fmt.Errorf("RTWS_MAX_CONNECTIONS must be > 0, got %d", c.MaxConnections)
	}
	if c.FanoutConcurrencyMultiplier < 1 {
		return fmt.Errorf("RTWS_FANOUT_MULTIPLIER must be > 0, got %d", c.FanoutConcurrencyMultiplier)
	}
	if c.PongTimeout <= 0 || c.ActivityTimeout <= 0 || c.AuthTimeout <= 0 {
		return fmt.Errorf("activity/pong/auth timeouts must be > 0")
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("RTWS_REQUEST_TIMEOUT must be > 0")
	}
	if c.ChannelCacheSize < 1 {
		return fmt.Errorf("RTWS_CHANNEL_CACHE_SIZE must be > 0, got %d", c.ChannelCacheSize)
	}
	if c.CPURejectThreshold < 0 || c.CPURejectThreshold > 100 {
		return fmt.Errorf("RTWS_CPU_REJECT_THRESHOLD must be 0-100, got %.1f", c.CPURejectThreshold)
	}
	if c.CPUPauseThreshold < 0 || c.CPUPauseThreshold > 100 {
		return fmt.Errorf("RTWS_CPU_PAUSE_THRESHOLD must be 0-100, got %.1f", c.CPUPauseThreshold)
	}
	if c.CPUPauseThreshold < c.CPURejectThreshold {
		return fmt.Errorf("RTWS_CPU_PAUSE_THRESHOLD (%.1f) must be >= RTWS_CPU_REJECT_THRESHOLD (%.1f)",
			c.CPUPauseThreshold, c.CPURejectThreshold)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("RTWS_LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}
	validLogFormats := map[string]bool{"json": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("RTWS_LOG_FORMAT must be one of: json, pretty (got: %s)", c.LogFormat)
	}
	if c.TransportURL == "" {
		return fmt.Errorf("RTWS_TRANSPORT_URL is required")
	}
	if c.TransportPrefix == "" {
		return fmt.Errorf("RTWS_TRANSPORT_PREFIX is required")
	}
	if c.AppKey == "" || c.AppSecret == "" {
		return fmt.Errorf("RTWS_APP_KEY and RTWS_APP_SECRET are required")
	}
	if c.DrainGracePeriod <= 0 {
		return fmt.Errorf("RTWS_DRAIN_GRACE_PERIOD must be > 0")
	}

	return nil
}

// LogConfig logs the loaded configuration via structured fields.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Str("addr", c.Addr).
		Str("node_id", c.NodeID).
		Int("max_connections", c.MaxConnections).
		Int("fanout_multiplier", c.FanoutConcurrencyMultiplier).
		Dur("activity_timeout", c.ActivityTimeout).
		Dur("pong_timeout", c.PongTimeout).
		Dur("auth_timeout", c.AuthTimeout).
		Dur("request_timeout", c.RequestTimeout).
		Str("transport_url", c.TransportURL).
		Str("transport_prefix", c.TransportPrefix).
		Float64("cpu_limit", c.CPULimit).
		Int64("memory_limit_mb", c.MemoryLimit/(1024*1024)).
		Float64("cpu_reject_threshold", c.CPURejectThreshold).
		Float64("cpu_pause_threshold", c.CPUPauseThreshold).
		Dur("metrics_interval", c.MetricsInterval).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("configuration loaded")
}
