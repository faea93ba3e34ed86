package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds all messaging-core configuration
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
type Config struct {
	// Backend
	RedisAddr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD" envDefault:""`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	// HTTP surface (metrics + health only; the chat API lives elsewhere)
	MetricsAddr string `env:"METRICS_ADDR" envDefault:":9100"`

	// Pipeline resilience
	MaxRetries              int   `env:"MAX_RETRIES" envDefault:"5"`
	RetryBaseMs             int64 `env:"RETRY_BASE_MS" envDefault:"100"`
	BreakerFailureThreshold int   `env:"BREAKER_FAILURE_THRESHOLD" envDefault:"5"`
	BreakerResetMs          int64 `env:"BREAKER_RESET_MS" envDefault:"30000"`
	WALTimeoutMs            int64 `env:"WAL_TIMEOUT_MS" envDefault:"60000"`

	// Resource limits
	MemoryLimitMB int64 `env:"MEMORY_LIMIT_MB" envDefault:"512"`

	// Worker identity within consumer groups (defaults to hostname)
	ConsumerName string `env:"CONSUMER_NAME" envDefault:""`

	// Per-stream MAXLEN overrides, comma separated "stream=cap" pairs,
	// e.g. "stream:messages:group=50000,dlq:stream=2000"
	StreamMaxLenOverrides string `env:"STREAM_MAXLEN_OVERRIDES" envDefault:""`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Environment
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// LoadConfig reads configuration from .env file and environment variables
// Priority: ENV vars > .env file > defaults
func LoadConfig(logger *zerolog.Logger) (*Config, error) {
	// .env is a development convenience; production uses env vars.
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("No .env file found (using environment variables only)")
		}
	} else if logger != nil {
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

// Validate checks configuration for errors
func (c *Config) Validate() error {
	if c.RedisAddr == "" {
		return fmt.Errorf("REDIS_ADDR is required")
	}
	if c.MaxRetries < 1 {
		return fmt.Errorf("MAX_RETRIES must be > 0, got %d", c.MaxRetries)
	}
	if c.RetryBaseMs < 1 {
		return fmt.Errorf("RETRY_BASE_MS must be > 0, got %d", c.RetryBaseMs)
	}
	if c.BreakerFailureThreshold < 1 {
		return fmt.Errorf("BREAKER_FAILURE_THRESHOLD must be > 0, got %d", c.BreakerFailureThreshold)
	}
	if c.BreakerResetMs < 100 {
		return fmt.Errorf("BREAKER_RESET_MS must be >= 100, got %d", c.BreakerResetMs)
	}
	if c.WALTimeoutMs < 1000 {
		return fmt.Errorf("WAL_TIMEOUT_MS must be >= 1000, got %d", c.WALTimeoutMs)
	}
	if c.MemoryLimitMB < 0 {
		return fmt.Errorf("MEMORY_LIMIT_MB must be >= 0, got %d", c.MemoryLimitMB)
	}
	if _, err := c.MaxLenOverrides(); err != nil {
		return err
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

// MaxLenOverrides parses STREAM_MAXLEN_OVERRIDES into a cap table.
func (c *Config) MaxLenOverrides() (map[string]int64, error) {
	if c.StreamMaxLenOverrides == "" {
		return nil, nil
	}
	out := map[string]int64{}
	for _, pair := range strings.Split(c.StreamMaxLenOverrides, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		name, capStr, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("STREAM_MAXLEN_OVERRIDES: malformed pair %q", pair)
		}
		capVal, err := strconv.ParseInt(strings.TrimSpace(capStr), 10, 64)
		if err != nil || capVal < 1 {
			return nil, fmt.Errorf("STREAM_MAXLEN_OVERRIDES: bad cap in %q", pair)
		}
		out[strings.TrimSpace(name)] = capVal
	}
	return out, nil
}

// RetryBase returns RETRY_BASE_MS as a duration.
func (c *Config) RetryBase() time.Duration { return time.Duration(c.RetryBaseMs) * time.Millisecond }

// BreakerReset returns BREAKER_RESET_MS as a duration.
func (c *Config) BreakerReset() time.Duration {
	return time.Duration(c.BreakerResetMs) * time.Millisecond
}

// WALTimeout returns WAL_TIMEOUT_MS as a duration.
func (c *Config) WALTimeout() time.Duration { return time.Duration(c.WALTimeoutMs) * time.Millisecond }

// LogConfig logs configuration using structured logging (Loki-compatible)
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Str("redis_addr", c.RedisAddr).
		Int("redis_db", c.RedisDB).
		Str("metrics_addr", c.MetricsAddr).
		Int("max_retries", c.MaxRetries).
		Int64("retry_base_ms", c.RetryBaseMs).
		Int("breaker_failure_threshold", c.BreakerFailureThreshold).
		Int64("breaker_reset_ms", c.BreakerResetMs).
		Int64("wal_timeout_ms", c.WALTimeoutMs).
		Int64("memory_limit_mb", c.MemoryLimitMB).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("Messaging core configuration loaded")
}
