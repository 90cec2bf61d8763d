package main

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
//	env: environment variable name
//	envDefault: default value if not set
type Config struct {
	// Server basics
	Addr string `env:"QUILL_ADDR" envDefault:":8080"`

	// Capacity
	MaxConnections int `env:"QUILL_MAX_CONNECTIONS" envDefault:"1000"`

	// Coordinator sizing
	CommandMailbox int `env:"QUILL_COMMAND_MAILBOX" envDefault:"256"`
	ChannelMailbox int `env:"QUILL_CHANNEL_MAILBOX" envDefault:"1024"`
	SinkBuffer     int `env:"QUILL_SINK_BUFFER" envDefault:"256"`
	SendBuffer     int `env:"QUILL_SEND_BUFFER" envDefault:"256"`

	// Per-session publish rate limiting
	PublishRate  float64 `env:"QUILL_PUBLISH_RATE" envDefault:"10"`
	PublishBurst int     `env:"QUILL_PUBLISH_BURST" envDefault:"100"`

	// Connection admission rate limiting
	ConnRateLimitEnabled bool    `env:"QUILL_CONN_RATE_LIMIT_ENABLED" envDefault:"true"`
	ConnRateLimitIPBurst int     `env:"QUILL_CONN_RATE_LIMIT_IP_BURST" envDefault:"10"`
	ConnRateLimitIPRate  float64 `env:"QUILL_CONN_RATE_LIMIT_IP_RATE" envDefault:"1.0"`
	ConnRateLimitBurst   int     `env:"QUILL_CONN_RATE_LIMIT_BURST" envDefault:"100"`
	ConnRateLimitRate    float64 `env:"QUILL_CONN_RATE_LIMIT_RATE" envDefault:"25.0"`

	// Monitoring
	MetricsInterval time.Duration `env:"METRICS_INTERVAL" envDefault:"15s"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Environment
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// LoadConfig reads configuration from a .env file and environment
// variables. Priority: env vars > .env file > defaults.
func LoadConfig() (*Config, error) {
	// A .env file is a development convenience; in production the
	// environment is set directly.
	if err := godotenv.Load(); err != nil {
		fmt.Println("Info: No .env file found (using environment variables only)")
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
		return fmt.Errorf("QUILL_ADDR is required")
	}
	if c.MaxConnections < 1 {
		return fmt.Errorf("QUILL_MAX_CONNECTIONS must be > 0, got %d", c.MaxConnections)
	}
	if c.CommandMailbox < 1 {
		return fmt.Errorf("QUILL_COMMAND_MAILBOX must be > 0, got %d", c.CommandMailbox)
	}
	if c.ChannelMailbox < 1 {
		return fmt.Errorf("QUILL_CHANNEL_MAILBOX must be > 0, got %d", c.ChannelMailbox)
	}
	if c.SinkBuffer < 1 {
		return fmt.Errorf("QUILL_SINK_BUFFER must be > 0, got %d", c.SinkBuffer)
	}
	if c.PublishRate < 0 {
		return fmt.Errorf("QUILL_PUBLISH_RATE must be >= 0, got %.1f", c.PublishRate)
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

// LogConfig logs the loaded configuration through the structured logger.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Str("addr", c.Addr).
		Int("max_connections", c.MaxConnections).
		Int("command_mailbox", c.CommandMailbox).
		Int("channel_mailbox", c.ChannelMailbox).
		Int("sink_buffer", c.SinkBuffer).
		Float64("publish_rate", c.PublishRate).
		Int("publish_burst", c.PublishBurst).
		Bool("conn_rate_limit", c.ConnRateLimitEnabled).
		Dur("metrics_interval", c.MetricsInterval).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("Server configuration loaded")
}
