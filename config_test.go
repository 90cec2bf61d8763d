package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, 1000, cfg.MaxConnections)
	assert.Equal(t, 256, cfg.CommandMailbox)
	assert.Equal(t, 1024, cfg.ChannelMailbox)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.True(t, cfg.ConnRateLimitEnabled)
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("QUILL_ADDR", ":9090")
	t.Setenv("QUILL_MAX_CONNECTIONS", "5")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("LOG_FORMAT", "pretty")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Addr)
	assert.Equal(t, 5, cfg.MaxConnections)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "pretty", cfg.LogFormat)
}

func TestValidateRejectsBadValues(t *testing.T) {
	base := func() *Config {
		return &Config{
			Addr:           ":8080",
			MaxConnections: 10,
			CommandMailbox: 16,
			ChannelMailbox: 16,
			SinkBuffer:     16,
			PublishRate:    1,
			LogLevel:       "info",
			LogFormat:      "json",
		}
	}

	require.NoError(t, base().Validate())

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty addr", func(c *Config) { c.Addr = "" }},
		{"zero connections", func(c *Config) { c.MaxConnections = 0 }},
		{"zero command mailbox", func(c *Config) { c.CommandMailbox = 0 }},
		{"zero channel mailbox", func(c *Config) { c.ChannelMailbox = 0 }},
		{"zero sink buffer", func(c *Config) { c.SinkBuffer = 0 }},
		{"negative publish rate", func(c *Config) { c.PublishRate = -1 }},
		{"bad log level", func(c *Config) { c.LogLevel = "verbose" }},
		{"bad log format", func(c *Config) { c.LogFormat = "xml" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
