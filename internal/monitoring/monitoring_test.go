package monitoring

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLoggerLevels(t *testing.T) {
	cases := map[LogLevel]zerolog.Level{
		LogLevelDebug: zerolog.DebugLevel,
		LogLevelInfo:  zerolog.InfoLevel,
		LogLevelWarn:  zerolog.WarnLevel,
		LogLevelError: zerolog.ErrorLevel,
	}
	for level, want := range cases {
		logger := NewLogger(LoggerConfig{Level: level, Format: LogFormatJSON})
		assert.Equal(t, want, logger.GetLevel(), string(level))
	}
}

func TestNewLoggerUnknownLevelDefaultsToInfo(t *testing.T) {
	logger := NewLogger(LoggerConfig{Level: "chatty", Format: LogFormatJSON})
	assert.Equal(t, zerolog.InfoLevel, logger.GetLevel())
}

func TestSystemMonitorMetrics(t *testing.T) {
	m := NewSystemMonitor(zerolog.Nop())
	m.Start(10 * time.Millisecond)
	defer m.Stop()

	require.Eventually(t, func() bool {
		return !m.Metrics().Timestamp.IsZero()
	}, time.Second, 10*time.Millisecond)

	metrics := m.Metrics()
	assert.Greater(t, metrics.Goroutines, 0)
	assert.Greater(t, metrics.MemoryMB, 0.0)
}

func TestRecoverPanicSwallows(t *testing.T) {
	assert.NotPanics(t, func() {
		defer RecoverPanic(zerolog.Nop(), "test", map[string]any{"k": "v"})
		panic("boom")
	})
}
