package monitoring

import (
	"io"
	"os"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
)

// LogLevel selects the minimum severity emitted.
type LogLevel string

// LogFormat selects the output encoding.
type LogFormat string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"

	LogFormatJSON   LogFormat = "json"
	LogFormatPretty LogFormat = "pretty"
)

// LoggerConfig holds logger configuration.
type LoggerConfig struct {
	Level  LogLevel
	Format LogFormat
}

// NewLogger builds the service-wide structured logger: JSON by default
// for log aggregation, console writer when Format is "pretty".
func NewLogger(config LoggerConfig) zerolog.Logger {
	var output io.Writer = os.Stdout

	level := zerolog.InfoLevel
	switch config.Level {
	case LogLevelDebug:
		level = zerolog.DebugLevel
	case LogLevelInfo:
		level = zerolog.InfoLevel
	case LogLevelWarn:
		level = zerolog.WarnLevel
	case LogLevelError:
		level = zerolog.ErrorLevel
	}

	if config.Format == LogFormatPretty {
		output = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
	}

	return zerolog.New(output).
		Level(level).
		With().
		Timestamp().
		Str("service", "quill").
		Logger()
}

// RecoverPanic is a defer helper for goroutines: it logs a recovered
// panic with its stack and lets the process keep running.
func RecoverPanic(logger zerolog.Logger, goroutine string, fields map[string]any) {
	if r := recover(); r != nil {
		event := logger.Error().
			Str("goroutine", goroutine).
			Interface("panic_value", r).
			Str("stack_trace", string(debug.Stack()))
		for k, v := range fields {
			event = event.Interface(k, v)
		}
		event.Msg("Goroutine panic recovered")
	}
}

// LogRecoveredPanic records a panic already caught by the caller's own
// recover block.
func LogRecoveredPanic(logger zerolog.Logger, site string, panicValue any) {
	logger.Error().
		Str("site", site).
		Interface("panic_value", panicValue).
		Str("stack_trace", string(debug.Stack())).
		Msg("Panic converted to error reply")
}
