package main

import (
	"io"
	"os"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"

	"github.com/PapsonBoyRaphael/chatapp-ngomna-sub001/internal/types"
)

// NewLogger creates a structured logger configured for Loki integration
//
// Features:
//   - Structured JSON output (Loki-compatible)
//   - Contextual fields for filtering
//   - Timestamp in RFC3339 format
//   - Caller information for debugging
func NewLogger(level types.LogLevel, format types.LogFormat) zerolog.Logger {
	var output io.Writer = os.Stdout

	var lvl zerolog.Level
	switch level {
	case types.LogLevelDebug:
		lvl = zerolog.DebugLevel
	case types.LogLevelInfo:
		lvl = zerolog.InfoLevel
	case types.LogLevelWarn:
		lvl = zerolog.WarnLevel
	case types.LogLevelError:
		lvl = zerolog.ErrorLevel
	default:
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	if format == types.LogFormatPretty {
		output = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
	}

	return zerolog.New(output).
		With().
		Timestamp().
		Caller().
		Str("service", "messaging-core").
		Logger()
}

// RecoverPanic is a helper for goroutine panic recovery that logs but doesn't exit
//
// Use this in goroutine defer blocks to catch panics that would otherwise
// crash the entire process.
func RecoverPanic(logger zerolog.Logger, goroutineName string, fields map[string]any) {
	if r := recover(); r != nil {
		event := logger.Error().
			Str("goroutine", goroutineName).
			Interface("panic_value", r).
			Str("stack_trace", string(debug.Stack()))
		for k, v := range fields {
			event = event.Interface(k, v)
		}
		event.Msg("Goroutine panic recovered")
	}
}
