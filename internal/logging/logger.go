package logging

import (
	"io"
	"os"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
)

// Config holds logger configuration.
type Config struct {
	Level  string // error, warn, info, debug
	Format string // json or pretty
}

// New creates a structured logger for the gateway process.
//
// Output is JSON by default (log-aggregator friendly); "pretty" switches to
// the console writer for local development. Every log line carries a
// timestamp and the service name so multi-node logs can be separated.
func New(cfg Config) zerolog.Logger {
	var output io.Writer = os.Stdout

	level := zerolog.InfoLevel
	switch cfg.Level {
	case "debug":
		level = zerolog.DebugLevel
	case "info":
		level = zerolog.InfoLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "pretty" {
		output = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
	}

	return zerolog.New(output).
		With().
		Timestamp().
		Str("service", "websocket-gateway").
		Logger()
}

// RecoverPanic logs a recovered panic with its stack trace and lets the
// process continue. Use in defer blocks of long-running goroutines
// (pumps, sweepers, subscriber callbacks) so one bad message cannot take
// the whole node down.
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
