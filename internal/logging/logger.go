// Package logging builds the process-wide structured logger and the panic
// recovery helper every spawned goroutine defers.
package logging

import (
	"io"
	"os"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
)

// Config controls logger construction.
type Config struct {
	Level  string // debug|info|warn|error
	Format string // json|pretty
}

// New builds a zerolog.Logger with timestamp, caller and a fixed service tag.
func New(cfg Config) zerolog.Logger {
	var output io.Writer = os.Stdout

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "pretty" {
		output = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}

	return zerolog.New(output).
		With().
		Timestamp().
		Caller().
		Str("service", "realtime-ws").
		Logger()
}

// RecoverPanic is deferred at the top of every goroutine the server spawns
// (read/write pumps, fan-out workers, transport listener loops, the
// PendingRequest sweeper). It logs a recovered panic and lets the process
// keep running instead of crashing the whole node over one bad goroutine.
func RecoverPanic(logger zerolog.Logger, goroutineName string, fields map[string]any) {
	if r := recover(); r != nil {
		event := logger.Error().
			Str("goroutine", goroutineName).
			Interface("panic_value", r).
			Str("stack_trace", string(debug.Stack()))
		for k, v := range fields {
			event = event.Interface(k, v)
		}
		event.Msg("goroutine panic recovered")
	}
}
