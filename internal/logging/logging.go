package logging

import (
	"io"
	"os"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
)

// New creates the structured root logger. JSON output by default for log
// aggregation; "pretty" switches to a console writer for development.
func New(level, format string) zerolog.Logger {
	var output io.Writer = os.Stdout

	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}

	if format == "pretty" {
		output = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
	}

	return zerolog.New(output).
		Level(lvl).
		With().
		Timestamp().
		Str("service", "ironlink").
		Logger()
}

// RecoverPanic logs a recovered panic with its stack and keeps the process
// running. Use as a first defer in every long-lived goroutine: a panic in one
// connection's pump must not take down the server.
func RecoverPanic(logger zerolog.Logger, goroutine string, fields map[string]any) {
	r := recover()
	if r == nil {
		return
	}
	event := logger.Error().
		Str("goroutine", goroutine).
		Interface("panic_value", r).
		Str("stack_trace", string(debug.Stack()))
	for k, v := range fields {
		event = event.Interface(k, v)
	}
	event.Msg("Goroutine panic recovered")
}
