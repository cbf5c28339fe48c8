package logging

import (
	"fmt"
	"io"
	"os"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
)

const serviceName = "chat-delivery"

// New creates the process logger.
//
// level is one of debug, info, warn, error; anything else falls back to info.
// format "pretty" writes human-readable console output, everything else is JSON.
func New(level, format string) zerolog.Logger {
	return NewWithWriter(os.Stdout, level, format)
}

// NewWithWriter is New with an explicit output, used by tests.
func NewWithWriter(out io.Writer, level, format string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	if format == "pretty" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	return zerolog.New(out).
		Level(lvl).
		With().
		Timestamp().
		Caller().
		Str("service", serviceName).
		Logger()
}

// Module derives a component logger.
func Module(logger zerolog.Logger, name string) zerolog.Logger {
	return logger.With().Str("module", name).Logger()
}

// LogPanic logs a recovered panic value with the current stack.
func LogPanic(logger zerolog.Logger, recovered any, msg string) {
	logger.Error().
		Err(fmt.Errorf("panic: %v", recovered)).
		Str("stack_trace", string(debug.Stack())).
		Msg(msg)
}
