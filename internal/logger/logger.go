package logger

import (
	"io"
	"log/slog"
	"os"
)

// New creates the service-wide slog.Logger writing JSON to stdout. Debug
// mode lowers the level to Debug; components derive their own loggers via
// With("component", name).
func New(debug bool) *slog.Logger {
	return NewWithWriter(os.Stdout, debug)
}

// NewWithWriter creates a logger with a specific writer, for tests.
func NewWithWriter(w io.Writer, debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
