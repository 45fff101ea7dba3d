package logging

import (
	"io"
	"log/slog"
	"os"
)

// NewLogger returns a JSON logger writing to w with sensitive attributes
// redacted.
func NewLogger(w io.Writer, level slog.Leveler) *slog.Logger {
	var handler slog.Handler = slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	})
	return slog.New(newRedactingHandler(handler))
}

// Init installs the process logger as the slog default. Every record is
// tagged with key=value, e.g. worker_id or component.
func Init(key, value string, level slog.Leveler) *slog.Logger {
	logger := NewLogger(os.Stdout, level).With(key, value)
	slog.SetDefault(logger)
	return logger
}
