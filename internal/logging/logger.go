// Package logging constructs the process-wide structured logger.
package logging

import (
	"log/slog"
	"os"
)

// NewLogger creates a structured logger appropriate for the environment.
// Production uses JSON output at info level; anything else gets
// human-readable text at debug level.
func NewLogger(env string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}

	var handler slog.Handler
	if env == "production" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		opts.Level = slog.LevelDebug
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

// ForComponent returns a child logger tagged with the subsystem name,
// so log lines can be filtered per subsystem.
func ForComponent(logger *slog.Logger, name string) *slog.Logger {
	return logger.With(slog.String("component", name))
}
