// Package logging sets up the process-wide structured logger for node and
// broker entrypoints, grounded in the teacher's pkg/logging: a colorized
// slog handler for interactive terminals.
package logging

import (
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
)

// New builds a slog.Logger writing colorized, leveled text to stderr. It
// is the logger cmd/node and cmd/broker build and pass to their
// components; it is not installed as slog's default logger.
func New(level slog.Level) *slog.Logger {
	handler := tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.Kitchen,
		AddSource:  level <= slog.LevelDebug,
	})
	return slog.New(handler)
}

// ParseLevel maps a lowercase level name to a slog.Level, defaulting to
// Info for an unrecognized value.
func ParseLevel(name string) slog.Level {
	switch name {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
