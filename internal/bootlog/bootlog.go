// Package bootlog is a thin wrapper around log/slog matching the logging
// idiom used throughout this codebase: a package-level *slog.Logger,
// structured key/value attributes, no custom abstraction layered on top.
package bootlog

import (
	"io"
	"log/slog"
)

// New configures the default logger to write structured text records to w
// at the given level, using the same slog.NewTextHandler setup the rest of
// the corpus's command-line entry points use.
func New(w io.Writer, level slog.Level) *slog.Logger {
	logger := slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger
}

// Discard returns a logger that drops every record, for tests and library
// callers that don't want boot-time logging on stderr.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
