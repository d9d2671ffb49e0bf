// Package logging builds the process logger.
package logging

import (
	"io"
	"log/slog"
	"strings"
)

const ServiceName = "job-dispatch"

// NewLogger writes JSON records at or above level to w. Every record carries
// service=job-dispatch; unknown levels mean info.
func NewLogger(w io.Writer, level string) *slog.Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level:     ParseLevel(level),
		AddSource: true,
	})
	return slog.New(handler).With("service", ServiceName)
}

func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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
