package logging

import (
	"log/slog"
	"os"
	"strings"
)

// NewLogger builds the process-wide JSON logger. Every record carries a
// service attribute so scheduler log lines stay searchable once they land
// next to other services' output. Source locations are only stamped at
// debug level; in normal operation they just bloat the payload.
func NewLogger(level string) *slog.Logger {
	lvl := levelFromString(level)
	opts := &slog.HandlerOptions{
		Level:     lvl,
		AddSource: lvl == slog.LevelDebug,
	}
	handler := slog.NewJSONHandler(os.Stdout, opts)
	return slog.New(handler).With("service", "nemt-dispatch")
}

func levelFromString(level string) slog.Level {
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
