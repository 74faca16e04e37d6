package logging

import (
	"log/slog"
	"os"
	"strings"
)

// Init installs the process-wide JSON logger. level accepts debug, info, warn or error.
func Init(instanceID, level string) *slog.Logger {
	var handler slog.Handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(level),
	})
	handler = newRedactingHandler(handler)
	logger := slog.New(handler).With("instance_id", instanceID)
	slog.SetDefault(logger)
	return logger
}

func parseLevel(level string) slog.Level {
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
