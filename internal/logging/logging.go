// Package logging configures the process-wide slog logger. The default level
// is errors only so log lines never bleed into the terminal UI; LOG_LEVEL
// widens it during development.
package logging

import (
	"log/slog"
	"os"
)

// Init installs a text handler on stderr at the level selected by the
// LOG_LEVEL environment variable.
func Init() {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: levelFromEnv(),
	})
	slog.SetDefault(slog.New(handler))
}

func levelFromEnv() slog.Level {
	switch os.Getenv("LOG_LEVEL") {
	case "debug", "dev", "development":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	default:
		// unset and unrecognized values stay quiet
		return slog.LevelError
	}
}
