// Package logging configures slog and the pion logger factory from LOG_LEVEL.
package logging

import (
	"log/slog"
	"os"
	"strings"

	pionlogging "github.com/pion/logging"
)

// ParseLevel maps a LOG_LEVEL value to a slog level. Unknown values yield
// info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "dev", "development", "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error", "production", "prod":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Init installs a text handler on stderr as the default logger.
func Init() slog.Level {
	level := ParseLevel(os.Getenv("LOG_LEVEL"))

	logger := slog.New(
		slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: level,
		}),
	)
	slog.SetDefault(logger)
	return level
}

// PionFactory returns a pion logger factory whose default level follows
// level. PION_LOG_* variables still override per scope.
func PionFactory(level slog.Level) *pionlogging.DefaultLoggerFactory {
	f := pionlogging.NewDefaultLoggerFactory()
	switch {
	case level <= slog.LevelDebug:
		f.DefaultLogLevel = pionlogging.LogLevelDebug
	case level <= slog.LevelInfo:
		f.DefaultLogLevel = pionlogging.LogLevelInfo
	case level <= slog.LevelWarn:
		f.DefaultLogLevel = pionlogging.LogLevelWarn
	default:
		f.DefaultLogLevel = pionlogging.LogLevelError
	}
	return f
}
