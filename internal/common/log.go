// Package common holds cross-cutting helpers shared by every deplink
// subsystem: the process-wide structured logger.
package common

import (
	"log/slog"
	"os"
	"strings"
	"sync"
)

var (
	logger     *slog.Logger
	loggerOnce sync.Once
)

// Logger returns the process-wide slog logger. The level is read once from
// the LOG_LEVEL environment variable (debug, info, warn, error); default info.
func Logger() *slog.Logger {
	loggerOnce.Do(func() {
		level := slog.LevelInfo
		switch strings.ToLower(strings.TrimSpace(os.Getenv("LOG_LEVEL"))) {
		case "debug":
			level = slog.LevelDebug
		case "warn":
			level = slog.LevelWarn
		case "error":
			level = slog.LevelError
		}
		handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
		logger = slog.New(handler)
	})
	return logger
}

// ComponentLogger returns the shared logger tagged with a component attribute.
func ComponentLogger(component string) *slog.Logger {
	return Logger().With("component", component)
}
