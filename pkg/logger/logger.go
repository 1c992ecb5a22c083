// Package logger provides slog helpers shared by all packages.
//
// NewLogger builds the process-wide *slog.Logger from LOG_LEVEL and GO_ENV:
// JSON output in production, human-readable text otherwise.
package logger

import (
	"log/slog"
	"os"
	"strings"

	"go.uber.org/fx"
)

// Module provides the application logger via fx.
var Module = fx.Module("logger",
	fx.Provide(NewLogger),
)

// Scope returns a slog attribute tagging log records with a component scope.
func Scope(scope string) slog.Attr {
	return slog.String("scope", scope)
}

// Error returns a slog attribute carrying an error value under the "error" key.
func Error(err error) slog.Attr {
	return slog.Any("error", err)
}

// NewLogger creates the application logger.
// LOG_LEVEL accepts debug, info, warn/warning, error (case-insensitive;
// anything else falls back to info).
func NewLogger() *slog.Logger {
	level := parseLevel(os.Getenv("LOG_LEVEL"))

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if os.Getenv("GO_ENV") == "production" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	log := slog.New(handler)
	slog.SetDefault(log)
	return log
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
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
