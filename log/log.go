// Package log configures leveled logging for the module. All packages log
// through Logger(), whose level is adjustable at runtime via SetLevel.
package log

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
)

const (
	// LevelTrace is finer than slog.LevelDebug.
	LevelTrace = slog.LevelDebug - 4
	// LevelOff is above every level emitted by this module.
	LevelOff = slog.Level(128)
)

var (
	level  slog.LevelVar
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level}))
)

func init() {
	level.Set(slog.LevelInfo)
}

// Logger returns the module-wide logger.
func Logger() *slog.Logger {
	return logger
}

// SetOutput replaces the logger, directing output through h.
// Meant for embedding applications that have their own handler.
func SetOutput(h slog.Handler) {
	logger = slog.New(h)
}

// ParseLevel maps a level name to a slog.Level.
// Valid names: trace, debug, info, warn, warning, error, off.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "trace":
		return LevelTrace, nil
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	case "off":
		return LevelOff, nil
	}
	return 0, fmt.Errorf("invalid log level %q, valid levels are: trace, debug, info, warn, error, off", s)
}

// SetLevel adjusts the module-wide log level by name.
func SetLevel(s string) error {
	l, err := ParseLevel(s)
	if err != nil {
		return err
	}
	level.Set(l)
	return nil
}
