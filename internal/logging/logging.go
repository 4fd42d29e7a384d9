// Package logging configures the process-wide zerolog logger.
//
// The daemon logs to daemon.log in the state directory; short-lived
// commands (wrapper, hook) append to the same file best-effort so that
// decisions remain auditable without polluting the caller's stdio.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// ParseLevel maps the config's log_level strings onto zerolog levels.
// Unknown values fall back to INFO rather than failing startup.
func ParseLevel(level string) zerolog.Level {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG":
		return zerolog.DebugLevel
	case "INFO":
		return zerolog.InfoLevel
	case "WARNING", "WARN":
		return zerolog.WarnLevel
	case "ERROR":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Open returns a logger writing to the given file at the given level.
// Rotation happens outside the process, so the file is opened
// append-only.
func Open(path, level string) (zerolog.Logger, io.Closer, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return zerolog.Nop(), nil, fmt.Errorf("opening log file: %w", err)
	}
	logger := zerolog.New(f).Level(ParseLevel(level)).With().Timestamp().Logger()
	return logger, f, nil
}

// BestEffort returns a logger for short-lived processes. If the log file
// cannot be opened the logger is a no-op; a wrapper must never fail a
// command because logging is unavailable.
func BestEffort(path, level string) zerolog.Logger {
	logger, _, err := Open(path, level)
	if err != nil {
		return zerolog.Nop()
	}
	return logger
}

func init() {
	zerolog.TimeFieldFormat = time.RFC3339
}
