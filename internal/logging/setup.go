// Package logging configures the process logger: text to stdout, text to
// an optional file, and a ring buffer behind the admin log view.
package logging

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// ParseLevel maps a config value to a slog level, defaulting to info.
func ParseLevel(v string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(v))); err != nil {
		return slog.LevelInfo
	}
	return l
}

// Setup installs and returns the default logger. logFile may be empty.
func Setup(logFile string, level slog.Level, buffer *RingBuffer) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{Level: level}
	handlers := fanout{
		slog.NewTextHandler(os.Stdout, opts),
		buffer.Handler(level),
	}

	if logFile != "" {
		if err := os.MkdirAll(filepath.Dir(logFile), 0o755); err != nil {
			return nil, err
		}
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, err
		}
		handlers = append(handlers, slog.NewTextHandler(f, opts))
	}

	logger := slog.New(handlers)
	slog.SetDefault(logger)
	return logger, nil
}
