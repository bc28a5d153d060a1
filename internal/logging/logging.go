package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Setup creates a slog.Logger writing to path, or to a dated log file in the
// user state directory when path is empty. The caller is responsible for
// closing the file.
func Setup(level, path string) (*slog.Logger, *os.File, error) {
	if path == "" {
		stateDir, err := StateDir()
		if err != nil {
			return nil, nil, fmt.Errorf("state dir: %w", err)
		}
		path = filepath.Join(stateDir, fmt.Sprintf("scrobbler-%s.log", time.Now().Format("20060102")))
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, nil, fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}
	return New(f, level), f, nil
}

// New creates a text logger on w.
func New(w io.Writer, level string) *slog.Logger {
	handler := slog.NewTextHandler(w, &slog.HandlerOptions{Level: ParseLevel(level)})
	return slog.New(handler)
}

// ParseLevel maps a config level name to a slog level. Unknown names select
// info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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

// StateDir returns the path to the tunez state directory (~/.config/tunez/state)
func StateDir() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "tunez", "state"), nil
}
