// Package config resolves BoxLite's environment-driven settings
// (home/scratch directories, diagnostic log level) and builds the
// structured logger every other package logs through. Grounded on
// cmd/sand/main.go's appHomeDir(), generalized to be cross-platform
// since BoxLite is a library first, not a macOS-only CLI tool.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	envHome    = "BOXLITE_HOME"
	envTmpDir  = "BOXLITE_TMPDIR"
	envLogLvl  = "BOXLITE_LOG"
	defaultDir = ".boxlite"
)

// ResolveHome returns $BOXLITE_HOME if set, else $HOME/.boxlite.
func ResolveHome() (string, error) {
	if h := os.Getenv(envHome); h != "" {
		return h, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("config: resolve home dir: %w", err)
	}
	return filepath.Join(home, defaultDir), nil
}

// ResolveTmpDir returns $BOXLITE_TMPDIR if set, else the OS temp dir.
func ResolveTmpDir() string {
	if t := os.Getenv(envTmpDir); t != "" {
		return t
	}
	return os.TempDir()
}

// LevelTrace is finer-grained than slog's built-in Debug, matching the
// RUST_LOG-style five-level scheme spec.md §6 calls for.
const LevelTrace = slog.Level(-8)

// ParseLevel maps a RUST_LOG-style level name to an slog.Level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return LevelTrace, nil
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("config: unknown log level %q", s)
	}
}

// LevelFromEnv reads BOXLITE_LOG, defaulting to info on empty or invalid
// input. Invalid input is not reported: the parse error is dropped here,
// and callers only see the info fallback.
func LevelFromEnv() slog.Level {
	lvl, err := ParseLevel(os.Getenv(envLogLvl))
	if err != nil {
		return slog.LevelInfo
	}
	return lvl
}

// NewLogger builds the JSON structured logger every package logs
// through, rotated via lumberjack under homeDir/log, mirroring the
// teacher's daemon logging setup.
func NewLogger(homeDir string, level slog.Level) (*slog.Logger, error) {
	logDir := filepath.Join(homeDir, "log")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("config: create log dir: %w", err)
	}
	rotator := &lumberjack.Logger{
		Filename:   filepath.Join(logDir, "boxlited.log"),
		MaxSize:    64, // MiB
		MaxBackups: 5,
		MaxAge:     30, // days
		Compress:   true,
	}
	handler := slog.NewJSONHandler(rotator, &slog.HandlerOptions{Level: level})
	return slog.New(handler), nil
}
