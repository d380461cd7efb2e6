// Package logging configures structured JSON logging for contextmcp.
//
// Logs go to a size-rotated file under ~/.context/logs so the MCP stdio
// transport stays clean; stderr mirroring is optional and enabled for CLI
// use. stdout is never written to.
package logging

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// Config contains logging configuration.
type Config struct {
	// Level is the minimum log level (debug, info, warn, error).
	Level string
	// FilePath is the log file path. Empty disables file logging.
	FilePath string
	// MaxSizeMB is the size in MB before rotation (default 10).
	MaxSizeMB int
	// MaxFiles is how many rotated files to keep (default 5).
	MaxFiles int
	// WriteToStderr mirrors log output to stderr.
	WriteToStderr bool
}

// DefaultConfig returns file logging defaults for CLI use.
func DefaultConfig() Config {
	return Config{
		Level:         "info",
		FilePath:      DefaultLogPath(),
		MaxSizeMB:     10,
		MaxFiles:      5,
		WriteToStderr: true,
	}
}

// ServerConfig returns logging defaults for MCP stdio mode: file only,
// since stderr may be surfaced to the client and stdout carries the protocol.
func ServerConfig() Config {
	cfg := DefaultConfig()
	cfg.WriteToStderr = false
	return cfg
}

// Setup initializes logging and returns the logger plus a cleanup function
// that flushes and closes the log file.
func Setup(cfg Config) (*slog.Logger, func(), error) {
	var output io.Writer = os.Stderr
	cleanup := func() {}

	if cfg.FilePath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0o755); err != nil {
			return nil, nil, err
		}
		writer, err := NewRotatingWriter(cfg.FilePath, cfg.MaxSizeMB, cfg.MaxFiles)
		if err != nil {
			return nil, nil, err
		}
		if cfg.WriteToStderr {
			output = io.MultiWriter(writer, os.Stderr)
		} else {
			output = writer
		}
		cleanup = func() {
			_ = writer.Sync()
			_ = writer.Close()
		}
	}

	handler := slog.NewJSONHandler(output, &slog.HandlerOptions{Level: parseLevel(cfg.Level)})
	logger := slog.New(handler)
	slog.SetDefault(logger)

	return logger, cleanup, nil
}

func parseLevel(level string) slog.Level {
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

// DefaultLogDir returns ~/.context/logs, falling back to the temp
// directory when the home directory is unavailable.
func DefaultLogDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".context", "logs")
	}
	return filepath.Join(home, ".context", "logs")
}

// DefaultLogPath returns the default server log path.
func DefaultLogPath() string {
	return filepath.Join(DefaultLogDir(), "contextmcp.log")
}
