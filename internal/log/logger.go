// Package log sets up the process-wide slog logger.
package log

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"

	"firestige.xyz/netcore/internal/config"
)

var (
	mu      sync.Mutex
	rotator *lumberjack.Logger
)

// Init builds a logger from configuration and installs it as slog default.
// Output always goes to stdout, plus a rotating file when enabled.
func Init(cfg config.LogConfig) error {
	var fileOut *lumberjack.Logger
	if cfg.Outputs.File.Enabled {
		w, err := createFileWriter(cfg.Outputs.File)
		if err != nil {
			return fmt.Errorf("failed to create file output: %w", err)
		}
		fileOut = w
	}

	writers := []io.Writer{os.Stdout}
	if fileOut != nil {
		writers = append(writers, fileOut)
	}

	logger, err := New(cfg, io.MultiWriter(writers...))
	if err != nil {
		if fileOut != nil {
			fileOut.Close()
		}
		return err
	}

	mu.Lock()
	prev := rotator
	rotator = fileOut
	mu.Unlock()
	if prev != nil {
		prev.Close()
	}

	slog.SetDefault(logger)
	return nil
}

// New returns a logger writing to w with the configured level and format.
func New(cfg config.LogConfig, w io.Writer) (*slog.Logger, error) {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		return nil, fmt.Errorf("unsupported log format: %s (must be json or text)", cfg.Format)
	}
	return slog.New(handler), nil
}

// Component returns the default logger tagged with a component attribute.
func Component(name string) *slog.Logger {
	return slog.Default().With("component", name)
}

// Close flushes and closes the rotating file output, if any.
func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if rotator == nil {
		return nil
	}
	err := rotator.Close()
	rotator = nil
	return err
}

func parseLevel(levelStr string) (slog.Level, error) {
	switch strings.ToLower(levelStr) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown level: %s", levelStr)
	}
}

func createFileWriter(fc config.FileOutputConfig) (*lumberjack.Logger, error) {
	if fc.Path == "" {
		return nil, fmt.Errorf("file output requires 'path' field")
	}
	return &lumberjack.Logger{
		Filename:   fc.Path,
		MaxSize:    fc.Rotation.MaxSizeMB,
		MaxBackups: fc.Rotation.MaxBackups,
		MaxAge:     fc.Rotation.MaxAgeDays,
		Compress:   fc.Rotation.Compress,
	}, nil
}
