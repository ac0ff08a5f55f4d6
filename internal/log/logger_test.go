package log

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"firestige.xyz/netcore/internal/config"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			level, err := parseLevel(tt.input)
			if err != nil {
				t.Errorf("parseLevel(%q) returned error: %v", tt.input, err)
			}
			if level != tt.expected {
				t.Errorf("parseLevel(%q) = %v, expected %v", tt.input, level, tt.expected)
			}
		})
	}

	for _, input := range []string{"invalid", "trace", ""} {
		if _, err := parseLevel(input); err == nil {
			t.Errorf("parseLevel(%q) should return error, got nil", input)
		}
	}
}

func TestNewFiltersByLevel(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(config.LogConfig{Level: "warn", Format: "json"}, &buf)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	logger.Debug("debug message")
	logger.Info("info message")
	logger.Warn("warn message", "pool", "pktblock")

	output := buf.String()
	if strings.Contains(output, "debug message") || strings.Contains(output, "info message") {
		t.Errorf("Messages below warn should be filtered out: %s", output)
	}
	if !strings.Contains(output, `"msg":"warn message"`) || !strings.Contains(output, `"pool":"pktblock"`) {
		t.Errorf("Warn message missing from JSON output: %s", output)
	}
}

func TestNewTextFormat(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(config.LogConfig{Level: "info", Format: "TEXT"}, &buf)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	logger.Info("interface up", "name", "loop")
	if !strings.Contains(buf.String(), "name=loop") {
		t.Errorf("Text output should contain name=loop, got %s", buf.String())
	}
}

func TestNewInvalid(t *testing.T) {
	if _, err := New(config.LogConfig{Level: "invalid", Format: "json"}, &bytes.Buffer{}); err == nil ||
		!strings.Contains(err.Error(), "invalid log level") {
		t.Errorf("Expected invalid log level error, got %v", err)
	}
	if _, err := New(config.LogConfig{Level: "info", Format: "xml"}, &bytes.Buffer{}); err == nil ||
		!strings.Contains(err.Error(), "unsupported log format") {
		t.Errorf("Expected unsupported format error, got %v", err)
	}
}

func TestInitWithFileOutput(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() {
		Close()
		slog.SetDefault(prev)
	})

	logPath := filepath.Join(t.TempDir(), "netcore.log")
	cfg := config.LogConfig{
		Level:  "debug",
		Format: "text",
		Outputs: config.LogOutputsConfig{
			File: config.FileOutputConfig{
				Enabled:  true,
				Path:     logPath,
				Rotation: config.RotationConfig{MaxSizeMB: 10, MaxBackups: 3, MaxAgeDays: 7},
			},
		},
	}

	if err := Init(cfg); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	Component("netif").Info("test message")

	if err := Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("Log file was not created: %v", err)
	}
	if !strings.Contains(string(data), "component=netif") {
		t.Errorf("Expected component attribute in file output, got %s", data)
	}
}

func TestInitWithMissingFilePath(t *testing.T) {
	cfg := config.LogConfig{
		Level:   "info",
		Format:  "json",
		Outputs: config.LogOutputsConfig{File: config.FileOutputConfig{Enabled: true}},
	}

	err := Init(cfg)
	if err == nil {
		t.Fatal("Expected error for missing file path, got nil")
	}
	if !strings.Contains(err.Error(), "path") {
		t.Errorf("Expected error about missing path, got: %v", err)
	}
}

func TestCloseWithoutFile(t *testing.T) {
	if err := Close(); err != nil {
		t.Errorf("Close without file output should be a no-op, got %v", err)
	}
}
