package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]zapcore.Level{
		"debug":   zapcore.DebugLevel,
		" WARN ":  zapcore.WarnLevel,
		"warning": zapcore.WarnLevel,
		"error":   zapcore.ErrorLevel,
		"":        zapcore.InfoLevel,
		"verbose": zapcore.InfoLevel,
	}
	for input, expected := range tests {
		if level := ParseLevel(input); level != expected {
			t.Fatalf("expected %s for %q, got %s", expected, input, level)
		}
	}
}

func TestNewLoggerWritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "teasync.log")
	logger, err := NewLogger("info", path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	logger.Info("sync finished")
	_ = logger.Sync()

	contents, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("expected log file: %v", err)
	}
	if !strings.Contains(string(contents), "sync finished") {
		t.Fatalf("expected log entry in file, got %s", contents)
	}
}
