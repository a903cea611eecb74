package logging

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
)

func TestNewLogger_Formats(t *testing.T) {
	for _, format := range []string{"json", "text", "unknown"} {
		logger, closer := NewLogger("info", format, "")
		if logger == nil {
			t.Fatalf("expected non-nil logger for format %q", format)
		}
		closer.Close()
	}
}

func TestNewLogger_AllLevels(t *testing.T) {
	levels := []string{"debug", "info", "warn", "warning", "error", "unknown"}
	for _, level := range levels {
		logger, closer := NewLogger(level, "json", "")
		if logger == nil {
			t.Errorf("expected non-nil logger for level %q", level)
		}
		closer.Close()
	}
}

func TestNewLogger_FileTee(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.log")
	logger, closer := NewLogger("debug", "json", path)
	logger.Info("hello", "k", "v")
	if err := closer.Close(); err != nil {
		t.Fatalf("closing log file: %v", err)
	}
}

func TestNewCLILogger_QuietRaisesLevel(t *testing.T) {
	logger := NewCLILogger("info", true)
	if logger.Enabled(context.Background(), slog.LevelInfo) {
		t.Error("quiet logger should not log at info level")
	}
}
