package logger

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"DEBUG":   slog.LevelDebug,
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"WARNING": slog.LevelWarn,
		"WARN":    slog.LevelWarn,
		"ERROR":   slog.LevelError,
		"bogus":   slog.LevelInfo,
		"":        slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log, mgr, err := New(&buf, t.TempDir())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer mgr.Close()

	log.Debug("hidden")
	log.Info("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Error("Debug line emitted at INFO level")
	}
	if !strings.Contains(out, "shown") {
		t.Error("Info line missing")
	}

	// Raising verbosity takes effect on the live logger
	if err := mgr.Reconfigure("DEBUG", ""); err != nil {
		t.Fatal(err)
	}
	log.Debug("now visible")
	if !strings.Contains(buf.String(), "now visible") {
		t.Error("Debug line missing after reconfigure")
	}
}

func TestConsoleAttrs(t *testing.T) {
	var buf bytes.Buffer
	log, mgr, err := New(&buf, t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer mgr.Close()

	log.Info("run", "task", 42)
	if !strings.Contains(buf.String(), "task=42") {
		t.Errorf("Expected attr in console output, got %q", buf.String())
	}
}
