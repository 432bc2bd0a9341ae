package logx

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestZeroLoggerIsNoop(t *testing.T) {
	t.Parallel()
	var l Logger
	if !l.IsZero() {
		t.Fatal("zero logger should report IsZero")
	}
	// Must not panic.
	l.Info("hello", String("k", "v"))
	l.Comp("engine").Warn("still quiet")
}

func TestWriterLoggerFields(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	l := NewWriter(&buf, "debug").Comp("engine")
	l.Info("task.completed", String("task", "scan"), Int("attempts", 2))

	var m map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &m); err != nil {
		t.Fatalf("decode log line: %v (%q)", err, buf.String())
	}
	if m["comp"] != "engine" {
		t.Fatalf("comp = %v, want engine", m["comp"])
	}
	if m["task"] != "scan" {
		t.Fatalf("task = %v, want scan", m["task"])
	}
	if m["attempts"] != float64(2) {
		t.Fatalf("attempts = %v, want 2", m["attempts"])
	}
	if !strings.HasPrefix(m["caller"].(string), "logger_test.go:") {
		t.Fatalf("caller = %v", m["caller"])
	}
}

func TestWriterLoggerLevelFilter(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	l := NewWriter(&buf, "warn")
	l.Debug("dropped")
	if buf.Len() != 0 {
		t.Fatalf("debug line should be filtered, got %q", buf.String())
	}
	if l.Enabled(LevelDebug) {
		t.Fatal("debug should be disabled at warn level")
	}
	if !l.Enabled(LevelError) {
		t.Fatal("error should be enabled at warn level")
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()
	tests := map[string]Level{
		"debug":   LevelDebug,
		" WARN ":  LevelWarn,
		"warning": LevelWarn,
		"bogus":   LevelInfo,
		"":        LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
