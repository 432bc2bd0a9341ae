package logx

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func readLines(t *testing.T, path string) []map[string]any {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	var out []map[string]any
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var m map[string]any
		if err := json.Unmarshal(sc.Bytes(), &m); err != nil {
			t.Fatalf("decode %q: %v", sc.Text(), err)
		}
		out = append(out, m)
	}
	return out
}

func TestServiceFileSinkFollowsApply(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "logs", "audiotasks.log")
	svc, log := New(Config{Level: "warn", File: FileConfig{Enabled: true, Path: path}})
	defer svc.Close()

	log = log.Comp("engine")
	log.Info("dropped at warn")
	log.Warn("kept", String("task", "scan"))

	svc.Apply(Config{Level: "debug", File: FileConfig{Enabled: true, Path: path}})
	if !log.Enabled(LevelDebug) {
		t.Fatal("existing logger should follow the new level")
	}
	log.Debug("after apply")

	lines := readLines(t, path)
	if len(lines) != 2 {
		t.Fatalf("lines = %v, want 2", lines)
	}
	if lines[0]["message"] != "kept" || lines[0]["comp"] != "engine" || lines[0]["task"] != "scan" {
		t.Fatalf("first line = %v", lines[0])
	}
	if lines[1]["message"] != "after apply" {
		t.Fatalf("second line = %v", lines[1])
	}
}

func TestServiceReopenAfterRotate(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "audiotasks.log")
	svc, log := New(Config{Level: "info", File: FileConfig{Enabled: true, Path: path}})
	defer svc.Close()

	log.Info("before")
	rotated := filepath.Join(dir, "audiotasks.log.1")
	if err := os.Rename(path, rotated); err != nil {
		t.Fatal(err)
	}
	svc.Reopen()
	log.Info("after")

	if got := readLines(t, rotated); len(got) != 1 || got[0]["message"] != "before" {
		t.Fatalf("rotated = %v", got)
	}
	if got := readLines(t, path); len(got) != 1 || got[0]["message"] != "after" {
		t.Fatalf("current = %v", got)
	}
}

func TestServiceWithoutSinksKeepsWarnings(t *testing.T) {
	t.Parallel()
	svc, log := New(Config{Level: "debug"})
	defer svc.Close()
	if log.Enabled(LevelInfo) {
		t.Fatal("info should be off without a sink")
	}
	if !log.Enabled(LevelWarn) {
		t.Fatal("warn should still reach stderr")
	}
}
