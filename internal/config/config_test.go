package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"audiotasks/internal/task"
	"audiotasks/internal/task/engine"
)

const sampleJSON = `{
  "logging": {"level": "debug", "console": false},
  "task_engine": {"workers": 3, "light_cap": 10, "retry_delay": "500ms", "retry_placement": "deferred", "task_timeout": "30s"},
  "monitor": {"report_interval": "2m", "min_success_rate": 0.8},
  "battery": {"source": "static", "static_level": 40, "poll_interval": "1m"},
  "storage": {"driver": "file", "path": "/tmp/at/store", "keep": 100},
  "jobs": [
    {"name": "library.scan", "schedule": "0 3 * * *", "priority": "heavy", "args": {"dir": "/music"}},
    {"name": "cache.prune", "schedule": "every 6h", "enabled": false}
  ]
}`

const sampleYAML = `
logging:
  level: warn
task_engine:
  heavy_cap: 20
jobs:
  - name: library.index
    schedule: "02:30"
    priority: low
`

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadJSON(t *testing.T) {
	t.Parallel()
	cfg, err := NewConfigManager(writeConfig(t, "cfg.json", sampleJSON)).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	ec, err := cfg.EngineConfig()
	if err != nil {
		t.Fatal(err)
	}
	if ec.Workers != 3 || ec.LightCap != 10 || ec.RetryDelay != 500*time.Millisecond ||
		ec.RetryPlacement != engine.RetryDeferred || ec.TaskTimeout != 30*time.Second {
		t.Fatalf("engine config = %+v", ec)
	}
	mc, _ := cfg.MonitorConfig()
	if mc.ReportInterval != 2*time.Minute || mc.MinSuccessRate != 0.8 {
		t.Fatalf("monitor config = %+v", mc)
	}
	sc, _ := cfg.StorageConfig()
	if sc.Driver != "file" || sc.Keep != 100 {
		t.Fatalf("storage config = %+v", sc)
	}

	specs, err := cfg.JobSpecs()
	if err != nil {
		t.Fatal(err)
	}
	if len(specs) != 1 || specs[0].Name != "library.scan" || specs[0].Priority != task.Heavy || specs[0].Args["dir"] != "/music" {
		t.Fatalf("jobs = %+v", specs)
	}
}

func TestLoadYAML(t *testing.T) {
	t.Parallel()
	cfg, err := NewConfigManager(writeConfig(t, "cfg.yaml", sampleYAML)).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Logging.Level != "warn" || cfg.TaskEngine.HeavyCap != 20 {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.Battery.Source != "auto" {
		t.Fatalf("default battery source lost: %q", cfg.Battery.Source)
	}
	specs, _ := cfg.JobSpecs()
	if len(specs) != 1 || specs[0].Priority != task.Light || specs[0].Schedule != "02:30" {
		t.Fatalf("jobs = %+v", specs)
	}
}

func TestDecodeStrict(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		body string
		yaml bool
		want string
	}{
		{name: "unknown key", body: `{"task_engine": {"queue_size": 5}}`, want: "unknown field"},
		{name: "trailing data", body: `{} {}`, want: "trailing data"},
		{name: "unknown yaml key", body: "pprof:\n  enabled: true\n", yaml: true, want: "unknown field"},
		{name: "bad yaml", body: "logging: [", yaml: true, want: "yaml"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Decode([]byte(tt.body), tt.yaml)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Decode = %v, want error containing %q", err, tt.want)
			}
		})
	}

	cfg, err := Decode([]byte(""), true)
	if err != nil || cfg.Logging.Level != "info" {
		t.Fatalf("empty yaml = %+v, %v", cfg, err)
	}
}

func TestValidateCollectsErrors(t *testing.T) {
	t.Parallel()
	cfg := Default()
	cfg.TaskEngine.RetryDelay = "soon"
	cfg.TaskEngine.RetryPlacement = "sideways"
	cfg.Monitor.MaxRejectionRate = 2
	cfg.Battery.LowThreshold = 5
	cfg.Battery.CriticalThreshold = 10
	cfg.Battery.Source = "solar"
	cfg.Storage.Keep = -1
	cfg.Jobs = []JobConfig{
		{Name: "x", Schedule: "whenever"},
		{Name: "y", Schedule: "1h", Priority: "urgent"},
	}

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected errors")
	}
	for _, want := range []string{
		"task_engine.retry_delay",
		"monitor: rates",
		"battery: critical_threshold",
		"storage.keep",
		"jobs[1].priority",
	} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("missing %q in %v", want, err)
		}
	}

	cfg.Jobs = cfg.Jobs[:1]
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), `jobs[0] "x"`) {
		t.Fatalf("bad schedule not reported: %v", err)
	}
}

func TestDefaultIsValid(t *testing.T) {
	t.Parallel()
	if err := Default().Validate(); err != nil {
		t.Fatal(err)
	}
}

func TestReloadPublishesOnlyChanges(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "cfg.json", `{"logging": {"level": "info"}}`)
	m := NewConfigManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatal(err)
	}
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)
	ctx := context.Background()

	if changed, err := m.Reload(ctx); err != nil || changed {
		t.Fatalf("unchanged reload = %v, %v", changed, err)
	}

	if err := os.WriteFile(path, []byte(`{"logging": {"level": "debug"}}`), 0o600); err != nil {
		t.Fatal(err)
	}
	if changed, err := m.Reload(ctx); err != nil || !changed {
		t.Fatalf("reload = %v, %v", changed, err)
	}
	select {
	case cfg := <-ch:
		if cfg.Logging.Level != "debug" {
			t.Fatalf("published level = %q", cfg.Logging.Level)
		}
	default:
		t.Fatal("nothing published")
	}

	if err := os.WriteFile(path, []byte(`{"task_engine": {"retry_delay": "x"}}`), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Reload(ctx); err == nil {
		t.Fatal("invalid config must be rejected")
	}
	if m.Get().Logging.Level != "debug" {
		t.Fatal("rejected reload replaced the committed config")
	}
}

func TestReloadRunsValidator(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "cfg.json", `{}`)
	m := NewConfigManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatal(err)
	}
	m.SetValidator(func(_ context.Context, cfg *Config) error {
		if len(cfg.Jobs) > 0 {
			return os.ErrPermission
		}
		return nil
	})
	if err := os.WriteFile(path, []byte(`{"jobs": [{"name": "library.scan", "schedule": "1h"}]}`), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Reload(context.Background()); err != os.ErrPermission {
		t.Fatalf("Reload = %v, want validator error", err)
	}
}

func TestWatchReloadsOnWrite(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "cfg.json", `{"logging": {"level": "info"}}`)
	m := NewConfigManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatal(err)
	}
	ch := m.Subscribe(1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Watch(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(600 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case cfg := <-ch:
			if cfg.Logging.Level != "error" {
				t.Fatalf("level = %q", cfg.Logging.Level)
			}
			return
		case <-tick.C:
			// Rewrite until the watcher (started asynchronously) sees it.
			_ = os.WriteFile(path, []byte(`{"logging": {"level": "error"}}`), 0o600)
		case <-deadline:
			t.Fatal("watch did not publish the change")
		}
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	a := Default()
	b := Default()
	b.Logging.Level = "debug"
	b.TaskEngine.Workers = 4
	b.Jobs = []JobConfig{{Name: "library.scan", Schedule: "1h"}}

	ch := SummarizeConfigChange(a, b)
	for _, s := range []string{"logging", "task_engine", "jobs"} {
		if !ch.Has(s) {
			t.Errorf("section %q not reported: %v", s, ch.Sections)
		}
	}
	if ch.Has("storage") {
		t.Error("storage reported as changed")
	}
	if len(ch.RestartRequired) != 1 || ch.RestartRequired[0] != "task_engine" {
		t.Fatalf("restart required = %v", ch.RestartRequired)
	}
	if len(SummarizeConfigChange(a, Default()).Sections) != 0 {
		t.Fatal("identical configs reported changes")
	}
}
