package config

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"
)

const sampleYAML = `
logging:
  level: debug
  console: true
scheduler:
  idle_interval: 50ms
  history_size: 10
storage:
  driver: file
  path: ./runs
tasks:
  - name: heartbeat
    priority: L5
    schedule: "@every 1s"
    message: beat
  - name: warmup
    priority: "8"
    schedule: once
`

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestDecodeYAML(t *testing.T) {
	t.Parallel()
	cfg, err := Decode("cfg.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if cfg.Logging.Level != "debug" || cfg.Scheduler.IdleInterval != "50ms" || cfg.Scheduler.HistorySize != 10 {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if cfg.Storage == nil || cfg.Storage.Driver != "file" {
		t.Fatalf("storage = %+v", cfg.Storage)
	}
	if len(cfg.Tasks) != 2 || cfg.Tasks[1].Schedule != "once" || cfg.Tasks[1].Priority != "8" {
		t.Fatalf("tasks = %+v", cfg.Tasks)
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestDecodeStrict(t *testing.T) {
	t.Parallel()
	tests := map[string]struct {
		path string
		body string
	}{
		"unknown json key": {path: "c.json", body: `{"logging":{"level":"info"},"bogus":1}`},
		"unknown yaml key": {path: "c.yml", body: "scheduler:\n  workers: 4\n"},
		"trailing data":    {path: "c.json", body: `{} {}`},
		"bad yaml":         {path: "c.yaml", body: "logging: [\n"},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := Decode(tt.path, []byte(tt.body)); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	if err := Validate(Default()); err != nil {
		t.Fatalf("Default() invalid: %v", err)
	}

	cfg := Default()
	cfg.Logging.Level = "loud"
	cfg.Scheduler.IdleInterval = "soon"
	cfg.Storage = &StorageConfig{Driver: "redis"}
	cfg.Telemetry = &TelemetryConfig{Enabled: true, Exporter: "otlp"}
	cfg.Tasks = append(cfg.Tasks,
		TaskConfig{Name: "Task 1", Priority: "9", Schedule: "@monthly"},
	)

	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation errors")
	}
	for _, want := range []string{
		"logging.level",
		"scheduler.idle_interval",
		"storage.driver",
		"telemetry.exporter",
		"tasks[3].name: duplicate",
		"tasks[3].priority",
		"tasks[3].schedule",
	} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q does not mention %q", err, want)
		}
	}
}

func TestValidateDebug(t *testing.T) {
	t.Parallel()
	cfg := Default()
	cfg.Debug = &DebugConfig{Enabled: true, Addr: "6060", MutexProfileFraction: -1}
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"debug.addr", "mutex_profile_fraction"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q does not mention %q", err, want)
		}
	}

	cfg.Debug = &DebugConfig{Enabled: true, Addr: "127.0.0.1:0"}
	if err := Validate(cfg); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestLoadFallsBackToDefault(t *testing.T) {
	t.Parallel()
	m := NewConfigManager(filepath.Join(t.TempDir(), "missing.yaml"))
	cfg, fromFile, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if fromFile {
		t.Fatal("fromFile = true for a missing file")
	}
	if len(cfg.Tasks) != 3 || m.Get() != cfg {
		t.Fatalf("unexpected default config %+v", cfg)
	}
}

func TestLoadRejectsInvalidFile(t *testing.T) {
	t.Parallel()
	p := writeFile(t, t.TempDir(), "cfg.json", `{"tasks":[{"name":"x","priority":"0","schedule":"1s"}]}`)
	if _, _, err := NewConfigManager(p).Load(); err == nil {
		t.Fatal("expected error for priority 0")
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	oldCfg := Default()

	same := SummarizeConfigChange(oldCfg, Default())
	if !same.Empty() {
		t.Fatalf("identical configs reported %v", same.Sections)
	}

	newCfg := Default()
	newCfg.Logging.Level = "debug"
	newCfg.Scheduler.IdleInterval = "250ms"
	newCfg.Tasks = newCfg.Tasks[:1]
	newCfg.Storage = &StorageConfig{Driver: "file", Path: "./runs"}
	newCfg.Debug = &DebugConfig{Enabled: true}

	ch := SummarizeConfigChange(oldCfg, newCfg)
	if want := []string{"debug", "logging", "scheduler.idle_interval", "storage", "tasks"}; !slices.Equal(ch.Sections, want) {
		t.Fatalf("Sections = %v, want %v", ch.Sections, want)
	}
	if want := []string{"storage", "tasks"}; !slices.Equal(ch.RestartRequired, want) {
		t.Fatalf("RestartRequired = %v, want %v", ch.RestartRequired, want)
	}
}

func TestWatchPublishesReload(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "cfg.yaml", "logging:\n  level: info\n")

	m := NewConfigManager(p)
	if _, _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	updates := m.Subscribe(1)
	defer m.Unsubscribe(updates)

	watching := make(chan struct{})
	m.watching = func() { close(watching) }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()

	select {
	case <-watching:
	case err := <-done:
		t.Fatalf("Watch returned early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not start")
	}

	// One write; the debounce must settle before the reload lands.
	writeFile(t, dir, "cfg.yaml", "logging:\n  level: debug\n")
	select {
	case cfg := <-updates:
		if cfg.Logging.Level != "debug" {
			t.Fatalf("published level = %q", cfg.Logging.Level)
		}
		if m.Get().Logging.Level != "debug" {
			t.Fatal("reload was not committed")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no reload published")
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Watch: %v", err)
	}
}

func TestWatchReturnsSetupError(t *testing.T) {
	m := NewConfigManager(filepath.Join(t.TempDir(), "missing", "cfg.yaml"))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.Watch(ctx); err == nil {
		t.Fatal("expected an error for a missing directory")
	}
}
