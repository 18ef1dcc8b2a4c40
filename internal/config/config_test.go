package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

const validYAML = `
logging:
  level: debug
  console: true
scheduler:
  min_workers: 2
  max_workers: 8
  backlog_factor: 10
  default_timeout: 300s
monitor:
  sample_interval: 5s
  cpu_threshold_pct: 90
  mem_threshold_pct: 85
storage:
  path: ./taskd.db
api:
  enabled: true
  addr: 127.0.0.1:8080
  submit_rate_per_sec: 10
schedules:
  - name: hourly-cleanup
    cron: "0 * * * *"
    operation: exec
    args:
      command: "true"
    priority: BATCH
    timeout: 1m
`

func TestLoadYAML(t *testing.T) {
	t.Parallel()
	mgr := NewManager(writeConfig(t, "c.yaml", validYAML))
	cfg, err := mgr.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Scheduler.MaxWorkers != 8 {
		t.Fatalf("max_workers = %d", cfg.Scheduler.MaxWorkers)
	}
	if cfg.Monitor.CPUThresholdPct != 90 {
		t.Fatalf("cpu_threshold_pct = %v", cfg.Monitor.CPUThresholdPct)
	}
	if !cfg.API.Enabled || cfg.API.SubmitRatePerSec != 10 {
		t.Fatalf("api = %+v", cfg.API)
	}
	if len(cfg.Schedules) != 1 || cfg.Schedules[0].Name != "hourly-cleanup" {
		t.Fatalf("schedules = %+v", cfg.Schedules)
	}
	if got := mgr.Get(); got != cfg {
		t.Fatal("Get must return the committed config")
	}
}

func TestLoadJSON(t *testing.T) {
	t.Parallel()
	mgr := NewManager(writeConfig(t, "c.json", `{"storage": {"path": "./x.db"}}`))
	cfg, err := mgr.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Storage.Path != "./x.db" {
		t.Fatalf("storage.path = %q", cfg.Storage.Path)
	}
}

func TestUnknownKeyRejected(t *testing.T) {
	t.Parallel()
	mgr := NewManager(writeConfig(t, "c.yaml", `
storage:
  path: ./x.db
schedulerr:
  min_workers: 1
`))
	if _, err := mgr.Load(); err == nil {
		t.Fatal("expected unknown-field error")
	}
}

func TestValidateRejections(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		yaml string
	}{
		{name: "missing storage path", yaml: `logging: {level: info}`},
		{name: "min over max", yaml: "storage: {path: ./x.db}\nscheduler: {min_workers: 5, max_workers: 2}"},
		{name: "bad duration", yaml: "storage: {path: ./x.db}\nscheduler: {default_timeout: fast}"},
		{name: "threshold out of range", yaml: "storage: {path: ./x.db}\nmonitor: {cpu_threshold_pct: 150}"},
		{name: "bad cron", yaml: "storage: {path: ./x.db}\nschedules: [{name: a, cron: nope, operation: exec}]"},
		{name: "duplicate schedule", yaml: "storage: {path: ./x.db}\nschedules: [{name: a, cron: '* * * * *', operation: x}, {name: a, cron: '* * * * *', operation: y}]"},
		{name: "bad schedule priority", yaml: "storage: {path: ./x.db}\nschedules: [{name: a, cron: '* * * * *', operation: x, priority: URGENT}]"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			mgr := NewManager(writeConfig(t, "c.yaml", tt.yaml))
			if _, err := mgr.Load(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestTrailingJSONRejected(t *testing.T) {
	t.Parallel()
	mgr := NewManager(writeConfig(t, "c.json", `{"storage": {"path": "./x.db"}}{"extra": 1}`))
	if _, err := mgr.Load(); err == nil {
		t.Fatal("expected trailing-data error")
	}
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()
	if d, err := ParseDurationField("x", " 90s "); err != nil || d.Seconds() != 90 {
		t.Fatalf("got %v, %v", d, err)
	}
	if d, err := ParseDurationField("x", ""); err != nil || d != 0 {
		t.Fatalf("empty: got %v, %v", d, err)
	}
	if _, err := ParseDurationField("x", "-5s"); err == nil {
		t.Fatal("negative duration must fail")
	}
	if _, err := ParseDurationField("x", "5 parsecs"); err == nil {
		t.Fatal("garbage duration must fail")
	}
}

func TestSummarizeChange(t *testing.T) {
	t.Parallel()
	oldCfg := &Config{Storage: StorageConfig{Path: "./a.db"}}
	newCfg := &Config{
		Storage:   StorageConfig{Path: "./a.db"},
		Scheduler: SchedulerConfig{MaxWorkers: 16},
		API:       APIConfig{Enabled: true, Token: "secret"},
	}
	changed, attrs := SummarizeChange(oldCfg, newCfg)
	want := []string{"api", "scheduler"}
	if len(changed) != len(want) || changed[0] != want[0] || changed[1] != want[1] {
		t.Fatalf("changed = %v, want %v", changed, want)
	}
	if len(attrs) == 0 {
		t.Fatal("expected structured attrs")
	}
}
