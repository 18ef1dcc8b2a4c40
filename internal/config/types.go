package config

// Config is the full daemon configuration. YAML and JSON are both accepted;
// unknown keys are rejected so typos surface at load time instead of being
// silently ignored.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "5m").
type Config struct {
	Logging   LoggingConfig    `json:"logging"`
	Scheduler SchedulerConfig  `json:"scheduler"`
	Monitor   MonitorConfig    `json:"monitor"`
	Storage   StorageConfig    `json:"storage"`
	API       APIConfig        `json:"api"`
	Schedules []ScheduleConfig `json:"schedules,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SchedulerConfig controls the worker pool and submission defaults.
//
// Defaults (when fields are omitted/zero):
//   - min_workers: 2
//   - max_workers: 8
//   - backlog_factor: 10
//   - default_timeout: "300s"
//   - default_max_retries: 0
type SchedulerConfig struct {
	MinWorkers        int    `json:"min_workers,omitempty"`
	MaxWorkers        int    `json:"max_workers,omitempty"`
	BacklogFactor     int    `json:"backlog_factor,omitempty"`
	DefaultTimeout    string `json:"default_timeout,omitempty"`
	DefaultMaxRetries int    `json:"default_max_retries,omitempty"`
	IdleDownTicks     int    `json:"idle_down_ticks,omitempty"`
	SnapshotEvery     int    `json:"snapshot_every,omitempty"`
}

// MonitorConfig controls resource sampling and backpressure thresholds.
//
// Defaults: sample_interval "5s", cpu_threshold_pct 90, mem_threshold_pct 85.
type MonitorConfig struct {
	SampleInterval  string  `json:"sample_interval,omitempty"`
	CPUThresholdPct float64 `json:"cpu_threshold_pct,omitempty"`
	MemThresholdPct float64 `json:"mem_threshold_pct,omitempty"`
}

// StorageConfig controls the durable task store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./taskd.db" }
type StorageConfig struct {
	Driver      string `json:"driver,omitempty"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// APIConfig controls the HTTP metrics and submission API.
//
// Security note: prefer binding to localhost. If you bind to a non-loopback
// address, set a token.
type APIConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`  // default: "127.0.0.1:8080"
	Token   string `json:"token,omitempty"` // optional bearer token (do not log)

	// SubmitRatePerSec throttles POST /tasks. 0 disables the limiter.
	SubmitRatePerSec int `json:"submit_rate_per_sec,omitempty"`
	SubmitBurst      int `json:"submit_burst,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// ScheduleConfig is a recurring task submission driven by a cron expression.
type ScheduleConfig struct {
	Name       string         `json:"name"`
	Cron       string         `json:"cron"`
	Operation  string         `json:"operation"`
	Args       map[string]any `json:"args,omitempty"`
	Priority   string         `json:"priority,omitempty"`
	Timeout    string         `json:"timeout,omitempty"`
	MaxRetries *int           `json:"max_retries,omitempty"`
}
