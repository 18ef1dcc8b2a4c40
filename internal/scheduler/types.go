package scheduler

import (
	"time"

	"taskd/internal/monitor"
	"taskd/internal/storage"
	"taskd/internal/task"
)

const (
	defaultMinWorkers     = 2
	defaultMaxWorkers     = 8
	defaultBacklogFactor  = 10
	defaultTaskTimeout    = 300 * time.Second
	defaultIdleDownTicks  = 3
	defaultSnapshotEvery  = 1
	completionChanPadding = 2
)

// Config tunes the scheduling loop and the worker pool. Zero values take
// the documented defaults so an empty config file still yields a working
// daemon.
type Config struct {
	MinWorkers    int `json:"min_workers" yaml:"min_workers"`
	MaxWorkers    int `json:"max_workers" yaml:"max_workers"`
	BacklogFactor int `json:"backlog_factor" yaml:"backlog_factor"`

	// DefaultTimeout applies to submissions that do not carry their own.
	DefaultTimeout time.Duration `json:"-" yaml:"-"`
	// DefaultMaxRetries applies to submissions that do not carry their own.
	DefaultMaxRetries int `json:"default_max_retries" yaml:"default_max_retries"`

	// IdleDownTicks is how many consecutive near-empty evaluation ticks
	// the pool tolerates before shrinking by one worker.
	IdleDownTicks int `json:"idle_down_ticks" yaml:"idle_down_ticks"`

	// SnapshotEvery appends a system snapshot to the store every N
	// evaluation ticks. 0 keeps the default of every tick.
	SnapshotEvery int `json:"snapshot_every" yaml:"snapshot_every"`
}

func (c Config) withDefaults() Config {
	if c.MinWorkers <= 0 {
		c.MinWorkers = defaultMinWorkers
	}
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = defaultMaxWorkers
	}
	if c.MaxWorkers < c.MinWorkers {
		c.MaxWorkers = c.MinWorkers
	}
	if c.BacklogFactor <= 0 {
		c.BacklogFactor = defaultBacklogFactor
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = defaultTaskTimeout
	}
	if c.DefaultMaxRetries < 0 {
		c.DefaultMaxRetries = 0
	}
	if c.IdleDownTicks <= 0 {
		c.IdleDownTicks = defaultIdleDownTicks
	}
	if c.SnapshotEvery <= 0 {
		c.SnapshotEvery = defaultSnapshotEvery
	}
	return c
}

// SubmitRequest describes one task submission. Priority is the textual band
// name; empty means MEDIUM. Timeout zero means the scheduler default, and a
// negative value is rejected. MaxRetries nil means the scheduler default.
type SubmitRequest struct {
	Name       string
	Operation  string
	Args       map[string]any
	Priority   string
	Timeout    time.Duration
	MaxRetries *int
}

// Snapshot is a point-in-time view of the live scheduler, independent of
// the durable store.
type Snapshot struct {
	ActiveWorkers int // permitted concurrency right now
	BusyWorkers   int // workers executing a task
	IdleWorkers   int // permitted workers waiting for work
	QueueDepth    int
	QueueDepths   [task.NumPriorities]int
	Load          monitor.Load
	Overloaded    bool
	StoreDown     bool
	WorkerCrashes uint64
}

// StatsResult merges durable window statistics with live gauges for the
// metrics API.
type StatsResult struct {
	storage.Stats
	QueueDepth        int     `json:"queue_depth"`
	WorkerCount       int     `json:"worker_count"`
	BusyWorkers       int     `json:"busy_workers"`
	WorkerUtilization float64 `json:"worker_utilization"`
	CPUPct            float64 `json:"cpu_pct"`
	MemPct            float64 `json:"mem_pct"`
}

// completion travels from a worker back to the control loop, which owns all
// queue mutation. requeue covers both retryable failures and worker crashes.
type completion struct {
	t        *task.Task
	requeue  bool
	crashed  bool
	storeErr error
}
