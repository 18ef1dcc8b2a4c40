package storage

import (
	"errors"
	"time"

	"taskd/internal/task"
)

var (
	// ErrNotFound is returned for lookups of unknown task IDs.
	ErrNotFound = errors.New("task not found")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite" (default): SQLite database file
//
// The store is mandatory: the scheduler fails closed when it cannot write, so
// there is no in-memory fallback driver.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// AttemptRecord is one execution attempt of a task. Every attempt is kept for
// audit even when a later attempt supersedes it.
type AttemptRecord struct {
	TaskID     string        `db:"task_id" json:"task_id"`
	Attempt    int           `db:"attempt" json:"attempt"`
	Status     task.Status   `db:"status" json:"status"`
	StartedAt  time.Time     `db:"started_at" json:"started_at"`
	FinishedAt time.Time     `db:"finished_at" json:"finished_at"`
	Duration   time.Duration `db:"-" json:"duration"`
	Error      string        `db:"error" json:"error,omitempty"`
}

// SystemSnapshot is an append-only utilization sample for trend analysis.
type SystemSnapshot struct {
	TakenAt     time.Time `json:"taken_at"`
	CPUPct      float64   `json:"cpu_pct"`
	MemPct      float64   `json:"mem_pct"`
	WorkerCount int       `json:"worker_count"`
	QueueDepth  int       `json:"queue_depth"`
}

// Stats aggregates task history over a trailing window.
type Stats struct {
	Window       time.Duration       `json:"window"`
	Counts       map[task.Status]int `json:"counts"`
	AvgLatencyMS float64             `json:"avg_latency_ms"`
	P95LatencyMS float64             `json:"p95_latency_ms"`
}
