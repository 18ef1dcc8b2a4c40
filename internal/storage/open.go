package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"taskd/internal/task"
	logx "taskd/pkg/logx"
)

// Store is the durable record of every submitted task, its attempts, and
// periodic system snapshots.
//
// Writes are atomic per call: a crash between "removed from queue" and
// "persisted as RUNNING" must not be able to lose a task, so the scheduler
// persists each state transition through exactly one Store call.
type Store interface {
	CreateTask(ctx context.Context, t *task.Task) error
	UpdateTask(ctx context.Context, t *task.Task) error
	GetTask(ctx context.Context, id string) (*task.Task, error)
	ListByStatus(ctx context.Context, statuses ...task.Status) ([]*task.Task, error)

	RecordAttempt(ctx context.Context, a AttemptRecord) error
	ListAttempts(ctx context.Context, taskID string) ([]AttemptRecord, error)

	AppendSnapshot(ctx context.Context, s SystemSnapshot) error
	ListSnapshots(ctx context.Context, since time.Time) ([]SystemSnapshot, error)

	Stats(ctx context.Context, window time.Duration) (Stats, error)

	// Ping is the health probe the scheduler uses to decide when a failed
	// store has recovered and dispatch may resume.
	Ping(ctx context.Context) error

	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
