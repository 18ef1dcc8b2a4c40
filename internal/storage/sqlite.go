package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"taskd/internal/task"
	logx "taskd/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// timeFormat is RFC3339 with a fixed-width fraction. RFC3339Nano trims
// trailing zeros, which breaks the lexicographic >= comparisons the window
// queries rely on.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

type sqliteStore struct {
	db  *sqlx.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- tasks ----

type taskDAO struct {
	ID           string         `db:"id"`
	Name         string         `db:"name"`
	Operation    string         `db:"operation"`
	Args         sql.NullString `db:"args"`
	Priority     int            `db:"priority"`
	Status       string         `db:"status"`
	MaxRetries   int            `db:"max_retries"`
	AttemptCount int            `db:"attempt_count"`
	TimeoutMS    int64          `db:"timeout_ms"`
	CreatedAt    string         `db:"created_at"`
	StartedAt    sql.NullString `db:"started_at"`
	CompletedAt  sql.NullString `db:"completed_at"`
	Result       sql.NullString `db:"result"`
	Error        sql.NullString `db:"error"`
}

func toDAO(t *task.Task) (taskDAO, error) {
	d := taskDAO{
		ID:           t.ID,
		Name:         t.Name,
		Operation:    t.Operation,
		Priority:     int(t.Priority),
		Status:       string(t.Status),
		MaxRetries:   t.MaxRetries,
		AttemptCount: t.AttemptCount,
		TimeoutMS:    t.Timeout.Milliseconds(),
		CreatedAt:    t.CreatedAt.UTC().Format(timeFormat),
		StartedAt:    nullTime(t.StartedAt),
		CompletedAt:  nullTime(t.CompletedAt),
		Error:        nullStr(t.Error),
	}
	if len(t.Args) > 0 {
		b, err := json.Marshal(t.Args)
		if err != nil {
			return d, fmt.Errorf("marshal args: %w", err)
		}
		d.Args = sql.NullString{String: string(b), Valid: true}
	}
	if t.Result != nil {
		b, err := json.Marshal(t.Result)
		if err != nil {
			return d, fmt.Errorf("marshal result: %w", err)
		}
		d.Result = sql.NullString{String: string(b), Valid: true}
	}
	return d, nil
}

func (d taskDAO) toTask() (*task.Task, error) {
	st, err := task.ParseStatus(d.Status)
	if err != nil {
		return nil, err
	}
	t := &task.Task{
		ID:           d.ID,
		Name:         d.Name,
		Operation:    d.Operation,
		Priority:     task.Priority(d.Priority),
		Status:       st,
		MaxRetries:   d.MaxRetries,
		AttemptCount: d.AttemptCount,
		Timeout:      time.Duration(d.TimeoutMS) * time.Millisecond,
		Error:        d.Error.String,
	}
	if t.CreatedAt, err = time.Parse(timeFormat, d.CreatedAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	t.StartedAt = parseNullTime(d.StartedAt)
	t.CompletedAt = parseNullTime(d.CompletedAt)
	if d.Args.Valid && d.Args.String != "" {
		if err := json.Unmarshal([]byte(d.Args.String), &t.Args); err != nil {
			return nil, fmt.Errorf("unmarshal args: %w", err)
		}
	}
	if d.Result.Valid && d.Result.String != "" {
		if err := json.Unmarshal([]byte(d.Result.String), &t.Result); err != nil {
			return nil, fmt.Errorf("unmarshal result: %w", err)
		}
	}
	return t, nil
}

func (s *sqliteStore) CreateTask(ctx context.Context, t *task.Task) error {
	d, err := toDAO(t)
	if err != nil {
		return err
	}
	_, err = s.db.NamedExecContext(ctx,
		`INSERT INTO tasks (id, name, operation, args, priority, status, max_retries, attempt_count,
		                    timeout_ms, created_at, started_at, completed_at, result, error)
		 VALUES (:id, :name, :operation, :args, :priority, :status, :max_retries, :attempt_count,
		         :timeout_ms, :created_at, :started_at, :completed_at, :result, :error)`, d)
	return err
}

// UpdateTask persists the task's current state as a single atomic row write.
func (s *sqliteStore) UpdateTask(ctx context.Context, t *task.Task) error {
	d, err := toDAO(t)
	if err != nil {
		return err
	}
	res, err := s.db.NamedExecContext(ctx,
		`UPDATE tasks SET status = :status, attempt_count = :attempt_count,
		        started_at = :started_at, completed_at = :completed_at,
		        result = :result, error = :error
		 WHERE id = :id`, d)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) GetTask(ctx context.Context, id string) (*task.Task, error) {
	var d taskDAO
	err := s.db.GetContext(ctx, &d, `SELECT * FROM tasks WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return d.toTask()
}

func (s *sqliteStore) ListByStatus(ctx context.Context, statuses ...task.Status) ([]*task.Task, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	raw := make([]string, 0, len(statuses))
	for _, st := range statuses {
		raw = append(raw, string(st))
	}
	q, args, err := sqlx.In(`SELECT * FROM tasks WHERE status IN (?) ORDER BY created_at`, raw)
	if err != nil {
		return nil, err
	}
	var daos []taskDAO
	if err := s.db.SelectContext(ctx, &daos, s.db.Rebind(q), args...); err != nil {
		return nil, err
	}
	out := make([]*task.Task, 0, len(daos))
	for _, d := range daos {
		t, err := d.toTask()
		if err != nil {
			// A malformed row shouldn't block recovery of the rest.
			if !s.log.IsZero() {
				s.log.Warn("skipping malformed task row", logx.String("id", d.ID), logx.Err(err))
			}
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

// ---- attempts ----

type attemptDAO struct {
	TaskID     string         `db:"task_id"`
	Attempt    int            `db:"attempt"`
	Status     string         `db:"status"`
	StartedAt  string         `db:"started_at"`
	FinishedAt sql.NullString `db:"finished_at"`
	DurationMS int64          `db:"duration_ms"`
	Error      sql.NullString `db:"error"`
}

func (s *sqliteStore) RecordAttempt(ctx context.Context, a AttemptRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO task_attempts (task_id, attempt, status, started_at, finished_at, duration_ms, error)
		 VALUES (?,?,?,?,?,?,?)
		 ON CONFLICT(task_id, attempt) DO UPDATE SET
		   status = excluded.status, finished_at = excluded.finished_at,
		   duration_ms = excluded.duration_ms, error = excluded.error`,
		a.TaskID, a.Attempt, string(a.Status),
		a.StartedAt.UTC().Format(timeFormat),
		nullTime(a.FinishedAt),
		a.Duration.Milliseconds(),
		nullStr(a.Error),
	)
	return err
}

func (s *sqliteStore) ListAttempts(ctx context.Context, taskID string) ([]AttemptRecord, error) {
	var daos []attemptDAO
	err := s.db.SelectContext(ctx, &daos,
		`SELECT * FROM task_attempts WHERE task_id = ? ORDER BY attempt`, taskID)
	if err != nil {
		return nil, err
	}
	out := make([]AttemptRecord, 0, len(daos))
	for _, d := range daos {
		st, err := task.ParseStatus(d.Status)
		if err != nil {
			continue
		}
		rec := AttemptRecord{
			TaskID:   d.TaskID,
			Attempt:  d.Attempt,
			Status:   st,
			Duration: time.Duration(d.DurationMS) * time.Millisecond,
			Error:    d.Error.String,
		}
		rec.StartedAt, _ = time.Parse(timeFormat, d.StartedAt)
		rec.FinishedAt = parseNullTime(d.FinishedAt)
		out = append(out, rec)
	}
	return out, nil
}

// ---- snapshots ----

func (s *sqliteStore) AppendSnapshot(ctx context.Context, snap SystemSnapshot) error {
	if snap.TakenAt.IsZero() {
		snap.TakenAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO system_snapshots (taken_at, cpu_pct, mem_pct, worker_count, queue_depth)
		 VALUES (?,?,?,?,?)`,
		snap.TakenAt.UTC().Format(timeFormat), snap.CPUPct, snap.MemPct, snap.WorkerCount, snap.QueueDepth)
	return err
}

func (s *sqliteStore) ListSnapshots(ctx context.Context, since time.Time) ([]SystemSnapshot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT taken_at, cpu_pct, mem_pct, worker_count, queue_depth
		 FROM system_snapshots WHERE taken_at >= ? ORDER BY taken_at`,
		since.UTC().Format(timeFormat))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SystemSnapshot
	for rows.Next() {
		var snap SystemSnapshot
		var ts string
		if err := rows.Scan(&ts, &snap.CPUPct, &snap.MemPct, &snap.WorkerCount, &snap.QueueDepth); err != nil {
			return nil, err
		}
		snap.TakenAt, _ = time.Parse(timeFormat, ts)
		out = append(out, snap)
	}
	return out, rows.Err()
}

// ---- stats ----

func (s *sqliteStore) Stats(ctx context.Context, window time.Duration) (Stats, error) {
	st := Stats{Window: window, Counts: map[task.Status]int{}}
	cutoff := ""
	if window > 0 {
		cutoff = time.Now().Add(-window).UTC().Format(timeFormat)
	}

	q := `SELECT status, COUNT(*) AS n FROM tasks`
	args := []any{}
	if cutoff != "" {
		q += ` WHERE created_at >= ?`
		args = append(args, cutoff)
	}
	q += ` GROUP BY status`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return st, err
	}
	for rows.Next() {
		var raw string
		var n int
		if err := rows.Scan(&raw, &n); err != nil {
			rows.Close()
			return st, err
		}
		if parsed, perr := task.ParseStatus(raw); perr == nil {
			st.Counts[parsed] = n
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return st, err
	}

	// Latency percentiles are computed in Go over the window; the row count is
	// bounded by the window so this stays cheap.
	lq := `SELECT created_at, completed_at FROM tasks WHERE completed_at IS NOT NULL`
	largs := []any{}
	if cutoff != "" {
		lq += ` AND completed_at >= ?`
		largs = append(largs, cutoff)
	}
	lrows, err := s.db.QueryContext(ctx, lq, largs...)
	if err != nil {
		return st, err
	}
	defer lrows.Close()

	var latencies []float64
	for lrows.Next() {
		var createdRaw, completedRaw string
		if err := lrows.Scan(&createdRaw, &completedRaw); err != nil {
			return st, err
		}
		created, err1 := time.Parse(timeFormat, createdRaw)
		completed, err2 := time.Parse(timeFormat, completedRaw)
		if err1 != nil || err2 != nil {
			continue
		}
		latencies = append(latencies, float64(completed.Sub(created).Milliseconds()))
	}
	if err := lrows.Err(); err != nil {
		return st, err
	}

	if len(latencies) > 0 {
		sort.Float64s(latencies)
		var sum float64
		for _, v := range latencies {
			sum += v
		}
		st.AvgLatencyMS = sum / float64(len(latencies))
		idx := (len(latencies) * 95) / 100
		if idx >= len(latencies) {
			idx = len(latencies) - 1
		}
		st.P95LatencyMS = latencies[idx]
	}
	return st, nil
}

// ---- helpers ----

func nullStr(v string) sql.NullString {
	if strings.TrimSpace(v) == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: v, Valid: true}
}

func nullTime(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(timeFormat), Valid: true}
}

func parseNullTime(v sql.NullString) time.Time {
	if !v.Valid || v.String == "" {
		return time.Time{}
	}
	t, err := time.Parse(timeFormat, v.String)
	if err != nil {
		return time.Time{}
	}
	return t
}
