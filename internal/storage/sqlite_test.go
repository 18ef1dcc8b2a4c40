package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskd/internal/task"
	logx "taskd/pkg/logx"
)

func newStore(t *testing.T) Store {
	t.Helper()
	store, err := Open(Config{Path: filepath.Join(t.TempDir(), "test.db")}, logx.Logger{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func sampleTask(id string) *task.Task {
	return &task.Task{
		ID:         id,
		Name:       "sample",
		Operation:  "noop",
		Args:       map[string]any{"n": float64(42), "s": "x"},
		Priority:   task.PriorityHigh,
		Status:     task.StatusPending,
		MaxRetries: 2,
		Timeout:    90 * time.Second,
		CreatedAt:  time.Now(),
	}
}

func TestCreateGetRoundtrip(t *testing.T) {
	t.Parallel()
	store := newStore(t)
	ctx := context.Background()

	in := sampleTask("t1")
	require.NoError(t, store.CreateTask(ctx, in))

	got, err := store.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, in.ID, got.ID)
	assert.Equal(t, in.Operation, got.Operation)
	assert.Equal(t, in.Args, got.Args)
	assert.Equal(t, task.PriorityHigh, got.Priority)
	assert.Equal(t, task.StatusPending, got.Status)
	assert.Equal(t, 2, got.MaxRetries)
	assert.Equal(t, 90*time.Second, got.Timeout)
	assert.WithinDuration(t, in.CreatedAt, got.CreatedAt, time.Millisecond)
	assert.True(t, got.StartedAt.IsZero())
}

func TestGetUnknownReturnsNotFound(t *testing.T) {
	t.Parallel()
	store := newStore(t)
	_, err := store.GetTask(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateTask(t *testing.T) {
	t.Parallel()
	store := newStore(t)
	ctx := context.Background()

	in := sampleTask("t1")
	require.NoError(t, store.CreateTask(ctx, in))

	in.Status = task.StatusSucceeded
	in.AttemptCount = 1
	in.StartedAt = time.Now()
	in.CompletedAt = time.Now()
	in.Result = map[string]any{"ok": true}
	require.NoError(t, store.UpdateTask(ctx, in))

	got, err := store.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, task.StatusSucceeded, got.Status)
	assert.Equal(t, 1, got.AttemptCount)
	assert.Equal(t, map[string]any{"ok": true}, got.Result)
	assert.False(t, got.CompletedAt.IsZero())

	err = store.UpdateTask(ctx, sampleTask("ghost"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListByStatusOrdersByCreation(t *testing.T) {
	t.Parallel()
	store := newStore(t)
	ctx := context.Background()

	base := time.Now()
	for i, id := range []string{"old", "mid", "new"} {
		tk := sampleTask(id)
		tk.CreatedAt = base.Add(time.Duration(i) * time.Second)
		require.NoError(t, store.CreateTask(ctx, tk))
	}
	done := sampleTask("done")
	done.Status = task.StatusSucceeded
	require.NoError(t, store.CreateTask(ctx, done))

	got, err := store.ListByStatus(ctx, task.StatusPending)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "old", got[0].ID)
	assert.Equal(t, "new", got[2].ID)

	both, err := store.ListByStatus(ctx, task.StatusPending, task.StatusSucceeded)
	require.NoError(t, err)
	assert.Len(t, both, 4)

	none, err := store.ListByStatus(ctx)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestAttemptRecordsUpsert(t *testing.T) {
	t.Parallel()
	store := newStore(t)
	ctx := context.Background()
	require.NoError(t, store.CreateTask(ctx, sampleTask("t1")))

	started := time.Now()
	rec := AttemptRecord{
		TaskID:     "t1",
		Attempt:    1,
		Status:     task.StatusFailed,
		StartedAt:  started,
		FinishedAt: started.Add(time.Second),
		Duration:   time.Second,
		Error:      "boom",
	}
	require.NoError(t, store.RecordAttempt(ctx, rec))

	rec2 := rec
	rec2.Attempt = 2
	rec2.Status = task.StatusSucceeded
	rec2.Error = ""
	require.NoError(t, store.RecordAttempt(ctx, rec2))

	// Re-recording the same attempt replaces it instead of duplicating.
	rec.Error = "boom again"
	require.NoError(t, store.RecordAttempt(ctx, rec))

	got, err := store.ListAttempts(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 1, got[0].Attempt)
	assert.Equal(t, "boom again", got[0].Error)
	assert.Equal(t, task.StatusSucceeded, got[1].Status)
	assert.Equal(t, time.Second, got[0].Duration)
}

func TestSnapshotsSinceFilter(t *testing.T) {
	t.Parallel()
	store := newStore(t)
	ctx := context.Background()

	now := time.Now()
	old := SystemSnapshot{TakenAt: now.Add(-2 * time.Hour), CPUPct: 10, WorkerCount: 2}
	recent := SystemSnapshot{TakenAt: now.Add(-time.Minute), CPUPct: 80, MemPct: 40, WorkerCount: 6, QueueDepth: 12}
	require.NoError(t, store.AppendSnapshot(ctx, old))
	require.NoError(t, store.AppendSnapshot(ctx, recent))

	got, err := store.ListSnapshots(ctx, now.Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 80.0, got[0].CPUPct)
	assert.Equal(t, 6, got[0].WorkerCount)
	assert.Equal(t, 12, got[0].QueueDepth)

	all, err := store.ListSnapshots(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestStatsWindow(t *testing.T) {
	t.Parallel()
	store := newStore(t)
	ctx := context.Background()

	now := time.Now()
	mk := func(id string, st task.Status, created time.Time, latency time.Duration) {
		tk := sampleTask(id)
		tk.Status = st
		tk.CreatedAt = created
		if st.Terminal() {
			tk.CompletedAt = created.Add(latency)
		}
		require.NoError(t, store.CreateTask(ctx, tk))
	}

	mk("s1", task.StatusSucceeded, now.Add(-time.Minute), 100*time.Millisecond)
	mk("s2", task.StatusSucceeded, now.Add(-time.Minute), 300*time.Millisecond)
	mk("f1", task.StatusFailed, now.Add(-time.Minute), 200*time.Millisecond)
	mk("p1", task.StatusPending, now.Add(-time.Minute), 0)
	mk("ancient", task.StatusSucceeded, now.Add(-3*time.Hour), time.Second)

	st, err := store.Stats(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 2, st.Counts[task.StatusSucceeded])
	assert.Equal(t, 1, st.Counts[task.StatusFailed])
	assert.Equal(t, 1, st.Counts[task.StatusPending])
	assert.InDelta(t, 200, st.AvgLatencyMS, 5)
	assert.GreaterOrEqual(t, st.P95LatencyMS, st.AvgLatencyMS)

	// Window 0 means all history.
	all, err := store.Stats(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, all.Counts[task.StatusSucceeded])
}

func TestPing(t *testing.T) {
	t.Parallel()
	store := newStore(t)
	assert.NoError(t, store.Ping(context.Background()))
}
