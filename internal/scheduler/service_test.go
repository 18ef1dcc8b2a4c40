package scheduler

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"taskd/internal/monitor"
	"taskd/internal/storage"
	"taskd/internal/task"
	logx "taskd/pkg/logx"
)

// fakeLoad is a controllable resource sampler.
type fakeLoad struct {
	cpu atomic.Value // float64
	mem atomic.Value // float64
}

func newFakeLoad(cpu, mem float64) *fakeLoad {
	f := &fakeLoad{}
	f.set(cpu, mem)
	return f
}

func (f *fakeLoad) set(cpu, mem float64) {
	f.cpu.Store(cpu)
	f.mem.Store(mem)
}

func (f *fakeLoad) Sample(context.Context) (monitor.Load, error) {
	return monitor.Load{CPUPct: f.cpu.Load().(float64), MemPct: f.mem.Load().(float64)}, nil
}

func newTestStore(t *testing.T) storage.Store {
	t.Helper()
	store, err := storage.Open(storage.Config{
		Path: filepath.Join(t.TempDir(), "taskd.db"),
	}, logx.Logger{})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// newTestScheduler builds a started scheduler with a fast sampling tick.
func newTestScheduler(t *testing.T, cfg Config, load *fakeLoad) (*Scheduler, storage.Store) {
	t.Helper()
	store := newTestStore(t)
	if load == nil {
		load = newFakeLoad(10, 10)
	}
	mon := monitor.New(monitor.Config{SampleInterval: 20 * time.Millisecond}, load, logx.Logger{})
	s := New(cfg, store, mon, nil, NewRegistry(), logx.Logger{})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		_ = s.Stop(stopCtx)
		cancel()
	})
	if err := s.Start(ctx); err != nil {
		t.Fatalf("start scheduler: %v", err)
	}
	return s, store
}

func waitStatus(t *testing.T, store storage.Store, id string, want task.Status) *task.Task {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		got, err := store.GetTask(context.Background(), id)
		if err == nil && got.Status == want {
			return got
		}
		time.Sleep(10 * time.Millisecond)
	}
	got, err := store.GetTask(context.Background(), id)
	t.Fatalf("task %s never reached %s (last: %+v, err: %v)", id, want, got, err)
	return nil
}

func TestSubmitValidation(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	mon := monitor.New(monitor.Config{}, newFakeLoad(0, 0), logx.Logger{})
	reg := NewRegistry()
	if err := reg.Register("noop", func(context.Context, map[string]any) (any, error) { return nil, nil }); err != nil {
		t.Fatal(err)
	}
	s := New(Config{}, store, mon, nil, reg, logx.Logger{})

	neg := -1
	tests := []struct {
		name string
		req  SubmitRequest
	}{
		{name: "empty operation", req: SubmitRequest{}},
		{name: "unregistered operation", req: SubmitRequest{Operation: "missing"}},
		{name: "bad priority", req: SubmitRequest{Operation: "noop", Priority: "URGENT"}},
		{name: "negative timeout", req: SubmitRequest{Operation: "noop", Timeout: -time.Second}},
		{name: "negative retries", req: SubmitRequest{Operation: "noop", MaxRetries: &neg}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Submit(context.Background(), tt.req)
			if !IsValidation(err) {
				t.Fatalf("Submit error = %v, want validation error", err)
			}
		})
	}

	// Valid submission applies defaults.
	got, err := s.Submit(context.Background(), SubmitRequest{Operation: "noop"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if got.Priority != task.PriorityMedium {
		t.Fatalf("default priority = %v, want MEDIUM", got.Priority)
	}
	if got.Timeout != defaultTaskTimeout {
		t.Fatalf("default timeout = %v", got.Timeout)
	}
	if got.Name != "noop" {
		t.Fatalf("default name = %q", got.Name)
	}
}

func TestSubmitAfterStopRejected(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	mon := monitor.New(monitor.Config{}, newFakeLoad(0, 0), logx.Logger{})
	s := New(Config{}, store, mon, nil, NewRegistry(), logx.Logger{})
	_ = s.Stop(context.Background())
	if _, err := s.Submit(context.Background(), SubmitRequest{Operation: "noop"}); !errors.Is(err, ErrStopped) {
		t.Fatalf("Submit after Stop = %v, want ErrStopped", err)
	}
}

func TestCallerDeadlineDoesNotPauseDispatch(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	mon := monitor.New(monitor.Config{}, newFakeLoad(0, 0), logx.Logger{})
	reg := NewRegistry()
	if err := reg.Register("noop", func(context.Context, map[string]any) (any, error) { return nil, nil }); err != nil {
		t.Fatal(err)
	}
	s := New(Config{}, store, mon, nil, reg, logx.Logger{})

	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()
	if _, err := s.Submit(ctx, SubmitRequest{Operation: "noop"}); err == nil {
		t.Fatal("Submit with expired deadline must fail")
	}
	// The store is healthy; only the caller's context expired.
	if s.Snapshot().StoreDown {
		t.Fatal("expired caller deadline must not mark the store down")
	}
	if _, err := s.Submit(context.Background(), SubmitRequest{Operation: "noop"}); err != nil {
		t.Fatalf("submit after expired-deadline submit: %v", err)
	}
}

func TestTaskLifecycleSuccess(t *testing.T) {
	t.Parallel()
	s, store := newTestScheduler(t, Config{MinWorkers: 1, MaxWorkers: 2}, nil)
	if err := s.Registry().Register("double", func(_ context.Context, args map[string]any) (any, error) {
		n, _ := args["n"].(float64)
		return n * 2, nil
	}); err != nil {
		t.Fatal(err)
	}

	sub, err := s.Submit(context.Background(), SubmitRequest{
		Operation: "double",
		Args:      map[string]any{"n": float64(21)},
		Priority:  "HIGH",
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	got := waitStatus(t, store, sub.ID, task.StatusSucceeded)
	if got.AttemptCount != 1 {
		t.Fatalf("attempt_count = %d, want 1", got.AttemptCount)
	}
	if got.StartedAt.IsZero() || got.CompletedAt.IsZero() {
		t.Fatal("timestamps must be set on completion")
	}
	attempts, err := store.ListAttempts(context.Background(), sub.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(attempts) != 1 || attempts[0].Status != task.StatusSucceeded {
		t.Fatalf("attempts = %+v", attempts)
	}
}

func TestRetryExhaustion(t *testing.T) {
	t.Parallel()
	s, store := newTestScheduler(t, Config{MinWorkers: 1, MaxWorkers: 2}, nil)
	var calls atomic.Int32
	if err := s.Registry().Register("always-fails", func(context.Context, map[string]any) (any, error) {
		calls.Add(1)
		return nil, errors.New("boom")
	}); err != nil {
		t.Fatal(err)
	}

	retries := 2
	sub, err := s.Submit(context.Background(), SubmitRequest{
		Operation:  "always-fails",
		MaxRetries: &retries,
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	got := waitStatus(t, store, sub.ID, task.StatusFailed)
	if got.AttemptCount != 3 {
		t.Fatalf("attempt_count = %d, want 3 (max_retries+1)", got.AttemptCount)
	}
	if calls.Load() != 3 {
		t.Fatalf("operation ran %d times, want 3", calls.Load())
	}
	attempts, err := store.ListAttempts(context.Background(), sub.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(attempts) != 3 {
		t.Fatalf("attempt records = %d, want 3", len(attempts))
	}
	for i, a := range attempts {
		if a.Attempt != i+1 || a.Status != task.StatusFailed || a.Error == "" {
			t.Fatalf("attempt %d = %+v", i, a)
		}
	}
}

func TestPanicDoesNotConsumeAttempt(t *testing.T) {
	t.Parallel()
	s, store := newTestScheduler(t, Config{MinWorkers: 1, MaxWorkers: 2}, nil)
	var calls atomic.Int32
	if err := s.Registry().Register("flaky", func(context.Context, map[string]any) (any, error) {
		if calls.Add(1) == 1 {
			panic("worker dies")
		}
		return "ok", nil
	}); err != nil {
		t.Fatal(err)
	}

	sub, err := s.Submit(context.Background(), SubmitRequest{Operation: "flaky"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	got := waitStatus(t, store, sub.ID, task.StatusSucceeded)
	// The crashed run rolled its attempt back, so the successful run is
	// still attempt 1.
	if got.AttemptCount != 1 {
		t.Fatalf("attempt_count = %d, want 1", got.AttemptCount)
	}
	if calls.Load() != 2 {
		t.Fatalf("operation ran %d times, want 2", calls.Load())
	}
	if s.Snapshot().WorkerCrashes != 1 {
		t.Fatalf("WorkerCrashes = %d, want 1", s.Snapshot().WorkerCrashes)
	}
}

func TestTimeoutMarksTimedOut(t *testing.T) {
	t.Parallel()
	s, store := newTestScheduler(t, Config{MinWorkers: 1, MaxWorkers: 2}, nil)
	if err := s.Registry().Register("slow", func(ctx context.Context, _ map[string]any) (any, error) {
		select {
		case <-time.After(10 * time.Second):
			return "done", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}); err != nil {
		t.Fatal(err)
	}

	sub, err := s.Submit(context.Background(), SubmitRequest{
		Operation: "slow",
		Timeout:   50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	got := waitStatus(t, store, sub.ID, task.StatusTimedOut)
	if got.Error == "" {
		t.Fatal("timed out task must carry an error")
	}
	attempts, err := store.ListAttempts(context.Background(), sub.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(attempts) != 1 || attempts[0].Status != task.StatusTimedOut {
		t.Fatalf("attempts = %+v", attempts)
	}
}

// gate lets a test hold a worker busy until released.
type gate struct {
	release chan struct{}
	once    sync.Once
	running chan struct{}
}

func newGate() *gate {
	return &gate{release: make(chan struct{}), running: make(chan struct{}, 16)}
}

func (g *gate) open() { g.once.Do(func() { close(g.release) }) }

func (g *gate) op(ctx context.Context, _ map[string]any) (any, error) {
	g.running <- struct{}{}
	select {
	case <-g.release:
		return "released", nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestCancelSemantics(t *testing.T) {
	t.Parallel()
	s, store := newTestScheduler(t, Config{MinWorkers: 1, MaxWorkers: 1}, nil)
	g := newGate()
	if err := s.Registry().Register("block", g.op); err != nil {
		t.Fatal(err)
	}
	if err := s.Registry().Register("noop", func(context.Context, map[string]any) (any, error) { return nil, nil }); err != nil {
		t.Fatal(err)
	}
	defer g.open()

	blocker, err := s.Submit(context.Background(), SubmitRequest{Operation: "block"})
	if err != nil {
		t.Fatal(err)
	}
	<-g.running // the only worker is now busy

	victim, err := s.Submit(context.Background(), SubmitRequest{Operation: "noop"})
	if err != nil {
		t.Fatal(err)
	}

	ok, err := s.Cancel(context.Background(), victim.ID)
	if err != nil || !ok {
		t.Fatalf("Cancel(queued) = %v, %v; want true", ok, err)
	}
	got, err := store.GetTask(context.Background(), victim.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != task.StatusCancelled {
		t.Fatalf("status = %s, want CANCELLED", got.Status)
	}

	// Second cancel of the same task is a no-op.
	ok, err = s.Cancel(context.Background(), victim.ID)
	if err != nil || ok {
		t.Fatalf("second Cancel = %v, %v; want false, nil", ok, err)
	}

	// A running task is not cancellable.
	ok, err = s.Cancel(context.Background(), blocker.ID)
	if err != nil || ok {
		t.Fatalf("Cancel(running) = %v, %v; want false, nil", ok, err)
	}

	// Unknown IDs surface ErrNotFound.
	if _, err := s.Cancel(context.Background(), "no-such-id"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("Cancel(unknown) error = %v, want ErrNotFound", err)
	}

	g.open()
	waitStatus(t, store, blocker.ID, task.StatusSucceeded)
}

func TestCriticalDispatchesBeforeBatchBacklog(t *testing.T) {
	t.Parallel()
	s, store := newTestScheduler(t, Config{MinWorkers: 1, MaxWorkers: 1}, nil)

	g := newGate()
	var mu sync.Mutex
	var order []string
	if err := s.Registry().Register("block", g.op); err != nil {
		t.Fatal(err)
	}
	if err := s.Registry().Register("record", func(_ context.Context, args map[string]any) (any, error) {
		mu.Lock()
		order = append(order, args["id"].(string))
		mu.Unlock()
		return nil, nil
	}); err != nil {
		t.Fatal(err)
	}
	defer g.open()

	// Hold the single worker so everything below queues up.
	blocker, err := s.Submit(context.Background(), SubmitRequest{Operation: "block"})
	if err != nil {
		t.Fatal(err)
	}
	<-g.running

	var batch []*task.Task
	for i := 0; i < 50; i++ {
		b, err := s.Submit(context.Background(), SubmitRequest{
			Operation: "record",
			Args:      map[string]any{"id": fmt.Sprintf("batch-%d", i)},
			Priority:  "BATCH",
		})
		if err != nil {
			t.Fatal(err)
		}
		batch = append(batch, b)
	}
	crit, err := s.Submit(context.Background(), SubmitRequest{
		Operation: "record",
		Args:      map[string]any{"id": "critical"},
		Priority:  "CRITICAL",
	})
	if err != nil {
		t.Fatal(err)
	}

	g.open()
	waitStatus(t, store, blocker.ID, task.StatusSucceeded)
	waitStatus(t, store, crit.ID, task.StatusSucceeded)
	for _, b := range batch {
		waitStatus(t, store, b.ID, task.StatusSucceeded)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 51 {
		t.Fatalf("recorded %d executions, want 51", len(order))
	}
	if order[0] != "critical" {
		t.Fatalf("first dispatched = %s, want critical", order[0])
	}
	for i := 1; i < len(order); i++ {
		want := fmt.Sprintf("batch-%d", i-1)
		if order[i] != want {
			t.Fatalf("order[%d] = %s, want %s (FIFO within band)", i, order[i], want)
		}
	}
}

func TestBackpressurePausesDispatch(t *testing.T) {
	t.Parallel()
	load := newFakeLoad(95, 10)
	s, store := newTestScheduler(t, Config{MinWorkers: 1, MaxWorkers: 2}, load)
	if err := s.Registry().Register("noop", func(context.Context, map[string]any) (any, error) { return nil, nil }); err != nil {
		t.Fatal(err)
	}

	// Let the first sample land so backpressure is armed before submission.
	time.Sleep(50 * time.Millisecond)
	sub, err := s.Submit(context.Background(), SubmitRequest{Operation: "noop"})
	if err != nil {
		t.Fatal(err)
	}

	// Several sampling ticks pass; the task must stay queued.
	time.Sleep(150 * time.Millisecond)
	got, err := store.GetTask(context.Background(), sub.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != task.StatusPending {
		t.Fatalf("status under overload = %s, want PENDING", got.Status)
	}

	load.set(10, 10)
	waitStatus(t, store, sub.ID, task.StatusSucceeded)
}

func TestRecoveryRequeuesOrphans(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	pending := &task.Task{
		ID: "t-pending", Name: "a", Operation: "noop",
		Priority: task.PriorityMedium, Status: task.StatusPending,
		Timeout: time.Minute, CreatedAt: time.Now(),
	}
	orphan := &task.Task{
		ID: "t-orphan", Name: "b", Operation: "noop",
		Priority: task.PriorityHigh, Status: task.StatusRunning,
		AttemptCount: 1, Timeout: time.Minute,
		CreatedAt: time.Now(), StartedAt: time.Now(),
	}
	for _, tk := range []*task.Task{pending, orphan} {
		if err := store.CreateTask(ctx, tk); err != nil {
			t.Fatal(err)
		}
	}

	mon := monitor.New(monitor.Config{}, newFakeLoad(0, 0), logx.Logger{})
	s := New(Config{}, store, mon, nil, NewRegistry(), logx.Logger{})
	if err := s.recover(ctx); err != nil {
		t.Fatalf("recover: %v", err)
	}

	if s.q.Len() != 2 {
		t.Fatalf("queue len = %d, want 2", s.q.Len())
	}
	got, err := store.GetTask(ctx, orphan.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != task.StatusPending {
		t.Fatalf("orphan status = %s, want PENDING", got.Status)
	}
	// The interrupted attempt is not consumed.
	if got.AttemptCount != 0 {
		t.Fatalf("orphan attempt_count = %d, want 0", got.AttemptCount)
	}
	// HIGH orphan dispatches before the MEDIUM pending task.
	if first := s.q.Pop(); first.ID != orphan.ID {
		t.Fatalf("first queued = %s, want %s", first.ID, orphan.ID)
	}
}

func TestStatsIncludesLiveGauges(t *testing.T) {
	t.Parallel()
	s, _ := newTestScheduler(t, Config{MinWorkers: 2, MaxWorkers: 4}, nil)
	if err := s.Registry().Register("noop", func(context.Context, map[string]any) (any, error) { return nil, nil }); err != nil {
		t.Fatal(err)
	}
	sub, err := s.Submit(context.Background(), SubmitRequest{Operation: "noop"})
	if err != nil {
		t.Fatal(err)
	}
	waitStatus(t, s.store, sub.ID, task.StatusSucceeded)

	res, err := s.Stats(context.Background(), time.Hour)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if res.WorkerCount != 2 {
		t.Fatalf("WorkerCount = %d, want 2 (min workers)", res.WorkerCount)
	}
	if res.Counts[task.StatusSucceeded] != 1 {
		t.Fatalf("succeeded count = %d, want 1", res.Counts[task.StatusSucceeded])
	}
}
