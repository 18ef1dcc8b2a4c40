package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"taskd/internal/eventbus"
	"taskd/internal/monitor"
	"taskd/internal/queue"
	"taskd/internal/runtime/supervisor"
	"taskd/internal/storage"
	"taskd/internal/task"
	logx "taskd/pkg/logx"
)

// Scheduler owns the pending queue, the worker pool, and every task state
// transition. A single control goroutine serializes queue mutation and
// dispatch; workers communicate back through the completions channel, so no
// lock is shared between dispatch decisions and task execution.
type Scheduler struct {
	log      logx.Logger
	bus      eventbus.Bus
	store    storage.Store
	mon      *monitor.Monitor
	registry *Registry

	mu  sync.Mutex
	cfg Config

	q    *queue.PriorityQueue
	pool *pool
	cron *scheduleRunner

	wake        chan struct{}
	completions chan completion

	sup *supervisor.Supervisor

	started   atomic.Bool
	stopped   atomic.Bool
	storeDown atomic.Bool
}

func New(cfg Config, store storage.Store, mon *monitor.Monitor, bus eventbus.Bus, reg *Registry, log logx.Logger) *Scheduler {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.New()
	}
	if reg == nil {
		reg = NewRegistry()
	}
	s := &Scheduler{
		log:         log.With(logx.String("component", "scheduler")),
		bus:         bus,
		store:       store,
		mon:         mon,
		registry:    reg,
		cfg:         cfg,
		q:           queue.New(),
		wake:        make(chan struct{}, 1),
		completions: make(chan completion, cfg.MaxWorkers*completionChanPadding),
	}
	s.pool = newPool(cfg, bus, s.log)
	s.cron = newScheduleRunner(s)
	return s
}

func (s *Scheduler) Registry() *Registry { return s.registry }

// Start recovers persisted work, then launches the monitor, the control
// loop, the worker pool, and recurring schedules under one supervisor.
func (s *Scheduler) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return errors.New("scheduler already started")
	}

	if err := s.recover(ctx); err != nil {
		return fmt.Errorf("recover persisted tasks: %w", err)
	}

	s.sup = supervisor.New(ctx, supervisor.WithLogger(s.log))

	s.sup.GoRestart("scheduler.monitor", s.mon.Run)
	s.sup.GoRestart("scheduler.control", s.run)
	for i := 0; i < s.poolMax(); i++ {
		s.sup.GoRestart(fmt.Sprintf("scheduler.worker.%d", i), func(ctx context.Context) error {
			s.pool.worker(ctx, s.execute)
			return nil
		})
	}
	s.cron.start()

	s.log.Info("scheduler started",
		logx.Int("min_workers", s.cfg.MinWorkers),
		logx.Int("max_workers", s.cfg.MaxWorkers),
		logx.Int("recovered", s.q.Len()),
	)
	return nil
}

// Stop halts dispatch and waits for in-flight tasks to finish or ctx to
// expire. Queued tasks stay PENDING in the store and are picked up on the
// next start.
func (s *Scheduler) Stop(ctx context.Context) error {
	if !s.stopped.CompareAndSwap(false, true) {
		return nil
	}
	s.cron.stop()
	if s.sup == nil {
		return nil
	}
	err := s.sup.Stop(ctx)
	s.log.Info("scheduler stopped", logx.Int("queued", s.q.Len()))
	return err
}

// recover reloads unfinished work after a restart. Tasks stuck in RUNNING
// belonged to a dead process; they go back to PENDING without consuming an
// attempt, the same rule as a worker crash.
func (s *Scheduler) recover(ctx context.Context) error {
	tasks, err := s.store.ListByStatus(ctx, task.StatusPending, task.StatusRunning)
	if err != nil {
		return err
	}
	var orphans int
	for _, t := range tasks {
		if t.Status == task.StatusRunning {
			orphans++
			t.Status = task.StatusPending
			t.StartedAt = time.Time{}
			if t.AttemptCount > 0 {
				t.AttemptCount--
			}
			if err := s.store.UpdateTask(ctx, t); err != nil {
				return err
			}
		}
		s.q.Push(t)
	}
	if len(tasks) > 0 {
		s.log.Info("recovered unfinished tasks",
			logx.Int("pending", len(tasks)-orphans),
			logx.Int("orphaned_running", orphans),
		)
	}
	return nil
}

// Submit validates, persists, and enqueues one task. Validation failures are
// synchronous and leave no trace; a store write failure rejects the
// submission entirely, it is never accepted on a best-effort basis.
func (s *Scheduler) Submit(ctx context.Context, req SubmitRequest) (*task.Task, error) {
	if s.stopped.Load() {
		return nil, ErrStopped
	}
	t, err := s.buildTask(req)
	if err != nil {
		return nil, err
	}
	if err := s.store.CreateTask(ctx, t); err != nil {
		s.markStoreDown(err)
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	s.q.Push(t)
	s.kick()
	s.publishTask(eventbus.TypeTaskSubmitted, t)
	s.log.Debug("task submitted",
		logx.String("task_id", t.ID),
		logx.String("operation", t.Operation),
		logx.String("priority", t.Priority.String()),
	)
	// Workers mutate the queued task; callers get a detached copy.
	cp := *t
	return &cp, nil
}

func (s *Scheduler) buildTask(req SubmitRequest) (*task.Task, error) {
	if req.Operation == "" {
		return nil, validationErr("operation", "must not be empty")
	}
	if _, ok := s.registry.Get(req.Operation); !ok {
		return nil, validationErr("operation", fmt.Sprintf("%q is not registered", req.Operation))
	}
	prio, err := task.ParsePriority(req.Priority)
	if err != nil {
		return nil, validationErr("priority", err.Error())
	}
	if req.Timeout < 0 {
		return nil, validationErr("timeout", "must be positive")
	}

	s.mu.Lock()
	timeout := s.cfg.DefaultTimeout
	maxRetries := s.cfg.DefaultMaxRetries
	s.mu.Unlock()
	if req.Timeout > 0 {
		timeout = req.Timeout
	}
	if req.MaxRetries != nil {
		if *req.MaxRetries < 0 {
			return nil, validationErr("max_retries", "must not be negative")
		}
		maxRetries = *req.MaxRetries
	}
	name := req.Name
	if name == "" {
		name = req.Operation
	}

	return &task.Task{
		ID:         uuid.NewString(),
		Name:       name,
		Operation:  req.Operation,
		Args:       req.Args,
		Priority:   prio,
		Status:     task.StatusPending,
		MaxRetries: maxRetries,
		Timeout:    timeout,
		CreatedAt:  time.Now(),
	}, nil
}

// Cancel removes a still-queued task. It returns false for tasks that are
// running, finished, or already cancelled: execution is never preempted.
// Cancelling the same task twice returns false the second time.
func (s *Scheduler) Cancel(ctx context.Context, id string) (bool, error) {
	t := s.q.Take(id)
	if t == nil {
		// Not queued. Distinguish unknown from non-cancellable.
		if _, err := s.store.GetTask(ctx, id); err != nil {
			return false, err
		}
		return false, nil
	}
	t.Status = task.StatusCancelled
	t.CompletedAt = time.Now()
	if err := s.store.UpdateTask(ctx, t); err != nil {
		// Store refused the transition: put the task back untouched.
		t.Status = task.StatusPending
		t.CompletedAt = time.Time{}
		s.q.Push(t)
		s.markStoreDown(err)
		return false, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	s.publishTask(eventbus.TypeTaskCancelled, t)
	s.log.Info("task cancelled", logx.String("task_id", t.ID))
	return true, nil
}

// Task returns the persisted task and its attempt history.
func (s *Scheduler) Task(ctx context.Context, id string) (*task.Task, []storage.AttemptRecord, error) {
	t, err := s.store.GetTask(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	attempts, err := s.store.ListAttempts(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return t, attempts, nil
}

// ListTasks returns persisted tasks in the given status, oldest first.
func (s *Scheduler) ListTasks(ctx context.Context, statuses ...task.Status) ([]*task.Task, error) {
	return s.store.ListByStatus(ctx, statuses...)
}

// SnapshotHistory returns persisted utilization samples taken since the
// given time.
func (s *Scheduler) SnapshotHistory(ctx context.Context, since time.Time) ([]storage.SystemSnapshot, error) {
	return s.store.ListSnapshots(ctx, since)
}

// Stats merges durable window statistics with live gauges.
func (s *Scheduler) Stats(ctx context.Context, window time.Duration) (StatsResult, error) {
	st, err := s.store.Stats(ctx, window)
	if err != nil {
		return StatsResult{}, err
	}
	load := s.mon.Load()
	res := StatsResult{
		Stats:       st,
		QueueDepth:  s.q.Len(),
		WorkerCount: s.pool.activeLimit(),
		BusyWorkers: s.pool.busy(),
		CPUPct:      load.CPUPct,
		MemPct:      load.MemPct,
	}
	if res.WorkerCount > 0 {
		res.WorkerUtilization = float64(res.BusyWorkers) / float64(res.WorkerCount)
	}
	return res, nil
}

// Snapshot is the live view used by the dashboard endpoint.
func (s *Scheduler) Snapshot() Snapshot {
	return Snapshot{
		ActiveWorkers: s.pool.activeLimit(),
		BusyWorkers:   s.pool.busy(),
		IdleWorkers:   s.pool.idle(),
		QueueDepth:    s.q.Len(),
		QueueDepths:   s.q.Depths(),
		Load:          s.mon.Load(),
		Overloaded:    s.mon.Overloaded(),
		StoreDown:     s.storeDown.Load(),
		WorkerCrashes: s.pool.crashCount(),
	}
}

// Apply updates pool bounds and submission defaults at runtime.
func (s *Scheduler) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
	s.pool.apply(cfg)
	s.kick()
	s.log.Info("scheduler config applied",
		logx.Int("min_workers", cfg.MinWorkers),
		logx.Int("max_workers", cfg.MaxWorkers),
		logx.Int("backlog_factor", cfg.BacklogFactor),
	)
}

func (s *Scheduler) poolMax() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.MaxWorkers
}

func (s *Scheduler) snapshotEvery() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.SnapshotEvery
}

// kick nudges the control loop without blocking.
func (s *Scheduler) kick() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// run is the control loop: the only goroutine that pops the queue, assigns
// attempt numbers, and hands work to the pool.
func (s *Scheduler) run(ctx context.Context) error {
	tick := time.NewTicker(s.mon.Interval())
	defer tick.Stop()

	ticks := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case c := <-s.completions:
			s.handleCompletion(ctx, c)
			s.dispatchReady(ctx)
		case <-s.wake:
			s.dispatchReady(ctx)
		case <-tick.C:
			ticks++
			s.probeStore(ctx)
			s.pool.evaluate(s.mon.Load(), s.mon.Overloaded(), s.mon.Headroom(), s.q.Len())
			if ticks%s.snapshotEvery() == 0 {
				s.appendSnapshot(ctx)
			}
			s.dispatchReady(ctx)
			tick.Reset(s.mon.Interval())
		}
	}
}

// dispatchReady drains the queue into idle workers until backpressure, store
// failure, worker exhaustion, or an empty queue stops it. The RUNNING
// transition is persisted before the task reaches a worker; if that write
// fails the task returns to the queue untouched and dispatch pauses.
func (s *Scheduler) dispatchReady(ctx context.Context) {
	for {
		if s.storeDown.Load() || s.mon.Overloaded() {
			return
		}
		if s.q.Len() == 0 {
			return
		}
		slot := s.pool.claim()
		if slot == nil {
			return
		}
		t := s.q.Pop()
		if t == nil {
			s.pool.hand(slot, nil)
			return
		}

		t.Status = task.StatusRunning
		t.StartedAt = time.Now()
		t.AttemptCount++
		if err := s.store.UpdateTask(ctx, t); err != nil {
			t.Status = task.StatusPending
			t.StartedAt = time.Time{}
			t.AttemptCount--
			s.q.Push(t)
			s.pool.hand(slot, nil)
			s.markStoreDown(err)
			return
		}
		s.publishTask(eventbus.TypeTaskStarted, t)
		s.pool.hand(slot, t)
	}
}

// handleCompletion owns the requeue path. Terminal transitions were already
// persisted by the worker.
func (s *Scheduler) handleCompletion(ctx context.Context, c completion) {
	if c.storeErr != nil {
		s.markStoreDown(c.storeErr)
	}
	if !c.requeue {
		return
	}
	t := c.t
	if c.crashed && t.AttemptCount > 0 {
		t.AttemptCount--
	}
	t.Status = task.StatusPending
	t.StartedAt = time.Time{}
	if err := s.store.UpdateTask(ctx, t); err != nil {
		// The task still requeues in memory; the store shows the previous
		// state until it recovers, and a restart would recover it anyway.
		s.markStoreDown(err)
	}
	s.q.Push(t)
	s.publishTask(eventbus.TypeTaskRequeued, t)
}

func (s *Scheduler) appendSnapshot(ctx context.Context) {
	if s.storeDown.Load() {
		return
	}
	load := s.mon.Load()
	snap := storage.SystemSnapshot{
		TakenAt:     time.Now(),
		CPUPct:      load.CPUPct,
		MemPct:      load.MemPct,
		WorkerCount: s.pool.activeLimit(),
		QueueDepth:  s.q.Len(),
	}
	if err := s.store.AppendSnapshot(ctx, snap); err != nil {
		s.markStoreDown(err)
	}
}

func (s *Scheduler) markStoreDown(err error) {
	// Caller context errors say nothing about store health: a cancelled or
	// expired request must not pause dispatch for everyone else.
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return
	}
	if s.storeDown.CompareAndSwap(false, true) {
		s.log.Error("task store unavailable, dispatch paused", logx.Err(err))
	}
}

func (s *Scheduler) probeStore(ctx context.Context) {
	if !s.storeDown.Load() {
		return
	}
	if err := s.store.Ping(ctx); err != nil {
		return
	}
	s.storeDown.Store(false)
	s.log.Info("task store recovered, dispatch resumed")
}
