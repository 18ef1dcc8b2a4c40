package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"taskd/internal/eventbus"
	"taskd/internal/storage"
	"taskd/internal/task"
	"taskd/pkg/logx"
)

// outcome of a single operation invocation.
type attemptOutcome struct {
	result   any
	err      error
	panicked bool
	panicVal any
}

// execute runs one attempt of t and reports the completion back to the
// control loop. The attempt number was already assigned at dispatch time.
// Terminal task states and attempt records are persisted here; requeue
// transitions are persisted by the control loop, which owns the queue.
func (s *Scheduler) execute(ctx context.Context, t *task.Task) {
	log := s.log.With(
		logx.String("task_id", t.ID),
		logx.String("operation", t.Operation),
		logx.Int("attempt", t.AttemptCount),
	)

	started := time.Now()
	out := s.invoke(ctx, t)
	elapsed := time.Since(started)

	c := completion{t: t}
	switch {
	case out.panicked:
		// A crash is not an attempt: the task goes back to PENDING with
		// its attempt counter rolled back, preserving at-least-once.
		s.pool.crashes.Add(1)
		log.Error("worker crashed executing task",
			logx.Any("panic", out.panicVal),
			logx.Duration("elapsed", elapsed),
		)
		s.bus.Publish(eventbus.Event{
			Type: eventbus.TypeWorkerCrashed,
			Time: time.Now(),
			Data: map[string]any{"task_id": t.ID, "panic": fmt.Sprint(out.panicVal)},
		})
		c.requeue = true
		c.crashed = true

	case out.err == nil:
		t.Status = task.StatusSucceeded
		t.Result = out.result
		t.Error = ""
		t.CompletedAt = time.Now()
		c.storeErr = s.persistAttempt(ctx, t, started, elapsed, task.StatusSucceeded, "")
		if err := s.store.UpdateTask(ctx, t); err != nil {
			c.storeErr = err
		}
		log.Info("task succeeded", logx.Duration("elapsed", elapsed))
		s.publishTask(eventbus.TypeTaskFinished, t)

	default:
		status := task.StatusFailed
		evType := eventbus.TypeTaskFailed
		if errors.Is(out.err, context.DeadlineExceeded) {
			status = task.StatusTimedOut
			evType = eventbus.TypeTaskTimedOut
		}
		t.Error = out.err.Error()
		c.storeErr = s.persistAttempt(ctx, t, started, elapsed, status, t.Error)

		if t.RetriesLeft() {
			// Control loop flips the status to PENDING and requeues.
			log.Warn("task attempt failed, will retry",
				logx.String("attempt_status", string(status)),
				logx.Err(out.err),
				logx.Int("max_retries", t.MaxRetries),
				logx.Duration("elapsed", elapsed),
			)
			c.requeue = true
		} else {
			t.Status = status
			t.CompletedAt = time.Now()
			if err := s.store.UpdateTask(ctx, t); err != nil {
				c.storeErr = err
			}
			log.Warn("task reached terminal state",
				logx.String("status", string(status)),
				logx.Err(out.err),
				logx.Duration("elapsed", elapsed),
			)
			s.publishTask(evType, t)
		}
	}

	select {
	case s.completions <- c:
	case <-ctx.Done():
	}
}

// invoke runs the operation in its own goroutine so the timeout is hard:
// an operation that ignores its context still loses its slot when the
// deadline passes, and its eventual return value is discarded.
func (s *Scheduler) invoke(ctx context.Context, t *task.Task) attemptOutcome {
	op, ok := s.registry.Get(t.Operation)
	if !ok {
		return attemptOutcome{err: fmt.Errorf("operation %q not registered", t.Operation)}
	}

	rctx := ctx
	var cancel context.CancelFunc
	if t.Timeout > 0 {
		rctx, cancel = context.WithTimeout(ctx, t.Timeout)
		defer cancel()
	}

	done := make(chan attemptOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				s.log.Debug("operation panic trace",
					logx.String("task_id", t.ID),
					logx.String("stack", string(debug.Stack())),
				)
				done <- attemptOutcome{panicked: true, panicVal: r}
			}
		}()
		res, err := op(rctx, t.Args)
		done <- attemptOutcome{result: res, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil && rctx.Err() == context.DeadlineExceeded {
			out.err = fmt.Errorf("%w: %v", context.DeadlineExceeded, out.err)
		}
		return out
	case <-rctx.Done():
		if rctx.Err() == context.DeadlineExceeded {
			return attemptOutcome{err: fmt.Errorf("%w after %s", context.DeadlineExceeded, t.Timeout)}
		}
		return attemptOutcome{err: rctx.Err()}
	}
}

func (s *Scheduler) persistAttempt(ctx context.Context, t *task.Task, started time.Time, elapsed time.Duration, status task.Status, errMsg string) error {
	rec := storage.AttemptRecord{
		TaskID:     t.ID,
		Attempt:    t.AttemptCount,
		Status:     status,
		StartedAt:  started,
		FinishedAt: started.Add(elapsed),
		Duration:   elapsed,
		Error:      errMsg,
	}
	if err := s.store.RecordAttempt(ctx, rec); err != nil {
		s.log.Error("persist attempt record", logx.String("task_id", t.ID), logx.Err(err))
		return err
	}
	return nil
}

func (s *Scheduler) publishTask(evType string, t *task.Task) {
	s.bus.Publish(eventbus.Event{
		Type: evType,
		Time: time.Now(),
		Data: map[string]any{
			"task_id":   t.ID,
			"name":      t.Name,
			"operation": t.Operation,
			"status":    string(t.Status),
			"attempt":   t.AttemptCount,
		},
	})
}
