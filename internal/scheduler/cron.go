package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "taskd/pkg/logx"
)

// ScheduleSpec is a recurring submission: at every cron firing, one task is
// submitted through the normal Submit path with all of its validation.
type ScheduleSpec struct {
	Name       string
	Cron       string
	Operation  string
	Args       map[string]any
	Priority   string
	Timeout    time.Duration
	MaxRetries *int
}

// ScheduleInfo describes one installed schedule.
type ScheduleInfo struct {
	Name      string    `json:"name"`
	Cron      string    `json:"cron"`
	Operation string    `json:"operation"`
	Next      time.Time `json:"next"`
	Prev      time.Time `json:"prev,omitempty"`
}

// scheduleRunner wraps the cron engine. Schedules are keyed by name;
// re-adding a name replaces the previous entry.
type scheduleRunner struct {
	s *Scheduler

	mu      sync.Mutex
	c       *cron.Cron
	entries map[string]cron.EntryID
	specs   map[string]ScheduleSpec
}

func newScheduleRunner(s *Scheduler) *scheduleRunner {
	return &scheduleRunner{
		s:       s,
		c:       cron.New(),
		entries: map[string]cron.EntryID{},
		specs:   map[string]ScheduleSpec{},
	}
}

func (r *scheduleRunner) start() { r.c.Start() }

func (r *scheduleRunner) stop() {
	// Stop returns once in-flight jobs finish; fire-and-forget Submits are
	// fast, so no timeout is needed here.
	<-r.c.Stop().Done()
}

func (r *scheduleRunner) add(spec ScheduleSpec) error {
	if spec.Name == "" {
		return validationErr("schedule.name", "must not be empty")
	}
	if spec.Operation == "" {
		return validationErr("schedule.operation", "must not be empty")
	}
	id, err := r.c.AddFunc(spec.Cron, func() { r.fire(spec) })
	if err != nil {
		return validationErr("schedule.cron", err.Error())
	}

	r.mu.Lock()
	if old, ok := r.entries[spec.Name]; ok {
		r.c.Remove(old)
	}
	r.entries[spec.Name] = id
	r.specs[spec.Name] = spec
	r.mu.Unlock()
	return nil
}

func (r *scheduleRunner) remove(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.entries[name]
	if !ok {
		return false
	}
	r.c.Remove(id)
	delete(r.entries, name)
	delete(r.specs, name)
	return true
}

func (r *scheduleRunner) fire(spec ScheduleSpec) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	t, err := r.s.Submit(ctx, SubmitRequest{
		Name:       spec.Name,
		Operation:  spec.Operation,
		Args:       spec.Args,
		Priority:   spec.Priority,
		Timeout:    spec.Timeout,
		MaxRetries: spec.MaxRetries,
	})
	if err != nil {
		r.s.log.Warn("scheduled submission failed",
			logx.String("schedule", spec.Name),
			logx.Err(err),
		)
		return
	}
	r.s.log.Debug("scheduled task submitted",
		logx.String("schedule", spec.Name),
		logx.String("task_id", t.ID),
	)
}

func (r *scheduleRunner) list() []ScheduleInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ScheduleInfo, 0, len(r.entries))
	for name, id := range r.entries {
		e := r.c.Entry(id)
		spec := r.specs[name]
		out = append(out, ScheduleInfo{
			Name:      name,
			Cron:      spec.Cron,
			Operation: spec.Operation,
			Next:      e.Next,
			Prev:      e.Prev,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// AddSchedule installs or replaces a recurring submission.
func (s *Scheduler) AddSchedule(spec ScheduleSpec) error {
	if err := s.cron.add(spec); err != nil {
		return err
	}
	s.log.Info("schedule installed",
		logx.String("schedule", spec.Name),
		logx.String("cron", spec.Cron),
		logx.String("operation", spec.Operation),
	)
	return nil
}

// RemoveSchedule uninstalls a schedule by name.
func (s *Scheduler) RemoveSchedule(name string) bool {
	ok := s.cron.remove(name)
	if ok {
		s.log.Info("schedule removed", logx.String("schedule", name))
	}
	return ok
}

// Schedules lists installed schedules sorted by name.
func (s *Scheduler) Schedules() []ScheduleInfo { return s.cron.list() }

// ReplaceSchedules atomically swaps the full schedule set, used by config
// reload.
func (s *Scheduler) ReplaceSchedules(specs []ScheduleSpec) error {
	seen := map[string]bool{}
	for _, spec := range specs {
		if err := s.cron.add(spec); err != nil {
			return fmt.Errorf("schedule %q: %w", spec.Name, err)
		}
		seen[spec.Name] = true
	}
	for _, info := range s.cron.list() {
		if !seen[info.Name] {
			s.cron.remove(info.Name)
		}
	}
	return nil
}
