package task

import (
	"fmt"
	"strings"
	"time"
)

// Priority orders dispatch strictly: a pending task always dispatches before
// any pending task of a lower priority, regardless of submission order.
// BATCH work can therefore starve under sustained load; callers needing
// fairness should submit at a higher priority.
type Priority int

const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityMedium
	PriorityLow
	PriorityBatch
)

// NumPriorities is the number of priority bands.
const NumPriorities = 5

func (p Priority) Valid() bool { return p >= PriorityCritical && p <= PriorityBatch }

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "CRITICAL"
	case PriorityHigh:
		return "HIGH"
	case PriorityMedium:
		return "MEDIUM"
	case PriorityLow:
		return "LOW"
	case PriorityBatch:
		return "BATCH"
	default:
		return fmt.Sprintf("Priority(%d)", int(p))
	}
}

// ParsePriority converts a string into a Priority. An empty string maps to
// MEDIUM, the submission default.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "":
		return PriorityMedium, nil
	case "CRITICAL":
		return PriorityCritical, nil
	case "HIGH":
		return PriorityHigh, nil
	case "MEDIUM":
		return PriorityMedium, nil
	case "LOW":
		return PriorityLow, nil
	case "BATCH":
		return PriorityBatch, nil
	default:
		return 0, fmt.Errorf("unknown priority %q", s)
	}
}

// Status is the lifecycle state of a task.
//
// Transitions:
//
//	PENDING  -> RUNNING              (dispatch)
//	RUNNING  -> SUCCEEDED|FAILED|TIMED_OUT
//	FAILED|TIMED_OUT -> PENDING      (retry, attempts remaining)
//	PENDING  -> CANCELLED            (explicit cancel)
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusSucceeded Status = "SUCCEEDED"
	StatusFailed    Status = "FAILED"
	StatusTimedOut  Status = "TIMED_OUT"
	StatusCancelled Status = "CANCELLED"
)

// AllStatuses lists every valid status in a stable order.
var AllStatuses = []Status{
	StatusPending, StatusRunning, StatusSucceeded,
	StatusFailed, StatusTimedOut, StatusCancelled,
}

func (s Status) String() string { return string(s) }

// Terminal reports whether no further transitions are possible.
// FAILED and TIMED_OUT are terminal only once the retry budget is spent;
// the scheduler re-enqueues them as PENDING otherwise.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusTimedOut, StatusCancelled:
		return true
	default:
		return false
	}
}

func ParseStatus(s string) (Status, error) {
	v := Status(strings.ToUpper(strings.TrimSpace(s)))
	for _, k := range AllStatuses {
		if v == k {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown status %q", s)
}

// Task is a unit of work submitted for asynchronous execution. The scheduler
// treats it as opaque: Operation names a registered callable and Args are
// passed through uninterpreted.
type Task struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Operation string         `json:"operation"`
	Args      map[string]any `json:"args,omitempty"`

	Priority Priority `json:"priority"`
	Status   Status   `json:"status"`

	// MaxRetries is the retry budget; AttemptCount never exceeds MaxRetries+1.
	MaxRetries   int `json:"max_retries"`
	AttemptCount int `json:"attempt_count"`

	// Timeout bounds a single execution attempt.
	Timeout time.Duration `json:"timeout"`

	CreatedAt   time.Time `json:"created_at"`
	StartedAt   time.Time `json:"started_at,omitempty"`
	CompletedAt time.Time `json:"completed_at,omitempty"`

	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// RetriesLeft reports whether another attempt may run after a failure.
func (t *Task) RetriesLeft() bool {
	return t.AttemptCount <= t.MaxRetries
}

// Latency is completed_at - created_at, or 0 while non-terminal.
func (t *Task) Latency() time.Duration {
	if t.CompletedAt.IsZero() {
		return 0
	}
	return t.CompletedAt.Sub(t.CreatedAt)
}
