package scheduler

import (
	"errors"
	"fmt"
)

var (
	ErrStopped = errors.New("scheduler stopped")

	// ErrStoreUnavailable means the task store cannot be written. The scheduler
	// fails closed on it: no new dispatch until the store recovers, because
	// dispatching a task whose RUNNING transition cannot be recorded would
	// break the at-least-once guarantee.
	ErrStoreUnavailable = errors.New("task store unavailable")
)

// ValidationError rejects a malformed submission synchronously at Submit();
// such a task never enters the queue.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid submission: %s: %s", e.Field, e.Reason)
}

// IsValidation reports whether err is a submission validation failure.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

func validationErr(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}
