package engine

import (
	"errors"
	"fmt"
	"time"
)

// ErrOperationNotFound is returned by Get/Wait for unknown operation IDs.
var ErrOperationNotFound = errors.New("operation_not_found")

// ErrUnknownBackend is returned when a ref names a backend that was never
// registered.
var ErrUnknownBackend = errors.New("unknown_backend")

// SubmissionError wraps a failure to hand a backup to its backend. Nothing
// is recorded for the operation when Submit returns it.
type SubmissionError struct {
	Backend string
	Err     error
}

func (e *SubmissionError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("submission to backend %s failed: %v", e.Backend, e.Err)
}

func (e *SubmissionError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// SchedulerTimeoutError records that an operation outlived the per-operation
// deadline and was force-finished without a final poll.
type SchedulerTimeoutError struct {
	OperationID string
	Timeout     time.Duration
}

func (e *SchedulerTimeoutError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("operation %s timed out after %s", e.OperationID, e.Timeout)
}
