package task

import (
	"errors"
	"fmt"
)

var (
	// ErrStopped resolves every future that was still queued (or waiting for
	// a retry) when the engine shut down.
	ErrStopped = errors.New("task engine stopped")
)

// RejectedError is returned when admission control refuses a task because the
// queue for its priority is at capacity.
type RejectedError struct {
	Priority    Priority
	QueueLength int
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("task rejected: %s queue full (len=%d)", e.Priority, e.QueueLength)
}

// IsRejected reports whether err (or anything it wraps) is a RejectedError.
func IsRejected(err error) bool {
	var re *RejectedError
	return errors.As(err, &re)
}

// NoRetry marks an error as non-retryable.
//
// Work bodies can wrap validation errors or other permanent failures with
// NoRetry so the engine resolves the task immediately instead of spending its
// retry budget:
//
//	return task.NoRetry(fmt.Errorf("bad archive: %w", err))
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return noRetryError{err: err}
}

// IsNoRetry reports whether err is wrapped with NoRetry.
func IsNoRetry(err error) bool {
	var e noRetryError
	return errors.As(err, &e)
}

// Unwrapped strips the NoRetry marker, returning the original failure.
func Unwrapped(err error) error {
	var e noRetryError
	if errors.As(err, &e) {
		return e.err
	}
	return err
}

type noRetryError struct{ err error }

func (e noRetryError) Error() string { return fmt.Sprintf("no-retry: %v", e.err) }
func (e noRetryError) Unwrap() error { return e.err }
