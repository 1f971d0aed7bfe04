package run

import (
	"fmt"
	"time"
)

// RetryAfterError marks a transient step failure. The step executor re-runs
// the whole step after the given delay instead of failing the workflow.
type RetryAfterError struct {
	After time.Duration
	Cause error
}

func (e *RetryAfterError) Error() string {
	return fmt.Sprintf("retry after %s: %v", e.After, e.Cause)
}

func (e *RetryAfterError) Unwrap() error {
	return e.Cause
}

// NonRetriableError marks a permanent step failure, e.g. a missing row or a
// contract violation. The step executor aborts immediately and lets the
// failure-path handler reconcile the affected runs.
type NonRetriableError struct {
	Cause error
}

func (e *NonRetriableError) Error() string {
	return e.Cause.Error()
}

func (e *NonRetriableError) Unwrap() error {
	return e.Cause
}

func nonRetriable(format string, args ...any) *NonRetriableError {
	return &NonRetriableError{Cause: fmt.Errorf(format, args...)}
}
