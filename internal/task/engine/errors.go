package engine

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrDisabled    = errors.New("task engine disabled")
	ErrStopped     = errors.New("task engine stopped")
	ErrQueueFull   = errors.New("task engine queue full")
	ErrOverlapSkip = errors.New("task skipped: previous run still in flight")
)

// NoRetry marks err as permanent; the engine reports it without retrying.
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return &noRetryError{err: err}
}

func IsNoRetry(err error) bool {
	var e *noRetryError
	return errors.As(err, &e)
}

type noRetryError struct{ err error }

func (e *noRetryError) Error() string { return "no-retry: " + e.err.Error() }
func (e *noRetryError) Unwrap() error { return e.err }

// RetryAfter asks for the next attempt no sooner than after (capped by the
// task's RetryMaxDelay).
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	return &retryAfterError{err: err, after: max(after, 0)}
}

type retryAfterError struct {
	err   error
	after time.Duration
}

func (e *retryAfterError) Error() string { return fmt.Sprintf("retry after %s: %v", e.after, e.err) }
func (e *retryAfterError) Unwrap() error { return e.err }

func retryHint(err error) (time.Duration, bool) {
	var e *retryAfterError
	if errors.As(err, &e) {
		return e.after, true
	}
	return 0, false
}
