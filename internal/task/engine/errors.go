package engine

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrDisabled    = errors.New("task engine disabled")
	ErrStopped     = errors.New("task engine stopped")
	ErrStopping    = errors.New("task engine stopping")
	ErrQueueFull   = errors.New("task engine queue full")
	ErrOverlapSkip = errors.New("task skipped: key already queued or running")
	ErrStale       = errors.New("task dropped: queued too long")
)

// NoRetry marks a permanent failure (unknown room, malformed input). The
// engine stops after the current attempt and reports the wrapped error.
//
//	return engine.NoRetry(fmt.Errorf("decode input: %w", err))
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsNoRetry reports whether err was wrapped with NoRetry.
func IsNoRetry(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return "no-retry: " + e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// RetryAfter asks for the next attempt no sooner than after. The hint is
// capped by TaskOptions.RetryMaxDelay and jittered like any other delay.
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	return &delayedError{err: err, after: max(after, 0)}
}

// RetryAfterError is implemented by errors carrying a retry delay.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

type delayedError struct {
	err   error
	after time.Duration
}

func (e *delayedError) Error() string             { return fmt.Sprintf("retry after %s: %v", e.after, e.err) }
func (e *delayedError) Unwrap() error             { return e.err }
func (e *delayedError) RetryAfter() time.Duration { return e.after }

// unwrapPermanent strips the NoRetry marker, reporting whether it was there.
func unwrapPermanent(err error) (error, bool) {
	var pe *permanentError
	if errors.As(err, &pe) {
		return pe.err, true
	}
	return err, false
}
