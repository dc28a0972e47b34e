package crwlock

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrTimeout is returned when a blocking acquisition did not complete
	// within its timeout.
	ErrTimeout = errors.New("crwlock: timed out")
	// ErrCancelled is returned when the caller's context was cancelled while
	// the call was pending. It wraps the context's error.
	ErrCancelled = errors.New("crwlock: cancelled")
	// ErrNotOwner is returned by a release or downgrade from a thread that
	// does not hold the role it claims.
	ErrNotOwner = errors.New("crwlock: not owner")
	// ErrRecursionOverflow is returned when a nested acquisition would
	// overflow the 16-bit recursion counter.
	ErrRecursionOverflow = errors.New("crwlock: recursion overflow")
	// ErrInvalidCookie is returned for a cookie that was already consumed,
	// belongs to another thread or lock, or is of the wrong kind.
	ErrInvalidCookie = errors.New("crwlock: invalid cookie")
	// ErrRestoreConflict is returned by RestoreLock when the thread already
	// holds the lock.
	ErrRestoreConflict = errors.New("crwlock: restore while lock held")
	// ErrOutOfResources is returned when an event or a thread entry could not
	// be allocated.
	ErrOutOfResources = errors.New("crwlock: out of resources")
	// ErrRecoveryFailure is returned when the lock state held before a failed
	// upgrade or restore could not be re-established. The lock must not be
	// used by that thread again.
	ErrRecoveryFailure = errors.New("crwlock: recovery failure")
	// ErrClosed is returned by operations on a closed lock.
	ErrClosed = errors.New("crwlock: lock closed")
	// ErrEventClosed is returned by Set and Reset on a closed event.
	ErrEventClosed = errors.New("crwlock: event closed")
)

func opError(op string, err error) error {
	return fmt.Errorf("%s: %w", op, err)
}

// waitError maps a non-signaled wait outcome to the error returned to the
// caller. cause is the event creation error, if any.
func waitError(op string, outcome WaitOutcome, cause error, ctxErr error) error {
	switch outcome {
	case WaitTimedOut:
		return opError(op, ErrTimeout)
	case WaitCancelled:
		return cancelled(op, ctxErr)
	default:
		if errors.Is(cause, ErrClosed) {
			return opError(op, ErrClosed)
		}
		if cause != nil {
			return fmt.Errorf("%s: %w: %w", op, ErrOutOfResources, cause)
		}
		return fmt.Errorf("%s: %w: %w", op, ErrClosed, ErrEventClosed)
	}
}

func cancelled(op string, ctxErr error) error {
	if ctxErr == nil {
		ctxErr = context.Canceled
	}
	return fmt.Errorf("%s: %w: %w", op, ErrCancelled, ctxErr)
}
