package crwlock

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Infinite is the timeout that never expires.
const Infinite time.Duration = -1

// EventKind selects the reset behaviour of an Event.
type EventKind uint8

const (
	// ManualReset events stay signaled until Reset and release every
	// waiter. Readers park on one.
	ManualReset EventKind = iota
	// AutoReset events release a single waiter per Set. Writers park on
	// one.
	AutoReset
)

func (k EventKind) String() string {
	if k == AutoReset {
		return "auto-reset"
	}
	return "manual-reset"
}

// WaitOutcome is the result of Event.Wait.
type WaitOutcome uint8

const (
	WaitSignaled WaitOutcome = iota
	WaitTimedOut
	WaitCancelled
	WaitFailed
)

func (o WaitOutcome) String() string {
	switch o {
	case WaitSignaled:
		return "signaled"
	case WaitTimedOut:
		return "timed out"
	case WaitCancelled:
		return "cancelled"
	default:
		return "failed"
	}
}

// Event is the binary wait handle a lock parks its waiters on.
//
// Wait blocks until the event is signaled, timeout elapses (Infinite never
// elapses, 0 polls), or ctx is done. A closed event returns WaitFailed.
type Event interface {
	Wait(ctx context.Context, timeout time.Duration) WaitOutcome
	Set() error
	Reset() error
	Close() error
}

// EventFactory creates the events a lock parks on. Returning an error makes
// the waiting acquisition fail with ErrOutOfResources.
type EventFactory func(kind EventKind) (Event, error)

// NewEvent returns the channel-based Event of the given kind. Timeouts are
// measured on clock; a nil clock means the real clock.
func NewEvent(kind EventKind, clock clockwork.Clock) Event {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if kind == AutoReset {
		return &autoResetEvent{
			clock:  clock,
			token:  make(chan struct{}, 1),
			closed: make(chan struct{}),
		}
	}
	return &manualResetEvent{
		clock:  clock,
		open:   make(chan struct{}),
		closed: make(chan struct{}),
	}
}

func eventFactory(clock clockwork.Clock) EventFactory {
	return func(kind EventKind) (Event, error) {
		return NewEvent(kind, clock), nil
	}
}

// manualResetEvent is a gate: while set, open is a closed channel and every
// Wait returns at once. Reset swaps in a fresh channel.
type manualResetEvent struct {
	clock  clockwork.Clock
	mu     sync.Mutex
	open   chan struct{}
	set    bool
	closed chan struct{}
	done   bool
}

func (e *manualResetEvent) Set() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.done {
		return ErrEventClosed
	}
	if !e.set {
		e.set = true
		close(e.open)
	}
	return nil
}

func (e *manualResetEvent) Reset() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.done {
		return ErrEventClosed
	}
	if e.set {
		e.set = false
		e.open = make(chan struct{})
	}
	return nil
}

func (e *manualResetEvent) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.done {
		e.done = true
		close(e.closed)
	}
	return nil
}

func (e *manualResetEvent) Wait(ctx context.Context, timeout time.Duration) WaitOutcome {
	e.mu.Lock()
	open := e.open
	e.mu.Unlock()
	return waitOn(ctx, e.clock, open, e.closed, timeout)
}

// autoResetEvent holds at most one wake token. Set deposits it, a Wait
// consumes it, so exactly one waiter is released per Set.
type autoResetEvent struct {
	clock     clockwork.Clock
	token     chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
}

func (e *autoResetEvent) Set() error {
	select {
	case <-e.closed:
		return ErrEventClosed
	default:
	}
	select {
	case e.token <- struct{}{}:
	default:
		// Already set.
	}
	return nil
}

func (e *autoResetEvent) Reset() error {
	select {
	case <-e.closed:
		return ErrEventClosed
	default:
	}
	select {
	case <-e.token:
	default:
	}
	return nil
}

func (e *autoResetEvent) Close() error {
	e.closeOnce.Do(func() { close(e.closed) })
	return nil
}

func (e *autoResetEvent) Wait(ctx context.Context, timeout time.Duration) WaitOutcome {
	return waitOn(ctx, e.clock, e.token, e.closed, timeout)
}

// waitOn receives from signal. For a closed channel that is a broadcast,
// for the token channel it consumes the token.
func waitOn(ctx context.Context, clock clockwork.Clock, signal <-chan struct{}, closed <-chan struct{}, timeout time.Duration) WaitOutcome {
	select {
	case <-closed:
		return WaitFailed
	default:
	}
	select {
	case <-signal:
		return WaitSignaled
	default:
	}
	if timeout == 0 {
		return WaitTimedOut
	}
	if ctx.Err() != nil {
		return WaitCancelled
	}

	var expired <-chan time.Time
	if timeout > 0 {
		timer := clock.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.Chan()
	}
	select {
	case <-signal:
		return WaitSignaled
	case <-closed:
		return WaitFailed
	case <-ctx.Done():
		return WaitCancelled
	case <-expired:
		return WaitTimedOut
	}
}
