package crwlock

import (
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/jonboulle/clockwork"
)

// eventCache recycles the events of idle locks so the number of live events
// follows the number of contended locks, not the number of locks.
type eventCache struct {
	newEvent EventFactory
	max      int
	mu       ticketLock
	free     [2][]Event
}

func newEventCache(f EventFactory, max int) *eventCache {
	return &eventCache{newEvent: f, max: max}
}

var defaultEventCache = sync.OnceValue(func() *eventCache {
	return newEventCache(eventFactory(clockwork.NewRealClock()), 4*runtime.NumCPU())
})

func (c *eventCache) get(kind EventKind) (Event, error) {
	c.mu.lock()
	if n := len(c.free[kind]); n > 0 {
		ev := c.free[kind][n-1]
		c.free[kind][n-1] = nil
		c.free[kind] = c.free[kind][:n-1]
		c.mu.unlock()
		return ev, nil
	}
	c.mu.unlock()
	return c.newEvent(kind)
}

// put returns an unsignaled event to the cache, closing it when the cache is
// full or the event cannot be reset.
func (c *eventCache) put(kind EventKind, ev Event) {
	if ev == nil {
		return
	}
	if err := ev.Reset(); err != nil {
		_ = ev.Close()
		return
	}
	c.mu.lock()
	if len(c.free[kind]) < c.max {
		c.free[kind] = append(c.free[kind], ev)
		c.mu.unlock()
		return
	}
	c.mu.unlock()
	_ = ev.Close()
}

func (c *eventCache) size(kind EventKind) int {
	c.mu.lock()
	defer c.mu.unlock()
	return len(c.free[kind])
}

type eventRef struct {
	ev Event
}

// sealedEvent marks a lazyEvent of a closed lock.
var sealedEvent = new(eventRef)

// lazyEvent is created on first contention and published with a CAS; the
// loser of a creation race hands its event back to the cache.
type lazyEvent struct {
	kind EventKind
	p    atomic.Pointer[eventRef]
}

func (le *lazyEvent) get(c *eventCache) (Event, error) {
	for {
		switch r := le.p.Load(); r {
		case sealedEvent:
			return nil, ErrClosed
		case nil:
		default:
			return r.ev, nil
		}
		ev, err := c.get(le.kind)
		if err != nil {
			return nil, err
		}
		if le.p.CompareAndSwap(nil, &eventRef{ev: ev}) {
			return ev, nil
		}
		c.put(le.kind, ev)
	}
}

func (le *lazyEvent) created() bool {
	r := le.p.Load()
	return r != nil && r != sealedEvent
}

// take detaches the event. Only called while the lock is in a state where no
// thread can be using it.
func (le *lazyEvent) take() Event {
	for {
		r := le.p.Load()
		if r == nil || r == sealedEvent {
			return nil
		}
		if le.p.CompareAndSwap(r, nil) {
			return r.ev
		}
	}
}

// seal detaches the event for good; later gets fail with ErrClosed.
func (le *lazyEvent) seal() Event {
	if r := le.p.Swap(sealedEvent); r != nil && r != sealedEvent {
		return r.ev
	}
	return nil
}
