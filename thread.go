package crwlock

import (
	"sync/atomic"

	"github.com/llxisdsh/crwlock/internal/opt"
	"github.com/llxisdsh/pb"
)

// ThreadID identifies a Thread. 0 means "no thread".
type ThreadID uint32

// Thread is the identity a goroutine presents to a lock. Recursion, upgrade
// and cookie validation are all keyed on it, so one Thread must only ever be
// used by one goroutine at a time. Create it with NewThread and Close it when
// the goroutine is done with locking.
type Thread struct {
	_  noCopy
	id ThreadID

	// entries is the per-thread lock entry cache; entries[0] is the most
	// recently used. Only the owner mutates it, and only while holding
	// registry.mu, so diagnostic walks under registry.mu see a stable slice.
	entries []*lockEntry
	// bound counts bound entries. When it is 0 an unbound head means no entry
	// anywhere belongs to the lock being looked up.
	bound      atomic.Int32
	maxEntries int

	// poisoned holds the locks a recovery failed on. Owner only.
	poisoned map[uint64]struct{}
	closed   bool
}

// lockEntry records one thread's reader recursion for one lock. It is
// recycled across locks; lock == 0 means unbound.
type lockEntry struct {
	lock  atomic.Uint64
	depth atomic.Uint32
}

// registry tracks every live thread. mu is the process-wide lock a foreign
// thread must hold to look at another thread's entries.
var registry struct {
	mu      ticketLock
	threads pb.MapOf[ThreadID, *Thread]
	lastID  atomic.Uint32
}

// NewThread registers a new thread identity.
func NewThread() *Thread {
	var id ThreadID
	for id == 0 {
		id = ThreadID(registry.lastID.Add(1))
	}
	t := &Thread{
		id:         id,
		entries:    []*lockEntry{new(lockEntry)},
		maxEntries: maxThreadEntries,
	}
	registry.mu.lock()
	registry.threads.Store(id, t)
	registry.mu.unlock()
	return t
}

// ID returns the thread's identifier.
func (t *Thread) ID() ThreadID {
	return t.id
}

// Close unregisters the thread. Locks it still holds stay held; owner
// enumeration no longer reports it.
func (t *Thread) Close() {
	if t.closed {
		return
	}
	t.closed = true
	registry.mu.lock()
	registry.threads.Delete(t.id)
	registry.mu.unlock()
}

// entry returns the entry bound to lock, or nil.
func (t *Thread) entry(lock uint64) *lockEntry {
	for _, e := range t.entries {
		if e.lock.Load() == lock {
			return e
		}
	}
	return nil
}

// getOrCreateEntry returns the entry bound to lock, binding a free one when
// the thread has none.
func (t *Thread) getOrCreateEntry(lock uint64) (*lockEntry, error) {
	head := t.entries[0]
	switch head.lock.Load() {
	case lock:
		return head, nil
	case 0:
		if t.bound.Load() == 0 {
			opt.Assert(head.depth.Load() == 0, "unbound entry with reader depth")
			head.lock.Store(lock)
			t.bound.Add(1)
			return head, nil
		}
	}
	return t.slowGetOrCreateEntry(lock)
}

func (t *Thread) slowGetOrCreateEntry(lock uint64) (*lockEntry, error) {
	found, free := -1, -1
	for i, e := range t.entries {
		switch e.lock.Load() {
		case lock:
			found = i
		case 0:
			if free < 0 {
				free = i
			}
		}
		if found >= 0 {
			break
		}
	}
	if found < 0 {
		found = free
	}
	if found < 0 && len(t.entries) >= t.maxEntries {
		return nil, ErrOutOfResources
	}

	registry.mu.lock()
	if found < 0 {
		t.entries = append(t.entries, new(lockEntry))
		found = len(t.entries) - 1
	}
	t.entries[0], t.entries[found] = t.entries[found], t.entries[0]
	registry.mu.unlock()

	e := t.entries[0]
	if e.lock.Load() != lock {
		opt.Assert(e.depth.Load() == 0, "reused entry with reader depth")
		e.lock.Store(lock)
		t.bound.Add(1)
	}
	return e, nil
}

// recycle unbinds an entry whose reader depth dropped to zero.
func (t *Thread) recycle(e *lockEntry) {
	opt.Assert(e.depth.Load() == 0, "recycling entry with reader depth")
	if e.lock.Swap(0) != 0 {
		t.bound.Add(-1)
	}
}

// unbind clears an entry bound to lock on behalf of a lock being torn down.
// Called with registry.mu held, possibly from another thread.
func (t *Thread) unbind(lock uint64) {
	for _, e := range t.entries {
		if e.lock.CompareAndSwap(lock, 0) {
			e.depth.Store(0)
			t.bound.Add(-1)
		}
	}
}

func (t *Thread) poison(lock uint64) {
	if t.poisoned == nil {
		t.poisoned = make(map[uint64]struct{})
	}
	t.poisoned[lock] = struct{}{}
}

func (t *Thread) isPoisoned(lock uint64) bool {
	_, ok := t.poisoned[lock]
	return ok
}

// forEachThread calls f for every registered thread with registry.mu held.
// f must not block.
func forEachThread(f func(t *Thread)) {
	registry.mu.lock()
	defer registry.mu.unlock()
	registry.threads.Range(func(_ ThreadID, t *Thread) bool {
		f(t)
		return true
	})
}

func lookupThread(id ThreadID) (*Thread, bool) {
	return registry.threads.Load(id)
}
