package crwlock

// Owner is one holder of a lock as reported by EnumerateOwners.
type Owner struct {
	Thread ThreadID
	Role   Role
	// Depth is the reader recursion depth. Writer depth is private to the
	// writer and reported as 0.
	Depth uint16
}

// EnumerateOwners returns the threads holding the lock. It walks every
// registered thread under the process-wide registry lock, so it is meant for
// diagnostics, not for decisions: the result may be stale when it returns.
func (l *RWLock) EnumerateOwners() []Owner {
	s := l.state.Load()
	if s == 0 {
		return nil
	}
	if s&writer != 0 {
		if id := ThreadID(l.writerID.Load()); id != 0 {
			if _, ok := lookupThread(id); ok {
				return []Owner{{Thread: id, Role: RoleWriter}}
			}
		}
		return nil
	}
	if s&readersMask == 0 {
		return nil
	}

	var owners []Owner
	forEachThread(func(t *Thread) {
		for _, e := range t.entries {
			if e.lock.Load() != l.key {
				continue
			}
			if d := e.depth.Load(); d > 0 {
				owners = append(owners, Owner{Thread: t.id, Role: RoleReader, Depth: uint16(d)})
			}
		}
	})
	return owners
}

// Close tears the lock down: it closes its events, waking any parked waiter
// with an error, and unbinds the lock from every thread that still holds it.
// Every later operation returns ErrClosed. Close is idempotent.
func (l *RWLock) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	var err error
	for _, ev := range [...]Event{l.readerEvent.seal(), l.writerEvent.seal()} {
		if ev == nil {
			continue
		}
		if cerr := ev.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	if l.state.Load() != 0 {
		forEachThread(func(t *Thread) {
			t.unbind(l.key)
		})
	}
	l.log.Debug("closed")
	return err
}
