package crwlock

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Role is the part a thread plays in a lock.
type Role uint8

const (
	RoleNone Role = iota
	RoleReader
	RoleWriter
)

func (r Role) String() string {
	switch r {
	case RoleReader:
		return "reader"
	case RoleWriter:
		return "writer"
	default:
		return "none"
	}
}

type cookieKind uint8

const (
	upgradeCookie cookieKind = iota + 1
	releaseCookie
)

// LockCookie records the role a thread held before an upgrade or a full
// release, so that DowngradeFromWriter or RestoreLock can put it back.
// A cookie is bound to one thread and one lock and is consumed by its first
// successful use.
type LockCookie struct {
	kind        cookieKind
	role        Role
	thread      ThreadID
	lock        uint64
	readerDepth uint16
	writerDepth uint16
	seq         uint32
	consumed    atomic.Bool
}

// Role returns the role the thread held when the cookie was issued.
func (c *LockCookie) Role() Role {
	return c.role
}

// SeqNum returns the writer sequence number when the cookie was issued. Pass
// it to AnyWritersSince to learn whether another writer got in between.
func (c *LockCookie) SeqNum() uint32 {
	return c.seq
}

func (c *LockCookie) valid(kind cookieKind, t *Thread, l *RWLock) bool {
	return c != nil && c.kind == kind && c.thread == t.id && c.lock == l.key && !c.consumed.Load()
}

func (c *LockCookie) consume() bool {
	return c.consumed.CompareAndSwap(false, true)
}

func (l *RWLock) newCookie(kind cookieKind, t *Thread) *LockCookie {
	return &LockCookie{kind: kind, thread: t.id, lock: l.key, seq: l.writerSeq.Load()}
}

// UpgradeToWriter turns t's role into the writer role and returns a cookie
// for DowngradeFromWriter.
//
// A current writer nests one more writer acquisition. A reader releases all
// of its reader recursion and acquires the writer role, in a single step when
// it is the only reader. When that acquisition fails the reader role is
// re-established at its former depth before the error is returned; if even
// that fails the error is ErrRecoveryFailure and the lock is unusable by t.
// A thread holding nothing simply acquires the writer role.
func (l *RWLock) UpgradeToWriter(ctx context.Context, t *Thread, timeout time.Duration) (*LockCookie, error) {
	if err := l.enter(ctx, t, opUpgrade); err != nil {
		return nil, err
	}
	c := l.newCookie(upgradeCookie, t)

	if l.writerID.Load() == uint32(t.id) {
		c.role = RoleWriter
		c.writerDepth = l.writerDepth
		if err := l.acquireWriter(ctx, t, timeout); err != nil {
			return nil, err
		}
		return c, nil
	}

	e := t.entry(l.key)
	if e == nil || e.depth.Load() == 0 {
		c.role = RoleNone
		if err := l.acquireWriter(ctx, t, timeout); err != nil {
			return nil, err
		}
		return c, nil
	}

	c.role = RoleReader
	c.readerDepth = uint16(e.depth.Load())
	if l.state.CompareAndSwap(reader, writer) {
		// Sole reader.
		e.depth.Store(0)
		t.recycle(e)
		l.writerID.Store(uint32(t.id))
		l.writerDepth = 1
		l.writerSeq.Add(1)
		l.stats.writerEntries.Add(1)
		return c, nil
	}

	e.depth.Store(1)
	if err := l.releaseReader(t); err != nil {
		l.log.Warn("failed to signal on upgrade", zap.Uint32("thread", uint32(t.id)), zap.Error(err))
	}
	err := l.acquireWriter(ctx, t, timeout)
	if err == nil {
		return c, nil
	}

	c.consumed.Store(true)
	if rerr := l.recoverLock(context.WithoutCancel(ctx), t, c); rerr != nil {
		return nil, l.recoveryFailed(opUpgrade, t, rerr)
	}
	return nil, err
}

// DowngradeFromWriter undoes the UpgradeToWriter that issued c. A former
// reader becomes a reader again at its former depth and waiting readers are
// let in beside it. A thread that held nothing drops the one writer level the
// upgrade took.
func (l *RWLock) DowngradeFromWriter(t *Thread, c *LockCookie) error {
	if l.closed.Load() {
		return opError(opDowngrade, ErrClosed)
	}
	if l.writerID.Load() != uint32(t.id) {
		return opError(opDowngrade, ErrNotOwner)
	}
	if !c.valid(upgradeCookie, t, l) {
		return opError(opDowngrade, ErrInvalidCookie)
	}

	switch c.role {
	case RoleReader:
		// Nested writer acquisitions since the upgrade were not released.
		if l.writerDepth != 1 {
			return opError(opDowngrade, ErrInvalidCookie)
		}
		e, err := t.getOrCreateEntry(l.key)
		if err != nil {
			return opError(opDowngrade, err)
		}
		if !c.consume() {
			t.recycle(e)
			return opError(opDowngrade, ErrInvalidCookie)
		}
		return l.downgradeToReader(e, c.readerDepth)
	case RoleWriter:
		if !c.consume() {
			return opError(opDowngrade, ErrInvalidCookie)
		}
		l.writerDepth = c.writerDepth
		return nil
	default:
		if !c.consume() {
			return opError(opDowngrade, ErrInvalidCookie)
		}
		// Releases the one level the upgrade took; nested holds stay.
		return l.releaseWriter(t)
	}
}

func (l *RWLock) downgradeToReader(e *lockEntry, depth uint16) error {
	l.writerID.Store(0)
	l.writerDepth = 0

	var ev Event
	for {
		s := l.state.Load()
		modify := reader + neg(writer)
		ev = nil
		if s&waitingReadersMask != 0 {
			r, err := l.readerEvent.get(l.events)
			if err != nil && l.eventRetry("reader", err) {
				continue
			}
			ev = r
			modify += readerSignaled
		}
		if l.state.CompareAndSwap(s, s+modify) {
			break
		}
	}

	e.depth.Store(uint32(depth))
	l.stats.readerEntries.Add(1)
	if ev != nil {
		return l.setEvent(opDowngrade, ev)
	}
	return nil
}

// ReleaseLock releases every acquisition t holds on the lock and returns a
// cookie for RestoreLock. A thread holding nothing gets a RoleNone cookie.
func (l *RWLock) ReleaseLock(t *Thread) (*LockCookie, error) {
	c := l.newCookie(releaseCookie, t)
	if l.closed.Load() {
		return c, opError(opReleaseLock, ErrClosed)
	}

	if l.writerID.Load() == uint32(t.id) {
		c.role = RoleWriter
		c.writerDepth = l.writerDepth
		l.writerDepth = 1
		return c, l.releaseWriter(t)
	}
	if e := t.entry(l.key); e != nil && e.depth.Load() > 0 {
		c.role = RoleReader
		c.readerDepth = uint16(e.depth.Load())
		e.depth.Store(1)
		return c, l.releaseReader(t)
	}
	return c, nil
}

// RestoreLock re-acquires the role recorded by ReleaseLock at its former
// depth, waiting as long as the recovery timeout allows. t must not hold the
// lock (ErrRestoreConflict). A failed re-acquisition is ErrRecoveryFailure
// and leaves the lock unusable by t.
func (l *RWLock) RestoreLock(ctx context.Context, t *Thread, c *LockCookie) error {
	if err := l.enter(ctx, t, opRestoreLock); err != nil {
		return err
	}
	if !c.valid(releaseCookie, t, l) {
		return opError(opRestoreLock, ErrInvalidCookie)
	}
	if l.IsWriterHeld(t) || l.IsReaderHeld(t) {
		return opError(opRestoreLock, ErrRestoreConflict)
	}
	if !c.consume() {
		return opError(opRestoreLock, ErrInvalidCookie)
	}

	switch c.role {
	case RoleWriter:
		if l.state.CompareAndSwap(0, writer) {
			l.writerID.Store(uint32(t.id))
			l.writerDepth = c.writerDepth
			l.writerSeq.Add(1)
			l.stats.writerEntries.Add(1)
			return nil
		}
	case RoleReader:
		e, err := t.getOrCreateEntry(l.key)
		if err != nil {
			return l.recoveryFailed(opRestoreLock, t, err)
		}
		for s := l.state.Load(); s < readersMask; s = l.state.Load() {
			if l.state.CompareAndSwap(s, s+reader) {
				e.depth.Store(uint32(c.readerDepth))
				l.stats.readerEntries.Add(1)
				return nil
			}
		}
		t.recycle(e)
	default:
		return nil
	}

	if err := l.recoverLock(ctx, t, c); err != nil {
		return l.recoveryFailed(opRestoreLock, t, err)
	}
	return nil
}

// recoverLock re-acquires the role recorded in c, bounded by the recovery
// timeout, and resets the recursion depth.
func (l *RWLock) recoverLock(ctx context.Context, t *Thread, c *LockCookie) error {
	if c.role == RoleWriter {
		if err := l.acquireWriter(ctx, t, l.recoveryTimeout); err != nil {
			return err
		}
		l.writerDepth = c.writerDepth
		return nil
	}
	if err := l.acquireReader(ctx, t, l.recoveryTimeout); err != nil {
		return err
	}
	t.entry(l.key).depth.Store(uint32(c.readerDepth))
	return nil
}

func (l *RWLock) recoveryFailed(op string, t *Thread, cause error) error {
	t.poison(l.key)
	l.log.Error("failed to recover lock state", zap.String("op", op),
		zap.Uint32("thread", uint32(t.id)), zap.Error(cause))
	return fmt.Errorf("%s: %w: %w", op, ErrRecoveryFailure, cause)
}
