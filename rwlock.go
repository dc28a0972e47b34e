package crwlock

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/llxisdsh/crwlock/internal/opt"
)

const (
	opAcquireReader = "acquire reader"
	opAcquireWriter = "acquire writer"
	opReleaseReader = "release reader"
	opReleaseWriter = "release writer"
	opUpgrade       = "upgrade to writer"
	opDowngrade     = "downgrade from writer"
	opReleaseLock   = "release lock"
	opRestoreLock   = "restore lock"
)

// RWLock is a reentrant reader-writer lock.
//
// Properties:
//   - Recursive: a thread may re-acquire a role it holds; each acquisition
//     needs a matching release.
//   - A writer is also a reader: reader acquisitions by the writer nest on
//     the writer role.
//   - Uncontended acquisitions are a single CAS on the state word. Contended
//     ones spin briefly, then park on a lazily created event: a manual-reset
//     event that wakes all waiting readers at once, and an auto-reset event
//     that wakes one writer.
//   - Writers are preferred on release: one waiting writer is woken before
//     any batch of waiting readers. Either role can starve under an
//     adversarial load; there is no FIFO order.
//   - Upgrade/downgrade and release/restore hand the held role back and forth
//     through a LockCookie.
//
// Every operation takes the calling Thread. Use New; the zero value has no
// identity.
type RWLock struct {
	_ noCopy

	state     atomic.Uint32
	writerID  atomic.Uint32
	writerSeq atomic.Uint32
	// writerDepth is only touched by the thread holding the writer role.
	writerDepth uint16

	id  Identity
	key uint64

	readerEvent lazyEvent
	writerEvent lazyEvent
	events      *eventCache
	closed      atomic.Bool

	spinCount       int
	recoveryTimeout time.Duration
	clock           clockwork.Clock
	log             *zap.Logger

	stats lockStats
}

// New creates a lock with a fresh process-unique identity.
func New(opts ...Option) *RWLock {
	c := newConfig(opts)
	id := nextIdentity()
	l := &RWLock{
		id:              id,
		key:             id.packed(),
		events:          c.events(),
		spinCount:       c.spinCount,
		recoveryTimeout: c.recoveryTimeout,
		clock:           c.sleepClock(),
		log:             c.logger.With(zap.Stringer("lock", id)),
	}
	l.readerEvent.kind = ManualReset
	l.writerEvent.kind = AutoReset
	l.writerSeq.Store(1)
	return l
}

// Identity returns the lock's process-unique identity.
func (l *RWLock) Identity() Identity {
	return l.id
}

// State returns a snapshot of the state word.
func (l *RWLock) State() State {
	return decodeState(l.state.Load())
}

// IsWriterHeld reports whether t holds the writer role.
func (l *RWLock) IsWriterHeld(t *Thread) bool {
	return l.writerID.Load() == uint32(t.id)
}

// IsReaderHeld reports whether t holds the reader role. A writer's nested
// reader acquisitions count as writer recursion, not as reader holds.
func (l *RWLock) IsReaderHeld(t *Thread) bool {
	e := t.entry(l.key)
	return e != nil && e.depth.Load() > 0
}

// WriterSeqNum returns the writer sequence number, incremented every time
// the lock becomes writer-held.
func (l *RWLock) WriterSeqNum() uint32 {
	return l.writerSeq.Load()
}

// AnyWritersSince reports whether a writer held the lock after seq was read
// with WriterSeqNum. When t is the current writer its own acquisition is not
// counted, so a writer that upgraded without contention sees no other writer.
func (l *RWLock) AnyWritersSince(t *Thread, seq uint32) bool {
	if l.writerID.Load() == uint32(t.id) {
		seq++
	}
	return l.writerSeq.Load() > seq
}

// AcquireReader blocks until t holds the reader role, timeout elapses
// (ErrTimeout) or ctx is done (ErrCancelled). Infinite waits forever.
func (l *RWLock) AcquireReader(ctx context.Context, t *Thread, timeout time.Duration) error {
	if err := l.enter(ctx, t, opAcquireReader); err != nil {
		return err
	}
	return l.acquireReader(ctx, t, timeout)
}

// AcquireWriter blocks until t holds the writer role, timeout elapses
// (ErrTimeout) or ctx is done (ErrCancelled). Infinite waits forever.
func (l *RWLock) AcquireWriter(ctx context.Context, t *Thread, timeout time.Duration) error {
	if err := l.enter(ctx, t, opAcquireWriter); err != nil {
		return err
	}
	return l.acquireWriter(ctx, t, timeout)
}

// ReleaseReader undoes one AcquireReader. It returns ErrNotOwner when t does
// not hold the reader role.
func (l *RWLock) ReleaseReader(t *Thread) error {
	if l.closed.Load() {
		return opError(opReleaseReader, ErrClosed)
	}
	return l.releaseReader(t)
}

// ReleaseWriter undoes one AcquireWriter. It returns ErrNotOwner when t does
// not hold the writer role.
func (l *RWLock) ReleaseWriter(t *Thread) error {
	if l.closed.Load() {
		return opError(opReleaseWriter, ErrClosed)
	}
	return l.releaseWriter(t)
}

func (l *RWLock) enter(ctx context.Context, t *Thread, op string) error {
	if l.closed.Load() || t.closed {
		return opError(op, ErrClosed)
	}
	if t.isPoisoned(l.key) {
		return opError(op, ErrRecoveryFailure)
	}
	if err := ctx.Err(); err != nil {
		return cancelled(op, err)
	}
	return nil
}

func (l *RWLock) acquireReader(ctx context.Context, t *Thread, timeout time.Duration) error {
	e, err := t.getOrCreateEntry(l.key)
	if err != nil {
		return opError(opAcquireReader, err)
	}

	switch {
	case l.state.CompareAndSwap(0, reader):
		opt.Assert(e.depth.Load() == 0, "nested reader on a free lock")
	case e.depth.Load() != 0:
		d := e.depth.Load()
		if d == maxRecursion {
			return opError(opAcquireReader, ErrRecursionOverflow)
		}
		e.depth.Store(d + 1)
		return nil
	case l.writerID.Load() == uint32(t.id):
		t.recycle(e)
		return l.acquireWriter(ctx, t, timeout)
	default:
		if err := l.contendReader(ctx, t, e, timeout); err != nil {
			return err
		}
		if l.closed.Load() {
			// Torn down while we waited.
			t.recycle(e)
			return opError(opAcquireReader, ErrClosed)
		}
	}

	opt.Assert(l.state.Load()&writer == 0, "reader admitted under writer")
	e.depth.Add(1)
	l.stats.readerEntries.Add(1)
	return nil
}

func (l *RWLock) contendReader(ctx context.Context, t *Thread, e *lockEntry, timeout time.Duration) error {
	var spins int
	for {
		s := l.state.Load()
		switch {
		case readerMayEnter(s):
			if l.state.CompareAndSwap(s, s+reader) {
				return nil
			}
		case s&readersMask == readersMask, s&waitingReadersMask == waitingReadersMask,
			s&cachingEvents == readerSignaled:
			// Counts are saturated or a cohort is still draining.
			if err := l.sleep(ctx, saturatedSleep); err != nil {
				t.recycle(e)
				return cancelled(opAcquireReader, err)
			}
			spins = 0
			continue
		case s&cachingEvents == cachingEvents:
			if spins++; spins > l.spinCount {
				if err := l.sleep(ctx, cachingSleep); err != nil {
					t.recycle(e)
					return cancelled(opAcquireReader, err)
				}
				spins = 0
			}
		case spins < l.spinCount:
			spins++
		default:
			if l.state.CompareAndSwap(s, s+waitingReader) {
				return l.waitReader(ctx, t, e, timeout)
			}
		}
		pause()
	}
}

// waitReader parks a registered waiting reader. On success the reader count
// already includes t.
func (l *RWLock) waitReader(ctx context.Context, t *Thread, e *lockEntry, timeout time.Duration) error {
	l.stats.readerContentions.Add(1)
	outcome := WaitFailed
	ev, evErr := l.readerEvent.get(l.events)
	if evErr != nil {
		l.log.Warn("failed to create reader event", zap.Uint32("thread", uint32(t.id)), zap.Error(evErr))
	} else {
		outcome = ev.Wait(ctx, timeout)
	}

	if outcome == WaitSignaled {
		old := l.addState(reader + neg(waitingReader))
		opt.Assert(old&readerSignaled != 0, "reader woken without signal")
		if old&waitingReadersMask == waitingReader {
			// Last member of the cohort closes the event.
			l.resetEvent(ev)
			l.state.Add(neg(readerSignaled))
		}
		return nil
	}

	old := l.addState(neg(waitingReader))
	if old&waitingReadersMask == waitingReader && old&readerSignaled != 0 && !l.closed.Load() {
		// We gave up after a release signaled us and nobody else will reset
		// the event. Take the wakeup, then pass the lock on.
		if ev == nil {
			ev, _ = l.readerEvent.get(l.events)
		}
		if ev != nil {
			ev.Wait(context.Background(), Infinite)
			l.resetEvent(ev)
		}
		l.addState(reader + neg(readerSignaled))
		e.depth.Add(1)
		_ = l.releaseReader(t)
	} else {
		t.recycle(e)
	}
	l.logWait("reader", t, outcome, timeout)
	return waitError(opAcquireReader, outcome, evErr, ctx.Err())
}

func (l *RWLock) acquireWriter(ctx context.Context, t *Thread, timeout time.Duration) error {
	me := uint32(t.id)
	switch {
	case l.state.CompareAndSwap(0, writer):
	case l.writerID.Load() == me:
		if l.writerDepth == maxRecursion {
			return opError(opAcquireWriter, ErrRecursionOverflow)
		}
		l.writerDepth++
		return nil
	default:
		if err := l.contendWriter(ctx, t, timeout); err != nil {
			return err
		}
	}

	opt.Assert(l.state.Load()&readersMask == 0, "writer admitted with readers")
	opt.Assert(l.writerID.Load() == 0, "writer admitted while another is recorded")
	l.writerID.Store(me)
	l.writerDepth = 1
	l.writerSeq.Add(1)
	l.stats.writerEntries.Add(1)
	return nil
}

func (l *RWLock) contendWriter(ctx context.Context, t *Thread, timeout time.Duration) error {
	var spins int
	for {
		s := l.state.Load()
		switch {
		case writerMayEnter(s):
			if l.state.CompareAndSwap(s, s+writer) {
				return nil
			}
		case s&waitingWritersMask == waitingWritersMask:
			if err := l.sleep(ctx, saturatedSleep); err != nil {
				return cancelled(opAcquireWriter, err)
			}
			spins = 0
			continue
		case s&cachingEvents == cachingEvents:
			if spins++; spins > l.spinCount {
				if err := l.sleep(ctx, cachingSleep); err != nil {
					return cancelled(opAcquireWriter, err)
				}
				spins = 0
			}
		case spins < l.spinCount:
			spins++
		default:
			if l.state.CompareAndSwap(s, s+waitingWriter) {
				return l.waitWriter(ctx, t, timeout)
			}
		}
		pause()
	}
}

// waitWriter parks a registered waiting writer. On success the writer bit is
// set on behalf of t.
func (l *RWLock) waitWriter(ctx context.Context, t *Thread, timeout time.Duration) error {
	l.stats.writerContentions.Add(1)
	outcome := WaitFailed
	ev, evErr := l.writerEvent.get(l.events)
	if evErr != nil {
		l.log.Warn("failed to create writer event", zap.Uint32("thread", uint32(t.id)), zap.Error(evErr))
	} else {
		outcome = ev.Wait(ctx, timeout)
	}

	if outcome == WaitSignaled {
		old := l.addState(writer + neg(waitingWriter+writerSignaled))
		opt.Assert(old&writerSignaled != 0, "writer woken without signal")
		return nil
	}

	old := l.addState(neg(waitingWriter))
	if old&writerSignaled != 0 && old&waitingWritersMask == waitingWriter {
		l.drainWriterSignal(t, ev)
	}
	l.logWait("writer", t, outcome, timeout)
	return waitError(opAcquireWriter, outcome, evErr, ctx.Err())
}

// drainWriterSignal runs after the last waiting writer gave up while a
// release was signaling it. Unless a new writer queued up to receive the
// signal, the token is taken here and the lock released again so the next
// arrival is not stranded.
func (l *RWLock) drainWriterSignal(t *Thread, ev Event) {
	if ev == nil {
		var err error
		if ev, err = l.writerEvent.get(l.events); err != nil {
			return
		}
	}
	for !l.closed.Load() {
		s := l.state.Load()
		if s&writerSignaled == 0 || s&waitingWritersMask != 0 {
			return
		}
		if ev.Wait(context.Background(), signalDrainPoll) == WaitSignaled {
			old := l.addState(writer + neg(writerSignaled))
			opt.Assert(old&writer == 0, "drained signal while writer held")
			l.writerID.Store(uint32(t.id))
			l.writerDepth = 1
			_ = l.releaseWriter(t)
			return
		}
	}
}

func (l *RWLock) releaseWriter(t *Thread) error {
	if l.writerID.Load() != uint32(t.id) {
		return opError(opReleaseWriter, ErrNotOwner)
	}
	l.writerDepth--
	if l.writerDepth != 0 {
		return nil
	}
	l.writerID.Store(0)

	var (
		ev    Event
		cache bool
	)
	for {
		s := l.state.Load()
		opt.Assert(s&readersMask == 0, "readers present under writer")
		modify := neg(writer)
		ev, cache = nil, false
		switch {
		case s&waitingWritersMask != 0:
			w, err := l.writerEvent.get(l.events)
			if err != nil && l.eventRetry("writer", err) {
				continue
			}
			ev = w
			modify += writerSignaled
		case s&waitingReadersMask != 0:
			r, err := l.readerEvent.get(l.events)
			if err != nil && l.eventRetry("reader", err) {
				continue
			}
			ev = r
			modify += readerSignaled
		case s == writer && l.hasEvents():
			cache = true
			modify += cachingEvents
		}
		if l.state.CompareAndSwap(s, s+modify) {
			break
		}
	}

	if ev != nil {
		return l.setEvent(opReleaseWriter, ev)
	}
	if cache {
		l.releaseEvents()
	}
	return nil
}

func (l *RWLock) releaseReader(t *Thread) error {
	if l.writerID.Load() == uint32(t.id) {
		return l.releaseWriter(t)
	}
	e := t.entry(l.key)
	if e == nil || e.depth.Load() == 0 {
		return opError(opReleaseReader, ErrNotOwner)
	}
	d := e.depth.Load() - 1
	e.depth.Store(d)
	if d != 0 {
		return nil
	}

	var (
		ev    Event
		cache bool
	)
	for {
		s := l.state.Load()
		opt.Assert(s&writer == 0 && s&readersMask != 0, "reader release without readers")
		modify := neg(reader)
		ev, cache = nil, false
		if s&(readersMask|readerSignaled) == reader {
			// Last reader out hands the lock on.
			switch {
			case s&waitingWritersMask != 0:
				w, err := l.writerEvent.get(l.events)
				if err != nil && l.eventRetry("writer", err) {
					continue
				}
				ev = w
				modify += writerSignaled
			case s&waitingReadersMask != 0:
				r, err := l.readerEvent.get(l.events)
				if err != nil && l.eventRetry("reader", err) {
					continue
				}
				ev = r
				modify += readerSignaled
			case s == reader && l.hasEvents():
				cache = true
				modify += cachingEvents
			}
		}
		if l.state.CompareAndSwap(s, s+modify) {
			break
		}
	}

	t.recycle(e)
	if ev != nil {
		return l.setEvent(opReleaseReader, ev)
	}
	if cache {
		l.releaseEvents()
	}
	return nil
}

func (l *RWLock) hasEvents() bool {
	return l.readerEvent.created() || l.writerEvent.created()
}

// releaseEvents returns both events to the cache. The caller set both
// signaled bits, which stalls every arrival that could need an event.
func (l *RWLock) releaseEvents() {
	opt.Assert(l.state.Load()&cachingEvents == cachingEvents, "events released without stalling arrivals")
	w := l.writerEvent.take()
	r := l.readerEvent.take()
	l.state.Add(neg(cachingEvents))

	l.events.put(AutoReset, w)
	l.events.put(ManualReset, r)
	l.stats.eventsReleased.Add(1)
	l.log.Debug("released events")
}

// addState adds delta to the state word and returns the previous value.
func (l *RWLock) addState(delta uint32) uint32 {
	return l.state.Add(delta) - delta
}

func (l *RWLock) setEvent(op string, ev Event) error {
	if err := ev.Set(); err != nil {
		l.log.Error("failed to signal event", zap.String("op", op), zap.Error(err))
		return opError(op, err)
	}
	return nil
}

func (l *RWLock) resetEvent(ev Event) {
	if err := ev.Reset(); err != nil {
		l.log.Error("failed to reset reader event", zap.Error(err))
	}
}

// eventRetry backs off a release that must signal an event it could not
// create and reports whether to try again. Releases never fail for lack of
// an event; on a closed lock they proceed without one.
func (l *RWLock) eventRetry(role string, err error) bool {
	if errors.Is(err, ErrClosed) {
		return false
	}
	l.log.Warn("release failed to create "+role+" event", zap.Error(err))
	l.clock.Sleep(eventRetrySleep)
	return true
}

func (l *RWLock) sleep(ctx context.Context, d time.Duration) error {
	timer := l.clock.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.Chan():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *RWLock) logWait(role string, t *Thread, outcome WaitOutcome, timeout time.Duration) {
	fields := []zap.Field{zap.Uint32("thread", uint32(t.id)), zap.Duration("timeout", timeout)}
	switch outcome {
	case WaitTimedOut:
		l.log.Warn("timed out acquiring "+role+" lock", fields...)
	case WaitCancelled:
		l.log.Warn("interrupted while acquiring "+role+" lock", fields...)
	case WaitFailed:
		l.log.Warn("wait on "+role+" event failed", fields...)
	}
}
