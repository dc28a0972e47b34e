package crwlock

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestUpgrade_SoleReader(t *testing.T) {
	ctx := context.Background()
	l := newLock(t)
	a := newThread(t)

	require.NoError(t, l.AcquireReader(ctx, a, Infinite))
	require.NoError(t, l.AcquireReader(ctx, a, Infinite))
	c, err := l.UpgradeToWriter(ctx, a, Infinite)
	require.NoError(t, err)
	require.Equal(t, RoleReader, c.Role())
	require.True(t, l.IsWriterHeld(a))
	require.False(t, l.IsReaderHeld(a))
	require.False(t, l.AnyWritersSince(a, c.SeqNum()))

	require.NoError(t, l.DowngradeFromWriter(a, c))
	require.False(t, l.IsWriterHeld(a))
	require.True(t, l.IsReaderHeld(a))
	require.Equal(t, []Owner{{Thread: a.ID(), Role: RoleReader, Depth: 2}}, l.EnumerateOwners())

	require.NoError(t, l.ReleaseReader(a))
	require.NoError(t, l.ReleaseReader(a))
	require.True(t, l.State().Free())
}

func TestUpgrade_WaitsForReaders(t *testing.T) {
	ctx := context.Background()
	l := newLock(t, WithSpinCount(0))
	a, b := newThread(t), newThread(t)

	require.NoError(t, l.AcquireReader(ctx, a, Infinite))
	require.NoError(t, l.AcquireReader(ctx, b, Infinite))

	type result struct {
		c   *LockCookie
		err error
	}
	done := make(chan result, 1)
	go func() {
		c, err := l.UpgradeToWriter(ctx, a, Infinite)
		done <- result{c, err}
	}()
	eventually(t, func() bool { return l.State().WaitingWriters == 1 })
	require.Equal(t, 1, l.State().Readers)
	require.NoError(t, l.ReleaseReader(b))

	r := <-done
	require.NoError(t, r.err)
	require.True(t, l.IsWriterHeld(a))
	require.False(t, l.AnyWritersSince(a, r.c.SeqNum()))
	require.NoError(t, l.DowngradeFromWriter(a, r.c))
	require.True(t, l.IsReaderHeld(a))
	require.NoError(t, l.ReleaseReader(a))
	require.True(t, l.State().Free())
}

func TestUpgrade_TimeoutRestoresReader(t *testing.T) {
	ctx := context.Background()
	l := newLock(t, WithSpinCount(0))
	a, b := newThread(t), newThread(t)

	require.NoError(t, l.AcquireReader(ctx, a, Infinite))
	require.NoError(t, l.AcquireReader(ctx, a, Infinite))
	require.NoError(t, l.AcquireReader(ctx, b, Infinite))

	c, err := l.UpgradeToWriter(ctx, a, 50*time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)
	require.Nil(t, c)
	require.True(t, l.IsReaderHeld(a))
	require.False(t, l.IsWriterHeld(a))
	require.Equal(t, 2, l.State().Readers)

	require.NoError(t, l.ReleaseReader(a))
	require.NoError(t, l.ReleaseReader(a))
	require.ErrorIs(t, l.ReleaseReader(a), ErrNotOwner)
	require.NoError(t, l.ReleaseReader(b))
	require.True(t, l.State().Free())
}

func TestUpgrade_CancelRestoresReader(t *testing.T) {
	l := newLock(t, WithSpinCount(0))
	a, b := newThread(t), newThread(t)
	require.NoError(t, l.AcquireReader(context.Background(), a, Infinite))
	require.NoError(t, l.AcquireReader(context.Background(), b, Infinite))

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := l.UpgradeToWriter(ctx, a, Infinite)
		errc <- err
	}()
	eventually(t, func() bool { return l.State().WaitingWriters == 1 })
	cancel()
	require.ErrorIs(t, <-errc, ErrCancelled)
	require.True(t, l.IsReaderHeld(a))
	require.Equal(t, 2, l.State().Readers)

	require.NoError(t, l.ReleaseReader(a))
	require.NoError(t, l.ReleaseReader(b))
	require.True(t, l.State().Free())
}

func TestUpgrade_Writer(t *testing.T) {
	ctx := context.Background()
	l := newLock(t)
	a := newThread(t)

	require.NoError(t, l.AcquireWriter(ctx, a, Infinite))
	c, err := l.UpgradeToWriter(ctx, a, Infinite)
	require.NoError(t, err)
	require.Equal(t, RoleWriter, c.Role())
	require.NoError(t, l.DowngradeFromWriter(a, c))
	require.True(t, l.IsWriterHeld(a))
	require.NoError(t, l.ReleaseWriter(a))
	require.True(t, l.State().Free())
}

func TestUpgrade_NothingHeld(t *testing.T) {
	ctx := context.Background()
	l := newLock(t)
	a := newThread(t)

	c, err := l.UpgradeToWriter(ctx, a, Infinite)
	require.NoError(t, err)
	require.Equal(t, RoleNone, c.Role())
	require.True(t, l.IsWriterHeld(a))
	require.NoError(t, l.DowngradeFromWriter(a, c))
	require.False(t, l.IsWriterHeld(a))
	require.True(t, l.State().Free())
}

func TestDowngrade_NothingHeldKeepsNested(t *testing.T) {
	ctx := context.Background()
	l := newLock(t)
	a := newThread(t)

	c, err := l.UpgradeToWriter(ctx, a, Infinite)
	require.NoError(t, err)
	require.NoError(t, l.AcquireWriter(ctx, a, Infinite))
	require.NoError(t, l.DowngradeFromWriter(a, c))
	require.True(t, l.IsWriterHeld(a))
	require.True(t, l.State().Writer)

	require.NoError(t, l.ReleaseWriter(a))
	require.False(t, l.IsWriterHeld(a))
	require.True(t, l.State().Free())
}

func TestDowngrade_WakesReaders(t *testing.T) {
	ctx := context.Background()
	l := newLock(t, WithSpinCount(0))
	a, b := newThread(t), newThread(t)

	require.NoError(t, l.AcquireReader(ctx, a, Infinite))
	c, err := l.UpgradeToWriter(ctx, a, Infinite)
	require.NoError(t, err)

	errc := make(chan error, 1)
	go func() {
		errc <- l.AcquireReader(ctx, b, Infinite)
	}()
	eventually(t, func() bool { return l.State().WaitingReaders == 1 })
	require.NoError(t, l.DowngradeFromWriter(a, c))
	require.NoError(t, <-errc)
	require.Equal(t, 2, l.State().Readers)

	require.NoError(t, l.ReleaseReader(a))
	require.NoError(t, l.ReleaseReader(b))
	require.True(t, l.State().Free())
}

func TestDowngrade_InvalidCookie(t *testing.T) {
	ctx := context.Background()
	l, other := newLock(t), newLock(t)
	a, b := newThread(t), newThread(t)

	require.NoError(t, l.AcquireReader(ctx, a, Infinite))
	c1, err := l.UpgradeToWriter(ctx, a, Infinite)
	require.NoError(t, err)

	// Not the writer.
	require.ErrorIs(t, l.DowngradeFromWriter(b, c1), ErrNotOwner)

	// Nested writer acquisitions must be released first.
	require.NoError(t, l.AcquireWriter(ctx, a, Infinite))
	require.ErrorIs(t, l.DowngradeFromWriter(a, c1), ErrInvalidCookie)
	require.NoError(t, l.ReleaseWriter(a))

	require.NoError(t, l.DowngradeFromWriter(a, c1))

	c2, err := l.UpgradeToWriter(ctx, a, Infinite)
	require.NoError(t, err)
	require.ErrorIs(t, l.DowngradeFromWriter(a, c1), ErrInvalidCookie)
	require.ErrorIs(t, l.DowngradeFromWriter(a, nil), ErrInvalidCookie)

	// Cookies of the wrong kind or lock.
	require.NoError(t, other.AcquireReader(ctx, a, Infinite))
	rc, err := other.ReleaseLock(a)
	require.NoError(t, err)
	require.ErrorIs(t, l.DowngradeFromWriter(a, rc), ErrInvalidCookie)
	require.NoError(t, other.AcquireReader(ctx, a, Infinite))
	oc, err := other.UpgradeToWriter(ctx, a, Infinite)
	require.NoError(t, err)
	require.ErrorIs(t, l.DowngradeFromWriter(a, oc), ErrInvalidCookie)
	require.NoError(t, other.DowngradeFromWriter(a, oc))
	require.NoError(t, other.ReleaseReader(a))

	require.NoError(t, l.DowngradeFromWriter(a, c2))
	require.NoError(t, l.ReleaseReader(a))
	require.True(t, l.State().Free())
	require.True(t, other.State().Free())
}

func TestReleaseRestore_Reader(t *testing.T) {
	ctx := context.Background()
	l := newLock(t)
	a := newThread(t)

	for range 3 {
		require.NoError(t, l.AcquireReader(ctx, a, Infinite))
	}
	before := l.State()
	c, err := l.ReleaseLock(a)
	require.NoError(t, err)
	require.Equal(t, RoleReader, c.Role())
	require.True(t, l.State().Free())
	require.False(t, l.IsReaderHeld(a))

	require.NoError(t, l.RestoreLock(ctx, a, c))
	require.Equal(t, before, l.State())
	require.ErrorIs(t, l.RestoreLock(ctx, a, c), ErrInvalidCookie)
	for range 3 {
		require.NoError(t, l.ReleaseReader(a))
	}
	require.True(t, l.State().Free())
	require.ErrorIs(t, l.RestoreLock(ctx, a, c), ErrInvalidCookie)
}

func TestReleaseRestore_Writer(t *testing.T) {
	ctx := context.Background()
	l := newLock(t)
	a := newThread(t)

	require.NoError(t, l.AcquireWriter(ctx, a, Infinite))
	require.NoError(t, l.AcquireWriter(ctx, a, Infinite))
	c, err := l.ReleaseLock(a)
	require.NoError(t, err)
	require.Equal(t, RoleWriter, c.Role())
	require.True(t, l.State().Free())

	require.NoError(t, l.RestoreLock(ctx, a, c))
	require.True(t, l.IsWriterHeld(a))
	require.False(t, l.AnyWritersSince(a, c.SeqNum()))
	require.NoError(t, l.ReleaseWriter(a))
	require.True(t, l.IsWriterHeld(a))
	require.NoError(t, l.ReleaseWriter(a))
	require.True(t, l.State().Free())
}

func TestReleaseRestore_Nothing(t *testing.T) {
	ctx := context.Background()
	l := newLock(t)
	a := newThread(t)

	c, err := l.ReleaseLock(a)
	require.NoError(t, err)
	require.Equal(t, RoleNone, c.Role())
	require.NoError(t, l.RestoreLock(ctx, a, c))
	require.True(t, l.State().Free())
}

func TestRestore_Conflict(t *testing.T) {
	ctx := context.Background()
	l := newLock(t)
	a, b := newThread(t), newThread(t)

	require.NoError(t, l.AcquireReader(ctx, a, Infinite))
	c, err := l.ReleaseLock(a)
	require.NoError(t, err)

	require.NoError(t, l.AcquireReader(ctx, a, Infinite))
	require.ErrorIs(t, l.RestoreLock(ctx, a, c), ErrRestoreConflict)
	require.ErrorIs(t, l.RestoreLock(ctx, b, c), ErrInvalidCookie)
	require.NoError(t, l.ReleaseReader(a))

	// The conflict did not consume the cookie.
	require.NoError(t, l.RestoreLock(ctx, a, c))
	require.NoError(t, l.ReleaseReader(a))
	require.True(t, l.State().Free())
}

func TestRestore_WaitsForWriter(t *testing.T) {
	ctx := context.Background()
	l := newLock(t, WithSpinCount(0))
	a, b := newThread(t), newThread(t)

	require.NoError(t, l.AcquireWriter(ctx, a, Infinite))
	c, err := l.ReleaseLock(a)
	require.NoError(t, err)
	require.NoError(t, l.AcquireWriter(ctx, b, Infinite))

	errc := make(chan error, 1)
	go func() {
		errc <- l.RestoreLock(ctx, a, c)
	}()
	eventually(t, func() bool { return l.State().WaitingWriters == 1 })
	require.NoError(t, l.ReleaseWriter(b))
	require.NoError(t, <-errc)
	require.True(t, l.IsWriterHeld(a))
	require.True(t, l.AnyWritersSince(a, c.SeqNum()))
	require.NoError(t, l.ReleaseWriter(a))
	require.True(t, l.State().Free())
}

func TestRestore_RecoveryFailure(t *testing.T) {
	ctx := context.Background()
	l := newLock(t, WithSpinCount(0), WithRecoveryTimeout(50*time.Millisecond))
	a, b := newThread(t), newThread(t)

	require.NoError(t, l.AcquireReader(ctx, a, Infinite))
	c, err := l.ReleaseLock(a)
	require.NoError(t, err)
	require.NoError(t, l.AcquireWriter(ctx, b, Infinite))

	err = l.RestoreLock(ctx, a, c)
	require.ErrorIs(t, err, ErrRecoveryFailure)
	require.ErrorIs(t, err, ErrTimeout)
	require.False(t, l.IsReaderHeld(a))

	// The lock is unusable by a from now on, but not by others.
	require.ErrorIs(t, l.AcquireReader(ctx, a, 0), ErrRecoveryFailure)
	require.NoError(t, l.ReleaseWriter(b))
	require.NoError(t, l.AcquireReader(ctx, b, 0))
	require.NoError(t, l.ReleaseReader(b))
	require.True(t, l.State().Free())
}

var errSignal = errors.New("signal lost")

// failOnceEvent delivers every Set but reports the first one as failed.
type failOnceEvent struct {
	Event
	failed atomic.Bool
}

func (e *failOnceEvent) Set() error {
	if err := e.Event.Set(); err != nil {
		return err
	}
	if e.failed.CompareAndSwap(false, true) {
		return errSignal
	}
	return nil
}

func TestUpgrade_SignalFailureLogged(t *testing.T) {
	ctx := context.Background()
	core, logs := observer.New(zapcore.WarnLevel)
	l := newLock(t, WithSpinCount(0), WithLogger(zap.New(core)),
		WithEventFactory(func(kind EventKind) (Event, error) {
			ev := NewEvent(kind, nil)
			if kind == AutoReset {
				return &failOnceEvent{Event: ev}, nil
			}
			return ev, nil
		}))
	a, b := newThread(t), newThread(t)

	require.NoError(t, l.AcquireReader(ctx, a, Infinite))
	errc := make(chan error, 1)
	go func() {
		errc <- l.AcquireWriter(ctx, b, Infinite)
	}()
	eventually(t, func() bool { return l.State().WaitingWriters == 1 })

	// a's reader release signals b and the signal reports failure.
	type result struct {
		c   *LockCookie
		err error
	}
	done := make(chan result, 1)
	go func() {
		c, err := l.UpgradeToWriter(ctx, a, Infinite)
		done <- result{c, err}
	}()
	require.NoError(t, <-errc)
	require.True(t, l.IsWriterHeld(b))
	eventually(t, func() bool { return l.State().WaitingWriters == 1 })
	require.NoError(t, l.ReleaseWriter(b))

	r := <-done
	require.NoError(t, r.err)
	require.True(t, l.IsWriterHeld(a))
	require.Equal(t, 1, logs.FilterMessage("failed to signal on upgrade").Len())
	signal := logs.FilterMessage("failed to signal event").All()
	require.Len(t, signal, 1)
	require.Equal(t, errSignal.Error(), signal[0].ContextMap()["error"])

	require.NoError(t, l.DowngradeFromWriter(a, r.c))
	require.True(t, l.IsReaderHeld(a))
	require.NoError(t, l.ReleaseReader(a))
	require.True(t, l.State().Free())
}
