package crwlock

import (
	"os"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// ============================================================================
// Configuration
// ============================================================================

const (
	// reasonableTimeout is the floor of the recovery timeout when the
	// process default timeout is finite.
	reasonableTimeout = 120 * time.Second

	// saturatedSleep is the back-off when the reader or waiter counts are
	// full.
	saturatedSleep = time.Second
	// cachingSleep is the back-off while another thread caches the events.
	cachingSleep = time.Millisecond
	// eventRetrySleep is the back-off of a release that could not create the
	// event it must signal.
	eventRetrySleep = 100 * time.Millisecond
	// signalDrainPoll is how often a timed-out writer re-polls the writer
	// event for a wakeup it raced with.
	signalDrainPoll = 10 * time.Millisecond

	// maxThreadEntries bounds the per-thread entry cache.
	maxThreadEntries = 4096
)

// Environment variables read once at process start.
const (
	EnvSpinCount      = "CRWLOCK_SPIN_COUNT"
	EnvDefaultTimeout = "CRWLOCK_DEFAULT_TIMEOUT"
)

// Defaults are the process-wide settings new locks start from.
type Defaults struct {
	// SpinCount is the number of state re-reads a contended acquisition
	// performs before it parks. 500 on multi-core machines, 0 otherwise.
	SpinCount int
	// Timeout is the process default timeout. It only shapes the recovery
	// timeout; callers always pass their own.
	Timeout time.Duration
}

// ProcessDefaults returns the process-wide defaults. They are computed on
// first use from the processor count and the CRWLOCK_SPIN_COUNT and
// CRWLOCK_DEFAULT_TIMEOUT environment variables, and never change after.
func ProcessDefaults() Defaults {
	return processDefaults()
}

var processDefaults = sync.OnceValue(func() Defaults {
	d := Defaults{Timeout: Infinite}
	if runtime.NumCPU() > 1 {
		d.SpinCount = 500
	}
	if v, ok := os.LookupEnv(EnvSpinCount); ok {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			d.SpinCount = n
		}
	}
	if v, ok := os.LookupEnv(EnvDefaultTimeout); ok {
		if t, err := time.ParseDuration(v); err == nil && t > 0 {
			d.Timeout = t
		}
	}
	return d
})

// recoveryTimeout is infinite when the default is, otherwise at least
// reasonableTimeout.
func recoveryTimeout(def time.Duration) time.Duration {
	if def < 0 {
		return Infinite
	}
	return max(def, reasonableTimeout)
}

// config defines the options of a lock.
type config struct {
	// spinCount is the bounded spin before parking. Negative means the
	// process default.
	spinCount int

	// recoveryTimeout bounds the re-acquisition after a failed upgrade or
	// restore. Zero means derived from the process default timeout.
	recoveryTimeout time.Duration

	// logger receives slow-path warnings. Nil means no logging.
	logger *zap.Logger

	// clock measures sleeps and, for the default factory, event timeouts.
	// Nil means the real clock.
	clock clockwork.Clock

	// newEvent creates the lock's events. Nil means the channel-based
	// events of NewEvent, shared through the process event cache.
	newEvent EventFactory
}

// Option configures a lock created by New.
type Option func(*config)

// WithSpinCount sets how many times a contended acquisition re-reads the
// state word before it parks. 0 parks immediately. Negative values restore
// the process default.
func WithSpinCount(n int) Option {
	return func(c *config) {
		c.spinCount = n
	}
}

// WithRecoveryTimeout sets the timeout used to re-establish the held role
// after a failed upgrade or restore. Infinite waits forever.
func WithRecoveryTimeout(d time.Duration) Option {
	return func(c *config) {
		c.recoveryTimeout = d
	}
}

// WithLogger sets the logger for timeouts, interrupted waits, event
// allocation failures and recovery failures.
func WithLogger(l *zap.Logger) Option {
	return func(c *config) {
		c.logger = l
	}
}

// WithClock sets the clock used for back-off sleeps and for the timeouts of
// the default events. Mostly useful with clockwork.NewFakeClock in tests.
func WithClock(clock clockwork.Clock) Option {
	return func(c *config) {
		c.clock = clock
	}
}

// WithEventFactory plugs in the host's event implementation. Events from a
// custom factory are cached per lock rather than process-wide.
func WithEventFactory(f EventFactory) Option {
	return func(c *config) {
		c.newEvent = f
	}
}

func newConfig(opts []Option) config {
	c := config{spinCount: -1}
	for _, o := range opts {
		o(&c)
	}
	d := processDefaults()
	if c.spinCount < 0 {
		c.spinCount = d.SpinCount
	}
	if c.recoveryTimeout == 0 {
		c.recoveryTimeout = recoveryTimeout(d.Timeout)
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	return c
}

// events returns the cache the lock draws its events from.
func (c *config) events() *eventCache {
	switch {
	case c.newEvent != nil:
		return newEventCache(c.newEvent, 2)
	case c.clock != nil:
		return newEventCache(eventFactory(c.clock), 2)
	default:
		return defaultEventCache()
	}
}

func (c *config) sleepClock() clockwork.Clock {
	if c.clock == nil {
		return clockwork.NewRealClock()
	}
	return c.clock
}
