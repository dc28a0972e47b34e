package crwlock

import (
	"sync/atomic"

	"github.com/llxisdsh/crwlock/internal/opt"
)

// lockStats is kept off the cache line of the state word.
type lockStats struct {
	_                 opt.CacheLinePad_
	readerEntries     atomic.Uint64
	readerContentions atomic.Uint64
	writerEntries     atomic.Uint64
	writerContentions atomic.Uint64
	eventsReleased    atomic.Uint64
}

// Stats counts the work a lock has done since New.
type Stats struct {
	// ReaderEntries counts outermost reader acquisitions.
	ReaderEntries uint64
	// ReaderContentions counts reader acquisitions that parked.
	ReaderContentions uint64
	// WriterEntries counts outermost writer acquisitions.
	WriterEntries uint64
	// WriterContentions counts writer acquisitions that parked.
	WriterContentions uint64
	// EventsReleased counts how often the lock handed its events back to
	// the cache.
	EventsReleased uint64
}

// Stats returns a snapshot of the lock's counters.
func (l *RWLock) Stats() Stats {
	return Stats{
		ReaderEntries:     l.stats.readerEntries.Load(),
		ReaderContentions: l.stats.readerContentions.Load(),
		WriterEntries:     l.stats.writerEntries.Load(),
		WriterContentions: l.stats.writerContentions.Load(),
		EventsReleased:    l.stats.eventsReleased.Load(),
	}
}
