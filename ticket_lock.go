package crwlock

import (
	"sync/atomic"
)

// ticketLock is a fair, FIFO spin-lock.
//
// It guards the process-wide thread registry, the only place where one
// thread may look at another thread's lock entries. Critical sections are a
// handful of loads and stores, so spinning beats parking.
//
//   - lock(): takes a ticket and waits until serving == ticket.
//   - unlock(): advances serving to the next ticket holder.
type ticketLock struct {
	_       noCopy
	next    atomic.Uint32
	serving atomic.Uint32
}

func (m *ticketLock) lock() {
	my := m.next.Add(1) - 1
	var spins int
	for m.serving.Load() != my {
		delay(&spins)
	}
}

func (m *ticketLock) unlock() {
	m.serving.Add(1)
}
