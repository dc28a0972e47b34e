package crwlock

import "fmt"

// The lock state word, 32 bits:
//
//	bits  0-9:  reader count
//	bit  10:    reader signaled (reader event set, waking readers)
//	bit  11:    writer signaled (writer event set, one writer waking)
//	bit  12:    writer held
//	bits 13-22: waiting readers
//	bits 23-31: waiting writers
//
// Both signaled bits set together mean the events are being cached;
// arrivals spin until the bits clear.
const (
	reader              uint32 = 0x00000001
	readersMask         uint32 = 0x000003FF
	readerSignaled      uint32 = 0x00000400
	writerSignaled      uint32 = 0x00000800
	writer              uint32 = 0x00001000
	waitingReader       uint32 = 0x00002000
	waitingReadersMask  uint32 = 0x007FE000
	waitingReadersShift        = 13
	waitingWriter       uint32 = 0x00800000
	waitingWritersMask  uint32 = 0xFF800000
	waitingWritersShift        = 23
	cachingEvents              = readerSignaled | writerSignaled
)

// maxRecursion is the largest reader or writer recursion depth.
const maxRecursion = 0xFFFF

// neg returns the two's complement of x, so that state.Add(neg(x))
// subtracts x.
//
//go:nosplit
func neg(x uint32) uint32 {
	return -x
}

// State is a decoded snapshot of a lock's state word.
type State struct {
	Readers        int
	Writer         bool
	WaitingReaders int
	WaitingWriters int
	ReaderSignaled bool
	WriterSignaled bool
}

func decodeState(s uint32) State {
	return State{
		Readers:        int(s & readersMask),
		Writer:         s&writer != 0,
		WaitingReaders: int((s & waitingReadersMask) >> waitingReadersShift),
		WaitingWriters: int((s & waitingWritersMask) >> waitingWritersShift),
		ReaderSignaled: s&readerSignaled != 0,
		WriterSignaled: s&writerSignaled != 0,
	}
}

// Free reports whether nobody holds or waits for the lock.
func (s State) Free() bool {
	return s == State{}
}

// CachingEvents reports whether the lock is releasing its events.
func (s State) CachingEvents() bool {
	return s.ReaderSignaled && s.WriterSignaled
}

func (s State) String() string {
	return fmt.Sprintf("readers=%d writer=%t waiting_readers=%d waiting_writers=%d reader_signaled=%t writer_signaled=%t",
		s.Readers, s.Writer, s.WaitingReaders, s.WaitingWriters, s.ReaderSignaled, s.WriterSignaled)
}

// readerMayEnter reports whether a reader can join without waiting: either
// only readers are present, or a reader cohort is being woken and there is
// room for one more reader beside it.
//
//go:nosplit
func readerMayEnter(s uint32) bool {
	if s < readersMask {
		return true
	}
	return s&readerSignaled != 0 && s&writer == 0 &&
		(s&readersMask)+((s&waitingReadersMask)>>waitingReadersShift) <= readersMask-2
}

// writerMayEnter reports whether a writer can take the lock without waiting.
//
//go:nosplit
func writerMayEnter(s uint32) bool {
	return s == 0 || s == cachingEvents
}
