package opt

import (
	"unsafe"

	"golang.org/x/sys/cpu"
)

// CacheLineSize_ is the padding unit used to keep hot counters off the
// lock state word's cache line. Taken from golang.org/x/sys/cpu.
const CacheLineSize_ = unsafe.Sizeof(cpu.CacheLinePad{})

// CacheLinePad_ fills one cache line.
type CacheLinePad_ [CacheLineSize_]byte
