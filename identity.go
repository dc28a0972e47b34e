package crwlock

import (
	"fmt"
	"sync/atomic"
)

// Identity names a lock instance for the lifetime of the process.
// Local is never 0 for a live lock; Epoch advances each time Local wraps,
// so two locks never share an identity.
type Identity struct {
	Local uint32
	Epoch uint32
}

func (id Identity) String() string {
	return fmt.Sprintf("%d.%d", id.Epoch, id.Local)
}

// packed is the representation stored in thread entries; 0 is the empty
// slot.
func (id Identity) packed() uint64 {
	return uint64(id.Epoch)<<32 | uint64(id.Local)
}

func unpackIdentity(v uint64) Identity {
	return Identity{Local: uint32(v), Epoch: uint32(v >> 32)}
}

// lastIdentity is the most recently issued identity in packed form. The low
// word is the local id, so an increment that wraps it carries into the
// epoch.
var lastIdentity atomic.Uint64

func nextIdentity() Identity {
	for {
		v := lastIdentity.Add(1)
		if uint32(v) != 0 {
			return unpackIdentity(v)
		}
		// Local id 0 marks an unbound entry; skip it.
	}
}
