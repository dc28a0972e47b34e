//go:build !race

package opt

// Race_ reports whether the race detector is enabled. Tests use it to scale
// down contention loops.
const Race_ = false
