//go:build crwlock_debug

package opt

// Debug_ enables invariant assertions. Build with -tags=crwlock_debug.
const Debug_ = true
