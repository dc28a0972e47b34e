package opt

// Assert panics with msg when cond is false and assertions are enabled.
// Release builds compile it away; callers still return an error for the
// violated invariant.
//
//go:nosplit
func Assert(cond bool, msg string) {
	if Debug_ && !cond {
		panic("crwlock: invariant violated: " + msg)
	}
}
