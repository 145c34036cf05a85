package zlock

import "errors"

// Wire-visible errors. Lock.Acquire and Lock.Release return these values
// unwrapped, so callers can match with errors.Is or plain equality; the wire
// layer (wireError in wire.go) turns them into byte-exact error payloads.
var (
	// ErrAlreadyWaiting is returned when a client tries to enqueue a second
	// waiting request for a lock it is already waiting on.
	ErrAlreadyWaiting = errors.New("zlock: client already waiting for lock")

	// ErrInvalidReentry is returned when a reader tries to re-enter the same
	// lock as a writer. Upgrade is forbidden.
	ErrInvalidReentry = errors.New("zlock: lock already held read-only, cannot re-enter as writer")

	// ErrNotHeld is returned when a client asks to release a lock it does
	// not hold.
	ErrNotHeld = errors.New("zlock: lock not held")
)

// invalidState panics with diagnostic context identifying an impossible
// LockRequest state transition. This is a programmer bug: per SPEC_FULL.md
// §7 it must never be caught and turned into a wire reply.
func invalidState(where string, state requestState) {
	panic("zlock: invalid state " + state.String() + " in " + where)
}

// reuseAfterInvalid panics when a Lock handle is used after it has been
// swept from the active-lock table. Also a programmer bug, never recoverable.
func reuseAfterInvalid(key string) {
	panic("zlock: reuse of invalidated lock for key " + key)
}
