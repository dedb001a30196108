// Package onceaction implements the single-use completion callback: a
// callable that fires at most once, safely from any thread, regardless
// of how many times it is invoked.
package onceaction

import "sync/atomic"

// Action wraps a func() so that Invoke calls it at most once. Extra
// Invoke calls (from a transport retrying delivery-completion, or from a
// failure path racing the transport's own completion) are no-ops.
//
// Implementation: atomic take-and-null of the stored callable.
type Action struct {
	fn atomic.Pointer[func()]
}

// New wraps fn in an Action. fn must be non-nil.
func New(fn func()) *Action {
	a := &Action{}
	f := fn
	a.fn.Store(&f)
	return a
}

// Invoke calls the wrapped function exactly once across however many times
// Invoke itself is called, from any goroutine.
func (a *Action) Invoke() {
	if a == nil {
		return
	}
	p := a.fn.Swap(nil)
	if p != nil {
		(*p)()
	}
}

// Fired reports whether Invoke has already run (or is running). Useful for
// tests and for diagnostics; never use it to gate a second Invoke, since
// the whole point of Action is to make that race-free.
func (a *Action) Fired() bool {
	return a.fn.Load() == nil
}
