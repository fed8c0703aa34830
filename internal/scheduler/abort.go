package scheduler

import "sync/atomic"

// AbortFlag is a cooperative stop signal distinct from context
// cancellation: setting it tells the scheduler to stop enqueuing new ready
// work, while letting already-running tasks finish normally, so a single
// failure under a non-continue-on-failure policy doesn't kill in-flight
// work that would otherwise succeed (spec §4.H "continue_on_failure").
type AbortFlag struct {
	v int32
}

// Set marks the flag. Idempotent.
func (a *AbortFlag) Set() { atomic.StoreInt32(&a.v, 1) }

// IsSet reports whether Set has been called.
func (a *AbortFlag) IsSet() bool { return atomic.LoadInt32(&a.v) == 1 }
