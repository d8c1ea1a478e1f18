package domain

import "time"

// Clock abstracts "now" so that every time read inside the pipeline can be
// driven either by the wall clock (live mode) or by a virtual clock advanced
// per tick (replay mode). Throttles, hold timers and durability checks must
// go through a Clock, never time.Now directly.
type Clock interface {
	Now() time.Time
}

// RealClock is the production Clock backed by the system time.
type RealClock struct{}

// Now returns the current wall-clock time.
func (RealClock) Now() time.Time { return time.Now() }
