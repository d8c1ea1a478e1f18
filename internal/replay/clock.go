// Package replay streams historical ticks through the live processing
// pipeline under a virtual clock, so that a strategy validated on replay
// behaves identically in production.
package replay

import (
	"sync"
	"time"
)

// VirtualClock is a domain.Clock advanced explicitly by the coordinator. The
// pipeline reads simulated time from it, which makes throttling, hold timers
// and wall-durability checks deterministic regardless of replay speed.
type VirtualClock struct {
	mu  sync.RWMutex
	now time.Time
}

// NewVirtualClock creates a VirtualClock starting at the given instant.
func NewVirtualClock(start time.Time) *VirtualClock {
	return &VirtualClock{now: start}
}

// Now returns the current simulated time.
func (c *VirtualClock) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.now
}

// AdvanceTo moves simulated time forward to t. Moves backwards are ignored so
// a duplicate-timestamp tick can never rewind the clock.
func (c *VirtualClock) AdvanceTo(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t.After(c.now) {
		c.now = t
	}
}
