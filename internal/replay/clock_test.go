package replay

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestVirtualClockAdvances(t *testing.T) {
	start := time.Date(2025, 6, 2, 9, 15, 0, 0, time.UTC)
	c := NewVirtualClock(start)
	assert.Equal(t, start, c.Now())

	later := start.Add(5 * time.Second)
	c.AdvanceTo(later)
	assert.Equal(t, later, c.Now())
}

func TestVirtualClockNeverRewinds(t *testing.T) {
	start := time.Date(2025, 6, 2, 9, 15, 0, 0, time.UTC)
	c := NewVirtualClock(start)

	c.AdvanceTo(start.Add(10 * time.Second))
	c.AdvanceTo(start.Add(3 * time.Second))
	assert.Equal(t, start.Add(10*time.Second), c.Now())

	// Same instant is a no-op, not an error.
	c.AdvanceTo(start.Add(10 * time.Second))
	assert.Equal(t, start.Add(10*time.Second), c.Now())
}
