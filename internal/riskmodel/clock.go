package riskmodel

import (
	"sync"
	"time"
)

// Clock issues calculation timestamps.
type Clock interface {
	Now() time.Time
}

// MonotonicClock returns strictly increasing microsecond timestamps, even
// when the wall clock stalls or steps backwards.
type MonotonicClock struct {
	mu   sync.Mutex
	last time.Time
	wall func() time.Time
}

// NewMonotonicClock returns a clock on the system wall clock.
func NewMonotonicClock() *MonotonicClock {
	return &MonotonicClock{wall: time.Now}
}

// Now returns max(wall, last+1µs), truncated to the microsecond.
func (c *MonotonicClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.wall().UTC().Truncate(time.Microsecond)
	if !now.After(c.last) {
		now = c.last.Add(time.Microsecond)
	}
	c.last = now
	return now
}
