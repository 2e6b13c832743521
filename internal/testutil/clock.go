package testutil

import (
	"sync"
	"time"
)

// Epoch is the fixed instant new clocks start at. Tests that compute
// expected timestamps should derive them from this value.
var Epoch = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

// Clock is a manually advanced time source. Services and repositories
// take a `now func() time.Time`; hand them c.Now (or NowFunc) so tests
// control every timestamp.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock returns a Clock set to the given time, or to Epoch when none
// is given.
func NewClock(now ...time.Time) *Clock {
	t := Epoch
	if len(now) > 0 {
		t = now[0]
	}
	return &Clock{now: t}
}

// Now returns the clock's current time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// NowFunc returns Now as a standalone function value, matching the
// `now func() time.Time` dependency the repositories declare.
func (c *Clock) NowFunc() func() time.Time { return c.Now }

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Set overrides the clock's current time.
func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}
