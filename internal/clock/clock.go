// Package clock provides the millisecond time source used by the schedulers.
//
// Scheduling decisions are wall-clock comparisons in whole milliseconds.
// Production code uses Real; tests drive a Manual clock so that elapsed
// time is exact.
package clock

import (
	"sync"
	"time"
)

// Clock reports the current time in milliseconds.
type Clock interface {
	NowMillis() int64
}

// Real is a monotonic clock measured from its creation.
// The first reading is 1 so that 0 can mean "unset" in callers.
type Real struct {
	start time.Time
}

// NewReal creates a clock anchored at the current instant.
func NewReal() *Real {
	return &Real{start: time.Now()}
}

// NowMillis returns milliseconds since the clock was created, plus one.
func (c *Real) NowMillis() int64 {
	return time.Since(c.start).Milliseconds() + 1
}

// Manual is a clock that only moves when told to.
// Thread-safe: all methods are guarded by a mutex.
type Manual struct {
	mu  sync.Mutex
	now int64
}

// NewManual creates a manual clock at the given time.
func NewManual(start int64) *Manual {
	return &Manual{now: start}
}

// NowMillis returns the current manual time.
func (c *Manual) NowMillis() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Set moves the clock to an absolute time.
func (c *Manual) Set(ms int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = ms
}

// Advance moves the clock forward and returns the new time.
func (c *Manual) Advance(ms int64) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now += ms
	return c.now
}
