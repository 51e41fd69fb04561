package engine

import (
	"sync/atomic"
	"time"
)

// Tick is the dispatcher's discrete time. It wraps around; comparisons go
// through Due so a wrap is harmless as long as no timer is scheduled more
// than half the range ahead.
type Tick uint32

// Due reports whether a timer due at due has expired at now.
func Due(now, due Tick) bool {
	return int32(now-due) >= 0
}

// MaxDelay is the longest timer delay Due still orders correctly.
const MaxDelay = 1<<31 - 1

// Clock is the tick counter of one dispatcher.
//
// Only the dispatcher's own goroutine advances it. Reads from other
// goroutines (diagnostics) are safe.
type Clock struct {
	now atomic.Uint32
}

// NewClockAt creates a clock starting at a specific tick. Used by tests to
// exercise the wrap-around.
func NewClockAt(start Tick) *Clock {
	c := &Clock{}
	c.now.Store(uint32(start))
	return c
}

// Advance increments the clock and returns the new tick.
func (c *Clock) Advance() Tick {
	return Tick(c.now.Add(1))
}

// Now returns the current tick without advancing.
func (c *Clock) Now() Tick {
	return Tick(c.now.Load())
}

// Ticks converts a duration into a number of ticks of the given period,
// rounding to the nearest tick. Non-zero durations yield at least one tick.
func Ticks(d, period time.Duration) uint32 {
	if d <= 0 || period <= 0 {
		return 0
	}
	n := (d + period/2) / period
	if n < 1 {
		n = 1
	}
	return uint32(n)
}
