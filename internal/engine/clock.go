package engine

import "sync/atomic"

// Clock hands out integration sequence numbers.
//
// Every op moved out of the pending scope is stamped with a strictly
// increasing value from this clock. The order of integration is therefore
// explicit and never depends on wall-clock time. Safe for concurrent use,
// though only the integration consumer calls Next.
type Clock struct {
	seq atomic.Int64
}

// NewClock creates a new clock starting at 0.
func NewClock() *Clock {
	return &Clock{}
}

// NewClockAt creates a clock whose next value is start+1. A restarted
// cell passes the highest sequence already in its store.
func NewClockAt(start int64) *Clock {
	c := &Clock{}
	c.seq.Store(start)
	return c
}

// Next returns the next sequence number and increments the clock.
func (c *Clock) Next() int64 {
	return c.seq.Add(1)
}

// Current returns the last value handed out.
func (c *Clock) Current() int64 {
	return c.seq.Load()
}
