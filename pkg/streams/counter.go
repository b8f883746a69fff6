package streams

import (
	"fmt"
	"sync/atomic"
)

// Counter is a pollable monotonic-ish u64 statistic (bytes read, chunks
// fetched from origin, and similar). Its stream rendering is the decimal
// value followed by a newline, re-read in full on every poll wakeup
// rather than incrementally like a Bitmap's event log.
type Counter struct {
	v    int64
	poll *Pollable
}

// NewCounter returns a Counter starting at zero.
func NewCounter() *Counter {
	return &Counter{poll: NewPollable()}
}

// Add adds delta (possibly negative) and returns the new value.
func (c *Counter) Add(delta int64) int64 {
	v := atomic.AddInt64(&c.v, delta)
	c.poll.Changed()
	return v
}

// Set stores v directly.
func (c *Counter) Set(v int64) {
	atomic.StoreInt64(&c.v, v)
	c.poll.Changed()
}

// Value returns the current value.
func (c *Counter) Value() int64 {
	return atomic.LoadInt64(&c.v)
}

// String renders the value the way a /stats/* read returns it.
func (c *Counter) String() string {
	return fmt.Sprintf("%d\n", c.Value())
}

// Poll returns the counter's readiness Pollable.
func (c *Counter) Poll() *Pollable { return c.poll }
