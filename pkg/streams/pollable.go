// Package streams implements the pollable bitmap and counter streams that
// back /stats and /streams: every externally observable counter or bitmap
// is a Pollable, and bitmaps additionally expose a Group of per-consumer
// byte Streams that emit a line each time a bit transitions.
package streams

import (
	"context"
	"sync"
)

// Pollable tracks a monotonically increasing generation, bumped on every
// change, so a waiter can tell whether something happened since it last
// checked without missing updates that land between its check and its
// wait. Stands in for vmnetfs's poll-handle queue, adapted to Go: instead
// of libfuse handing us a pollhandle to notify later, callers wait on a
// generation number (the fuseadapter layer bridges this to go-fuse's own
// poll notification).
type Pollable struct {
	mu         sync.Mutex
	cond       *sync.Cond
	generation uint64
}

// NewPollable returns a Pollable starting at generation 0.
func NewPollable() *Pollable {
	p := &Pollable{}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Generation returns the current change generation.
func (p *Pollable) Generation() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.generation
}

// Changed bumps the generation and wakes every waiter.
func (p *Pollable) Changed() {
	p.mu.Lock()
	p.generation++
	p.cond.Broadcast()
	p.mu.Unlock()
}

// WaitChange blocks until the generation differs from since, or ctx is
// done, returning the generation observed.
func (p *Pollable) WaitChange(ctx context.Context, since uint64) (uint64, error) {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			p.mu.Lock()
			p.cond.Broadcast()
			p.mu.Unlock()
		case <-stop:
		}
	}()

	p.mu.Lock()
	defer p.mu.Unlock()
	for p.generation == since {
		if err := ctx.Err(); err != nil {
			return p.generation, err
		}
		p.cond.Wait()
	}
	return p.generation, nil
}
