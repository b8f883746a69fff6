package streams

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
)

// ErrNonBlocking is returned by a non-blocking Read that finds no data
// queued, mirroring VMNETFS_STREAM_ERROR_NONBLOCKING.
var ErrNonBlocking = errors.New("streams: no data available")

// Stream is one consumer's byte-oriented view onto a Group: a FIFO of
// bytes appended by the group's writers and drained by one reader, closed
// when the group is closed. Unlike the block-queue the original
// implementation used to bound any one allocation's size, this holds
// queued bytes in a single growable buffer — Go's GC makes the
// fixed-block scheme unnecessary here, and the buffer is trimmed back on
// every read.
type Stream struct {
	mu     sync.Mutex
	cond   *sync.Cond
	buf    bytes.Buffer
	closed bool
	poll   *Pollable
}

func newStream() *Stream {
	s := &Stream{poll: NewPollable()}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *Stream) write(p []byte) {
	s.mu.Lock()
	s.buf.Write(p)
	s.cond.Broadcast()
	s.mu.Unlock()
	s.poll.Changed()
}

// Read drains queued bytes into p. With blocking=false it returns
// ErrNonBlocking immediately if nothing is queued. With blocking=true it
// waits for data, closure, or ctx to end. A closed, drained stream reads
// io.EOF.
func (s *Stream) Read(ctx context.Context, p []byte, blocking bool) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for s.buf.Len() == 0 && !s.closed {
		if !blocking {
			return 0, ErrNonBlocking
		}
		if err := waitLocked(ctx, s.cond); err != nil {
			return 0, err
		}
	}
	if s.buf.Len() == 0 {
		return 0, io.EOF
	}
	return s.buf.Read(p)
}

// Close marks the stream closed: queued bytes still drain, but once empty
// every further Read returns io.EOF instead of blocking or NONBLOCKING.
func (s *Stream) Close() {
	s.mu.Lock()
	s.closed = true
	s.cond.Broadcast()
	s.mu.Unlock()
	s.poll.Changed()
}

// Poll returns the stream's readiness Pollable, for the FUSE poll() path.
func (s *Stream) Poll() *Pollable { return s.poll }

// waitLocked calls cond.Wait but also returns when ctx ends, by bridging
// ctx.Done() to a Broadcast on a background goroutine that exits as soon
// as this call returns.
func waitLocked(ctx context.Context, cond *sync.Cond) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			cond.L.Lock()
			cond.Broadcast()
			cond.L.Unlock()
		case <-stop:
		}
	}()
	cond.Wait()
	return ctx.Err()
}

// PopulateFunc seeds a newly created Stream with a snapshot of whatever
// state the owning Group represents, before the stream is handed back to
// its caller and starts receiving live writes.
type PopulateFunc func(s *Stream)

// Group fans writes out to every currently open consumer Stream. New
// consumers are seeded via the group's PopulateFunc so they start from a
// snapshot of current state rather than an empty stream.
type Group struct {
	mu       sync.Mutex
	populate PopulateFunc
	streams  map[*Stream]struct{}
	closed   bool
}

// NewGroup builds a Group. populate may be nil for groups with no
// meaningful initial snapshot (plain counters, for instance).
func NewGroup(populate PopulateFunc) *Group {
	return &Group{populate: populate, streams: make(map[*Stream]struct{})}
}

// NewStream opens a new consumer stream, populated from the group's
// current snapshot.
func (g *Group) NewStream() *Stream {
	s := newStream()
	// Populate before the stream is visible to writers, so a concurrent
	// Write can never interleave with the snapshot.
	if g.populate != nil {
		g.populate(s)
	}

	g.mu.Lock()
	closed := g.closed
	g.streams[s] = struct{}{}
	g.mu.Unlock()

	if closed {
		s.Close()
	}
	return s
}

// Remove drops s from the group, for when a consumer is done (file
// closed). It does not close s; the caller may still drain it.
func (g *Group) Remove(s *Stream) {
	g.mu.Lock()
	delete(g.streams, s)
	g.mu.Unlock()
}

// Write appends line to every open consumer stream.
func (g *Group) Write(line string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for s := range g.streams {
		s.write([]byte(line))
	}
}

// Close closes every consumer stream and marks the group closed, so
// future NewStream calls return already-closed streams (once drained of
// their populated snapshot).
func (g *Group) Close() {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	g.closed = true
	streams := make([]*Stream, 0, len(g.streams))
	for s := range g.streams {
		streams = append(streams, s)
	}
	g.mu.Unlock()

	for _, s := range streams {
		s.Close()
	}
}
