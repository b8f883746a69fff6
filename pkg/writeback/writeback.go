// Package writeback implements the WritebackCache: an in-RAM layer of
// decrypted chunk plaintext in front of the ChunkEngine. Reads fault
// missing chunks in through the engine; writes land in RAM and are
// persisted by a cleaner that runs on a fixed delay, bounding how long a
// write can sit unflushed without serializing every write to disk.
package writeback

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/openparcel/parcelkeeper/pkg/parcelerr"
)

// DirtyWritebackDelay is the maximum time a dirty chunk sits in RAM before
// the cleaner persists it.
const DirtyWritebackDelay = 5 * time.Second

// Engine is the subset of ChunkEngine the writeback cache drives. Defined
// as an interface so tests can substitute a fake without standing up the
// full keyring/local/hoard/origin stack.
type Engine interface {
	GetChunk(ctx context.Context, i uint32, out []byte) (int, error)
	PutChunk(ctx context.Context, i uint32, plain []byte) error
}

// Geometry supplies the logical length of a chunk, so the cache can size
// and validate RAM buffers without importing the parcel package directly.
type Geometry interface {
	ChunkPlainLen(i uint32) int
}

// Allocatable computes the number of whole chunks a RAM budget of ramMB
// megabytes can hold at chunkSize C, per the formula
// allocatable = RAM_MB*2^20/C, and rejects configurations that would
// allocate nothing or that claim more than a tenth of physical RAM.
func Allocatable(ramMB int, chunkSize uint32, physicalRAMBytes uint64) (int, error) {
	if ramMB <= 0 || chunkSize == 0 {
		return 0, parcelerr.New(parcelerr.InvalidArgument, "Allocatable", "writeback", nil).
			Withf("ram_mb=%d chunk_size=%d must both be positive", ramMB, chunkSize)
	}
	budget := uint64(ramMB) * 1024 * 1024
	if physicalRAMBytes > 0 && budget > physicalRAMBytes/10 {
		return 0, parcelerr.New(parcelerr.InvalidArgument, "Allocatable", "writeback", nil).
			Withf("ram_mb=%d (%d bytes) exceeds one tenth of physical RAM (%d bytes)", ramMB, budget, physicalRAMBytes)
	}
	allocatable := int(budget / uint64(chunkSize))
	if allocatable <= 0 {
		return 0, parcelerr.New(parcelerr.InvalidArgument, "Allocatable", "writeback", nil).
			Withf("ram_mb=%d is too small to hold even one chunk of size %d", ramMB, chunkSize)
	}
	return allocatable, nil
}

type entryState int

const (
	stateFetching entryState = iota
	stateClean
	stateDirty
)

type chunkEntry struct {
	data       []byte
	n          int
	state      entryState
	dirtySince time.Time
	elem       *list.Element // membership in lru (clean) or dirty (dirty); nil while fetching
}

// Cache is the RAM-resident writeback layer for one open parcel.
type Cache struct {
	mu       sync.Mutex
	cond     *sync.Cond
	eng      Engine
	geo      Geometry
	chunkSz  uint32
	capacity int
	now      func() time.Time

	entries map[uint32]*chunkEntry
	lru     *list.List // clean entries, front = least recently used
	dirty   *list.List // dirty entries, front = oldest

	stickyErr error
}

// New builds a writeback cache bounded to capacity chunks.
func New(eng Engine, geo Geometry, chunkSize uint32, capacity int) *Cache {
	c := &Cache{
		eng: eng, geo: geo, chunkSz: chunkSize, capacity: capacity,
		now:     time.Now,
		entries: make(map[uint32]*chunkEntry),
		lru:     list.New(),
		dirty:   list.New(),
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// StickyErr returns the error that poisoned the cache, if any. Once set it
// is returned by every Read/Write/FlushDue call until ClearStickyErr.
func (c *Cache) StickyErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stickyErr
}

// ClearStickyErr clears a poisoned cache's error flag, allowing operations
// to resume. The caller is responsible for having addressed the underlying
// cause (e.g. freed disk space) first.
func (c *Cache) ClearStickyErr() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stickyErr = nil
}

// Read copies chunk i's plaintext into out, faulting it in through the
// engine on a miss. Concurrent readers for the same chunk share one
// fault-in.
func (c *Cache) Read(ctx context.Context, i uint32, out []byte) (int, error) {
	c.mu.Lock()
	if c.stickyErr != nil {
		err := c.stickyErr
		c.mu.Unlock()
		return 0, err
	}

	for {
		e, ok := c.entries[i]
		if ok && e.state == stateFetching {
			c.cond.Wait()
			continue
		}
		if ok {
			n := copy(out, e.data[:e.n])
			if e.state == stateClean {
				c.lru.MoveToBack(e.elem)
			}
			c.mu.Unlock()
			return n, nil
		}
		break
	}

	if err := c.makeRoomLocked(); err != nil {
		c.mu.Unlock()
		return 0, err
	}

	placeholder := &chunkEntry{state: stateFetching}
	c.entries[i] = placeholder
	c.mu.Unlock()

	buf := make([]byte, c.chunkSz)
	n, err := c.eng.GetChunk(ctx, i, buf)

	c.mu.Lock()
	if err != nil {
		delete(c.entries, i)
		c.cond.Broadcast()
		c.mu.Unlock()
		return 0, err
	}
	placeholder.data = buf
	placeholder.n = n
	placeholder.state = stateClean
	placeholder.elem = c.lru.PushBack(i)
	c.cond.Broadcast()
	got := copy(out, buf[:n])
	c.mu.Unlock()
	return got, nil
}

// Write stores plain as chunk i's new content in RAM and marks it dirty.
// Unlike Read, Write never needs to fault in existing content: the chunk
// engine's chunk granularity means every write replaces the chunk whole.
func (c *Cache) Write(ctx context.Context, i uint32, plain []byte) error {
	want := c.geo.ChunkPlainLen(i)
	if len(plain) != want {
		return parcelerr.NewChunk(parcelerr.InvalidArgument, "Write", "writeback", i, nil).
			Withf("plaintext length %d does not match chunk %d's logical length %d", len(plain), i, want)
	}

	c.mu.Lock()
	if c.stickyErr != nil {
		err := c.stickyErr
		c.mu.Unlock()
		return err
	}

	for {
		e, ok := c.entries[i]
		if ok && e.state == stateFetching {
			c.cond.Wait()
			continue
		}
		if ok {
			copy(e.data, plain)
			e.n = len(plain)
			if e.state == stateClean {
				c.lru.Remove(e.elem)
				e.elem = c.dirty.PushBack(i)
				e.state = stateDirty
				e.dirtySince = c.now()
			}
			c.mu.Unlock()
			return nil
		}
		break
	}

	if err := c.makeRoomLocked(); err != nil {
		c.mu.Unlock()
		return err
	}

	data := make([]byte, c.chunkSz)
	copy(data, plain)
	e := &chunkEntry{data: data, n: len(plain), state: stateDirty, dirtySince: c.now()}
	e.elem = c.dirty.PushBack(i)
	c.entries[i] = e
	c.mu.Unlock()
	return nil
}

// makeRoomLocked evicts the least-recently-used clean entry if the cache
// is at capacity. Returns a retryable Busy error if every resident entry
// is dirty and none can be reclaimed, mirroring the rule that dirty data
// is never silently dropped for capacity reasons.
func (c *Cache) makeRoomLocked() error {
	if c.capacity <= 0 || len(c.entries) < c.capacity {
		return nil
	}
	front := c.lru.Front()
	if front == nil {
		return parcelerr.New(parcelerr.Busy, "Write", "writeback", nil).
			Withf("writeback cache full of dirty chunks; flush before retrying")
	}
	i := front.Value.(uint32)
	c.lru.Remove(front)
	delete(c.entries, i)
	return nil
}

// FlushDue persists every dirty chunk whose dirty age has reached
// DirtyWritebackDelay, oldest first, and reports how many were flushed. It
// stops at the first flush failure, leaving the remaining dirty chunks in
// place and poisoning the cache with a sticky error.
func (c *Cache) FlushDue(ctx context.Context) (int, error) {
	return c.flush(ctx, DirtyWritebackDelay)
}

// FlushAll immediately persists every dirty chunk regardless of age, for
// an explicit sync/close path.
func (c *Cache) FlushAll(ctx context.Context) (int, error) {
	return c.flush(ctx, 0)
}

func (c *Cache) flush(ctx context.Context, minAge time.Duration) (int, error) {
	c.mu.Lock()
	if c.stickyErr != nil {
		err := c.stickyErr
		c.mu.Unlock()
		return 0, err
	}

	now := c.now()
	var due []uint32
	for el := c.dirty.Front(); el != nil; el = el.Next() {
		i := el.Value.(uint32)
		e := c.entries[i]
		if now.Sub(e.dirtySince) >= minAge {
			due = append(due, i)
		} else {
			break // dirty list is age-ordered; nothing later is due either
		}
	}
	c.mu.Unlock()

	flushed := 0
	for _, i := range due {
		c.mu.Lock()
		e, ok := c.entries[i]
		if !ok || e.state != stateDirty {
			c.mu.Unlock()
			continue
		}
		plain := make([]byte, e.n)
		copy(plain, e.data[:e.n])
		c.mu.Unlock()

		if err := c.eng.PutChunk(ctx, i, plain); err != nil {
			c.mu.Lock()
			c.stickyErr = err
			c.mu.Unlock()
			return flushed, err
		}

		c.mu.Lock()
		if e, ok := c.entries[i]; ok && e.state == stateDirty {
			c.dirty.Remove(e.elem)
			e.elem = c.lru.PushBack(i)
			e.state = stateClean
		}
		c.mu.Unlock()
		flushed++
	}
	return flushed, nil
}

// Forget drops chunk i's RAM entry, clean or dirty, without persisting it.
// It exists for callers that have already made the entry's content
// obsolete through some other authoritative write (BlockFile truncation
// staging the new content directly into the Modified store, for example)
// and need the cache to stop serving the stale cached copy.
func (c *Cache) Forget(i uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[i]
	if !ok {
		return
	}
	if e.elem != nil {
		switch e.state {
		case stateDirty:
			c.dirty.Remove(e.elem)
		case stateClean:
			c.lru.Remove(e.elem)
		}
	}
	delete(c.entries, i)
	c.cond.Broadcast()
}

// Stats reports cache occupancy for telemetry.
type Stats struct {
	Entries int
	Dirty   int
	Clean   int
}

// Stats returns a point-in-time snapshot.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{Entries: len(c.entries), Dirty: c.dirty.Len(), Clean: c.lru.Len()}
}
