package streams

import (
	"fmt"
	"sync"
	"time"
)

// Bitmap is a resizable bit-per-chunk set with set-once notification
// semantics: Set only emits a stream event the first time a bit flips
// 0->1, while SetForce always emits (used for the chunks_modified bitmap,
// where every write to an already-dirty chunk still needs to show up in
// the stream). Testing or setting a bit beyond the current size is a
// silent no-op/true-return rather than an error, so a resize racing with
// an in-flight chunk operation can't produce a panic or spurious failure.
type Bitmap struct {
	mu          sync.Mutex
	bits        []byte
	nbits       uint64
	setOnExtend bool
	group       *Group
	now         func() time.Time
}

// NewBitmap creates a Bitmap of nbits bits, all initially clear.
// setOnExtend controls what a resize does to newly in-range or
// newly out-of-range bits: true means "grow into the 1 state, and
// shrinking leaves removed bits pinned at 1 so a later re-grow sees them
// already set" (used for chunks_accessed-style bitmaps where absence
// should never silently look like "not yet seen").
func NewBitmap(nbits uint64, setOnExtend bool) *Bitmap {
	b := &Bitmap{nbits: nbits, setOnExtend: setOnExtend, now: time.Now}
	b.bits = make([]byte, (nbits+7)/8)
	b.group = NewGroup(b.populateStream)
	return b
}

// Streams returns the Group that newly opened /streams/<name> files read
// from.
func (b *Bitmap) Streams() *Group { return b.group }

func (b *Bitmap) populateStream(s *Stream) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := uint64(0); i < b.nbits; i++ {
		if b.testLocked(i) {
			s.write([]byte(fmt.Sprintf("%d\n", i)))
		}
	}
}

func (b *Bitmap) testLocked(i uint64) bool {
	if i >= b.nbits {
		return true
	}
	return b.bits[i/8]&(1<<(i%8)) != 0
}

// Test reports whether bit i is set. A bit beyond the bitmap's current
// size reads as set.
func (b *Bitmap) Test(i uint64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.testLocked(i)
}

// setLocked sets bit i in range and reports whether it was previously
// clear. Out-of-range bits are silently ignored.
func (b *Bitmap) setLocked(i uint64) bool {
	if i >= b.nbits {
		return false
	}
	was := b.bits[i/8]&(1<<(i%8)) != 0
	b.bits[i/8] |= 1 << (i % 8)
	return !was
}

func (b *Bitmap) notify(i uint64) {
	now := b.now()
	b.group.Write(fmt.Sprintf("%d.%06d\t%d\n", now.Unix(), now.Nanosecond()/1000, i))
}

// Set sets bit i, emitting a stream event only if it was previously
// clear.
func (b *Bitmap) Set(i uint64) {
	b.mu.Lock()
	isNew := b.setLocked(i)
	b.mu.Unlock()
	if isNew {
		b.notify(i)
	}
}

// SetForce sets bit i and always emits a stream event, even if the bit
// was already set.
func (b *Bitmap) SetForce(i uint64) {
	b.mu.Lock()
	b.setLocked(i)
	b.mu.Unlock()
	b.notify(i)
}

// Resize changes the bitmap's logical bit count. Growing extends storage
// as needed and, if setOnExtend, sets every bit that comes into range;
// bits that come into range set (by setOnExtend, or because a prior
// shrink pinned them) emit a stream event. Shrinking, if setOnExtend, pins every bit leaving
// range to 1 so a later re-grow doesn't present them as never-seen.
func (b *Bitmap) Resize(n uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if n > b.nbits {
		needed := (n + 7) / 8
		if uint64(len(b.bits)) < needed {
			grown := make([]byte, needed)
			copy(grown, b.bits)
			if b.setOnExtend {
				for i := len(b.bits); i < len(grown); i++ {
					grown[i] = 0xff
				}
			}
			b.bits = grown
		}
		old := b.nbits
		b.nbits = n
		if b.setOnExtend {
			for i := old; i < n; i++ {
				b.bits[i/8] |= 1 << (i % 8)
			}
		}
		for i := old; i < n; i++ {
			if b.testLocked(i) {
				b.notify(i)
			}
		}
		return
	}

	if n < b.nbits {
		if b.setOnExtend {
			for i := n; i < b.nbits; i++ {
				b.setLocked(i)
			}
		}
		b.nbits = n
	}
}
