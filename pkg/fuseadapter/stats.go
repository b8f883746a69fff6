package fuseadapter

import "github.com/openparcel/parcelkeeper/pkg/streams"

// Counter names exposed under /stats/<name>, per spec §4.5's bytes_read,
// chunk_writes, and data_bytes_written counters plus a matching
// chunk_reads the pseudocode implies but doesn't name explicitly.
const (
	StatBytesRead        = "bytes_read"
	StatChunkReads       = "chunk_reads"
	StatDataBytesWritten = "data_bytes_written"
	StatChunkWrites      = "chunk_writes"
)

// Bitmap names exposed under /streams/<name>, verbatim from spec §4.8.
const (
	StreamChunksAccessed = "chunks_accessed"
	StreamChunksModified = "chunks_modified"
	StreamChunksBase     = "chunks_base"
	StreamChunksOverlay  = "chunks_overlay"
)

// Stats is the full set of counters and bitmaps a mounted parcel exports.
// One Stats is shared between the image file handle (which updates it on
// every read/write) and the /stats and /streams pseudo-directories (which
// only read it).
type Stats struct {
	counters map[string]*streams.Counter
	bitmaps  map[string]*streams.Bitmap
}

// NewStats allocates a fresh Stats with nbits-sized bitmaps, one bit per
// chunk in the parcel.
func NewStats(nbits uint32) *Stats {
	s := &Stats{
		counters: make(map[string]*streams.Counter),
		bitmaps:  make(map[string]*streams.Bitmap),
	}
	for _, name := range []string{StatBytesRead, StatChunkReads, StatDataBytesWritten, StatChunkWrites} {
		s.counters[name] = streams.NewCounter()
	}
	// setOnExtend=false: a chunk index that comes into existence via a
	// later Resize (image growth) starts unset in every bitmap, matching
	// growLocked's "new tail chunks are absent everywhere" rule.
	for _, name := range []string{StreamChunksAccessed, StreamChunksModified, StreamChunksBase, StreamChunksOverlay} {
		s.bitmaps[name] = streams.NewBitmap(uint64(nbits), false)
	}
	return s
}

// CounterNames returns the stable iteration order /stats is built from.
func (s *Stats) CounterNames() []string {
	return []string{StatBytesRead, StatChunkReads, StatDataBytesWritten, StatChunkWrites}
}

// BitmapNames returns the stable iteration order /streams is built from.
func (s *Stats) BitmapNames() []string {
	return []string{StreamChunksAccessed, StreamChunksModified, StreamChunksBase, StreamChunksOverlay}
}

func (s *Stats) Counter(name string) *streams.Counter { return s.counters[name] }
func (s *Stats) Bitmap(name string) *streams.Bitmap   { return s.bitmaps[name] }

// Resize grows or shrinks every bitmap to track nbits chunks, called when Truncate
// changes the parcel's chunk count.
func (s *Stats) Resize(nbits uint32) {
	for _, b := range s.bitmaps {
		b.Resize(uint64(nbits))
	}
}

// recordRead updates stats after a successful ReadAt of n bytes covering
// the chunk ranges in touched, classifying each touched chunk as base or
// overlay depending on whether it currently lives in the Modified store.
func (s *Stats) recordRead(n int, touched []uint32, isOverlay func(uint32) bool) {
	s.counters[StatBytesRead].Add(int64(n))
	for _, i := range touched {
		s.counters[StatChunkReads].Add(1)
		s.bitmaps[StreamChunksAccessed].Set(uint64(i))
		if isOverlay(i) {
			s.bitmaps[StreamChunksOverlay].Set(uint64(i))
		} else {
			s.bitmaps[StreamChunksBase].Set(uint64(i))
		}
	}
}

// recordWrite updates stats after a successful WriteAt of n bytes
// covering the chunk ranges in touched. Every touched chunk is now in the
// Modified store, so chunks_modified always fires via SetForce (a write
// must produce a stream entry even if the bit was already set) and
// chunks_overlay is unconditionally set.
func (s *Stats) recordWrite(n int, touched []uint32) {
	s.counters[StatDataBytesWritten].Add(int64(n))
	for _, i := range touched {
		s.counters[StatChunkWrites].Add(1)
		s.bitmaps[StreamChunksModified].SetForce(uint64(i))
		s.bitmaps[StreamChunksOverlay].Set(uint64(i))
	}
}
