// Package blockfile implements BlockFile: the translation from byte-range
// requests on /image into per-chunk operations against a Store (normally
// the writeback cache), plus the size-change/truncate path.
package blockfile

import (
	"context"
	"sync"

	"github.com/openparcel/parcelkeeper/pkg/modified"
	"github.com/openparcel/parcelkeeper/pkg/parcel"
	"github.com/openparcel/parcelkeeper/pkg/parcelerr"
)

// Store is the chunk-granularity backend BlockFile drives. The writeback
// Cache satisfies this.
type Store interface {
	Read(ctx context.Context, i uint32, out []byte) (int, error)
	Write(ctx context.Context, i uint32, plain []byte) error
	Forget(i uint32)
}

// ChunkRange is one chunk-aligned segment of a byte-range request.
type ChunkRange struct {
	ChunkIndex  uint32
	InnerOffset int // offset within the chunk where this segment starts
	InnerLen    int // number of bytes this segment covers
	BufOffset   int // offset within the caller's buffer this segment maps to
}

// ChunkRanges iterates the chunk-aligned segments covering
// [offset, offset+length), in ascending chunk order. Adapted from a
// block-granularity range walk to this store's single chunk granularity:
// there is no further subdivision below a chunk.
func ChunkRanges(offset int64, length int, chunkSize uint32) func(yield func(ChunkRange) bool) {
	return func(yield func(ChunkRange) bool) {
		if length <= 0 || chunkSize == 0 {
			return
		}
		end := offset + int64(length)
		first := uint32(offset / int64(chunkSize))
		bufOff := 0
		for i := first; int64(i)*int64(chunkSize) < end; i++ {
			chunkStart := int64(i) * int64(chunkSize)
			chunkEnd := chunkStart + int64(chunkSize)

			rangeStart := chunkStart
			if offset > rangeStart {
				rangeStart = offset
			}
			rangeEnd := chunkEnd
			if end < rangeEnd {
				rangeEnd = end
			}
			innerLen := int(rangeEnd - rangeStart)
			if innerLen <= 0 {
				continue
			}
			r := ChunkRange{
				ChunkIndex:  i,
				InnerOffset: int(rangeStart - chunkStart),
				InnerLen:    innerLen,
				BufOffset:   bufOff,
			}
			if !yield(r) {
				return
			}
			bufOff += innerLen
		}
	}
}

// BlockFile serves /image reads and writes against a single parcel's
// geometry, and owns the size-change (truncate/extend) path.
type BlockFile struct {
	mu      sync.Mutex // guards p.Size/NumChunks and chunkMu
	p       *parcel.Parcel
	store   Store
	mod     *modified.Store
	chunkMu map[uint32]*sync.Mutex
}

// New builds a BlockFile over p's current geometry. mod is the same
// Modified store instance the ChunkEngine beneath store uses: truncation
// stages the new partial tail chunk there directly, bypassing store, so
// the staged content is authoritative the instant Truncate returns rather
// than only after the writeback cleaner next runs.
func New(p *parcel.Parcel, store Store, mod *modified.Store) *BlockFile {
	return &BlockFile{p: p, store: store, mod: mod, chunkMu: make(map[uint32]*sync.Mutex)}
}

// lockChunk acquires (creating if needed) chunk i's private mutex and
// returns a function to release it. Every caller — ReadAt, WriteAt, and
// Truncate — acquires chunk locks one at a time in ascending index order,
// which rules out the classic two-thread opposite-order deadlock without
// needing to hold more than one chunk lock at a time.
func (f *BlockFile) lockChunk(i uint32) func() {
	f.mu.Lock()
	m, ok := f.chunkMu[i]
	if !ok {
		m = &sync.Mutex{}
		f.chunkMu[i] = m
	}
	f.mu.Unlock()
	m.Lock()
	return m.Unlock
}

func (f *BlockFile) geometry() (size int64, chunkSize uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.p.Size, f.p.ChunkSize
}

// ReadAt fills buf from offset, iterating the touched chunks in ascending
// order. A request landing partly or wholly past the current size is
// clamped: bytes past EOF are simply not produced, so the caller sees a
// short read rather than an error.
func (f *BlockFile) ReadAt(ctx context.Context, buf []byte, offset int64) (int, error) {
	if len(buf) == 0 || offset < 0 {
		return 0, nil
	}
	size, chunkSize := f.geometry()
	if offset >= size {
		return 0, nil
	}
	if offset+int64(len(buf)) > size {
		buf = buf[:size-offset]
	}

	for r := range ChunkRanges(offset, len(buf), chunkSize) {
		unlock := f.lockChunk(r.ChunkIndex)
		err := f.readChunk(ctx, r.ChunkIndex, r.InnerOffset, buf[r.BufOffset:r.BufOffset+r.InnerLen])
		unlock()
		if err != nil {
			return r.BufOffset, err
		}
	}
	return len(buf), nil
}

func (f *BlockFile) readChunk(ctx context.Context, i uint32, innerOff int, dst []byte) error {
	want := f.p.ChunkPlainLen(i)
	full := make([]byte, want)
	n, err := f.store.Read(ctx, i, full)
	if err != nil {
		if parcelerr.KindOf(err) != parcelerr.NotFound {
			return err
		}
		// Never written: the tail chunk of a grown image, for instance.
		// Reads past EOF and reads of never-populated chunks both present
		// as zero.
		for j := range dst {
			dst[j] = 0
		}
		return nil
	}
	full = full[:n]

	avail := 0
	if innerOff < len(full) {
		avail = len(full) - innerOff
	}
	if avail > len(dst) {
		avail = len(dst)
	}
	if avail > 0 {
		copy(dst[:avail], full[innerOff:innerOff+avail])
	}
	for j := avail; j < len(dst); j++ {
		dst[j] = 0
	}
	return nil
}

// WriteAt writes buf at offset, extending the image first if the write
// reaches past the current size. Each touched chunk is read-modify-written
// whole, since the store beneath BlockFile only deals in full chunks.
func (f *BlockFile) WriteAt(ctx context.Context, buf []byte, offset int64) (int, error) {
	if len(buf) == 0 || offset < 0 {
		return 0, nil
	}
	end := offset + int64(len(buf))

	f.mu.Lock()
	if end > f.p.Size {
		f.growLocked(end)
	}
	chunkSize := f.p.ChunkSize
	f.mu.Unlock()

	for r := range ChunkRanges(offset, len(buf), chunkSize) {
		unlock := f.lockChunk(r.ChunkIndex)
		err := f.writeChunk(ctx, r.ChunkIndex, r.InnerOffset, buf[r.BufOffset:r.BufOffset+r.InnerLen])
		unlock()
		if err != nil {
			return r.BufOffset, err
		}
	}
	return len(buf), nil
}

func (f *BlockFile) writeChunk(ctx context.Context, i uint32, innerOff int, data []byte) error {
	want := f.p.ChunkPlainLen(i)
	full := make([]byte, want)
	n, err := f.store.Read(ctx, i, full)
	if err != nil && parcelerr.KindOf(err) != parcelerr.NotFound {
		return err
	}
	if err == nil {
		full = full[:n]
		buf := make([]byte, want)
		copy(buf, full)
		full = buf
	}
	copy(full[innerOff:innerOff+len(data)], data)
	return f.store.Write(ctx, i, full)
}

// growLocked records a larger size. New tail chunks are simply absent
// everywhere (Store, Modified, LocalCache): they read back as zero until
// written, never materialized up front.
func (f *BlockFile) growLocked(newSize int64) {
	f.p.Size = newSize
	f.p.NumChunks = uint32((newSize + int64(f.p.ChunkSize) - 1) / int64(f.p.ChunkSize))
}

// Truncate sets the image's size to newSize. Growing just records the new
// size. Shrinking stages the new last chunk's surviving prefix into the
// Modified store directly (so a later re-grow past the old boundary never
// resurrects the bytes that used to sit beyond it in LocalCache or the
// hoard) before freeing the chunks that fall entirely outside the new
// size, processing every affected chunk index in ascending order.
func (f *BlockFile) Truncate(ctx context.Context, newSize int64) error {
	if newSize < 0 {
		return parcelerr.New(parcelerr.InvalidArgument, "Truncate", "blockfile", nil).
			Withf("negative size %d", newSize)
	}

	oldSize, chunkSize := f.geometry()
	if newSize == oldSize {
		return nil
	}
	if newSize > oldSize {
		f.mu.Lock()
		f.growLocked(newSize)
		f.mu.Unlock()
		return nil
	}

	var oldLastIdx uint32
	if oldSize > 0 {
		oldLastIdx = uint32((oldSize - 1) / int64(chunkSize))
	}

	newNumChunks := uint32((newSize + int64(chunkSize) - 1) / int64(chunkSize))
	partial := newSize > 0 && newSize%int64(chunkSize) != 0

	if partial {
		boundary := newNumChunks - 1
		unlock := f.lockChunk(boundary)
		err := f.stageTruncatedBoundary(ctx, boundary, oldSize, newSize, chunkSize)
		unlock()
		if err != nil {
			return err
		}
	}

	f.mu.Lock()
	f.p.Size = newSize
	f.p.NumChunks = newNumChunks
	f.mu.Unlock()

	for i := newNumChunks; i <= oldLastIdx && oldSize > 0; i++ {
		unlock := f.lockChunk(i)
		f.store.Forget(i)
		f.mod.Clear(i)
		unlock()
	}
	return nil
}

func (f *BlockFile) stageTruncatedBoundary(ctx context.Context, i uint32, oldSize, newSize int64, chunkSize uint32) error {
	if f.mod.Has(i) {
		// Already staged from an earlier write; its content is already
		// authoritative and at least as current as anything in Store.
		return nil
	}

	oldLen := oldSize - int64(i)*int64(chunkSize)
	if oldLen > int64(chunkSize) {
		oldLen = int64(chunkSize)
	}
	old := make([]byte, oldLen)
	n, err := f.store.Read(ctx, i, old)
	if err != nil && parcelerr.KindOf(err) != parcelerr.NotFound {
		return err
	}
	if err != nil {
		n = 0
	}
	old = old[:n]

	newLen := newSize - int64(i)*int64(chunkSize)
	truncated := make([]byte, newLen)
	copy(truncated, old)

	if err := f.mod.MarkDirtyTail(i, truncated); err != nil {
		return err
	}
	f.store.Forget(i)
	return nil
}

// Size returns the image's current size.
func (f *BlockFile) Size() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.p.Size
}
