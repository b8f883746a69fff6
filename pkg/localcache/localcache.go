// Package localcache implements the per-replica flat-file chunk store: a
// fixed-header slot file plus a sibling LocalIndex recording each slot's
// valid length. Absence from the index means the chunk is not locally
// present.
package localcache

import (
	"context"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/openparcel/parcelkeeper/pkg/parcelerr"
)

// LocalCache is a single parcel's flat slot file plus its LocalIndex.
type LocalCache struct {
	mu        sync.Mutex
	file      *os.File
	hdr       *header
	chunkSize uint32
	idx       *localIndex
	lockHeld  bool
}

func slotOffset(h *header, chunkSize uint32, i uint32) int64 {
	return h.dataOffset() + int64(i)*int64(chunkSize)
}

// Create writes a fresh header and preallocates the backing file for N
// slots of C bytes each, then creates the sibling LocalIndex database at
// indexPath.
func Create(path, indexPath string, n, chunkSize uint32) (*LocalCache, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, parcelerr.New(parcelerr.IOErr, "create", "local", err)
	}

	h := &header{
		Magic:     headerMagic,
		Entries:   n,
		Offset512: defaultOffset512,
		Flags:     0,
		Version:   headerVersion,
	}
	if _, err := f.WriteAt(h.marshal(), 0); err != nil {
		f.Close()
		return nil, parcelerr.New(parcelerr.IOErr, "create", "local", err)
	}

	total := h.dataOffset() + int64(n)*int64(chunkSize)
	if err := preallocate(f, total); err != nil {
		f.Close()
		return nil, parcelerr.New(parcelerr.IOErr, "create", "local", err)
	}

	idx, err := openLocalIndex(context.Background(), indexPath)
	if err != nil {
		f.Close()
		return nil, err
	}

	return &LocalCache{file: f, hdr: h, chunkSize: chunkSize, idx: idx}, nil
}

// preallocate extends f to at least size bytes, using fallocate when the
// platform supports it and falling back to a plain truncate (which leaves
// the tail sparse on filesystems that support holes, still acceptable
// since every slot is always written in full before being indexed).
func preallocate(f *os.File, size int64) error {
	if err := unix.Fallocate(int(f.Fd()), 0, 0, size); err == nil {
		return nil
	}
	return f.Truncate(size)
}

// Open parses an existing slot file's header, verifying magic and version,
// and reconciles the on-disk entry count with n: a parcel that has grown
// (n > header.Entries) gets its header rewritten and the backing file
// extended; a parcel that has shrunk is accepted as-is since old slots
// beyond the new geometry are simply never addressed again.
func Open(path, indexPath string, n, chunkSize uint32) (*LocalCache, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return nil, parcelerr.New(parcelerr.IOErr, "open", "local", err)
	}

	buf := make([]byte, headerSize)
	if _, err := f.ReadAt(buf, 0); err != nil {
		f.Close()
		return nil, parcelerr.New(parcelerr.IOErr, "open", "local", err)
	}
	h, err := unmarshalHeader(buf)
	if err != nil {
		f.Close()
		return nil, err
	}

	if n > h.Entries {
		h.Entries = n
		total := h.dataOffset() + int64(n)*int64(chunkSize)
		if err := preallocate(f, total); err != nil {
			f.Close()
			return nil, parcelerr.New(parcelerr.IOErr, "open", "local", err)
		}
		if _, err := f.WriteAt(h.marshal(), 0); err != nil {
			f.Close()
			return nil, parcelerr.New(parcelerr.IOErr, "open", "local", err)
		}
	}

	idx, err := openLocalIndex(context.Background(), indexPath)
	if err != nil {
		f.Close()
		return nil, err
	}

	return &LocalCache{file: f, hdr: h, chunkSize: chunkSize, idx: idx}, nil
}

// Close releases the slot file and LocalIndex handles.
func (lc *LocalCache) Close() error {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	idxErr := lc.idx.close()
	fileErr := lc.file.Close()
	if fileErr != nil {
		return parcelerr.New(parcelerr.IOErr, "Close", "local", fileErr)
	}
	return idxErr
}

// Entries reports the slot count recorded in the header.
func (lc *LocalCache) Entries() uint32 {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	return lc.hdr.Entries
}

// Read fills buf with up to len(buf) bytes from chunk i's slot, reading
// only the valid length recorded in the LocalIndex. Returns the number of
// bytes read, or NotFound if the chunk has no local slot.
func (lc *LocalCache) Read(ctx context.Context, i uint32, buf []byte) (int, error) {
	lc.mu.Lock()
	defer lc.mu.Unlock()

	length, err := lc.idx.lengthOf(ctx, i)
	if err != nil {
		return 0, err
	}
	want := len(buf)
	if uint32(want) > length {
		want = int(length)
	}
	n, err := lc.file.ReadAt(buf[:want], slotOffset(lc.hdr, lc.chunkSize, i))
	if err != nil {
		return 0, parcelerr.NewChunk(parcelerr.IOErr, "Read", "local", i, err)
	}
	return n, nil
}

// Write always stores a full chunkSize bytes (zero-padded beyond len(buf))
// to keep the file non-sparse and enable I/O coalescing, then upserts the
// LocalIndex entry recording the valid length.
func (lc *LocalCache) Write(ctx context.Context, i uint32, buf []byte) error {
	if uint32(len(buf)) > lc.chunkSize {
		return parcelerr.NewChunk(parcelerr.InvalidArgument, "Write", "local", i, nil).
			Withf("buffer length %d exceeds chunk size %d", len(buf), lc.chunkSize)
	}

	lc.mu.Lock()
	defer lc.mu.Unlock()

	slot := make([]byte, lc.chunkSize)
	copy(slot, buf)
	if _, err := lc.file.WriteAt(slot, slotOffset(lc.hdr, lc.chunkSize, i)); err != nil {
		return parcelerr.NewChunk(parcelerr.IOErr, "Write", "local", i, err)
	}
	return lc.idx.set(ctx, i, uint32(len(buf)))
}

// Lock acquires the parcel's exclusive advisory lock, required before
// SetFlag/ClearFlag will run.
func (lc *LocalCache) Lock() error {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	if err := unix.Flock(int(lc.file.Fd()), unix.LOCK_EX); err != nil {
		return parcelerr.New(parcelerr.IOErr, "Lock", "local", err)
	}
	lc.lockHeld = true
	return nil
}

// Unlock releases the parcel lock taken by Lock.
func (lc *LocalCache) Unlock() error {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	if err := unix.Flock(int(lc.file.Fd()), unix.LOCK_UN); err != nil {
		return parcelerr.New(parcelerr.IOErr, "Unlock", "local", err)
	}
	lc.lockHeld = false
	return nil
}

// SetFlag sets bits in the header's flags word and fsyncs write-through.
// Refused without the parcel lock held, to prevent torn state when
// multiple processes share a parcel directory.
func (lc *LocalCache) SetFlag(f uint32) error {
	return lc.updateFlags(func(flags uint32) uint32 { return flags | f })
}

// ClearFlag clears bits in the header's flags word and fsyncs write-through.
func (lc *LocalCache) ClearFlag(f uint32) error {
	return lc.updateFlags(func(flags uint32) uint32 { return flags &^ f })
}

func (lc *LocalCache) updateFlags(mutate func(uint32) uint32) error {
	lc.mu.Lock()
	defer lc.mu.Unlock()

	if !lc.lockHeld {
		return parcelerr.New(parcelerr.Callfail, "SetFlag", "local", nil).
			Withf("flag write attempted without the parcel lock held")
	}

	lc.hdr.Flags = mutate(lc.hdr.Flags)
	if _, err := lc.file.WriteAt(lc.hdr.marshal(), 0); err != nil {
		return parcelerr.New(parcelerr.IOErr, "SetFlag", "local", err)
	}
	if err := lc.file.Sync(); err != nil {
		return parcelerr.New(parcelerr.IOErr, "SetFlag", "local", err)
	}
	return nil
}

// Flags returns the header's current flags word.
func (lc *LocalCache) Flags() uint32 {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	return lc.hdr.Flags
}

// CountPresent returns the number of chunks with a local slot, for validate.
func (lc *LocalCache) CountPresent(ctx context.Context) (int, error) {
	return lc.idx.countPresent(ctx)
}

// ForEachIndexed visits every (chunk, length) pair in the LocalIndex, for
// validate's consistency scan.
func (lc *LocalCache) ForEachIndexed(ctx context.Context, fn func(chunk, length uint32) error) error {
	return lc.idx.forEach(ctx, fn)
}
