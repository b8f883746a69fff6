// Package modified implements the Modified store: a per-run temp file
// holding plaintext for every chunk mutated since the last upload, plus a
// bitmap recording which chunks it holds.
package modified

import (
	"os"
	"sync"

	"github.com/openparcel/parcelkeeper/pkg/parcelerr"
)

// Store is a temp-file-backed plaintext cache for dirty chunks, keyed by
// chunk index. Unlike LocalCache and HoardCache it holds no ciphertext and
// no keyring row: it exists purely so a run's in-flight writes survive a
// fault-in/fault-out cycle before the cleaner flushes them through the
// codec.
type Store struct {
	mu        sync.Mutex
	file      *os.File
	chunkSize uint32
	bitmap    map[uint32]bool
}

// New creates a Store backed by a freshly created temp file in dir (empty
// dir uses the OS default temp directory).
func New(dir string, chunkSize uint32) (*Store, error) {
	f, err := os.CreateTemp(dir, "parcelkeeper-modified-*")
	if err != nil {
		return nil, parcelerr.New(parcelerr.IOErr, "New", "modified", err)
	}
	return &Store{file: f, chunkSize: chunkSize, bitmap: make(map[uint32]bool)}, nil
}

// Close removes the backing temp file.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	path := s.file.Name()
	if err := s.file.Close(); err != nil {
		return parcelerr.New(parcelerr.IOErr, "Close", "modified", err)
	}
	return os.Remove(path)
}

// Has reports whether chunk i currently lives in the Modified store.
func (s *Store) Has(i uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bitmap[i]
}

func (s *Store) slotOffset(i uint32) int64 {
	return int64(i) * int64(s.chunkSize)
}

// Read copies chunk i's plaintext into buf (up to len(buf) bytes). Returns
// NotFound if the bitmap bit is clear.
func (s *Store) Read(i uint32, buf []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.bitmap[i] {
		return 0, parcelerr.NewChunk(parcelerr.NotFound, "Read", "modified", i, nil)
	}
	n, err := s.file.ReadAt(buf, s.slotOffset(i))
	if err != nil && n == 0 {
		return 0, parcelerr.NewChunk(parcelerr.IOErr, "Read", "modified", i, err)
	}
	return n, nil
}

// Write stores plain as chunk i's plaintext and sets the bitmap bit. The
// slot is always zero-padded out to the full chunk size, so a later read
// requesting more bytes than this write provided (e.g. after the parcel
// grows again following a shrink) sees zeros rather than whatever a
// previous, longer-lived write to this same slot left behind.
func (s *Store) Write(i uint32, plain []byte) error {
	if uint32(len(plain)) > s.chunkSize {
		return parcelerr.NewChunk(parcelerr.InvalidArgument, "Write", "modified", i, nil).
			Withf("plaintext length %d exceeds chunk size %d", len(plain), s.chunkSize)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	slot := make([]byte, s.chunkSize)
	copy(slot, plain)
	if _, err := s.file.WriteAt(slot, s.slotOffset(i)); err != nil {
		return parcelerr.NewChunk(parcelerr.IOErr, "Write", "modified", i, err)
	}
	s.bitmap[i] = true
	return nil
}

// Clear drops chunk i from the Modified store (after a successful upload
// has recorded it in the Keyring and HoardCache).
func (s *Store) Clear(i uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.bitmap, i)
}

// Dirty returns every chunk index currently held, in ascending order, for
// the upload path to iterate.
func (s *Store) Dirty() []uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]uint32, 0, len(s.bitmap))
	for i := range s.bitmap {
		out = append(out, i)
	}
	sortUint32s(out)
	return out
}

func sortUint32s(s []uint32) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

// MarkDirtyTail handles the store's side of a BlockFile shrink: when the
// new size S' leaves a partial last chunk that isn't already in the
// Modified store, the caller must fault that chunk in (decode its current
// content via LocalCache/HoardCache/Origin) and pass it here so truncation
// doesn't silently resurrect stale bytes if the parcel later grows back
// past S'. This only marks bookkeeping; faulting in the bytes is the
// caller's job since this package has no codec or backing-store access.
func (s *Store) MarkDirtyTail(i uint32, plain []byte) error {
	return s.Write(i, plain)
}
