// Package parcel models a named logical VM image: its identity, geometry,
// crypto suite, and allowed compression set, together with the parcel.cfg
// text format that persists those fields and the on-disk chunk path layout
// derived from them.
package parcel

import (
	"fmt"

	"github.com/openparcel/parcelkeeper/pkg/codec/compress"
	"github.com/openparcel/parcelkeeper/pkg/parcelerr"
	"github.com/openparcel/parcelkeeper/pkg/suite"
)

// Parcel describes one logical image: its stable identity, geometry, and
// the codec configuration every chunk in it is encoded with.
type Parcel struct {
	UUID   string
	Server string
	User   string
	Name   string // PARCEL
	RPath  string // RPATH: origin-relative path

	Version int // 3 or 4

	// Size is the total logical size S in bytes.
	Size int64

	// ChunkSize is C, a power of two >= 512.
	ChunkSize uint32

	// NumChunks is N = ceil(S/C), persisted explicitly rather than always
	// recomputed, since parcel.cfg predates any given Size change.
	NumChunks uint32

	// ChunksPerDir is D in the {prefix}/{i/D:04}/{i%D:04} path layout.
	ChunksPerDir uint32

	Suite       suite.ID
	Compression []compress.Tag

	// Origin is the optional remote URL chunks are fetched from when
	// absent locally and from the hoard. Empty means no origin configured.
	Origin string
}

// Validate checks the structural invariants spec.md requires of a parcel's
// geometry and configuration, independent of any on-disk state.
func (p *Parcel) Validate() error {
	if p.ChunkSize < 512 || p.ChunkSize&(p.ChunkSize-1) != 0 {
		return parcelerr.New(parcelerr.InvalidArgument, "Validate", "parcel", nil).
			Withf("chunk size %d is not a power of two >= 512", p.ChunkSize)
	}
	if p.Version < 3 || p.Version > 4 {
		return parcelerr.New(parcelerr.InvalidArgument, "Validate", "parcel", nil).
			Withf("version %d out of range [3,4]", p.Version)
	}
	if p.ChunksPerDir == 0 {
		return parcelerr.New(parcelerr.InvalidArgument, "Validate", "parcel", nil).
			Withf("chunks_per_dir must be > 0")
	}
	want := uint32((p.Size + int64(p.ChunkSize) - 1) / int64(p.ChunkSize))
	if p.Size > 0 && want != p.NumChunks {
		return parcelerr.New(parcelerr.InvalidArgument, "Validate", "parcel", nil).
			Withf("num_chunks %d does not match ceil(size/chunksize) = %d", p.NumChunks, want)
	}
	if len(p.Compression) == 0 {
		return parcelerr.New(parcelerr.InvalidArgument, "Validate", "parcel", nil).
			Withf("compression set must not be empty")
	}
	return nil
}

// ChunkPlainLen returns the logical plaintext length of chunk i: exactly C
// bytes, except for the final chunk when S is not a multiple of C.
func (p *Parcel) ChunkPlainLen(i uint32) int {
	start := int64(i) * int64(p.ChunkSize)
	remaining := p.Size - start
	if remaining <= 0 {
		return 0
	}
	if remaining > int64(p.ChunkSize) {
		return int(p.ChunkSize)
	}
	return int(remaining)
}

// ChunkPath returns the on-disk path of chunk i relative to prefix, laid
// out as {prefix}/{floor(i/D):04}/{i%D:04}.
func ChunkPath(prefix string, i, chunksPerDir uint32) string {
	dir := i / chunksPerDir
	file := i % chunksPerDir
	return fmt.Sprintf("%s/%04d/%04d", prefix, dir, file)
}
