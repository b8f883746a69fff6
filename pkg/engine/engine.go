// Package engine implements the ChunkEngine: the façade that composes the
// Modified store, LocalCache, HoardCache, Keyring, and an origin
// ChunkFetcher into the single get_chunk/put_chunk API the block file and
// writeback cache call against.
package engine

import (
	"bytes"
	"context"
	"database/sql"
	"sync/atomic"

	"github.com/openparcel/parcelkeeper/pkg/codec"
	"github.com/openparcel/parcelkeeper/pkg/hoard"
	"github.com/openparcel/parcelkeeper/pkg/keyring"
	"github.com/openparcel/parcelkeeper/pkg/localcache"
	"github.com/openparcel/parcelkeeper/pkg/modified"
	"github.com/openparcel/parcelkeeper/pkg/parcel"
	"github.com/openparcel/parcelkeeper/pkg/parcelerr"
	"github.com/openparcel/parcelkeeper/pkg/suite"
	"github.com/openparcel/parcelkeeper/pkg/transport"
)

// Stats counts engine-level events for the telemetry layer.
type Stats struct {
	ChunksFromModified uint64
	ChunksFromLocal    uint64
	ChunksFromHoard    uint64
	ChunksFromOrigin   uint64
	ChunksWritten      uint64
	TagMismatches      uint64
	KeyMismatches      uint64
}

// ChunkEngine fulfills reads and writes for a single open parcel by
// composing its caches in fallthrough order: Modified (uncommitted local
// writes), LocalCache (this host's persisted ciphertext), HoardCache
// (shared content-addressed ciphertext pool), Origin (remote plaintext
// image, read-only).
type ChunkEngine struct {
	p       *parcel.Parcel
	s       suite.Suite
	keys    *keyring.Keyring
	local   *localcache.LocalCache
	hoardC  *hoard.Hoard
	mod     *modified.Store
	origin  transport.ChunkFetcher
	hasOrig bool

	stats struct {
		fromModified uint64
		fromLocal    uint64
		fromHoard    uint64
		fromOrigin   uint64
		written      uint64
		tagMismatch  uint64
		keyMismatch  uint64
	}
}

// New builds a ChunkEngine. origin may be nil if the parcel has no
// configured origin (fully local/hoard-backed parcels).
func New(p *parcel.Parcel, s suite.Suite, keys *keyring.Keyring, local *localcache.LocalCache, hoardC *hoard.Hoard, mod *modified.Store, origin transport.ChunkFetcher) *ChunkEngine {
	return &ChunkEngine{
		p: p, s: s, keys: keys, local: local, hoardC: hoardC, mod: mod,
		origin: origin, hasOrig: origin != nil,
	}
}

// Stats returns a point-in-time snapshot of engine counters.
func (e *ChunkEngine) Stats() Stats {
	return Stats{
		ChunksFromModified: atomic.LoadUint64(&e.stats.fromModified),
		ChunksFromLocal:    atomic.LoadUint64(&e.stats.fromLocal),
		ChunksFromHoard:    atomic.LoadUint64(&e.stats.fromHoard),
		ChunksFromOrigin:   atomic.LoadUint64(&e.stats.fromOrigin),
		ChunksWritten:      atomic.LoadUint64(&e.stats.written),
		TagMismatches:      atomic.LoadUint64(&e.stats.tagMismatch),
		KeyMismatches:      atomic.LoadUint64(&e.stats.keyMismatch),
	}
}

// GetChunk fills out with chunk i's plaintext and returns the number of
// usable bytes (the chunk's logical length, less than len(out) only for
// the parcel's final, possibly-partial chunk). It falls through Modified,
// LocalCache, HoardCache, and Origin in order, stopping at the first hit.
//
// A LocalCache copy that fails its tag or key check is skipped, not
// invalidated, and the lookup falls through to the hoard. A hoard copy
// whose tag does not match is invalidated by the hoard and the call
// returns TagMismatch; a hoard copy that fails its key check falls through
// to origin. A second mismatch within the same call is fatal rather than
// falling through again, since that would mean two independent stores
// served corrupt data for the same chunk.
func (e *ChunkEngine) GetChunk(ctx context.Context, i uint32, out []byte) (int, error) {
	want := e.p.ChunkPlainLen(i)
	if want == 0 {
		return 0, nil
	}
	if len(out) < want {
		return 0, parcelerr.NewChunk(parcelerr.InvalidArgument, "GetChunk", "engine", i, nil).
			Withf("output buffer %d bytes too small for chunk length %d", len(out), want)
	}

	mismatches := 0

	if e.mod.Has(i) {
		n, err := e.mod.Read(i, out)
		if err == nil {
			atomic.AddUint64(&e.stats.fromModified, 1)
			return n, nil
		}
		if parcelerr.KindOf(err) != parcelerr.NotFound {
			return 0, err
		}
	}

	row, rowErr := e.keys.Get(ctx, i)
	haveRow := rowErr == nil
	if rowErr != nil && parcelerr.KindOf(rowErr) != parcelerr.NotFound {
		return 0, rowErr
	}

	if haveRow {
		if n, ok, err := e.tryLocal(ctx, i, row, out, want, &mismatches); err != nil {
			return 0, err
		} else if ok {
			atomic.AddUint64(&e.stats.fromLocal, 1)
			return n, nil
		}

		if n, ok, err := e.tryHoard(ctx, i, row, out, want, &mismatches); err != nil {
			return 0, err
		} else if ok {
			atomic.AddUint64(&e.stats.fromHoard, 1)
			return n, nil
		}
	}

	if !e.hasOrig {
		return 0, parcelerr.NewChunk(parcelerr.NotFound, "GetChunk", "engine", i, nil).
			Withf("chunk absent from every local store and no origin is configured")
	}

	plain, err := e.origin.FetchRange(ctx, i, int64(i)*int64(e.p.ChunkSize), int64(want))
	if err != nil {
		return 0, err
	}
	if haveRow && !bytes.Equal(e.s.Hash(plain), row.Key) {
		atomic.AddUint64(&e.stats.keyMismatch, 1)
		mismatches++
		if mismatches >= 2 {
			return 0, parcelerr.NewChunk(parcelerr.KeyMismatch, "GetChunk", "origin", i, nil).
				Withf("origin plaintext does not match the chunk's recorded key; second mismatch in this request is fatal")
		}
		return 0, parcelerr.NewChunk(parcelerr.KeyMismatch, "GetChunk", "origin", i, nil).
			Withf("origin plaintext does not match the chunk's recorded key")
	}

	n := copy(out, plain)
	atomic.AddUint64(&e.stats.fromOrigin, 1)

	// Populate the shared pool so the next reader (this host or any other
	// sharing the hoard) hits HoardCache instead of re-fetching from
	// origin. LocalCache is intentionally left untouched: it is this
	// host's write-back-owned cache, populated only through PutChunk.
	if encErr := e.populateHoardFromOrigin(ctx, i, plain); encErr != nil {
		return n, encErr
	}

	return n, nil
}

func (e *ChunkEngine) tryLocal(ctx context.Context, i uint32, row keyring.Row, out []byte, want int, mismatches *int) (int, bool, error) {
	blob := make([]byte, e.p.ChunkSize)
	n, err := e.local.Read(ctx, i, blob)
	if err != nil {
		if parcelerr.KindOf(err) == parcelerr.NotFound {
			return 0, false, nil
		}
		return 0, false, err
	}

	plain, err := codec.Decode(blob[:n], row.Tag, row.Key, row.Compression, e.s, want, codec.Options{})
	if err != nil {
		kind := parcelerr.KindOf(err)
		if kind == parcelerr.TagMismatch {
			atomic.AddUint64(&e.stats.tagMismatch, 1)
		} else if kind == parcelerr.KeyMismatch {
			atomic.AddUint64(&e.stats.keyMismatch, 1)
		}
		*mismatches++
		if *mismatches >= 2 {
			return 0, false, err
		}
		// Local copy is corrupt; fall through to the hoard/origin chain.
		return 0, false, nil
	}

	return copy(out, plain), true, nil
}

func (e *ChunkEngine) tryHoard(ctx context.Context, i uint32, row keyring.Row, out []byte, want int, mismatches *int) (int, bool, error) {
	verify := func(blob []byte) bool {
		return bytes.Equal(e.s.Hash(blob), row.Tag)
	}
	blob, err := e.hoardC.Get(ctx, row.Tag, verify)
	if err != nil {
		if parcelerr.KindOf(err) == parcelerr.NotFound {
			return 0, false, nil
		}
		return 0, false, err
	}

	plain, err := codec.Decode(blob, row.Tag, row.Key, row.Compression, e.s, want, codec.Options{SkipTagCheck: true})
	if err != nil {
		if parcelerr.KindOf(err) == parcelerr.KeyMismatch {
			atomic.AddUint64(&e.stats.keyMismatch, 1)
		}
		*mismatches++
		if *mismatches >= 2 {
			return 0, false, err
		}
		return 0, false, nil
	}

	return copy(out, plain), true, nil
}

func (e *ChunkEngine) populateHoardFromOrigin(ctx context.Context, i uint32, plain []byte) error {
	result, err := codec.Encode(plain, e.p.Compression, e.s)
	if err != nil {
		return err
	}
	if err := e.hoardC.Put(ctx, result.Tag, result.Blob, e.s.ID()); err != nil {
		return err
	}
	return e.keys.WithTx(ctx, func(tx *sql.Tx) error {
		return e.keys.Put(ctx, tx, keyring.Row{
			Chunk: i, Tag: result.Tag, Key: result.Key, Compression: result.Compression,
		})
	})
}

// PutChunk encodes plain (compress, derive key, encrypt, tag) and persists
// it to LocalCache and the Keyring, marks the chunk dirty in the Modified
// store so the upload path knows to push it to origin and sync_refs it
// into the hoard, and updates write counters.
func (e *ChunkEngine) PutChunk(ctx context.Context, i uint32, plain []byte) error {
	want := e.p.ChunkPlainLen(i)
	if len(plain) != want {
		return parcelerr.NewChunk(parcelerr.InvalidArgument, "PutChunk", "engine", i, nil).
			Withf("plaintext length %d does not match chunk %d's logical length %d", len(plain), i, want)
	}

	result, err := codec.Encode(plain, e.p.Compression, e.s)
	if err != nil {
		return err
	}

	if err := e.local.Write(ctx, i, result.Blob); err != nil {
		return err
	}

	if err := e.keys.WithTx(ctx, func(tx *sql.Tx) error {
		return e.keys.Put(ctx, tx, keyring.Row{
			Chunk: i, Tag: result.Tag, Key: result.Key, Compression: result.Compression,
		})
	}); err != nil {
		return err
	}

	if err := e.mod.Write(i, plain); err != nil {
		return err
	}

	atomic.AddUint64(&e.stats.written, 1)
	return nil
}
