package engine

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openparcel/parcelkeeper/pkg/codec/compress"
	"github.com/openparcel/parcelkeeper/pkg/hoard"
	"github.com/openparcel/parcelkeeper/pkg/keyring"
	"github.com/openparcel/parcelkeeper/pkg/localcache"
	"github.com/openparcel/parcelkeeper/pkg/modified"
	"github.com/openparcel/parcelkeeper/pkg/parcel"
	"github.com/openparcel/parcelkeeper/pkg/parcelerr"
	"github.com/openparcel/parcelkeeper/pkg/suite"
)

const testChunkSize = 64

// fakeFetcher serves fixed plaintext ranges, recording how many times each
// chunk was fetched.
type fakeFetcher struct {
	data  []byte
	calls map[uint32]int
}

func (f *fakeFetcher) FetchRange(_ context.Context, i uint32, offset, length int64) ([]byte, error) {
	if f.calls == nil {
		f.calls = map[uint32]int{}
	}
	f.calls[i]++
	if offset+length > int64(len(f.data)) {
		return nil, parcelerr.NewChunk(parcelerr.NotFound, "FetchRange", "origin", i, nil)
	}
	return f.data[offset : offset+length], nil
}

func newTestEngine(t *testing.T, size int64, fetcher *fakeFetcher) (*ChunkEngine, *parcel.Parcel) {
	t.Helper()
	dir := t.TempDir()
	ctx := context.Background()

	p := &parcel.Parcel{
		UUID: "test", Name: "test", Version: 4,
		Size: size, ChunkSize: testChunkSize, ChunksPerDir: 256,
		Suite: suite.AESSHA1, Compression: []compress.Tag{compress.None},
	}

	keys, err := keyring.Open(ctx, filepath.Join(dir, "keyring.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = keys.Close() })

	n := uint32((size + testChunkSize - 1) / testChunkSize)
	local, err := localcache.Create(filepath.Join(dir, "local.dat"), filepath.Join(dir, "local.db"), n, testChunkSize)
	require.NoError(t, err)
	t.Cleanup(func() { _ = local.Close() })

	h, err := hoard.Open(ctx, filepath.Join(dir, "hoard.db"), filepath.Join(dir, "hoard.dat"), testChunkSize)
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close() })

	mod, err := modified.New(dir, testChunkSize)
	require.NoError(t, err)
	t.Cleanup(func() { _ = mod.Close() })

	s := suite.MustNew(suite.AESSHA1)

	if fetcher == nil {
		return New(p, s, keys, local, h, mod, nil), p
	}
	return New(p, s, keys, local, h, mod, fetcher), p
}

func TestPutThenGet_RoundTripsViaLocal(t *testing.T) {
	t.Parallel()
	e, p := newTestEngine(t, testChunkSize, nil)
	ctx := context.Background()

	plain := bytes.Repeat([]byte{0xAB}, int(p.ChunkSize))
	require.NoError(t, e.PutChunk(ctx, 0, plain))

	out := make([]byte, p.ChunkSize)
	n, err := e.GetChunk(ctx, 0, out)
	require.NoError(t, err)
	assert.Equal(t, plain, out[:n])
	assert.Equal(t, uint64(1), e.Stats().ChunksFromLocal)
}

func TestGetChunk_FallsThroughToOriginAndPopulatesHoard(t *testing.T) {
	t.Parallel()
	origin := bytes.Repeat([]byte{0x42}, testChunkSize*2)
	fetcher := &fakeFetcher{data: origin}
	e, p := newTestEngine(t, int64(len(origin)), fetcher)
	ctx := context.Background()

	out := make([]byte, p.ChunkSize)
	n, err := e.GetChunk(ctx, 1, out)
	require.NoError(t, err)
	assert.Equal(t, origin[testChunkSize:2*testChunkSize], out[:n])
	assert.Equal(t, 1, fetcher.calls[1])
	assert.Equal(t, uint64(1), e.Stats().ChunksFromOrigin)
}

func TestGetChunk_LastChunkIsClampedToRemainingBytes(t *testing.T) {
	t.Parallel()
	size := int64(testChunkSize + 10)
	e, p := newTestEngine(t, size, nil)
	ctx := context.Background()

	last := uint32(1)
	plain := bytes.Repeat([]byte{0x7}, p.ChunkPlainLen(last))
	require.NoError(t, e.PutChunk(ctx, last, plain))

	out := make([]byte, p.ChunkSize)
	n, err := e.GetChunk(ctx, last, out)
	require.NoError(t, err)
	assert.Equal(t, 10, n)
	assert.Equal(t, plain, out[:n])
}

func TestGetChunk_AbsentWithNoOriginIsNotFound(t *testing.T) {
	t.Parallel()
	e, _ := newTestEngine(t, testChunkSize, nil)
	_, err := e.GetChunk(context.Background(), 0, make([]byte, testChunkSize))
	require.Error(t, err)
	assert.Equal(t, parcelerr.NotFound, parcelerr.KindOf(err))
}

func TestPutChunk_RejectsWrongLength(t *testing.T) {
	t.Parallel()
	e, _ := newTestEngine(t, testChunkSize, nil)
	err := e.PutChunk(context.Background(), 0, make([]byte, testChunkSize-1))
	require.Error(t, err)
	assert.Equal(t, parcelerr.InvalidArgument, parcelerr.KindOf(err))
}

func TestGetChunk_HoardHitAfterOriginPopulatesIt(t *testing.T) {
	t.Parallel()
	origin := bytes.Repeat([]byte{0x9}, testChunkSize)
	fetcher := &fakeFetcher{data: origin}
	e, p := newTestEngine(t, int64(len(origin)), fetcher)
	ctx := context.Background()

	out := make([]byte, p.ChunkSize)
	n, err := e.GetChunk(ctx, 0, out)
	require.NoError(t, err)
	assert.Equal(t, origin, out[:n])
	assert.Equal(t, 1, fetcher.calls[0])

	// The first fetch registered a keyring row and populated the hoard, so
	// a second read for the same chunk hits HoardCache instead of
	// refetching from origin, even though LocalCache was never written
	// (origin fault-in only populates the shared hoard, not the private
	// LocalCache, which PutChunk alone owns).
	n, err = e.GetChunk(ctx, 0, out)
	require.NoError(t, err)
	assert.Equal(t, origin, out[:n])
	assert.Equal(t, 1, fetcher.calls[0], "second read should be served from the hoard, not origin")
	assert.Equal(t, uint64(1), e.Stats().ChunksFromHoard)
}
