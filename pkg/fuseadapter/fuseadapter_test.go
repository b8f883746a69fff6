package fuseadapter

import (
	"context"
	"syscall"
	"testing"

	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openparcel/parcelkeeper/pkg/blockfile"
	"github.com/openparcel/parcelkeeper/pkg/modified"
	"github.com/openparcel/parcelkeeper/pkg/parcel"
	"github.com/openparcel/parcelkeeper/pkg/parcelerr"
)

const testChunkSize = 16

func newTestParcel(numChunks uint32) *parcel.Parcel {
	return &parcel.Parcel{
		ChunkSize:    testChunkSize,
		NumChunks:    numChunks,
		Size:         int64(numChunks) * testChunkSize,
		ChunksPerDir: 256,
		Version:      3,
	}
}

// memStore is a minimal blockfile.Store backed by an in-memory map. Its
// Write also lands in mod, the same way ChunkEngine.PutChunk does in
// production, so tests of the base/overlay bitmap classification see
// realistic Modified-store state without standing up the full
// keyring/local/hoard/origin stack.
type memStore struct {
	chunks map[uint32][]byte
	mod    *modified.Store
}

func newMemStore(mod *modified.Store) *memStore {
	return &memStore{chunks: make(map[uint32][]byte), mod: mod}
}

func (m *memStore) Read(ctx context.Context, i uint32, out []byte) (int, error) {
	b, ok := m.chunks[i]
	if !ok {
		return 0, parcelerr.New(parcelerr.NotFound, "Read", "memstore", nil)
	}
	n := copy(out, b)
	return n, nil
}

func (m *memStore) Write(ctx context.Context, i uint32, plain []byte) error {
	cp := make([]byte, len(plain))
	copy(cp, plain)
	m.chunks[i] = cp
	return m.mod.Write(i, plain)
}

func (m *memStore) Forget(i uint32) { delete(m.chunks, i) }

func newTestImage(t *testing.T, numChunks uint32) (*imageHandle, *Stats, *modified.Store) {
	t.Helper()
	p := newTestParcel(numChunks)
	mod, err := modified.New(t.TempDir(), testChunkSize)
	require.NoError(t, err)
	t.Cleanup(func() { _ = mod.Close() })

	bf := blockfile.New(p, newMemStore(mod), mod)
	stats := NewStats(numChunks)
	node := &imageNode{bf: bf, p: p, mod: mod, stats: stats}
	return &imageHandle{node: node}, stats, mod
}

func TestImageHandle_WriteThenReadUpdatesStatsAndBitmaps(t *testing.T) {
	h, stats, _ := newTestImage(t, 4)
	ctx := context.Background()

	n, errno := h.Write(ctx, []byte("hello world123456"), 0) // spans chunk 0 and 1
	require.Equal(t, syscall.Errno(0), errno)
	require.Equal(t, 17, n)

	assert.Equal(t, int64(17), stats.Counter(StatDataBytesWritten).Value())
	assert.Equal(t, int64(2), stats.Counter(StatChunkWrites).Value())
	assert.True(t, stats.Bitmap(StreamChunksModified).Test(0))
	assert.True(t, stats.Bitmap(StreamChunksModified).Test(1))
	assert.True(t, stats.Bitmap(StreamChunksOverlay).Test(0))

	buf := make([]byte, 17)
	rn, errno := h.Read(ctx, buf, 0)
	require.Equal(t, syscall.Errno(0), errno)
	data, status := rn.Bytes(nil)
	require.Equal(t, fuse.OK, status)
	assert.Equal(t, "hello world123456", string(data))

	assert.Equal(t, int64(17), stats.Counter(StatBytesRead).Value())
	assert.True(t, stats.Bitmap(StreamChunksAccessed).Test(0))
	assert.True(t, stats.Bitmap(StreamChunksAccessed).Test(1))
	// Both touched chunks were written first, so they're overlay, not base.
	assert.True(t, stats.Bitmap(StreamChunksOverlay).Test(1))
	assert.False(t, stats.Bitmap(StreamChunksBase).Test(0))
}

func TestImageHandle_ReadNeverWrittenChunkIsZeroAndBase(t *testing.T) {
	h, stats, mod := newTestImage(t, 2)
	ctx := context.Background()

	buf := make([]byte, testChunkSize)
	rr, errno := h.Read(ctx, buf, 0)
	require.Equal(t, syscall.Errno(0), errno)
	data, status := rr.Bytes(nil)
	require.Equal(t, fuse.OK, status)
	for _, b := range data {
		assert.Equal(t, byte(0), b)
	}
	assert.True(t, stats.Bitmap(StreamChunksBase).Test(0))
	assert.False(t, mod.Has(0))
}

func TestStats_SetForceFiresStreamEventEveryCall(t *testing.T) {
	stats := NewStats(4)
	bm := stats.Bitmap(StreamChunksModified)
	s := bm.Streams().NewStream()

	bm.SetForce(0)
	bm.SetForce(0)

	buf := make([]byte, 256)
	n, err := s.Read(context.Background(), buf, false)
	require.NoError(t, err)
	assert.Equal(t, 2, countLines(string(buf[:n])))
}

func countLines(s string) int {
	n := 0
	for _, r := range s {
		if r == '\n' {
			n++
		}
	}
	return n
}

func TestErrnoFor_MapsKindsToExpectedErrno(t *testing.T) {
	cases := []struct {
		kind parcelerr.Kind
		want syscall.Errno
	}{
		{parcelerr.NotFound, syscall.ENOENT},
		{parcelerr.InvalidArgument, syscall.EINVAL},
		{parcelerr.TagMismatch, syscall.EIO},
		{parcelerr.Busy, syscall.EBUSY},
		{parcelerr.Netfail, syscall.ETIMEDOUT},
		{parcelerr.Interrupted, syscall.EINTR},
	}
	for _, c := range cases {
		err := parcelerr.New(c.kind, "op", "component", nil)
		assert.Equal(t, c.want, errnoFor(err), c.kind.String())
	}
}

func TestChunkIndices_SpansExpectedChunks(t *testing.T) {
	idx := chunkIndices(testChunkSize-4, 8, testChunkSize)
	assert.Equal(t, []uint32{0, 1}, idx)
}
