package writeback

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openparcel/parcelkeeper/pkg/parcelerr"
)

const testChunkSize = 16

type fixedGeometry struct{ size int64 }

func (g fixedGeometry) ChunkPlainLen(i uint32) int {
	start := int64(i) * testChunkSize
	remaining := g.size - start
	if remaining <= 0 {
		return 0
	}
	if remaining > testChunkSize {
		return testChunkSize
	}
	return int(remaining)
}

type fakeEngine struct {
	mu       sync.Mutex
	origin   map[uint32][]byte
	persisted map[uint32][]byte
	getCalls  map[uint32]int
	putErr    error
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		origin:    map[uint32][]byte{},
		persisted: map[uint32][]byte{},
		getCalls:  map[uint32]int{},
	}
}

func (f *fakeEngine) GetChunk(_ context.Context, i uint32, out []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getCalls[i]++
	data, ok := f.origin[i]
	if !ok {
		return 0, parcelerr.NewChunk(parcelerr.NotFound, "GetChunk", "fake", i, nil)
	}
	return copy(out, data), nil
}

func (f *fakeEngine) PutChunk(_ context.Context, i uint32, plain []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.putErr != nil {
		return f.putErr
	}
	cp := make([]byte, len(plain))
	copy(cp, plain)
	f.persisted[i] = cp
	return nil
}

func TestRead_FaultsInFromEngineOnMiss(t *testing.T) {
	t.Parallel()
	eng := newFakeEngine()
	eng.origin[0] = []byte("hello")
	c := New(eng, fixedGeometry{size: testChunkSize}, testChunkSize, 4)

	out := make([]byte, testChunkSize)
	n, err := c.Read(context.Background(), 0, out)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(out[:n]))
	assert.Equal(t, 1, eng.getCalls[0])

	// second read hits RAM, no further engine call
	n, err = c.Read(context.Background(), 0, out)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(out[:n]))
	assert.Equal(t, 1, eng.getCalls[0])
}

func TestWriteThenRead_ServesFromRAMWithoutEngineCall(t *testing.T) {
	t.Parallel()
	eng := newFakeEngine()
	c := New(eng, fixedGeometry{size: testChunkSize}, testChunkSize, 4)

	require.NoError(t, c.Write(context.Background(), 0, []byte("0123456789012345")))

	out := make([]byte, testChunkSize)
	n, err := c.Read(context.Background(), 0, out)
	require.NoError(t, err)
	assert.Equal(t, "0123456789012345", string(out[:n]))
	assert.Equal(t, 0, eng.getCalls[0])
}

func TestWrite_RejectsWrongLength(t *testing.T) {
	t.Parallel()
	eng := newFakeEngine()
	c := New(eng, fixedGeometry{size: testChunkSize}, testChunkSize, 4)

	err := c.Write(context.Background(), 0, []byte("short"))
	require.Error(t, err)
	assert.Equal(t, parcelerr.InvalidArgument, parcelerr.KindOf(err))
}

func TestFlushDue_PersistsOnlyChunksPastTheDelay(t *testing.T) {
	t.Parallel()
	eng := newFakeEngine()
	c := New(eng, fixedGeometry{size: testChunkSize * 2}, testChunkSize, 4)

	start := time.Unix(1000, 0)
	c.now = func() time.Time { return start }
	require.NoError(t, c.Write(context.Background(), 0, []byte("aaaaaaaaaaaaaaaa")))

	c.now = func() time.Time { return start.Add(2 * time.Second) }
	require.NoError(t, c.Write(context.Background(), 1, []byte("bbbbbbbbbbbbbbbb")))

	// advance just past chunk 0's delay but not chunk 1's
	c.now = func() time.Time { return start.Add(DirtyWritebackDelay + time.Second) }
	n, err := c.FlushDue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []byte("aaaaaaaaaaaaaaaa"), eng.persisted[0])
	_, stillDirty := eng.persisted[1]
	assert.False(t, stillDirty)

	stats := c.Stats()
	assert.Equal(t, 1, stats.Dirty)
	assert.Equal(t, 1, stats.Clean)
}

func TestFlushAll_PersistsRegardlessOfAge(t *testing.T) {
	t.Parallel()
	eng := newFakeEngine()
	c := New(eng, fixedGeometry{size: testChunkSize}, testChunkSize, 4)
	require.NoError(t, c.Write(context.Background(), 0, []byte("0123456789012345")))

	n, err := c.FlushAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []byte("0123456789012345"), eng.persisted[0])
}

func TestFlush_SetsStickyErrOnFailureAndStopsPersisting(t *testing.T) {
	t.Parallel()
	eng := newFakeEngine()
	eng.putErr = parcelerr.New(parcelerr.IOErr, "PutChunk", "local", nil)
	c := New(eng, fixedGeometry{size: testChunkSize}, testChunkSize, 4)
	require.NoError(t, c.Write(context.Background(), 0, []byte("0123456789012345")))

	_, err := c.FlushAll(context.Background())
	require.Error(t, err)

	// cache is now poisoned
	_, err = c.Read(context.Background(), 1, make([]byte, testChunkSize))
	require.Error(t, err)
	assert.Equal(t, c.StickyErr(), err)

	c.ClearStickyErr()
	assert.Nil(t, c.StickyErr())
}

func TestMakeRoom_EvictsLRUCleanEntryWhenFull(t *testing.T) {
	t.Parallel()
	eng := newFakeEngine()
	for i := uint32(0); i < 3; i++ {
		eng.origin[i] = []byte{byte('a' + i)}
	}
	c := New(eng, fixedGeometry{size: testChunkSize * 3}, testChunkSize, 2)
	ctx := context.Background()

	out := make([]byte, testChunkSize)
	_, err := c.Read(ctx, 0, out)
	require.NoError(t, err)
	_, err = c.Read(ctx, 1, out)
	require.NoError(t, err)

	// capacity is 2 and both are clean; reading a third must evict chunk 0
	// (the least recently used) rather than failing.
	_, err = c.Read(ctx, 2, out)
	require.NoError(t, err)
	assert.Equal(t, 2, c.Stats().Entries)

	_, err = c.Read(ctx, 0, out)
	require.NoError(t, err)
	assert.Equal(t, 2, eng.getCalls[0], "chunk 0 should have been evicted and refetched")
}

func TestMakeRoom_ReturnsBusyWhenEveryEntryIsDirty(t *testing.T) {
	t.Parallel()
	eng := newFakeEngine()
	c := New(eng, fixedGeometry{size: testChunkSize * 3}, testChunkSize, 2)
	ctx := context.Background()

	require.NoError(t, c.Write(ctx, 0, []byte("0123456789012345")))
	require.NoError(t, c.Write(ctx, 1, []byte("aaaaaaaaaaaaaaaa")))

	err := c.Write(ctx, 2, []byte("bbbbbbbbbbbbbbbb"))
	require.Error(t, err)
	assert.Equal(t, parcelerr.Busy, parcelerr.KindOf(err))
	assert.True(t, parcelerr.KindOf(err).Retryable())
}

func TestAllocatable_RejectsTooSmallAndTooLarge(t *testing.T) {
	t.Parallel()

	n, err := Allocatable(64, 1<<20, 0)
	require.NoError(t, err)
	assert.Equal(t, 64, n)

	_, err = Allocatable(0, 1<<20, 0)
	require.Error(t, err)
	assert.Equal(t, parcelerr.InvalidArgument, parcelerr.KindOf(err))

	_, err = Allocatable(1024, 1<<20, 1024*1024*1024)
	require.Error(t, err)
	assert.Equal(t, parcelerr.InvalidArgument, parcelerr.KindOf(err))
}
