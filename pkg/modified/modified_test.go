package modified

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openparcel/parcelkeeper/pkg/parcelerr"
)

func newTemp(t *testing.T, chunkSize uint32) *Store {
	t.Helper()
	s, err := New(t.TempDir(), chunkSize)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestWriteRead_RoundTrip(t *testing.T) {
	t.Parallel()
	s := newTemp(t, 16)

	require.NoError(t, s.Write(3, []byte("hello")))
	assert.True(t, s.Has(3))

	buf := make([]byte, 16)
	n, err := s.Read(3, buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf[:n]))
}

func TestRead_AbsentChunkIsNotFound(t *testing.T) {
	t.Parallel()
	s := newTemp(t, 16)
	_, err := s.Read(0, make([]byte, 16))
	require.Error(t, err)
	assert.Equal(t, parcelerr.NotFound, parcelerr.KindOf(err))
}

func TestWrite_RejectsOversizedPlaintext(t *testing.T) {
	t.Parallel()
	s := newTemp(t, 8)
	err := s.Write(0, make([]byte, 9))
	require.Error(t, err)
	assert.Equal(t, parcelerr.InvalidArgument, parcelerr.KindOf(err))
}

func TestClear_RemovesChunkFromBitmap(t *testing.T) {
	t.Parallel()
	s := newTemp(t, 16)
	require.NoError(t, s.Write(1, []byte("x")))
	assert.True(t, s.Has(1))

	s.Clear(1)
	assert.False(t, s.Has(1))

	_, err := s.Read(1, make([]byte, 16))
	require.Error(t, err)
	assert.Equal(t, parcelerr.NotFound, parcelerr.KindOf(err))
}

func TestDirty_ReturnsAscendingIndices(t *testing.T) {
	t.Parallel()
	s := newTemp(t, 16)
	require.NoError(t, s.Write(5, []byte("e")))
	require.NoError(t, s.Write(1, []byte("a")))
	require.NoError(t, s.Write(3, []byte("c")))

	assert.Equal(t, []uint32{1, 3, 5}, s.Dirty())
}

func TestMarkDirtyTail_BehavesLikeWrite(t *testing.T) {
	t.Parallel()
	s := newTemp(t, 16)

	// Simulate a truncation that leaves chunk 2 as a new partial last
	// chunk: the caller faults in its current plaintext and the store
	// must mark it dirty so a later grow-back doesn't reveal stale tail
	// bytes from a stale backing-store read.
	require.NoError(t, s.MarkDirtyTail(2, []byte("tail")))
	assert.True(t, s.Has(2))

	buf := make([]byte, 16)
	n, err := s.Read(2, buf)
	require.NoError(t, err)
	assert.Equal(t, "tail", string(buf[:n]))
}

func TestClose_RemovesBackingFile(t *testing.T) {
	t.Parallel()
	s, err := New(t.TempDir(), 16)
	require.NoError(t, err)
	path := s.file.Name()

	require.NoError(t, s.Write(0, []byte("x")))
	require.NoError(t, s.Close())

	_, statErr := os.Stat(path)
	assert.Error(t, statErr)
}
