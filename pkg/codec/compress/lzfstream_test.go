package compress

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLZFStreamCodec_RoundTrip_SingleBlock(t *testing.T) {
	t.Parallel()
	c := lzfStreamCodec{}
	data := bytes.Repeat([]byte("vm disk image chunk payload "), 100)

	encoded, err := c.Compress(data)
	require.NoError(t, err)

	got, err := c.Decompress(encoded, len(data))
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestLZFStreamCodec_RoundTrip_MultiBlock(t *testing.T) {
	t.Parallel()
	c := lzfStreamCodec{}
	// force several 65535-byte blocks
	data := bytes.Repeat([]byte{0xCD}, lzfStreamMaxBlock*3+1234)

	encoded, err := c.Compress(data)
	require.NoError(t, err)

	got, err := c.Decompress(encoded, len(data))
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestLZFStreamCodec_RoundTrip_Empty(t *testing.T) {
	t.Parallel()
	c := lzfStreamCodec{}
	encoded, err := c.Compress(nil)
	require.NoError(t, err)

	got, err := c.Decompress(encoded, 0)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestLZFStreamCodec_RoundTrip_IncompressibleFallsBackToStored(t *testing.T) {
	t.Parallel()
	c := lzfStreamCodec{}
	data := []byte{1, 2, 3} // too short for lzfCompress (<4 bytes)

	encoded, err := c.Compress(data)
	require.NoError(t, err)
	assert.Equal(t, byte(lzfStreamKindStored), encoded[2])

	got, err := c.Decompress(encoded, len(data))
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestLZFStreamCodec_Decompress_RejectsCRCMismatch(t *testing.T) {
	t.Parallel()
	c := lzfStreamCodec{}
	data := bytes.Repeat([]byte("abc"), 50)
	encoded, err := c.Compress(data)
	require.NoError(t, err)

	// flip a bit inside the trailer CRC
	encoded[len(encoded)-1] ^= 0xff

	_, err = c.Decompress(encoded, len(data))
	require.Error(t, err)
}

func TestLZFStreamCodec_Decompress_RejectsTrailingGarbage(t *testing.T) {
	t.Parallel()
	c := lzfStreamCodec{}
	data := []byte("small payload")
	encoded, err := c.Compress(data)
	require.NoError(t, err)

	encoded = append(encoded, 0xff)
	_, err = c.Decompress(encoded, len(data))
	require.Error(t, err)
}

func TestLZFStreamCodec_Decompress_RejectsBadMagic(t *testing.T) {
	t.Parallel()
	c := lzfStreamCodec{}
	_, err := c.Decompress([]byte{'X', 'X', 0x00, 0, 0}, 0)
	require.Error(t, err)
}

func TestLZFStreamCodec_Decompress_RejectsTruncatedTrailer(t *testing.T) {
	t.Parallel()
	c := lzfStreamCodec{}
	data := []byte("abc")
	encoded, err := c.Compress(data)
	require.NoError(t, err)

	truncated := encoded[:len(encoded)-2]
	_, err = c.Decompress(truncated, len(data))
	require.Error(t, err)
}

func TestLZFStreamCodec_Properties(t *testing.T) {
	t.Parallel()
	c := lzfStreamCodec{}
	assert.Equal(t, LZFStream, c.Tag())
	assert.True(t, c.CanStream())
}

func TestLZFStreamCompressor_ProcessFinalize(t *testing.T) {
	t.Parallel()
	data := bytes.Repeat([]byte("chunked write data "), 500)

	p := NewLZFStreamCompressor()
	out := make([]byte, len(data)*2+64)

	half := len(data) / 2
	_, produced, err := p.Process(data[:half], out)
	require.NoError(t, err)
	assert.Zero(t, produced, "lzf-stream buffers until Finalize")

	_, produced, err = p.Process(data[half:], out)
	require.NoError(t, err)
	assert.Zero(t, produced)

	n, err := p.Finalize(out)
	require.NoError(t, err)

	dec := lzfStreamCodec{}
	got, err := dec.Decompress(out[:n], len(data))
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestLZFStreamCompressor_Finalize_BufferTooSmall(t *testing.T) {
	t.Parallel()
	p := NewLZFStreamCompressor()
	data := bytes.Repeat([]byte{0x11}, 4096)
	_, _, err := p.Process(data, nil)
	require.NoError(t, err)

	tiny := make([]byte, 1)
	_, err = p.Finalize(tiny)
	require.Error(t, err)
}

// sanity check of our own block-header layout assumptions used by the tests
// above, independent of the main encode/decode path.
func TestReadUint16_MatchesBigEndianManualEncoding(t *testing.T) {
	t.Parallel()
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], 0x1234)
	n, err := readUint16(b[:], 0)
	require.NoError(t, err)
	assert.Equal(t, 0x1234, n)
}
