package compress

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLZMACodec_RoundTrip(t *testing.T) {
	t.Parallel()
	c := lzmaCodec{}
	data := bytes.Repeat([]byte("vm disk image sparse region "), 2000)

	compressed, err := c.Compress(data)
	require.NoError(t, err)
	assert.Less(t, len(compressed), len(data))

	got, err := c.Decompress(compressed, len(data))
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestLZMACodec_RoundTrip_Empty(t *testing.T) {
	t.Parallel()
	c := lzmaCodec{}
	compressed, err := c.Compress(nil)
	require.NoError(t, err)

	got, err := c.Decompress(compressed, 0)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestLZMACodec_Decompress_RejectsBadFormat(t *testing.T) {
	t.Parallel()
	c := lzmaCodec{}
	_, err := c.Decompress([]byte{0x00, 0x01, 0x02, 0x03}, 10)
	require.Error(t, err)
}

func TestLZMACodec_Properties(t *testing.T) {
	t.Parallel()
	c := lzmaCodec{}
	assert.Equal(t, LZMA, c.Tag())
	assert.False(t, c.CanStream())
}
