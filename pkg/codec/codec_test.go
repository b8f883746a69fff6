package codec

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openparcel/parcelkeeper/pkg/codec/compress"
	"github.com/openparcel/parcelkeeper/pkg/parcelerr"
	"github.com/openparcel/parcelkeeper/pkg/suite"
)

func pattern(n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = byte(i % 256)
	}
	return out
}

func TestEncodeDecode_RoundTrip_Pattern(t *testing.T) {
	t.Parallel()
	s := suite.MustNew(suite.AESSHA1)
	p := pattern(131072)

	res, err := Encode(p, []compress.Tag{compress.Zlib}, s)
	require.NoError(t, err)
	assert.Equal(t, compress.Zlib, res.Compression)
	assert.Len(t, res.Tag, 20)
	assert.Len(t, res.Key, 20)

	got, err := Decode(res.Blob, res.Tag, res.Key, res.Compression, s, len(p), Options{})
	require.NoError(t, err)
	assert.Equal(t, p, got)
}

func TestEncodeDecode_RoundTrip_SameBlobOnReencode(t *testing.T) {
	t.Parallel()
	s := suite.MustNew(suite.AESSHA1)
	p := pattern(131072)

	res1, err := Encode(p, []compress.Tag{compress.Zlib}, s)
	require.NoError(t, err)
	res2, err := Encode(p, []compress.Tag{compress.Zlib}, s)
	require.NoError(t, err)

	assert.Equal(t, res1.Blob, res2.Blob)
	assert.Equal(t, res1.Tag, res2.Tag)
	assert.Equal(t, res1.Key, res2.Key)
}

func TestEncode_IncompressibleFallsBackToNone(t *testing.T) {
	t.Parallel()
	s := suite.MustNew(suite.AESSHA1)
	r := rand.New(rand.NewSource(42))
	p := make([]byte, 131072)
	r.Read(p)

	res, err := Encode(p, []compress.Tag{compress.Zlib, compress.None}, s)
	require.NoError(t, err)
	if res.Compression != compress.None {
		t.Skipf("random data happened to compress under zlib, got %s", res.Compression)
	}

	// PKCS#5 pads a block-aligned multiple of BlockSize; pad in [1,16].
	assert.Zero(t, len(res.Blob)%s.BlockSize())
	pad := len(res.Blob) - len(p)
	assert.GreaterOrEqual(t, pad, 1)
	assert.LessOrEqual(t, pad, s.BlockSize())

	got, err := Decode(res.Blob, res.Tag, res.Key, res.Compression, s, len(p), Options{})
	require.NoError(t, err)
	assert.Equal(t, p, got)
}

func TestEncode_SparseDedup_AllZeroChunksShareTag(t *testing.T) {
	t.Parallel()
	s := suite.MustNew(suite.AESSHA1)
	c := make([]byte, 4096)

	var tags [][]byte
	for i := 0; i < 10; i++ {
		res, err := Encode(c, []compress.Tag{compress.Zlib, compress.None}, s)
		require.NoError(t, err)
		tags = append(tags, res.Tag)
	}
	for i := 1; i < len(tags); i++ {
		assert.Equal(t, tags[0], tags[i])
	}
}

func TestDecode_TagMismatchDetected(t *testing.T) {
	t.Parallel()
	s := suite.MustNew(suite.AESSHA1)
	p := pattern(4096)

	res, err := Encode(p, []compress.Tag{compress.None}, s)
	require.NoError(t, err)

	wrongTag := bytes.Clone(res.Tag)
	wrongTag[0] ^= 0xff

	_, err = Decode(res.Blob, wrongTag, res.Key, res.Compression, s, len(p), Options{})
	require.Error(t, err)
	assert.Equal(t, parcelerr.TagMismatch, parcelerr.KindOf(err))
}

func TestDecode_SkipTagCheck(t *testing.T) {
	t.Parallel()
	s := suite.MustNew(suite.AESSHA1)
	p := pattern(4096)

	res, err := Encode(p, []compress.Tag{compress.None}, s)
	require.NoError(t, err)

	wrongTag := bytes.Clone(res.Tag)
	wrongTag[0] ^= 0xff

	got, err := Decode(res.Blob, wrongTag, res.Key, res.Compression, s, len(p), Options{SkipTagCheck: true})
	require.NoError(t, err)
	assert.Equal(t, p, got)
}

func TestDecode_KeyMismatchDetected(t *testing.T) {
	t.Parallel()
	s := suite.MustNew(suite.AESSHA1)
	p := pattern(4096)

	res, err := Encode(p, []compress.Tag{compress.None}, s)
	require.NoError(t, err)

	wrongKey := s.Hash([]byte("not the payload"))
	_, err = Decode(res.Blob, res.Tag, wrongKey, res.Compression, s, len(p), Options{SkipTagCheck: true})
	require.Error(t, err)
}

func TestEncodeDecode_LastChunkShortLength(t *testing.T) {
	t.Parallel()
	s := suite.MustNew(suite.AESSHA1)
	p := pattern(37) // partial last chunk, C' < C

	res, err := Encode(p, []compress.Tag{compress.None}, s)
	require.NoError(t, err)

	got, err := Decode(res.Blob, res.Tag, res.Key, res.Compression, s, len(p), Options{})
	require.NoError(t, err)
	assert.Equal(t, p, got)
}

func TestEncodeDecode_LZFStream(t *testing.T) {
	t.Parallel()
	s := suite.MustNew(suite.AESSHA1)
	p := bytes.Repeat([]byte("compressible payload "), 5000)

	res, err := Encode(p, []compress.Tag{compress.LZFStream}, s)
	require.NoError(t, err)
	assert.Equal(t, compress.LZFStream, res.Compression)

	got, err := Decode(res.Blob, res.Tag, res.Key, res.Compression, s, len(p), Options{})
	require.NoError(t, err)
	assert.Equal(t, p, got)
}
