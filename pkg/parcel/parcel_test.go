package parcel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openparcel/parcelkeeper/pkg/codec/compress"
	"github.com/openparcel/parcelkeeper/pkg/suite"
)

func validParcel() *Parcel {
	return &Parcel{
		UUID:         "11111111-2222-3333-4444-555555555555",
		Server:       "origin.example",
		User:         "alice",
		Name:         "winxp",
		RPath:        "winxp/disk0",
		Version:      4,
		ChunkSize:    131072,
		NumChunks:    10,
		ChunksPerDir: 512,
		Suite:        suite.AESSHA1,
		Compression:  []compress.Tag{compress.Zlib, compress.None},
		Size:         131072 * 10,
	}
}

func TestParcel_Validate_OK(t *testing.T) {
	t.Parallel()
	require.NoError(t, validParcel().Validate())
}

func TestParcel_Validate_RejectsNonPowerOfTwoChunkSize(t *testing.T) {
	t.Parallel()
	p := validParcel()
	p.ChunkSize = 1000
	require.Error(t, p.Validate())
}

func TestParcel_Validate_RejectsSmallChunkSize(t *testing.T) {
	t.Parallel()
	p := validParcel()
	p.ChunkSize = 256
	require.Error(t, p.Validate())
}

func TestParcel_Validate_RejectsBadVersion(t *testing.T) {
	t.Parallel()
	p := validParcel()
	p.Version = 5
	require.Error(t, p.Validate())
}

func TestParcel_Validate_RejectsMismatchedNumChunks(t *testing.T) {
	t.Parallel()
	p := validParcel()
	p.NumChunks = 7
	require.Error(t, p.Validate())
}

func TestParcel_Validate_RejectsEmptyCompression(t *testing.T) {
	t.Parallel()
	p := validParcel()
	p.Compression = nil
	require.Error(t, p.Validate())
}

func TestParcel_ChunkPlainLen_FullChunks(t *testing.T) {
	t.Parallel()
	p := validParcel()
	for i := uint32(0); i < p.NumChunks; i++ {
		assert.Equal(t, int(p.ChunkSize), p.ChunkPlainLen(i))
	}
}

func TestParcel_ChunkPlainLen_PartialLastChunk(t *testing.T) {
	t.Parallel()
	p := validParcel()
	p.Size = 131072*9 + 37
	p.NumChunks = 10
	assert.Equal(t, 37, p.ChunkPlainLen(9))
	assert.Equal(t, 131072, p.ChunkPlainLen(8))
}

func TestParcel_ChunkPlainLen_PastEnd(t *testing.T) {
	t.Parallel()
	p := validParcel()
	assert.Zero(t, p.ChunkPlainLen(p.NumChunks+5))
}

func TestChunkPath_Layout(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "/data/0000/0000", ChunkPath("/data", 0, 512))
	assert.Equal(t, "/data/0000/0511", ChunkPath("/data", 511, 512))
	assert.Equal(t, "/data/0001/0000", ChunkPath("/data", 512, 512))
	assert.Equal(t, "/data/0002/0003", ChunkPath("/data", 1027, 512))
}
