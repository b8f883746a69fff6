package parcel

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openparcel/parcelkeeper/pkg/codec/compress"
	"github.com/openparcel/parcelkeeper/pkg/suite"
)

const sampleCfg = `
# sample parcel configuration
VERSION = 4
CHUNKSIZE = 131072
NUMCHUNKS = 10
CHUNKSPERDIR = 512
CRYPTO = aes-sha1
COMPRESS = zlib, lzf, none
UUID = 11111111-2222-3333-4444-555555555555
SERVER = origin.example
USER = alice
PARCEL = winxp
RPATH = winxp/disk0
UNKNOWNKEY = ignored
`

func TestParseConfig_OK(t *testing.T) {
	t.Parallel()
	p, err := ParseConfig(strings.NewReader(sampleCfg))
	require.NoError(t, err)

	assert.Equal(t, 4, p.Version)
	assert.Equal(t, uint32(131072), p.ChunkSize)
	assert.Equal(t, uint32(10), p.NumChunks)
	assert.Equal(t, uint32(512), p.ChunksPerDir)
	assert.Equal(t, suite.AESSHA1, p.Suite)
	assert.Equal(t, []compress.Tag{compress.Zlib, compress.LZF, compress.None}, p.Compression)
	assert.Equal(t, "11111111-2222-3333-4444-555555555555", p.UUID)
	assert.Equal(t, "origin.example", p.Server)
	assert.Equal(t, "alice", p.User)
	assert.Equal(t, "winxp", p.Name)
	assert.Equal(t, "winxp/disk0", p.RPath)
	assert.Equal(t, int64(1310720), p.Size)

	require.NoError(t, p.Validate())
}

func TestParseConfig_MissingRequiredKey(t *testing.T) {
	t.Parallel()
	cfg := strings.ReplaceAll(sampleCfg, "UUID = 11111111-2222-3333-4444-555555555555\n", "")
	_, err := ParseConfig(strings.NewReader(cfg))
	require.Error(t, err)
}

func TestParseConfig_MalformedLine(t *testing.T) {
	t.Parallel()
	_, err := ParseConfig(strings.NewReader(sampleCfg + "\nnotakeyvalue\n"))
	require.Error(t, err)
}

func TestParseConfig_UnknownCompressionTag(t *testing.T) {
	t.Parallel()
	cfg := strings.ReplaceAll(sampleCfg, "COMPRESS = zlib, lzf, none", "COMPRESS = brotli")
	_, err := ParseConfig(strings.NewReader(cfg))
	require.Error(t, err)
}

func TestParseConfig_UnknownCryptoSuite(t *testing.T) {
	t.Parallel()
	cfg := strings.ReplaceAll(sampleCfg, "CRYPTO = aes-sha1", "CRYPTO = rot13")
	_, err := ParseConfig(strings.NewReader(cfg))
	require.Error(t, err)
}

func TestWriteConfig_RoundTrip(t *testing.T) {
	t.Parallel()
	p, err := ParseConfig(strings.NewReader(sampleCfg))
	require.NoError(t, err)

	var buf strings.Builder
	require.NoError(t, WriteConfig(&buf, p))

	p2, err := ParseConfig(strings.NewReader(buf.String()))
	require.NoError(t, err)
	assert.Equal(t, p, p2)
}
