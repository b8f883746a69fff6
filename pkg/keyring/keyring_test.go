package keyring

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openparcel/parcelkeeper/pkg/codec/compress"
	"github.com/openparcel/parcelkeeper/pkg/parcelerr"
)

func openTemp(t *testing.T) *Keyring {
	t.Helper()
	path := filepath.Join(t.TempDir(), "keyring.db")
	k, err := Open(context.Background(), path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = k.Close() })
	return k
}

func putRow(t *testing.T, k *Keyring, row Row) {
	t.Helper()
	err := k.WithTx(context.Background(), func(tx *sql.Tx) error {
		return k.Put(context.Background(), tx, row)
	})
	require.NoError(t, err)
}

func TestOpen_CreatesSchema(t *testing.T) {
	t.Parallel()
	k := openTemp(t)

	n, err := k.CountValid(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestPutGet_RoundTrip(t *testing.T) {
	t.Parallel()
	k := openTemp(t)

	row := Row{Chunk: 3, Tag: []byte("tagtagtagtagtagtagtag00"), Key: []byte("keykeykeykeykeykeykey00"), Compression: compress.Zlib}
	putRow(t, k, row)

	got, err := k.Get(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, row, got)
}

func TestPut_IsInsertOrReplace(t *testing.T) {
	t.Parallel()
	k := openTemp(t)

	putRow(t, k, Row{Chunk: 1, Tag: []byte("a"), Key: []byte("b"), Compression: compress.None})
	putRow(t, k, Row{Chunk: 1, Tag: []byte("c"), Key: []byte("d"), Compression: compress.Zlib})

	got, err := k.Get(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, []byte("c"), got.Tag)
	assert.Equal(t, compress.Zlib, got.Compression)

	n, err := k.CountValid(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestGet_NotFound(t *testing.T) {
	t.Parallel()
	k := openTemp(t)

	_, err := k.Get(context.Background(), 99)
	require.Error(t, err)
	assert.Equal(t, parcelerr.NotFound, parcelerr.KindOf(err))
}

func TestIterOrdered_ReturnsAscendingChunkOrder(t *testing.T) {
	t.Parallel()
	k := openTemp(t)

	for _, i := range []uint32{4, 1, 3, 0, 2} {
		putRow(t, k, Row{Chunk: i, Tag: []byte{byte(i)}, Key: []byte{byte(i)}, Compression: compress.None})
	}

	rows, err := k.IterOrdered(context.Background())
	require.NoError(t, err)
	require.Len(t, rows, 5)
	for idx, r := range rows {
		assert.Equal(t, uint32(idx), r.Chunk)
	}
}

func TestCountDirty_ComparesAgainstPreviousVersion(t *testing.T) {
	t.Parallel()
	prev := openTemp(t)
	cur := openTemp(t)

	putRow(t, prev, Row{Chunk: 0, Tag: []byte("same"), Key: []byte("k0"), Compression: compress.None})
	putRow(t, prev, Row{Chunk: 1, Tag: []byte("old"), Key: []byte("k1"), Compression: compress.None})

	putRow(t, cur, Row{Chunk: 0, Tag: []byte("same"), Key: []byte("k0"), Compression: compress.None})
	putRow(t, cur, Row{Chunk: 1, Tag: []byte("new"), Key: []byte("k1"), Compression: compress.None})
	putRow(t, cur, Row{Chunk: 2, Tag: []byte("brandnew"), Key: []byte("k2"), Compression: compress.None})

	dirty, err := cur.CountDirty(context.Background(), prev)
	require.NoError(t, err)
	assert.Equal(t, 2, dirty) // chunk 1 changed, chunk 2 is new
}

func TestValidate_OK(t *testing.T) {
	t.Parallel()
	k := openTemp(t)
	hashLen := 20

	for i := uint32(0); i < 4; i++ {
		tag := make([]byte, hashLen)
		key := make([]byte, hashLen)
		tag[0] = byte(i)
		putRow(t, k, Row{Chunk: i, Tag: tag, Key: key, Compression: compress.None})
	}

	err := k.Validate(context.Background(), hashLen, []compress.Tag{compress.None, compress.Zlib})
	require.NoError(t, err)
}

func TestValidate_RejectsGap(t *testing.T) {
	t.Parallel()
	k := openTemp(t)
	hashLen := 4
	tag := make([]byte, hashLen)
	key := make([]byte, hashLen)

	putRow(t, k, Row{Chunk: 0, Tag: tag, Key: key, Compression: compress.None})
	putRow(t, k, Row{Chunk: 2, Tag: tag, Key: key, Compression: compress.None}) // gap at 1

	err := k.Validate(context.Background(), hashLen, []compress.Tag{compress.None})
	require.Error(t, err)
	assert.Equal(t, parcelerr.BadFormat, parcelerr.KindOf(err))
}

func TestValidate_RejectsWrongHashLength(t *testing.T) {
	t.Parallel()
	k := openTemp(t)

	putRow(t, k, Row{Chunk: 0, Tag: []byte("short"), Key: []byte("short"), Compression: compress.None})

	err := k.Validate(context.Background(), 20, []compress.Tag{compress.None})
	require.Error(t, err)
	assert.Equal(t, parcelerr.BadFormat, parcelerr.KindOf(err))
}

func TestValidate_RejectsDisallowedCompression(t *testing.T) {
	t.Parallel()
	k := openTemp(t)
	tag := make([]byte, 4)

	putRow(t, k, Row{Chunk: 0, Tag: tag, Key: tag, Compression: compress.LZMA})

	err := k.Validate(context.Background(), 4, []compress.Tag{compress.None, compress.Zlib})
	require.Error(t, err)
	assert.Equal(t, parcelerr.BadFormat, parcelerr.KindOf(err))
}

func TestWithTx_RollsBackOnError(t *testing.T) {
	t.Parallel()
	k := openTemp(t)

	sentinel := errors.New("boom")
	err := k.WithTx(context.Background(), func(tx *sql.Tx) error {
		if putErr := k.Put(context.Background(), tx, Row{Chunk: 0, Tag: []byte("x"), Key: []byte("y"), Compression: compress.None}); putErr != nil {
			return putErr
		}
		return sentinel
	})
	require.ErrorIs(t, err, sentinel)

	n, countErr := k.CountValid(context.Background())
	require.NoError(t, countErr)
	assert.Zero(t, n, "failed transaction must not leave partial writes")
}

func TestWithTx_RespectsCanceledContext(t *testing.T) {
	t.Parallel()
	k := openTemp(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := k.WithTx(ctx, func(tx *sql.Tx) error {
		t.Fatal("fn must not run against a canceled context")
		return nil
	})
	require.Error(t, err)
	assert.Equal(t, parcelerr.Interrupted, parcelerr.KindOf(err))
}

func TestOpen_RejectsNewerSchemaVersion(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "future.db")

	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	_, err = db.Exec(`PRAGMA user_version = 99;`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	_, err = Open(context.Background(), path)
	require.Error(t, err)
	assert.Equal(t, parcelerr.BadFormat, parcelerr.KindOf(err))
}
