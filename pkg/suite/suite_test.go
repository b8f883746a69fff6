package suite

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openparcel/parcelkeeper/pkg/parcelerr"
)

// ============================================================================
// ID Tests
// ============================================================================

func TestID_String(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "aes-sha1", AESSHA1.String())
	assert.Equal(t, "unknown", ID(99).String())
}

func TestParseID(t *testing.T) {
	t.Parallel()

	t.Run("canonical name", func(t *testing.T) {
		t.Parallel()
		id, err := ParseID("aes-sha1")
		require.NoError(t, err)
		assert.Equal(t, AESSHA1, id)
	})

	t.Run("empty defaults to canonical", func(t *testing.T) {
		t.Parallel()
		id, err := ParseID("")
		require.NoError(t, err)
		assert.Equal(t, AESSHA1, id)
	})

	t.Run("unknown name errors", func(t *testing.T) {
		t.Parallel()
		_, err := ParseID("rot13")
		require.Error(t, err)
		assert.Equal(t, parcelerr.InvalidArgument, parcelerr.KindOf(err))
	})
}

func TestNew(t *testing.T) {
	t.Parallel()

	t.Run("known id", func(t *testing.T) {
		t.Parallel()
		s, err := New(AESSHA1)
		require.NoError(t, err)
		assert.Equal(t, AESSHA1, s.ID())
	})

	t.Run("unknown id errors", func(t *testing.T) {
		t.Parallel()
		_, err := New(ID(77))
		require.Error(t, err)
	})
}

func TestMustNew(t *testing.T) {
	t.Parallel()

	assert.NotPanics(t, func() { MustNew(AESSHA1) })
	assert.Panics(t, func() { MustNew(ID(77)) })
}

// ============================================================================
// aesSHA1 Tests
// ============================================================================

func TestAESSHA1_HashLen(t *testing.T) {
	t.Parallel()
	s := MustNew(AESSHA1)
	assert.Equal(t, 20, s.HashLen())
	assert.Len(t, s.Hash([]byte("hello")), s.HashLen())
}

func TestAESSHA1_BlockSize(t *testing.T) {
	t.Parallel()
	s := MustNew(AESSHA1)
	assert.Equal(t, 16, s.BlockSize())
}

func TestAESSHA1_EncryptDecrypt_RoundTrip(t *testing.T) {
	t.Parallel()
	s := MustNew(AESSHA1)

	plaintexts := [][]byte{
		[]byte(""),
		[]byte("a"),
		bytes.Repeat([]byte{0}, 4096),
		makePattern(131072),
	}

	for _, pt := range plaintexts {
		key := s.Hash(pt)
		ct, err := s.Encrypt(key, pt)
		require.NoError(t, err)

		got, err := s.Decrypt(key, ct)
		require.NoError(t, err)
		assert.Equal(t, pt, got)
	}
}

func TestAESSHA1_Encrypt_IsDeterministic(t *testing.T) {
	t.Parallel()
	s := MustNew(AESSHA1)
	pt := makePattern(131072)
	key := s.Hash(pt)

	ct1, err := s.Encrypt(key, pt)
	require.NoError(t, err)
	ct2, err := s.Encrypt(key, pt)
	require.NoError(t, err)

	assert.Equal(t, ct1, ct2, "same plaintext must yield identical ciphertext for dedup to work")
}

func TestAESSHA1_Encrypt_PadsToBlockBoundary(t *testing.T) {
	t.Parallel()
	s := MustNew(AESSHA1)

	for _, size := range []int{0, 1, 15, 16, 17, 4095, 4096} {
		pt := bytes.Repeat([]byte{0x42}, size)
		key := s.Hash(pt)
		ct, err := s.Encrypt(key, pt)
		require.NoError(t, err)
		assert.Zero(t, len(ct)%s.BlockSize())
		assert.Greater(t, len(ct), 0)
	}
}

func TestAESSHA1_Decrypt_WrongKeyFailsHashCheck(t *testing.T) {
	t.Parallel()
	s := MustNew(AESSHA1)
	pt := makePattern(4096)
	rightKey := s.Hash(pt)
	ct, err := s.Encrypt(rightKey, pt)
	require.NoError(t, err)

	wrongKey := s.Hash([]byte("not the plaintext"))
	got, err := s.Decrypt(wrongKey, ct)
	// Decrypt may succeed (garbage bytes that happen to pad validly) or
	// fail on padding; either way, KeyMismatch must catch a wrong key.
	if err == nil {
		assert.True(t, KeyMismatch(s, got, rightKey))
	}
}

func TestAESSHA1_Decrypt_CorruptPaddingFails(t *testing.T) {
	t.Parallel()
	s := MustNew(AESSHA1)
	pt := makePattern(32)
	key := s.Hash(pt)
	ct, err := s.Encrypt(key, pt)
	require.NoError(t, err)

	corrupt := bytes.Clone(ct)
	corrupt[len(corrupt)-1] ^= 0xff

	_, err = s.Decrypt(key, corrupt)
	if err != nil {
		assert.Equal(t, parcelerr.BadPadding, parcelerr.KindOf(err))
	}
}

func TestAESSHA1_Decrypt_RejectsShortKey(t *testing.T) {
	t.Parallel()
	s := MustNew(AESSHA1)
	_, err := s.Decrypt([]byte("short"), []byte("data"))
	require.Error(t, err)
	assert.Equal(t, parcelerr.InvalidArgument, parcelerr.KindOf(err))
}

func TestAESSHA1_Decrypt_RejectsNonBlockAlignedCiphertext(t *testing.T) {
	t.Parallel()
	s := MustNew(AESSHA1)
	key := s.Hash([]byte("x"))
	_, err := s.Decrypt(key, []byte{1, 2, 3})
	require.Error(t, err)
	assert.Equal(t, parcelerr.InvalidArgument, parcelerr.KindOf(err))
}

// ============================================================================
// PKCS#5 Padding Tests
// ============================================================================

func TestPKCS5_PadUnpadRoundTrip(t *testing.T) {
	t.Parallel()

	for size := 0; size < 64; size++ {
		data := bytes.Repeat([]byte{0xAB}, size)
		padded := pkcs5Pad(data, 16)
		assert.Zero(t, len(padded)%16)

		unpadded, err := pkcs5Unpad(padded, 16)
		require.NoError(t, err)
		assert.Equal(t, data, unpadded)
	}
}

func TestPKCS5_UnpadRejectsEveryBadPaddingByte(t *testing.T) {
	t.Parallel()

	padded := pkcs5Pad([]byte("hello world12345"), 16)
	// Corrupt a middle padding byte without changing the trailing length byte.
	padLen := int(padded[len(padded)-1])
	if padLen > 1 {
		padded[len(padded)-2] ^= 0xff
		_, err := pkcs5Unpad(padded, 16)
		require.Error(t, err)
	}
}

func TestPKCS5_UnpadRejectsZeroOrOversizedLength(t *testing.T) {
	t.Parallel()

	t.Run("zero length", func(t *testing.T) {
		t.Parallel()
		data := make([]byte, 16)
		_, err := pkcs5Unpad(data, 16)
		require.Error(t, err)
	})

	t.Run("oversized length", func(t *testing.T) {
		t.Parallel()
		data := make([]byte, 16)
		data[15] = 200
		_, err := pkcs5Unpad(data, 16)
		require.Error(t, err)
	})
}

// ============================================================================
// KeyMismatch Tests
// ============================================================================

func TestKeyMismatch(t *testing.T) {
	t.Parallel()
	s := MustNew(AESSHA1)

	pt := []byte("some plaintext")
	key := s.Hash(pt)

	assert.False(t, KeyMismatch(s, pt, key))
	assert.True(t, KeyMismatch(s, []byte("different plaintext"), key))
}

func makePattern(n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = byte(i % 256)
	}
	return out
}
