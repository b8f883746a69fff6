// Package suite implements the chunk-store crypto suites: a content hash
// used for both the chunk tag (hash of ciphertext) and the chunk key (hash
// of plaintext), paired with a symmetric block cipher keyed by that hash.
//
// Suites are selected by tag enum rather than an open interface registry,
// since the store only ever ships one canonical suite and the enum keeps
// on-disk suite identifiers stable across schema versions.
package suite

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha1" //nolint:gosec // content-addressing hash, not used for authentication
	"fmt"

	"github.com/openparcel/parcelkeeper/pkg/parcelerr"
)

// ID identifies a crypto suite. Only one variant exists today; the enum
// exists so the on-disk parcel.cfg and keyring schema have a stable
// identifier to migrate from if a second suite is ever added.
type ID int

const (
	// AESSHA1 is the canonical suite: AES-128-CBC encryption keyed by a
	// SHA-1 digest of the plaintext, PKCS#5 padded, zero IV.
	AESSHA1 ID = iota
)

func (id ID) String() string {
	switch id {
	case AESSHA1:
		return "aes-sha1"
	default:
		return "unknown"
	}
}

// ParseID maps a parcel.cfg suite name to an ID.
func ParseID(name string) (ID, error) {
	switch name {
	case "aes-sha1", "":
		return AESSHA1, nil
	default:
		return 0, parcelerr.New(parcelerr.InvalidArgument, "ParseID", "suite", nil).Withf("unknown crypto suite %q", name)
	}
}

// Suite binds a block cipher and a content hash that are used together: the
// hash derives the per-chunk key from plaintext and verifies it after
// decryption, and the cipher encrypts/decrypts chunk payloads under that key.
type Suite interface {
	// ID returns the suite's stable identifier.
	ID() ID

	// HashLen returns the digest length in bytes. The store uses this to
	// size the `tag` and `key` columns and validate row lengths.
	HashLen() int

	// Hash returns the content hash of data, used both for `key := hash(plaintext)`
	// and `tag := hash(ciphertext)`.
	Hash(data []byte) []byte

	// BlockSize returns the cipher's block size in bytes, used to size
	// PKCS#5 padding.
	BlockSize() int

	// Encrypt encrypts payload under key (at least 16 bytes; the first 16
	// are used as the AES-128 key) using a zero IV and
	// PKCS#5 padding. The key is content-derived, so a zero IV does not
	// leak cross-chunk plaintext relationships: see the deduplication
	// invariant in Encode.
	Encrypt(key, payload []byte) ([]byte, error)

	// Decrypt reverses Encrypt, validating and stripping PKCS#5 padding.
	// It does not verify the key; callers must separately check
	// Hash(decrypted) == key to detect KEY_MISMATCH.
	Decrypt(key, ciphertext []byte) ([]byte, error)
}

// New returns the Suite for id.
func New(id ID) (Suite, error) {
	switch id {
	case AESSHA1:
		return aesSHA1{}, nil
	default:
		return nil, parcelerr.New(parcelerr.InvalidArgument, "New", "suite", nil).Withf("unknown suite id %d", id)
	}
}

// MustNew is like New but panics on an unknown id; used at init time for
// the canonical suite where the id is a compile-time constant.
func MustNew(id ID) Suite {
	s, err := New(id)
	if err != nil {
		panic(err)
	}
	return s
}

// aesKeyLen is the AES key size used by AESSHA1: the low 16 bytes of the
// SHA-1 digest (20 bytes) become the AES-128 key.
const aesKeyLen = 16

type aesSHA1 struct{}

func (aesSHA1) ID() ID { return AESSHA1 }

func (aesSHA1) HashLen() int { return sha1.Size }

func (aesSHA1) Hash(data []byte) []byte {
	sum := sha1.Sum(data)
	return sum[:]
}

func (aesSHA1) BlockSize() int { return aes.BlockSize }

func (s aesSHA1) Encrypt(key, payload []byte) ([]byte, error) {
	block, err := s.newCipher(key)
	if err != nil {
		return nil, err
	}
	padded := pkcs5Pad(payload, block.BlockSize())

	iv := make([]byte, block.BlockSize()) // zero IV: safe because key = hash(plaintext)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)
	return out, nil
}

func (s aesSHA1) Decrypt(key, ciphertext []byte) ([]byte, error) {
	block, err := s.newCipher(key)
	if err != nil {
		return nil, err
	}
	bs := block.BlockSize()
	if len(ciphertext) == 0 || len(ciphertext)%bs != 0 {
		return nil, parcelerr.New(parcelerr.InvalidArgument, "Decrypt", "suite", nil).
			Withf("ciphertext length %d is not a multiple of block size %d", len(ciphertext), bs)
	}

	out := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, make([]byte, bs)).CryptBlocks(out, ciphertext)

	return pkcs5Unpad(out, bs)
}

func (aesSHA1) newCipher(key []byte) (cipher.Block, error) {
	if len(key) < aesKeyLen {
		return nil, parcelerr.New(parcelerr.InvalidArgument, "newCipher", "suite", nil).
			Withf("key too short: need %d bytes, got %d", aesKeyLen, len(key))
	}
	block, err := aes.NewCipher(key[:aesKeyLen])
	if err != nil {
		return nil, parcelerr.New(parcelerr.InvalidArgument, "newCipher", "suite", err)
	}
	return block, nil
}

// pkcs5Pad appends a PKCS#5 padding block. blockSize must be in [1, 255].
func pkcs5Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	padded := make([]byte, len(data)+padLen)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(padLen)
	}
	return padded
}

// pkcs5Unpad validates and strips PKCS#5 padding, checking every pad byte
// per the spec's padding requirement.
func pkcs5Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, parcelerr.New(parcelerr.BadPadding, "pkcs5Unpad", "suite", nil).
			Withf("data length %d is not a multiple of block size %d", len(data), blockSize)
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > blockSize || padLen > len(data) {
		return nil, parcelerr.New(parcelerr.BadPadding, "pkcs5Unpad", "suite", nil).
			Withf("invalid padding length %d", padLen)
	}
	for i := len(data) - padLen; i < len(data); i++ {
		if data[i] != byte(padLen) {
			return nil, parcelerr.New(parcelerr.BadPadding, "pkcs5Unpad", "suite", nil).
				Withf("padding byte at %d is %#x, want %#x", i, data[i], padLen)
		}
	}
	return data[:len(data)-padLen], nil
}

// KeyMismatch reports whether decrypted's content hash under s differs from
// expectedKey, per the spec's KEY_MISMATCH check (covers both a wrong key
// and ciphertext corruption that survived CBC decryption).
func KeyMismatch(s Suite, decrypted, expectedKey []byte) bool {
	actual := s.Hash(decrypted)
	if len(actual) != len(expectedKey) {
		return true
	}
	for i := range actual {
		if actual[i] != expectedKey[i] {
			return true
		}
	}
	return false
}

var _ fmt.Stringer = AESSHA1
