package suite

import (
	"crypto/sha1" //nolint:gosec // PBKDF2-HMAC-SHA1 is the suite's passphrase KDF, not used for content addressing here
	"crypto/sha256"

	"golang.org/x/crypto/pbkdf2"

	"github.com/openparcel/parcelkeeper/pkg/parcelerr"
)

// passphraseIterations follows the source's cost factor for deriving a
// parcel's credential-wrapping key from an operator-supplied passphrase.
const passphraseIterations = 100000

// DeriveKey derives a symmetric key from a passphrase and salt using
// PBKDF2-HMAC-SHA256. It is used to wrap origin credentials stored in
// parcel.cfg; it has nothing to do with the per-chunk content-derived keys
// produced by Suite.Hash, which never depend on a passphrase.
func DeriveKey(passphrase string, salt []byte, keyLen int) []byte {
	return pbkdf2.Key([]byte(passphrase), salt, passphraseIterations, keyLen, sha256.New)
}

// DeriveKeyLegacy reproduces the source's original HMAC-SHA1 KDF, kept for
// reading parcels encoded before the SHA-256 migration.
func DeriveKeyLegacy(passphrase string, salt []byte, keyLen int) []byte {
	return pbkdf2.Key([]byte(passphrase), salt, passphraseIterations, keyLen, sha1.New)
}

// WrapCredential encrypts an origin credential (e.g. a bearer token) under a
// passphrase-derived key so it can be stored at rest in parcel.cfg.
func WrapCredential(passphrase string, salt, credential []byte) ([]byte, error) {
	s := MustNew(AESSHA1)
	key := DeriveKey(passphrase, salt, aesKeyLen)
	// pad the key out to HashLen, the length of a content-derived chunk key;
	// only the first aesKeyLen bytes are ever used as the AES-128 key.
	padded := make([]byte, s.HashLen())
	copy(padded, key)
	return s.Encrypt(padded, credential)
}

// UnwrapCredential reverses WrapCredential.
func UnwrapCredential(passphrase string, salt, wrapped []byte) ([]byte, error) {
	s := MustNew(AESSHA1)
	key := DeriveKey(passphrase, salt, aesKeyLen)
	padded := make([]byte, s.HashLen())
	copy(padded, key)
	out, err := s.Decrypt(padded, wrapped)
	if err != nil {
		return nil, parcelerr.New(parcelerr.KeyMismatch, "UnwrapCredential", "suite", err).
			Withf("credential unwrap failed, passphrase or salt may be wrong")
	}
	return out, nil
}
