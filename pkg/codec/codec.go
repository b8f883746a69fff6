// Package codec implements the chunk encode/decode pipeline: compress,
// encrypt, hash. Every chunk that ever touches disk, the hoard cache, or the
// wire passes through this package exactly once on the way in and once on
// the way out.
package codec

import (
	"bytes"

	"github.com/openparcel/parcelkeeper/pkg/codec/compress"
	"github.com/openparcel/parcelkeeper/pkg/parcelerr"
	"github.com/openparcel/parcelkeeper/pkg/suite"
)

// Result is the output of Encode: everything the keyring needs to name and
// later retrieve the chunk.
type Result struct {
	Blob        []byte
	Tag         []byte
	Key         []byte
	Compression compress.Tag
}

// Encode implements the plaintext-to-on-disk-blob pipeline:
//  1. try each allowed compression in preference order, keeping the first
//     one that saves at least one cipher block; otherwise store uncompressed.
//  2. derive the per-chunk key from the pre-encryption payload.
//  3. encrypt under a zero IV (safe because the key is content-derived, so a
//     duplicate plaintext always yields a bit-identical blob).
//  4. tag the ciphertext.
//
// Encode is deterministic: identical plaintext and allowed set always
// produce an identical (blob, tag, key, compression), which is what makes
// dedup across chunks and across parcels possible.
func Encode(plaintext []byte, allowed []compress.Tag, s suite.Suite) (Result, error) {
	payload := plaintext
	chosen := compress.None

	blockSize := s.BlockSize()
	for _, tag := range allowed {
		if tag == compress.None {
			continue
		}
		c, err := compress.Get(tag)
		if err != nil {
			return Result{}, err
		}
		candidate, err := c.Compress(plaintext)
		if err != nil {
			// This compressor could not shrink the input (e.g. lzf on data
			// that doesn't compress); try the next allowed compression.
			continue
		}
		if len(candidate) < len(plaintext)-blockSize {
			payload = candidate
			chosen = tag
			break
		}
	}

	key := s.Hash(payload)

	ciphertext, err := s.Encrypt(key, payload)
	if err != nil {
		return Result{}, parcelerr.New(parcelerr.InvalidArgument, "Encode", "codec", err)
	}

	tag := s.Hash(ciphertext)

	return Result{
		Blob:        ciphertext,
		Tag:         tag,
		Key:         key,
		Compression: chosen,
	}, nil
}

// Options controls how much of Decode's verification is performed. Callers
// that will key-check anyway (the common case) may skip the tag check to
// save a hash pass.
type Options struct {
	// SkipTagCheck omits the hash_suite(blob) = tag_expected check.
	SkipTagCheck bool
}

// Decode reverses Encode, returning the original plaintext. expectedLen is
// the chunk's known logical length, used both to preallocate and to detect
// corruption via the decompressed-length check.
func Decode(blob, tagExpected, key []byte, compression compress.Tag, s suite.Suite, expectedLen int, opts Options) ([]byte, error) {
	if !opts.SkipTagCheck {
		gotTag := s.Hash(blob)
		if !bytes.Equal(gotTag, tagExpected) {
			return nil, parcelerr.New(parcelerr.TagMismatch, "Decode", "codec", nil).
				Withf("blob hash does not match expected tag")
		}
	}

	payload, err := s.Decrypt(key, blob)
	if err != nil {
		return nil, parcelerr.New(parcelerr.BadPadding, "Decode", "codec", err)
	}

	if suite.KeyMismatch(s, payload, key) {
		return nil, parcelerr.New(parcelerr.KeyMismatch, "Decode", "codec", nil).
			Withf("decrypted payload hash does not match key")
	}

	c, err := compress.Get(compression)
	if err != nil {
		return nil, err
	}

	plaintext, err := c.Decompress(payload, expectedLen)
	if err != nil {
		return nil, err
	}
	if len(plaintext) != expectedLen {
		return nil, parcelerr.New(parcelerr.BadFormat, "Decode", "codec", nil).
			Withf("decompressed length %d does not match expected %d", len(plaintext), expectedLen)
	}

	return plaintext, nil
}
