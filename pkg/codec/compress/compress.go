// Package compress implements the chunk-store's compression variants: none,
// zlib, lzf, lzf-stream, and lzma. Each variant is a tagged enum value
// rather than an open registry, since a parcel's allowed compression set is
// a small fixed list stored in parcel.cfg and the tag itself is persisted in
// every keyring row.
package compress

import (
	"github.com/openparcel/parcelkeeper/pkg/parcelerr"
)

// Tag identifies a compression variant. The numeric value is part of the
// on-disk keyring schema; existing values must never be renumbered.
type Tag int

const (
	None Tag = iota
	Zlib
	LZF
	LZFStream
	LZMA
)

func (t Tag) String() string {
	switch t {
	case None:
		return "none"
	case Zlib:
		return "zlib"
	case LZF:
		return "lzf"
	case LZFStream:
		return "lzf-stream"
	case LZMA:
		return "lzma"
	default:
		return "unknown"
	}
}

// ParseTag maps a parcel.cfg compression name to a Tag.
func ParseTag(name string) (Tag, error) {
	switch name {
	case "none":
		return None, nil
	case "zlib":
		return Zlib, nil
	case "lzf":
		return LZF, nil
	case "lzf-stream":
		return LZFStream, nil
	case "lzma":
		return LZMA, nil
	default:
		return 0, parcelerr.New(parcelerr.InvalidArgument, "ParseTag", "compress", nil).Withf("unknown compression tag %q", name)
	}
}

// Codec compresses and decompresses whole buffers. Every variant supports
// one-shot use through these two methods; CanStream additionally reports
// whether Processor (incremental) use is available.
type Codec interface {
	Tag() Tag

	// CanStream reports whether the variant has a Processor form. lzf has no
	// incremental form: callers must supply the whole input and receive
	// the whole output in one call.
	CanStream() bool

	// Compress returns the compressed form of src, or an error.
	Compress(src []byte) ([]byte, error)

	// Decompress returns the decompressed form of src. expectedLen is the
	// known plaintext length (the chunk store always knows this from the
	// chunk's logical size), used to preallocate. lzf, lzf-stream and lzma
	// also reject output of any other length; none and zlib do not check
	// it (codec.Decode checks the length for every variant).
	Decompress(src []byte, expectedLen int) ([]byte, error)
}

// Processor drives a streaming compressor incrementally: repeated Process
// calls consume input and produce output, and a final Finalize call flushes
// any buffered state. This mirrors the source's can_stream compressor
// contract; see lzfstream.go and zlib.go for implementations.
type Processor interface {
	// Process consumes as much of in as will fit alongside out's
	// remaining capacity, returning how much of each was used.
	Process(in, out []byte) (consumed, produced int, err error)

	// Finalize flushes remaining buffered output into out. Returns
	// parcelerr.BufferOverflow if out is too small; callers grow out and
	// call Finalize again.
	Finalize(out []byte) (produced int, err error)
}

// Get returns the Codec for tag.
func Get(tag Tag) (Codec, error) {
	switch tag {
	case None:
		return noneCodec{}, nil
	case Zlib:
		return zlibCodec{}, nil
	case LZF:
		return lzfCodec{}, nil
	case LZFStream:
		return lzfStreamCodec{}, nil
	case LZMA:
		return lzmaCodec{}, nil
	default:
		return nil, parcelerr.New(parcelerr.InvalidArgument, "Get", "compress", nil).Withf("unknown compression tag %d", tag)
	}
}
