package localcache

import (
	"encoding/binary"

	"github.com/openparcel/parcelkeeper/pkg/parcelerr"
)

const (
	headerMagic      uint32 = 0x51528038
	headerVersion    uint8  = 1
	headerSize              = 21 // magic(4) + entries(4) + offset512(4) + flags(4) + reserved(4) + version(1)
	defaultOffset512 uint32 = 8  // 4096 bytes
)

// Flag bits for the header's flags word.
const (
	FlagDirty   uint32 = 1 << 0
	FlagDamaged uint32 = 1 << 1
)

// header mirrors the on-disk layout from the local cache file format: all
// multi-byte fields big-endian.
type header struct {
	Magic     uint32
	Entries   uint32
	Offset512 uint32
	Flags     uint32
	Reserved  uint32
	Version   uint8
}

func (h *header) dataOffset() int64 {
	return int64(h.Offset512) * 512
}

func (h *header) marshal() []byte {
	buf := make([]byte, headerSize)
	binary.BigEndian.PutUint32(buf[0:4], h.Magic)
	binary.BigEndian.PutUint32(buf[4:8], h.Entries)
	binary.BigEndian.PutUint32(buf[8:12], h.Offset512)
	binary.BigEndian.PutUint32(buf[12:16], h.Flags)
	binary.BigEndian.PutUint32(buf[16:20], h.Reserved)
	buf[20] = h.Version
	return buf
}

func unmarshalHeader(buf []byte) (*header, error) {
	if len(buf) < headerSize {
		return nil, parcelerr.New(parcelerr.BadFormat, "Open", "local", nil).
			Withf("header short read: got %d bytes, want %d", len(buf), headerSize)
	}
	h := &header{
		Magic:     binary.BigEndian.Uint32(buf[0:4]),
		Entries:   binary.BigEndian.Uint32(buf[4:8]),
		Offset512: binary.BigEndian.Uint32(buf[8:12]),
		Flags:     binary.BigEndian.Uint32(buf[12:16]),
		Reserved:  binary.BigEndian.Uint32(buf[16:20]),
		Version:   buf[20],
	}
	if h.Magic != headerMagic {
		return nil, parcelerr.New(parcelerr.BadFormat, "Open", "local", nil).
			Withf("bad magic: got %#x, want %#x", h.Magic, headerMagic)
	}
	if h.Version != headerVersion {
		return nil, parcelerr.New(parcelerr.BadFormat, "Open", "local", nil).
			Withf("unsupported header version %d", h.Version)
	}
	return h, nil
}
