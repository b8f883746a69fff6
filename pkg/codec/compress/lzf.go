package compress

import (
	"github.com/openparcel/parcelkeeper/pkg/parcelerr"
)

// lzf.go is a direct translation of the source's liblzf-derived compressor
// (original_source/ISR/src-mock/crypto/lzf.c): a single-pass hash-chained
// LZ77 coder with a small, fixed-size hash table and no external
// dictionary. It has no incremental form — the source itself only ever
// calls it with the whole block in hand — so lzfCodec reports CanStream as
// false and has no Processor form.

const (
	lzfHlog   = 13
	lzfHsize  = 1 << lzfHlog
	lzfMaxLit = 1 << 5                // 32
	lzfMaxOff = 1 << 13               // 8192
	lzfMaxRef = (1 << 8) + (1 << 3)   // 264
)

// lzfFirst/lzfNext/lzfIdx implement the rolling 3-byte hash used to probe
// the match table, matching the ULTRA_FAST hash variant (the one actually
// compiled into the source; VERY_FAST is #undef'd when ULTRA_FAST is set).
func lzfFirst(p []byte) uint32 {
	return uint32(p[0])<<8 | uint32(p[1])
}

func lzfNext(v uint32, p []byte) uint32 {
	return v<<8 | uint32(p[2])
}

func lzfIdx(h uint32) uint32 {
	return ((h >> (3*8 - lzfHlog)) - h) & (lzfHsize - 1)
}

// lzfCompress compresses in using the source's algorithm. It returns
// (nil, false) if the input failed to compress smaller than itself, mirroring
// isrcry_compress_final's "compression did not help" fallback, which callers
// (lzfCodec and lzfstream's block encoder) turn into a stored/raw block.
func lzfCompress(in []byte) ([]byte, bool) {
	if len(in) < 4 {
		return nil, false
	}

	var htab [lzfHsize]int
	for i := range htab {
		htab[i] = -1
	}

	out := make([]byte, 0, len(in))
	ip := 0
	litStart := 0 // index into in of the first byte of the pending literal run

	// flushLiterals emits the pending run in, at most, 32-byte chunks: a
	// ctrl byte holding (runLen-1) followed by the raw bytes.
	flushLiterals := func(upTo int) {
		for litStart < upTo {
			n := upTo - litStart
			if n > lzfMaxLit {
				n = lzfMaxLit
			}
			out = append(out, byte(n-1))
			out = append(out, in[litStart:litStart+n]...)
			litStart += n
		}
	}

	hval := lzfFirst(in)
	end := len(in) - 2

	for ip < end {
		hval = lzfNext(hval, in[ip:])
		hslot := lzfIdx(hval)
		ref := htab[hslot]
		htab[hslot] = ip

		matchLen := 0
		offset := 0
		if ref >= 0 {
			offset = ip - ref
			if offset > 0 && offset <= lzfMaxOff &&
				in[ref] == in[ip] && in[ref+1] == in[ip+1] && in[ref+2] == in[ip+2] {
				matchLen = 3
				maxLen := len(in) - ip
				if maxLen > lzfMaxRef {
					maxLen = lzfMaxRef
				}
				for matchLen < maxLen && in[ref+matchLen] == in[ip+matchLen] {
					matchLen++
				}
			}
		}

		if matchLen < 3 {
			ip++
			continue
		}

		flushLiterals(ip)

		encLen := matchLen - 2 // encoded length is biased by -2 (minimum match is 3)
		off1 := offset - 1
		if encLen < 7 {
			out = append(out, byte((off1>>8)+(encLen<<5)), byte(off1))
		} else {
			out = append(out, byte((off1>>8)+(7<<5)), byte(encLen-7), byte(off1))
		}

		// Reseed the hash table across the bytes the match consumed so the
		// rolling hash is correct again at the next iteration; the source
		// does this with a `--ip; hval = FRST(ip); hval = NEXT(hval, ip);
		// ip++` sequence repeated once per consumed byte after the first.
		matchEnd := ip + matchLen
		ip++
		for ip < matchEnd && ip < end {
			hval = lzfNext(hval, in[ip:])
			htab[lzfIdx(hval)] = ip
			ip++
		}
		if ip < matchEnd {
			ip = matchEnd
		}
		litStart = ip
		if ip < len(in)-1 {
			hval = lzfFirst(in[ip:])
		}
	}

	flushLiterals(len(in))

	if len(out) >= len(in) {
		return nil, false
	}
	return out, true
}

// lzfDecompress reverses lzfCompress. outLen is the known decompressed
// length (the chunk store always knows the plaintext size up front).
func lzfDecompress(in []byte, outLen int) ([]byte, error) {
	out := make([]byte, 0, outLen)
	ip := 0

	for ip < len(in) {
		ctrl := int(in[ip])
		ip++

		if ctrl < lzfMaxLit {
			// literal run of ctrl+1 bytes
			n := ctrl + 1
			if ip+n > len(in) {
				return nil, parcelerr.New(parcelerr.BadFormat, "Decompress", "lzf", nil).
					Withf("literal run overruns input")
			}
			out = append(out, in[ip:ip+n]...)
			ip += n
			continue
		}

		length := ctrl >> 5
		if length == 7 {
			if ip >= len(in) {
				return nil, parcelerr.New(parcelerr.BadFormat, "Decompress", "lzf", nil).
					Withf("truncated extended length byte")
			}
			length += int(in[ip])
			ip++
		}
		if ip >= len(in) {
			return nil, parcelerr.New(parcelerr.BadFormat, "Decompress", "lzf", nil).
				Withf("truncated backreference offset")
		}
		off := (ctrl&0x1f)<<8 | int(in[ip])
		ip++

		refStart := len(out) - off - 1
		if refStart < 0 {
			return nil, parcelerr.New(parcelerr.BadFormat, "Decompress", "lzf", nil).
				Withf("backreference points before start of output")
		}

		// length+2 bytes to copy; overlapping references (off+1 < length+2)
		// are valid and copy byte-by-byte like the source's pointer version.
		total := length + 2
		for i := 0; i < total; i++ {
			out = append(out, out[refStart+i])
		}
	}

	if len(out) != outLen {
		return nil, parcelerr.New(parcelerr.BadFormat, "Decompress", "lzf", nil).
			Withf("decompressed length %d does not match expected %d", len(out), outLen)
	}
	return out, nil
}

// lzfCodec exposes the raw single-block LZF format as a Codec.
type lzfCodec struct{}

func (lzfCodec) Tag() Tag        { return LZF }
func (lzfCodec) CanStream() bool { return false }

func (lzfCodec) Compress(src []byte) ([]byte, error) {
	out, ok := lzfCompress(src)
	if !ok {
		return nil, parcelerr.New(parcelerr.InvalidArgument, "Compress", "lzf", nil).
			Withf("input did not compress smaller than its source size")
	}
	return out, nil
}

func (lzfCodec) Decompress(src []byte, expectedLen int) ([]byte, error) {
	return lzfDecompress(src, expectedLen)
}
