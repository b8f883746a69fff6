package compress

import (
	"bytes"
	"io"

	"github.com/klauspost/compress/zlib"

	"github.com/openparcel/parcelkeeper/pkg/parcelerr"
)

// zlibCodec wraps klauspost/compress/zlib, a drop-in faster replacement for
// the standard library's implementation of the same wire format the source
// produces via its zlib backend.
type zlibCodec struct{}

func (zlibCodec) Tag() Tag        { return Zlib }
func (zlibCodec) CanStream() bool { return true }

func (zlibCodec) Compress(src []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	if _, err := w.Write(src); err != nil {
		return nil, parcelerr.New(parcelerr.IOErr, "Compress", "zlib", err)
	}
	if err := w.Close(); err != nil {
		return nil, parcelerr.New(parcelerr.IOErr, "Compress", "zlib", err)
	}
	return buf.Bytes(), nil
}

func (zlibCodec) Decompress(src []byte, expectedLen int) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(src))
	if err != nil {
		return nil, parcelerr.New(parcelerr.BadFormat, "Decompress", "zlib", err)
	}
	defer r.Close()

	out := make([]byte, 0, expectedLen)
	buf := bytes.NewBuffer(out)
	if _, err := io.Copy(buf, r); err != nil {
		return nil, parcelerr.New(parcelerr.BadFormat, "Decompress", "zlib", err)
	}
	return buf.Bytes(), nil
}

// zlibCompressor adapts zlib's io.Writer streaming to the
// Process/Finalize contract, buffering compressed output as it is produced
// since zlib.Writer has no bounded-output-buffer API of its own.
type zlibCompressor struct {
	w   *zlib.Writer
	buf bytes.Buffer
}

func NewZlibCompressor() Processor {
	z := &zlibCompressor{}
	z.w = zlib.NewWriter(&z.buf)
	return z
}

func (z *zlibCompressor) Process(in, out []byte) (consumed, produced int, err error) {
	if _, err := z.w.Write(in); err != nil {
		return 0, 0, parcelerr.New(parcelerr.IOErr, "Process", "zlib", err)
	}
	produced = copy(out, z.buf.Bytes())
	z.buf.Next(produced)
	return len(in), produced, nil
}

func (z *zlibCompressor) Finalize(out []byte) (produced int, err error) {
	if err := z.w.Close(); err != nil {
		return 0, parcelerr.New(parcelerr.IOErr, "Finalize", "zlib", err)
	}
	if z.buf.Len() > len(out) {
		produced = copy(out, z.buf.Bytes())
		z.buf.Next(produced)
		return produced, parcelerr.ErrBufferOverflow
	}
	produced = copy(out, z.buf.Bytes())
	z.buf.Reset()
	return produced, nil
}
