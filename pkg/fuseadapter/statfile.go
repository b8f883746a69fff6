package fuseadapter

import (
	"context"
	"strconv"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/openparcel/parcelkeeper/pkg/streams"
)

const statFileMode = 0o100444 // ro

// statNode is /stats/<name>: a read-only file whose content is the
// counter's current value formatted as "<u64>\n" per spec §6.7.
type statNode struct {
	fs.Inode
	name    string
	counter *streams.Counter
}

var (
	_ fs.InodeEmbedder = (*statNode)(nil)
	_ fs.NodeOpener    = (*statNode)(nil)
	_ fs.NodeGetattrer = (*statNode)(nil)
)

func (n *statNode) Getattr(ctx context.Context, f fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	out.Mode = statFileMode
	out.Size = uint64(len(n.render()))
	return 0
}

func (n *statNode) render() string {
	return strconv.FormatInt(n.counter.Value(), 10) + "\n"
}

func (n *statNode) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	return &statHandle{node: n}, fuse.FOPEN_DIRECT_IO, 0
}

type statHandle struct {
	node *statNode
}

var _ fs.FileReader = (*statHandle)(nil)

func (h *statHandle) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	content := h.node.render()
	if off >= int64(len(content)) {
		return fuse.ReadResultData(nil), 0
	}
	end := off + int64(len(dest))
	if end > int64(len(content)) {
		end = int64(len(content))
	}
	return fuse.ReadResultData([]byte(content[off:end])), 0
}

// streamNode is /streams/<name>: a read-only, non-seekable line-oriented
// feed of a bitmap's transition events. Every Open attaches a fresh
// consumer to the bitmap's stream group, seeded with a snapshot of
// currently-set bits, per spec §4.8's "new consumers are populated from a
// snapshot" rule.
type streamNode struct {
	fs.Inode
	name   string
	bitmap *streams.Bitmap
}

var (
	_ fs.InodeEmbedder = (*streamNode)(nil)
	_ fs.NodeOpener    = (*streamNode)(nil)
	_ fs.NodeGetattrer = (*streamNode)(nil)
)

func (n *streamNode) Getattr(ctx context.Context, f fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	out.Mode = statFileMode
	return 0
}

func (n *streamNode) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	s := n.bitmap.Streams().NewStream()
	return &streamHandle{group: n.bitmap.Streams(), stream: s}, fuse.FOPEN_NONSEEKABLE | fuse.FOPEN_DIRECT_IO, 0
}

type streamHandle struct {
	group  *streams.Group
	stream *streams.Stream
}

var (
	_ fs.FileReader   = (*streamHandle)(nil)
	_ fs.FileReleaser = (*streamHandle)(nil)
)

// Read always blocks until data arrives, the stream is closed, or ctx
// ends; an O_NONBLOCK open is not honored. A read that ends with no data
// (closed stream, cancellation) returns an empty result.
func (h *streamHandle) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	n, err := h.stream.Read(ctx, dest, true)
	if err != nil && n == 0 {
		return fuse.ReadResultData(nil), 0
	}
	return fuse.ReadResultData(dest[:n]), 0
}

func (h *streamHandle) Release(ctx context.Context) syscall.Errno {
	h.group.Remove(h.stream)
	return 0
}
