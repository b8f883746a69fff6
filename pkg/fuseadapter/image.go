package fuseadapter

import (
	"context"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/openparcel/parcelkeeper/pkg/blockfile"
	"github.com/openparcel/parcelkeeper/pkg/modified"
	"github.com/openparcel/parcelkeeper/pkg/parcel"
	"github.com/openparcel/parcelkeeper/pkg/parcelerr"
)

// imageNode is /image: a single rw, seekable file backed by BlockFile.
type imageNode struct {
	fs.Inode
	bf    *blockfile.BlockFile
	p     *parcel.Parcel
	mod   *modified.Store
	stats *Stats
}

var (
	_ fs.InodeEmbedder = (*imageNode)(nil)
	_ fs.NodeOpener    = (*imageNode)(nil)
	_ fs.NodeGetattrer = (*imageNode)(nil)
	_ fs.NodeSetattrer = (*imageNode)(nil)
)

func (n *imageNode) Getattr(ctx context.Context, f fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	out.Mode = fuseFileMode
	out.Size = uint64(n.bf.Size())
	return 0
}

// Setattr only honors size changes (truncate/extend); other attribute
// writes (mode, times) are accepted silently since this pseudo-file has no
// independently meaningful metadata.
func (n *imageNode) Setattr(ctx context.Context, f fs.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	if sz, ok := in.GetSize(); ok {
		if err := n.bf.Truncate(ctx, int64(sz)); err != nil {
			return errnoFor(err)
		}
		n.stats.Resize(uint32((int64(sz) + int64(n.p.ChunkSize) - 1) / int64(n.p.ChunkSize)))
	}
	out.Mode = fuseFileMode
	out.Size = uint64(n.bf.Size())
	return 0
}

func (n *imageNode) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	return &imageHandle{node: n}, 0, 0
}

// imageHandle is the per-open file handle; it holds no state of its own
// since BlockFile is already safe for concurrent use from multiple
// handles.
type imageHandle struct {
	node *imageNode
}

var (
	_ fs.FileReader = (*imageHandle)(nil)
	_ fs.FileWriter = (*imageHandle)(nil)
)

func (h *imageHandle) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	n, err := h.node.bf.ReadAt(ctx, dest, off)
	if err != nil {
		return nil, errnoFor(err)
	}
	touched := chunkIndices(off, n, h.node.p.ChunkSize)
	h.node.stats.recordRead(n, touched, h.node.mod.Has)
	return fuse.ReadResultData(dest[:n]), 0
}

func (h *imageHandle) Write(ctx context.Context, data []byte, off int64) (uint32, syscall.Errno) {
	n, err := h.node.bf.WriteAt(ctx, data, off)
	if err != nil {
		return uint32(n), errnoFor(err)
	}
	touched := chunkIndices(off, n, h.node.p.ChunkSize)
	h.node.stats.recordWrite(n, touched)
	return uint32(n), 0
}

// chunkIndices lists, in ascending order, the chunk indices a
// length-n transfer starting at off touches.
func chunkIndices(off int64, n int, chunkSize uint32) []uint32 {
	var idx []uint32
	for r := range blockfile.ChunkRanges(off, n, chunkSize) {
		idx = append(idx, r.ChunkIndex)
	}
	return idx
}

// errnoFor maps a parcelerr.Kind to the closest POSIX errno a FUSE caller
// can act on.
func errnoFor(err error) syscall.Errno {
	switch parcelerr.KindOf(err) {
	case parcelerr.NotFound:
		return syscall.ENOENT
	case parcelerr.InvalidArgument:
		return syscall.EINVAL
	case parcelerr.BadPadding, parcelerr.BadFormat, parcelerr.TagMismatch, parcelerr.KeyMismatch:
		return syscall.EIO
	case parcelerr.BufferOverflow:
		return syscall.ENOBUFS
	case parcelerr.NoStreaming:
		return syscall.ENOTSUP
	case parcelerr.Busy:
		return syscall.EBUSY
	case parcelerr.Netfail:
		return syscall.ETIMEDOUT
	case parcelerr.Interrupted:
		return syscall.EINTR
	case parcelerr.Callfail:
		return syscall.EINVAL
	case parcelerr.IOErr, parcelerr.SQL:
		return syscall.EIO
	default:
		return syscall.EIO
	}
}
