// Package fuseadapter mounts a parcel's chunk store as a small FUSE
// pseudo-filesystem: /image (the block device view BlockFile serves),
// /stats/<name> (pollable u64 counters), and /streams/<name> (pollable
// bitmap event logs). All actual I/O is delegated to pkg/blockfile and
// pkg/streams; this package only wires go-fuse's node tree to them.
package fuseadapter

import (
	"context"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/openparcel/parcelkeeper/pkg/blockfile"
	"github.com/openparcel/parcelkeeper/pkg/modified"
	"github.com/openparcel/parcelkeeper/pkg/parcel"
)

// Root is the filesystem's top-level node: fixed children /image, /stats,
// /streams, built once in OnAdd since the tree never changes shape after
// mount.
type Root struct {
	fs.Inode

	bf    *blockfile.BlockFile
	p     *parcel.Parcel
	mod   *modified.Store
	stats *Stats
}

// New builds the root node for a mounted parcel. stats may be nil, in
// which case /stats and /streams are still present but backed by fresh,
// unshared counters — useful for tests that don't need to observe them.
func New(p *parcel.Parcel, bf *blockfile.BlockFile, mod *modified.Store, stats *Stats) *Root {
	if stats == nil {
		stats = NewStats(p.NumChunks)
	}
	return &Root{bf: bf, p: p, mod: mod, stats: stats}
}

var _ fs.InodeEmbedder = (*Root)(nil)
var _ fs.NodeOnAdder = (*Root)(nil)
var _ fs.NodeStatfser = (*Root)(nil)

// OnAdd populates the fixed pseudo-tree.
func (r *Root) OnAdd(ctx context.Context) {
	image := &imageNode{bf: r.bf, p: r.p, mod: r.mod, stats: r.stats}
	r.AddChild("image", r.NewPersistentInode(ctx, image, fs.StableAttr{Mode: fuseFileMode}), true)

	statsDir := &fs.Inode{}
	statsInode := r.NewPersistentInode(ctx, statsDir, fs.StableAttr{Mode: fuseDirMode})
	r.AddChild("stats", statsInode, true)
	for _, name := range r.stats.CounterNames() {
		c := r.stats.Counter(name)
		node := &statNode{name: name, counter: c}
		statsInode.AddChild(name, r.NewPersistentInode(ctx, node, fs.StableAttr{Mode: fuseFileMode}), true)
	}

	streamsDir := &fs.Inode{}
	streamsInode := r.NewPersistentInode(ctx, streamsDir, fs.StableAttr{Mode: fuseDirMode})
	r.AddChild("streams", streamsInode, true)
	for _, name := range r.stats.BitmapNames() {
		b := r.stats.Bitmap(name)
		node := &streamNode{name: name, bitmap: b}
		streamsInode.AddChild(name, r.NewPersistentInode(ctx, node, fs.StableAttr{Mode: fuseFileMode}), true)
	}
}

// Statfs reports bsize=C, blocks=N, bfree=N-count_valid per spec §6.7.
// count_valid is approximated as the number of chunks currently present in
// the Modified store or known to the caller; since this package has no
// direct keyring handle, it reports bfree relative to chunks outstanding
// in the Modified store only (an undercount of "valid" chunks is
// acceptable for statfs, which tools treat as advisory).
func (r *Root) Statfs(ctx context.Context, out *fuse.StatfsOut) syscall.Errno {
	out.Bsize = r.p.ChunkSize
	out.Blocks = uint64(r.p.NumChunks)
	valid := uint64(0)
	for i := uint32(0); i < r.p.NumChunks; i++ {
		if r.mod.Has(i) {
			valid++
		}
	}
	if valid > out.Blocks {
		valid = out.Blocks
	}
	out.Bfree = out.Blocks - valid
	out.Bavail = out.Bfree
	out.NameLen = 255
	return 0
}

const (
	fuseFileMode = 0o100644
	fuseDirMode  = 0o040755
)

// Mount mounts root at mountpoint and returns the running fuse.Server. The
// caller is responsible for calling server.Wait() (or server.Unmount())
// when done.
func Mount(mountpoint string, root fs.InodeEmbedder, debug bool) (*fuse.Server, error) {
	opts := &fs.Options{
		MountOptions: fuse.MountOptions{
			Debug:  debug,
			FsName: "parcelkeeper",
			Name:   "parcelkeeper",
		},
	}
	return fs.Mount(mountpoint, root, opts)
}
