package commands

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/openparcel/parcelkeeper/internal/config"
	"github.com/openparcel/parcelkeeper/pkg/engine"
	"github.com/openparcel/parcelkeeper/pkg/hoard"
	"github.com/openparcel/parcelkeeper/pkg/keyring"
	"github.com/openparcel/parcelkeeper/pkg/localcache"
	"github.com/openparcel/parcelkeeper/pkg/modified"
	"github.com/openparcel/parcelkeeper/pkg/parcel"
	"github.com/openparcel/parcelkeeper/pkg/suite"
	"github.com/openparcel/parcelkeeper/pkg/transport"
)

// openedStore bundles every handle a command needs to drive a parcel's
// ChunkEngine, plus the Modified store directly (BlockFile and the FUSE
// layer's base/overlay classification need it alongside the engine).
type openedStore struct {
	Parcel *parcel.Parcel
	Engine *engine.ChunkEngine
	Local  *localcache.LocalCache
	Hoard  *hoard.Hoard
	Keys   *keyring.Keyring
	Mod    *modified.Store

	hoardDatPath string
}

// hoardDataPath returns the shared hoard pool's backing data file, used by
// the mount command to approximate allocated hoard bytes via os.Stat since
// Hoard exposes no direct size accessor.
func (s *openedStore) hoardDataPath() string {
	return s.hoardDatPath
}

// Close releases every handle in reverse-acquisition order.
func (s *openedStore) Close() {
	if s.Mod != nil {
		_ = s.Mod.Close()
	}
	if s.Hoard != nil {
		_ = s.Hoard.Close()
	}
	if s.Local != nil {
		_ = s.Local.Close()
	}
	if s.Keys != nil {
		_ = s.Keys.Close()
	}
}

// parcelDataDir returns the per-parcel state directory under cfg.DataDir,
// keyed by UUID so two parcels never collide.
func parcelDataDir(cfg *config.DaemonConfig, p *parcel.Parcel) string {
	return filepath.Join(cfg.DataDir, p.UUID)
}

// openStore wires up a parcel's keyring, local cache, hoard handle,
// Modified store, and the ChunkEngine composing them, creating any
// per-parcel files that don't yet exist. create controls whether the
// local cache is freshly allocated (encode) or expected to already exist
// (mount/validate/disktool).
func openStore(ctx context.Context, cfg *config.DaemonConfig, p *parcel.Parcel, create bool) (*openedStore, error) {
	dir := parcelDataDir(cfg, p)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create parcel data dir: %w", err)
	}
	if err := os.MkdirAll(cfg.HoardPath, 0o755); err != nil {
		return nil, fmt.Errorf("create hoard dir: %w", err)
	}

	s := suite.MustNew(p.Suite)

	keys, err := keyring.Open(ctx, filepath.Join(dir, "keyring.db"))
	if err != nil {
		return nil, fmt.Errorf("open keyring: %w", err)
	}

	localPath := filepath.Join(dir, "local.img")
	localIdxPath := filepath.Join(dir, "local.idx")
	var local *localcache.LocalCache
	if create {
		local, err = localcache.Create(localPath, localIdxPath, p.NumChunks, p.ChunkSize)
	} else {
		local, err = localcache.Open(localPath, localIdxPath, p.NumChunks, p.ChunkSize)
	}
	if err != nil {
		keys.Close()
		return nil, fmt.Errorf("open local cache: %w", err)
	}

	hoardC, err := hoard.Open(ctx, filepath.Join(cfg.HoardPath, "hoard.db"), filepath.Join(cfg.HoardPath, "hoard.dat"), p.ChunkSize)
	if err != nil {
		keys.Close()
		local.Close()
		return nil, fmt.Errorf("open hoard: %w", err)
	}

	mod, err := modified.New(filepath.Join(dir, "modified"), p.ChunkSize)
	if err != nil {
		keys.Close()
		local.Close()
		hoardC.Close()
		return nil, fmt.Errorf("open modified store: %w", err)
	}

	var fetcher transport.ChunkFetcher
	if p.Origin != "" {
		fetcher = transport.NewHTTPFetcher(p.Origin, http.DefaultClient)
	}

	eng := engine.New(p, s, keys, local, hoardC, mod, fetcher)

	return &openedStore{
		Parcel:       p,
		Engine:       eng,
		Local:        local,
		Hoard:        hoardC,
		Keys:         keys,
		Mod:          mod,
		hoardDatPath: filepath.Join(cfg.HoardPath, "hoard.dat"),
	}, nil
}

// loadParcel reads and validates a parcel.cfg at path.
func loadParcel(path string) (*parcel.Parcel, error) {
	p, err := config.ParseParcelConfig(path)
	if err != nil {
		return nil, fmt.Errorf("load parcel config %s: %w", path, err)
	}
	return p, nil
}
