package commands

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/openparcel/parcelkeeper/internal/logger"
	"github.com/openparcel/parcelkeeper/internal/telemetry"
	"github.com/openparcel/parcelkeeper/pkg/blockfile"
	"github.com/openparcel/parcelkeeper/pkg/fuseadapter"
	"github.com/openparcel/parcelkeeper/pkg/writeback"
)

var mountPath string

var mountCmd = &cobra.Command{
	Use:   "mount <parcel.cfg>",
	Short: "Mount a parcel's chunk store as a FUSE block file",
	Long: `mount opens a parcel's keyring, local cache, and the shared hoard
pool, wraps them in a ChunkEngine and an in-RAM WritebackCache, and serves
the result as a FUSE filesystem: /image (the block device), /stats/<name>
and /streams/<name> (access counters and bitmaps). Runs until interrupted.`,
	Args: cobra.ExactArgs(1),
	RunE: runMount,
}

func init() {
	mountCmd.Flags().StringVar(&mountPath, "mountpoint", "", "Directory to mount at (default: daemon config's mount_point)")
}

func runMount(cmd *cobra.Command, args []string) error {
	cfg, err := loadDaemonConfig()
	if err != nil {
		return err
	}

	p, err := loadParcel(args[0])
	if err != nil {
		return err
	}

	mp := mountPath
	if mp == "" {
		mp = cfg.MountPoint
	}
	if err := os.MkdirAll(mp, 0o755); err != nil {
		return fmt.Errorf("create mountpoint: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := openStore(ctx, cfg, p, false)
	if err != nil {
		return err
	}
	defer st.Close()

	if cfg.Metrics.Enabled {
		telemetry.InitRegistry()
	}
	metrics := telemetry.NewMetrics()
	if cfg.Metrics.Enabled {
		go func() {
			addr := fmt.Sprintf(":%d", cfg.Metrics.Port)
			logger.Info("metrics server listening", "addr", addr)
			srv := &http.Server{Addr: addr, Handler: telemetry.Handler()}
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server stopped", "error", err)
			}
		}()
	}

	allocatable, err := writeback.Allocatable(int(cfg.CacheSize/(1024*1024)), p.ChunkSize, 0)
	if err != nil {
		return fmt.Errorf("compute writeback capacity: %w", err)
	}
	wb := writeback.New(st.Engine, p, p.ChunkSize, allocatable)

	bf := blockfile.New(p, wb, st.Mod)
	root := fuseadapter.New(p, bf, st.Mod, nil)

	server, err := fuseadapter.Mount(mp, root, cfg.Logging.Level == "DEBUG")
	if err != nil {
		return fmt.Errorf("mount fuse filesystem: %w", err)
	}

	serverDone := make(chan struct{})
	go func() {
		server.Wait()
		close(serverDone)
	}()

	pollDone := make(chan struct{})
	go pollMetrics(ctx, pollDone, st, wb, metrics)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("parcel mounted", "uuid", p.UUID, "mountpoint", mp)

	select {
	case <-sigChan:
		signal.Stop(sigChan)
		logger.Info("shutdown signal received, unmounting")
		if _, err := wb.FlushAll(ctx); err != nil {
			logger.Error("final flush error", "error", err)
		}
		if err := server.Unmount(); err != nil {
			logger.Error("unmount error", "error", err)
		}
		cancel()
		<-pollDone
	case <-serverDone:
		logger.Info("fuse server stopped")
		cancel()
		<-pollDone
	}

	return nil
}

// pollMetrics periodically snapshots engine, writeback, and hoard state
// into the Prometheus registry, since those components only expose
// pull-style Stats() accessors rather than pushing updates themselves.
func pollMetrics(ctx context.Context, done chan<- struct{}, st *openedStore, wb *writeback.Cache, metrics *telemetry.Metrics) {
	defer close(done)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			es := st.Engine.Stats()
			metrics.RecordEngineStats(es.ChunksFromModified, es.ChunksFromLocal, es.ChunksFromHoard, es.ChunksFromOrigin, es.ChunksWritten, es.TagMismatches, es.KeyMismatches)

			ws := wb.Stats()
			metrics.RecordWritebackStats(ws.Dirty, ws.Clean)

			if fi, err := os.Stat(st.hoardDataPath()); err == nil {
				metrics.RecordHoardAllocated(fi.Size())
			}

			if n, err := wb.FlushDue(ctx); err != nil {
				logger.Error("writeback flush error", "error", err)
			} else if n > 0 {
				logger.Debug("writeback flushed", "chunks", n)
			}
		}
	}
}
