package commands

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/openparcel/parcelkeeper/internal/logger"
	"github.com/openparcel/parcelkeeper/pkg/hoard"
)

// hoardCmd groups maintenance operations on the shared hoard pool, which
// is addressed by the daemon config alone (no parcel.cfg needed) since the
// pool is shared across every parcel a daemon serves.
var hoardCmd = &cobra.Command{
	Use:   "hoard",
	Short: "Maintain the shared hoard cache pool",
}

var hoardGCCmd = &cobra.Command{
	Use:   "gc",
	Short: "Reclaim hoard slots with no surviving parcel references",
	RunE:  runHoardGC,
}

var hoardCompactCmd = &cobra.Command{
	Use:   "compact",
	Short: "Compact the hoard pool, reclaiming space left by GC'd slots",
	RunE:  runHoardCompact,
}

func init() {
	hoardCmd.AddCommand(hoardGCCmd)
	hoardCmd.AddCommand(hoardCompactCmd)
}

// openHoard opens the shared hoard pool directly, bypassing openStore since
// gc/compact act on the whole pool rather than one parcel's chunk geometry.
func openHoard(ctx context.Context, chunkSize uint32) (*hoard.Hoard, error) {
	cfg, err := loadDaemonConfig()
	if err != nil {
		return nil, err
	}
	h, err := hoard.Open(ctx, filepath.Join(cfg.HoardPath, "hoard.db"), filepath.Join(cfg.HoardPath, "hoard.dat"), chunkSize)
	if err != nil {
		return nil, fmt.Errorf("open hoard: %w", err)
	}
	return h, nil
}

var hoardChunkSize uint32

func init() {
	hoardGCCmd.Flags().Uint32Var(&hoardChunkSize, "chunk-size", 4096, "Chunk size the hoard pool was opened with")
	hoardCompactCmd.Flags().Uint32Var(&hoardChunkSize, "chunk-size", 4096, "Chunk size the hoard pool was opened with")
}

func runHoardGC(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	h, err := openHoard(ctx, hoardChunkSize)
	if err != nil {
		return err
	}
	defer h.Close()

	if err := h.GC(ctx); err != nil {
		return fmt.Errorf("hoard gc: %w", err)
	}
	logger.Info("hoard gc complete")
	fmt.Println("hoard gc complete")
	return nil
}

func runHoardCompact(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	h, err := openHoard(ctx, hoardChunkSize)
	if err != nil {
		return err
	}
	defer h.Close()

	if err := h.Compact(ctx); err != nil {
		return fmt.Errorf("hoard compact: %w", err)
	}
	logger.Info("hoard compact complete")
	fmt.Println("hoard compact complete")
	return nil
}
