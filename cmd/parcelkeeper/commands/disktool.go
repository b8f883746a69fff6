package commands

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/openparcel/parcelkeeper/internal/logger"
	"github.com/openparcel/parcelkeeper/pkg/blockfile"
	"github.com/openparcel/parcelkeeper/pkg/bufpool"
	"github.com/openparcel/parcelkeeper/pkg/writeback"
)

var (
	disktoolIn  string
	disktoolOut string
)

var disktoolCmd = &cobra.Command{
	Use:   "disktool <parcel.cfg>",
	Short: "Copy a raw image into or out of a parcel's chunk store",
	Long: `disktool drives an already-encoded parcel's BlockFile directly,
bypassing FUSE. --in writes a raw file's bytes into the block file (growing
or shrinking the parcel to match); --out reads the block file's full extent
into a raw file. Round-tripping a file through --in then --out reproduces
it byte for byte.`,
	Args: cobra.ExactArgs(1),
	RunE: runDisktool,
}

func init() {
	disktoolCmd.Flags().StringVar(&disktoolIn, "in", "", "Raw file to write into the chunk store")
	disktoolCmd.Flags().StringVar(&disktoolOut, "out", "", "Raw file to write with the chunk store's contents")
}

func runDisktool(cmd *cobra.Command, args []string) error {
	if (disktoolIn == "") == (disktoolOut == "") {
		return fmt.Errorf("exactly one of --in or --out is required")
	}

	cfg, err := loadDaemonConfig()
	if err != nil {
		return err
	}

	p, err := loadParcel(args[0])
	if err != nil {
		return err
	}

	ctx := context.Background()
	st, err := openStore(ctx, cfg, p, false)
	if err != nil {
		return err
	}
	defer st.Close()

	allocatable, err := writeback.Allocatable(int(cfg.CacheSize/(1024*1024)), p.ChunkSize, 0)
	if err != nil {
		return fmt.Errorf("compute writeback capacity: %w", err)
	}
	wb := writeback.New(st.Engine, p, p.ChunkSize, allocatable)
	bf := blockfile.New(p, wb, st.Mod)

	if disktoolIn != "" {
		if err := diskIn(ctx, bf, disktoolIn); err != nil {
			return err
		}
	} else {
		if err := diskOut(ctx, bf, disktoolOut); err != nil {
			return err
		}
	}

	if _, err := wb.FlushAll(ctx); err != nil {
		return fmt.Errorf("flush writeback: %w", err)
	}
	return nil
}

func diskIn(ctx context.Context, bf *blockfile.BlockFile, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open input: %w", err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat input: %w", err)
	}
	if err := bf.Truncate(ctx, fi.Size()); err != nil {
		return fmt.Errorf("resize block file: %w", err)
	}

	buf := bufpool.Get(bufpool.DefaultLargeSize)
	defer bufpool.Put(buf)
	var off int64
	for {
		n, err := f.Read(buf)
		if n > 0 {
			if _, werr := bf.WriteAt(ctx, buf[:n], off); werr != nil {
				return fmt.Errorf("write at offset %d: %w", off, werr)
			}
			off += int64(n)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("read input: %w", err)
		}
	}
	logger.Info("disktool in complete", "bytes", off)
	fmt.Printf("wrote %d bytes into parcel\n", off)
	return nil
}

func diskOut(ctx context.Context, bf *blockfile.BlockFile, path string) error {
	out, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create output: %w", err)
	}
	defer out.Close()

	buf := bufpool.Get(bufpool.DefaultLargeSize)
	defer bufpool.Put(buf)
	var off int64
	size := bf.Size()
	for off < size {
		want := len(buf)
		if remaining := size - off; remaining < int64(want) {
			want = int(remaining)
		}
		n, err := bf.ReadAt(ctx, buf[:want], off)
		if n > 0 {
			if _, werr := out.Write(buf[:n]); werr != nil {
				return fmt.Errorf("write output at offset %d: %w", off, werr)
			}
			off += int64(n)
		}
		if err != nil && err != io.EOF {
			return fmt.Errorf("read at offset %d: %w", off, err)
		}
		if n == 0 {
			break
		}
	}
	logger.Info("disktool out complete", "bytes", off)
	fmt.Printf("read %d bytes from parcel\n", off)
	return nil
}
