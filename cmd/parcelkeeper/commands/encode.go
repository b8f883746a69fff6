package commands

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/openparcel/parcelkeeper/internal/logger"
	"github.com/openparcel/parcelkeeper/pkg/bufpool"
)

var encodeSourcePath string

var encodeCmd = &cobra.Command{
	Use:   "encode <parcel.cfg>",
	Short: "Encode a raw disk image into a new parcel's chunk store",
	Long: `encode reads parcel.cfg's geometry (chunk size, chunk count, crypto
suite, allowed compression) and a raw source image, then populates the
parcel's local cache and keyring one chunk at a time. A source shorter
than NumChunks*ChunkSize has its trailing chunks zero-filled, exercising
the same canonical all-zero tag reused by sparse dedup.`,
	Args: cobra.ExactArgs(1),
	RunE: runEncode,
}

func init() {
	encodeCmd.Flags().StringVar(&encodeSourcePath, "in", "", "Raw source image to encode (required)")
	_ = encodeCmd.MarkFlagRequired("in")
}

func runEncode(cmd *cobra.Command, args []string) error {
	cfg, err := loadDaemonConfig()
	if err != nil {
		return err
	}

	p, err := loadParcel(args[0])
	if err != nil {
		return err
	}

	src, err := os.Open(encodeSourcePath)
	if err != nil {
		return fmt.Errorf("open source image: %w", err)
	}
	defer src.Close()

	ctx := context.Background()
	st, err := openStore(ctx, cfg, p, true)
	if err != nil {
		return err
	}
	defer st.Close()

	buf := bufpool.GetUint32(p.ChunkSize)
	defer bufpool.Put(buf)
	for i := uint32(0); i < p.NumChunks; i++ {
		want := p.ChunkPlainLen(i)
		n, err := io.ReadFull(src, buf[:want])
		switch {
		case err == io.EOF || err == io.ErrUnexpectedEOF:
			for j := n; j < want; j++ {
				buf[j] = 0
			}
		case err != nil:
			return fmt.Errorf("read source chunk %d: %w", i, err)
		}

		if err := st.Engine.PutChunk(ctx, i, buf[:want]); err != nil {
			return fmt.Errorf("encode chunk %d: %w", i, err)
		}
		if i%1024 == 0 {
			logger.Debug("encoding", "chunk", i, "of", p.NumChunks)
		}
	}

	logger.Info("parcel encoded", "uuid", p.UUID, "chunks", p.NumChunks, "chunk_size", p.ChunkSize)
	fmt.Printf("Encoded %d chunks into parcel %s\n", p.NumChunks, p.UUID)
	return nil
}
