package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openparcel/parcelkeeper/internal/logger"
	"github.com/openparcel/parcelkeeper/pkg/localcache"
)

var validateCmd = &cobra.Command{
	Use:   "validate <parcel.cfg>",
	Short: "Validate a parcel's local cache and keyring, reporting exit codes per §6.8",
	Long: `validate opens a parcel's local cache and keyring without mounting it
and reports its dirty/damaged state. Exit code bit 1 (1) means the cache
is dirty; bit 2 (2) means it's damaged; 0 means clean.`,
	Args: cobra.ExactArgs(1),
	RunE: runValidate,
}

func runValidate(cmd *cobra.Command, args []string) error {
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

	flags := st.Local.Flags()
	dirty := flags&localcache.FlagDirty != 0
	damaged := flags&localcache.FlagDamaged != 0

	validCount, err := st.Keys.CountValid(ctx)
	if err != nil {
		return fmt.Errorf("count valid keyring rows: %w", err)
	}

	logger.Info("validate", "uuid", p.UUID, "dirty", dirty, "damaged", damaged, "valid_chunks", validCount, "total_chunks", p.NumChunks)
	fmt.Printf("parcel %s: dirty=%t damaged=%t valid=%d/%d\n", p.UUID, dirty, damaged, validCount, p.NumChunks)

	code := 0
	if dirty {
		code |= 1
	}
	if damaged {
		code |= 2
	}
	if code != 0 {
		Exit(code, "validation found issues (exit code %d)", code)
	}
	return nil
}
