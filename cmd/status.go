package cmd

import (
	"errors"
	"fmt"

	"filexfer/internal/storage"
	"filexfer/pkg/utils"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

// statusCmd represents the status command
var statusCmd = &cobra.Command{
	Use:   "status <hash>",
	Short: "Show which chunks of a file are in the local store",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		hash := args[0]
		if !storage.ValidHash(hash) {
			return fmt.Errorf("%w: %q", storage.ErrInvalidHash, hash)
		}

		meta, err := store.ReadMeta(hash)
		if errors.Is(err, storage.ErrNoMeta) {
			stored, serr := store.StoredChunks(hash)
			if serr != nil {
				return serr
			}
			color.Yellow("%s: chunk count unknown, %d chunks stored", hash, len(stored))
			return nil
		}
		if err != nil {
			return err
		}

		missing, err := store.MissingChunks(hash, meta.Total)
		if err != nil {
			return err
		}
		have := meta.Total - uint32(len(missing))
		approx := int64(have) * int64(store.ChunkSize())
		if len(missing) == 0 {
			color.Green("%s: complete, %d/%d chunks", hash, have, meta.Total)
		} else {
			color.Yellow("%s: %d/%d chunks, %d missing", hash, have, meta.Total, len(missing))
		}
		fmt.Printf("+ Stored: up to %s\n+ Mode: %04o\n", utils.FormatFileSize(approx), meta.Mode)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
