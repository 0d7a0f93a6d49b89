package cmd

import (
	"fmt"

	"filexfer/internal/storage"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

// cleanupCmd represents the cleanup command
var cleanupCmd = &cobra.Command{
	Use:   "cleanup <hash>...",
	Short: "Delete the stored chunks of one or more files",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		for _, hash := range args {
			if !storage.ValidHash(hash) {
				return fmt.Errorf("%w: %q", storage.ErrInvalidHash, hash)
			}
			if err := store.Remove(hash); err != nil {
				return fmt.Errorf("failed to remove %s: %w", hash, err)
			}
			color.Green("Removed %s", hash)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(cleanupCmd)
}
