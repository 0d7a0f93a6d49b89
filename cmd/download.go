package cmd

import (
	"fmt"
	"os"

	"filexfer/internal/ui"
	"filexfer/pkg/utils"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

type DownloadFlags struct {
	SrcPath string
	DstPath string
}

var downloadFlags DownloadFlags

// downloadCmd represents the download command
var downloadCmd = &cobra.Command{
	Use:   "download",
	Short: "Download a file from the service",
	Long: `Download a file from the service. This will:

1. Ask the service to read and announce the file at --src
2. Request every chunk missing from the local store
3. Verify the content hash and write the file to --dst

If --dst is an existing directory the file keeps its remote name.`,
	Args: cobra.NoArgs,
	PreRunE: func(cmd *cobra.Command, args []string) error {
		return validateDownloadFlags(&downloadFlags)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := createContext()
		defer cancel()

		dest, err := utils.ResolveDestinationPath(downloadFlags.DstPath, downloadFlags.SrcPath)
		if err != nil {
			return err
		}

		progress := ui.NewProgressUI("Downloading", cfg.Storage.ChunkSize, os.Stderr)
		client, err := newClient(ctx, progress)
		if err != nil {
			return err
		}

		hash, err := client.Download(ctx, downloadFlags.SrcPath, dest)
		if err != nil {
			color.Red("Download failed: %v", err)
			return err
		}
		color.Green("Downloaded %s to %s", downloadFlags.SrcPath, dest)
		fmt.Printf("+ Hash: %s\n+ Transferred: %s\n", hash, progress.Summary())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(downloadCmd)

	downloadCmd.Flags().StringVarP(&downloadFlags.SrcPath, "src", "s", "", "path of the file on the service (required)")
	downloadCmd.Flags().StringVarP(&downloadFlags.DstPath, "dst", "d", "", "local file or directory to save to (required)")
	_ = downloadCmd.MarkFlagRequired("src")
	_ = downloadCmd.MarkFlagRequired("dst")
	addCodeFlag(downloadCmd)
}

func validateDownloadFlags(flags *DownloadFlags) error {
	if flags.SrcPath == "" || flags.DstPath == "" {
		return fmt.Errorf("source and destination paths are required")
	}
	return nil
}
