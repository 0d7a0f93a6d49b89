package cmd

import (
	"fmt"
	"os"

	"filexfer/internal/ui"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

type UploadFlags struct {
	SrcPath string
	DstPath string
}

var uploadFlags UploadFlags

// uploadCmd represents the upload command
var uploadCmd = &cobra.Command{
	Use:   "upload",
	Short: "Upload a local file to the service",
	Long: `Upload a local file to the service. This will:

1. Split the file into chunks in the local store
2. Announce the file to the service by its content hash
3. Send only the chunks the service is missing
4. Have the service verify the hash and write the file to --dst

Running the same upload again after a failure resumes it.`,
	Args: cobra.NoArgs,
	PreRunE: func(cmd *cobra.Command, args []string) error {
		return validateUploadFlags(&uploadFlags)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := createContext()
		defer cancel()

		progress := ui.NewProgressUI("Uploading", cfg.Storage.ChunkSize, os.Stderr)
		client, err := newClient(ctx, progress)
		if err != nil {
			return err
		}

		hash, err := client.Upload(ctx, uploadFlags.SrcPath, uploadFlags.DstPath)
		if err != nil {
			color.Red("Upload failed: %v", err)
			return err
		}
		color.Green("Uploaded %s to %s", uploadFlags.SrcPath, uploadFlags.DstPath)
		fmt.Printf("+ Hash: %s\n+ Transferred: %s\n", hash, progress.Summary())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(uploadCmd)

	uploadCmd.Flags().StringVarP(&uploadFlags.SrcPath, "src", "s", "", "local file to upload (required)")
	uploadCmd.Flags().StringVarP(&uploadFlags.DstPath, "dst", "d", "", "path the service writes the file to (required)")
	_ = uploadCmd.MarkFlagRequired("src")
	_ = uploadCmd.MarkFlagRequired("dst")
	addCodeFlag(uploadCmd)
}

// validateUploadFlags checks the source is a regular file
func validateUploadFlags(flags *UploadFlags) error {
	if flags.SrcPath == "" || flags.DstPath == "" {
		return fmt.Errorf("source and destination paths are required")
	}
	info, err := os.Stat(flags.SrcPath)
	if err != nil {
		return fmt.Errorf("cannot access source file: %w", err)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("source must be a regular file: %s", flags.SrcPath)
	}
	return nil
}
