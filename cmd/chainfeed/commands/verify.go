package commands

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/Sumatoshi-tech/chainfeed/pkg/history"
	"github.com/Sumatoshi-tech/chainfeed/pkg/objstore"
)

// NewVerifyHistoryCommand builds the `verify-history` subcommand,
// which checks an archive for gaps and corrupted files.
func NewVerifyHistoryCommand() *cobra.Command {
	var (
		storeURL    string
		concurrency int
		deep        bool
	)

	cmd := &cobra.Command{
		Use:   "verify-history",
		Short: "Verify the integrity of a checkpoint archive",
		Long: `Verify-history reads an archive's manifest, checks that its files cover
history without gaps, and with --deep downloads every file to verify
its checksum.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := objstore.New(storeURL, nil)
			if err != nil {
				return err
			}

			ctx := cmd.Context()

			reader, err := history.NewReader(ctx, history.ReaderConfig{
				Store:               store,
				DownloadConcurrency: concurrency,
			})
			if err != nil {
				return err
			}
			defer reader.Close()

			manifest := reader.Manifest()

			files, err := reader.VerifyManifest(manifest)
			if err != nil {
				color.Red("manifest verification failed: %v", err)

				return err
			}

			fmt.Printf("archive holds %s checkpoints in %s files\n",
				humanize.Comma(int64(manifest.NextSequence)),
				humanize.Comma(int64(len(files))))

			if deep {
				if err := reader.VerifyFiles(ctx, files); err != nil {
					color.Red("file verification failed: %v", err)

					return err
				}
			}

			color.Green("archive verified")

			return nil
		},
	}

	cmd.Flags().StringVarP(&storeURL, "url", "u", "", "archive store url")
	cmd.Flags().IntVar(&concurrency, "concurrency", 5, "parallel downloads during --deep verification")
	cmd.Flags().BoolVar(&deep, "deep", false, "download every archive file and verify its checksum")

	_ = cmd.MarkFlagRequired("url")

	return cmd
}
