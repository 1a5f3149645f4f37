// Package main provides the entry point for the chainfeed daemon.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Sumatoshi-tech/chainfeed/cmd/chainfeed/commands"
	"github.com/Sumatoshi-tech/chainfeed/pkg/version"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "chainfeed",
		Short: "Chainfeed - checkpoint ingestion pipeline",
		Long: `Chainfeed tails a checkpoint source and fans every checkpoint out to
configured tasks: object-store mirroring, summary indexing and
long-term archival.

Commands:
  run             Run the ingestion daemon
  verify-history  Verify the integrity of a checkpoint archive
  config          Manage daemon configuration`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(commands.NewRunCommand())
	rootCmd.AddCommand(commands.NewVerifyHistoryCommand())
	rootCmd.AddCommand(commands.NewConfigCommand())
	rootCmd.AddCommand(versionCmd())

	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Fprintf(os.Stdout, "chainfeed %s\n", version.String())
		},
	}
}
