package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/Sumatoshi-tech/chainfeed/pkg/config"
)

const exampleConfig = `# chainfeed daemon configuration
path: /var/lib/chainfeed/checkpoints

# Backfill checkpoints missing locally from a remote store.
# remote_store_url: https://checkpoints.example.com/mainnet

progress:
  backend: file
  path: /var/lib/chainfeed/progress.json

reader:
  tick_interval: 100ms
  fetch_timeout: 5s
  batch_size: 10

metrics:
  enabled: true
  addr: ":9184"

logging:
  level: info
  format: json

tasks:
  - name: mirror
    kind: blob
    concurrency: 4
    store_url: s3://chain-mirror
    store_options:
      endpoint: s3.example.com
      region: us-east-1

  - name: archive
    kind: historical
    store_url: /var/lib/chainfeed/archive
    commit_duration: 10m
    compression: zstd
`

// NewConfigCommand builds the `config` subcommand group.
func NewConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage daemon configuration",
	}

	cmd.AddCommand(newConfigInitCommand())
	cmd.AddCommand(newConfigValidateCommand())

	return cmd
}

func newConfigInitCommand() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write an example configuration file",
		RunE: func(_ *cobra.Command, _ []string) error {
			// The template must stay parseable.
			var probe map[string]any
			if err := yaml.Unmarshal([]byte(exampleConfig), &probe); err != nil {
				return fmt.Errorf("example config is invalid: %w", err)
			}

			if _, err := os.Stat(output); err == nil {
				return fmt.Errorf("%s already exists", output)
			}

			if err := os.WriteFile(output, []byte(exampleConfig), 0o644); err != nil {
				return fmt.Errorf("write config: %w", err)
			}

			fmt.Printf("wrote %s\n", output)

			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "chainfeed.yaml", "destination file")

	return cmd
}

func newConfigValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file>",
		Short: "Validate a configuration file",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			if _, err := config.LoadConfig(args[0]); err != nil {
				return err
			}

			fmt.Printf("%s is valid\n", args[0])

			return nil
		},
	}
}
