package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/teranos/optrack/am"
	"github.com/teranos/optrack/cmd/optrack/commands"
	"github.com/teranos/optrack/errors"
	"github.com/teranos/optrack/logger"
)

var rootCmd = &cobra.Command{
	Use:   "optrack",
	Short: "optrack - long-running operation tracker",
	Long: `optrack - submit, execute and inspect long-running operations.

Operations are deduplicated by request, leased to workers, retried with
exponential backoff and recorded with their results, logs and published
resources.

Available commands:
  serve   - Run the worker pool and HTTP API
  ops     - Submit and inspect operations
  am      - Show and edit configuration ("I am")
  db      - Manage the operations database
  version - Show build information

Examples:
  optrack serve --workers 4
  optrack ops submit service_publishing --param layer_name=parcels
  optrack ops ls --status dead
  optrack am show --format yaml`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if path, _ := cmd.Flags().GetString("config"); path != "" {
			am.SetConfigFile(path)
		}

		cfg, err := am.Load()
		if err != nil {
			return errors.Wrap(err, "failed to load configuration")
		}
		level := cfg.Log.Level
		if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
			level = "debug"
		}
		if err := logger.Initialize(cfg.Log.JSON, level); err != nil {
			return errors.Wrap(err, "failed to initialize logger")
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Cleanup()
	},
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "Config file (replaces the system/user/project search)")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Debug logging")

	rootCmd.AddCommand(commands.ServeCmd)
	rootCmd.AddCommand(commands.OpsCmd)
	rootCmd.AddCommand(commands.AmCmd)
	rootCmd.AddCommand(commands.DbCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
