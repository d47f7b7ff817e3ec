// Package cli implements the geoingest command line with cobra.
package cli

import (
	"github.com/spf13/cobra"
)

// globalOptions are flags shared by every command.
type globalOptions struct {
	envFile  string
	logLevel string
	pretty   bool
}

// NewRootCmd creates the root command with every subcommand attached.
func NewRootCmd() *cobra.Command {
	opts := &globalOptions{}

	rootCmd := &cobra.Command{
		Use:   "geoingest",
		Short: "Resumable ingest of UK open geography and policing data",
		Long: `geoingest fetches LSOA boundaries from an ArcGIS FeatureServer and
stop-and-search records from data.police.uk into blob storage, parquet files or
a Postgres staging warehouse.

Every completed unit is recorded in a progress ledger, so an interrupted run
can be restarted and only fetches what is missing.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&opts.envFile, "env-file", ".env", "Path to a .env file loaded before the environment is read")
	flags.StringVar(&opts.logLevel, "log-level", "", "Log level (debug, info, warn, error); overrides LOG_LEVEL")
	flags.BoolVar(&opts.pretty, "pretty", false, "Human-readable console logs; overrides LOG_PRETTY")

	rootCmd.AddCommand(newLSOACmd(opts))
	rootCmd.AddCommand(newStopSearchCmd(opts))
	rootCmd.AddCommand(newLedgerCmd(opts))

	return rootCmd
}
