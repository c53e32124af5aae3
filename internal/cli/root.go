package cli

import (
	"github.com/spf13/cobra"
)

// Execute builds and runs the CLI.
func Execute() error {
	var (
		cfgFile  string
		logLevel string
	)

	rootCmd := &cobra.Command{
		Use:   "signalpipe",
		Short: "Durable NDJSON signal ingestion pipe",
		Long: `signalpipe watches a directory for append-only NDJSON signal logs,
validates each line against the signal contract, deduplicates and batches
valid signals per file, and dispatches them to a downstream sink with
bounded retry.

Per-file offsets and the dedup index are committed atomically to a local
state store, so the pipe resumes exactly where terminal outcomes left off
after a restart. Rejected and undeliverable lines land verbatim in an
append-only dead-letter store.`,
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default: ./config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	rootCmd.AddCommand(
		NewRunCmd(&cfgFile, &logLevel),
		NewValidateCmd(&cfgFile),
		NewVersionCmd(),
	)

	return rootCmd.Execute()
}
