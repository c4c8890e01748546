package main

import (
	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "predictloadctl",
	Short: "Operate the predictive preloading library locally",
	Long: `predictloadctl exercises the predictive preloading stack outside a
browser: it runs the full library as a daemon with metrics, applies
storage migrations, seeds synthetic interaction history, and inspects
the encrypted interaction log.

The ENCRYPTION_KEY environment variable (64 hex characters) is
required by every subcommand that touches the store.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(seedCmd)
	rootCmd.AddCommand(inspectCmd)
}
