// Command pgx-cds runs the PGx clinical decision support HTTP API and its
// maintenance tasks.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

var configFile string

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "pgx-cds",
		Short:        "PGx gene-drug interaction risk service for behavioral health",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "path to config.yaml (default: search ., ./config, /etc/pgx-cds-server)")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(evaluateCmd())
	rootCmd.AddCommand(kbCmd())
	return rootCmd
}
