// harbingerd is the orchestration core daemon: durable execution engine,
// worker pools, reconciliation schedule and streaming gateway in one
// process.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mandiant/harbinger-sub002/logger"
)

var (
	configPath string
	jsonLogs   bool
)

var rootCmd = &cobra.Command{
	Use:   "harbingerd",
	Short: "Harbinger job orchestration and event distribution daemon",
	Long: `Harbinger orchestration core.

Runs the durable execution engine with its worker pools, the backend
reconciliation schedule, and the websocket streaming gateway.

Examples:
  harbingerd serve                      # Run with ./harbinger.toml or defaults
  harbingerd serve --config /etc/harbinger.toml
  harbingerd migrate                    # Apply schema migrations and exit`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := logger.Initialize(jsonLogs); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to TOML config file")
	rootCmd.PersistentFlags().BoolVar(&jsonLogs, "json-logs", false, "Emit JSON structured logs")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
}

func main() {
	defer logger.Cleanup()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
