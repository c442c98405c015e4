package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ddkit/ddk/cmd/ddk/commands"
	"github.com/ddkit/ddk/internal/logging"
)

var rootCmd = &cobra.Command{
	Use:   "ddk",
	Short: "ddk - out-of-process plugin host and worker runtime",
	Long: `ddk runs the three-tier plugin runtime described in spec.md: a Host
process that supervises per-plugin worker processes, each hosting a wazero
WASM plugin behind a local gRPC endpoint.

Available commands:
  host run             - start the long-running host process
  host plugins list    - discover and validate plugin manifests
  host plugins install - validate a manifest and report the resolved assembly path
  worker run           - the worker entrypoint the host execs; never run directly`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		jsonOutput := cmd.Name() == "run" && cmd.Parent() != nil && cmd.Parent().Name() == "worker"
		logging.Initialize(jsonOutput)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(commands.HostCmd)
	rootCmd.AddCommand(commands.WorkerCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	defer logging.Cleanup()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
