// Command swapd runs the cross-chain atomic-swap orchestrator HTTP
// service: quote, session, and execution endpoints backed by the EVM and
// Cosmos-style chain adapters, the event monitor, and the coordinator.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "swapd",
		Short: "Cross-chain atomic-swap orchestrator",
	}
	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newVersionCmd())
	return cmd
}
