// Package cmd implements the gateway's command-line entrypoints: serve the
// HTTP surface, or run a one-shot cleanup of stale resources.
package cmd

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Code-interpreter gateway - pre-warmed sandbox worker pool",
	Long: `gateway runs the multi-tenant code-interpreter control plane: it
pre-warms, assigns, monitors, and recycles sandbox worker containers, each
backed by its own loop-device filesystem, and proxies code execution
through a stateful kernel protocol inside each one.`,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
