// Package cli implements the sharedllm command-line interface using Cobra.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cliVersion = "dev"

var rootCmd = &cobra.Command{
	Use:   "sharedllm",
	Short: "SharedLLM — pool LAN machines into one inference cluster",
	Long: `SharedLLM turns the machines on your LAN into a single inference cluster.
The controller discovers peers over mDNS, gates them behind an approval
workflow, aggregates their accelerator memory, and exposes one
OpenAI-compatible endpoint in front of it all.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command. Called from main.go.
func Execute(version string) {
	cliVersion = version
	rootCmd.Version = version

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
