// Package main provides the entry point for the regent CLI tool.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/regentmm/regent/cmd/regent/commands"
	"github.com/regentmm/regent/pkg/version"
)

func main() {
	version.Resolve()

	rootCmd := &cobra.Command{
		Use:   "regent",
		Short: "Regent - region-based memory manager tooling",
		Long: `Regent manages a region-based heap with a self-balancing page cache.

Commands:
  stress    Run a shifting allocation workload against the manager
  config    Inspect and scaffold configuration`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(commands.NewStressCommand())
	rootCmd.AddCommand(commands.NewConfigCommand())
	rootCmd.AddCommand(versionCmd())

	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Fprintf(os.Stdout, "regent %s (commit: %s, built: %s)\n",
				version.Version, version.Commit, version.Date)
		},
	}
}
