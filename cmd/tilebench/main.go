// Package main provides tilebench, a scroll benchmark for the tile cache.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Set by the linker.
var (
	version = "dev"
	commit  = "none"
)

func main() {
	err := newRootCommand().Execute()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "tilebench",
		Short: "Scroll benchmark for the thumbnail tile cache",
		Long: `tilebench scans a set of file pairs, scrolls a virtual viewport over them
and reports memory, cache and pipeline statistics.

Commands:
  bench     Run a scroll benchmark
  version   Show version information`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML config file (TILECACHE_* env vars override)")

	rootCmd.AddCommand(newBenchCommand(&configPath))
	rootCmd.AddCommand(versionCmd())

	return rootCmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "tilebench %s (commit: %s)\n", version, commit)
		},
	}
}
