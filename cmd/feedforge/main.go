// Package main provides the entry point for FeedForge, a threat-intelligence
// feed ingestion and IOC lifecycle service.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/lvonguyen/feedforge/internal/api"
)

// Version information (injected at build time via ldflags)
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

var configFile string

func main() {
	api.Version = Version
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "feedforge",
		Short:         "Threat intelligence feed ingestion and IOC lifecycle service",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&configFile, "config", "configs/config.yaml", "Config file path")

	root.AddCommand(newServeCmd())
	root.AddCommand(newImportCmd())
	root.AddCommand(newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "FeedForge %s (commit: %s, built: %s)\n", Version, GitCommit, BuildTime)
		},
	}
}
