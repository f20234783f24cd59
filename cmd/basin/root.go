package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	flagRepo    string
	flagConfig  string
	flagAgent   string
	flagVerbose bool

	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "basin",
	Short: "Versioned storage for many concurrent writers",
	Long: `Basin records what concurrent writers do to a shared file tree.

Each writer works in a session: an append-only log of file writes,
deletes, intents, and decisions. Landing a session publishes its
changes to the shared history after screening for overlap with work
that landed since the session began. Nothing is ever rewritten; the
history is a hash chain of immutable events over a content-addressed
object store.

Quick start:
  basin init                              Create the repository
  basin session start "refactor auth"     Open a session
  basin record file-write --path src/auth.go --from src/auth.go
  basin land                              Publish the session
  basin history                           See what landed`,
	Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command and exits non-zero on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagRepo, "repo", "", "Repository directory (overrides config and BASIN_REPO)")
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "Config file (default is the platform config path)")
	rootCmd.PersistentFlags().StringVar(&flagAgent, "agent", "", "Agent id override (UUID)")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)
}
