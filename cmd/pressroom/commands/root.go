package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "pressroom",
		Short: "Pressroom - Content Workflow Orchestration Engine",
		Long: `Pressroom drives content from an external source through analysis and
review to publication.

The pipeline:
  - Sync ingestion polls the content source and discovers new units
  - Analysis merges deterministic rule findings with AI review
  - Human review approves or rejects each unit
  - Publishing executes the platform protocol with retry and fallback

Every state change is recorded in an immutable audit trail.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	// Add subcommands
	rootCmd.AddCommand(newInitCommand())
	rootCmd.AddCommand(newServeCommand(version))
	rootCmd.AddCommand(newSyncCommand())
	rootCmd.AddCommand(newGetCommand())
	rootCmd.AddCommand(newListCommand())
	rootCmd.AddCommand(newTransitionCommand())
	rootCmd.AddCommand(newPublishCommand())

	return rootCmd
}
