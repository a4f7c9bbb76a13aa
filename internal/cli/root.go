package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/terrapin-io/terrapin/internal/logging"
)

var logLevel string

var rootCmd = &cobra.Command{
	Use:   "terrapin",
	Short: "Dependency-aware declarative resource orchestration",
	Long: `Terrapin reconciles declared resources against recorded state.

It builds a dependency graph from your declarations, computes the minimal
set of create, update, replace, and delete actions, and executes them in
dependency order with bounded concurrency. Independent resources run in
parallel; dependents always wait for their dependencies.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logging.Init(logLevel)
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// ExecuteContext runs the root command with the given context; commands
// observe its cancellation through cmd.Context().
func ExecuteContext(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(applyCmd)
	rootCmd.AddCommand(destroyCmd)
	rootCmd.AddCommand(outputCmd)
	rootCmd.AddCommand(refreshCmd)
	rootCmd.AddCommand(graphCmd)
	rootCmd.AddCommand(versionCmd)
}
