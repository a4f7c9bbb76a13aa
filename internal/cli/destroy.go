package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/terrapin-io/terrapin/internal/engine"
	"github.com/terrapin-io/terrapin/internal/eval"
	"github.com/terrapin-io/terrapin/internal/provider"
)

var (
	destroyAutoApprove bool
	destroyParallelism int
)

var destroyCmd = &cobra.Command{
	Use:   "destroy [path]",
	Short: "Destroy all managed resources",
	Long: `Destroys every resource tracked in state, dependents before the
resources they depend on. This is the inverse of 'terrapin apply'.`,
	RunE: runDestroy,
}

func init() {
	destroyCmd.Flags().BoolVar(&destroyAutoApprove, "auto-approve", false, "Skip interactive approval before destroying")
	destroyCmd.Flags().IntVar(&destroyParallelism, "parallelism", engine.DefaultParallelism, "Maximum number of concurrent actions")
}

func runDestroy(cmd *cobra.Command, args []string) error {
	wd, _, err := resolveProject(args)
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	evaluator := eval.NewEvaluator(wd)
	registry := provider.NewRegistry()
	eng := engine.NewEngine(registry)
	eng.Parallelism = destroyParallelism

	store, err := openStore(wd, evaluator, nil)
	if err != nil {
		return err
	}
	if err := store.Lock(); err != nil {
		return err
	}
	defer store.Unlock()

	fmt.Print("Reading state... ")
	currentState, err := store.Load(ctx)
	if err != nil {
		fmt.Println("FAILED")
		return fmt.Errorf("failed to read state: %w", err)
	}
	fmt.Println("OK")

	if len(currentState.Resources) == 0 {
		fmt.Println("No resources to destroy.")
		return nil
	}

	if err := loadStateProviders(registry, currentState); err != nil {
		return err
	}

	plan, err := eng.CreateDestroyPlan(ctx, currentState)
	if err != nil {
		return err
	}

	fmt.Println("\nTerrapin will destroy the following resources:")
	renderPlanChanges(plan)
	renderPlanSummary(plan)

	if !destroyAutoApprove {
		fmt.Print("\nDo you really want to destroy all resources? (y/n): ")
		var response string
		fmt.Scanln(&response)
		if response != "y" && response != "yes" {
			fmt.Println("Destroy cancelled.")
			return nil
		}
	}

	fmt.Printf("\nDestroying %d resources...\n", len(plan.Changes))

	result, applyErr := eng.ApplyPlan(ctx, plan, store)
	if result != nil {
		renderApplyResults(result)
	}
	if applyErr != nil {
		return fmt.Errorf("destroy failed: %w", applyErr)
	}

	fmt.Println("\nDestroy complete! All resources have been deleted.")
	return nil
}
