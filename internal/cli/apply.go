package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/terrapin-io/terrapin/internal/engine"
	"github.com/terrapin-io/terrapin/internal/eval"
	"github.com/terrapin-io/terrapin/internal/provider"
)

var (
	applyAutoApprove bool
	applyParallelism int
	applyProperties  map[string]string
)

var applyCmd = &cobra.Command{
	Use:   "apply [path]",
	Short: "Apply the declared configuration",
	Long: `Builds or changes resources to match the declarations.

Independent actions run in parallel, bounded by --parallelism. Each
successful action is committed to state immediately, so an interrupted or
partially failed apply can be resumed by running apply again.`,
	RunE: runApply,
}

func init() {
	applyCmd.Flags().BoolVar(&applyAutoApprove, "auto-approve", false, "Skip interactive approval of plan before applying")
	applyCmd.Flags().IntVar(&applyParallelism, "parallelism", engine.DefaultParallelism, "Maximum number of concurrent actions")
	applyCmd.Flags().StringToStringVarP(&applyProperties, "prop", "D", nil, "Set external properties (format: key=value)")
}

func runApply(cmd *cobra.Command, args []string) error {
	wd, entryPoint, err := resolveProject(args)
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	evaluator := eval.NewEvaluator(wd)
	registry := provider.NewRegistry()
	eng := engine.NewEngine(registry)
	eng.Parallelism = applyParallelism

	fmt.Print("Loading configuration... ")
	cfg, err := evaluator.LoadConfig(ctx, entryPoint, applyProperties)
	if err != nil {
		fmt.Println("FAILED")
		return fmt.Errorf("failed to load config: %w", err)
	}
	fmt.Println("OK")

	if err := loadRequiredProviders(registry, cfg); err != nil {
		return err
	}

	store, err := openStore(wd, evaluator, cfg)
	if err != nil {
		return err
	}
	if err := store.Lock(); err != nil {
		return err
	}
	defer store.Unlock()

	currentState, err := store.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to read state: %w", err)
	}

	// Providers for resources only present in state are still needed for
	// deletes.
	if err := loadStateProviders(registry, currentState); err != nil {
		return err
	}

	fmt.Print("Calculating plan... ")
	plan, err := eng.CreatePlan(ctx, cfg, currentState)
	if err != nil {
		fmt.Println("FAILED")
		return err
	}
	fmt.Println("OK")

	if plan.Empty() {
		fmt.Println("No changes. Infrastructure is up-to-date.")
		return nil
	}

	fmt.Println("\nTerrapin will perform the following actions:")
	renderPlanChanges(plan)
	renderPlanSummary(plan)

	if !applyAutoApprove {
		fmt.Print("\nDo you want to perform these actions? (y/n): ")
		var response string
		fmt.Scanln(&response)
		if response != "y" && response != "yes" {
			fmt.Println("Apply cancelled.")
			return nil
		}
	}

	fmt.Printf("\nApplying %d changes...\n", len(plan.Changes))

	result, applyErr := eng.ApplyPlanWithCallback(ctx, plan, store, func(event engine.ApplyEvent) {
		if event.Status == "started" {
			fmt.Printf("  %s: %s...\n", event.Address, event.Action)
		}
	})
	if result != nil {
		renderApplyResults(result)
	}
	if applyErr != nil {
		return fmt.Errorf("apply failed: %w", applyErr)
	}

	fmt.Printf("\nApply complete! Resources: %d added, %d changed, %d destroyed.\n",
		plan.Summary.Create+plan.Summary.Replace, plan.Summary.Update, plan.Summary.Delete)

	newState, err := store.Load(ctx)
	if err == nil && len(newState.Outputs) > 0 {
		fmt.Println("\nOutputs:")
		for k, v := range newState.Outputs {
			fmt.Printf("  %s = %v\n", k, v)
		}
	}
	return nil
}
