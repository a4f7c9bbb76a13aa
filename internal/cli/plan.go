package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/terrapin-io/terrapin/internal/engine"
	"github.com/terrapin-io/terrapin/internal/eval"
	"github.com/terrapin-io/terrapin/internal/provider"
)

var planProperties map[string]string

var planCmd = &cobra.Command{
	Use:   "plan [path]",
	Short: "Generate an execution plan",
	Long: `Generates an execution plan showing what actions Terrapin will take
to reach the declared state.

The plan shows:
  • Resources to be created
  • Resources to be updated or replaced (with diff)
  • Resources to be deleted

Exits with code 2 when the declarations are invalid (duplicate addresses,
undeclared references, or dependency cycles).`,
	RunE: runPlan,
}

func init() {
	planCmd.Flags().StringToStringVarP(&planProperties, "prop", "D", nil, "Set external properties (format: key=value)")
}

func runPlan(cmd *cobra.Command, args []string) error {
	wd, entryPoint, err := resolveProject(args)
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	evaluator := eval.NewEvaluator(wd)
	registry := provider.NewRegistry()
	eng := engine.NewEngine(registry)

	fmt.Print("Loading configuration... ")
	cfg, err := evaluator.LoadConfig(ctx, entryPoint, planProperties)
	if err != nil {
		fmt.Println("FAILED")
		return fmt.Errorf("failed to load config: %w", err)
	}
	fmt.Println("OK")

	store, err := openStore(wd, evaluator, cfg)
	if err != nil {
		return err
	}

	currentState, err := store.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to read state: %w", err)
	}

	fmt.Print("Calculating plan... ")
	plan, err := eng.CreatePlan(ctx, cfg, currentState)
	if err != nil {
		fmt.Println("FAILED")
		return err
	}
	fmt.Println("OK")

	if plan.Empty() {
		fmt.Println("\nNo changes. Infrastructure is up-to-date.")
		renderPlanSummary(plan)
		return nil
	}

	fmt.Println("\nTerrapin will perform the following actions:")
	renderPlanChanges(plan)
	renderPlanSummary(plan)
	return nil
}
