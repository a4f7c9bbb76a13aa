package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/terrapin-io/terrapin/internal/engine"
	"github.com/terrapin-io/terrapin/internal/eval"
	"github.com/terrapin-io/terrapin/internal/ir"
)

var validateCmd = &cobra.Command{
	Use:   "validate [path]",
	Short: "Validate the declarations",
	Long: `Evaluates the declarations and checks the resulting resource graph:
kinds must be known, addresses unique, references declared, and the
dependency graph acyclic. No providers are contacted.`,
	RunE: runValidate,
}

func runValidate(cmd *cobra.Command, args []string) error {
	wd, entryPoint, err := resolveProject(args)
	if err != nil {
		return err
	}

	fmt.Printf("Validating %s... ", entryPoint)
	evaluator := eval.NewEvaluator(wd)
	cfg, err := evaluator.LoadConfig(cmd.Context(), entryPoint, nil)
	if err != nil {
		fmt.Println("FAILED")
		return fmt.Errorf("validation failed: %w", err)
	}

	resources := engine.ExpandIterations(cfg.Resources)
	for _, res := range resources {
		if !ir.ValidKind(res.Kind) {
			fmt.Println("FAILED")
			return fmt.Errorf("resource %s: unknown kind %q", res.Name, res.Kind)
		}
	}
	if _, err := engine.BuildGraph(resources); err != nil {
		fmt.Println("FAILED")
		return err
	}
	fmt.Println("OK")

	fmt.Printf("\nConfiguration is valid: %d resource(s).\n", len(resources))
	return nil
}
