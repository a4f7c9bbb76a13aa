package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/terrapin-io/terrapin/internal/engine"
	"github.com/terrapin-io/terrapin/internal/eval"
)

var graphCmd = &cobra.Command{
	Use:   "graph [path]",
	Short: "Output the dependency graph in DOT format",
	Long: `Generates a visual representation of the resource dependency graph
in Graphviz DOT format. Pipe the output to 'dot' to generate an image:

  terrapin graph | dot -Tpng > graph.png`,
	RunE: runGraph,
}

func runGraph(cmd *cobra.Command, args []string) error {
	wd, entryPoint, err := resolveProject(args)
	if err != nil {
		return err
	}

	evaluator := eval.NewEvaluator(wd)
	cfg, err := evaluator.LoadConfig(cmd.Context(), entryPoint, nil)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	resources := engine.ExpandIterations(cfg.Resources)
	graph, err := engine.BuildGraph(resources)
	if err != nil {
		return err
	}

	fmt.Println("digraph terrapin {")
	fmt.Println("  rankdir = \"BT\";")
	fmt.Println("  node [shape = rect];")
	fmt.Println()

	for _, res := range resources {
		fmt.Printf("  %q;\n", res.Addr())
	}
	fmt.Println()

	for _, res := range resources {
		for _, dep := range graph.Dependencies(res.Addr()) {
			fmt.Printf("  %q -> %q;\n", res.Addr(), dep)
		}
	}

	fmt.Println("}")
	return nil
}
