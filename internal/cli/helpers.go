package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/terrapin-io/terrapin/internal/engine"
	"github.com/terrapin-io/terrapin/internal/eval"
	"github.com/terrapin-io/terrapin/internal/ir"
	"github.com/terrapin-io/terrapin/internal/provider"
	"github.com/terrapin-io/terrapin/internal/state"
)

const defaultEntryPoint = "main.pkl"

// timeUnit is the rounding granularity for displayed action durations.
const timeUnit = time.Millisecond

// resolveProject returns the project directory and entry point file,
// optionally overridden by a path argument (a directory or a .pkl file).
func resolveProject(args []string) (wd, entryPoint string, err error) {
	wd, err = os.Getwd()
	if err != nil {
		return "", "", fmt.Errorf("failed to get working directory: %w", err)
	}
	entryPoint = defaultEntryPoint

	if len(args) > 0 {
		absPath, err := filepath.Abs(args[0])
		if err != nil {
			return "", "", fmt.Errorf("failed to resolve path %s: %w", args[0], err)
		}
		info, err := os.Stat(absPath)
		if err != nil {
			return "", "", fmt.Errorf("failed to stat path %s: %w", args[0], err)
		}
		if info.IsDir() {
			wd = absPath
		} else {
			wd = filepath.Dir(absPath)
			entryPoint = filepath.Base(absPath)
		}
	}
	return wd, entryPoint, nil
}

// openStore builds the state store selected by the config's backend block,
// defaulting to a local file under the project directory.
func openStore(wd string, evaluator *eval.Evaluator, cfg *ir.Config) (state.Store, error) {
	var backend *state.BackendConfig
	if cfg != nil && cfg.Backend != nil {
		backend = &state.BackendConfig{
			Type:   cfg.Backend.Type,
			Config: cfg.Backend.Config,
		}
	}
	return state.NewStore(backend, filepath.Join(wd, ".terrapin", "state.pkl"), evaluator)
}

// loadRequiredProviders auto-loads all providers referenced by config resources.
func loadRequiredProviders(registry *provider.Registry, cfg *ir.Config) error {
	seen := make(map[string]bool)
	for _, res := range cfg.Resources {
		if res.Provider != "" && !seen[res.Provider] {
			seen[res.Provider] = true
			if err := registry.LoadProvider(res.Provider); err != nil {
				return fmt.Errorf("failed to load provider %s: %w", res.Provider, err)
			}
		}
	}
	return nil
}

// loadStateProviders auto-loads all providers referenced by state resources
// (needed for DELETE).
func loadStateProviders(registry *provider.Registry, st *ir.State) error {
	seen := make(map[string]bool)
	for _, res := range st.Resources {
		if res.Provider != "" && !seen[res.Provider] {
			seen[res.Provider] = true
			if err := registry.LoadProvider(res.Provider); err != nil {
				return fmt.Errorf("failed to load provider %s: %w", res.Provider, err)
			}
		}
	}
	return nil
}

// renderPlanChanges prints the detailed change list for a plan.
func renderPlanChanges(plan *ir.Plan) {
	for _, change := range plan.Changes {
		symbol := "~"
		switch change.Action {
		case ir.ActionCreate:
			symbol = "+"
		case ir.ActionDelete:
			symbol = "-"
		case ir.ActionReplace:
			symbol = "-/+"
		case ir.ActionNoOp:
			symbol = " "
		}

		color := "\033[0m"
		switch change.Action {
		case ir.ActionCreate:
			color = "\033[32m"
		case ir.ActionDelete:
			color = "\033[31m"
		case ir.ActionUpdate, ir.ActionReplace:
			color = "\033[33m"
		}

		var kind, name string
		if change.Desired != nil {
			kind = change.Desired.Kind
			name = change.Desired.Name
		} else if change.Prior != nil {
			kind = change.Prior.Kind
			name = change.Prior.Name
		}

		fmt.Printf("\n%s  # %s will be %s%s\n", color, change.Address, change.Action, "\033[0m")
		fmt.Printf("%s  %s resource \"%s\" \"%s\" {\n", color, symbol, kind, name)
		renderAttributeDiff(change, color)
		fmt.Printf("%s    }%s\n", color, "\033[0m")
	}
}

// renderAttributeDiff prints structured attribute diffs.
func renderAttributeDiff(change *ir.ResourceChange, color string) {
	if len(change.Diff) == 0 {
		fmt.Printf("%s      ...\n", color)
		return
	}
	for key, diff := range change.Diff {
		switch diff.Action {
		case "create":
			fmt.Printf("\033[32m      + %s = %v\033[0m\n", key, formatValue(diff.After))
		case "delete":
			fmt.Printf("\033[31m      - %s = %v\033[0m\n", key, formatValue(diff.Before))
		case "update":
			fmt.Printf("\033[33m      ~ %s = %v -> %v\033[0m\n", key, formatValue(diff.Before), formatValue(diff.After))
		default:
			fmt.Printf("%s        %s = %v\n", color, key, formatValue(diff.After))
		}
	}
}

// formatValue returns a human-readable representation of a value.
func formatValue(v any) string {
	if v == nil {
		return "null"
	}
	switch val := v.(type) {
	case string:
		return fmt.Sprintf("%q", val)
	default:
		return fmt.Sprintf("%v", val)
	}
}

// renderPlanSummary prints the plan summary counts.
func renderPlanSummary(plan *ir.Plan) {
	fmt.Println("\nPlan Summary:")
	fmt.Printf("  Create:  %d\n", plan.Summary.Create)
	fmt.Printf("  Update:  %d\n", plan.Summary.Update)
	fmt.Printf("  Replace: %d\n", plan.Summary.Replace)
	fmt.Printf("  Delete:  %d\n", plan.Summary.Delete)
	fmt.Printf("  NoOp:    %d\n", plan.Summary.NoOp)
}

// renderApplyResults prints per-action outcomes in plan order.
func renderApplyResults(result *engine.ApplyResult) {
	for _, res := range result.Results {
		switch res.Status {
		case engine.StatusApplied:
			fmt.Printf("  \033[32m%s: %s applied\033[0m (%s)\n", res.Address, res.Action, res.Duration.Round(timeUnit))
		case engine.StatusFailed:
			fmt.Printf("  \033[31m%s: %s FAILED: %v\033[0m\n", res.Address, res.Action, res.Err)
		case engine.StatusNotAttempted:
			fmt.Printf("  %s: %s not attempted\n", res.Address, res.Action)
		}
	}

	applied, failed, notAttempted := result.Counts()
	fmt.Printf("\n%d applied, %d failed, %d not attempted.\n", applied, failed, notAttempted)
}
