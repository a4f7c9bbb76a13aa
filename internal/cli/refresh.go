package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/terrapin-io/terrapin/internal/engine"
	"github.com/terrapin-io/terrapin/internal/eval"
	"github.com/terrapin-io/terrapin/internal/ir"
	"github.com/terrapin-io/terrapin/internal/provider"
	"github.com/terrapin-io/terrapin/internal/state"
)

var refreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Update state to match real infrastructure",
	Long: `Reads the current state of all managed resources from their providers
and updates the state file to reflect actual infrastructure.

This detects drift between what Terrapin thinks exists and what actually
exists.`,
	RunE: runRefresh,
}

func runRefresh(cmd *cobra.Command, args []string) error {
	wd, _, err := resolveProject(args)
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	evaluator := eval.NewEvaluator(wd)
	registry := provider.NewRegistry()

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
		fmt.Println("No resources to refresh.")
		return nil
	}

	if err := loadStateProviders(registry, currentState); err != nil {
		return err
	}

	fmt.Printf("Refreshing %d resource(s)...\n\n", len(currentState.Resources))

	return refreshState(ctx, store, registry, currentState)
}

// refreshState walks every state entry, commits drifted outputs back to the
// store, and reports entries the provider can no longer describe as state
// corruption. Corruption is never healed; the joined typed errors make the
// command fail so scripts notice.
func refreshState(ctx context.Context, store state.Store, registry *provider.Registry, currentState *ir.State) error {
	drifted := 0
	var corruptions []error

	for _, res := range currentState.Resources {
		addr := res.Addr()
		prov, err := registry.Get(res.Provider)
		if err != nil {
			fmt.Printf("  %s: SKIP (provider %s not available)\n", addr, res.Provider)
			continue
		}

		if res.ID == "" {
			fmt.Printf("  \033[31m%s: MISSING (no recorded id)\033[0m\n", addr)
			corruptions = append(corruptions, &engine.StateCorruptionError{
				Address: addr, Err: fmt.Errorf("entry has no provider-assigned id"),
			})
			continue
		}

		observed, err := prov.Describe(ctx, res.ID, res.Kind)
		if err != nil {
			fmt.Printf("  \033[31m%s: MISSING (%v)\033[0m\n", addr, err)
			corruptions = append(corruptions, &engine.StateCorruptionError{
				Address: addr, ID: res.ID, Err: err,
			})
			continue
		}

		if fmt.Sprintf("%v", observed) != fmt.Sprintf("%v", res.Outputs) {
			fmt.Printf("  \033[33m%s: DRIFTED (outputs updated)\033[0m\n", addr)
			res.Outputs = observed
			if err := store.Commit(ctx, res); err != nil {
				return fmt.Errorf("failed to commit refreshed entry: %w", err)
			}
			drifted++
		} else {
			fmt.Printf("  %s: OK\n", addr)
		}
	}

	fmt.Printf("\nRefresh complete. %d drifted, %d missing.\n", drifted, len(corruptions))
	return errors.Join(corruptions...)
}
