package engine

import (
	"context"
	"fmt"

	"github.com/terrapin-io/terrapin/internal/ir"
)

// VerifyState asks each entry's provider to describe the resource it
// records. An entry the provider can no longer describe is surfaced as a
// StateCorruptionError; nothing is healed or removed automatically.
func (e *Engine) VerifyState(ctx context.Context, st *ir.State) error {
	for _, rs := range st.Resources {
		prov, err := e.registry.Get(rs.Provider)
		if err != nil {
			return fmt.Errorf("state entry %s: %w", rs.Addr(), err)
		}
		if rs.ID == "" {
			return &StateCorruptionError{Address: rs.Addr(), ID: rs.ID, Err: fmt.Errorf("entry has no provider-assigned id")}
		}
		if _, err := prov.Describe(ctx, rs.ID, rs.Kind); err != nil {
			return &StateCorruptionError{Address: rs.Addr(), ID: rs.ID, Err: err}
		}
	}
	return nil
}
