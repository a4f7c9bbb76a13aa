package state

import (
	"context"
	"fmt"

	"github.com/terrapin-io/terrapin/internal/eval"
	"github.com/terrapin-io/terrapin/internal/ir"
)

// Store persists the last-applied snapshot. Commit and Remove are called
// once per successful action, immediately, never batched at plan end: a
// crash mid-apply leaves the store consistent with exactly the actions
// that completed. Each write is atomic and keyed by resource address, so
// concurrent actions on different resources never contend.
type Store interface {
	// Load returns the current snapshot. A missing store yields an empty state.
	Load(ctx context.Context) (*ir.State, error)

	// Commit upserts one resource entry.
	Commit(ctx context.Context, entry *ir.ResourceState) error

	// Remove deletes the entry for the given address.
	Remove(ctx context.Context, addr string) error

	// CommitOutputs persists the top-level outputs.
	CommitOutputs(ctx context.Context, outputs map[string]any) error

	// Lock acquires an exclusive lock on the store.
	Lock() error

	// Unlock releases the lock.
	Unlock() error
}

// BackendConfig selects and configures a store implementation.
type BackendConfig struct {
	Type   string            `json:"type"` // "local", "s3"
	Config map[string]string `json:"config"`
}

// NewStore creates a store from configuration. The evaluator is needed to
// parse persisted Pkl state documents.
func NewStore(cfg *BackendConfig, path string, evaluator *eval.Evaluator) (Store, error) {
	if cfg == nil || cfg.Type == "" || cfg.Type == "local" {
		return NewFileStore(path, evaluator), nil
	}
	switch cfg.Type {
	case "s3":
		return newS3Store(cfg.Config, evaluator)
	default:
		return nil, fmt.Errorf("unknown state backend type: %s", cfg.Type)
	}
}
