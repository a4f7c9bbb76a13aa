package provider

import "context"

// IDOutput is the output key every provider must set on Create: the
// provider-assigned identifier used for later Update/Destroy/Describe calls.
const IDOutput = "id"

// Interface is the remote API surface the executor drives. Implementations
// live under providers/ and are registered by name.
//
// Create provisions a new resource of the given kind and returns its
// outputs, including IDOutput. Update reconciles an existing resource
// in place. Destroy removes it. Describe reads the current remote
// attributes; it exists to support drift checks and state verification.
type Interface interface {
	Create(ctx context.Context, kind, name string, attrs map[string]any) (map[string]any, error)
	Update(ctx context.Context, id, kind string, attrs map[string]any) (map[string]any, error)
	Destroy(ctx context.Context, id, kind string) error
	Describe(ctx context.Context, id, kind string) (map[string]any, error)
}
