package ir

// Provider kinds understood by the orchestrator. Every resource declares
// exactly one kind; the kind selects the provider-side implementation and
// the update-vs-replace policy.
const (
	KindNetwork        = "network"
	KindSecurityPolicy = "security-policy"
	KindIdentityRole   = "identity-role"
	KindRegistry       = "registry"
	KindComputeService = "compute-service"
)

// ValidKind reports whether kind is one of the known provider kinds.
func ValidKind(kind string) bool {
	switch kind {
	case KindNetwork, KindSecurityPolicy, KindIdentityRole, KindRegistry, KindComputeService:
		return true
	}
	return false
}

// Resource represents a single declared resource.
type Resource struct {
	Kind       string         `pkl:"kind"` // e.g. "network", "compute-service"
	Name       string         `pkl:"name"`
	Provider   string         `pkl:"provider"`
	Lifecycle  *Lifecycle     `pkl:"lifecycle"`
	DependsOn  []string       `pkl:"dependsOn"`
	Count      int            `pkl:"count"`
	ForEach    map[string]any `pkl:"forEach"`
	Attributes map[string]any `pkl:"attributes"` // literals or ref:// strings
}

// Addr returns the resource's address (kind.name), unique within a graph.
func (r *Resource) Addr() string {
	return r.Kind + "." + r.Name
}

type Lifecycle struct {
	PreventDestroy bool     `pkl:"preventDestroy"`
	IgnoreChanges  []string `pkl:"ignoreChanges"`
}
