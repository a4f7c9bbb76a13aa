package ir

// State represents the last-applied snapshot of all resources.
type State struct {
	Version   int              `pkl:"version"`
	Serial    int              `pkl:"serial"`
	Lineage   string           `pkl:"lineage"`
	Resources []*ResourceState `pkl:"resources"`
	Outputs   map[string]any   `pkl:"outputs"`
}

// ResourceState is the persisted snapshot of one resource: its identity,
// last-applied attributes and the provider-assigned identifier/outputs.
type ResourceState struct {
	Kind           string         `pkl:"kind"`
	Name           string         `pkl:"name"`
	Provider       string         `pkl:"provider"`
	ID             string         `pkl:"id"` // provider-assigned identifier
	Attributes     map[string]any `pkl:"attributes"`
	AttributesHash string         `pkl:"attributesHash"`
	Outputs        map[string]any `pkl:"outputs"`
	Dependencies   []string       `pkl:"dependencies"`
}

// Addr returns the state entry's resource address (kind.name).
func (rs *ResourceState) Addr() string {
	return rs.Kind + "." + rs.Name
}

// Entry returns the state entry for addr, or nil if none exists.
func (s *State) Entry(addr string) *ResourceState {
	for _, rs := range s.Resources {
		if rs.Addr() == addr {
			return rs
		}
	}
	return nil
}
