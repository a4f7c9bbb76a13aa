package state

import (
	"context"
	"sync"

	"github.com/terrapin-io/terrapin/internal/ir"
)

// MemStore is an in-memory Store used by tests and dry runs.
type MemStore struct {
	mu    sync.Mutex
	state *ir.State
}

func NewMemStore() *MemStore {
	return &MemStore{
		state: &ir.State{Version: 1},
	}
}

// Seed replaces the held snapshot.
func (m *MemStore) Seed(s *ir.State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = s
}

func (m *MemStore) Load(ctx context.Context) (*ir.State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return cloneState(m.state), nil
}

func (m *MemStore) Commit(ctx context.Context, entry *ir.ResourceState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	upsert(m.state, entry)
	m.state.Serial++
	return nil
}

func (m *MemStore) Remove(ctx context.Context, addr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	remove(m.state, addr)
	m.state.Serial++
	return nil
}

func (m *MemStore) CommitOutputs(ctx context.Context, outputs map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.Outputs = outputs
	return nil
}

func (m *MemStore) Lock() error   { return nil }
func (m *MemStore) Unlock() error { return nil }

func upsert(s *ir.State, entry *ir.ResourceState) {
	for i, rs := range s.Resources {
		if rs.Addr() == entry.Addr() {
			s.Resources[i] = entry
			return
		}
	}
	s.Resources = append(s.Resources, entry)
}

func remove(s *ir.State, addr string) {
	for i, rs := range s.Resources {
		if rs.Addr() == addr {
			s.Resources = append(s.Resources[:i], s.Resources[i+1:]...)
			return
		}
	}
}

func cloneState(s *ir.State) *ir.State {
	clone := &ir.State{
		Version: s.Version,
		Serial:  s.Serial,
		Lineage: s.Lineage,
		Outputs: s.Outputs,
	}
	clone.Resources = make([]*ir.ResourceState, len(s.Resources))
	copy(clone.Resources, s.Resources)
	return clone
}
