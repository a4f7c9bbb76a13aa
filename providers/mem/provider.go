package mem

import (
	"context"
	"fmt"
	"sync"
)

// Provider is an in-memory provider used for tests and dry runs. IDs are
// deterministic, all calls are recorded in order, and failures can be
// injected per resource.
type Provider struct {
	mu        sync.Mutex
	seq       int
	resources map[string]*record // by id
	failures  map[string]error   // by "op kind.name" or "op id"
	calls     []Call
}

type record struct {
	kind  string
	name  string
	attrs map[string]any
}

// Call is one recorded provider invocation.
type Call struct {
	Op   string // "create", "update", "destroy", "describe"
	Kind string
	Name string
	ID   string
}

func New() *Provider {
	return &Provider{
		resources: make(map[string]*record),
		failures:  make(map[string]error),
	}
}

// FailOnCreate makes the next Create of kind.name fail with err.
func (p *Provider) FailOnCreate(addr string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures["create "+addr] = err
}

// FailOnUpdate makes Update of the given id fail with err.
func (p *Provider) FailOnUpdate(id string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures["update "+id] = err
}

// FailOnDestroy makes Destroy of the given id fail with err.
func (p *Provider) FailOnDestroy(id string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures["destroy "+id] = err
}

func (p *Provider) Create(ctx context.Context, kind, name string, attrs map[string]any) (map[string]any, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	addr := kind + "." + name
	p.calls = append(p.calls, Call{Op: "create", Kind: kind, Name: name})
	if err := p.failures["create "+addr]; err != nil {
		return nil, err
	}

	p.seq++
	id := fmt.Sprintf("mem-%s-%s-%d", kind, name, p.seq)
	p.resources[id] = &record{kind: kind, name: name, attrs: copyAttrs(attrs)}

	return p.outputs(id, kind, name, attrs), nil
}

func (p *Provider) Update(ctx context.Context, id, kind string, attrs map[string]any) (map[string]any, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	rec, ok := p.resources[id]
	if !ok {
		return nil, fmt.Errorf("resource not found: %s", id)
	}
	p.calls = append(p.calls, Call{Op: "update", Kind: kind, Name: rec.name, ID: id})
	if err := p.failures["update "+id]; err != nil {
		return nil, err
	}

	rec.attrs = copyAttrs(attrs)
	return p.outputs(id, kind, rec.name, attrs), nil
}

func (p *Provider) Destroy(ctx context.Context, id, kind string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	rec, ok := p.resources[id]
	name := ""
	if ok {
		name = rec.name
	}
	p.calls = append(p.calls, Call{Op: "destroy", Kind: kind, Name: name, ID: id})
	if err := p.failures["destroy "+id]; err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("resource not found: %s", id)
	}

	delete(p.resources, id)
	return nil
}

func (p *Provider) Describe(ctx context.Context, id, kind string) (map[string]any, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	rec, ok := p.resources[id]
	if !ok {
		return nil, fmt.Errorf("resource not found: %s", id)
	}
	p.calls = append(p.calls, Call{Op: "describe", Kind: kind, Name: rec.name, ID: id})
	return copyAttrs(rec.attrs), nil
}

// Exists reports whether a resource with the given id is held.
func (p *Provider) Exists(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.resources[id]
	return ok
}

// Len returns the number of live resources.
func (p *Provider) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.resources)
}

// Calls returns the recorded invocations in order.
func (p *Provider) Calls() []Call {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Call, len(p.calls))
	copy(out, p.calls)
	return out
}

// outputs echoes the attributes and synthesizes the per-kind computed
// outputs that real providers return, so reference propagation behaves
// like it would against a remote API.
func (p *Provider) outputs(id, kind, name string, attrs map[string]any) map[string]any {
	out := copyAttrs(attrs)
	out["id"] = id
	switch kind {
	case "identity-role":
		out["arn"] = "arn:mem:iam::role/" + name
	case "registry":
		out["url"] = "registry.mem.local/" + name
	case "compute-service":
		out["endpoint"] = "http://" + name + ".svc.mem.local"
	}
	return out
}

func copyAttrs(attrs map[string]any) map[string]any {
	out := make(map[string]any, len(attrs))
	for k, v := range attrs {
		out[k] = v
	}
	return out
}
