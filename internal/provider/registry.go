package provider

import (
	"fmt"
	"sync"

	"github.com/terrapin-io/terrapin/providers/aws"
	"github.com/terrapin-io/terrapin/providers/docker"
	"github.com/terrapin-io/terrapin/providers/mem"
)

// Registry manages the lifecycle of providers.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Interface
}

func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]Interface),
	}
}

// LoadProvider initializes and registers a built-in provider by name.
// Loading the same name twice is a no-op.
func (r *Registry) LoadProvider(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.providers[name]; exists {
		return nil
	}

	var p Interface
	switch name {
	case "mem":
		p = mem.New()
	case "aws":
		p = aws.New()
	case "docker":
		p = docker.New()
	default:
		return fmt.Errorf("unknown provider: %s", name)
	}

	r.providers[name] = p
	return nil
}

// Register installs a pre-built provider under the given name, replacing
// any existing registration. Tests use this to inject fakes.
func (r *Registry) Register(name string, p Interface) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[name] = p
}

// Get returns a registered provider.
func (r *Registry) Get(name string) (Interface, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("provider not loaded: %s", name)
	}
	return p, nil
}
