package compute

import (
	"fmt"
	"sort"
	"sync"
)

// Registry holds registered provisioners keyed by kind.
type Registry struct {
	mu           sync.RWMutex
	provisioners map[string]Provisioner
}

// NewRegistry creates an empty provisioner registry.
func NewRegistry() *Registry {
	return &Registry{
		provisioners: make(map[string]Provisioner),
	}
}

// Register adds a provisioner to the registry under its kind.
func (r *Registry) Register(p Provisioner) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.provisioners[p.Kind()] = p
}

// Resolve returns the provisioner for the given kind.
func (r *Registry) Resolve(kind string) (Provisioner, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.provisioners[kind]
	if !ok {
		return nil, fmt.Errorf("provisioner %q is not registered", kind)
	}
	return p, nil
}

// Kinds returns the registered provisioner kinds, sorted for a stable API
// response.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]string, 0, len(r.provisioners))
	for kind := range r.provisioners {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return kinds
}
