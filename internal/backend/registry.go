package backend

import (
	"fmt"
	"sort"
	"sync"

	"github.com/xinfuwcx/deepcad-rtengine/internal/model"
)

// BackendInfo pairs a backend name with its capabilities.
type BackendInfo struct {
	Name         string       `json:"name"`
	Capabilities Capabilities `json:"capabilities"`
}

// Registry holds registered backends and resolves which one serves a task
// kind. When several backends serve the same kind the most recently
// registered one wins.
type Registry struct {
	mu       sync.RWMutex
	backends map[string]Backend
	byKind   map[model.Kind]string
}

// NewRegistry creates an empty backend registry.
func NewRegistry() *Registry {
	return &Registry{
		backends: make(map[string]Backend),
		byKind:   make(map[model.Kind]string),
	}
}

// Register adds a backend to the registry under the given name.
func (r *Registry) Register(name string, b Backend) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[name] = b
	for _, k := range b.Capabilities().Kinds {
		r.byKind[k] = name
	}
}

// Resolve returns the backend serving the given kind.
func (r *Registry) Resolve(kind model.Kind) (Backend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	name, ok := r.byKind[kind]
	if !ok {
		return nil, fmt.Errorf("no backend registered for kind %q", kind)
	}
	return r.backends[name], nil
}

// Supports reports whether some registered backend serves the kind.
func (r *Registry) Supports(kind model.Kind) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byKind[kind]
	return ok
}

// List returns information about all registered backends, sorted by name
// for a stable API response.
func (r *Registry) List() []BackendInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]BackendInfo, 0, len(r.backends))
	for name, b := range r.backends {
		infos = append(infos, BackendInfo{
			Name:         name,
			Capabilities: b.Capabilities(),
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Name < infos[j].Name
	})
	return infos
}
