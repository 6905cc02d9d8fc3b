package backend

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/khurtado/reana-job-controller/internal/job"
)

// ErrBackendExists is returned when registering a duplicate backend.
var ErrBackendExists = errors.New("backend already registered")

// Registry holds the adapters enabled for this deployment.
type Registry struct {
	mu       sync.RWMutex
	adapters map[job.BackendType]Adapter
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[job.BackendType]Adapter)}
}

// Register adds an adapter. Registering the same backend type twice is a bug.
func (r *Registry) Register(a Adapter) error {
	if a == nil {
		return fmt.Errorf("adapter is nil")
	}
	bt := a.Type()
	if !bt.Valid() {
		return fmt.Errorf("invalid backend type %q", bt)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.adapters[bt]; exists {
		return fmt.Errorf("%w: %s", ErrBackendExists, bt)
	}
	r.adapters[bt] = a
	return nil
}

// Get retrieves the adapter for a backend type.
func (r *Registry) Get(bt job.BackendType) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[bt]
	return a, ok
}

// List returns all registered adapters.
func (r *Registry) List() []Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Adapter, 0, len(r.adapters))
	for _, a := range r.adapters {
		out = append(out, a)
	}
	return out
}

// Names returns registered backend types sorted for deterministic output.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.adapters))
	for bt := range r.adapters {
		out = append(out, string(bt))
	}
	sort.Strings(out)
	return out
}
