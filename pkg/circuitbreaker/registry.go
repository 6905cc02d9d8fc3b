package circuitbreaker

import "sync"

// Registry manages one breaker per keyed resource (backend type, callback
// host). Breakers are created lazily on first access and share a config.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	config   Config
}

// NewRegistry creates a new registry with the given default config.
func NewRegistry(cfg Config) *Registry {
	return &Registry{
		breakers: make(map[string]*Breaker),
		config:   cfg.withDefaults(),
	}
}

// Get returns the circuit breaker for a key, creating one if needed.
func (r *Registry) Get(key string) *Breaker {
	r.mu.RLock()
	b, exists := r.breakers[key]
	r.mu.RUnlock()
	if exists {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// Re-check under the write lock.
	if b, exists = r.breakers[key]; exists {
		return b
	}
	b = New(r.config)
	r.breakers[key] = b
	return b
}

// Stats holds per-state breaker counts.
type Stats struct {
	Total    int
	Open     int
	HalfOpen int
	Closed   int
}

// Stats counts breakers by state.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := Stats{Total: len(r.breakers)}
	for _, b := range r.breakers {
		switch b.State() {
		case Open:
			stats.Open++
		case HalfOpen:
			stats.HalfOpen++
		case Closed:
			stats.Closed++
		}
	}
	return stats
}

// Reset returns every breaker in the registry to closed.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, b := range r.breakers {
		b.Reset()
	}
}
