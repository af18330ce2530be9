package breaker

import "sync"

type key struct {
	endpoint string
	class    Class
}

// Registry holds one breaker per (endpoint, operation class), created
// lazily with a shared config.
type Registry struct {
	mu       sync.Mutex
	cfg      Config
	breakers map[key]*Breaker
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg Config) *Registry {
	return &Registry{
		cfg:      cfg.withDefaults(),
		breakers: make(map[key]*Breaker),
	}
}

// Get returns the breaker for (endpoint, class), creating it on first use.
func (r *Registry) Get(endpoint string, class Class) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := key{endpoint: endpoint, class: class}
	b, ok := r.breakers[k]
	if !ok {
		b = New(r.cfg)
		r.breakers[k] = b
	}
	return b
}

// Allow is shorthand for Get(endpoint, class).Allow().
func (r *Registry) Allow(endpoint string, class Class) bool {
	return r.Get(endpoint, class).Allow()
}

// RecordSuccess is shorthand for Get(endpoint, class).RecordSuccess().
func (r *Registry) RecordSuccess(endpoint string, class Class) {
	r.Get(endpoint, class).RecordSuccess()
}

// RecordFailure is shorthand for Get(endpoint, class).RecordFailure().
func (r *Registry) RecordFailure(endpoint string, class Class) {
	r.Get(endpoint, class).RecordFailure()
}
