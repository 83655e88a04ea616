package engine

import (
	"fmt"
	"sync"
)

// Registry hands out engine instances by purpose so the service loop, the
// config watcher and the signal handler share one engine without a
// package-level singleton. First registration wins; a purpose is never
// silently replaced.
type Registry struct {
	mu      sync.Mutex
	engines map[string]*Engine
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{engines: make(map[string]*Engine)}
}

// Register binds e to purpose. Registering an already-bound purpose is an
// error.
func (r *Registry) Register(purpose string, e *Engine) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.engines[purpose]; exists {
		return fmt.Errorf("engine already registered for %q", purpose)
	}
	r.engines[purpose] = e
	return nil
}

// Get returns the engine bound to purpose, if any.
func (r *Registry) Get(purpose string) (*Engine, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.engines[purpose]
	return e, ok
}
