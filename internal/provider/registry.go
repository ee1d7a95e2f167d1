package provider

import (
	"errors"
	"fmt"
	"sync"
)

// ErrUnknownBackend indicates the requested backend is not registered.
var ErrUnknownBackend = errors.New("unknown backend")

// ErrDuplicateBackend indicates an attempt to register the same backend twice.
var ErrDuplicateBackend = errors.New("backend already registered")

// Registry maintains the configured backends in priority order.
type Registry struct {
	mu     sync.RWMutex
	order  []string
	byName map[string]Backend
}

// NewRegistry constructs an empty backend registry.
func NewRegistry() *Registry {
	return &Registry{
		byName: make(map[string]Backend),
	}
}

// Register appends the backend at the lowest priority.
func (r *Registry) Register(b Backend) error {
	if b == nil {
		return errors.New("backend must not be nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byName[b.Name()]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateBackend, b.Name())
	}
	r.byName[b.Name()] = b
	r.order = append(r.order, b.Name())
	return nil
}

// SetPriority reorders backends. Names not listed keep their relative order
// after the listed ones.
func (r *Registry) SetPriority(names []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[string]bool, len(names))
	order := make([]string, 0, len(r.order))
	for _, name := range names {
		if _, ok := r.byName[name]; !ok {
			return fmt.Errorf("%w: %s", ErrUnknownBackend, name)
		}
		if seen[name] {
			continue
		}
		seen[name] = true
		order = append(order, name)
	}
	for _, name := range r.order {
		if !seen[name] {
			order = append(order, name)
		}
	}
	r.order = order
	return nil
}

// Lookup returns the backend registered under name.
func (r *Registry) Lookup(name string) (Backend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	b, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownBackend, name)
	}
	return b, nil
}

// Ordered returns the backends in priority order.
func (r *Registry) Ordered() []Backend {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Backend, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.byName[name])
	}
	return out
}

// Len reports the number of registered backends.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}
