package exercise

import (
	"sync"

	"github.com/mindrill/mindrill/errs"
)

// Factory constructs a module instance from exercise-specific options.
type Factory func(opts map[string]any) (Module, error)

// Registry maintains exercise factories keyed by type identifier.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty exercise registry.
func NewRegistry() *Registry {
	return &Registry{
		mu:        sync.RWMutex{},
		factories: make(map[string]Factory),
	}
}

// Register registers a factory for the given exercise type.
func (r *Registry) Register(typ string, factory Factory) {
	if factory == nil {
		panic("exercise factory required")
	}
	r.mu.Lock()
	r.factories[typ] = factory
	r.mu.Unlock()
}

// Create instantiates the exercise registered under typ.
func (r *Registry) Create(typ string, opts map[string]any) (Module, error) {
	r.mu.RLock()
	factory, ok := r.factories[typ]
	r.mu.RUnlock()
	if !ok {
		return nil, errs.New("exercise", errs.CodeNotFound,
			errs.WithMessage("exercise type not registered: "+typ))
	}
	return factory(opts)
}

// Types lists the registered exercise identifiers.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.factories))
	for typ := range r.factories {
		types = append(types, typ)
	}
	return types
}
