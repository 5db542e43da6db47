package schema

import (
	"sort"
	"sync"

	"github.com/cockroachdb/errors"
)

// Registry is the in-memory catalog of declared tables. Models are
// registered during application bootstrap and are read-only afterwards.
type Registry struct {
	mu     sync.RWMutex
	models map[string]*Model
}

// NewRegistry returns an empty model registry.
func NewRegistry() *Registry {
	return &Registry{models: make(map[string]*Model)}
}

// Extend registers a table. Registering the same name twice is an error;
// models are frozen once any operation runs.
func (r *Registry) Extend(name string, fields map[string]*Field, opts Options) (*Model, error) {
	model, err := newModel(name, fields, opts)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.models[name] != nil {
		return nil, errors.Newf("table %s is already registered", name)
	}
	r.models[name] = model
	return model, nil
}

// Get returns the model for name, or nil.
func (r *Registry) Get(name string) *Model {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.models[name]
}

// Names returns the registered table names in stable order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.models))
	for name := range r.models {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Tables returns an alias map containing every registered model keyed by
// its own name, suitable for a single-table selection.
func (r *Registry) Tables() map[string]*Model {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tables := make(map[string]*Model, len(r.models))
	for name, model := range r.models {
		tables[name] = model
	}
	return tables
}

// Remove drops a model from the registry. Teardown only.
func (r *Registry) Remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.models, name)
}
