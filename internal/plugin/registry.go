package plugin

import (
	"fmt"
	"slices"
	"sync"
)

// Factory constructs a plugin. Factories run once per module construction.
type Factory func() (Plugin, error)

// LoadFailure records a plugin that was skipped during composition.
type LoadFailure struct {
	Name string
	Err  error
}

// Registry is the compile-time list of plugins available to a module.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates a new empty plugin registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory under name.
// Returns an error if the name is empty or already registered.
func (r *Registry) Register(name string, f Factory) error {
	if name == "" {
		return fmt.Errorf("plugin name is required")
	}
	if f == nil {
		return fmt.Errorf("cannot register nil factory for plugin %s", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[name]; exists {
		return fmt.Errorf("plugin %s already registered", name)
	}
	r.factories[name] = f
	return nil
}

// MustRegister is Register for package-level registration, panicking on error.
func (r *Registry) MustRegister(name string, f Factory) {
	if err := r.Register(name, f); err != nil {
		panic(err)
	}
}

// Names returns the registered names in composition order (lexical).
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Has checks if a plugin with the given name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[name]
	return ok
}

// Count returns the number of registered plugins.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.factories)
}

// Compose constructs every registered plugin not listed in exclude, in
// lexical order. A factory that fails, panics or returns invalid metadata is
// reported in the failures and skipped; composition always continues.
func (r *Registry) Compose(exclude ...string) ([]Plugin, []LoadFailure) {
	var (
		plugins  []Plugin
		failures []LoadFailure
	)
	for _, name := range r.Names() {
		if slices.Contains(exclude, name) {
			continue
		}
		r.mu.RLock()
		factory := r.factories[name]
		r.mu.RUnlock()

		p, err := build(factory)
		if err == nil {
			err = p.Metadata().Validate()
		}
		if err != nil {
			failures = append(failures, LoadFailure{Name: name, Err: err})
			continue
		}
		plugins = append(plugins, p)
	}
	return plugins, failures
}

func build(factory Factory) (p Plugin, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("plugin factory panicked: %v", r)
		}
	}()
	p, err = factory()
	if err == nil && p == nil {
		err = fmt.Errorf("plugin factory returned nil")
	}
	return p, err
}
