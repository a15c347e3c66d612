package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Registry maps backend names to their builders.
type Registry struct {
	mu       sync.RWMutex
	builders map[string]Builder
}

// DefaultRegistry is the global store registry.
var DefaultRegistry = NewRegistry()

// NewRegistry creates an empty store registry.
func NewRegistry() *Registry {
	return &Registry{builders: make(map[string]Builder)}
}

// Register adds a backend builder. The name should match the StoreBackend
// config value (e.g. "file", "sqlite").
func (r *Registry) Register(name string, builder Builder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.builders[strings.ToLower(name)] = builder
}

// Build opens the backend selected by cfg.GetStoreBackend().
func (r *Registry) Build(ctx context.Context, cfg Config) (Log, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	name := strings.ToLower(cfg.GetStoreBackend())

	r.mu.RLock()
	builder, ok := r.builders[name]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown store backend: %q (registered: %v)", name, r.Names())
	}
	return builder(ctx, cfg)
}

// Names returns the registered backend names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.builders))
	for name := range r.builders {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Has returns true if a backend is registered with the given name.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.builders[strings.ToLower(name)]
	return ok
}

// Register adds a backend builder to the default registry.
func Register(name string, builder Builder) {
	DefaultRegistry.Register(name, builder)
}

// Build opens a backend using the default registry.
func Build(ctx context.Context, cfg Config) (Log, error) {
	return DefaultRegistry.Build(ctx, cfg)
}
