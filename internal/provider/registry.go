package provider

import (
	"context"
	"fmt"
	"sync"
)

// Selector resolves the Generator for a backend tag. An empty tag selects the
// deployment default. Implementations must be safe for concurrent use.
type Selector interface {
	Generator(ctx context.Context, backend Backend) (Generator, error)
}

// Registry is a Selector that constructs generators lazily from per-backend
// configuration and caches them, so a query may name a backend other than the
// deployment default without paying the construction cost on every request.
type Registry struct {
	def     Backend
	configs func(Backend) (*Config, bool)

	mu    sync.Mutex
	cache map[Backend]Generator
}

// NewRegistry constructs a Registry. def is the backend used when a request
// names none; configs returns the configuration for a backend tag, reporting
// false for tags it does not know.
func NewRegistry(def Backend, configs func(Backend) (*Config, bool)) *Registry {
	return &Registry{
		def:     def,
		configs: configs,
		cache:   make(map[Backend]Generator),
	}
}

// Generator returns the cached Generator for the backend, constructing it on
// first use. Unknown tags fail with ErrUnknownBackend.
func (r *Registry) Generator(ctx context.Context, backend Backend) (Generator, error) {
	if backend == "" {
		backend = r.def
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if g, ok := r.cache[backend]; ok {
		return g, nil
	}

	cfg, ok := r.configs(backend)
	if !ok || cfg == nil {
		return nil, fmt.Errorf("%w %q", ErrUnknownBackend, backend)
	}
	g, err := New(ctx, cfg)
	if err != nil {
		return nil, err
	}
	r.cache[backend] = g
	return g, nil
}

// single serves one pre-built Generator for a fixed backend tag.
type single struct {
	backend Backend
	gen     Generator
}

// Single adapts a pre-built Generator into a Selector that serves only the
// given backend tag (and the empty default). Requests naming any other
// backend fail with ErrUnknownBackend.
func Single(backend Backend, gen Generator) Selector {
	return &single{backend: backend, gen: gen}
}

func (s *single) Generator(_ context.Context, backend Backend) (Generator, error) {
	if backend == "" || backend == s.backend {
		return s.gen, nil
	}
	return nil, fmt.Errorf("%w %q", ErrUnknownBackend, backend)
}
