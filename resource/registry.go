package resource

import (
	"sync"

	"github.com/lattice-orm/lattice/errs"
)

// Registry manages resource definitions and their compiled descriptors.
// Definitions are registered up front; descriptors are compiled on first use
// and cached for the process lifetime. Compilation is a pure function of the
// registered input, so a redundant recompilation under a first-use race is
// idempotent.
type Registry struct {
	mu          sync.RWMutex
	definitions map[string]*Definition
	descriptors map[string]*Descriptor
	enrichers   []Enricher
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		definitions: make(map[string]*Definition),
		descriptors: make(map[string]*Descriptor),
	}
}

// AddEnricher appends a registry-level schema transform. Enrichers run in
// registration order on every compile, before per-definition enrichers.
// They must be added before the first descriptor is compiled.
func (r *Registry) AddEnricher(enrich Enricher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enrichers = append(r.enrichers, enrich)
}

// Register stores a raw definition. Compilation stays lazy; only duplicate
// names are rejected here.
func (r *Registry) Register(def *Definition) error {
	if def == nil || def.Name == "" {
		return errs.Configuration("resource definition has no name")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.definitions[def.Name]; exists {
		return errs.Configuration("resource %s is already registered", def.Name)
	}
	r.definitions[def.Name] = def
	return nil
}

// Descriptor returns the compiled descriptor for a type, compiling and
// caching it on first use.
func (r *Registry) Descriptor(name string) (*Descriptor, error) {
	r.mu.RLock()
	if desc, ok := r.descriptors[name]; ok {
		r.mu.RUnlock()
		return desc, nil
	}
	def, ok := r.definitions[name]
	enrichers := r.enrichers
	r.mu.RUnlock()

	if !ok {
		return nil, errs.Configuration("unknown resource type %q", name)
	}

	desc, err := Compile(def, enrichers)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	// Another request may have compiled concurrently; both results are
	// equivalent, keep the first.
	if cached, ok := r.descriptors[name]; ok {
		desc = cached
	} else {
		r.descriptors[name] = desc
	}
	r.mu.Unlock()

	return desc, nil
}

// Exists reports whether a type is registered.
func (r *Registry) Exists(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.definitions[name]
	return ok
}

// Types returns the registered type names.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.definitions))
	for name := range r.definitions {
		names = append(names, name)
	}
	return names
}

// ValidateAll compiles every registered type and checks the relationship
// graph for dangling targets. Call it after registration to surface
// configuration errors before serving requests.
func (r *Registry) ValidateAll() error {
	descs := make(map[string]*Descriptor)
	for _, name := range r.Types() {
		desc, err := r.Descriptor(name)
		if err != nil {
			return err
		}
		descs[name] = desc
	}
	return NewGraph(descs).Validate()
}
