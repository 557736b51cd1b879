package source

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/airweave/airweave/pkg/models"
)

// Registration pairs a source's declarative metadata with its factory.
type Registration struct {
	Metadata Metadata
	Factory  Factory
}

// Registry maps short names to source registrations. Thread-safe.
type Registry struct {
	mu      sync.RWMutex
	sources map[string]Registration
}

// NewRegistry creates an empty source registry.
func NewRegistry() *Registry {
	return &Registry{sources: make(map[string]Registration)}
}

// Register adds a source under its short name. Overwrites if exists.
func (r *Registry) Register(reg Registration) {
	r.mu.Lock()
	r.sources[reg.Metadata.ShortName] = reg
	r.mu.Unlock()
	log.Info().
		Str("short_name", reg.Metadata.ShortName).
		Bool("federated", reg.Metadata.FederatedSearch).
		Bool("continuous", reg.Metadata.SupportsContinuous).
		Msg("Source registered")
}

// Get returns the registration for a short name, or a not-found error.
func (r *Registry) Get(shortName string) (Registration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.sources[shortName]
	if !ok {
		return Registration{}, models.NotFound("source", shortName)
	}
	return reg, nil
}

// List returns all registered short names.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.sources))
	for name := range r.sources {
		names = append(names, name)
	}
	return names
}

// Create instantiates the driver for a short name.
func (r *Registry) Create(ctx context.Context, shortName string, credentials, config map[string]any, c *Collaborators) (Source, error) {
	reg, err := r.Get(shortName)
	if err != nil {
		return nil, err
	}
	return reg.Factory(ctx, credentials, config, c)
}
