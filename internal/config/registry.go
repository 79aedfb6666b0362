package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/civicsight/pkg/provider/clip"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps provider names to their constructor functions for each
// provider type. It is safe for concurrent use.
type Registry struct {
	mu   sync.RWMutex
	clip map[string]func(ProviderEntry) (clip.Provider, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		clip: make(map[string]func(ProviderEntry) (clip.Provider, error)),
	}
}

// RegisterCLIP registers a CLIP provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterCLIP(name string, factory func(ProviderEntry) (clip.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clip[name] = factory
}

// CreateCLIP instantiates a CLIP provider using the factory registered under entry.Name.
// Returns [ErrProviderNotRegistered] if no factory has been registered for that name.
func (r *Registry) CreateCLIP(entry ProviderEntry) (clip.Provider, error) {
	r.mu.RLock()
	factory, ok := r.clip[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: clip/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CLIPNames returns the registered CLIP provider names, sorted.
func (r *Registry) CLIPNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.clip))
	for n := range r.clip {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}
