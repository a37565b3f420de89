package store

import (
	"fmt"
	"slices"
	"strings"

	binarycache "github.com/wolfeidau/binary-cache"
)

// Registry maps storage backend names to chunk stores. Chunk rows record
// the backend name they were written to, so reads and deletes resolve the
// store through here.
type Registry struct {
	stores      map[string]Store
	defaultName string
}

// NewRegistry creates a registry. defaultName must be one of the stores.
func NewRegistry(defaultName string, stores map[string]Store) (*Registry, error) {
	if len(stores) == 0 {
		return nil, fmt.Errorf("no storage backends configured: %w", binarycache.ErrInvalid)
	}
	if _, ok := stores[defaultName]; !ok {
		return nil, fmt.Errorf("default storage %q is not configured: %w", defaultName, binarycache.ErrInvalid)
	}
	return &Registry{stores: stores, defaultName: defaultName}, nil
}

// Get returns the named store. The empty name selects the default.
func (r *Registry) Get(name string) (Store, error) {
	if name == "" {
		name = r.defaultName
	}
	s, ok := r.stores[name]
	if !ok {
		return nil, fmt.Errorf("storage backend %q (known: %s): %w", name, strings.Join(r.Names(), ", "), binarycache.ErrInvalid)
	}
	return s, nil
}

// Default returns the name of the default store.
func (r *Registry) Default() string {
	return r.defaultName
}

// Resolve returns name if it is configured, or the default name when empty.
func (r *Registry) Resolve(name string) (string, error) {
	if name == "" {
		return r.defaultName, nil
	}
	if _, err := r.Get(name); err != nil {
		return "", err
	}
	return name, nil
}

// Names returns the configured store names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.stores))
	for name := range r.stores {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
