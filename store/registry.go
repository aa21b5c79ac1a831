package store

import (
	"fmt"
	"sort"
	"sync"

	"github.com/maxpert/driftmap/cfg"
)

// BackendFactory creates a backend from configuration.
type BackendFactory func(cfg.StoreConfiguration) (MapStore, error)

var (
	backendFactories = make(map[cfg.StoreType]BackendFactory)
	factoryMu        sync.RWMutex
)

func init() {
	RegisterBackend(cfg.StoreMemory, func(cfg.StoreConfiguration) (MapStore, error) {
		return NewMemoryStore(), nil
	})
}

// RegisterBackend registers a backend factory for a store type. Backend
// packages call this from init.
func RegisterBackend(storeType cfg.StoreType, factory BackendFactory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	backendFactories[storeType] = factory
}

// NewBackend creates the backend configured by config.Type.
func NewBackend(config cfg.StoreConfiguration) (MapStore, error) {
	factoryMu.RLock()
	factory, exists := backendFactories[config.Type]
	factoryMu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unknown store type: %s (registered: %v)", config.Type, RegisteredBackends())
	}
	return factory(config)
}

// RegisteredBackends lists registered store types.
func RegisteredBackends() []string {
	factoryMu.RLock()
	defer factoryMu.RUnlock()
	out := make([]string, 0, len(backendFactories))
	for t := range backendFactories {
		out = append(out, string(t))
	}
	sort.Strings(out)
	return out
}
