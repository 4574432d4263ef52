package pointerindex

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/gezibash/git-lfs-walrus/internal/observability"
	"github.com/gezibash/git-lfs-walrus/internal/storage"
)

// Factory creates a store from a configuration map.
type Factory func(ctx context.Context, config map[string]string) (Store, error)

// DefaultsFunc returns the default configuration for a store.
type DefaultsFunc func() map[string]string

type storeEntry struct {
	Factory  Factory
	Defaults DefaultsFunc
}

var (
	stores   = make(map[string]storeEntry)
	storesMu sync.RWMutex
)

// Register registers a store factory with the given name.
// Panics if a store with the same name is already registered.
func Register(name string, factory Factory, defaults DefaultsFunc) {
	storesMu.Lock()
	defer storesMu.Unlock()

	if _, exists := stores[name]; exists {
		panic(fmt.Sprintf("pointerindex store %q already registered", name))
	}
	stores[name] = storeEntry{Factory: factory, Defaults: defaults}
}

// GetDefaults returns the default configuration for a store.
func GetDefaults(name string) map[string]string {
	storesMu.RLock()
	defer storesMu.RUnlock()

	entry, ok := stores[name]
	if !ok || entry.Defaults == nil {
		return nil
	}
	return entry.Defaults()
}

// ListStores returns the names of all registered stores.
func ListStores() []string {
	storesMu.RLock()
	defer storesMu.RUnlock()

	names := make([]string, 0, len(stores))
	for name := range stores {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Open creates a store by name with the given configuration.
func Open(ctx context.Context, name string, config map[string]string, metrics *observability.Metrics) (store Store, err error) {
	op, ctx := observability.StartOperation(ctx, metrics, "pointerindex.open")
	defer func() { op.End(err) }()

	storesMu.RLock()
	entry, ok := stores[name]
	storesMu.RUnlock()

	if !ok {
		return nil, storage.NewConfigError(name, "", fmt.Sprintf("unknown pointer index store %q (available: %v)", name, ListStores()))
	}

	var defaults map[string]string
	if entry.Defaults != nil {
		defaults = entry.Defaults()
	}

	store, err = entry.Factory(ctx, storage.MergeConfig(defaults, config))
	if err != nil {
		return nil, storage.Wrap(name, err)
	}

	slog.DebugContext(ctx, "pointer index opened", "store", name)
	return store, nil
}

// IsRegistered returns true if a store with the given name is registered.
func IsRegistered(name string) bool {
	storesMu.RLock()
	defer storesMu.RUnlock()
	_, ok := stores[name]
	return ok
}
