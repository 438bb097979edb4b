package viewsync

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/jrife/viewsync/storage/kv"
	"github.com/jrife/viewsync/storage/kv/keys"
	"github.com/jrife/viewsync/viewsync/model"
)

var _ model.ViewSet = (*viewRegistry)(nil)

// viewRegistry holds the registered view definitions. Definitions
// are persisted so that views survive restarts, and cached in
// memory for the hot paths that consult them on every mutation.
type viewRegistry struct {
	mu        sync.RWMutex
	store     kv.Store
	partition kv.Partition
	defs      map[string]model.ViewDefinition
}

func newViewRegistry(store kv.Store) (*viewRegistry, error) {
	partition := store.Partition(model.PartitionViewDefs)

	if err := partition.Create(); err != nil {
		return nil, fmt.Errorf("could not create view definitions partition: %s", err.Error())
	}

	registry := &viewRegistry{
		store:     store,
		partition: partition,
		defs:      map[string]model.ViewDefinition{},
	}

	if err := registry.load(); err != nil {
		return nil, err
	}

	return registry, nil
}

func (registry *viewRegistry) load() error {
	return kv.View(registry.partition, func(txn kv.Transaction) error {
		iter, err := txn.Keys(keys.All(), kv.SortOrderAsc)

		if err != nil {
			return err
		}

		kvs, err := kv.Keys(iter, -1)

		if err != nil {
			return err
		}

		for _, pair := range kvs {
			def, err := model.UnmarshalViewDefinition(pair[1])

			if err != nil {
				return fmt.Errorf("could not decode view definition %s: %s", pair[0], err.Error())
			}

			registry.defs[def.Name] = def
		}

		return nil
	})
}

// Register persists a view definition and creates its view table
// partition. Registering a definition identical to the existing one
// is a no-op; registering a conflicting definition under the same
// name fails with ErrConfigConflict. Returns true if the view is
// new and needs a backfill.
func (registry *viewRegistry) Register(def model.ViewDefinition) (bool, error) {
	if def.Name == "" {
		return false, fmt.Errorf("view name must not be empty")
	}

	if strings.IndexByte(def.Name, 0) >= 0 {
		return false, fmt.Errorf("view name must not contain zero bytes")
	}

	if len(def.KeyFields) == 0 {
		return false, fmt.Errorf("view %s must declare at least one key field", def.Name)
	}

	registry.mu.Lock()
	defer registry.mu.Unlock()

	if existing, ok := registry.defs[def.Name]; ok {
		if !existing.Compatible(def) {
			return false, fmt.Errorf("%w: view %s is already registered with a different definition", ErrConfigConflict, def.Name)
		}

		return false, nil
	}

	if err := registry.store.Partition(model.ViewPartition(def.Name)).Create(); err != nil {
		return false, fmt.Errorf("could not create view partition for %s: %s", def.Name, err.Error())
	}

	data, err := model.MarshalViewDefinition(def)

	if err != nil {
		return false, err
	}

	err = kv.Update(registry.partition, func(txn kv.Transaction) error {
		return txn.Put(keys.Key(def.Name), data)
	})

	if err != nil {
		return false, fmt.Errorf("could not persist view definition %s: %s", def.Name, err.Error())
	}

	registry.defs[def.Name] = def

	return true, nil
}

// Views implements ViewSet.Views
func (registry *viewRegistry) Views() []model.ViewDefinition {
	registry.mu.RLock()
	defer registry.mu.RUnlock()

	views := make([]model.ViewDefinition, 0, len(registry.defs))

	for _, def := range registry.defs {
		views = append(views, def)
	}

	sort.Slice(views, func(i, j int) bool { return views[i].Name < views[j].Name })

	return views
}

// View implements ViewSet.View
func (registry *viewRegistry) View(name string) (model.ViewDefinition, bool) {
	registry.mu.RLock()
	defer registry.mu.RUnlock()

	def, ok := registry.defs[name]

	return def, ok
}
