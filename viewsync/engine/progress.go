package engine

import (
	"context"
	"fmt"

	"github.com/jrife/viewsync/storage/kv"
	"github.com/jrife/viewsync/storage/kv/keys"
	"github.com/jrife/viewsync/viewsync/model"
)

func progressKey(entityKey string, viewName string) keys.Key {
	return keys.Join(keys.Key(entityKey), keys.Key(viewName))
}

// entityRange matches every pair key for the entity without also
// matching entities the key is a prefix of
func entityRange(entityKey string) keys.Range {
	return keys.All().Prefix(append(keys.Key(entityKey), 0))
}

// ProgressStore persists per-(entity, view) progress records in
// their own partition. The engine owns all writes; the reconciler
// and the consistency window reporter only read.
type ProgressStore struct {
	partition kv.Partition
}

// NewProgressStore creates the progress store on its partition
// within the store, creating the partition if it does not exist
func NewProgressStore(store kv.Store) (*ProgressStore, error) {
	partition := store.Partition(model.PartitionProgress)

	if err := partition.Create(); err != nil {
		return nil, fmt.Errorf("could not create progress partition: %s", err.Error())
	}

	return &ProgressStore{partition: partition}, nil
}

// Load reads the progress record for the pair. A pair that was
// never written returns a zero record carrying the keys.
func (store *ProgressStore) Load(ctx context.Context, entityKey string, viewName string) (model.ViewProgress, error) {
	if err := ctx.Err(); err != nil {
		return model.ViewProgress{}, err
	}

	progress := model.ViewProgress{EntityKey: entityKey, ViewName: viewName}

	err := kv.View(store.partition, func(txn kv.Transaction) error {
		data, err := txn.Get(progressKey(entityKey, viewName))

		if err != nil {
			return err
		}

		if data == nil {
			return nil
		}

		p, err := model.UnmarshalProgress(data)

		if err != nil {
			return err
		}

		progress = p

		return nil
	})

	if err != nil {
		return model.ViewProgress{}, fmt.Errorf("could not load progress: %w", err)
	}

	return progress, nil
}

// Save writes the progress record for its pair. Seq must never
// move backwards: a view is never ahead of the journal and its
// recorded progress never retreats.
func (store *ProgressStore) Save(ctx context.Context, progress model.ViewProgress) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := kv.Update(store.partition, func(txn kv.Transaction) error {
		existing, err := txn.Get(progressKey(progress.EntityKey, progress.ViewName))

		if err != nil {
			return err
		}

		if existing != nil {
			current, err := model.UnmarshalProgress(existing)

			if err != nil {
				return err
			}

			if progress.Seq < current.Seq {
				return fmt.Errorf("consistency violation: progress for (%s, %s) would retreat from %d to %d",
					progress.EntityKey, progress.ViewName, current.Seq, progress.Seq)
			}
		}

		data, err := model.MarshalProgress(progress)

		if err != nil {
			return err
		}

		return txn.Put(progressKey(progress.EntityKey, progress.ViewName), data)
	})

	if err != nil {
		return fmt.Errorf("could not save progress: %w", err)
	}

	return nil
}

// List reads all progress records for an entity
func (store *ProgressStore) List(ctx context.Context, entityKey string) ([]model.ViewProgress, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	records := make([]model.ViewProgress, 0)

	err := kv.View(store.partition, func(txn kv.Transaction) error {
		iter, err := txn.Keys(entityRange(entityKey), kv.SortOrderAsc)

		if err != nil {
			return err
		}

		kvs, err := kv.Keys(iter, -1)

		if err != nil {
			return err
		}

		for _, pair := range kvs {
			progress, err := model.UnmarshalProgress(pair[1])

			if err != nil {
				return err
			}

			records = append(records, progress)
		}

		return nil
	})

	if err != nil {
		return nil, fmt.Errorf("could not list progress: %w", err)
	}

	return records, nil
}

// Page reads up to limit progress records with keys greater than
// after, along with the key to continue from. A nil continuation
// key means the scan is complete.
func (store *ProgressStore) Page(ctx context.Context, after keys.Key, limit int) ([]model.ViewProgress, keys.Key, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	records := make([]model.ViewProgress, 0, limit)
	var last keys.Key

	err := kv.View(store.partition, func(txn kv.Transaction) error {
		r := keys.All()

		if after != nil {
			r = r.Gt(after)
		}

		iter, err := txn.Keys(r, kv.SortOrderAsc)

		if err != nil {
			return err
		}

		kvs, err := kv.Keys(iter, limit)

		if err != nil {
			return err
		}

		for _, pair := range kvs {
			progress, err := model.UnmarshalProgress(pair[1])

			if err != nil {
				return err
			}

			records = append(records, progress)
			last = pair[0]
		}

		return nil
	})

	if err != nil {
		return nil, nil, fmt.Errorf("could not page progress: %w", err)
	}

	if len(records) < limit {
		last = nil
	}

	return records, last, nil
}

// DeleteEntity removes all progress records for an entity. Used
// after a tombstoned entity has been fully propagated and
// compacted away.
func (store *ProgressStore) DeleteEntity(ctx context.Context, entityKey string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := kv.Update(store.partition, func(txn kv.Transaction) error {
		iter, err := txn.Keys(entityRange(entityKey), kv.SortOrderAsc)

		if err != nil {
			return err
		}

		kvs, err := kv.Keys(iter, -1)

		if err != nil {
			return err
		}

		for _, pair := range kvs {
			if err := txn.Delete(pair[0]); err != nil {
				return err
			}
		}

		return nil
	})

	if err != nil {
		return fmt.Errorf("could not delete progress for %s: %w", entityKey, err)
	}

	return nil
}
