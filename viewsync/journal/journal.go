// Package journal implements the write journal: an append-only,
// durable log of intended mutations to primary entities. Sequence
// numbers are assigned here, atomically with the record write,
// which is what makes all downstream ordering possible without
// locks. Per-entity sequence numbers are strictly increasing and
// gapless, and survive compaction: the head counter is never
// reset, so repair records appended after compaction still order
// after every row they might collide with.
package journal

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/jrife/viewsync/metrics"
	"github.com/jrife/viewsync/storage/kv"
	"github.com/jrife/viewsync/storage/kv/keys"
	"github.com/jrife/viewsync/viewsync/model"
	"go.uber.org/zap"
)

var (
	// ErrDurability indicates that the underlying storage rejected a
	// journal append. Fatal to the caller's request: the caller must
	// retry with the same logical mutation id. Re-appending is safe
	// because sequence assignment is keyed by mutation id, not by
	// physical retry.
	ErrDurability = errors.New("journal append was not made durable")
	// ErrCompacted indicates a read below the compaction floor
	ErrCompacted = errors.New("requested sequence number was compacted")
)

var (
	recordsPrefix   = []byte{1}
	headsPrefix     = []byte{2}
	mutationsPrefix = []byte{3}
	entitiesPrefix  = []byte{4}
	floorsPrefix    = []byte{5}
)

func prefixed(prefix []byte, k keys.Key) keys.Key {
	p := make(keys.Key, 0, len(prefix)+len(k))
	p = append(p, prefix...)
	p = append(p, k...)

	return p
}

func recordKey(entityKey string, seq uint64) keys.Key {
	s := keys.Uint64ToKey(seq)

	return prefixed(recordsPrefix, keys.Join(keys.Key(entityKey), s[:]))
}

func headKey(entityKey string) keys.Key {
	return prefixed(headsPrefix, keys.Key(entityKey))
}

func mutationKey(mutationID string) keys.Key {
	return prefixed(mutationsPrefix, keys.Key(mutationID))
}

func entityKey(key string) keys.Key {
	return prefixed(entitiesPrefix, keys.Key(key))
}

func floorKey(entityKey string) keys.Key {
	return prefixed(floorsPrefix, keys.Key(entityKey))
}

func recordRange(entityKey string, from uint64, through uint64) keys.Range {
	return keys.All().Gte(recordKey(entityKey, from)).Lte(recordKey(entityKey, through))
}

// Journal is a durable write journal on top of a single
// storage partition
type Journal struct {
	partition kv.Partition
	logger    *zap.Logger
	metrics   *metrics.Registry
}

// New creates the journal on its partition within the store,
// creating the partition if it does not exist
func New(store kv.Store, logger *zap.Logger, registry *metrics.Registry) (*Journal, error) {
	partition := store.Partition(model.PartitionJournal)

	if err := partition.Create(); err != nil {
		return nil, fmt.Errorf("could not create journal partition: %s", err.Error())
	}

	return &Journal{
		partition: partition,
		logger:    logger,
		metrics:   registry,
	}, nil
}

// Append appends a mutation for the entity, assigning the next
// sequence number atomically with the record write. A mutation id
// that was already appended returns its originally assigned
// sequence number without writing anything, making caller retries
// idempotent. Returns an error wrapping ErrDurability if the
// underlying storage rejects the write.
func (journal *Journal) Append(ctx context.Context, entity string, mutationID string, kind model.MutationKind, delta model.Fields) (uint64, error) {
	return journal.append(ctx, entity, mutationID, kind, delta, false)
}

// AppendSynthetic appends a repair mutation produced by the
// reconciler. Synthetic records move through the pipeline exactly
// like client mutations but are flagged so audits can tell repairs
// apart from organic writes.
func (journal *Journal) AppendSynthetic(ctx context.Context, entity string, mutationID string, kind model.MutationKind, delta model.Fields) (uint64, error) {
	return journal.append(ctx, entity, mutationID, kind, delta, true)
}

func (journal *Journal) append(ctx context.Context, entity string, mutationID string, kind model.MutationKind, delta model.Fields, synthetic bool) (uint64, error) {
	if entity == "" {
		return 0, fmt.Errorf("entity key must not be empty")
	}

	if mutationID == "" {
		return 0, fmt.Errorf("mutation id must not be empty")
	}

	// Entity keys become a non-terminal part of composite record
	// and progress keys, where a zero byte would alias into a
	// neighboring entity's range.
	if strings.IndexByte(entity, 0) >= 0 {
		return 0, fmt.Errorf("entity key must not contain zero bytes")
	}

	if err := ctx.Err(); err != nil {
		return 0, err
	}

	start := time.Now()
	var seq uint64

	err := kv.Update(journal.partition, func(txn kv.Transaction) error {
		existing, err := txn.Get(mutationKey(mutationID))

		if err != nil {
			return fmt.Errorf("could not look up mutation id: %s", err.Error())
		}

		if existing != nil {
			var s [8]byte
			copy(s[:], existing)
			seq = keys.KeyToUint64(s)

			return nil
		}

		head, err := readSeq(txn, headKey(entity))

		if err != nil {
			return fmt.Errorf("could not read head: %s", err.Error())
		}

		seq = head + 1

		record := model.JournalRecord{
			EntityKey:  entity,
			Seq:        seq,
			Kind:       kind,
			Delta:      delta,
			WriteTime:  time.Now().UTC(),
			MutationID: mutationID,
			Synthetic:  synthetic,
		}

		data, err := model.MarshalRecord(record)

		if err != nil {
			return err
		}

		if err := txn.Put(recordKey(entity, seq), data); err != nil {
			return fmt.Errorf("could not write record: %s", err.Error())
		}

		if err := writeSeq(txn, headKey(entity), seq); err != nil {
			return fmt.Errorf("could not advance head: %s", err.Error())
		}

		if err := writeSeq(txn, mutationKey(mutationID), seq); err != nil {
			return fmt.Errorf("could not record mutation id: %s", err.Error())
		}

		if err := journal.materialize(txn, record); err != nil {
			return err
		}

		return nil
	})

	if err != nil {
		return 0, fmt.Errorf("%w: %s", ErrDurability, err.Error())
	}

	journal.metrics.JournalAppendDuration.Observe(time.Since(start).Seconds())

	return seq, nil
}

// materialize folds the record into the entity's current state.
// Tombstones retain the merged fields so that view keys remain
// derivable for rows that still need deleting.
func (journal *Journal) materialize(txn kv.Transaction, record model.JournalRecord) error {
	existing, err := txn.Get(entityKey(record.EntityKey))

	if err != nil {
		return fmt.Errorf("could not read entity: %s", err.Error())
	}

	entity := model.Entity{Key: record.EntityKey, Fields: model.Fields{}}

	if existing != nil {
		entity, err = model.UnmarshalEntity(existing)

		if err != nil {
			return err
		}
	}

	entity.Seq = record.Seq

	switch record.Kind {
	case model.KindPut:
		entity.Deleted = false
		entity.Fields = entity.Fields.Merge(record.Delta)
	case model.KindTombstone:
		entity.Deleted = true
	}

	data, err := model.MarshalEntity(entity)

	if err != nil {
		return err
	}

	if err := txn.Put(entityKey(record.EntityKey), data); err != nil {
		return fmt.Errorf("could not write entity: %s", err.Error())
	}

	return nil
}

// Head returns the latest assigned sequence number for the
// entity, 0 if no mutation was ever appended
func (journal *Journal) Head(ctx context.Context, entity string) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	var head uint64

	err := kv.View(journal.partition, func(txn kv.Transaction) error {
		h, err := readSeq(txn, headKey(entity))

		if err != nil {
			return err
		}

		head = h

		return nil
	})

	if err != nil {
		return 0, fmt.Errorf("could not read head: %w", err)
	}

	return head, nil
}

// Floor returns the compaction floor for the entity: the highest
// sequence number whose record has been discarded. 0 means no
// compaction has happened.
func (journal *Journal) Floor(ctx context.Context, entity string) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	var floor uint64

	err := kv.View(journal.partition, func(txn kv.Transaction) error {
		f, err := readSeq(txn, floorKey(entity))

		if err != nil {
			return err
		}

		floor = f

		return nil
	})

	if err != nil {
		return 0, fmt.Errorf("could not read floor: %w", err)
	}

	return floor, nil
}

// Entity returns the materialized current state of the entity.
// ok is false if the entity was never written or was dropped
// after full tombstone propagation.
func (journal *Journal) Entity(ctx context.Context, key string) (model.Entity, bool, error) {
	if err := ctx.Err(); err != nil {
		return model.Entity{}, false, err
	}

	var entity model.Entity
	var ok bool

	err := kv.View(journal.partition, func(txn kv.Transaction) error {
		data, err := txn.Get(entityKey(key))

		if err != nil {
			return err
		}

		if data == nil {
			return nil
		}

		e, err := model.UnmarshalEntity(data)

		if err != nil {
			return err
		}

		entity = e
		ok = true

		return nil
	})

	if err != nil {
		return model.Entity{}, false, fmt.Errorf("could not read entity: %w", err)
	}

	return entity, ok, nil
}

// Entities lists up to limit entity keys starting at the key
// after start, in ascending order. Passing the last key of the
// previous page continues the scan; an empty start begins it.
// Used by the reconciler to audit in bounded batches.
func (journal *Journal) Entities(ctx context.Context, start string, limit int) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	entityKeys := make([]string, 0)

	err := kv.View(journal.partition, func(txn kv.Transaction) error {
		r := keys.All().Prefix(entitiesPrefix)

		if start != "" {
			r = r.Gt(entityKey(start))
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
			entityKeys = append(entityKeys, string(pair[0][len(entitiesPrefix):]))
		}

		return nil
	})

	if err != nil {
		return nil, fmt.Errorf("could not list entities: %w", err)
	}

	return entityKeys, nil
}

// ReadFrom returns an iterator over the entity's journal records
// with sequence numbers >= from, in order. The iterator is lazy
// and restartable: each batch is read in its own transaction, so
// a consumer may hold one across its own work without pinning the
// journal. Reading below the compaction floor yields ErrCompacted.
func (journal *Journal) ReadFrom(ctx context.Context, entity string, from uint64) *Iterator {
	if from == 0 {
		from = 1
	}

	return &Iterator{
		journal:   journal,
		ctx:       ctx,
		entity:    entity,
		next:      from,
		batchSize: defaultIteratorBatch,
	}
}

// Compact discards the entity's journal records with sequence
// numbers <= floor along with their mutation id assignments, and
// records the new floor. The head counter is retained. Compacting
// below the current floor has no effect.
func (journal *Journal) Compact(ctx context.Context, entity string, floor uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := kv.Update(journal.partition, func(txn kv.Transaction) error {
		current, err := readSeq(txn, floorKey(entity))

		if err != nil {
			return err
		}

		if floor <= current {
			return nil
		}

		iter, err := txn.Keys(recordRange(entity, 1, floor), kv.SortOrderAsc)

		if err != nil {
			return err
		}

		kvs, err := kv.Keys(iter, -1)

		if err != nil {
			return err
		}

		for _, pair := range kvs {
			record, err := model.UnmarshalRecord(pair[1])

			if err != nil {
				return err
			}

			if err := txn.Delete(pair[0]); err != nil {
				return fmt.Errorf("could not delete record: %s", err.Error())
			}

			if err := txn.Delete(mutationKey(record.MutationID)); err != nil {
				return fmt.Errorf("could not delete mutation id: %s", err.Error())
			}
		}

		if err := writeSeq(txn, floorKey(entity), floor); err != nil {
			return fmt.Errorf("could not record floor: %s", err.Error())
		}

		return nil
	})

	if err != nil {
		return fmt.Errorf("could not compact journal for %s: %w", entity, err)
	}

	journal.metrics.JournalCompactions.Inc()
	journal.logger.Debug("compacted journal", zap.String("entity", entity), zap.Uint64("floor", floor))

	return nil
}

// DropEntity removes the materialized state of a tombstoned
// entity once every registered view has propagated past its
// tombstone. The head counter is retained so sequence numbers
// stay monotonic if the key is ever reused.
func (journal *Journal) DropEntity(ctx context.Context, entity string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := kv.Update(journal.partition, func(txn kv.Transaction) error {
		return txn.Delete(entityKey(entity))
	})

	if err != nil {
		return fmt.Errorf("could not drop entity %s: %w", entity, err)
	}

	return nil
}

const defaultIteratorBatch = 64

// Iterator iterates over an entity's journal records in sequence
// order. It must only be used by one goroutine at a time.
type Iterator struct {
	journal   *Journal
	ctx       context.Context
	entity    string
	next      uint64
	batch     []model.JournalRecord
	i         int
	batchSize int
	err       error
	done      bool
}

// Next advances the iterator to the next record. A fresh iterator
// must call Next once to advance to the first record. Next returns
// false if there are no more records or an error occurred.
func (iter *Iterator) Next() bool {
	if iter.done {
		return false
	}

	if iter.i >= len(iter.batch) {
		if err := iter.fill(); err != nil {
			iter.err = err
			iter.done = true

			return false
		}

		if len(iter.batch) == 0 {
			iter.done = true

			return false
		}
	}

	iter.i++
	iter.next = iter.batch[iter.i-1].Seq + 1

	return true
}

func (iter *Iterator) fill() error {
	if err := iter.ctx.Err(); err != nil {
		return err
	}

	iter.batch = iter.batch[:0]
	iter.i = 0

	return kv.View(iter.journal.partition, func(txn kv.Transaction) error {
		floor, err := readSeq(txn, floorKey(iter.entity))

		if err != nil {
			return err
		}

		if iter.next <= floor {
			return ErrCompacted
		}

		through := iter.next + uint64(iter.batchSize) - 1

		if through < iter.next {
			through = math.MaxUint64
		}

		kvIter, err := txn.Keys(recordRange(iter.entity, iter.next, through), kv.SortOrderAsc)

		if err != nil {
			return err
		}

		expected := iter.next

		for kvIter.Next() {
			record, err := model.UnmarshalRecord(kvIter.Value())

			if err != nil {
				return err
			}

			if record.Seq != expected {
				return fmt.Errorf("consistency violation: expected sequence number %d, found %d", expected, record.Seq)
			}

			expected++
			iter.batch = append(iter.batch, record)
		}

		if kvIter.Error() != nil {
			return fmt.Errorf("iteration error: %s", kvIter.Error().Error())
		}

		return nil
	})
}

// Record returns the current record
func (iter *Iterator) Record() model.JournalRecord {
	return iter.batch[iter.i-1]
}

// Error returns the error, if any
func (iter *Iterator) Error() error {
	return iter.err
}

func readSeq(txn kv.Transaction, key keys.Key) (uint64, error) {
	data, err := txn.Get(key)

	if err != nil {
		return 0, err
	}

	if data == nil {
		return 0, nil
	}

	var s [8]byte
	copy(s[:], data)

	return keys.KeyToUint64(s), nil
}

func writeSeq(txn kv.Transaction, key keys.Key, seq uint64) error {
	s := keys.Uint64ToKey(seq)

	return txn.Put(key, s[:])
}
