package kv

import (
	"bytes"
	"errors"
	"fmt"
	"sync"

	"github.com/emirpasic/gods/maps/treemap"
	"github.com/jrife/viewsync/storage/kv/keys"
)

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store. It is
// primarily meant for tests and embedders that don't need
// durability.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{partitions: treemap.NewWith(func(a, b interface{}) int {
		return bytes.Compare([]byte(a.(string)), []byte(b.(string)))
	})}
}

// MemoryStore is an in-memory Store implementation
// backed by sorted maps
type MemoryStore struct {
	mu         sync.Mutex
	partitions *treemap.Map
	closed     bool
}

// Partitions implements Store.Partitions
func (store *MemoryStore) Partitions(names keys.Range, limit int) ([][]byte, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	if store.closed {
		return nil, ErrClosed
	}

	partitions := make([][]byte, 0)
	iter := store.partitions.Iterator()

	for iter.Next() {
		name := []byte(iter.Key().(string))

		if !names.Contains(name) {
			continue
		}

		if limit >= 0 && len(partitions) >= limit {
			break
		}

		partitions = append(partitions, name)
	}

	return partitions, nil
}

// Partition implements Store.Partition
func (store *MemoryStore) Partition(name []byte) Partition {
	return &memoryPartition{store: store, name: name}
}

// Close implements Store.Close
func (store *MemoryStore) Close() error {
	store.mu.Lock()
	defer store.mu.Unlock()

	store.closed = true

	return nil
}

// Delete implements Store.Delete
func (store *MemoryStore) Delete() error {
	return store.Close()
}

var _ Partition = (*memoryPartition)(nil)

type memoryPartition struct {
	store *MemoryStore
	name  []byte
}

// Name implements Partition.Name
func (partition *memoryPartition) Name() []byte {
	return partition.name
}

// Create implements Partition.Create
func (partition *memoryPartition) Create() error {
	partition.store.mu.Lock()
	defer partition.store.mu.Unlock()

	if partition.store.closed {
		return ErrClosed
	}

	if _, ok := partition.store.partitions.Get(string(partition.name)); ok {
		return nil
	}

	partition.store.partitions.Put(string(partition.name), newMemoryMap())

	return nil
}

// Delete implements Partition.Delete
func (partition *memoryPartition) Delete() error {
	partition.store.mu.Lock()
	defer partition.store.mu.Unlock()

	if partition.store.closed {
		return ErrClosed
	}

	partition.store.partitions.Remove(string(partition.name))

	return nil
}

// Begin implements Partition.Begin. Writable transactions hold the
// partition's lock until they end, which trivially enforces strict
// serializability within the partition.
func (partition *memoryPartition) Begin(writable bool) (Transaction, error) {
	partition.store.mu.Lock()

	if partition.store.closed {
		partition.store.mu.Unlock()

		return nil, ErrClosed
	}

	m, ok := partition.store.partitions.Get(string(partition.name))

	if !ok {
		partition.store.mu.Unlock()

		return nil, ErrNoSuchPartition
	}

	partition.store.mu.Unlock()

	mm := m.(*memoryMap)

	if writable {
		mm.mu.Lock()
	} else {
		mm.mu.RLock()
	}

	return &memoryTransaction{m: mm, writable: writable}, nil
}

func newMemoryMap() *memoryMap {
	return &memoryMap{m: treemap.NewWith(func(a, b interface{}) int {
		return bytes.Compare(a.([]byte), b.([]byte))
	})}
}

type memoryMap struct {
	mu sync.RWMutex
	m  *treemap.Map
}

var _ Transaction = (*memoryTransaction)(nil)

type memoryTransaction struct {
	m        *memoryMap
	writable bool
	undo     []func()
	done     bool
}

// Get implements Transaction.Get
func (transaction *memoryTransaction) Get(key []byte) ([]byte, error) {
	if len(key) == 0 {
		return nil, errors.New("key must not be nil or empty")
	}

	v, ok := transaction.m.m.Get(key)

	if !ok {
		return nil, nil
	}

	return v.([]byte), nil
}

// Put implements Transaction.Put
func (transaction *memoryTransaction) Put(key, value []byte) error {
	if len(key) == 0 {
		return errors.New("key must not be nil or empty")
	}

	if len(value) == 0 {
		return errors.New("value must not be nil or empty")
	}

	if !transaction.writable {
		return errors.New("transaction is not writable")
	}

	keyCopy := make([]byte, len(key))
	valueCopy := make([]byte, len(value))
	copy(keyCopy, key)
	copy(valueCopy, value)

	old, existed := transaction.m.m.Get(keyCopy)
	transaction.m.m.Put(keyCopy, valueCopy)
	transaction.undo = append(transaction.undo, func() {
		if existed {
			transaction.m.m.Put(keyCopy, old)
		} else {
			transaction.m.m.Remove(keyCopy)
		}
	})

	return nil
}

// Delete implements Transaction.Delete
func (transaction *memoryTransaction) Delete(key []byte) error {
	if len(key) == 0 {
		return errors.New("key must not be nil or empty")
	}

	if !transaction.writable {
		return errors.New("transaction is not writable")
	}

	old, existed := transaction.m.m.Get(key)

	if !existed {
		return nil
	}

	keyCopy := make([]byte, len(key))
	copy(keyCopy, key)

	transaction.m.m.Remove(key)
	transaction.undo = append(transaction.undo, func() {
		transaction.m.m.Put(keyCopy, old)
	})

	return nil
}

// Keys implements Transaction.Keys
func (transaction *memoryTransaction) Keys(keys keys.Range, order SortOrder) (Iterator, error) {
	iter := transaction.m.m.Iterator()

	if order == SortOrderDesc {
		iter.End()
	} else {
		iter.Begin()
	}

	return &memoryIterator{iter: iter, keys: keys, order: order}, nil
}

// Commit implements Transaction.Commit
func (transaction *memoryTransaction) Commit() error {
	if transaction.done {
		return fmt.Errorf("transaction has already ended")
	}

	transaction.undo = nil
	transaction.end()

	return nil
}

// Rollback implements Transaction.Rollback
func (transaction *memoryTransaction) Rollback() error {
	if transaction.done {
		return nil
	}

	for i := len(transaction.undo) - 1; i >= 0; i-- {
		transaction.undo[i]()
	}

	transaction.undo = nil
	transaction.end()

	return nil
}

func (transaction *memoryTransaction) end() {
	transaction.done = true

	if transaction.writable {
		transaction.m.mu.Unlock()
	} else {
		transaction.m.mu.RUnlock()
	}
}

var _ Iterator = (*memoryIterator)(nil)

type memoryIterator struct {
	iter  treemap.Iterator
	keys  keys.Range
	order SortOrder
}

// Next implements Iterator.Next
func (iter *memoryIterator) Next() bool {
	hasMore := false

	if iter.order == SortOrderDesc {
		for hasMore = iter.iter.Prev(); hasMore && (iter.keys.Max != nil && keys.Compare(iter.iter.Key().([]byte), iter.keys.Max) >= 0); hasMore = iter.iter.Prev() {
		}

		if !hasMore || iter.keys.Min != nil && keys.Compare(iter.iter.Key().([]byte), iter.keys.Min) < 0 {
			return false
		}
	} else {
		for hasMore = iter.iter.Next(); hasMore && (iter.keys.Min != nil && keys.Compare(iter.iter.Key().([]byte), iter.keys.Min) < 0); hasMore = iter.iter.Next() {
		}

		if !hasMore || iter.keys.Max != nil && keys.Compare(iter.iter.Key().([]byte), iter.keys.Max) >= 0 {
			return false
		}
	}

	return true
}

// Key implements Iterator.Key
func (iter *memoryIterator) Key() []byte {
	return iter.iter.Key().([]byte)
}

// Value implements Iterator.Value
func (iter *memoryIterator) Value() []byte {
	return iter.iter.Value().([]byte)
}

// Error implements Iterator.Error
func (iter *memoryIterator) Error() error {
	return nil
}
