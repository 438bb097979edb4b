package kv

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/jrife/viewsync/storage/kv/keys"
	bolt "go.etcd.io/bbolt"
)

var _ Store = (*BBoltStore)(nil)

// BBoltStoreConfig contains configuration options
// for a bbolt store
type BBoltStoreConfig struct {
	Path string
}

// NewBBoltStore creates a bbolt-backed store at the configured
// path. Each partition maps to one top-level bucket.
func NewBBoltStore(config BBoltStoreConfig) (*BBoltStore, error) {
	db, err := bolt.Open(config.Path, 0666, nil)

	if err != nil {
		return nil, fmt.Errorf("could not open bbolt store at %s: %s", config.Path, err.Error())
	}

	return &BBoltStore{db: db}, nil
}

// BBoltStore is a durable Store implementation backed
// by a single bbolt database file
type BBoltStore struct {
	mu     sync.RWMutex
	db     *bolt.DB
	closed bool
}

// Partitions implements Store.Partitions
func (store *BBoltStore) Partitions(names keys.Range, limit int) ([][]byte, error) {
	store.mu.RLock()
	defer store.mu.RUnlock()

	if store.closed {
		return nil, ErrClosed
	}

	partitions := make([][]byte, 0)

	err := store.db.View(func(txn *bolt.Tx) error {
		cursor := txn.Cursor()

		for name, _ := cursor.First(); name != nil; name, _ = cursor.Next() {
			if !names.Contains(name) {
				continue
			}

			if limit >= 0 && len(partitions) >= limit {
				break
			}

			nameCopy := make([]byte, len(name))
			copy(nameCopy, name)
			partitions = append(partitions, nameCopy)
		}

		return nil
	})

	if err != nil {
		return nil, fmt.Errorf("could not list partitions: %s", err.Error())
	}

	return partitions, nil
}

// Partition implements Store.Partition
func (store *BBoltStore) Partition(name []byte) Partition {
	return &bboltPartition{store: store, name: name}
}

// Close implements Store.Close
func (store *BBoltStore) Close() error {
	store.mu.Lock()
	defer store.mu.Unlock()

	if store.closed {
		return nil
	}

	store.closed = true

	return store.db.Close()
}

// Delete implements Store.Delete
func (store *BBoltStore) Delete() error {
	path := store.db.Path()

	if err := store.Close(); err != nil {
		return fmt.Errorf("could not close store: %s", err.Error())
	}

	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("could not remove path %s: %s", path, err.Error())
	}

	return nil
}

var _ Partition = (*bboltPartition)(nil)

type bboltPartition struct {
	store *BBoltStore
	name  []byte
}

// Name implements Partition.Name
func (partition *bboltPartition) Name() []byte {
	return partition.name
}

// Create implements Partition.Create
func (partition *bboltPartition) Create() error {
	partition.store.mu.RLock()
	defer partition.store.mu.RUnlock()

	if partition.store.closed {
		return ErrClosed
	}

	err := partition.store.db.Update(func(txn *bolt.Tx) error {
		_, err := txn.CreateBucketIfNotExists(partition.name)

		return err
	})

	if err != nil {
		return fmt.Errorf("could not create partition %v: %s", partition.name, err.Error())
	}

	return nil
}

// Delete implements Partition.Delete
func (partition *bboltPartition) Delete() error {
	partition.store.mu.RLock()
	defer partition.store.mu.RUnlock()

	if partition.store.closed {
		return ErrClosed
	}

	err := partition.store.db.Update(func(txn *bolt.Tx) error {
		if txn.Bucket(partition.name) == nil {
			return nil
		}

		return txn.DeleteBucket(partition.name)
	})

	if err != nil {
		return fmt.Errorf("could not delete partition %v: %s", partition.name, err.Error())
	}

	return nil
}

// Begin implements Partition.Begin
func (partition *bboltPartition) Begin(writable bool) (Transaction, error) {
	partition.store.mu.RLock()
	closed := partition.store.closed
	partition.store.mu.RUnlock()

	if closed {
		return nil, ErrClosed
	}

	txn, err := partition.store.db.Begin(writable)

	if err != nil {
		return nil, fmt.Errorf("could not begin transaction: %s", err.Error())
	}

	if txn.Bucket(partition.name) == nil {
		txn.Rollback()

		return nil, ErrNoSuchPartition
	}

	return &bboltTransaction{txn: txn, name: partition.name}, nil
}

var _ Transaction = (*bboltTransaction)(nil)

type bboltTransaction struct {
	txn  *bolt.Tx
	name []byte
	done bool
}

func (transaction *bboltTransaction) bucket() *bolt.Bucket {
	return transaction.txn.Bucket(transaction.name)
}

// Get implements Transaction.Get
func (transaction *bboltTransaction) Get(key []byte) ([]byte, error) {
	if len(key) == 0 {
		return nil, errors.New("key must not be nil or empty")
	}

	return transaction.bucket().Get(key), nil
}

// Put implements Transaction.Put
func (transaction *bboltTransaction) Put(key, value []byte) error {
	if len(key) == 0 {
		return errors.New("key must not be nil or empty")
	}

	if len(value) == 0 {
		return errors.New("value must not be nil or empty")
	}

	return transaction.bucket().Put(key, value)
}

// Delete implements Transaction.Delete
func (transaction *bboltTransaction) Delete(key []byte) error {
	if len(key) == 0 {
		return errors.New("key must not be nil or empty")
	}

	return transaction.bucket().Delete(key)
}

// Keys implements Transaction.Keys
func (transaction *bboltTransaction) Keys(keys keys.Range, order SortOrder) (Iterator, error) {
	return &bboltIterator{cursor: transaction.bucket().Cursor(), keys: keys, order: order}, nil
}

// Commit implements Transaction.Commit
func (transaction *bboltTransaction) Commit() error {
	transaction.done = true

	return transaction.txn.Commit()
}

// Rollback implements Transaction.Rollback
func (transaction *bboltTransaction) Rollback() error {
	if transaction.done {
		return nil
	}

	transaction.done = true

	return transaction.txn.Rollback()
}

var _ Iterator = (*bboltIterator)(nil)

type bboltIterator struct {
	cursor  *bolt.Cursor
	keys    keys.Range
	order   SortOrder
	started bool
	key     []byte
	value   []byte
}

// Next implements Iterator.Next
func (iter *bboltIterator) Next() bool {
	var key []byte
	var value []byte

	if !iter.started {
		iter.started = true

		if iter.order == SortOrderDesc {
			if iter.keys.Max != nil {
				key, value = iter.cursor.Seek(iter.keys.Max)

				// Seek lands on the first key >= Max, which is
				// outside the half-open range. Step back.
				if key == nil {
					key, value = iter.cursor.Last()
				} else {
					key, value = iter.cursor.Prev()
				}
			} else {
				key, value = iter.cursor.Last()
			}
		} else {
			if iter.keys.Min != nil {
				key, value = iter.cursor.Seek(iter.keys.Min)
			} else {
				key, value = iter.cursor.First()
			}
		}
	} else {
		if iter.order == SortOrderDesc {
			key, value = iter.cursor.Prev()
		} else {
			key, value = iter.cursor.Next()
		}
	}

	if key == nil || !iter.inRange(key) {
		iter.key = nil
		iter.value = nil

		return false
	}

	iter.key = key
	iter.value = value

	return true
}

func (iter *bboltIterator) inRange(key []byte) bool {
	if iter.order == SortOrderDesc {
		return iter.keys.Min == nil || bytes.Compare(key, iter.keys.Min) >= 0
	}

	return iter.keys.Max == nil || bytes.Compare(key, iter.keys.Max) < 0
}

// Key implements Iterator.Key
func (iter *bboltIterator) Key() []byte {
	return iter.key
}

// Value implements Iterator.Value
func (iter *bboltIterator) Value() []byte {
	return iter.value
}

// Error implements Iterator.Error
func (iter *bboltIterator) Error() error {
	return nil
}
