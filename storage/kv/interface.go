package kv

import (
	"errors"

	"github.com/jrife/viewsync/storage/kv/keys"
)

var (
	// ErrClosed indicates that the store was closed
	ErrClosed = errors.New("store was closed")
	// ErrNoSuchPartition indicates that the partition doesn't exist.
	// Either it hasn't been created or was deleted
	ErrNoSuchPartition = errors.New("partition does not exist")
)

// SortOrder describes the iteration order for Keys
type SortOrder int

const (
	// SortOrderAsc sorts in increasing order of keys
	SortOrderAsc SortOrder = iota
	// SortOrderDesc sorts in decreasing order of keys
	SortOrderDesc
)

// Plugin represents a kv storage plugin
type Plugin interface {
	// Name returns the name of the storage plugin
	Name() string
	// NewStore returns an instance of the plugin store
	NewStore(options PluginOptions) (Store, error)
	// NewTempStore returns an instance of the plugin store
	// initialized with some sane defaults. It is meant for
	// tests that need an initialized instance of the plugin's
	// store without knowing how to initialize it
	NewTempStore() (Store, error)
}

// PluginOptions is a generic structure for passing
// driver configuration to a plugin
type PluginOptions map[string]interface{}

// Store is a set of named partitions
type Store interface {
	// Partitions lists up to limit partitions whose name falls within
	// the range. List results must be in ascending lexicographical
	// order and contiguous. limit < 0 indicates no limit. It must
	// return ErrClosed if its invocation starts after Close() returns.
	Partitions(names keys.Range, limit int) ([][]byte, error)
	// Partition returns a handle for the partition with this name.
	// It does not guarantee that this partition exists yet and must
	// not create the partition. It must not return nil.
	Partition(name []byte) Partition
	// Close closes the store. Function calls to any I/O objects
	// descended from this store occurring after Close returns
	// must have no effect and return ErrClosed. Close must not
	// return until all transactions have either rolled back or
	// committed.
	Close() error
	// Delete closes then deletes this store and all its contents
	Delete() error
}

// Partition is a reference to a named partition of a store.
// Strict serializability must be enforced on all transactions
// within a partition. Partitions are independent and require no
// coordination between them. Consumers must not assume that calls
// to Begin() ensure mutual exclusion across partitions and should
// order their own locks before Begin to avoid deadlock.
type Partition interface {
	// Name returns the name of this partition
	Name() []byte
	// Create creates this partition if it does not exist. It has no
	// effect if the partition already exists. It must return ErrClosed
	// if its invocation starts after Close() on the store returns.
	Create() error
	// Delete deletes this partition if it exists. It has no effect if
	// the partition does not exist. It must return ErrClosed if its
	// invocation starts after Close() on the store returns.
	Delete() error
	// Begin starts a transaction for this partition. writable should be
	// true for read-write transactions and false for read-only
	// transactions. If Begin() is called after Close() on the store
	// returns it must return ErrClosed. If this partition does not
	// exist it must return ErrNoSuchPartition.
	Begin(writable bool) (Transaction, error)
}

// Transaction is a transaction for a partition. It must only be
// used by one goroutine at a time.
type Transaction interface {
	// Get gets a key. It must observe updates to that key made
	// previously by this transaction. Get must return an error
	// if the key is nil or empty. It must return nil if the
	// requested key does not exist.
	Get(key []byte) ([]byte, error)
	// Put puts a key. Put must return an error
	// if either key or value is nil or empty.
	Put(key, value []byte) error
	// Delete deletes a key. It must return an error if the key
	// is nil or empty. If the key doesn't exist it has no effect
	// and returns nil.
	Delete(key []byte) error
	// Keys creates an iterator that iterates over the range
	// of keys in the requested order
	Keys(keys keys.Range, order SortOrder) (Iterator, error)
	// Commit commits the transaction
	Commit() error
	// Rollback rolls back the transaction. Rollback after Commit
	// has no effect.
	Rollback() error
}

// Iterator iterates over a set of keys. It must only be
// used by one goroutine at a time. Consumers should not
// attempt to use an iterator once its parent transaction
// has ended. The transaction must not mutate the store while
// the iterator is in use.
type Iterator interface {
	// Next advances the iterator to the next key.
	// A fresh iterator must call Next once to
	// advance to the first key. Next returns false
	// if there is no next key or if it encounters an
	// error.
	Next() bool
	// Key returns the current key
	Key() []byte
	// Value returns the current value
	Value() []byte
	// Error returns the error, if any
	Error() error
}
