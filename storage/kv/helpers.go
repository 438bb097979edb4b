package kv

import (
	"fmt"

	"github.com/jrife/viewsync/storage/kv/keys"
)

// KV is a single key-value pair
type KV [2][]byte

// Keys reads up to limit key-value pairs from the iterator.
// limit < 0 indicates no limit.
func Keys(iter Iterator, limit int) ([]KV, error) {
	var kvs []KV

	if limit >= 0 {
		kvs = make([]KV, 0, limit)
	} else {
		kvs = make([]KV, 0)
	}

	for iter.Next() && (limit < 0 || len(kvs) < limit) {
		kvs = append(kvs, KV{iter.Key(), iter.Value()})
	}

	if iter.Error() != nil {
		return nil, fmt.Errorf("iteration error: %s", iter.Error().Error())
	}

	return kvs, nil
}

// View runs fn inside a read-only transaction for the partition
func View(partition Partition, fn func(txn Transaction) error) error {
	txn, err := partition.Begin(false)

	if err != nil {
		return fmt.Errorf("could not begin transaction: %w", err)
	}

	defer txn.Rollback()

	return fn(txn)
}

// Update runs fn inside a read-write transaction for the partition,
// committing if fn returns nil and rolling back otherwise
func Update(partition Partition, fn func(txn Transaction) error) error {
	txn, err := partition.Begin(true)

	if err != nil {
		return fmt.Errorf("could not begin transaction: %w", err)
	}

	defer txn.Rollback()

	if err := fn(txn); err != nil {
		return err
	}

	if err := txn.Commit(); err != nil {
		return fmt.Errorf("could not commit transaction: %w", err)
	}

	return nil
}

// Get reads a single key inside a read-only transaction
func Get(partition Partition, key keys.Key) ([]byte, error) {
	var value []byte

	err := View(partition, func(txn Transaction) error {
		v, err := txn.Get(key)

		if err != nil {
			return err
		}

		value = v

		return nil
	})

	return value, err
}
