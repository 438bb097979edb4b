package kv_test

import (
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/jrife/viewsync/storage/kv"
	"github.com/jrife/viewsync/storage/kv/keys"
	"github.com/jrife/viewsync/storage/kv/plugins"
)

type partitionModel map[string]string

func writePartition(partition kv.Partition, model partitionModel) error {
	transaction, err := partition.Begin(true)

	if err != nil {
		return err
	}

	defer transaction.Rollback()

	for key, value := range model {
		if err := transaction.Put(keys.Key(key), []byte(value)); err != nil {
			return err
		}
	}

	return transaction.Commit()
}

func readPartition(partition kv.Partition) (partitionModel, error) {
	transaction, err := partition.Begin(false)

	if err != nil {
		return nil, err
	}

	defer transaction.Rollback()

	iter, err := transaction.Keys(keys.All(), kv.SortOrderAsc)

	if err != nil {
		return nil, err
	}

	model := partitionModel{}

	for iter.Next() {
		model[string(iter.Key())] = string(iter.Value())
	}

	if iter.Error() != nil {
		return nil, iter.Error()
	}

	return model, nil
}

type tempStoreBuilder func(t *testing.T) kv.Store

func builder(plugin kv.Plugin) tempStoreBuilder {
	return func(t *testing.T) kv.Store {
		store, err := plugin.NewTempStore()

		if err != nil {
			t.Fatalf("could not build a %s store: %s", plugin.Name(), err.Error())
		}

		t.Cleanup(func() {
			store.Delete()
		})

		return store
	}
}

func TestDrivers(t *testing.T) {
	for _, plugin := range plugins.Plugins() {
		t.Run(plugin.Name(), driverTest(builder(plugin)))
	}
}

func driverTest(builder tempStoreBuilder) func(t *testing.T) {
	return func(t *testing.T) {
		t.Run("partitions", func(t *testing.T) { testPartitions(builder, t) })
		t.Run("readWrite", func(t *testing.T) { testReadWrite(builder, t) })
		t.Run("ranges", func(t *testing.T) { testRanges(builder, t) })
		t.Run("rollback", func(t *testing.T) { testRollback(builder, t) })
		t.Run("closed", func(t *testing.T) { testClosed(builder, t) })
	}
}

func testPartitions(builder tempStoreBuilder, t *testing.T) {
	store := builder(t)

	names := [][]byte{[]byte("a"), []byte("b"), []byte("c")}

	for _, name := range names {
		if err := store.Partition(name).Create(); err != nil {
			t.Fatalf("expected err to be nil, got %#v", err)
		}
	}

	// Create must be idempotent
	if err := store.Partition([]byte("a")).Create(); err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	partitions, err := store.Partitions(keys.All(), -1)

	if err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	diff := cmp.Diff(names, partitions)

	if diff != "" {
		t.Fatalf(diff)
	}

	if err := store.Partition([]byte("b")).Delete(); err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	partitions, err = store.Partitions(keys.All(), -1)

	if err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	diff = cmp.Diff([][]byte{[]byte("a"), []byte("c")}, partitions)

	if diff != "" {
		t.Fatalf(diff)
	}

	_, err = store.Partition([]byte("b")).Begin(false)

	if err == nil {
		t.Fatalf("expected an error beginning a transaction on a deleted partition")
	}
}

func testReadWrite(builder tempStoreBuilder, t *testing.T) {
	store := builder(t)
	partition := store.Partition([]byte("data"))

	if err := partition.Create(); err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	model := partitionModel{"a": "1", "b": "2", "c": "3"}

	if err := writePartition(partition, model); err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	value, err := kv.Get(partition, keys.Key("b"))

	if err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	if string(value) != "2" {
		t.Fatalf("expected value to be 2, got %s", value)
	}

	value, err = kv.Get(partition, keys.Key("missing"))

	if err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	if value != nil {
		t.Fatalf("expected value to be nil, got %#v", value)
	}

	err = kv.Update(partition, func(txn kv.Transaction) error {
		return txn.Delete(keys.Key("a"))
	})

	if err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	actual, err := readPartition(partition)

	if err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	diff := cmp.Diff(partitionModel{"b": "2", "c": "3"}, actual)

	if diff != "" {
		t.Fatalf(diff)
	}
}

func testRanges(builder tempStoreBuilder, t *testing.T) {
	store := builder(t)
	partition := store.Partition([]byte("data"))

	if err := partition.Create(); err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	model := partitionModel{}

	for i := 0; i < 10; i++ {
		model[fmt.Sprintf("key%d", i)] = fmt.Sprintf("value%d", i)
	}

	if err := writePartition(partition, model); err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	testCases := map[string]struct {
		r      keys.Range
		order  kv.SortOrder
		result []string
	}{
		"all ascending": {
			r:      keys.All(),
			order:  kv.SortOrderAsc,
			result: []string{"key0", "key1", "key2", "key3", "key4", "key5", "key6", "key7", "key8", "key9"},
		},
		"all descending": {
			r:      keys.All(),
			order:  kv.SortOrderDesc,
			result: []string{"key9", "key8", "key7", "key6", "key5", "key4", "key3", "key2", "key1", "key0"},
		},
		"half open": {
			r:      keys.All().Gte(keys.Key("key3")).Lt(keys.Key("key7")),
			order:  kv.SortOrderAsc,
			result: []string{"key3", "key4", "key5", "key6"},
		},
		"half open descending": {
			r:      keys.All().Gte(keys.Key("key3")).Lt(keys.Key("key7")),
			order:  kv.SortOrderDesc,
			result: []string{"key6", "key5", "key4", "key3"},
		},
		"exclusive min": {
			r:      keys.All().Gt(keys.Key("key3")),
			order:  kv.SortOrderAsc,
			result: []string{"key4", "key5", "key6", "key7", "key8", "key9"},
		},
		"prefix": {
			r:      keys.All().Prefix(keys.Key("key")),
			order:  kv.SortOrderAsc,
			result: []string{"key0", "key1", "key2", "key3", "key4", "key5", "key6", "key7", "key8", "key9"},
		},
		"empty": {
			r:      keys.All().Gt(keys.Key("z")),
			order:  kv.SortOrderAsc,
			result: []string{},
		},
	}

	for name, testCase := range testCases {
		t.Run(name, func(t *testing.T) {
			var result []string

			err := kv.View(partition, func(txn kv.Transaction) error {
				iter, err := txn.Keys(testCase.r, testCase.order)

				if err != nil {
					return err
				}

				result = []string{}

				for iter.Next() {
					result = append(result, string(iter.Key()))
				}

				return iter.Error()
			})

			if err != nil {
				t.Fatalf("expected err to be nil, got %#v", err)
			}

			diff := cmp.Diff(testCase.result, result)

			if diff != "" {
				t.Fatalf(diff)
			}
		})
	}
}

func testRollback(builder tempStoreBuilder, t *testing.T) {
	store := builder(t)
	partition := store.Partition([]byte("data"))

	if err := partition.Create(); err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	if err := writePartition(partition, partitionModel{"a": "1"}); err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	transaction, err := partition.Begin(true)

	if err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	if err := transaction.Put(keys.Key("b"), []byte("2")); err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	if err := transaction.Delete(keys.Key("a")); err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	if err := transaction.Rollback(); err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	actual, err := readPartition(partition)

	if err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	diff := cmp.Diff(partitionModel{"a": "1"}, actual)

	if diff != "" {
		t.Fatalf(diff)
	}
}

func testClosed(builder tempStoreBuilder, t *testing.T) {
	store := builder(t)
	partition := store.Partition([]byte("data"))

	if err := partition.Create(); err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	if err := store.Close(); err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	if _, err := partition.Begin(false); err != kv.ErrClosed {
		t.Fatalf("expected err to be ErrClosed, got %#v", err)
	}

	if _, err := store.Partitions(keys.All(), -1); err != kv.ErrClosed {
		t.Fatalf("expected err to be ErrClosed, got %#v", err)
	}
}
