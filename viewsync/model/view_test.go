package model_test

import (
	"testing"

	"github.com/jrife/viewsync/storage/kv/keys"
	"github.com/jrife/viewsync/viewsync/model"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

var byStatus = model.ViewDefinition{
	Name:       "orders-by-status",
	KeyFields:  []string{"status"},
	CopyFields: []string{"qty"},
}

func TestKeyDerivation(t *testing.T) {
	testCases := map[string]struct {
		def       model.ViewDefinition
		fields    model.Fields
		entityKey string
		derivable bool
	}{
		"all key fields present": {
			def:       byStatus,
			fields:    model.Fields{"status": "open", "qty": "1"},
			entityKey: "order-1",
			derivable: true,
		},
		"key field absent": {
			def:       byStatus,
			fields:    model.Fields{"qty": "1"},
			entityKey: "order-1",
			derivable: false,
		},
		"compound key": {
			def:       model.ViewDefinition{Name: "x", KeyFields: []string{"region", "status"}},
			fields:    model.Fields{"region": "us", "status": "open"},
			entityKey: "order-1",
			derivable: true,
		},
		"key field value with a zero byte": {
			def:       byStatus,
			fields:    model.Fields{"status": "open\x00", "qty": "1"},
			entityKey: "order-1",
			derivable: false,
		},
	}

	for name, testCase := range testCases {
		t.Run(name, func(t *testing.T) {
			key, ok := testCase.def.Key(testCase.fields, testCase.entityKey)

			if ok != testCase.derivable {
				t.Fatalf("expected derivable to be %t, got %t", testCase.derivable, ok)
			}

			if !ok {
				return
			}

			if len(key) == 0 {
				t.Fatalf("expected a non-empty key")
			}
		})
	}
}

func TestCompatible(t *testing.T) {
	if !byStatus.Compatible(byStatus) {
		t.Fatalf("expected a definition to be compatible with itself")
	}

	changedKey := byStatus
	changedKey.KeyFields = []string{"customer"}

	if byStatus.Compatible(changedKey) {
		t.Fatalf("expected definitions with different key fields to be incompatible")
	}

	changedCopy := byStatus
	changedCopy.CopyFields = []string{"qty", "status"}

	if byStatus.Compatible(changedCopy) {
		t.Fatalf("expected definitions with different copied fields to be incompatible")
	}
}

func TestKeyProperties(t *testing.T) {
	properties := gopter.NewProperties(nil)
	value := gen.AlphaString().SuchThat(func(s string) bool { return len(s) > 0 })

	properties.Property("distinct entities never collide under one key value", prop.ForAll(
		func(status string, entityA string, entityB string) bool {
			if entityA == entityB {
				return true
			}

			fields := model.Fields{"status": status}
			keyA, okA := byStatus.Key(fields, entityA)
			keyB, okB := byStatus.Key(fields, entityB)

			return okA && okB && keys.Compare(keyA, keyB) != 0
		},
		value, value, value,
	))

	properties.Property("derived keys fall inside their lookup range", prop.ForAll(
		func(status string, entityKey string) bool {
			key, ok := byStatus.Key(model.Fields{"status": status}, entityKey)

			if !ok {
				return false
			}

			return byStatus.KeyPrefix(status).Contains(key)
		},
		value, value,
	))

	properties.Property("a key value's range excludes other key values", prop.ForAll(
		func(statusA string, statusB string, entityKey string) bool {
			if statusA == statusB {
				return true
			}

			key, ok := byStatus.Key(model.Fields{"status": statusA}, entityKey)

			if !ok {
				return false
			}

			return !byStatus.KeyPrefix(statusB).Contains(key)
		},
		value, value, value,
	))

	properties.TestingRun(t)
}
