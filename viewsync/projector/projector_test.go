package projector_test

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/jrife/viewsync/viewsync/model"
	"github.com/jrife/viewsync/viewsync/projector"
)

var byStatus = model.ViewDefinition{
	Name:       "orders-by-status",
	KeyFields:  []string{"status"},
	CopyFields: []string{"qty"},
}

var byCustomer = model.ViewDefinition{
	Name:      "orders-by-customer",
	KeyFields: []string{"customer"},
}

func TestProject(t *testing.T) {
	testCases := map[string]struct {
		record     model.JournalRecord
		def        model.ViewDefinition
		mutation   model.ViewMutation
		incomplete bool
	}{
		"complete delta": {
			record: model.JournalRecord{
				EntityKey: "order-1",
				Seq:       3,
				Kind:      model.KindPut,
				Delta:     model.Fields{"status": "open", "qty": "2"},
			},
			def: byStatus,
			mutation: model.ViewMutation{
				ViewName:  "orders-by-status",
				EntityKey: "order-1",
				Seq:       3,
				Fields:    model.Fields{"qty": "2"},
			},
		},
		"missing key field": {
			record: model.JournalRecord{
				EntityKey: "order-1",
				Seq:       3,
				Kind:      model.KindPut,
				Delta:     model.Fields{"qty": "2"},
			},
			def:        byStatus,
			incomplete: true,
		},
		"missing copied field": {
			record: model.JournalRecord{
				EntityKey: "order-1",
				Seq:       3,
				Kind:      model.KindPut,
				Delta:     model.Fields{"status": "open"},
			},
			def:        byStatus,
			incomplete: true,
		},
		"tombstone": {
			record: model.JournalRecord{
				EntityKey: "order-1",
				Seq:       4,
				Kind:      model.KindTombstone,
			},
			def:        byStatus,
			incomplete: true,
		},
		"lookup index needs only the key": {
			record: model.JournalRecord{
				EntityKey: "order-1",
				Seq:       5,
				Kind:      model.KindPut,
				Delta:     model.Fields{"customer": "acme"},
			},
			def: byCustomer,
			mutation: model.ViewMutation{
				ViewName:  "orders-by-customer",
				EntityKey: "order-1",
				Seq:       5,
			},
		},
	}

	for name, testCase := range testCases {
		t.Run(name, func(t *testing.T) {
			mutation, err := projector.Project(testCase.record, testCase.def)

			if testCase.incomplete {
				if !errors.Is(err, projector.ErrIncomplete) {
					t.Fatalf("expected err to be ErrIncomplete, got %#v", err)
				}

				return
			}

			if err != nil {
				t.Fatalf("expected err to be nil, got %#v", err)
			}

			expectedKey, _ := testCase.def.Key(testCase.record.Delta, testCase.record.EntityKey)
			testCase.mutation.ViewKey = expectedKey

			diff := cmp.Diff(testCase.mutation, mutation)

			if diff != "" {
				t.Fatalf(diff)
			}
		})
	}
}

func TestProjectEntity(t *testing.T) {
	entity := model.Entity{
		Key:    "order-1",
		Seq:    7,
		Fields: model.Fields{"status": "open", "qty": "2", "customer": "acme"},
	}

	mutation, ok := projector.ProjectEntity(entity, byStatus)

	if !ok {
		t.Fatalf("expected projection to be defined")
	}

	expectedKey, _ := byStatus.Key(entity.Fields, entity.Key)
	expected := model.ViewMutation{
		ViewName:  "orders-by-status",
		ViewKey:   expectedKey,
		EntityKey: "order-1",
		Seq:       7,
		Fields:    model.Fields{"qty": "2"},
	}

	diff := cmp.Diff(expected, mutation)

	if diff != "" {
		t.Fatalf(diff)
	}

	// A tombstoned entity projects to a delete under the same key
	entity.Deleted = true
	entity.Seq = 8

	mutation, ok = projector.ProjectEntity(entity, byStatus)

	if !ok {
		t.Fatalf("expected projection to be defined")
	}

	if !mutation.Delete || mutation.Seq != 8 {
		t.Fatalf("expected a delete at seq 8, got %#v", mutation)
	}

	// An entity that never set a key field has no row in the view
	_, ok = projector.ProjectEntity(model.Entity{Key: "order-2", Seq: 1, Fields: model.Fields{"qty": "1"}}, byStatus)

	if ok {
		t.Fatalf("expected projection to be undefined")
	}
}
