package reconciler_test

import (
	"context"
	"testing"
	"time"

	"github.com/jrife/viewsync/metrics"
	"github.com/jrife/viewsync/storage/kv"
	"github.com/jrife/viewsync/storage/kv/plugins"
	"github.com/jrife/viewsync/utils/uuid"
	"github.com/jrife/viewsync/viewsync/engine"
	"github.com/jrife/viewsync/viewsync/journal"
	"github.com/jrife/viewsync/viewsync/model"
	"github.com/jrife/viewsync/viewsync/reconciler"
	"go.uber.org/zap"
)

var byStatus = model.ViewDefinition{
	Name:       "orders-by-status",
	KeyFields:  []string{"status"},
	CopyFields: []string{"qty"},
}

type staticViews []model.ViewDefinition

func (views staticViews) Views() []model.ViewDefinition {
	return views
}

func (views staticViews) View(name string) (model.ViewDefinition, bool) {
	for _, def := range views {
		if def.Name == name {
			return def, true
		}
	}

	return model.ViewDefinition{}, false
}

// journalRepairer feeds repairs back through the journal the same
// way the layer facade does
type journalRepairer struct {
	journal *journal.Journal
	engine  *engine.Engine
}

func (repairer *journalRepairer) RepairPut(ctx context.Context, entityKey string, fields model.Fields) (uint64, error) {
	seq, err := repairer.journal.AppendSynthetic(ctx, entityKey, uuid.MustUUID(), model.KindPut, fields)

	if err != nil {
		return 0, err
	}

	repairer.engine.Enqueue(entityKey)

	return seq, nil
}

func (repairer *journalRepairer) RepairTombstone(ctx context.Context, entityKey string) (uint64, error) {
	seq, err := repairer.journal.AppendSynthetic(ctx, entityKey, uuid.MustUUID(), model.KindTombstone, nil)

	if err != nil {
		return 0, err
	}

	repairer.engine.Enqueue(entityKey)

	return seq, nil
}

type fixture struct {
	store      kv.Store
	journal    *journal.Journal
	engine     *engine.Engine
	reconciler *reconciler.Reconciler
	views      staticViews
}

func setup(t *testing.T, views staticViews) *fixture {
	store, err := plugins.Plugin(plugins.DriverMemory).NewTempStore()

	if err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	registry := metrics.NewRegistry()

	jrnl, err := journal.New(store, zap.NewNop(), registry)

	if err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	for _, def := range views {
		if err := store.Partition(model.ViewPartition(def.Name)).Create(); err != nil {
			t.Fatalf("expected err to be nil, got %#v", err)
		}
	}

	eng, err := engine.New(store, jrnl, views, engine.Config{
		Workers:     2,
		BackoffBase: time.Millisecond,
		BackoffCap:  5 * time.Millisecond,
		DrainGrace:  5 * time.Second,
	}, zap.NewNop(), registry)

	if err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	eng.Start()

	repairer := &journalRepairer{journal: jrnl, engine: eng}
	rec := reconciler.New(store, jrnl, eng, views, repairer, reconciler.Config{}, zap.NewNop(), registry)

	t.Cleanup(func() {
		eng.Stop()
		store.Delete()
	})

	return &fixture{store: store, journal: jrnl, engine: eng, reconciler: rec, views: views}
}

func waitFor(t *testing.T, what string, condition func() bool) {
	deadline := time.Now().Add(5 * time.Second)

	for time.Now().Before(deadline) {
		if condition() {
			return
		}

		time.Sleep(5 * time.Millisecond)
	}

	t.Fatalf("timed out waiting for %s", what)
}

func (f *fixture) append(t *testing.T, entity string, kind model.MutationKind, delta model.Fields) uint64 {
	seq, err := f.journal.Append(context.Background(), entity, uuid.MustUUID(), kind, delta)

	if err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	f.engine.Enqueue(entity)

	return seq
}

func (f *fixture) rowAt(t *testing.T, def model.ViewDefinition, fields model.Fields, entity string) (model.ViewRow, bool) {
	viewKey, ok := def.Key(fields, entity)

	if !ok {
		t.Fatalf("expected the view key to be derivable")
	}

	data, err := kv.Get(f.store.Partition(model.ViewPartition(def.Name)), viewKey)

	if err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	if data == nil {
		return model.ViewRow{}, false
	}

	row, err := model.UnmarshalViewRow(data)

	if err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	return row, true
}

func (f *fixture) caughtUp(t *testing.T, entity string, seq uint64) func() bool {
	return func() bool {
		for _, def := range f.views {
			progress, err := f.engine.Progress().Load(context.Background(), entity, def.Name)

			if err != nil {
				t.Fatalf("expected err to be nil, got %#v", err)
			}

			if progress.Seq < seq {
				return false
			}
		}

		return true
	}
}

func (f *fixture) putRow(t *testing.T, def model.ViewDefinition, fields model.Fields, row model.ViewRow) {
	viewKey, ok := def.Key(fields, row.EntityKey)

	if !ok {
		t.Fatalf("expected the view key to be derivable")
	}

	data, err := model.MarshalViewRow(row)

	if err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	err = kv.Update(f.store.Partition(model.ViewPartition(def.Name)), func(txn kv.Transaction) error {
		return txn.Put(viewKey, data)
	})

	if err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}
}

func (f *fixture) deleteRow(t *testing.T, def model.ViewDefinition, fields model.Fields, entity string) {
	viewKey, ok := def.Key(fields, entity)

	if !ok {
		t.Fatalf("expected the view key to be derivable")
	}

	err := kv.Update(f.store.Partition(model.ViewPartition(def.Name)), func(txn kv.Transaction) error {
		return txn.Delete(viewKey)
	})

	if err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}
}

func TestRepairsMissingRow(t *testing.T) {
	f := setup(t, staticViews{byStatus})
	ctx := context.Background()

	f.append(t, "order-1", model.KindPut, model.Fields{"status": "open", "qty": "1"})
	waitFor(t, "the put to propagate", f.caughtUp(t, "order-1", 1))

	// Lose the row out of band
	f.deleteRow(t, byStatus, model.Fields{"status": "open"}, "order-1")

	if err := f.reconciler.Reconcile(ctx); err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	waitFor(t, "the repair to propagate", func() bool {
		row, ok := f.rowAt(t, byStatus, model.Fields{"status": "open"}, "order-1")

		return ok && row.Fields["qty"] == "1" && row.Seq > 1
	})
}

func TestRepairsDanglingRow(t *testing.T) {
	f := setup(t, staticViews{byStatus})
	ctx := context.Background()

	f.append(t, "order-1", model.KindPut, model.Fields{"status": "open", "qty": "1"})
	waitFor(t, "the put to propagate", f.caughtUp(t, "order-1", 1))

	f.append(t, "order-1", model.KindTombstone, nil)
	waitFor(t, "the tombstone to propagate", f.caughtUp(t, "order-1", 2))

	// Reconciliation drops the fully propagated tombstone
	if err := f.reconciler.Reconcile(ctx); err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	if _, ok, _ := f.journal.Entity(ctx, "order-1"); ok {
		t.Fatalf("expected the tombstoned entity to be dropped")
	}

	// Resurrect the row out of band, as if the delete had been lost
	f.putRow(t, byStatus, model.Fields{"status": "open"}, model.ViewRow{EntityKey: "order-1", Seq: 1, Fields: model.Fields{"qty": "1"}})

	if err := f.reconciler.Reconcile(ctx); err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	// The entity's fields are gone with it, so the audit removes
	// the orphan directly rather than through the pipeline
	waitFor(t, "the dangling row to be removed", func() bool {
		_, ok := f.rowAt(t, byStatus, model.Fields{"status": "open"}, "order-1")

		return !ok
	})
}

func TestRepairsStaleKeyedRow(t *testing.T) {
	f := setup(t, staticViews{byStatus})
	ctx := context.Background()

	f.append(t, "order-1", model.KindPut, model.Fields{"status": "open", "qty": "1"})
	waitFor(t, "the put to propagate", f.caughtUp(t, "order-1", 1))

	// Changing a key field moves the row; the one under the old key
	// is left behind until an audit notices it
	f.append(t, "order-1", model.KindPut, model.Fields{"status": "closed", "qty": "1"})
	waitFor(t, "the re-keyed put to propagate", f.caughtUp(t, "order-1", 2))

	if _, ok := f.rowAt(t, byStatus, model.Fields{"status": "open"}, "order-1"); !ok {
		t.Fatalf("expected the superseded row to still be present before the audit")
	}

	if err := f.reconciler.Reconcile(ctx); err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	waitFor(t, "the superseded row to be removed", func() bool {
		_, ok := f.rowAt(t, byStatus, model.Fields{"status": "open"}, "order-1")

		return !ok
	})

	row, ok := f.rowAt(t, byStatus, model.Fields{"status": "closed"}, "order-1")

	if !ok || row.Fields["qty"] != "1" {
		t.Fatalf("expected the current row to survive the audit, got %#v", row)
	}
}

func TestRedrivesStuckPairs(t *testing.T) {
	f := setup(t, staticViews{byStatus})
	ctx := context.Background()

	f.append(t, "order-1", model.KindPut, model.Fields{"status": "open", "qty": "1"})
	waitFor(t, "the put to propagate", f.caughtUp(t, "order-1", 1))

	// Park the pair by hand
	progress, err := f.engine.Progress().Load(ctx, "order-1", byStatus.Name)

	if err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	progress.State = model.PairStuck

	if err := f.engine.Progress().Save(ctx, progress); err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	f.append(t, "order-1", model.KindPut, model.Fields{"qty": "2"})
	time.Sleep(20 * time.Millisecond)

	if err := f.reconciler.Reconcile(ctx); err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	waitFor(t, "the redriven pair to catch up", func() bool {
		row, ok := f.rowAt(t, byStatus, model.Fields{"status": "open"}, "order-1")

		return ok && row.Seq == 2
	})
}

func TestCompactsFullyPropagatedEntities(t *testing.T) {
	f := setup(t, staticViews{byStatus})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		f.append(t, "order-1", model.KindPut, model.Fields{"status": "open", "qty": "1"})
	}

	waitFor(t, "the puts to propagate", f.caughtUp(t, "order-1", 5))

	if err := f.reconciler.Reconcile(ctx); err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	floor, err := f.journal.Floor(ctx, "order-1")

	if err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	if floor != 5 {
		t.Fatalf("expected floor to be 5, got %d", floor)
	}

	// The live entity survives compaction
	if _, ok, _ := f.journal.Entity(ctx, "order-1"); !ok {
		t.Fatalf("expected the live entity to be retained")
	}
}
