// Package viewsync keeps derived view tables eventually consistent
// with their primary entities over a partitioned key-value store.
// Writers append to a durable per-entity journal; a propagation
// engine projects journal records onto registered views with
// at-least-once delivery and idempotent application; a background
// reconciler audits for drift and feeds repairs back through the
// same pipeline; and a window reporter quantifies how stale each
// view currently is.
//
// There are no cross-partition transactions anywhere in the layer.
// A view read may trail the primary by the consistency window it
// reports, but it never observes a mutation out of order and never
// retains the effect of a mutation that was later superseded.
package viewsync

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jrife/viewsync/metrics"
	"github.com/jrife/viewsync/storage/kv"
	"github.com/jrife/viewsync/storage/kv/keys"
	"github.com/jrife/viewsync/storage/kv/plugins"
	"github.com/jrife/viewsync/utils/log"
	"github.com/jrife/viewsync/utils/uuid"
	"github.com/jrife/viewsync/viewsync/engine"
	"github.com/jrife/viewsync/viewsync/journal"
	"github.com/jrife/viewsync/viewsync/model"
	"github.com/jrife/viewsync/viewsync/reconciler"
	"github.com/jrife/viewsync/viewsync/window"
	"go.uber.org/zap"
)

var (
	// ErrConfigConflict indicates an attempt to register a view
	// whose definition conflicts with the one already registered
	// under the same name
	ErrConfigConflict = errors.New("conflicting view definition")
	// ErrNoSuchView indicates an operation against a view name
	// that was never registered
	ErrNoSuchView = errors.New("no such view")
	// ErrClosed indicates an operation against a closed layer
	ErrClosed = errors.New("layer is closed")
)

// Config contains the tunables to construct a Layer
type Config struct {
	// Driver selects the kv driver by plugin name. Defaults
	// to the in-memory driver.
	Driver string
	// DriverOptions is passed through to the driver plugin
	DriverOptions kv.PluginOptions
	// Engine contains propagation engine tunables
	Engine engine.Config
	// Reconciler contains reconciler tunables
	Reconciler reconciler.Config
	// Logger receives the layer's structured logs. Defaults to
	// a no-op logger.
	Logger *zap.Logger
}

// Layer is the derived view synchronization layer
type Layer struct {
	mu         sync.RWMutex
	closed     bool
	store      kv.Store
	journal    *journal.Journal
	registry   *viewRegistry
	engine     *engine.Engine
	reconciler *reconciler.Reconciler
	reporter   *window.Reporter
	logger     *zap.Logger
	metrics    *metrics.Registry
}

var _ reconciler.Repairer = (*Layer)(nil)

// New constructs a Layer on a freshly opened store and starts its
// background processes. Pending propagation recorded before the
// last shutdown is re-enqueued, so a crash between a journal append
// and view application is retried on startup.
func New(config Config) (*Layer, error) {
	if config.Driver == "" {
		config.Driver = plugins.DriverMemory
	}

	plugin := plugins.Plugin(config.Driver)

	if plugin == nil {
		return nil, fmt.Errorf("no such kv driver: %s", config.Driver)
	}

	store, err := plugin.NewStore(config.DriverOptions)

	if err != nil {
		return nil, fmt.Errorf("could not open store: %s", err.Error())
	}

	layer, err := Open(store, config)

	if err != nil {
		store.Close()

		return nil, err
	}

	return layer, nil
}

// Open constructs a Layer on an already opened store. The caller
// retains ownership of the store; Close will close it.
func Open(store kv.Store, config Config) (*Layer, error) {
	logger := config.Logger

	if logger == nil {
		logger = zap.NewNop()
	}

	registry := metrics.NewRegistry()

	jrnl, err := journal.New(store, logger.Named("journal"), registry)

	if err != nil {
		return nil, err
	}

	views, err := newViewRegistry(store)

	if err != nil {
		return nil, err
	}

	eng, err := engine.New(store, jrnl, views, config.Engine, logger.Named("engine"), registry)

	if err != nil {
		return nil, err
	}

	layer := &Layer{
		store:    store,
		journal:  jrnl,
		registry: views,
		engine:   eng,
		reporter: window.NewReporter(jrnl, eng.Progress(), views, registry),
		logger:   logger,
		metrics:  registry,
	}

	layer.reconciler = reconciler.New(store, jrnl, eng, views, layer, config.Reconciler, logger.Named("reconciler"), registry)

	eng.Start()
	layer.reconciler.Start()

	if err := layer.resume(context.Background()); err != nil {
		layer.reconciler.Stop()
		eng.Stop()

		return nil, err
	}

	return layer, nil
}

// resume re-enqueues every pair whose recorded progress shows
// unfinished work
func (layer *Layer) resume(ctx context.Context) error {
	var after keys.Key

	for {
		page, next, err := layer.engine.Progress().Page(ctx, after, 256)

		if err != nil {
			return fmt.Errorf("could not resume pending propagation: %s", err.Error())
		}

		for _, progress := range page {
			if progress.Pending > 0 || progress.State == model.PairApplying || progress.State == model.PairRetrying {
				layer.engine.EnqueuePair(progress.EntityKey, progress.ViewName)
			}
		}

		if next == nil {
			return nil
		}

		after = next
	}
}

// Close stops the background processes and closes the store
func (layer *Layer) Close() error {
	layer.mu.Lock()

	if layer.closed {
		layer.mu.Unlock()

		return nil
	}

	layer.closed = true
	layer.mu.Unlock()

	if err := layer.reconciler.Stop(); err != nil {
		layer.logger.Error("reconciler stop failed", zap.Error(err))
	}

	if err := layer.engine.Stop(); err != nil {
		layer.logger.Error("engine stop failed", zap.Error(err))
	}

	return layer.store.Close()
}

func (layer *Layer) guard() error {
	layer.mu.RLock()
	defer layer.mu.RUnlock()

	if layer.closed {
		return ErrClosed
	}

	return nil
}

// RegisterView registers a derived view. Registering the same
// definition twice is a no-op; registering a different definition
// under an existing name fails with ErrConfigConflict. A new view
// is backfilled asynchronously from the materialized entities.
func (layer *Layer) RegisterView(ctx context.Context, def model.ViewDefinition) error {
	if err := layer.guard(); err != nil {
		return err
	}

	fresh, err := layer.registry.Register(def)

	if err != nil {
		return err
	}

	if !fresh {
		return nil
	}

	logger, ctx := log.LoggerFromContext(ctx, layer.logger)

	log.WithContext(ctx, logger).Info("view registered",
		zap.String("view", def.Name),
		zap.Strings("keyFields", def.KeyFields),
		zap.Strings("copyFields", def.CopyFields))

	return layer.backfill(ctx, def)
}

// backfill enqueues propagation of every known entity to a newly
// registered view. The engine's compaction fallback handles
// entities whose journal prefix is already gone.
func (layer *Layer) backfill(ctx context.Context, def model.ViewDefinition) error {
	start := ""

	for {
		entityKeys, err := layer.journal.Entities(ctx, start, 256)

		if err != nil {
			return fmt.Errorf("could not backfill view %s: %s", def.Name, err.Error())
		}

		if len(entityKeys) == 0 {
			return nil
		}

		for _, entityKey := range entityKeys {
			layer.engine.EnqueuePair(entityKey, def.Name)
		}

		start = entityKeys[len(entityKeys)-1]
	}
}

// Mutate appends a fields delta for the entity and schedules its
// propagation to every registered view. mutationID deduplicates
// caller retries; pass "" to assign a fresh one. Returns the
// sequence number the journal assigned. A nil error means the
// mutation is durable; propagation happens asynchronously and its
// failures are never surfaced here.
func (layer *Layer) Mutate(ctx context.Context, entityKey string, mutationID string, delta model.Fields) (uint64, error) {
	if err := layer.guard(); err != nil {
		return 0, err
	}

	logger, ctx := log.LoggerFromContext(ctx, layer.logger)

	if mutationID == "" {
		mutationID = uuid.MustUUID()
	}

	seq, err := layer.journal.Append(ctx, entityKey, mutationID, model.KindPut, delta)

	if err != nil {
		return 0, err
	}

	log.WithContext(ctx, logger).Debug("mutation journaled",
		zap.String("entity", entityKey),
		zap.Uint64("seq", seq))

	layer.engine.Enqueue(entityKey)

	return seq, nil
}

// Tombstone appends a tombstone for the entity and schedules its
// propagation. The entity's rows disappear from every view as
// propagation catches up; the journal retains the entity until
// every view has passed the tombstone.
func (layer *Layer) Tombstone(ctx context.Context, entityKey string, mutationID string) (uint64, error) {
	if err := layer.guard(); err != nil {
		return 0, err
	}

	logger, ctx := log.LoggerFromContext(ctx, layer.logger)

	if mutationID == "" {
		mutationID = uuid.MustUUID()
	}

	seq, err := layer.journal.Append(ctx, entityKey, mutationID, model.KindTombstone, nil)

	if err != nil {
		return 0, err
	}

	log.WithContext(ctx, logger).Debug("tombstone journaled",
		zap.String("entity", entityKey),
		zap.Uint64("seq", seq))

	layer.engine.Enqueue(entityKey)

	return seq, nil
}

// Entity reads the materialized current state of an entity from
// the primary side. ok is false if the entity was never written or
// was dropped after full tombstone propagation.
func (layer *Layer) Entity(ctx context.Context, entityKey string) (model.Entity, bool, error) {
	if err := layer.guard(); err != nil {
		return model.Entity{}, false, err
	}

	entity, ok, err := layer.journal.Entity(ctx, entityKey)

	if err != nil {
		return model.Entity{}, false, err
	}

	if ok && entity.Deleted {
		return model.Entity{}, false, nil
	}

	return entity, ok, nil
}

// ViewResult is the result of a view lookup: the matching rows and
// the consistency windows of the entities they came from, sampled
// at read time
type ViewResult struct {
	Rows    []model.ViewRow
	Windows []window.Window
}

// ReadView looks up rows of a view by key field values. The values
// are matched positionally against the view's key fields; fewer
// values than key fields is a prefix scan. The result carries the
// consistency window of each returned row's source entity so
// callers can judge how stale what they read may be.
func (layer *Layer) ReadView(ctx context.Context, viewName string, values ...string) (ViewResult, error) {
	if err := layer.guard(); err != nil {
		return ViewResult{}, err
	}

	def, ok := layer.registry.View(viewName)

	if !ok {
		return ViewResult{}, fmt.Errorf("%w: %s", ErrNoSuchView, viewName)
	}

	if len(values) > len(def.KeyFields) {
		return ViewResult{}, fmt.Errorf("view %s has %d key fields, got %d values", viewName, len(def.KeyFields), len(values))
	}

	partition := layer.store.Partition(model.ViewPartition(viewName))
	var rows []model.ViewRow

	err := kv.View(partition, func(txn kv.Transaction) error {
		iter, err := txn.Keys(def.KeyPrefix(values...), kv.SortOrderAsc)

		if err != nil {
			return err
		}

		kvs, err := kv.Keys(iter, -1)

		if err != nil {
			return err
		}

		for _, pair := range kvs {
			row, err := model.UnmarshalViewRow(pair[1])

			if err != nil {
				return err
			}

			rows = append(rows, row)
		}

		return nil
	})

	if err != nil {
		return ViewResult{}, fmt.Errorf("could not read view %s: %s", viewName, err.Error())
	}

	result := ViewResult{Rows: rows, Windows: make([]window.Window, 0, len(rows))}

	for _, row := range rows {
		w, err := layer.reporter.Window(ctx, row.EntityKey, viewName)

		if err != nil {
			return ViewResult{}, err
		}

		result.Windows = append(result.Windows, w)
	}

	return result, nil
}

// Window samples the consistency window for one entity/view pair
func (layer *Layer) Window(ctx context.Context, entityKey string, viewName string) (window.Window, error) {
	if err := layer.guard(); err != nil {
		return window.Window{}, err
	}

	if _, ok := layer.registry.View(viewName); !ok {
		return window.Window{}, fmt.Errorf("%w: %s", ErrNoSuchView, viewName)
	}

	return layer.reporter.Window(ctx, entityKey, viewName)
}

// EntityWindows samples the consistency window of every registered
// view for one entity
func (layer *Layer) EntityWindows(ctx context.Context, entityKey string) ([]window.Window, error) {
	if err := layer.guard(); err != nil {
		return nil, err
	}

	return layer.reporter.EntityWindows(ctx, entityKey)
}

// ViewWindow aggregates the consistency window across all entities
// for one view
func (layer *Layer) ViewWindow(ctx context.Context, viewName string) (window.Window, error) {
	if err := layer.guard(); err != nil {
		return window.Window{}, err
	}

	if _, ok := layer.registry.View(viewName); !ok {
		return window.Window{}, fmt.Errorf("%w: %s", ErrNoSuchView, viewName)
	}

	return layer.reporter.ViewWindow(ctx, viewName)
}

// ForceReconcile triggers an immediate reconciliation of one
// entity, ahead of the next audit interval
func (layer *Layer) ForceReconcile(ctx context.Context, entityKey string) error {
	if err := layer.guard(); err != nil {
		return err
	}

	return layer.reconciler.ForceReconcile(ctx, entityKey)
}

// Metrics exposes the layer's prometheus registry
func (layer *Layer) Metrics() *metrics.Registry {
	return layer.metrics
}

// RepairPut implements reconciler.Repairer. The repair is a
// synthetic full-state put appended through the journal, so it
// flows through the same projection and propagation path as any
// client mutation.
func (layer *Layer) RepairPut(ctx context.Context, entityKey string, fields model.Fields) (uint64, error) {
	seq, err := layer.journal.AppendSynthetic(ctx, entityKey, uuid.MustUUID(), model.KindPut, fields)

	if err != nil {
		return 0, err
	}

	layer.engine.Enqueue(entityKey)

	return seq, nil
}

// RepairTombstone implements reconciler.Repairer
func (layer *Layer) RepairTombstone(ctx context.Context, entityKey string) (uint64, error) {
	seq, err := layer.journal.AppendSynthetic(ctx, entityKey, uuid.MustUUID(), model.KindTombstone, nil)

	if err != nil {
		return 0, err
	}

	layer.engine.Enqueue(entityKey)

	return seq, nil
}
