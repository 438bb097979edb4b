// Package reconciler implements the background drift audit: it
// re-drives propagation for pairs whose progress lags the journal
// beyond a staleness threshold, detects referential drift between
// view rows and their source entities, and repairs it. Repairs are
// expressed as new synthetic journal records re-fed through the
// normal projection and propagation pipeline, never as direct view
// writes, preserving the single-writer-path invariant.
//
// Audits run at lower priority than propagation: scans are paced
// by a rate limiter and yield work in bounded batches.
package reconciler

import (
	"context"
	"fmt"
	"time"

	"github.com/jrife/viewsync/metrics"
	"github.com/jrife/viewsync/storage/kv"
	"github.com/jrife/viewsync/storage/kv/keys"
	"github.com/jrife/viewsync/utils/log"
	"github.com/jrife/viewsync/viewsync/engine"
	"github.com/jrife/viewsync/viewsync/journal"
	"github.com/jrife/viewsync/viewsync/model"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Config contains tunables for the reconciler
type Config struct {
	// Interval is the period between reconciliation passes
	Interval time.Duration
	// StalenessThreshold is how long a pair may remain pending
	// before it is re-driven
	StalenessThreshold time.Duration
	// ExpectedLag is the propagation delay within which a missing
	// view row is not yet considered drift
	ExpectedLag time.Duration
	// ScanBatch bounds how many entities or rows an audit reads
	// per transaction
	ScanBatch int
	// ScanRate caps audited items per second so scans do not
	// starve the propagation engine
	ScanRate float64
}

// DefaultConfig returns the default reconciler tunables
func DefaultConfig() Config {
	return Config{
		Interval:           30 * time.Second,
		StalenessThreshold: time.Minute,
		ExpectedLag:        10 * time.Second,
		ScanBatch:          128,
		ScanRate:           512,
	}
}

func (config Config) withDefaults() Config {
	defaults := DefaultConfig()

	if config.Interval <= 0 {
		config.Interval = defaults.Interval
	}

	if config.StalenessThreshold <= 0 {
		config.StalenessThreshold = defaults.StalenessThreshold
	}

	if config.ExpectedLag <= 0 {
		config.ExpectedLag = defaults.ExpectedLag
	}

	if config.ScanBatch <= 0 {
		config.ScanBatch = defaults.ScanBatch
	}

	if config.ScanRate <= 0 {
		config.ScanRate = defaults.ScanRate
	}

	return config
}

// Repairer appends synthetic mutations on the reconciler's
// behalf. Implemented by the layer facade so repairs share the
// writer path with client mutations.
type Repairer interface {
	// RepairPut appends a synthetic full-state put for the entity
	RepairPut(ctx context.Context, entityKey string, fields model.Fields) (uint64, error)
	// RepairTombstone appends a synthetic tombstone for the entity
	RepairTombstone(ctx context.Context, entityKey string) (uint64, error)
}

// Reconciler is the background drift audit process
type Reconciler struct {
	store    kv.Store
	journal  *journal.Journal
	engine   *engine.Engine
	views    model.ViewSet
	repairer Repairer
	config   Config
	limiter  *rate.Limiter
	group    *errgroup.Group
	cancel   context.CancelFunc
	force    chan string
	logger   *zap.Logger
	metrics  *metrics.Registry
}

// New creates a reconciler. Start must be called to begin
// periodic audits.
func New(store kv.Store, jrnl *journal.Journal, eng *engine.Engine, views model.ViewSet, repairer Repairer, config Config, logger *zap.Logger, registry *metrics.Registry) *Reconciler {
	config = config.withDefaults()

	return &Reconciler{
		store:    store,
		journal:  jrnl,
		engine:   eng,
		views:    views,
		repairer: repairer,
		config:   config,
		limiter:  rate.NewLimiter(rate.Limit(config.ScanRate), config.ScanBatch),
		force:    make(chan string, 64),
		logger:   logger,
		metrics:  registry,
	}
}

// Start launches the periodic audit loop
func (reconciler *Reconciler) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	group, ctx := errgroup.WithContext(ctx)

	reconciler.cancel = cancel
	reconciler.group = group

	group.Go(func() error {
		reconciler.run(ctx)

		return nil
	})

	reconciler.logger.Info("reconciler started", zap.Duration("interval", reconciler.config.Interval))
}

// Stop stops the audit loop
func (reconciler *Reconciler) Stop() error {
	reconciler.cancel()

	err := reconciler.group.Wait()
	reconciler.logger.Info("reconciler stopped")

	return err
}

// ForceReconcile triggers an immediate audit of one entity,
// bypassing the interval. Meant for operator-triggered repair.
func (reconciler *Reconciler) ForceReconcile(ctx context.Context, entityKey string) error {
	select {
	case reconciler.force <- entityKey:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (reconciler *Reconciler) run(ctx context.Context) {
	ticker := time.NewTicker(reconciler.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case entityKey := <-reconciler.force:
			entityCtx := log.WithFields(ctx, zap.String("entity", entityKey))

			if err := reconciler.reconcileEntity(entityCtx, entityKey); err != nil {
				log.WithContext(entityCtx, reconciler.logger).Error("forced reconciliation failed", zap.Error(err))
			}
		case <-ticker.C:
			if err := reconciler.Reconcile(ctx); err != nil && ctx.Err() == nil {
				reconciler.logger.Error("reconciliation pass failed", zap.Error(err))
			}
		}
	}
}

// Reconcile performs one full audit pass: the lag audit over all
// entities, the dangling scan over all view tables, and journal
// compaction for fully propagated entities
func (reconciler *Reconciler) Reconcile(ctx context.Context) error {
	start := ""

	for {
		entityKeys, err := reconciler.journal.Entities(ctx, start, reconciler.config.ScanBatch)

		if err != nil {
			return err
		}

		if len(entityKeys) == 0 {
			break
		}

		if err := reconciler.limiter.WaitN(ctx, len(entityKeys)); err != nil {
			return err
		}

		for _, entityKey := range entityKeys {
			entityCtx := log.WithFields(ctx, zap.String("entity", entityKey))

			if err := reconciler.reconcileEntity(entityCtx, entityKey); err != nil {
				log.WithContext(entityCtx, reconciler.logger).Error("entity reconciliation failed", zap.Error(err))
			}
		}

		start = entityKeys[len(entityKeys)-1]
	}

	for _, def := range reconciler.views.Views() {
		if err := reconciler.scanView(ctx, def); err != nil {
			return err
		}
	}

	return nil
}

// reconcileEntity audits one entity: re-drives lagging or stuck
// pairs, detects missing view rows, and compacts the journal up
// to the minimum applied sequence across all registered views
func (reconciler *Reconciler) reconcileEntity(ctx context.Context, entityKey string) error {
	entity, ok, err := reconciler.journal.Entity(ctx, entityKey)

	if err != nil {
		return err
	}

	if !ok {
		return nil
	}

	views := reconciler.views.Views()

	if len(views) == 0 {
		return nil
	}

	minApplied := entity.Seq
	now := time.Now()

	for _, def := range views {
		progress, err := reconciler.engine.Progress().Load(ctx, entityKey, def.Name)

		if err != nil {
			return err
		}

		if progress.Seq < minApplied {
			minApplied = progress.Seq
		}

		if progress.State == model.PairStuck {
			if err := reconciler.engine.Redrive(ctx, entityKey, def.Name); err != nil {
				return err
			}

			continue
		}

		if progress.Seq < entity.Seq {
			stale := !progress.OldestPendingAt.IsZero() &&
				now.Sub(progress.OldestPendingAt) > reconciler.config.StalenessThreshold

			if stale || progress.LastAttemptAt.IsZero() {
				reconciler.engine.EnqueuePair(entityKey, def.Name)
			}

			continue
		}

		// The pair is caught up; the row itself may still have been
		// lost out of band. That is missing drift.
		if !entity.Deleted {
			if err := reconciler.auditRow(ctx, entity, def); err != nil {
				return err
			}
		}
	}

	return reconciler.compactEntity(ctx, entity, minApplied)
}

// auditRow verifies that a caught-up view actually holds the row
// the entity's current state implies
func (reconciler *Reconciler) auditRow(ctx context.Context, entity model.Entity, def model.ViewDefinition) error {
	viewKey, ok := def.Key(entity.Fields, entity.Key)

	if !ok {
		return nil
	}

	partition := reconciler.store.Partition(model.ViewPartition(def.Name))
	data, err := kv.Get(partition, viewKey)

	if err != nil {
		return err
	}

	if data != nil {
		row, err := model.UnmarshalViewRow(data)

		if err != nil {
			return err
		}

		if row.Seq >= entity.Seq {
			return nil
		}
	}

	drift := model.DriftRecord{
		Kind:       model.DriftMissing,
		ViewName:   def.Name,
		ViewKey:    viewKey,
		EntityKey:  entity.Key,
		Seq:        entity.Seq,
		DetectedAt: time.Now().UTC(),
	}

	return reconciler.repair(ctx, drift, entity)
}

// scanView performs the dangling scan over one view table: rows
// whose source entity is gone or tombstoned, or whose key no
// longer matches the entity's current state, are drift
func (reconciler *Reconciler) scanView(ctx context.Context, def model.ViewDefinition) error {
	partition := reconciler.store.Partition(model.ViewPartition(def.Name))
	var after keys.Key

	for {
		if err := reconciler.limiter.WaitN(ctx, reconciler.config.ScanBatch); err != nil {
			return err
		}

		batch, last, err := reconciler.viewPage(partition, after, reconciler.config.ScanBatch)

		if err != nil {
			return err
		}

		for _, entry := range batch {
			if err := reconciler.auditViewRow(ctx, def, entry.key, entry.row); err != nil {
				reconciler.logger.Error("view row audit failed",
					zap.String("view", def.Name), zap.Error(err))
			}
		}

		if last == nil {
			return nil
		}

		after = last
	}
}

type viewEntry struct {
	key keys.Key
	row model.ViewRow
}

func (reconciler *Reconciler) viewPage(partition kv.Partition, after keys.Key, limit int) ([]viewEntry, keys.Key, error) {
	entries := make([]viewEntry, 0, limit)
	var last keys.Key

	err := kv.View(partition, func(txn kv.Transaction) error {
		r := keys.All()

		if after != nil {
			r = r.Gt(after)
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
			row, err := model.UnmarshalViewRow(pair[1])

			if err != nil {
				return err
			}

			entries = append(entries, viewEntry{key: pair[0], row: row})
			last = pair[0]
		}

		return nil
	})

	if err != nil {
		return nil, nil, fmt.Errorf("could not page view rows: %w", err)
	}

	if len(entries) < limit {
		last = nil
	}

	return entries, last, nil
}

func (reconciler *Reconciler) auditViewRow(ctx context.Context, def model.ViewDefinition, rowKey keys.Key, row model.ViewRow) error {
	entity, ok, err := reconciler.journal.Entity(ctx, row.EntityKey)

	if err != nil {
		return err
	}

	if ok {
		progress, err := reconciler.engine.Progress().Load(ctx, row.EntityKey, def.Name)

		if err != nil {
			return err
		}

		// Propagation for this pair is still in flight. Give it its
		// expected lag before calling the row drift; the lag audit
		// re-drives it if it stays behind.
		if progress.Seq < entity.Seq && time.Since(progress.LastAttemptAt) < reconciler.config.ExpectedLag {
			return nil
		}
	}

	dangling := false

	switch {
	case !ok || entity.Deleted:
		dangling = true
	default:
		expectedKey, derivable := def.Key(entity.Fields, entity.Key)

		// A row left behind after the entity's key fields changed
		// no longer matches the key its entity derives. It will
		// never be overwritten through the normal path.
		if !derivable || keys.Compare(expectedKey, rowKey) != 0 {
			dangling = row.Seq < entity.Seq
		}
	}

	if !dangling {
		return nil
	}

	drift := model.DriftRecord{
		Kind:       model.DriftDangling,
		ViewName:   def.Name,
		ViewKey:    rowKey,
		EntityKey:  row.EntityKey,
		Seq:        row.Seq,
		DetectedAt: time.Now().UTC(),
	}

	return reconciler.repair(ctx, drift, entity)
}

// repair consumes a drift record. Repairs flow through the
// journal wherever a journal record can reach the drifted row: a
// missing row becomes a synthetic full-state put, a dangling row
// for a tombstoned entity becomes a synthetic tombstone. Two kinds
// of orphan are unreachable that way, because no projected
// mutation can ever derive their key: a stale row under a
// superseded key, and a row whose entity was already dropped along
// with its fields. Those are removed directly, guarded by the same
// sequence comparison every application uses.
func (reconciler *Reconciler) repair(ctx context.Context, drift model.DriftRecord, entity model.Entity) error {
	reconciler.metrics.DriftDetected.WithLabelValues(drift.ViewName, drift.Kind.String()).Inc()
	log.WithContext(ctx, reconciler.logger).Warn("drift detected",
		zap.String("view", drift.ViewName),
		zap.String("entity", drift.EntityKey),
		zap.String("kind", drift.Kind.String()),
		zap.Uint64("seq", drift.Seq))

	switch drift.Kind {
	case model.DriftMissing:
		if _, err := reconciler.repairer.RepairPut(ctx, drift.EntityKey, entity.Fields); err != nil {
			return fmt.Errorf("could not append repair put: %w", err)
		}
	case model.DriftDangling:
		switch {
		case entity.Key == "":
			// The entity was dropped and its fields with it, so no
			// journal record can ever derive this row's key again
			if err := reconciler.deleteOrphanRow(drift); err != nil {
				return err
			}
		case entity.Deleted:
			if _, err := reconciler.repairer.RepairTombstone(ctx, drift.EntityKey); err != nil {
				return fmt.Errorf("could not append repair tombstone: %w", err)
			}
		default:
			// Stale row under a superseded key. The entity is alive,
			// so a tombstone would destroy its current row; delete
			// the orphan directly and re-assert the current state
			// through the pipeline.
			if err := reconciler.deleteOrphanRow(drift); err != nil {
				return err
			}

			if _, err := reconciler.repairer.RepairPut(ctx, drift.EntityKey, entity.Fields); err != nil {
				return fmt.Errorf("could not append repair put: %w", err)
			}
		}
	}

	reconciler.metrics.DriftRepairs.WithLabelValues(drift.ViewName, drift.Kind.String()).Inc()

	return nil
}

// deleteOrphanRow removes a drifted row, but only if it is still
// exactly the row the audit observed. A concurrent propagation
// that rewrote the row under a newer sequence number wins.
func (reconciler *Reconciler) deleteOrphanRow(drift model.DriftRecord) error {
	partition := reconciler.store.Partition(model.ViewPartition(drift.ViewName))

	return kv.Update(partition, func(txn kv.Transaction) error {
		data, err := txn.Get(drift.ViewKey)

		if err != nil {
			return err
		}

		if data == nil {
			return nil
		}

		row, err := model.UnmarshalViewRow(data)

		if err != nil {
			return err
		}

		if row.EntityKey != drift.EntityKey || row.Seq > drift.Seq {
			return nil
		}

		return txn.Delete(drift.ViewKey)
	})
}

// compactEntity compacts the entity's journal up to the minimum
// applied sequence across all views. Tombstones are retained until
// every registered view has progressed past them; once they have,
// the materialized entity and its progress records are dropped.
func (reconciler *Reconciler) compactEntity(ctx context.Context, entity model.Entity, minApplied uint64) error {
	if minApplied == 0 {
		return nil
	}

	if err := reconciler.journal.Compact(ctx, entity.Key, minApplied); err != nil {
		return err
	}

	if entity.Deleted && minApplied >= entity.Seq {
		if err := reconciler.journal.DropEntity(ctx, entity.Key); err != nil {
			return err
		}

		if err := reconciler.engine.Progress().DeleteEntity(ctx, entity.Key); err != nil {
			return err
		}

		log.WithContext(ctx, reconciler.logger).Info("dropped fully propagated tombstone")
	}

	return nil
}
