// Package engine implements the propagation engine: it drains the
// journal into every registered view, tracking per-(entity, view)
// progress, retrying transient failures with backoff, and
// guaranteeing at-least-once delivery with idempotent application.
//
// The engine never surfaces propagation failures to the original
// writer. The journal write already succeeded and everything after
// it runs asynchronously. Exhausted retries park the pair in a
// Stuck state that only reconciliation clears.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jrife/viewsync/metrics"
	"github.com/jrife/viewsync/storage/kv"
	"github.com/jrife/viewsync/utils/log"
	"github.com/jrife/viewsync/utils/uuid"
	"github.com/jrife/viewsync/viewsync/journal"
	"github.com/jrife/viewsync/viewsync/model"
	"github.com/jrife/viewsync/viewsync/projector"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// ErrStuck indicates that propagation for a pair exhausted its
// retry budget. Surfaced to operators through metrics and the
// reconciler, never to the original writer.
var ErrStuck = errors.New("propagation exhausted its retries")

// Config contains tunables for the propagation engine
type Config struct {
	// Workers is the number of concurrent propagation workers
	Workers int
	// MaxAttempts is the retry ceiling per mutation application
	MaxAttempts int
	// BackoffBase is the first retry delay; it doubles per attempt
	BackoffBase time.Duration
	// BackoffCap bounds the retry delay
	BackoffCap time.Duration
	// LeaseTTL bounds how long a crashed worker can hold a pair
	LeaseTTL time.Duration
	// QueueCapacity bounds the ready queue
	QueueCapacity int
	// DrainGrace bounds how long Stop waits for in-flight
	// applications to complete
	DrainGrace time.Duration
}

// DefaultConfig returns the default engine tunables
func DefaultConfig() Config {
	return Config{
		Workers:       8,
		MaxAttempts:   6,
		BackoffBase:   50 * time.Millisecond,
		BackoffCap:    5 * time.Second,
		LeaseTTL:      30 * time.Second,
		QueueCapacity: 1024,
		DrainGrace:    10 * time.Second,
	}
}

func (config Config) withDefaults() Config {
	defaults := DefaultConfig()

	if config.Workers <= 0 {
		config.Workers = defaults.Workers
	}

	if config.MaxAttempts <= 0 {
		config.MaxAttempts = defaults.MaxAttempts
	}

	if config.BackoffBase <= 0 {
		config.BackoffBase = defaults.BackoffBase
	}

	if config.BackoffCap <= 0 {
		config.BackoffCap = defaults.BackoffCap
	}

	if config.LeaseTTL <= 0 {
		config.LeaseTTL = defaults.LeaseTTL
	}

	if config.QueueCapacity <= 0 {
		config.QueueCapacity = defaults.QueueCapacity
	}

	if config.DrainGrace <= 0 {
		config.DrainGrace = defaults.DrainGrace
	}

	return config
}

// Engine is the propagation engine
type Engine struct {
	store    kv.Store
	journal  *journal.Journal
	views    model.ViewSet
	progress *ProgressStore
	config   Config
	queue    *readyQueue
	leases   *leaseTable
	fetches  singleflight.Group
	group    *errgroup.Group
	cancel   context.CancelFunc
	logger   *zap.Logger
	metrics  *metrics.Registry
}

// New creates a propagation engine. Start must be called before
// enqueued work is processed.
func New(store kv.Store, jrnl *journal.Journal, views model.ViewSet, config Config, logger *zap.Logger, registry *metrics.Registry) (*Engine, error) {
	progress, err := NewProgressStore(store)

	if err != nil {
		return nil, err
	}

	config = config.withDefaults()

	return &Engine{
		store:    store,
		journal:  jrnl,
		views:    views,
		progress: progress,
		config:   config,
		queue:    newReadyQueue(config.QueueCapacity),
		leases:   newLeaseTable(),
		logger:   logger,
		metrics:  registry,
	}, nil
}

// Progress exposes the engine's progress store for read-only
// consumers: the reconciler and the window reporter
func (engine *Engine) Progress() *ProgressStore {
	return engine.progress
}

// Start launches the worker pool
func (engine *Engine) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	group, ctx := errgroup.WithContext(ctx)

	engine.cancel = cancel
	engine.group = group

	for i := 0; i < engine.config.Workers; i++ {
		group.Go(func() error {
			engine.worker(ctx)

			return nil
		})
	}

	engine.logger.Info("propagation engine started", zap.Int("workers", engine.config.Workers))
}

// Stop stops intake and drains in-flight applications to
// completion within the drain grace period. Draining rather than
// aborting avoids leaving a view mutation applied without its
// progress update, which would reappear as false drift.
func (engine *Engine) Stop() error {
	engine.queue.Close()

	done := make(chan error, 1)

	go func() {
		done <- engine.group.Wait()
	}()

	// The context stays live until workers finish or the grace
	// runs out; cancelling earlier would abort a pair between its
	// view write and its progress update.
	select {
	case err := <-done:
		engine.cancel()
		engine.logger.Info("propagation engine stopped")

		return err
	case <-time.After(engine.config.DrainGrace):
		engine.cancel()

		return fmt.Errorf("propagation engine did not drain within %s", engine.config.DrainGrace)
	}
}

// Enqueue schedules propagation of the entity to every
// registered view
func (engine *Engine) Enqueue(entityKey string) {
	for _, def := range engine.views.Views() {
		engine.EnqueuePair(entityKey, def.Name)
	}
}

// EnqueuePair schedules propagation of the entity to one view
func (engine *Engine) EnqueuePair(entityKey string, viewName string) {
	engine.queue.Enqueue(pairKey{entityKey: entityKey, viewName: viewName})
}

// Redrive clears a pair's Stuck state and schedules it again.
// Called by the reconciler; the engine itself never leaves Stuck.
func (engine *Engine) Redrive(ctx context.Context, entityKey string, viewName string) error {
	progress, err := engine.progress.Load(ctx, entityKey, viewName)

	if err != nil {
		return err
	}

	if progress.State == model.PairStuck {
		progress.State = model.PairRetrying
		progress.Attempts = 0

		if err := engine.progress.Save(ctx, progress); err != nil {
			return err
		}

		engine.metrics.StuckPairs.Dec()
	}

	engine.EnqueuePair(entityKey, viewName)

	return nil
}

func (engine *Engine) worker(ctx context.Context) {
	for {
		key, ok := engine.queue.Dequeue(ctx)

		if !ok {
			return
		}

		pairCtx := log.WithFields(ctx,
			zap.String("entity", key.entityKey),
			zap.String("view", key.viewName))

		if err := engine.processPair(pairCtx, key); err != nil && !errors.Is(err, context.Canceled) {
			log.WithContext(pairCtx, engine.logger).Error("pair propagation failed", zap.Error(err))
		}
	}
}

// processPair drains the journal suffix for one (entity, view)
// pair. Strict per-pair serialization: the lease guarantees no two
// in-flight applications for the same pair race, and replaying
// from the recorded progress guarantees the view never applies
// sequence n+1 before n.
func (engine *Engine) processPair(ctx context.Context, key pairKey) error {
	// Each acquisition gets its own owner id so that workers of
	// the same engine exclude each other, not just other engines.
	owner := uuid.MustUUID()

	if !engine.leases.Acquire(key, owner, engine.config.LeaseTTL) {
		// Another worker holds the pair. Its mutations will be
		// picked up when the pair is queued again.
		engine.requeueLater(key)

		return nil
	}

	defer engine.leases.Release(key, owner)

	def, ok := engine.views.View(key.viewName)

	if !ok {
		return fmt.Errorf("view %s is not registered", key.viewName)
	}

	progress, err := engine.progress.Load(ctx, key.entityKey, key.viewName)

	if err != nil {
		return err
	}

	if progress.State == model.PairStuck {
		// Fatal from the engine's perspective. Recoverable only
		// through Redrive.
		return nil
	}

	head, err := engine.journal.Head(ctx, key.entityKey)

	if err != nil {
		return err
	}

	if progress.Seq >= head {
		return engine.markCaughtUp(ctx, progress, head)
	}

	floor, err := engine.journal.Floor(ctx, key.entityKey)

	if err != nil {
		return err
	}

	if progress.Seq < floor {
		// The records this pair still needs were compacted away,
		// which happens when a view was registered after the
		// journal was already compacted. Collapse the missing
		// suffix into one full-state application.
		if err := engine.applyEntityState(ctx, def, &progress); err != nil {
			return err
		}
	}

	iter := engine.journal.ReadFrom(ctx, key.entityKey, progress.Seq+1)

	for iter.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}

		record := iter.Record()

		if record.Seq <= progress.Seq {
			continue
		}

		mutation, err := projector.Project(record, def)

		if errors.Is(err, projector.ErrIncomplete) {
			// Documented fallback: fetch the full entity state and
			// project from it. This collapses the remaining suffix
			// into a single overwrite at the entity's head sequence;
			// the skipped records are subsumed, never reordered.
			if err := engine.applyEntityState(ctx, def, &progress); err != nil {
				return err
			}

			continue
		} else if err != nil {
			return err
		}

		if err := engine.applyWithRetry(ctx, def, mutation, &progress); err != nil {
			return err
		}
	}

	if err := iter.Error(); err != nil {
		if errors.Is(err, journal.ErrCompacted) {
			if err := engine.applyEntityState(ctx, def, &progress); err != nil {
				return err
			}

			return nil
		}

		return err
	}

	return nil
}

// applyEntityState projects the entity's full current state and
// applies it, fast-forwarding progress to the entity's sequence
func (engine *Engine) applyEntityState(ctx context.Context, def model.ViewDefinition, progress *model.ViewProgress) error {
	entity, ok, err := engine.fetchEntity(ctx, progress.EntityKey)

	if err != nil {
		return err
	}

	if !ok {
		// The entity was dropped after full tombstone propagation;
		// nothing remains to apply. Mark the pair caught up.
		head, err := engine.journal.Head(ctx, progress.EntityKey)

		if err != nil {
			return err
		}

		progress.Seq = head

		return engine.markCaughtUp(ctx, *progress, head)
	}

	mutation, ok := projector.ProjectEntity(entity, def)

	if !ok {
		// The view's key derivation function is undefined for this
		// entity: no row exists for it. Progress still advances.
		progress.Seq = entity.Seq

		return engine.markCaughtUp(ctx, *progress, entity.Seq)
	}

	return engine.applyWithRetry(ctx, def, mutation, progress)
}

// applyWithRetry drives one mutation through the pair state
// machine: Applying, then Applied or Retrying with exponential
// backoff, then Stuck once attempts exceed the ceiling
func (engine *Engine) applyWithRetry(ctx context.Context, def model.ViewDefinition, mutation model.ViewMutation, progress *model.ViewProgress) error {
	head, err := engine.journal.Head(ctx, progress.EntityKey)

	if err != nil {
		return err
	}

	for {
		progress.State = model.PairApplying
		progress.LastAttemptAt = time.Now().UTC()

		if progress.OldestPendingAt.IsZero() {
			progress.OldestPendingAt = progress.LastAttemptAt
		}

		if err := engine.progress.Save(ctx, *progress); err != nil {
			return err
		}

		applyErr := engine.applyMutation(def, mutation)

		if applyErr == nil {
			engine.metrics.PropagationAttempts.WithLabelValues(def.Name, "success").Inc()

			if mutation.Seq > progress.Seq {
				progress.Seq = mutation.Seq
			}

			progress.Attempts = 0

			return engine.markCaughtUp(ctx, *progress, head)
		}

		engine.metrics.PropagationAttempts.WithLabelValues(def.Name, "failure").Inc()
		progress.Attempts++

		if progress.Attempts >= engine.config.MaxAttempts {
			progress.State = model.PairStuck

			if err := engine.progress.Save(ctx, *progress); err != nil {
				return err
			}

			engine.metrics.StuckPairs.Inc()
			log.WithContext(ctx, engine.logger).Error("pair is stuck",
				zap.Int("attempts", progress.Attempts),
				zap.Error(applyErr))

			return fmt.Errorf("%w: %s", ErrStuck, applyErr.Error())
		}

		progress.State = model.PairRetrying

		if err := engine.progress.Save(ctx, *progress); err != nil {
			return err
		}

		engine.metrics.PropagationRetries.WithLabelValues(def.Name).Inc()

		if err := engine.backoff(ctx, progress.Attempts); err != nil {
			return err
		}
	}
}

// markCaughtUp records the pair's steady state after successful
// application or when there is nothing to apply
func (engine *Engine) markCaughtUp(ctx context.Context, progress model.ViewProgress, head uint64) error {
	progress.State = model.PairIdle

	if head > progress.Seq {
		progress.Pending = head - progress.Seq
	} else {
		progress.Pending = 0
		progress.OldestPendingAt = time.Time{}
	}

	return engine.progress.Save(ctx, progress)
}

// applyMutation applies one view mutation inside a single view
// partition transaction. A mutation whose sequence number does not
// exceed the row's recorded sequence number is a silently accepted
// duplicate; this is what makes at-least-once delivery safe.
func (engine *Engine) applyMutation(def model.ViewDefinition, mutation model.ViewMutation) error {
	partition := engine.store.Partition(model.ViewPartition(def.Name))

	return kv.Update(partition, func(txn kv.Transaction) error {
		existing, err := txn.Get(mutation.ViewKey)

		if err != nil {
			return err
		}

		if existing != nil {
			row, err := model.UnmarshalViewRow(existing)

			if err != nil {
				return err
			}

			if mutation.Seq <= row.Seq {
				return nil
			}
		}

		if mutation.Delete {
			if existing == nil {
				return nil
			}

			return txn.Delete(mutation.ViewKey)
		}

		row := model.ViewRow{
			EntityKey: mutation.EntityKey,
			Seq:       mutation.Seq,
			Fields:    mutation.Fields,
		}

		data, err := model.MarshalViewRow(row)

		if err != nil {
			return err
		}

		return txn.Put(mutation.ViewKey, data)
	})
}

// fetchEntity reads the entity's materialized state, deduplicating
// concurrent fetches for the same entity across pairs
func (engine *Engine) fetchEntity(ctx context.Context, entityKey string) (model.Entity, bool, error) {
	type result struct {
		entity model.Entity
		ok     bool
	}

	v, err, _ := engine.fetches.Do(entityKey, func() (interface{}, error) {
		entity, ok, err := engine.journal.Entity(ctx, entityKey)

		if err != nil {
			return nil, err
		}

		return result{entity: entity, ok: ok}, nil
	})

	if err != nil {
		return model.Entity{}, false, err
	}

	r := v.(result)

	return r.entity, r.ok, nil
}

func (engine *Engine) backoff(ctx context.Context, attempts int) error {
	delay := engine.config.BackoffBase << uint(attempts-1)

	if delay > engine.config.BackoffCap || delay <= 0 {
		delay = engine.config.BackoffCap
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (engine *Engine) requeueLater(key pairKey) {
	time.AfterFunc(engine.config.BackoffBase, func() {
		engine.queue.Enqueue(key)
	})
}
