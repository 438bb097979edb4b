// Package window reports the consistency window: per pair, how far
// a view trails its entity's journal head and how old the oldest
// unpropagated write is. Reads are observational only and never
// block writers or the propagation engine.
package window

import (
	"context"
	"time"

	"github.com/jrife/viewsync/metrics"
	"github.com/jrife/viewsync/storage/kv/keys"
	"github.com/jrife/viewsync/viewsync/engine"
	"github.com/jrife/viewsync/viewsync/journal"
	"github.com/jrife/viewsync/viewsync/model"
)

// Window describes the staleness of one entity/view pair at the
// moment it was sampled
type Window struct {
	// EntityKey identifies the source entity
	EntityKey string
	// ViewName identifies the derived view
	ViewName string
	// Lag is the number of journal records not yet reflected in
	// the view
	Lag uint64
	// PendingAge is the age of the oldest unpropagated write, zero
	// when the pair is caught up
	PendingAge time.Duration
	// Stuck indicates propagation for this pair halted after
	// exhausting its retry ceiling
	Stuck bool
	// SampledAt is when the window was measured
	SampledAt time.Time
}

// CaughtUp returns true when the view reflects every journal
// record for the entity
func (window Window) CaughtUp() bool {
	return window.Lag == 0 && !window.Stuck
}

// Reporter samples consistency windows from journal heads and
// propagation progress
type Reporter struct {
	journal  *journal.Journal
	progress *engine.ProgressStore
	views    model.ViewSet
	metrics  *metrics.Registry
}

// NewReporter creates a window reporter
func NewReporter(jrnl *journal.Journal, progress *engine.ProgressStore, views model.ViewSet, registry *metrics.Registry) *Reporter {
	return &Reporter{
		journal:  jrnl,
		progress: progress,
		views:    views,
		metrics:  registry,
	}
}

// Window samples the consistency window for one entity/view pair
func (reporter *Reporter) Window(ctx context.Context, entityKey string, viewName string) (Window, error) {
	head, err := reporter.journal.Head(ctx, entityKey)

	if err != nil {
		return Window{}, err
	}

	progress, err := reporter.progress.Load(ctx, entityKey, viewName)

	if err != nil {
		return Window{}, err
	}

	return reporter.assemble(entityKey, viewName, head, progress), nil
}

// EntityWindows samples the consistency window of every registered
// view for one entity
func (reporter *Reporter) EntityWindows(ctx context.Context, entityKey string) ([]Window, error) {
	head, err := reporter.journal.Head(ctx, entityKey)

	if err != nil {
		return nil, err
	}

	views := reporter.views.Views()
	windows := make([]Window, 0, len(views))

	for _, def := range views {
		progress, err := reporter.progress.Load(ctx, entityKey, def.Name)

		if err != nil {
			return nil, err
		}

		windows = append(windows, reporter.assemble(entityKey, def.Name, head, progress))
	}

	return windows, nil
}

// ViewWindow aggregates the consistency window across all entities
// for one view: the worst lag and the oldest pending write
func (reporter *Reporter) ViewWindow(ctx context.Context, viewName string) (Window, error) {
	aggregate := Window{ViewName: viewName, SampledAt: time.Now().UTC()}
	var after keys.Key

	for {
		page, next, err := reporter.progress.Page(ctx, after, 256)

		if err != nil {
			return Window{}, err
		}

		for _, progress := range page {
			if progress.ViewName != viewName {
				continue
			}

			head, err := reporter.journal.Head(ctx, progress.EntityKey)

			if err != nil {
				return Window{}, err
			}

			window := reporter.assemble(progress.EntityKey, viewName, head, progress)

			if window.Lag > aggregate.Lag {
				aggregate.Lag = window.Lag
				aggregate.EntityKey = window.EntityKey
			}

			if window.PendingAge > aggregate.PendingAge {
				aggregate.PendingAge = window.PendingAge
			}

			aggregate.Stuck = aggregate.Stuck || window.Stuck
		}

		if next == nil {
			return aggregate, nil
		}

		after = next
	}
}

func (reporter *Reporter) assemble(entityKey string, viewName string, head uint64, progress model.ViewProgress) Window {
	now := time.Now().UTC()
	window := Window{
		EntityKey: entityKey,
		ViewName:  viewName,
		Stuck:     progress.State == model.PairStuck,
		SampledAt: now,
	}

	if head > progress.Seq {
		window.Lag = head - progress.Seq
	}

	if window.Lag > 0 && !progress.OldestPendingAt.IsZero() {
		window.PendingAge = now.Sub(progress.OldestPendingAt)
	}

	reporter.metrics.ViewLag.WithLabelValues(viewName).Set(float64(window.Lag))
	reporter.metrics.ViewPendingAge.WithLabelValues(viewName).Set(window.PendingAge.Seconds())

	return window
}
