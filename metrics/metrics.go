// Package metrics exposes the operational surface of the sync
// layer as prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every collector the sync layer records into
type Registry struct {
	registry *prometheus.Registry

	JournalAppendDuration prometheus.Histogram
	JournalCompactions    prometheus.Counter

	PropagationAttempts prometheus.CounterVec
	PropagationRetries  prometheus.CounterVec
	StuckPairs          prometheus.Gauge

	ViewLag        prometheus.GaugeVec
	ViewPendingAge prometheus.GaugeVec

	DriftDetected prometheus.CounterVec
	DriftRepairs  prometheus.CounterVec
}

// NewRegistry creates a Registry backed by its own
// prometheus registry
func NewRegistry() *Registry {
	r := &Registry{registry: prometheus.NewRegistry()}

	r.JournalAppendDuration = promauto.With(r.registry).NewHistogram(
		prometheus.HistogramOpts{
			Name:    "viewsync_journal_append_duration_seconds",
			Help:    "Journal append duration in seconds",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		},
	)

	r.JournalCompactions = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "viewsync_journal_compactions_total",
			Help: "Total number of journal compaction passes",
		},
	)

	r.PropagationAttempts = *promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "viewsync_propagation_attempts_total",
			Help: "Total number of view mutation applications attempted",
		},
		[]string{"view", "status"},
	)

	r.PropagationRetries = *promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "viewsync_propagation_retries_total",
			Help: "Total number of propagation retries",
		},
		[]string{"view"},
	)

	r.StuckPairs = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "viewsync_stuck_pairs",
			Help: "Number of entity/view pairs that exhausted their propagation retries",
		},
	)

	r.ViewLag = *promauto.With(r.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "viewsync_view_lag_sequences",
			Help: "Maximum known propagation lag per view in sequence numbers",
		},
		[]string{"view"},
	)

	r.ViewPendingAge = *promauto.With(r.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "viewsync_view_pending_age_seconds",
			Help: "Age of the oldest pending mutation per view in seconds",
		},
		[]string{"view"},
	)

	r.DriftDetected = *promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "viewsync_drift_detected_total",
			Help: "Total number of drift records produced by the reconciler",
		},
		[]string{"view", "kind"},
	)

	r.DriftRepairs = *promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "viewsync_drift_repairs_total",
			Help: "Total number of drift repairs fed back through the pipeline",
		},
		[]string{"view", "kind"},
	)

	return r
}

// Handler returns an http handler serving this registry
// in the prometheus exposition format
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Gatherer exposes the underlying registry for embedders that
// aggregate several registries into one exposition endpoint
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.registry
}
