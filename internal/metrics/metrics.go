// Package metrics exposes the Prometheus instrumentation for the sync
// engine: queue depth, in-flight mutations, conflict outcomes, and engine
// state. Call Registry to wire these into an HTTP exporter.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// EngineState reports the current EngineState as a label on a gauge
	// set to 1 for the active state and 0 for all others.
	EngineState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "datasync_engine_state",
			Help: "Current state of the remote sync engine (1=active, 0=inactive) per state label.",
		},
		[]string{"state"},
	)

	// ModelQueueDepth reports the number of buffered/pending reconciliation
	// events per model type.
	ModelQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "datasync_model_queue_depth",
			Help: "Number of pending incoming reconciliation events per model type.",
		},
		[]string{"model"},
	)

	// OutgoingQueueDepth reports the number of pending outgoing mutations.
	OutgoingQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "datasync_outgoing_queue_depth",
			Help: "Number of mutations waiting in the outgoing mutation queue.",
		},
	)

	// OldestPendingAge reports the age, in seconds, of the oldest
	// unprocessed mutation in the outgoing queue. Zero when the queue is
	// empty.
	OldestPendingAge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "datasync_outgoing_queue_oldest_pending_age_seconds",
			Help: "Age in seconds of the oldest pending mutation in the outgoing mutation queue.",
		},
	)

	// ReconciledTotal counts successfully reconciled incoming events per
	// model type and mutation type.
	ReconciledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "datasync_reconciled_total",
			Help: "Total number of incoming events successfully reconciled into the local store.",
		},
		[]string{"model", "mutation_type"},
	)

	// ReconcileDroppedTotal counts incoming events dropped due to a stale
	// version.
	ReconcileDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "datasync_reconcile_dropped_total",
			Help: "Total number of incoming events dropped because their version was not newer than the stored one.",
		},
		[]string{"model"},
	)

	// ReconcileFailedTotal counts store errors encountered while applying
	// an incoming event.
	ReconcileFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "datasync_reconcile_failed_total",
			Help: "Total number of incoming events that failed to apply due to a store error.",
		},
		[]string{"model"},
	)

	// ConflictsTotal counts outgoing mutation conflicts by model type and
	// outcome: conditional_check_failed; unhandled for every
	// ConflictUnhandled error that carries a remote payload, plus one of
	// auto_resolved_already_deleted, auto_resolved_recreate,
	// auto_resolved_tombstone, resolved_apply_remote, resolved_retry_local
	// or resolved_retry_with.
	ConflictsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "datasync_conflicts_total",
			Help: "Total number of outgoing mutation conflicts by model and resolution outcome.",
		},
		[]string{"model", "outcome"},
	)

	// MutationLatency measures the time from dequeue to terminal outcome
	// (success or error) for an outgoing mutation.
	MutationLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "datasync_mutation_latency_seconds",
			Help:    "Latency of dispatching an outgoing mutation, from dequeue to terminal outcome.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"mutation_type"},
	)
)

// Registry returns a fresh Prometheus registry with all sync engine
// collectors registered.
func Registry() *prometheus.Registry {
	r := prometheus.NewRegistry()
	mustRegisterAll(r)
	return r
}

// MustRegisterDefault registers all collectors with
// prometheus.DefaultRegisterer. Safe to call at most once per process.
func MustRegisterDefault() {
	mustRegisterAll(prometheus.DefaultRegisterer)
}

func mustRegisterAll(r prometheus.Registerer) {
	r.MustRegister(
		EngineState,
		ModelQueueDepth,
		OutgoingQueueDepth,
		OldestPendingAge,
		ReconciledTotal,
		ReconcileDroppedTotal,
		ReconcileFailedTotal,
		ConflictsTotal,
		MutationLatency,
	)
}
