// Package metrics provides Prometheus metrics for feedsync.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// FetchTotal counts fetch attempts by outcome (ok, not_modified, transient, permanent).
	FetchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "feedsync",
			Name:      "fetch_total",
			Help:      "Total number of feed fetches",
		},
		[]string{"outcome"},
	)

	// FetchDuration measures fetch duration.
	FetchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "feedsync",
			Name:      "fetch_duration_seconds",
			Help:      "Duration of feed fetches in seconds",
			Buckets:   prometheus.DefBuckets,
		},
	)

	// EntriesTotal counts entries by what the write boundary did with them.
	EntriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "feedsync",
			Name:      "entries_total",
			Help:      "Entries processed by outcome",
		},
		[]string{"outcome"},
	)

	// EntriesPurged counts entries removed by retention.
	EntriesPurged = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "feedsync",
			Name:      "entries_purged_total",
			Help:      "Entries tombstoned by the retention policy",
		},
	)

	// FeedsDisabled counts feeds switched off by the circuit breaker.
	FeedsDisabled = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "feedsync",
			Name:      "feeds_disabled_total",
			Help:      "Feeds disabled after failing past the grace period",
		},
	)

	// FetchInterval observes the interval chosen after each tick.
	FetchInterval = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "feedsync",
			Name:      "fetch_interval_seconds",
			Help:      "Fetch interval chosen after each tick",
			Buckets:   []float64{900, 1800, 3600, 7200, 14400, 28800, 43200},
		},
	)

	// BatchesFinalized counts import batches reaching a terminal state.
	BatchesFinalized = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "feedsync",
			Name:      "import_batches_finalized_total",
			Help:      "Import batches finalized by state",
		},
		[]string{"state"},
	)

	// WorkUnits counts work units executed by kind and status.
	WorkUnits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "feedsync",
			Name:      "work_units_total",
			Help:      "Work units executed",
		},
		[]string{"kind", "status"},
	)
)

// RecordFetch records one fetch attempt.
func RecordFetch(outcome string, seconds float64) {
	FetchTotal.WithLabelValues(outcome).Inc()
	FetchDuration.Observe(seconds)
}

// RecordEntries adds n entries with the given outcome.
func RecordEntries(outcome string, n int) {
	if n > 0 {
		EntriesTotal.WithLabelValues(outcome).Add(float64(n))
	}
}

// RecordPurged adds n purged entries.
func RecordPurged(n int) {
	if n > 0 {
		EntriesPurged.Add(float64(n))
	}
}

// RecordInterval observes a newly chosen fetch interval.
func RecordInterval(secs int) {
	FetchInterval.Observe(float64(secs))
}

// RecordWorkUnit records the result of one work unit.
func RecordWorkUnit(kind string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	WorkUnits.WithLabelValues(kind, status).Inc()
}
