// internal/metrics/metrics.go
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Change categories used as the "category" label.
const (
	CategoryNewPRs           = "new_prs"
	CategoryUpdatedPRs       = "updated_prs"
	CategoryNewCheckRuns     = "new_check_runs"
	CategoryUpdatedCheckRuns = "updated_check_runs"
)

var (
	SyncChangesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "prtracker_sync_changes_total",
			Help: "Entities created or updated by synchronization, by category",
		},
		[]string{"category"},
	)

	SyncFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "prtracker_sync_failures_total",
			Help: "Synchronizations whose transaction was rolled back",
		},
	)

	RecordFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "prtracker_record_failures_total",
			Help: "Individual change records skipped or failed during synchronization",
		},
		[]string{"kind"},
	)

	SyncDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "prtracker_sync_duration_seconds",
			Help:    "Duration of one changeset synchronization",
			Buckets: prometheus.DefBuckets,
		},
	)

	DBUp = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "prtracker_db_up",
			Help: "1 when the last database health probe succeeded",
		},
	)

	DBPoolConns = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "prtracker_db_pool_connections",
			Help: "Connection pool size by state",
		},
		[]string{"state"},
	)
)

func init() {
	prometheus.MustRegister(
		SyncChangesTotal,
		SyncFailuresTotal,
		RecordFailuresTotal,
		SyncDuration,
		DBUp,
		DBPoolConns,
	)
}
