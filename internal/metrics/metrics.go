// Package metrics holds the agent's prometheus instruments.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	SamplesRecorded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trackd_samples_recorded_total",
		Help: "Samples written to the store by activity type",
	}, []string{"activity_type"})

	SamplesSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trackd_samples_skipped_total",
		Help: "Sampling ticks that wrote nothing, by reason",
	}, []string{"reason"})

	ProbeErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trackd_probe_errors_total",
		Help: "Failed activity probe calls by operation",
	}, []string{"op"})

	IdleTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trackd_idle_transitions_total",
		Help: "Inactivity detector state changes by new state",
	}, []string{"state"})

	GitObservations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trackd_git_observations_total",
		Help: "Per-project git inspections by status",
	}, []string{"status"})

	SyncRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trackd_sync_runs_total",
		Help: "Sync attempts by status",
	}, []string{"status"})

	SyncedRecords = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trackd_synced_records_total",
		Help: "Records accepted by the remote server",
	})

	SyncDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "trackd_sync_duration_seconds",
		Help:    "Wall time of one sync request",
		Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
	})

	TrackingActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "trackd_tracking_active",
		Help: "1 while the sampler is tracking, 0 while paused",
	})
)

func Handler() http.Handler {
	return promhttp.Handler()
}
