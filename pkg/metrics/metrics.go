// Package metrics exposes Prometheus instrumentation for the engine's
// commit, generation and vacuum activity.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// CommitsTotal counts successful commits, tagged by whether they came
	// from an auto-committed write ("write") or an explicit end_transaction
	// ("end_transaction").
	CommitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "monsoon_commits_total",
			Help: "Total number of commits by origin",
		},
		[]string{"origin"},
	)

	// GenerationCurrent tracks the commit-generation counter since the last
	// vacuum.
	GenerationCurrent = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "monsoon_generation_current",
			Help: "Commits since the last vacuum",
		},
	)

	// VacuumRunsTotal counts completed vacuum cycles.
	VacuumRunsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "monsoon_vacuum_runs_total",
			Help: "Total number of completed vacuum cycles",
		},
	)

	// VacuumDurationSeconds records vacuum wall-clock duration.
	VacuumDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "monsoon_vacuum_duration_seconds",
			Help:    "Time taken to run a vacuum cycle in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// TreeDepth is registered for the root-to-leaf path length; no package
	// in this module sets it, so it stays at 0.
	TreeDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "monsoon_tree_depth",
			Help: "Current depth of the B+tree (root-to-leaf path length)",
		},
	)

	// TxGateRejectionsTotal counts gate events by reason. The gate records
	// "liveness_lost" when it discards a transaction whose holder's
	// liveness channel closed, and "vacuum_failed" when a vacuum run fails.
	// Calls rejected with tx_occupied, tx_already_started or not_tx_proc
	// are not counted.
	TxGateRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "monsoon_tx_gate_rejections_total",
			Help: "Total number of transaction gate rejections by reason",
		},
		[]string{"reason"},
	)

	// CommitDurationSeconds records commit latency (encode + flush + fsync).
	CommitDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "monsoon_commit_duration_seconds",
			Help:    "Time taken to flush and fsync a commit in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(CommitsTotal)
	prometheus.MustRegister(GenerationCurrent)
	prometheus.MustRegister(VacuumRunsTotal)
	prometheus.MustRegister(VacuumDurationSeconds)
	prometheus.MustRegister(TreeDepth)
	prometheus.MustRegister(TxGateRejectionsTotal)
	prometheus.MustRegister(CommitDurationSeconds)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
