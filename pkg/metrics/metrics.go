// Package metrics exposes Prometheus instrumentation for the rebalancer
// core: per-run progress, CAS contention, and the count of rebalances
// currently in flight in this process.
package metrics

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rebalancer_runs_total",
			Help: "Total number of rebalance runs by terminal status",
		},
		[]string{"status"},
	)

	RunDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "rebalancer_run_duration_seconds",
			Help:    "Wall-clock duration of a rebalance run",
			Buckets: []float64{1, 5, 15, 30, 60, 180, 600, 1800, 3600},
		},
	)

	StepsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rebalancer_steps_total",
			Help: "Total number of next-step placements computed and written",
		},
	)

	CASRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rebalancer_cas_retries_total",
			Help: "Total number of ideal-state CAS writes that hit a version mismatch",
		},
	)

	RemainingReplicas = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "rebalancer_remaining_replicas",
			Help: "Replica count still out of sync with the target on the last convergence check",
		},
	)

	ForceCommitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "rebalancer_force_commit_duration_seconds",
			Help:    "Time spent committing consuming segments before a move",
			Buckets: prometheus.DefBuckets,
		},
	)

	InProgress = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "rebalancer_runs_in_progress",
			Help: "Number of rebalance jobs currently running in this process",
		},
	)
)

func init() {
	prometheus.MustRegister(
		RunsTotal,
		RunDuration,
		StepsTotal,
		CASRetriesTotal,
		RemainingReplicas,
		ForceCommitDuration,
		InProgress,
	)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// inProgress is the atomic backing counter for InProgress; §5 calls this out
// explicitly as a global in-progress counter shared by concurrent jobs.
var inProgress atomic.Int64

// BeginRun marks one rebalance job as started and returns a func to call
// when it finishes, which decrements the counter again.
func BeginRun() func() {
	n := inProgress.Add(1)
	InProgress.Set(float64(n))
	return func() {
		n := inProgress.Add(-1)
		InProgress.Set(float64(n))
	}
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
	histogram.Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
