// Package metrics exposes the Prometheus collectors scraped from /metrics.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Metrics holds the service collectors. All methods are safe on a nil
// receiver so packages can run without metrics in tests.
type Metrics struct {
	// Admission
	AdmissionDecisions *prometheus.CounterVec
	AdmissionWarnings  *prometheus.CounterVec

	// Queue
	QueueDepth *prometheus.GaugeVec

	// Jobs
	JobTransitions *prometheus.CounterVec
	JobRetries     prometheus.Counter
	JobDuration    *prometheus.HistogramVec

	// Repository locks
	LockWait    prometheus.Histogram
	LocksActive prometheus.Gauge

	// Resolution pipeline
	ResolutionAttempts *prometheus.CounterVec
	BlockedFiles       prometheus.Counter
}

// New creates and registers the collectors on the default registry.
//
// sync.Once guards registration so repeated calls (one per component) share
// one set of collectors.
//
// Metrics:
//   - jobcore_admission_decisions_total{result,scope}
//   - jobcore_admission_warnings_total{scope}
//   - jobcore_queue_depth{priority}
//   - jobcore_job_transitions_total{from,to}
//   - jobcore_job_retries_total
//   - jobcore_job_duration_seconds{status}
//   - jobcore_repolock_wait_seconds
//   - jobcore_repolock_active
//   - jobcore_resolution_attempts_total{method}
//   - jobcore_resolution_blocked_files_total
func New() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			AdmissionDecisions: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: "jobcore",
					Subsystem: "admission",
					Name:      "decisions_total",
					Help:      "Admission decisions by result and denying scope",
				},
				[]string{"result", "scope"},
			),
			AdmissionWarnings: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: "jobcore",
					Subsystem: "admission",
					Name:      "warnings_total",
					Help:      "Usage warning threshold crossings by scope",
				},
				[]string{"scope"},
			),

			QueueDepth: promauto.NewGaugeVec(
				prometheus.GaugeOpts{
					Namespace: "jobcore",
					Subsystem: "queue",
					Name:      "depth",
					Help:      "Jobs waiting in the queue by priority",
				},
				[]string{"priority"},
			),

			JobTransitions: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: "jobcore",
					Subsystem: "job",
					Name:      "transitions_total",
					Help:      "Job status transitions",
				},
				[]string{"from", "to"},
			),
			JobRetries: promauto.NewCounter(
				prometheus.CounterOpts{
					Namespace: "jobcore",
					Subsystem: "job",
					Name:      "retries_total",
					Help:      "Automatic retries scheduled",
				},
			),
			JobDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: "jobcore",
					Subsystem: "job",
					Name:      "duration_seconds",
					Help:      "Running time of job attempts by final status",
					Buckets:   prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~34m
				},
				[]string{"status"},
			),

			LockWait: promauto.NewHistogram(
				prometheus.HistogramOpts{
					Namespace: "jobcore",
					Subsystem: "repolock",
					Name:      "wait_seconds",
					Help:      "Time spent waiting for a repository lease",
					Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
				},
			),
			LocksActive: promauto.NewGauge(
				prometheus.GaugeOpts{
					Namespace: "jobcore",
					Subsystem: "repolock",
					Name:      "active",
					Help:      "Repository leases currently held",
				},
			),

			ResolutionAttempts: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: "jobcore",
					Subsystem: "resolution",
					Name:      "attempts_total",
					Help:      "Conflict resolution attempts by method",
				},
				[]string{"method"},
			),
			BlockedFiles: promauto.NewCounter(
				prometheus.CounterOpts{
					Namespace: "jobcore",
					Subsystem: "resolution",
					Name:      "blocked_files_total",
					Help:      "Files left for manual resolution",
				},
			),
		}
	})
	return globalMetrics
}

// RecordAdmission records an admission decision. scope is empty when allowed.
func (m *Metrics) RecordAdmission(allowed bool, scope string) {
	if m == nil {
		return
	}
	result := "allowed"
	if !allowed {
		result = "denied"
	}
	m.AdmissionDecisions.WithLabelValues(result, scope).Inc()
}

// RecordWarning records a warning threshold crossing.
func (m *Metrics) RecordWarning(scope string) {
	if m == nil {
		return
	}
	m.AdmissionWarnings.WithLabelValues(scope).Inc()
}

// SetQueueDepth updates the depth gauge of one priority lane.
func (m *Metrics) SetQueueDepth(priority string, depth int) {
	if m == nil {
		return
	}
	m.QueueDepth.WithLabelValues(priority).Set(float64(depth))
}

// RecordTransition records a job status change.
func (m *Metrics) RecordTransition(from, to string) {
	if m == nil {
		return
	}
	m.JobTransitions.WithLabelValues(from, to).Inc()
}

// RecordRetry records a scheduled retry.
func (m *Metrics) RecordRetry() {
	if m == nil {
		return
	}
	m.JobRetries.Inc()
}

// RecordJobDuration records how long a job attempt ran.
func (m *Metrics) RecordJobDuration(status string, d time.Duration) {
	if m == nil {
		return
	}
	m.JobDuration.WithLabelValues(status).Observe(d.Seconds())
}

// RecordLockWait records time spent acquiring a lease and marks it held.
func (m *Metrics) RecordLockWait(d time.Duration) {
	if m == nil {
		return
	}
	m.LockWait.Observe(d.Seconds())
	m.LocksActive.Inc()
}

// RecordLockReleased marks a lease released.
func (m *Metrics) RecordLockReleased() {
	if m == nil {
		return
	}
	m.LocksActive.Dec()
}

// RecordResolution records one resolution attempt.
func (m *Metrics) RecordResolution(method string, blocked bool) {
	if m == nil {
		return
	}
	m.ResolutionAttempts.WithLabelValues(method).Inc()
	if blocked {
		m.BlockedFiles.Inc()
	}
}
