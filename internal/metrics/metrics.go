// Package metrics exports the pipeline's Prometheus series.
//
// Series are registered once on the default registry at package init so that
// every component (queue workers, router, scheduler) records into the same
// collectors without passing a handle around.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/scrypster/memoir/pkg/types"
)

const namespace = "memoir"

// Outcome label values for completed jobs and provider requests.
const (
	OutcomeAck     = "ack"
	OutcomeNack    = "nack"
	OutcomeFail    = "fail"
	OutcomeLost    = "lease_lost"
	OutcomeOK      = "ok"
	OutcomeError   = "error"
	OutcomeTimeout = "timeout"
	OutcomeDead    = "dead_lettered"
)

var (
	JobsEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_enqueued_total",
			Help:      "Total jobs enqueued by kind",
		},
		[]string{"kind"},
	)

	JobsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_completed_total",
			Help:      "Total job deliveries by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Job handler duration in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"kind"},
	)

	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Jobs by queue status",
		},
		[]string{"status"},
	)

	ProviderRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_requests_total",
			Help:      "External content provider requests by outcome",
		},
		[]string{"provider", "outcome"},
	)

	ProviderLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_latency_seconds",
			Help:      "External content provider latency in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 3, 5},
		},
		[]string{"provider"},
	)

	SchedulerFires = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_fires_total",
			Help:      "Scheduled occurrences enqueued",
		},
		[]string{"schedule"},
	)

	SchedulerMissed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_missed_total",
			Help:      "Scheduled occurrences skipped by catch-up",
		},
		[]string{"schedule"},
	)

	SemanticSearchSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "semantic_search_seconds",
			Help:      "Semantic search latency in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		},
	)

	BackupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backups_total",
			Help:      "Database snapshots by outcome",
		},
		[]string{"outcome"},
	)
)

// RecordJob records one finished delivery of a job.
func RecordJob(kind types.JobKind, outcome string, duration time.Duration) {
	JobsCompleted.WithLabelValues(string(kind), outcome).Inc()
	JobDuration.WithLabelValues(string(kind)).Observe(duration.Seconds())
}

// RecordProvider records one provider call.
func RecordProvider(provider, outcome string, duration time.Duration) {
	ProviderRequests.WithLabelValues(provider, outcome).Inc()
	ProviderLatency.WithLabelValues(provider).Observe(duration.Seconds())
}

// RecordFire records an enqueued schedule occurrence and the occurrences it skipped.
func RecordFire(schedule string, missed int) {
	SchedulerFires.WithLabelValues(schedule).Inc()
	if missed > 0 {
		SchedulerMissed.WithLabelValues(schedule).Add(float64(missed))
	}
}

// SetQueueDepth publishes a Stats snapshot. Statuses absent from stats are reset to zero.
func SetQueueDepth(stats map[types.JobStatus]int) {
	for _, s := range []types.JobStatus{types.JobQueued, types.JobInFlight, types.JobDone, types.JobFailed, types.JobDeadLettered} {
		QueueDepth.WithLabelValues(string(s)).Set(float64(stats[s]))
	}
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
