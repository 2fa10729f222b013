package metrics

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const unknownLabel = "unknown"

// JobMetrics counts lifecycle transitions and worker outcomes. A nil *JobMetrics records
// nothing.
type JobMetrics struct {
	events     *prometheus.CounterVec
	processed  *prometheus.CounterVec
	retries    *prometheus.CounterVec
	inFlight   *prometheus.GaugeVec
	duration   *prometheus.HistogramVec
	storeFails *prometheus.CounterVec
}

func newJobMetrics(reg prometheus.Registerer) *JobMetrics {
	factory := promauto.With(reg)
	return &JobMetrics{
		events: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "jobwatch_lifecycle_events_total",
			Help: "Total number of job lifecycle events dispatched",
		}, []string{"connection", "queue", "event"}),
		processed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "jobwatch_jobs_processed_total",
			Help: "Total number of jobs processed by workers",
		}, []string{"queue", "job_name", "status"}),
		retries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "jobwatch_jobs_retry_total",
			Help: "Total number of job releases scheduled by workers",
		}, []string{"queue", "job_name"}),
		inFlight: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "jobwatch_jobs_inflight",
			Help: "Current number of jobs being processed",
		}, []string{"queue"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "jobwatch_job_duration_seconds",
			Help:    "Handler run time per job attempt",
			Buckets: prometheus.DefBuckets,
		}, []string{"queue", "job_name"}),
		storeFails: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "jobwatch_repository_errors_total",
			Help: "Total number of failed job repository writes",
		}, []string{"action"}),
	}
}

// Event counts one dispatched lifecycle event.
func (m *JobMetrics) Event(connection, queue, event string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(label(connection), label(queue), label(event)).Inc()
}

// Processed counts one finished attempt with its status (success, retry, failed, error).
func (m *JobMetrics) Processed(queue, jobName, status string, took time.Duration) {
	if m == nil {
		return
	}
	m.processed.WithLabelValues(label(queue), label(jobName), label(status)).Inc()
	m.duration.WithLabelValues(label(queue), label(jobName)).Observe(took.Seconds())
}

func (m *JobMetrics) Retry(queue, jobName string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(label(queue), label(jobName)).Inc()
}

// Begin marks a job in flight and returns the matching end func.
func (m *JobMetrics) Begin(queue string) func() {
	if m == nil {
		return func() {}
	}
	gauge := m.inFlight.WithLabelValues(label(queue))
	gauge.Inc()
	return gauge.Dec
}

func (m *JobMetrics) RepositoryError(action string) {
	if m == nil {
		return
	}
	m.storeFails.WithLabelValues(label(action)).Inc()
}

func label(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return unknownLabel
	}
	return trimmed
}
