package scheduler

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Task run statuses
const (
	StatusSuccess = "success"
	StatusError   = "error"
	StatusSkipped = "skipped"
)

// taskMetrics is nil-safe: a runtime built without a registerer records nothing.
type taskMetrics struct {
	runs     *prometheus.CounterVec
	inFlight *prometheus.GaugeVec
	renews   *prometheus.CounterVec
}

func newTaskMetrics(reg prometheus.Registerer) *taskMetrics {
	if reg == nil {
		return nil
	}
	factory := promauto.With(reg)
	return &taskMetrics{
		runs: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "jobwatch_scheduler_runs_total",
			Help: "Total number of scheduled task runs by outcome",
		}, []string{"task", "status"}),
		inFlight: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "jobwatch_scheduler_runs_inflight",
			Help: "Current number of running scheduled tasks",
		}, []string{"task"}),
		renews: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "jobwatch_scheduler_lock_renew_total",
			Help: "Total number of task lock renewals by outcome",
		}, []string{"task", "status"}),
	}
}

func (m *taskMetrics) run(task, status string) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(label(task), label(status)).Inc()
}

func (m *taskMetrics) begin(task string) func() {
	if m == nil {
		return func() {}
	}
	g := m.inFlight.WithLabelValues(label(task))
	g.Inc()
	return g.Dec
}

func (m *taskMetrics) renew(task, status string) {
	if m == nil {
		return
	}
	m.renews.WithLabelValues(label(task), label(status)).Inc()
}

func label(value string) string {
	if trimmed := strings.TrimSpace(value); trimmed != "" {
		return trimmed
	}
	return "unknown"
}
