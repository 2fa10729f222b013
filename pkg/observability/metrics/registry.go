// Package metrics exposes the Prometheus registry and job lifecycle collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry owns the process's Prometheus registry. It starts with the Go runtime and process
// collectors plus the job lifecycle collectors.
type Registry struct {
	registry *prometheus.Registry
	jobs     *JobMetrics
}

// NewRegistry creates a registry with the default collectors installed.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return &Registry{
		registry: reg,
		jobs:     newJobMetrics(reg),
	}
}

// Jobs returns the lifecycle collectors bound to this registry.
func (r *Registry) Jobs() *JobMetrics { return r.jobs }

// Register adds a custom collector.
func (r *Registry) Register(collector prometheus.Collector) error {
	return r.registry.Register(collector)
}

// Handler serves the registry in the Prometheus text or OpenMetrics format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// Gatherer returns the underlying gatherer, mostly for tests.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.registry }

// Registerer exposes the registry to packages that build their own collectors.
func (r *Registry) Registerer() prometheus.Registerer { return r.registry }
