// Package metrics provides the Prometheus registry and the service collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry owns a Prometheus registry plus the HTTP, CRUD and task collectors
// registered on it. Every Registry is independent, so tests can create their own.
type Registry struct {
	registry *prometheus.Registry

	httpRequestDuration  *prometheus.HistogramVec
	httpRequestsTotal    *prometheus.CounterVec
	httpRequestsInFlight prometheus.Gauge

	crudOperationsTotal   *prometheus.CounterVec
	crudOperationDuration *prometheus.HistogramVec
	postProcessedTotal    *prometheus.CounterVec

	tasksTotal *prometheus.CounterVec
}

// NewRegistry creates a registry with Go runtime, process and service collectors.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	factory := promauto.With(reg)
	return &Registry{
		registry: reg,
		httpRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path", "status"}),
		httpRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "path", "status"}),
		httpRequestsInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "http_requests_in_flight",
			Help: "Current number of HTTP requests being processed",
		}),
		crudOperationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "crud_operations_total",
			Help: "CRUD engine operations by entity, operation and outcome",
		}, []string{"entity", "operation", "outcome"}),
		crudOperationDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "crud_operation_duration_seconds",
			Help:    "CRUD engine operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"entity", "operation"}),
		postProcessedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "crud_post_processed_records_total",
			Help: "Records passed through search post-processing",
		}, []string{"entity"}),
		tasksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tasks_total",
			Help: "Background tasks by name and outcome",
		}, []string{"task", "outcome"}),
	}
}

// Register registers an additional collector.
func (r *Registry) Register(collector prometheus.Collector) error {
	return r.registry.Register(collector)
}

// MustRegister registers collectors and panics on error.
func (r *Registry) MustRegister(cs ...prometheus.Collector) {
	r.registry.MustRegister(cs...)
}

// Handler exposes the registry in Prometheus text or OpenMetrics format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Gatherer returns the underlying prometheus.Gatherer.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.registry
}
