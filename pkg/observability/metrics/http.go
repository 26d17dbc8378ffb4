package metrics

import (
	"strconv"
	"time"
)

// RecordHTTP updates the duration histogram and request counter.
// path should be the route pattern, not the raw URL, to bound cardinality.
func (r *Registry) RecordHTTP(method, path string, status int, duration time.Duration) {
	statusStr := strconv.Itoa(status)
	r.httpRequestDuration.WithLabelValues(method, path, statusStr).Observe(duration.Seconds())
	r.httpRequestsTotal.WithLabelValues(method, path, statusStr).Inc()
}

// IncrementInFlight increments the in-flight requests gauge.
func (r *Registry) IncrementInFlight() {
	r.httpRequestsInFlight.Inc()
}

// DecrementInFlight decrements the in-flight requests gauge.
func (r *Registry) DecrementInFlight() {
	r.httpRequestsInFlight.Dec()
}

// ObserveCRUD records one CRUD engine operation.
func (r *Registry) ObserveCRUD(entity, operation, outcome string, duration time.Duration) {
	r.crudOperationsTotal.WithLabelValues(entity, operation, outcome).Inc()
	r.crudOperationDuration.WithLabelValues(entity, operation).Observe(duration.Seconds())
}

// AddPostProcessed counts records that went through search post-processing.
func (r *Registry) AddPostProcessed(entity string, n int) {
	r.postProcessedTotal.WithLabelValues(entity).Add(float64(n))
}

// ObserveTask counts a settled background task by outcome: success, retry or dead.
func (r *Registry) ObserveTask(task, outcome string) {
	r.tasksTotal.WithLabelValues(task, outcome).Inc()
}
