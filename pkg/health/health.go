// Package health aggregates readiness checks of the service dependencies.
package health

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Status represents the health status of a component.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
)

// Checkable is implemented by adapters that can probe their backend.
type Checkable interface {
	HealthCheck(ctx context.Context) error
}

// CheckFunc adapts a function to Checkable.
type CheckFunc func(ctx context.Context) error

func (f CheckFunc) HealthCheck(ctx context.Context) error { return f(ctx) }

// CheckResult is the outcome of one named check.
type CheckResult struct {
	Name     string        `json:"name"`
	Status   Status        `json:"status"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Report aggregates every check.
type Report struct {
	Status    Status        `json:"status"`
	Checks    []CheckResult `json:"checks"`
	Timestamp time.Time     `json:"timestamp"`
}

// Healthy reports whether every check passed.
func (r Report) Healthy() bool { return r.Status == StatusHealthy }

// Registry holds named checks. Checks run concurrently, each bounded by the
// registry timeout.
type Registry struct {
	timeout time.Duration

	mu     sync.RWMutex
	checks map[string]Checkable
}

// NewRegistry creates an empty registry. A non-positive timeout means 5s.
func NewRegistry(timeout time.Duration) *Registry {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Registry{timeout: timeout, checks: map[string]Checkable{}}
}

// Register adds or replaces the check called name.
func (r *Registry) Register(name string, c Checkable) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checks[name] = c
}

// Check runs every registered check and returns the results sorted by name.
func (r *Registry) Check(ctx context.Context) Report {
	r.mu.RLock()
	names := make([]string, 0, len(r.checks))
	checks := make(map[string]Checkable, len(r.checks))
	for name, c := range r.checks {
		names = append(names, name)
		checks[name] = c
	}
	r.mu.RUnlock()
	sort.Strings(names)

	results := make([]CheckResult, len(names))
	var g errgroup.Group
	for i, name := range names {
		g.Go(func() error {
			results[i] = r.run(ctx, name, checks[name])
			return nil
		})
	}
	_ = g.Wait()

	report := Report{Status: StatusHealthy, Checks: results, Timestamp: time.Now().UTC()}
	for _, res := range results {
		if res.Status != StatusHealthy {
			report.Status = StatusUnhealthy
		}
	}
	return report
}

func (r *Registry) run(ctx context.Context, name string, c Checkable) CheckResult {
	checkCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	err := c.HealthCheck(checkCtx)
	res := CheckResult{Name: name, Status: StatusHealthy, Duration: time.Since(start)}
	if err != nil {
		res.Status = StatusUnhealthy
		res.Error = err.Error()
	}
	return res
}
