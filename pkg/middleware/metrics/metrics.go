// Package metrics records request count, latency and in-flight gauge.
package metrics

import (
	"time"

	"github.com/nimburion/places/pkg/server/router"
)

// Recorder is the subset of the metrics registry the middleware needs.
type Recorder interface {
	RecordHTTP(method, path string, status int, duration time.Duration)
	IncrementInFlight()
	DecrementInFlight()
}

// Metrics labels requests by route pattern so ids do not explode label
// cardinality. Unmatched requests are labelled "unmatched".
func Metrics(rec Recorder) router.MiddlewareFunc {
	return func(next router.HandlerFunc) router.HandlerFunc {
		return func(c router.Context) error {
			rec.IncrementInFlight()
			defer rec.DecrementInFlight()

			start := time.Now()
			err := next(c)

			route, _ := c.Get(router.RouteKey).(string)
			if route == "" {
				route = "unmatched"
			}
			rec.RecordHTTP(c.Request().Method, route, c.Response().Status(), time.Since(start))
			return err
		}
	}
}
