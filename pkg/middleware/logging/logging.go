// Package logging writes one structured access-log line per request.
package logging

import (
	"strings"
	"time"

	"github.com/nimburion/places/pkg/observability/logger"
	"github.com/nimburion/places/pkg/server/router"
)

// Config configures request logging.
type Config struct {
	// LogStart also logs a line when the request begins.
	LogStart bool
	// ExcludedPathPrefixes are not logged, e.g. "/health".
	ExcludedPathPrefixes []string
	// SlowThreshold upgrades completed requests slower than this to warn. Zero disables it.
	SlowThreshold time.Duration
}

// DefaultConfig skips health probes and metric scrapes.
func DefaultConfig() Config {
	return Config{
		ExcludedPathPrefixes: []string{"/health", "/ready", "/metrics"},
		SlowThreshold:        2 * time.Second,
	}
}

// Logging creates middleware with default configuration.
func Logging(log logger.Logger) router.MiddlewareFunc {
	return WithConfig(log, DefaultConfig())
}

// WithConfig logs method, route, status and duration. Handler errors and
// 5xx responses are logged at error level.
func WithConfig(log logger.Logger, cfg Config) router.MiddlewareFunc {
	return func(next router.HandlerFunc) router.HandlerFunc {
		return func(c router.Context) error {
			req := c.Request()
			if excluded(req.URL.Path, cfg.ExcludedPathPrefixes) {
				return next(c)
			}

			start := time.Now()
			reqLog := log.WithContext(req.Context())
			if cfg.LogStart {
				reqLog.Debug("request started", "method", req.Method, "path", req.URL.Path)
			}

			err := next(c)
			duration := time.Since(start)
			status := c.Response().Status()

			fields := []any{
				"method", req.Method,
				"path", req.URL.Path,
				"status", status,
				"duration_ms", duration.Milliseconds(),
				"remote_addr", req.RemoteAddr,
			}
			if route, ok := c.Get(router.RouteKey).(string); ok {
				fields = append(fields, "route", route)
			}

			switch {
			case err != nil:
				reqLog.Error("request failed", append(fields, "error", err)...)
			case status >= 500:
				reqLog.Error("request completed", fields...)
			case cfg.SlowThreshold > 0 && duration > cfg.SlowThreshold:
				reqLog.Warn("slow request", fields...)
			default:
				reqLog.Info("request completed", fields...)
			}
			return err
		}
	}
}

func excluded(path string, prefixes []string) bool {
	for _, prefix := range prefixes {
		if prefix != "" && strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}
