package server

import (
	"net/http"
	"time"

	"github.com/nimburion/places/pkg/config"
	"github.com/nimburion/places/pkg/health"
	"github.com/nimburion/places/pkg/middleware/recovery"
	"github.com/nimburion/places/pkg/middleware/requestid"
	"github.com/nimburion/places/pkg/observability/logger"
	"github.com/nimburion/places/pkg/server/router"
	"github.com/nimburion/places/pkg/version"
)

// MetricsHandler exposes a Prometheus scrape handler.
type MetricsHandler interface {
	Handler() http.Handler
}

// NewManagement registers the operational endpoints on r:
//
//	GET /health   liveness, always 200
//	GET /ready    readiness, 503 when any check fails
//	GET /metrics  Prometheus exposition (when metrics is non-nil)
//	GET /version  build metadata
func NewManagement(cfg config.ManagementConfig, r router.Router, log logger.Logger, checks *health.Registry, metrics MetricsHandler, info version.Info) *Server {
	r.Use(requestid.RequestID(), recovery.Recovery(log))

	r.GET("/health", func(c router.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": string(health.StatusHealthy)})
	})
	r.GET("/ready", func(c router.Context) error {
		report := checks.Check(c.Request().Context())
		if !report.Healthy() {
			return c.JSON(http.StatusServiceUnavailable, report)
		}
		return c.JSON(http.StatusOK, report)
	})
	if metrics != nil {
		h := metrics.Handler()
		r.GET("/metrics", func(c router.Context) error {
			h.ServeHTTP(c.Response(), c.Request())
			return nil
		})
	}
	r.GET("/version", func(c router.Context) error {
		return c.JSON(http.StatusOK, info)
	})

	return New("management", Config{
		Port:         cfg.Port,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}, r, log)
}
