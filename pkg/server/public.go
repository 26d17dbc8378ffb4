package server

import (
	"github.com/nimburion/places/pkg/config"
	"github.com/nimburion/places/pkg/middleware/logging"
	"github.com/nimburion/places/pkg/middleware/metrics"
	"github.com/nimburion/places/pkg/middleware/recovery"
	"github.com/nimburion/places/pkg/middleware/requestid"
	"github.com/nimburion/places/pkg/middleware/tracing"
	"github.com/nimburion/places/pkg/observability/logger"
	"github.com/nimburion/places/pkg/server/router"
)

// NewPublic installs the standard middleware stack on r and wraps it in a
// server. Routes must be registered on r after this call.
//
// Order: request id, tracing, logging, recovery, metrics. Recovery sits
// inside logging so a recovered panic is still logged with its 500 status.
func NewPublic(cfg config.HTTPConfig, r router.Router, log logger.Logger, rec metrics.Recorder) *Server {
	mw := []router.MiddlewareFunc{
		requestid.RequestID(),
		tracing.Tracing(),
		logging.Logging(log),
		recovery.Recovery(log),
	}
	if rec != nil {
		mw = append(mw, metrics.Metrics(rec))
	}
	r.Use(mw...)

	return New("public", Config{
		Port:            cfg.Port,
		ReadTimeout:     cfg.ReadTimeout,
		WriteTimeout:    cfg.WriteTimeout,
		IdleTimeout:     cfg.IdleTimeout,
		ShutdownTimeout: cfg.ShutdownTimeout,
	}, maxBytes(r, cfg.MaxRequestSize), log)
}
