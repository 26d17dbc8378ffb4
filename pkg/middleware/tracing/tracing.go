// Package tracing starts a server span per request, continuing any trace
// propagated in the request headers.
package tracing

import (
	"fmt"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/nimburion/places/pkg/middleware"
	"github.com/nimburion/places/pkg/observability/tracing"
	"github.com/nimburion/places/pkg/server/router"
)

// Tracing names spans "METHOD route" once the route is known. Responses
// with status >= 500 mark the span as failed.
func Tracing() router.MiddlewareFunc {
	return func(next router.HandlerFunc) router.HandlerFunc {
		return func(c router.Context) error {
			req := c.Request()
			ctx := otel.GetTextMapPropagator().Extract(req.Context(), propagation.HeaderCarrier(req.Header))
			ctx, span := tracing.Tracer().Start(ctx, req.Method,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					attribute.String("http.request.method", req.Method),
					attribute.String("url.path", req.URL.Path),
				),
			)
			defer span.End()
			if id, ok := ctx.Value(middleware.RequestIDKey).(string); ok {
				span.SetAttributes(attribute.String("request.id", id))
			}
			c.SetRequest(req.WithContext(ctx))

			err := next(c)

			if route, _ := c.Get(router.RouteKey).(string); route != "" {
				span.SetName(req.Method + " " + route)
				span.SetAttributes(attribute.String("http.route", route))
			}
			status := c.Response().Status()
			span.SetAttributes(attribute.Int("http.response.status_code", status))
			if status >= http.StatusInternalServerError {
				span.SetStatus(codes.Error, fmt.Sprintf("status %d", status))
			}
			if err != nil {
				span.RecordError(err)
			}
			return err
		}
	}
}
