package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const instrumentation = "github.com/nimburion/places"

// Tracer returns the service tracer from the global provider.
func Tracer() trace.Tracer { return otel.Tracer(instrumentation) }

// StartRecordSpan starts a span around one engine operation on entity,
// e.g. "places.search".
func StartRecordSpan(ctx context.Context, entity, operation string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, entity+"."+operation,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("places.entity", entity),
			attribute.String("places.operation", operation),
		),
	)
}

// StartTaskSpan starts a producer span for "publish" and a consumer span
// for anything else.
func StartTaskSpan(ctx context.Context, task, operation string, attempt int) (context.Context, trace.Span) {
	kind := trace.SpanKindConsumer
	if operation == "publish" {
		kind = trace.SpanKindProducer
	}
	return Tracer().Start(ctx, task+" "+operation,
		trace.WithSpanKind(kind),
		trace.WithAttributes(
			attribute.String("messaging.operation", operation),
			attribute.String("messaging.destination.name", task),
			attribute.Int("messaging.task.attempt", attempt),
		),
	)
}

// End records err on span, if any, and ends it.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
