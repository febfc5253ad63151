package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/zjrosen/procctl/internal/loop"
)

// Span attribute keys.
const (
	AttrPid           = "process.pid"
	AttrIntent        = "task.intent"
	AttrCorrelationID = "task.correlation_id"
	AttrOutcome       = "task.outcome"
	AttrLoopTask      = "loop.task"
)

// Span name prefixes.
const (
	SpanPrefixController = "controller."
	SpanPrefixLoop       = "loop."
)

// Event names.
const (
	EventTaskSent     = "task.sent"
	EventTaskResolved = "task.resolved"
)

// EndSpan records err on span, if any, and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// LoopMiddleware wraps every loop task in a span named loop.<task>.
// A nil tracer yields a pass-through middleware.
func LoopMiddleware(tracer trace.Tracer) loop.Middleware {
	if tracer == nil {
		return func(_ string, next loop.Func) loop.Func { return next }
	}
	return func(name string, next loop.Func) loop.Func {
		return func(ctx context.Context) {
			ctx, span := tracer.Start(ctx, SpanPrefixLoop+name,
				trace.WithSpanKind(trace.SpanKindInternal),
				trace.WithAttributes(attribute.String(AttrLoopTask, name)),
			)
			defer span.End()
			next(ctx)
		}
	}
}
