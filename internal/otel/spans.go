package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for Foreman spans.
var (
	AttrTaskID     = attribute.Key("foreman.task.id")
	AttrProviderID = attribute.Key("foreman.provider.id")
	AttrMode       = attribute.Key("foreman.mode")
	AttrAttempt    = attribute.Key("foreman.dispatch.attempt")
	AttrSourceID   = attribute.Key("foreman.source.id")
	AttrChunkCount = attribute.Key("foreman.retrieval.chunks")
)

// StartSpan starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartClientSpan starts a span for an outbound provider dispatch.
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
