package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Helper functions for common span operations

// StartHTTPSpan starts a span for HTTP requests
func StartHTTPSpan(ctx context.Context, tracer trace.Tracer, method, path string) (context.Context, trace.Span) {
	return tracer.Start(ctx, fmt.Sprintf("%s %s", method, path), trace.WithAttributes(
		attribute.String("http.method", method),
		attribute.String("http.target", path),
		attribute.String("span.kind", "server"),
		attribute.String("component", "http"),
	))
}

// StartDatabaseSpan starts a span for database operations
func StartDatabaseSpan(ctx context.Context, tracer trace.Tracer, operation, table string) (context.Context, trace.Span) {
	return tracer.Start(ctx, fmt.Sprintf("db.%s %s", operation, table), trace.WithAttributes(
		attribute.String("db.operation", operation),
		attribute.String("db.table", table),
		attribute.String("db.system", "postgresql"),
		attribute.String("span.kind", "client"),
		attribute.String("component", "database"),
	))
}

// StartServiceSpan starts a span for service operations
func StartServiceSpan(ctx context.Context, tracer trace.Tracer, service, operation string) (context.Context, trace.Span) {
	return tracer.Start(ctx, fmt.Sprintf("%s.%s", service, operation), trace.WithAttributes(
		attribute.String("service.name", service),
		attribute.String("service.operation", operation),
		attribute.String("span.kind", "internal"),
		attribute.String("component", "service"),
	))
}

// StartStageSpan starts a span for a document pipeline stage. The matter ID
// rides along so traces can be filtered per matter.
func StartStageSpan(ctx context.Context, tracer trace.Tracer, stage, matterID string) (context.Context, trace.Span) {
	return tracer.Start(ctx, fmt.Sprintf("pipeline.%s", stage), trace.WithAttributes(
		attribute.String("pipeline.stage", stage),
		attribute.String("matter.id", matterID),
		attribute.String("span.kind", "internal"),
		attribute.String("component", "pipeline"),
	))
}

// StartQueueSpan starts a span for queue publish/consume operations
func StartQueueSpan(ctx context.Context, tracer trace.Tracer, operation, queue string) (context.Context, trace.Span) {
	return tracer.Start(ctx, fmt.Sprintf("queue %s %s", operation, queue), trace.WithAttributes(
		attribute.String("messaging.system", "redis"),
		attribute.String("messaging.operation", operation),
		attribute.String("messaging.destination", queue),
		attribute.String("span.kind", "producer"),
		attribute.String("component", "messaging"),
	))
}

// WithSpanError is a helper to record errors and set span status
func WithSpanError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}
