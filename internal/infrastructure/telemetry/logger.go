package telemetry

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"go.opentelemetry.io/otel/trace"
)

// SetupLogger creates the process-wide structured logger. Records carry
// the request's correlation ID, user, and matter whenever those are in
// scope, plus trace context when a span is recording.
//
// sinkPath selects the output file; empty means stdout. A sink that cannot
// be opened degrades to stdout with a warning instead of failing startup,
// so a bad log path never blocks request handling.
func SetupLogger(level, sinkPath string) *slog.Logger {
	var logLevel slog.Level

	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn", "warning":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:       logLevel,
		AddSource:   logLevel == slog.LevelDebug,
		ReplaceAttr: redactAttr,
	}

	handler := &ContextHandler{
		Handler: slog.NewJSONHandler(openSink(sinkPath), opts),
	}

	return slog.New(handler)
}

func openSink(path string) io.Writer {
	if path == "" {
		return os.Stdout
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "log sink %q unavailable, falling back to stdout: %v\n", path, err)
		return os.Stdout
	}
	return f
}

// ContextHandler is a slog handler that lifts request identity out of the
// context into every record: correlation_id always, user_id and matter_id
// when set, trace and span IDs when a valid span is present.
type ContextHandler struct {
	slog.Handler
}

// Handle adds request identity and trace context to log records
func (h *ContextHandler) Handle(ctx context.Context, r slog.Record) error {
	if cid := CorrelationIDFrom(ctx); cid != "" {
		r.AddAttrs(slog.String("correlation_id", cid))
	}
	if uid := UserIDFrom(ctx); uid != "" {
		r.AddAttrs(slog.String("user_id", uid))
	}
	if mid := MatterIDFrom(ctx); mid != "" {
		r.AddAttrs(slog.String("matter_id", mid))
	}

	span := trace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() {
		r.AddAttrs(
			slog.String("trace_id", span.SpanContext().TraceID().String()),
			slog.String("span_id", span.SpanContext().SpanID().String()),
		)
	}

	return h.Handler.Handle(ctx, r)
}

// WithAttrs keeps the context lifting in place for derived loggers.
func (h *ContextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ContextHandler{Handler: h.Handler.WithAttrs(attrs)}
}

// WithGroup keeps the context lifting in place for grouped loggers.
func (h *ContextHandler) WithGroup(name string) slog.Handler {
	return &ContextHandler{Handler: h.Handler.WithGroup(name)}
}

// WithContext returns a logger with the context's identity pinned as
// attributes, for call sites that log without passing the context along.
func WithContext(ctx context.Context, logger *slog.Logger) *slog.Logger {
	attrs := extractScopeAttrs(ctx)
	if len(attrs) == 0 {
		return logger
	}
	return logger.With(attrs...)
}

func extractScopeAttrs(ctx context.Context) []any {
	var attrs []any

	if cid := CorrelationIDFrom(ctx); cid != "" {
		attrs = append(attrs, "correlation_id", cid)
	}
	if uid := UserIDFrom(ctx); uid != "" {
		attrs = append(attrs, "user_id", uid)
	}
	if mid := MatterIDFrom(ctx); mid != "" {
		attrs = append(attrs, "matter_id", mid)
	}

	span := trace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() {
		attrs = append(attrs,
			"trace_id", span.SpanContext().TraceID().String(),
			"span_id", span.SpanContext().SpanID().String(),
		)
	}

	return attrs
}
