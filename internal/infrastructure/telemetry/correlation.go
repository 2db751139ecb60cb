package telemetry

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

// CorrelationHeader is the header a caller may supply to stitch its own
// request ID through our logs. The response always echoes the value used.
const CorrelationHeader = "X-Correlation-ID"

type contextKey int

const (
	correlationIDKey contextKey = iota
	userIDKey
	matterIDKey
)

// WithCorrelationID stores the correlation ID in the context.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationIDKey, id)
}

// CorrelationIDFrom returns the correlation ID, or "" when none is set.
func CorrelationIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(correlationIDKey).(string)
	return id
}

// EnsureCorrelationID returns the context's correlation ID, minting one
// when the context has none. Background jobs use this so their log trail
// is joinable even without an originating request.
func EnsureCorrelationID(ctx context.Context) (context.Context, string) {
	if id := CorrelationIDFrom(ctx); id != "" {
		return ctx, id
	}
	id := uuid.NewString()
	return WithCorrelationID(ctx, id), id
}

// WithUserID stores the acting user's ID in the context.
func WithUserID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, userIDKey, id)
}

// UserIDFrom returns the acting user's ID, or "" when none is set.
func UserIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(userIDKey).(string)
	return id
}

// WithMatterID stores the matter scope in the context.
func WithMatterID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, matterIDKey, id)
}

// MatterIDFrom returns the matter scope, or "" when none is set.
func MatterIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(matterIDKey).(string)
	return id
}

// CorrelationMiddleware honors an inbound X-Correlation-ID, generates one
// when the header is absent or blank, and echoes the chosen value on the
// response before the handler runs so even error paths carry it.
func CorrelationMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(CorrelationHeader)
		if id == "" {
			id = uuid.NewString()
		}

		w.Header().Set(CorrelationHeader, id)

		next.ServeHTTP(w, r.WithContext(WithCorrelationID(r.Context(), id)))
	})
}
