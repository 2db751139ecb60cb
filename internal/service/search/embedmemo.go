package search

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/matterdock/matterdock-backend/internal/domain/query"
	"github.com/matterdock/matterdock-backend/internal/infrastructure/telemetry"
	"github.com/matterdock/matterdock-backend/internal/ports"
)

// EmbedMemoTTL bounds how long a cached query embedding lives. Embeddings
// only change when the model does, so an hour is conservative.
const EmbedMemoTTL = time.Hour

const embedMemoPrefix = "cache:embed:"

// EmbedMemo caches query embeddings in the KV tier keyed by the
// normalized-query fingerprint. Embeddings do not depend on the matter,
// so keys are global rather than matter-scoped.
//
// The memo is strictly best-effort: a miss or a broken KV falls through
// to the embedder, and store failures are logged, never surfaced.
type EmbedMemo struct {
	kv     ports.KV
	logger *zap.Logger
	ttl    time.Duration
}

func NewEmbedMemo(kv ports.KV, logger *zap.Logger) *EmbedMemo {
	return &EmbedMemo{kv: kv, logger: logger, ttl: EmbedMemoTTL}
}

// Get returns the cached embedding for the query, or nil on any miss.
func (m *EmbedMemo) Get(ctx context.Context, queryText string) []float32 {
	key := embedMemoPrefix + query.Fingerprint(queryText, nil)

	raw, err := m.kv.Get(ctx, key)
	if err != nil {
		var notFound ports.ErrKeyNotFound
		if !errors.As(err, &notFound) {
			m.logger.Warn("embedding memo read failed",
				zap.String("key", key),
				zap.Error(err))
			telemetry.RecordCacheOutcome("embedding", "error")
		} else {
			telemetry.RecordCacheOutcome("embedding", "miss")
		}
		return nil
	}

	var vec []float32
	if err := json.Unmarshal([]byte(raw), &vec); err != nil || len(vec) == 0 {
		if _, delErr := m.kv.Delete(ctx, key); delErr != nil {
			m.logger.Warn("failed to delete corrupt embedding memo",
				zap.String("key", key),
				zap.Error(delErr))
		}
		telemetry.RecordCacheOutcome("embedding", "corrupt")
		return nil
	}

	telemetry.RecordCacheOutcome("embedding", "hit")
	return vec
}

// Put stores the embedding with the memo TTL. Failures are logged only.
func (m *EmbedMemo) Put(ctx context.Context, queryText string, vec []float32) {
	if len(vec) == 0 {
		return
	}
	data, err := json.Marshal(vec)
	if err != nil {
		return
	}
	key := embedMemoPrefix + query.Fingerprint(queryText, nil)
	if err := m.kv.SetEx(ctx, key, string(data), m.ttl); err != nil {
		m.logger.Warn("embedding memo write failed",
			zap.String("key", key),
			zap.Error(err))
	}
}
