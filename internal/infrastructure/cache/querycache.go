package cache

import (
	"context"
	"encoding/json"
	"errors"

	"go.uber.org/zap"

	domainErrors "github.com/matterdock/matterdock-backend/internal/domain/errors"
	"github.com/matterdock/matterdock-backend/internal/domain/matter"
	"github.com/matterdock/matterdock-backend/internal/domain/query"
	"github.com/matterdock/matterdock-backend/internal/infrastructure/telemetry"
	"github.com/matterdock/matterdock-backend/internal/ports"
)

// scanPageSize bounds one SCAN page during bulk invalidation.
const scanPageSize = 200

// QueryCache stores full query results per (matter, fingerprint) for an
// hour. Engines always run on a miss and fill the cache on the way out, so
// a miss never propagates pressure upstream.
type QueryCache struct {
	kv     ports.KV
	logger *zap.Logger
}

func NewQueryCache(kv ports.KV, logger *zap.Logger) *QueryCache {
	return &QueryCache{kv: kv, logger: logger}
}

// Lookup returns the cached result for the normalized query, or nil on a
// miss. A corrupt entry is deleted and reported as a miss. Backing-store
// failures surface as errors: returning empty instead would disguise an
// outage as a cold cache.
func (c *QueryCache) Lookup(ctx context.Context, scope matter.Scope, queryText string, params map[string]string) (*query.CachedQueryResult, error) {
	key := scope.QueryCacheKey(query.Fingerprint(queryText, params))

	raw, err := c.kv.Get(ctx, key)
	if err != nil {
		var notFound ports.ErrKeyNotFound
		if errors.As(err, &notFound) {
			telemetry.RecordCacheOutcome("query", "miss")
			return nil, nil
		}
		telemetry.RecordCacheOutcome("query", "error")
		return nil, domainErrors.NewDatabaseNotConfigured("query cache").WithCause(err)
	}

	var result query.CachedQueryResult
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		// Poisoned entry. Drop it so the next lookup is a clean miss.
		if _, delErr := c.kv.Delete(ctx, key); delErr != nil {
			c.logger.Warn("failed to delete corrupt query cache entry",
				zap.String("key", key),
				zap.Error(delErr))
		}
		c.logger.Warn("corrupt query cache entry dropped",
			zap.String("key", key),
			zap.Error(err))
		telemetry.RecordCacheOutcome("query", "corrupt")
		return nil, nil
	}

	telemetry.RecordCacheOutcome("query", "hit")
	return &result, nil
}

// Store writes the result under the scope's fingerprint key with the
// fixed one-hour TTL.
func (c *QueryCache) Store(ctx context.Context, scope matter.Scope, queryText string, params map[string]string, result *query.CachedQueryResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return domainErrors.NewInternalError("failed to encode query result").WithCause(err)
	}

	key := scope.QueryCacheKey(query.Fingerprint(queryText, params))
	if err := c.kv.SetEx(ctx, key, string(data), query.CacheTTL); err != nil {
		telemetry.RecordCacheOutcome("query", "error")
		return domainErrors.NewDatabaseNotConfigured("query cache").WithCause(err)
	}

	return nil
}

// InvalidateMatter deletes every cached query result of the matter,
// paging with SCAN so large matters never block the store.
func (c *QueryCache) InvalidateMatter(ctx context.Context, scope matter.Scope) (int64, error) {
	pattern := scope.QueryCachePattern()

	var removed int64
	var cursor uint64
	for {
		keys, next, err := c.kv.Scan(ctx, cursor, pattern, scanPageSize)
		if err != nil {
			return removed, domainErrors.NewDatabaseNotConfigured("query cache").WithCause(err)
		}

		if len(keys) > 0 {
			n, err := c.kv.Delete(ctx, keys...)
			if err != nil {
				return removed, domainErrors.NewDatabaseNotConfigured("query cache").WithCause(err)
			}
			removed += n
		}

		cursor = next
		if cursor == 0 {
			break
		}
	}

	c.logger.Info("query cache invalidated",
		zap.String("matter_id", scope.MatterID.String()),
		zap.Int64("keys_removed", removed))

	return removed, nil
}
