package query

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/matterdock/matterdock-backend/internal/domain/entity"
	"github.com/matterdock/matterdock-backend/internal/domain/timeline"
)

// CacheTTL is how long a cached query result lives.
const CacheTTL = 3600 * time.Second

// Normalize produces the comparison form of a query: lowered, whitespace
// collapsed. The original text is kept alongside for display.
func Normalize(q string) string {
	return strings.Join(strings.Fields(strings.ToLower(q)), " ")
}

// Fingerprint hashes the normalized query plus any salient parameters into
// the 64-hex cache key segment. Parameter order does not affect the hash.
func Fingerprint(q string, params map[string]string) string {
	h := sha256.New()
	h.Write([]byte(Normalize(q)))
	if len(params) > 0 {
		keys := make([]string, 0, len(params))
		for k := range params {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(h, "|%s=%s", k, params[k])
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}

// CachedQueryResult is the value stored under
// cache:query:{matter_id}:{query_hash}.
type CachedQueryResult struct {
	QueryHash       string          `json:"query_hash"`
	MatterID        uuid.UUID       `json:"matter_id"`
	OriginalQuery   string          `json:"original_query"`
	NormalizedQuery string          `json:"normalized_query"`
	CachedAt        time.Time       `json:"cached_at"`
	ExpiresAt       time.Time       `json:"expires_at"`
	ResultSummary   string          `json:"result_summary"`
	EngineUsed      string          `json:"engine_used"`
	FindingsCount   int             `json:"findings_count"`
	Confidence      float64         `json:"confidence"`
	ResponseData    json.RawMessage `json:"response_data"`
}

// HistoryEntry is one append-only query-log row. Cost and token counters
// use decimals so per-query micro-costs accumulate without float drift.
type HistoryEntry struct {
	ID               uuid.UUID       `json:"id"`
	MatterID         uuid.UUID       `json:"matter_id"`
	UserID           uuid.UUID       `json:"user_id"`
	Query            string          `json:"query"`
	EnginesUsed      []string        `json:"engines_used"`
	Confidence       float64         `json:"confidence"`
	TokensIn         int64           `json:"tokens_in"`
	TokensOut        int64           `json:"tokens_out"`
	CostUSD          decimal.Decimal `json:"cost_usd"`
	AttorneyVerified bool            `json:"attorney_verified"`
	CreatedAt        time.Time       `json:"created_at"`
}

// TimelineCache is the per-matter derived snapshot of timeline events.
// Version increments on every rebuild; concurrent builders may race and
// last-writer-wins, so treat it as best-effort monotonic.
type TimelineCache struct {
	MatterID   uuid.UUID        `json:"matter_id"`
	CachedAt   time.Time        `json:"cached_at"`
	Version    int              `json:"version"`
	Events     []timeline.Event `json:"events"`
	EventCount int              `json:"event_count"`
}

// EntityGraphCache is the per-matter derived MIG snapshot: flat entity map
// plus edge list so the graph serializes without cycles.
type EntityGraphCache struct {
	MatterID          uuid.UUID                 `json:"matter_id"`
	CachedAt          time.Time                 `json:"cached_at"`
	Version           int                       `json:"version"`
	Entities          map[string]entity.Entity  `json:"entities"`
	Relationships     []entity.Relationship     `json:"relationships"`
	EntityCount       int                       `json:"entity_count"`
	RelationshipCount int                       `json:"relationship_count"`
}

// IsStale is the shared staleness predicate: a snapshot is stale iff a
// document landed after it was cut.
func IsStale(cachedAt, lastDocumentUpload time.Time) bool {
	return lastDocumentUpload.After(cachedAt)
}

func (c *TimelineCache) IsStale(lastDocumentUpload time.Time) bool {
	return IsStale(c.CachedAt, lastDocumentUpload)
}

func (c *EntityGraphCache) IsStale(lastDocumentUpload time.Time) bool {
	return IsStale(c.CachedAt, lastDocumentUpload)
}
