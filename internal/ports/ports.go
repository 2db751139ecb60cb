// Package ports declares the external collaborators the core consumes.
// Implementations live under internal/infrastructure; tests substitute
// fakes from internal/testutil.
package ports

import (
	"context"
	"time"

	"github.com/matterdock/matterdock-backend/internal/domain/document"
)

// ObjectStore is blob storage. Paths follow
// {matter_id}/{uploads|acts|ocr-chunks}/{filename}.
type ObjectStore interface {
	// Put stores data and returns the canonical path plus a signed URL
	// for client download.
	Put(ctx context.Context, path string, data []byte, contentType string) (storedPath, signedURL string, err error)
	Get(ctx context.Context, path string) ([]byte, error)
	Delete(ctx context.Context, path string) error
}

// KV is the ephemeral string store backing the query cache, session
// memory, and job queues. Scan pages with a cursor; it never materializes
// the full key set.
type KV interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	SetEx(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) (int64, error)
	Scan(ctx context.Context, cursor uint64, match string, count int64) (keys []string, next uint64, err error)
}

// ErrKeyNotFound is returned by KV.Get for absent keys. Defined here so
// callers can branch without importing the adapter.
type ErrKeyNotFound struct {
	Key string
}

func (e ErrKeyNotFound) Error() string {
	return "key not found: " + e.Key
}

// Event is one broker message on a matter channel.
type Event struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// Event types published on matter channels.
const (
	EventCitationVerified     = "CITATION_VERIFIED"
	EventProgress             = "PROGRESS"
	EventVerificationComplete = "VERIFICATION_COMPLETE"
)

// Broker is matter-channel pub/sub plus background task queues.
type Broker interface {
	Publish(ctx context.Context, channel string, event Event) error
	// Subscribe returns a receive channel and a cancel func releasing the
	// subscription.
	Subscribe(ctx context.Context, channel string) (<-chan Event, func(), error)
	Enqueue(ctx context.Context, queue string, payload []byte) error
	Dequeue(ctx context.Context, queue string, timeout time.Duration) ([]byte, error)
}

// LLM generates text, optionally constrained by a JSON schema hint. The
// schema is advisory; responses are still parsed defensively.
type LLM interface {
	Generate(ctx context.Context, prompt string, schema string) (string, error)
}

// Embedder turns texts into dense vectors.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// RerankResult is one reranked document reference.
type RerankResult struct {
	Index     int     `json:"index"`
	Relevance float64 `json:"relevance"`
}

// Reranker reorders candidate documents by relevance to the query.
type Reranker interface {
	Rerank(ctx context.Context, query string, docs []string, topN int) ([]RerankResult, error)
}

// OcrProvider runs OCR over one PDF chunk. Box page numbers in the result
// are chunk-relative; the merger makes them absolute.
type OcrProvider interface {
	Process(ctx context.Context, pdfBytes []byte) (*document.ChunkOCRResult, error)
}
