// Package search implements per-matter hybrid retrieval: BM25-style
// lexical search and dense-vector search fused with Reciprocal Rank
// Fusion, with optional reranking and an instrumented inspector variant.
package search

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"github.com/matterdock/matterdock-backend/internal/domain/errors"
)

// RRFK is the fusion smoothing constant. Ranks are 1-based, so the best
// possible contribution per retriever is weight/(K+1).
const RRFK = 60

// DefaultLimit is the result count when the caller does not specify one.
const DefaultLimit = 20

// minQueryLen short-circuits degenerate queries before any retrieval work.
const minQueryLen = 2

// Hit is one ranked chunk from a single retriever leg.
type Hit struct {
	ChunkID      uuid.UUID `json:"chunk_id"`
	DocumentID   uuid.UUID `json:"document_id"`
	DocumentName string    `json:"document_name"`
	Content      string    `json:"content"`
	PageNumber   *int      `json:"page_number,omitempty"`
	Score        float64   `json:"score"`
}

// LexicalRetriever is the BM25-style leg.
type LexicalRetriever interface {
	LexicalSearch(ctx context.Context, matterID uuid.UUID, queryText string, topK int) ([]Hit, error)
}

// VectorRetriever is the dense leg.
type VectorRetriever interface {
	VectorSearch(ctx context.Context, matterID uuid.UUID, queryVec []float32, topK int) ([]Hit, error)
}

// Weights scale each retriever's RRF contribution. Both sit in [0, 2];
// zero silences a leg without disabling it.
type Weights struct {
	BM25     float64 `json:"bm25" validate:"gte=0,lte=2"`
	Semantic float64 `json:"semantic" validate:"gte=0,lte=2"`
}

// DefaultWeights weighs both legs equally.
func DefaultWeights() Weights {
	return Weights{BM25: 1.0, Semantic: 1.0}
}

func (w Weights) Validate() error {
	if w.BM25 < 0 || w.BM25 > 2 {
		return errors.NewInvalidParameter("bm25_weight", "bm25 weight must be within [0, 2]")
	}
	if w.Semantic < 0 || w.Semantic > 2 {
		return errors.NewInvalidParameter("semantic_weight", "semantic weight must be within [0, 2]")
	}
	return nil
}

// Params is one single-matter search request.
type Params struct {
	Query   string
	Limit   int
	Weights Weights
}

func (p *Params) normalize() {
	if p.Limit <= 0 {
		p.Limit = DefaultLimit
	}
	if p.Weights == (Weights{}) {
		p.Weights = DefaultWeights()
	}
	p.Query = strings.TrimSpace(p.Query)
}

// Result is one fused, deduplicated chunk with its rank provenance.
// Ranks are 1-based; zero means the chunk did not appear in that leg.
type Result struct {
	ChunkID      uuid.UUID `json:"chunk_id"`
	DocumentID   uuid.UUID `json:"document_id"`
	DocumentName string    `json:"document_name"`
	Content      string    `json:"content"`
	PageNumber   *int      `json:"page_number,omitempty"`

	RRFScore      float64 `json:"rrf_score"`
	BM25Rank      int     `json:"bm25_rank,omitempty"`
	BM25Score     float64 `json:"bm25_score,omitempty"`
	SemanticRank  int     `json:"semantic_rank,omitempty"`
	SemanticScore float64 `json:"semantic_score,omitempty"`
	RerankRank    int     `json:"rerank_rank,omitempty"`
	RerankScore   float64 `json:"rerank_score,omitempty"`
}

// Response is the full search outcome, including degradation notes.
type Response struct {
	Results []Result `json:"results"`
	// DegradedLeg names a retriever that failed and was dropped; empty
	// when both legs ran.
	DegradedLeg string `json:"degraded_leg,omitempty"`
	// RerankFallbackReason is set when reranking was requested but the
	// fused order had to be used instead.
	RerankFallbackReason string `json:"rerank_fallback_reason,omitempty"`
}

// StageTimings carries per-stage wall times for the inspector, in
// milliseconds.
type StageTimings struct {
	EmbeddingMs int64 `json:"embedding_ms"`
	BM25Ms      int64 `json:"bm25_ms"`
	SemanticMs  int64 `json:"semantic_ms"`
	FusionMs    int64 `json:"fusion_ms"`
	RerankMs    int64 `json:"rerank_ms"`
	TotalMs     int64 `json:"total_ms"`
}

// DebugInfo is the inspector's full trace: stage timings plus per-chunk
// contribution records with a clipped content preview.
type DebugInfo struct {
	Timings StageTimings `json:"timings"`
	Chunks  []Result     `json:"chunks"`
}

// previewLen clips inspector content previews.
const previewLen = 200

func clipPreview(s string) string {
	if len(s) <= previewLen {
		return s
	}
	return s[:previewLen]
}
