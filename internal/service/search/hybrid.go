package search

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/matterdock/matterdock-backend/internal/domain/errors"
	"github.com/matterdock/matterdock-backend/internal/domain/matter"
	"github.com/matterdock/matterdock-backend/internal/infrastructure/telemetry"
	"github.com/matterdock/matterdock-backend/internal/ports"
)

// Engine is the single-matter hybrid search pipeline: embed, run both
// retriever legs in parallel, fuse with weighted RRF, sort, dedupe,
// truncate. One failed leg degrades to the other; two failed legs are a
// retryable SEARCH_FAILED.
type Engine struct {
	embedder ports.Embedder
	lexical  LexicalRetriever
	vector   VectorRetriever
	memo     *EmbedMemo
	logger   *zap.Logger
}

// NewEngine wires the hybrid search pipeline
func NewEngine(embedder ports.Embedder, lexical LexicalRetriever, vector VectorRetriever, logger *zap.Logger) *Engine {
	return &Engine{
		embedder: embedder,
		lexical:  lexical,
		vector:   vector,
		logger:   logger,
	}
}

// WithEmbedMemo short-circuits query embedding through a KV memo.
func (e *Engine) WithEmbedMemo(memo *EmbedMemo) *Engine {
	e.memo = memo
	return e
}

// Search runs the full pipeline for one matter.
func (e *Engine) Search(ctx context.Context, scope matter.Scope, params Params) (*Response, error) {
	params.normalize()

	if err := params.Weights.Validate(); err != nil {
		return nil, err
	}
	if len(params.Query) < minQueryLen {
		return &Response{Results: []Result{}}, nil
	}

	legs, degraded, err := e.retrieve(ctx, scope, params, nil)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	results := FuseRRF(legs.lexicalHits, legs.vectorHits, params.Weights)
	telemetry.RecordSearchStage("fusion", time.Since(start))

	if len(results) > params.Limit {
		results = results[:params.Limit]
	}

	return &Response{Results: results, DegradedLeg: degraded}, nil
}

type legResults struct {
	lexicalHits []Hit
	vectorHits  []Hit
}

// retrieve embeds the query and runs both legs concurrently. The timings
// pointer is optional; the inspector passes one to capture stage latency.
func (e *Engine) retrieve(ctx context.Context, scope matter.Scope, params Params, timings *StageTimings) (legResults, string, error) {
	var legs legResults
	var lexicalErr, vectorErr error

	embedStart := time.Now()
	var queryVec []float32
	var embedErr error
	if e.memo != nil {
		queryVec = e.memo.Get(ctx, params.Query)
	}
	if queryVec == nil {
		var vecs [][]float32
		vecs, embedErr = e.embedder.Embed(ctx, []string{params.Query})
		if embedErr == nil && len(vecs) == 1 {
			queryVec = vecs[0]
			if e.memo != nil {
				e.memo.Put(ctx, params.Query, queryVec)
			}
		}
	}
	embedDur := time.Since(embedStart)
	telemetry.RecordSearchStage("embedding", embedDur)
	if timings != nil {
		timings.EmbeddingMs = embedDur.Milliseconds()
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		start := time.Now()
		legs.lexicalHits, lexicalErr = e.lexical.LexicalSearch(ctx, scope.MatterID, params.Query, params.Limit)
		dur := time.Since(start)
		telemetry.RecordSearchStage("bm25", dur)
		if timings != nil {
			timings.BM25Ms = dur.Milliseconds()
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if embedErr != nil {
			vectorErr = embedErr
			return
		}
		start := time.Now()
		legs.vectorHits, vectorErr = e.vector.VectorSearch(ctx, scope.MatterID, queryVec, params.Limit)
		dur := time.Since(start)
		telemetry.RecordSearchStage("semantic", dur)
		if timings != nil {
			timings.SemanticMs = dur.Milliseconds()
		}
	}()

	wg.Wait()

	switch {
	case lexicalErr != nil && vectorErr != nil:
		e.logger.Error("both retrievers failed",
			zap.String("matter_id", scope.MatterID.String()),
			zap.NamedError("lexical", lexicalErr),
			zap.NamedError("vector", vectorErr))
		return legs, "", errors.NewSearchFailed("all retrievers failed").WithCause(vectorErr)

	case lexicalErr != nil:
		e.logger.Warn("lexical retriever failed, degrading to vector only",
			zap.String("matter_id", scope.MatterID.String()),
			zap.Error(lexicalErr))
		telemetry.RecordSearchFallback("lexical_leg_failed")
		legs.lexicalHits = nil
		return legs, "bm25", nil

	case vectorErr != nil:
		e.logger.Warn("vector retriever failed, degrading to lexical only",
			zap.String("matter_id", scope.MatterID.String()),
			zap.Error(vectorErr))
		telemetry.RecordSearchFallback("vector_leg_failed")
		legs.vectorHits = nil
		return legs, "semantic", nil
	}

	return legs, "", nil
}

// FuseRRF folds both legs into one ranking with weighted Reciprocal Rank
// Fusion: score(d) = Σ weight_r / (K + rank_r(d)), ranks 1-based, absent
// ranks contributing nothing. Ties keep first-appearance order (lexical
// leg first), which makes fusion deterministic.
func FuseRRF(lexicalHits, vectorHits []Hit, weights Weights) []Result {
	byChunk := make(map[string]*Result)
	var order []string

	upsert := func(h Hit) *Result {
		key := h.ChunkID.String()
		if r, ok := byChunk[key]; ok {
			return r
		}
		r := &Result{
			ChunkID:      h.ChunkID,
			DocumentID:   h.DocumentID,
			DocumentName: h.DocumentName,
			Content:      h.Content,
			PageNumber:   h.PageNumber,
		}
		byChunk[key] = r
		order = append(order, key)
		return r
	}

	for i, h := range lexicalHits {
		r := upsert(h)
		r.BM25Rank = i + 1
		r.BM25Score = h.Score
		r.RRFScore += weights.BM25 / float64(RRFK+i+1)
	}

	for i, h := range vectorHits {
		r := upsert(h)
		r.SemanticRank = i + 1
		r.SemanticScore = h.Score
		r.RRFScore += weights.Semantic / float64(RRFK+i+1)
	}

	results := make([]Result, 0, len(order))
	for _, key := range order {
		results = append(results, *byChunk[key])
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].RRFScore > results[j].RRFScore
	})

	return results
}
