package search

import (
	"context"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/matterdock/matterdock-backend/internal/domain/matter"
	"github.com/matterdock/matterdock-backend/internal/infrastructure/telemetry"
	"github.com/matterdock/matterdock-backend/internal/ports"
)

// RerankedEngine wraps the hybrid engine with an optional rerank stage.
// The reranker sits behind a circuit breaker: a flapping rerank model
// degrades every query's latency, so after repeated failures the breaker
// opens and queries fall straight through to the fused order.
type RerankedEngine struct {
	engine   *Engine
	reranker ports.Reranker
	breaker  *gobreaker.CircuitBreaker
	topN     int
	logger   *zap.Logger
}

// NewRerankedEngine wires the rerank stage over the hybrid engine
func NewRerankedEngine(engine *Engine, reranker ports.Reranker, topN int, logger *zap.Logger) *RerankedEngine {
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "reranker",
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	})

	return &RerankedEngine{
		engine:   engine,
		reranker: reranker,
		breaker:  breaker,
		topN:     topN,
		logger:   logger,
	}
}

// Search runs hybrid search and reranks the fused top-N. Any rerank
// failure returns the fused order with the fallback reason recorded; the
// caller still gets results.
func (e *RerankedEngine) Search(ctx context.Context, scope matter.Scope, params Params) (*Response, error) {
	resp, err := e.engine.Search(ctx, scope, params)
	if err != nil {
		return nil, err
	}
	if len(resp.Results) == 0 {
		return resp, nil
	}

	reranked, reason := e.rerank(ctx, params.Query, resp.Results, nil)
	resp.Results = reranked
	resp.RerankFallbackReason = reason
	return resp, nil
}

// rerank reorders the fused top-N by model relevance. On any failure the
// fused top-N comes back unchanged with the reason. The timings pointer is
// optional, for the inspector.
func (e *RerankedEngine) rerank(ctx context.Context, queryText string, fused []Result, timings *StageTimings) ([]Result, string) {
	n := e.topN
	if n <= 0 || n > len(fused) {
		n = len(fused)
	}
	head := fused[:n]

	docs := make([]string, len(head))
	for i, r := range head {
		docs[i] = r.Content
	}

	start := time.Now()
	out, err := e.breaker.Execute(func() (interface{}, error) {
		return e.reranker.Rerank(ctx, queryText, docs, n)
	})
	dur := time.Since(start)
	telemetry.RecordSearchStage("rerank", dur)
	if timings != nil {
		timings.RerankMs = dur.Milliseconds()
	}

	if err != nil {
		reason := "rerank_failed"
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			reason = "rerank_circuit_open"
		}
		e.logger.Warn("rerank unavailable, returning fused order",
			zap.String("reason", reason),
			zap.Error(err))
		telemetry.RecordSearchFallback(reason)
		return head, reason
	}

	ranks, ok := out.([]ports.RerankResult)
	if !ok || len(ranks) == 0 {
		telemetry.RecordSearchFallback("rerank_empty")
		return head, "rerank_empty"
	}

	reranked := make([]Result, 0, len(ranks))
	seen := make(map[int]bool)
	for pos, rr := range ranks {
		if rr.Index < 0 || rr.Index >= len(head) || seen[rr.Index] {
			continue
		}
		seen[rr.Index] = true
		r := head[rr.Index]
		r.RerankRank = pos + 1
		r.RerankScore = rr.Relevance
		reranked = append(reranked, r)
	}

	// A model that dropped candidates still yields the ones it kept; the
	// remainder follow in fused order.
	for i, r := range head {
		if !seen[i] {
			reranked = append(reranked, r)
		}
	}

	return reranked, ""
}
