package search

import (
	"context"
	"time"

	"github.com/matterdock/matterdock-backend/internal/domain/matter"
	"github.com/matterdock/matterdock-backend/internal/infrastructure/telemetry"
)

// Inspector runs the same pipeline as the engines but instruments every
// stage, producing a DebugInfo with per-stage wall times and per-chunk
// contribution records. Used by operators to explain a ranking.
type Inspector struct {
	engine   *Engine
	reranked *RerankedEngine
}

// NewInspector wraps the engines for instrumented runs. reranked may be
// nil when reranking is disabled.
func NewInspector(engine *Engine, reranked *RerankedEngine) *Inspector {
	return &Inspector{engine: engine, reranked: reranked}
}

// Inspect runs the pipeline and returns the trace alongside the response.
func (ins *Inspector) Inspect(ctx context.Context, scope matter.Scope, params Params) (*Response, *DebugInfo, error) {
	params.normalize()
	if err := params.Weights.Validate(); err != nil {
		return nil, nil, err
	}

	debug := &DebugInfo{}
	total := time.Now()

	if len(params.Query) < minQueryLen {
		debug.Timings.TotalMs = time.Since(total).Milliseconds()
		return &Response{Results: []Result{}}, debug, nil
	}

	legs, degraded, err := ins.engine.retrieve(ctx, scope, params, &debug.Timings)
	if err != nil {
		debug.Timings.TotalMs = time.Since(total).Milliseconds()
		return nil, debug, err
	}

	fusionStart := time.Now()
	results := FuseRRF(legs.lexicalHits, legs.vectorHits, params.Weights)
	debug.Timings.FusionMs = time.Since(fusionStart).Milliseconds()
	telemetry.RecordSearchStage("fusion", time.Since(fusionStart))

	if len(results) > params.Limit {
		results = results[:params.Limit]
	}

	resp := &Response{Results: results, DegradedLeg: degraded}
	if ins.reranked != nil && len(results) > 0 {
		resp.Results, resp.RerankFallbackReason = ins.reranked.rerank(ctx, params.Query, results, &debug.Timings)
	}

	debug.Chunks = make([]Result, len(resp.Results))
	for i, r := range resp.Results {
		traced := r
		traced.Content = clipPreview(r.Content)
		debug.Chunks[i] = traced
	}

	debug.Timings.TotalMs = time.Since(total).Milliseconds()
	return resp, debug, nil
}
