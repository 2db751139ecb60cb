package search

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	domainErrors "github.com/matterdock/matterdock-backend/internal/domain/errors"
	"github.com/matterdock/matterdock-backend/internal/domain/matter"
	"github.com/matterdock/matterdock-backend/internal/testutil"
)

type stubRetriever struct {
	lexical    []Hit
	vector     []Hit
	lexicalErr error
	vectorErr  error
	gotMatter  uuid.UUID
}

func (s *stubRetriever) LexicalSearch(ctx context.Context, matterID uuid.UUID, q string, topK int) ([]Hit, error) {
	s.gotMatter = matterID
	return s.lexical, s.lexicalErr
}

func (s *stubRetriever) VectorSearch(ctx context.Context, matterID uuid.UUID, vec []float32, topK int) ([]Hit, error) {
	return s.vector, s.vectorErr
}

func newTestScope(t *testing.T) matter.Scope {
	t.Helper()
	scope, err := matter.NewScopeFromIDs(uuid.New(), uuid.New())
	require.NoError(t, err)
	return scope
}

func hit(id uuid.UUID, score float64) Hit {
	return Hit{ChunkID: id, DocumentID: uuid.New(), DocumentName: "doc.pdf", Content: "chunk content", Score: score}
}

func TestFuseRRF_SmokeRanking(t *testing.T) {
	// c1 {bm25 1, semantic 2}, c2 {bm25 2, semantic 1}, c3 {3, 3}:
	// c1 = 1/61 + 1/62 = c2, c3 = 2/63 strictly last.
	c1, c2, c3 := uuid.New(), uuid.New(), uuid.New()

	lexical := []Hit{hit(c1, 9), hit(c2, 8), hit(c3, 7)}
	vector := []Hit{hit(c2, 0.9), hit(c1, 0.8), hit(c3, 0.7)}

	results := FuseRRF(lexical, vector, DefaultWeights())
	require.Len(t, results, 3)

	assert.InDelta(t, 1.0/61+1.0/62, results[0].RRFScore, 1e-9)
	assert.InDelta(t, 1.0/61+1.0/62, results[1].RRFScore, 1e-9)
	assert.InDelta(t, 2.0/63, results[2].RRFScore, 1e-9)

	assert.Equal(t, c3, results[2].ChunkID, "c3 must rank strictly last")
	// Stable tie break keeps first-appearance order: c1 entered first.
	assert.Equal(t, c1, results[0].ChunkID)
	assert.Equal(t, c2, results[1].ChunkID)
}

func TestFuseRRF_RankProvenance(t *testing.T) {
	c1, c2 := uuid.New(), uuid.New()
	lexical := []Hit{hit(c1, 5)}
	vector := []Hit{hit(c2, 0.9), hit(c1, 0.5)}

	results := FuseRRF(lexical, vector, DefaultWeights())
	require.Len(t, results, 2)

	byID := map[uuid.UUID]Result{}
	for _, r := range results {
		byID[r.ChunkID] = r
	}

	assert.Equal(t, 1, byID[c1].BM25Rank)
	assert.Equal(t, 2, byID[c1].SemanticRank)
	assert.Equal(t, 0, byID[c2].BM25Rank, "absent leg leaves rank zero")
	assert.Equal(t, 1, byID[c2].SemanticRank)
}

func TestFuseRRF_DoubledRanksScoreLower(t *testing.T) {
	// RRF must respect rank order: pushing a chunk to twice its rank in
	// every leg strictly lowers its score.
	id := uuid.New()
	pad := func(n int) []Hit {
		hits := make([]Hit, n)
		for i := range hits {
			hits[i] = hit(uuid.New(), float64(n-i))
		}
		return hits
	}

	atRank2 := FuseRRF(append(pad(1), hit(id, 1)), append(pad(1), hit(id, 1)), DefaultWeights())
	atRank4 := FuseRRF(append(pad(3), hit(id, 1)), append(pad(3), hit(id, 1)), DefaultWeights())

	scoreOf := func(results []Result) float64 {
		for _, r := range results {
			if r.ChunkID == id {
				return r.RRFScore
			}
		}
		t.Fatal("chunk missing from fusion")
		return 0
	}

	assert.Greater(t, scoreOf(atRank2), scoreOf(atRank4))
}

func TestFuseRRF_WeightsScaleLegs(t *testing.T) {
	c1, c2 := uuid.New(), uuid.New()
	lexical := []Hit{hit(c1, 5)}
	vector := []Hit{hit(c2, 0.9)}

	results := FuseRRF(lexical, vector, Weights{BM25: 2.0, Semantic: 0.5})
	require.Len(t, results, 2)
	assert.Equal(t, c1, results[0].ChunkID, "heavier lexical weight must win at equal rank")
	assert.InDelta(t, 2.0/61, results[0].RRFScore, 1e-9)
	assert.InDelta(t, 0.5/61, results[1].RRFScore, 1e-9)
}

func TestEngine_ShortQueryShortCircuits(t *testing.T) {
	ret := &stubRetriever{lexicalErr: errors.New("must not be called")}
	engine := NewEngine(&testutil.FakeEmbedder{}, ret, ret, zaptest.NewLogger(t))

	resp, err := engine.Search(context.Background(), newTestScope(t), Params{Query: "a"})
	require.NoError(t, err)
	assert.Empty(t, resp.Results)
	assert.Equal(t, uuid.Nil, ret.gotMatter, "retrievers must not run for a 1-char query")
}

func TestEngine_InvalidWeightsRejected(t *testing.T) {
	ret := &stubRetriever{}
	engine := NewEngine(&testutil.FakeEmbedder{}, ret, ret, zaptest.NewLogger(t))

	_, err := engine.Search(context.Background(), newTestScope(t), Params{
		Query:   "section 138 notice",
		Weights: Weights{BM25: 2.5, Semantic: 1},
	})
	require.Error(t, err)
	assert.Equal(t, domainErrors.CodeInvalidParameter, domainErrors.CodeOf(err))
}

func TestEngine_DegradesToSingleLeg(t *testing.T) {
	c1 := uuid.New()

	t.Run("vector fails", func(t *testing.T) {
		ret := &stubRetriever{lexical: []Hit{hit(c1, 5)}, vectorErr: errors.New("pgvector down")}
		engine := NewEngine(&testutil.FakeEmbedder{}, ret, ret, zaptest.NewLogger(t))

		resp, err := engine.Search(context.Background(), newTestScope(t), Params{Query: "lease deed"})
		require.NoError(t, err)
		assert.Equal(t, "semantic", resp.DegradedLeg)
		require.Len(t, resp.Results, 1)
		assert.Equal(t, c1, resp.Results[0].ChunkID)
	})

	t.Run("lexical fails", func(t *testing.T) {
		ret := &stubRetriever{vector: []Hit{hit(c1, 0.9)}, lexicalErr: errors.New("fts down")}
		engine := NewEngine(&testutil.FakeEmbedder{}, ret, ret, zaptest.NewLogger(t))

		resp, err := engine.Search(context.Background(), newTestScope(t), Params{Query: "lease deed"})
		require.NoError(t, err)
		assert.Equal(t, "bm25", resp.DegradedLeg)
		require.Len(t, resp.Results, 1)
	})
}

func TestEngine_BothLegsFailing(t *testing.T) {
	ret := &stubRetriever{lexicalErr: errors.New("down"), vectorErr: errors.New("down")}
	engine := NewEngine(&testutil.FakeEmbedder{}, ret, ret, zaptest.NewLogger(t))

	_, err := engine.Search(context.Background(), newTestScope(t), Params{Query: "lease deed"})
	require.Error(t, err)
	assert.Equal(t, domainErrors.CodeSearchFailed, domainErrors.CodeOf(err))
	assert.True(t, domainErrors.IsRetryable(err))
}

func TestEngine_EmbedFailureDegradesToLexical(t *testing.T) {
	c1 := uuid.New()
	ret := &stubRetriever{lexical: []Hit{hit(c1, 5)}}
	engine := NewEngine(&testutil.FakeEmbedder{Err: errors.New("model timeout")}, ret, ret, zaptest.NewLogger(t))

	resp, err := engine.Search(context.Background(), newTestScope(t), Params{Query: "lease deed"})
	require.NoError(t, err)
	assert.Equal(t, "semantic", resp.DegradedLeg)
	require.Len(t, resp.Results, 1)
}

func TestEngine_LimitTruncates(t *testing.T) {
	var lexical []Hit
	for i := 0; i < 30; i++ {
		lexical = append(lexical, hit(uuid.New(), float64(30-i)))
	}
	ret := &stubRetriever{lexical: lexical}
	engine := NewEngine(&testutil.FakeEmbedder{}, ret, ret, zaptest.NewLogger(t))

	resp, err := engine.Search(context.Background(), newTestScope(t), Params{Query: "possession notice", Limit: 5})
	require.NoError(t, err)
	assert.Len(t, resp.Results, 5)
}

func TestRerankedEngine_FallsBackOnFailure(t *testing.T) {
	c1, c2 := uuid.New(), uuid.New()
	ret := &stubRetriever{lexical: []Hit{hit(c1, 5), hit(c2, 4)}}
	engine := NewEngine(&testutil.FakeEmbedder{}, ret, ret, zaptest.NewLogger(t))
	reranked := NewRerankedEngine(engine, &testutil.FakeReranker{Err: errors.New("rerank down")}, 10, zaptest.NewLogger(t))

	resp, err := reranked.Search(context.Background(), newTestScope(t), Params{Query: "possession notice"})
	require.NoError(t, err)
	assert.Equal(t, "rerank_failed", resp.RerankFallbackReason)
	require.Len(t, resp.Results, 2)
	assert.Equal(t, c1, resp.Results[0].ChunkID, "fused order preserved on fallback")
}

func TestRerankedEngine_AppliesModelOrder(t *testing.T) {
	c1, c2 := uuid.New(), uuid.New()
	ret := &stubRetriever{lexical: []Hit{hit(c1, 5), hit(c2, 4)}}
	engine := NewEngine(&testutil.FakeEmbedder{}, ret, ret, zaptest.NewLogger(t))
	// FakeReranker reverses order.
	reranked := NewRerankedEngine(engine, &testutil.FakeReranker{}, 10, zaptest.NewLogger(t))

	resp, err := reranked.Search(context.Background(), newTestScope(t), Params{Query: "possession notice"})
	require.NoError(t, err)
	assert.Empty(t, resp.RerankFallbackReason)
	require.Len(t, resp.Results, 2)
	assert.Equal(t, c2, resp.Results[0].ChunkID)
	assert.Equal(t, 1, resp.Results[0].RerankRank)
}

func TestInspector_ProducesStageTimings(t *testing.T) {
	c1 := uuid.New()
	long := hit(c1, 5)
	for i := 0; i < 30; i++ {
		long.Content += fmt.Sprintf(" filler%02d", i)
	}
	ret := &stubRetriever{lexical: []Hit{long}}
	engine := NewEngine(&testutil.FakeEmbedder{}, ret, ret, zaptest.NewLogger(t))
	inspector := NewInspector(engine, nil)

	resp, debug, err := inspector.Inspect(context.Background(), newTestScope(t), Params{Query: "possession notice"})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	require.Len(t, debug.Chunks, 1)
	assert.LessOrEqual(t, len(debug.Chunks[0].Content), 200)
	assert.GreaterOrEqual(t, debug.Timings.TotalMs, int64(0))
}
