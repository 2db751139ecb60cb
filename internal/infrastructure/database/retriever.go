package database

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	"go.opentelemetry.io/otel/trace"

	"github.com/matterdock/matterdock-backend/internal/domain/errors"
	"github.com/matterdock/matterdock-backend/internal/infrastructure/telemetry"
	"github.com/matterdock/matterdock-backend/internal/service/search"
)

// ChunkRetriever runs both retrieval legs of hybrid search against the
// chunks table: Postgres full-text ts_rank for the lexical leg, pgvector
// cosine distance for the dense leg. Every statement filters by matter_id.
type ChunkRetriever struct {
	db     *pgxpool.Pool
	tracer trace.Tracer
}

// NewChunkRetriever creates a retriever over the shared pool
func NewChunkRetriever(db *pgxpool.Pool) *ChunkRetriever {
	return &ChunkRetriever{db: db, tracer: telemetry.Tracer("matterdock.database")}
}

// LexicalSearch returns the top-k chunks by ts_rank for the query within
// the matter. Only child-tier chunks participate in retrieval.
func (r *ChunkRetriever) LexicalSearch(ctx context.Context, matterID uuid.UUID, queryText string, topK int) ([]search.Hit, error) {
	ctx, span := telemetry.StartDatabaseSpan(ctx, r.tracer, "lexical_search", "chunks")
	defer span.End()

	rows, err := r.db.Query(ctx, `
		SELECT c.id, c.document_id, c.content, c.page_number, d.filename,
		       ts_rank(c.content_tsv, plainto_tsquery('english', $2)) AS score
		FROM chunks c
		JOIN documents d ON d.id = c.document_id
		WHERE c.matter_id = $1
		  AND c.tier = 'child'
		  AND d.deleted_at IS NULL
		  AND c.content_tsv @@ plainto_tsquery('english', $2)
		ORDER BY score DESC
		LIMIT $3
	`, matterID, queryText, topK)
	if err != nil {
		telemetry.WithSpanError(span, err)
		return nil, errors.NewInternalError("lexical search failed").WithCause(err)
	}
	defer rows.Close()

	return collectHits(rows)
}

// VectorSearch returns the top-k chunks by cosine similarity to the query
// embedding within the matter.
func (r *ChunkRetriever) VectorSearch(ctx context.Context, matterID uuid.UUID, queryVec []float32, topK int) ([]search.Hit, error) {
	ctx, span := telemetry.StartDatabaseSpan(ctx, r.tracer, "vector_search", "chunks")
	defer span.End()

	rows, err := r.db.Query(ctx, `
		SELECT c.id, c.document_id, c.content, c.page_number, d.filename,
		       1 - (c.embedding <=> $2) AS score
		FROM chunks c
		JOIN documents d ON d.id = c.document_id
		WHERE c.matter_id = $1
		  AND c.tier = 'child'
		  AND d.deleted_at IS NULL
		  AND c.embedding IS NOT NULL
		ORDER BY c.embedding <=> $2
		LIMIT $3
	`, matterID, pgvector.NewVector(queryVec), topK)
	if err != nil {
		telemetry.WithSpanError(span, err)
		return nil, errors.NewInternalError("vector search failed").WithCause(err)
	}
	defer rows.Close()

	return collectHits(rows)
}

func collectHits(rows interface {
	Next() bool
	Scan(...interface{}) error
	Err() error
}) ([]search.Hit, error) {
	var hits []search.Hit
	for rows.Next() {
		var h search.Hit
		var page *int
		if err := rows.Scan(&h.ChunkID, &h.DocumentID, &h.Content, &page, &h.DocumentName, &h.Score); err != nil {
			return nil, errors.NewInternalError("failed to scan search hit").WithCause(err)
		}
		h.PageNumber = page
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// Interface guards: the search service consumes these.
var (
	_ search.LexicalRetriever = (*ChunkRetriever)(nil)
	_ search.VectorRetriever  = (*ChunkRetriever)(nil)
)
