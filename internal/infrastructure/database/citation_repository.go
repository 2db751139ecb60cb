package database

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/matterdock/matterdock-backend/internal/domain/citation"
	"github.com/matterdock/matterdock-backend/internal/domain/errors"
	"github.com/matterdock/matterdock-backend/internal/domain/matter"
)

// CitationRepository persists extracted citations and per-matter act
// resolutions.
type CitationRepository struct {
	db *pgxpool.Pool
}

// NewCitationRepository creates a new PostgreSQL citation repository
func NewCitationRepository(db *pgxpool.Pool) *CitationRepository {
	return &CitationRepository{db: db}
}

// InsertBatch stores one extraction run's citations
func (r *CitationRepository) InsertBatch(ctx context.Context, scope matter.Scope, citations []*citation.ExtractedCitation) error {
	if len(citations) == 0 {
		return nil
	}

	_, err := r.db.CopyFrom(
		ctx,
		pgx.Identifier{"extracted_citations"},
		[]string{"id", "matter_id", "act_name", "canonical_act_name", "section",
			"subsection", "clause", "raw_text", "quoted_text", "confidence",
			"verification_status", "source_document_id", "source_chunk_id",
			"page_number", "created_at"},
		pgx.CopyFromSlice(len(citations), func(i int) ([]interface{}, error) {
			c := citations[i]
			return []interface{}{
				c.ID, scope.MatterID, c.ActName, c.CanonicalActName, c.Section,
				c.Subsection, c.Clause, c.RawText, c.QuotedText, c.Confidence,
				c.Status.String(), c.SourceDocumentID, c.SourceChunkID,
				c.PageNumber, c.CreatedAt,
			}, nil
		}),
	)

	if err != nil {
		return errors.NewInternalError("failed to insert citations").WithCause(err)
	}

	return nil
}

// GetByID retrieves a citation within the scope's matter
func (r *CitationRepository) GetByID(ctx context.Context, scope matter.Scope, id uuid.UUID) (*citation.ExtractedCitation, error) {
	row := r.db.QueryRow(ctx, citationSelect+`
		WHERE id = $1 AND matter_id = $2
	`, id, scope.MatterID)

	c, err := scanCitation(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, errors.NewItemNotFound("citation")
		}
		return nil, errors.NewInternalError("failed to get citation").WithCause(err)
	}

	return c, nil
}

// ListByMatter returns the matter's citations, optionally filtered by status
func (r *CitationRepository) ListByMatter(ctx context.Context, scope matter.Scope, status *citation.VerificationStatus) ([]*citation.ExtractedCitation, error) {
	query := citationSelect + ` WHERE matter_id = $1`
	args := []interface{}{scope.MatterID}
	if status != nil {
		query += ` AND verification_status = $2`
		args = append(args, status.String())
	}
	query += ` ORDER BY created_at`

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.NewInternalError("failed to list citations").WithCause(err)
	}
	defer rows.Close()

	return collectCitations(rows)
}

// PendingForAct returns the matter's pending citations against one act, in
// creation order. This is the verification batch for that act.
func (r *CitationRepository) PendingForAct(ctx context.Context, scope matter.Scope, canonicalActName string) ([]*citation.ExtractedCitation, error) {
	rows, err := r.db.Query(ctx, citationSelect+`
		WHERE matter_id = $1
		  AND canonical_act_name = $2
		  AND verification_status = 'pending'
		ORDER BY created_at
	`, scope.MatterID, canonicalActName)
	if err != nil {
		return nil, errors.NewInternalError("failed to list pending citations").WithCause(err)
	}
	defer rows.Close()

	return collectCitations(rows)
}

// UpdateVerification records a verification outcome on the citation
func (r *CitationRepository) UpdateVerification(ctx context.Context, scope matter.Scope, id uuid.UUID, result citation.VerificationResult) error {
	bboxIDs, err := json.Marshal(result.TargetBBoxIDs)
	if err != nil {
		return errors.NewInternalError("failed to encode bbox ids").WithCause(err)
	}

	tag, err := r.db.Exec(ctx, `
		UPDATE extracted_citations
		SET verification_status = $3, target_page = $4, target_bbox_ids = $5,
		    similarity_score = $6, verified_at = NOW()
		WHERE id = $1 AND matter_id = $2
	`, id, scope.MatterID, result.Status.String(), result.TargetPage, bboxIDs, result.SimilarityScore)

	if err != nil {
		return errors.NewInternalError("failed to update citation verification").WithCause(err)
	}
	if tag.RowsAffected() == 0 {
		return errors.NewItemNotFound("citation")
	}

	return nil
}

// ReleaseActUnavailable flips all of the act's act_unavailable citations
// back to pending once the act document arrives. Returns how many flipped.
func (r *CitationRepository) ReleaseActUnavailable(ctx context.Context, scope matter.Scope, canonicalActName string) (int64, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE extracted_citations
		SET verification_status = 'pending'
		WHERE matter_id = $1
		  AND canonical_act_name = $2
		  AND verification_status = 'act_unavailable'
	`, scope.MatterID, canonicalActName)

	if err != nil {
		return 0, errors.NewInternalError("failed to release citations").WithCause(err)
	}

	return tag.RowsAffected(), nil
}

// CountByStatus aggregates the matter's citations per verification status
func (r *CitationRepository) CountByStatus(ctx context.Context, scope matter.Scope) (map[string]int, error) {
	rows, err := r.db.Query(ctx, `
		SELECT verification_status, COUNT(*)
		FROM extracted_citations
		WHERE matter_id = $1
		GROUP BY verification_status
	`, scope.MatterID)
	if err != nil {
		return nil, errors.NewInternalError("failed to count citations").WithCause(err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, errors.NewInternalError("failed to scan citation counts").WithCause(err)
		}
		counts[status] = count
	}

	return counts, rows.Err()
}

// UpsertActResolution records that the matter cites an act, accumulating
// the citation count on repeat extractions.
func (r *CitationRepository) UpsertActResolution(ctx context.Context, res *citation.ActResolution) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO act_resolutions (
			id, matter_id, act_name_normalized, act_name_display,
			act_document_id, resolution_status, user_action, citation_count, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
		ON CONFLICT (matter_id, act_name_normalized) DO UPDATE SET
			citation_count = act_resolutions.citation_count + EXCLUDED.citation_count,
			updated_at = NOW()
	`, res.ID, res.MatterID, res.ActNameNormalized, res.ActNameDisplay,
		res.ActDocumentID, res.ResolutionStatus.String(), res.UserAction.String(), res.CitationCount)

	if err != nil {
		return errors.NewInternalError("failed to upsert act resolution").WithCause(err)
	}

	return nil
}

// ListActResolutions returns the matter's act resolutions, unresolved first
func (r *CitationRepository) ListActResolutions(ctx context.Context, scope matter.Scope) ([]*citation.ActResolution, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, matter_id, act_name_normalized, act_name_display,
		       act_document_id, resolution_status, user_action, citation_count, updated_at
		FROM act_resolutions
		WHERE matter_id = $1
		ORDER BY (resolution_status = 'missing') DESC, citation_count DESC
	`, scope.MatterID)
	if err != nil {
		return nil, errors.NewInternalError("failed to list act resolutions").WithCause(err)
	}
	defer rows.Close()

	var resolutions []*citation.ActResolution
	for rows.Next() {
		res, err := scanActResolution(rows)
		if err != nil {
			return nil, errors.NewInternalError("failed to scan act resolution").WithCause(err)
		}
		resolutions = append(resolutions, res)
	}

	return resolutions, rows.Err()
}

// GetActResolution fetches one act's resolution record by normalized name
func (r *CitationRepository) GetActResolution(ctx context.Context, scope matter.Scope, actNameNormalized string) (*citation.ActResolution, error) {
	row := r.db.QueryRow(ctx, `
		SELECT id, matter_id, act_name_normalized, act_name_display,
		       act_document_id, resolution_status, user_action, citation_count, updated_at
		FROM act_resolutions
		WHERE matter_id = $1 AND act_name_normalized = $2
	`, scope.MatterID, actNameNormalized)

	res, err := scanActResolution(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, errors.NewItemNotFound("act resolution")
		}
		return nil, errors.NewInternalError("failed to get act resolution").WithCause(err)
	}

	return res, nil
}

// MarkActUploaded links an uploaded act document to its resolution
func (r *CitationRepository) MarkActUploaded(ctx context.Context, scope matter.Scope, actNameNormalized string, documentID uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE act_resolutions
		SET act_document_id = $3, resolution_status = 'available',
		    user_action = 'uploaded', updated_at = NOW()
		WHERE matter_id = $1 AND act_name_normalized = $2
	`, scope.MatterID, actNameNormalized, documentID)

	if err != nil {
		return errors.NewInternalError("failed to mark act uploaded").WithCause(err)
	}
	if tag.RowsAffected() == 0 {
		return errors.NewItemNotFound("act resolution")
	}

	return nil
}

// MarkActSkipped records the user's choice not to provide the act
func (r *CitationRepository) MarkActSkipped(ctx context.Context, scope matter.Scope, actNameNormalized string) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE act_resolutions
		SET resolution_status = 'skipped', user_action = 'skipped', updated_at = NOW()
		WHERE matter_id = $1 AND act_name_normalized = $2
	`, scope.MatterID, actNameNormalized)

	if err != nil {
		return errors.NewInternalError("failed to mark act skipped").WithCause(err)
	}
	if tag.RowsAffected() == 0 {
		return errors.NewItemNotFound("act resolution")
	}

	return nil
}

const citationSelect = `
	SELECT id, matter_id, act_name, canonical_act_name, section, subsection,
	       clause, raw_text, quoted_text, confidence, verification_status,
	       source_document_id, source_chunk_id, page_number, target_page,
	       target_bbox_ids, similarity_score, created_at, verified_at
	FROM extracted_citations`

func scanCitation(row rowScanner) (*citation.ExtractedCitation, error) {
	var c citation.ExtractedCitation
	var statusStr string
	var pageNumber, targetPage sql.NullInt32
	var similarity sql.NullFloat64
	var verifiedAt sql.NullTime
	var targetBBoxIDs []byte

	if err := row.Scan(&c.ID, &c.MatterID, &c.ActName, &c.CanonicalActName, &c.Section,
		&c.Subsection, &c.Clause, &c.RawText, &c.QuotedText, &c.Confidence, &statusStr,
		&c.SourceDocumentID, &c.SourceChunkID, &pageNumber, &targetPage,
		&targetBBoxIDs, &similarity, &c.CreatedAt, &verifiedAt); err != nil {
		return nil, err
	}

	status, err := citation.ParseVerificationStatus(statusStr)
	if err != nil {
		return nil, err
	}
	c.Status = status

	if pageNumber.Valid {
		p := int(pageNumber.Int32)
		c.PageNumber = &p
	}
	if targetPage.Valid {
		p := int(targetPage.Int32)
		c.TargetPage = &p
	}
	if similarity.Valid {
		c.SimilarityScore = &similarity.Float64
	}
	if verifiedAt.Valid {
		c.VerifiedAt = &verifiedAt.Time
	}
	if len(targetBBoxIDs) > 0 {
		if err := json.Unmarshal(targetBBoxIDs, &c.TargetBBoxIDs); err != nil {
			return nil, err
		}
	}

	return &c, nil
}

func collectCitations(rows pgx.Rows) ([]*citation.ExtractedCitation, error) {
	var citations []*citation.ExtractedCitation
	for rows.Next() {
		c, err := scanCitation(rows)
		if err != nil {
			return nil, errors.NewInternalError("failed to scan citation").WithCause(err)
		}
		citations = append(citations, c)
	}
	return citations, rows.Err()
}

func scanActResolution(row rowScanner) (*citation.ActResolution, error) {
	var res citation.ActResolution
	var statusStr, actionStr string

	if err := row.Scan(&res.ID, &res.MatterID, &res.ActNameNormalized, &res.ActNameDisplay,
		&res.ActDocumentID, &statusStr, &actionStr, &res.CitationCount, &res.UpdatedAt); err != nil {
		return nil, err
	}

	switch statusStr {
	case "available":
		res.ResolutionStatus = citation.ResolutionAvailable
	case "skipped":
		res.ResolutionStatus = citation.ResolutionSkipped
	default:
		res.ResolutionStatus = citation.ResolutionMissing
	}

	switch actionStr {
	case "uploaded":
		res.UserAction = citation.ActionUploaded
	case "skipped":
		res.UserAction = citation.ActionSkipped
	default:
		res.UserAction = citation.ActionPending
	}

	return &res, nil
}
