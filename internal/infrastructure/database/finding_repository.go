package database

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/matterdock/matterdock-backend/internal/domain/errors"
	"github.com/matterdock/matterdock-backend/internal/domain/finding"
	"github.com/matterdock/matterdock-backend/internal/domain/matter"
)

// FindingRepository persists surfaced findings and their verification
// records. The requirement tier is never stored; it derives from
// confidence_before on read.
type FindingRepository struct {
	db *pgxpool.Pool
}

// NewFindingRepository creates a new PostgreSQL finding repository
func NewFindingRepository(db *pgxpool.Pool) *FindingRepository {
	return &FindingRepository{db: db}
}

// InsertFinding stores a surfaced finding
func (r *FindingRepository) InsertFinding(ctx context.Context, scope matter.Scope, f *finding.Finding) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO findings (id, matter_id, finding_type, finding_summary, confidence, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, f.ID, scope.MatterID, f.Type, f.Summary, f.Confidence, f.CreatedAt)

	if err != nil {
		return errors.NewInternalError("failed to insert finding").WithCause(err)
	}
	return nil
}

// Insert stores a verification record
func (r *FindingRepository) Insert(ctx context.Context, scope matter.Scope, v *finding.Verification) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO verifications (
			id, matter_id, finding_id, finding_type, finding_summary,
			confidence_before, decision, verified_by, verified_at,
			confidence_after, notes, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, v.ID, scope.MatterID, v.FindingID, v.FindingType, v.FindingSummary,
		v.ConfidenceBefore, v.Decision.String(), v.VerifiedBy, v.VerifiedAt,
		v.ConfidenceAfter, v.Notes, v.CreatedAt)

	if err != nil {
		return errors.NewInternalError("failed to insert verification").WithCause(err)
	}
	return nil
}

// Get retrieves one verification within the scope's matter
func (r *FindingRepository) Get(ctx context.Context, scope matter.Scope, id uuid.UUID) (*finding.Verification, error) {
	row := r.db.QueryRow(ctx, verificationSelect+`
		WHERE id = $1 AND matter_id = $2
	`, id, scope.MatterID)

	v, err := scanVerification(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, errors.NewItemNotFound("verification")
		}
		return nil, errors.NewInternalError("failed to get verification").WithCause(err)
	}
	return v, nil
}

// Update records a decision on the verification
func (r *FindingRepository) Update(ctx context.Context, scope matter.Scope, v *finding.Verification) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE verifications
		SET decision = $3, verified_by = $4, verified_at = $5,
		    confidence_after = $6, notes = $7
		WHERE id = $1 AND matter_id = $2
	`, v.ID, scope.MatterID, v.Decision.String(), v.VerifiedBy, v.VerifiedAt,
		v.ConfidenceAfter, v.Notes)

	if err != nil {
		return errors.NewInternalError("failed to update verification").WithCause(err)
	}
	if tag.RowsAffected() == 0 {
		return errors.NewItemNotFound("verification")
	}
	return nil
}

// ListPending returns the matter's undecided records, riskiest first.
func (r *FindingRepository) ListPending(ctx context.Context, scope matter.Scope) ([]*finding.Verification, error) {
	rows, err := r.db.Query(ctx, verificationSelect+`
		WHERE matter_id = $1 AND decision = 'pending'
		ORDER BY confidence_before, created_at
	`, scope.MatterID)
	if err != nil {
		return nil, errors.NewInternalError("failed to list pending verifications").WithCause(err)
	}
	defer rows.Close()

	return collectVerifications(rows)
}

// ListAll returns every verification record of the matter
func (r *FindingRepository) ListAll(ctx context.Context, scope matter.Scope) ([]*finding.Verification, error) {
	rows, err := r.db.Query(ctx, verificationSelect+`
		WHERE matter_id = $1
		ORDER BY created_at
	`, scope.MatterID)
	if err != nil {
		return nil, errors.NewInternalError("failed to list verifications").WithCause(err)
	}
	defer rows.Close()

	return collectVerifications(rows)
}

const verificationSelect = `
	SELECT id, matter_id, finding_id, finding_type, finding_summary,
	       confidence_before, decision, verified_by, verified_at,
	       confidence_after, notes, created_at
	FROM verifications`

func scanVerification(row rowScanner) (*finding.Verification, error) {
	var v finding.Verification
	var decisionStr string

	if err := row.Scan(&v.ID, &v.MatterID, &v.FindingID, &v.FindingType,
		&v.FindingSummary, &v.ConfidenceBefore, &decisionStr, &v.VerifiedBy,
		&v.VerifiedAt, &v.ConfidenceAfter, &v.Notes, &v.CreatedAt); err != nil {
		return nil, err
	}

	decision, err := finding.ParseDecision(decisionStr)
	if err != nil {
		return nil, err
	}
	v.Decision = decision
	return &v, nil
}

func collectVerifications(rows pgx.Rows) ([]*finding.Verification, error) {
	var records []*finding.Verification
	for rows.Next() {
		v, err := scanVerification(rows)
		if err != nil {
			return nil, errors.NewInternalError("failed to scan verification").WithCause(err)
		}
		records = append(records, v)
	}
	return records, rows.Err()
}
