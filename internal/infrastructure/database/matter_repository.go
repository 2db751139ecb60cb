package database

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/matterdock/matterdock-backend/internal/domain/errors"
	"github.com/matterdock/matterdock-backend/internal/domain/matter"
)

// MatterRepository resolves matters and memberships. It is the enforcement
// point for the namespace guard: a caller who is not a member gets
// MATTER_NOT_FOUND, never a forbidden, so probing cannot distinguish
// "exists but not mine" from "does not exist".
type MatterRepository struct {
	db *pgxpool.Pool
}

// NewMatterRepository creates a new PostgreSQL matter repository
func NewMatterRepository(db *pgxpool.Pool) *MatterRepository {
	return &MatterRepository{db: db}
}

// RequireMember returns the caller's role in the scope's matter, or
// MATTER_NOT_FOUND when the matter is missing or the caller is not a member.
func (r *MatterRepository) RequireMember(ctx context.Context, scope matter.Scope) (matter.Role, error) {
	var roleStr string
	err := r.db.QueryRow(ctx, `
		SELECT role FROM matter_members
		WHERE matter_id = $1 AND user_id = $2
	`, scope.MatterID, scope.UserID).Scan(&roleStr)

	if err != nil {
		if err == pgx.ErrNoRows {
			return matter.RoleViewer, errors.NewMatterNotFound()
		}
		return matter.RoleViewer, errors.NewInternalError("failed to check matter membership").WithCause(err)
	}

	role, err := matter.ParseRole(roleStr)
	if err != nil {
		return matter.RoleViewer, errors.NewInternalError("invalid role in membership row").WithCause(err)
	}

	return role, nil
}

// GetByID fetches the matter, membership-checked.
func (r *MatterRepository) GetByID(ctx context.Context, scope matter.Scope) (*matter.Matter, error) {
	if _, err := r.RequireMember(ctx, scope); err != nil {
		return nil, err
	}

	var m matter.Matter
	err := r.db.QueryRow(ctx, `
		SELECT id, title, description, created_at, updated_at
		FROM matters
		WHERE id = $1
	`, scope.MatterID).Scan(&m.ID, &m.Title, &m.Description, &m.CreatedAt, &m.UpdatedAt)

	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, errors.NewMatterNotFound()
		}
		return nil, errors.NewInternalError("failed to get matter").WithCause(err)
	}

	return &m, nil
}

// AccessibleMatterIDs enumerates every matter the user belongs to. This is
// the only sanctioned cross-matter enumeration in the system; global search
// iterates these IDs and nothing else.
func (r *MatterRepository) AccessibleMatterIDs(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := r.db.Query(ctx, `
		SELECT matter_id FROM matter_members
		WHERE user_id = $1
		ORDER BY matter_id
	`, userID)
	if err != nil {
		return nil, errors.NewInternalError("failed to list accessible matters").WithCause(err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, errors.NewInternalError("failed to scan matter id").WithCause(err)
		}
		ids = append(ids, id)
	}

	return ids, rows.Err()
}

// MattersForUser loads the user's matters in full, newest activity first.
// Global search fans out over this list.
func (r *MatterRepository) MattersForUser(ctx context.Context, userID uuid.UUID) ([]matter.Matter, error) {
	rows, err := r.db.Query(ctx, `
		SELECT m.id, m.title, m.description, m.created_at, m.updated_at
		FROM matters m
		JOIN matter_members mm ON mm.matter_id = m.id
		WHERE mm.user_id = $1
		ORDER BY m.updated_at DESC
	`, userID)
	if err != nil {
		return nil, errors.NewInternalError("failed to list user matters").WithCause(err)
	}
	defer rows.Close()

	var matters []matter.Matter
	for rows.Next() {
		var m matter.Matter
		if err := rows.Scan(&m.ID, &m.Title, &m.Description, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, errors.NewInternalError("failed to scan matter").WithCause(err)
		}
		matters = append(matters, m)
	}

	return matters, rows.Err()
}

// SearchTitles finds the user's matters whose title contains the query,
// case-insensitively, capped at limit.
func (r *MatterRepository) SearchTitles(ctx context.Context, userID uuid.UUID, queryText string, limit int) ([]*matter.Matter, error) {
	rows, err := r.db.Query(ctx, `
		SELECT m.id, m.title, m.description, m.created_at, m.updated_at
		FROM matters m
		JOIN matter_members mm ON mm.matter_id = m.id
		WHERE mm.user_id = $1 AND m.title ILIKE '%' || $2 || '%'
		ORDER BY m.updated_at DESC
		LIMIT $3
	`, userID, queryText, limit)
	if err != nil {
		return nil, errors.NewInternalError("failed to search matter titles").WithCause(err)
	}
	defer rows.Close()

	var matters []*matter.Matter
	for rows.Next() {
		var m matter.Matter
		if err := rows.Scan(&m.ID, &m.Title, &m.Description, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, errors.NewInternalError("failed to scan matter").WithCause(err)
		}
		matters = append(matters, &m)
	}

	return matters, rows.Err()
}
