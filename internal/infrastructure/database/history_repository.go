package database

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/matterdock/matterdock-backend/internal/domain/errors"
	"github.com/matterdock/matterdock-backend/internal/domain/matter"
	"github.com/matterdock/matterdock-backend/internal/domain/query"
)

// HistoryRepository persists the append-only query log and the derived
// per-matter snapshots (timeline cache, entity-graph cache). Snapshots
// live in one row per (matter, kind) with the payload as JSONB; the
// staleness check compares cached_at against the matter's newest upload.
type HistoryRepository struct {
	db *pgxpool.Pool
}

// NewHistoryRepository creates a new PostgreSQL history repository
func NewHistoryRepository(db *pgxpool.Pool) *HistoryRepository {
	return &HistoryRepository{db: db}
}

// AppendHistory stores one query-log entry
func (r *HistoryRepository) AppendHistory(ctx context.Context, scope matter.Scope, entry *query.HistoryEntry) error {
	engines, err := json.Marshal(entry.EnginesUsed)
	if err != nil {
		return errors.NewInternalError("failed to encode engines").WithCause(err)
	}

	_, err = r.db.Exec(ctx, `
		INSERT INTO query_history (
			id, matter_id, user_id, query, engines_used, confidence,
			tokens_in, tokens_out, cost_usd, attorney_verified, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, entry.ID, scope.MatterID, entry.UserID, entry.Query, engines, entry.Confidence,
		entry.TokensIn, entry.TokensOut, entry.CostUSD, entry.AttorneyVerified, entry.CreatedAt)

	if err != nil {
		return errors.NewInternalError("failed to append query history").WithCause(err)
	}
	return nil
}

// RecentHistory returns at most limit entries, newest first.
func (r *HistoryRepository) RecentHistory(ctx context.Context, scope matter.Scope, limit int) ([]*query.HistoryEntry, error) {
	rows, err := r.db.Query(ctx, historySelect+`
		WHERE matter_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, scope.MatterID, limit)
	if err != nil {
		return nil, errors.NewInternalError("failed to list query history").WithCause(err)
	}
	defer rows.Close()

	var entries []*query.HistoryEntry
	for rows.Next() {
		entry, err := scanHistoryEntry(rows)
		if err != nil {
			return nil, errors.NewInternalError("failed to scan history entry").WithCause(err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// GetHistoryEntry retrieves one entry within the scope's matter
func (r *HistoryRepository) GetHistoryEntry(ctx context.Context, scope matter.Scope, id uuid.UUID) (*query.HistoryEntry, error) {
	row := r.db.QueryRow(ctx, historySelect+`
		WHERE id = $1 AND matter_id = $2
	`, id, scope.MatterID)

	entry, err := scanHistoryEntry(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, errors.NewItemNotFound("history entry")
		}
		return nil, errors.NewInternalError("failed to get history entry").WithCause(err)
	}
	return entry, nil
}

// UpdateHistoryEntry rewrites the entry's mutable flag.
func (r *HistoryRepository) UpdateHistoryEntry(ctx context.Context, scope matter.Scope, entry *query.HistoryEntry) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE query_history
		SET attorney_verified = $3
		WHERE id = $1 AND matter_id = $2
	`, entry.ID, scope.MatterID, entry.AttorneyVerified)

	if err != nil {
		return errors.NewInternalError("failed to update history entry").WithCause(err)
	}
	if tag.RowsAffected() == 0 {
		return errors.NewItemNotFound("history entry")
	}
	return nil
}

const (
	snapshotTimeline    = "timeline"
	snapshotEntityGraph = "entity_graph"
)

// ActiveMatters lists matters with query activity since the cutoff.
// The worker sweeps these matters' evaluation queues.
func (r *HistoryRepository) ActiveMatters(ctx context.Context, since time.Time) ([]uuid.UUID, error) {
	rows, err := r.db.Query(ctx, `
		SELECT DISTINCT matter_id FROM query_history
		WHERE created_at > $1
	`, since)
	if err != nil {
		return nil, errors.NewInternalError("failed to list active matters").WithCause(err)
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

// GetTimelineCache loads the matter's timeline snapshot.
func (r *HistoryRepository) GetTimelineCache(ctx context.Context, scope matter.Scope) (*query.TimelineCache, error) {
	var snap query.TimelineCache
	if err := r.getSnapshot(ctx, scope, snapshotTimeline, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// PutTimelineCache stores the matter's timeline snapshot.
func (r *HistoryRepository) PutTimelineCache(ctx context.Context, scope matter.Scope, snap *query.TimelineCache) error {
	return r.putSnapshot(ctx, scope, snapshotTimeline, snap.CachedAt, snap.Version, snap)
}

// GetEntityGraphCache loads the matter's graph snapshot.
func (r *HistoryRepository) GetEntityGraphCache(ctx context.Context, scope matter.Scope) (*query.EntityGraphCache, error) {
	var snap query.EntityGraphCache
	if err := r.getSnapshot(ctx, scope, snapshotEntityGraph, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// PutEntityGraphCache stores the matter's graph snapshot.
func (r *HistoryRepository) PutEntityGraphCache(ctx context.Context, scope matter.Scope, snap *query.EntityGraphCache) error {
	return r.putSnapshot(ctx, scope, snapshotEntityGraph, snap.CachedAt, snap.Version, snap)
}

// DeleteSnapshots removes both derived snapshots.
func (r *HistoryRepository) DeleteSnapshots(ctx context.Context, scope matter.Scope) error {
	_, err := r.db.Exec(ctx, `
		DELETE FROM matter_snapshots WHERE matter_id = $1
	`, scope.MatterID)
	if err != nil {
		return errors.NewInternalError("failed to delete snapshots").WithCause(err)
	}
	return nil
}

// LastDocumentUpload returns the matter's newest upload instant, zero
// when the matter has no documents.
func (r *HistoryRepository) LastDocumentUpload(ctx context.Context, scope matter.Scope) (time.Time, error) {
	var last *time.Time
	err := r.db.QueryRow(ctx, `
		SELECT MAX(created_at) FROM documents WHERE matter_id = $1
	`, scope.MatterID).Scan(&last)
	if err != nil {
		return time.Time{}, errors.NewInternalError("failed to read last upload").WithCause(err)
	}
	if last == nil {
		return time.Time{}, nil
	}
	return *last, nil
}

func (r *HistoryRepository) getSnapshot(ctx context.Context, scope matter.Scope, kind string, out interface{}) error {
	var payload []byte
	err := r.db.QueryRow(ctx, `
		SELECT payload FROM matter_snapshots
		WHERE matter_id = $1 AND kind = $2
	`, scope.MatterID, kind).Scan(&payload)

	if err != nil {
		if err == pgx.ErrNoRows {
			return errors.NewItemNotFound(kind + " cache")
		}
		return errors.NewInternalError("failed to get snapshot").WithCause(err)
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return errors.NewInternalError("failed to decode snapshot").WithCause(err)
	}
	return nil
}

func (r *HistoryRepository) putSnapshot(ctx context.Context, scope matter.Scope, kind string, cachedAt time.Time, version int, snap interface{}) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return errors.NewInternalError("failed to encode snapshot").WithCause(err)
	}

	_, err = r.db.Exec(ctx, `
		INSERT INTO matter_snapshots (matter_id, kind, version, cached_at, payload)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (matter_id, kind) DO UPDATE SET
			version = EXCLUDED.version,
			cached_at = EXCLUDED.cached_at,
			payload = EXCLUDED.payload
	`, scope.MatterID, kind, version, cachedAt, payload)

	if err != nil {
		return errors.NewInternalError("failed to store snapshot").WithCause(err)
	}
	return nil
}

const historySelect = `
	SELECT id, matter_id, user_id, query, engines_used, confidence,
	       tokens_in, tokens_out, cost_usd, attorney_verified, created_at
	FROM query_history`

func scanHistoryEntry(row rowScanner) (*query.HistoryEntry, error) {
	var entry query.HistoryEntry
	var engines []byte

	if err := row.Scan(&entry.ID, &entry.MatterID, &entry.UserID, &entry.Query,
		&engines, &entry.Confidence, &entry.TokensIn, &entry.TokensOut,
		&entry.CostUSD, &entry.AttorneyVerified, &entry.CreatedAt); err != nil {
		return nil, err
	}

	if len(engines) > 0 {
		if err := json.Unmarshal(engines, &entry.EnginesUsed); err != nil {
			return nil, err
		}
	}
	return &entry, nil
}
