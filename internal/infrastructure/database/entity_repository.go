package database

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/matterdock/matterdock-backend/internal/domain/entity"
	"github.com/matterdock/matterdock-backend/internal/domain/errors"
	"github.com/matterdock/matterdock-backend/internal/domain/matter"
)

// EntityRepository persists the matter identity graph: entities,
// mentions, relationships.
type EntityRepository struct {
	db *pgxpool.Pool
}

// NewEntityRepository creates a new PostgreSQL entity repository
func NewEntityRepository(db *pgxpool.Pool) *EntityRepository {
	return &EntityRepository{db: db}
}

// FindByKey looks an entity up by its matter-local dedupe key,
// case-insensitively.
func (r *EntityRepository) FindByKey(ctx context.Context, scope matter.Scope, canonicalName string, entityType entity.Type) (*entity.Entity, error) {
	row := r.db.QueryRow(ctx, entitySelect+`
		WHERE matter_id = $1
		  AND LOWER(canonical_name) = LOWER($2)
		  AND entity_type = $3
	`, scope.MatterID, canonicalName, entityType.String())

	e, err := scanEntity(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, errors.NewItemNotFound("entity")
		}
		return nil, errors.NewInternalError("failed to find entity").WithCause(err)
	}
	return e, nil
}

// Insert stores a new entity
func (r *EntityRepository) Insert(ctx context.Context, scope matter.Scope, e *entity.Entity) error {
	aliases, metadata, err := encodeEntityJSON(e)
	if err != nil {
		return err
	}

	_, err = r.db.Exec(ctx, `
		INSERT INTO entities (
			id, matter_id, canonical_name, entity_type, aliases, metadata,
			mention_count, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, e.ID, scope.MatterID, e.CanonicalName, e.Type.String(), aliases, metadata,
		e.MentionCount, e.CreatedAt, e.UpdatedAt)

	if err != nil {
		return errors.NewInternalError("failed to insert entity").WithCause(err)
	}
	return nil
}

// Update rewrites an entity's mergeable fields
func (r *EntityRepository) Update(ctx context.Context, scope matter.Scope, e *entity.Entity) error {
	aliases, metadata, err := encodeEntityJSON(e)
	if err != nil {
		return err
	}

	tag, err := r.db.Exec(ctx, `
		UPDATE entities
		SET aliases = $3, metadata = $4, mention_count = $5, updated_at = NOW()
		WHERE id = $1 AND matter_id = $2
	`, e.ID, scope.MatterID, aliases, metadata, e.MentionCount)

	if err != nil {
		return errors.NewInternalError("failed to update entity").WithCause(err)
	}
	if tag.RowsAffected() == 0 {
		return errors.NewItemNotFound("entity")
	}
	return nil
}

// InsertMentions stores one chunk's mention batch
func (r *EntityRepository) InsertMentions(ctx context.Context, scope matter.Scope, mentions []*entity.Mention) error {
	if len(mentions) == 0 {
		return nil
	}

	_, err := r.db.CopyFrom(
		ctx,
		pgx.Identifier{"entity_mentions"},
		[]string{"id", "matter_id", "entity_id", "chunk_id", "page_number",
			"bbox_ids", "raw_text", "context", "created_at"},
		pgx.CopyFromSlice(len(mentions), func(i int) ([]interface{}, error) {
			m := mentions[i]
			bboxIDs, err := json.Marshal(m.BBoxIDs)
			if err != nil {
				return nil, err
			}
			return []interface{}{
				m.ID, scope.MatterID, m.EntityID, m.ChunkID, m.PageNumber,
				bboxIDs, m.RawText, m.Context, m.CreatedAt,
			}, nil
		}),
	)

	if err != nil {
		return errors.NewInternalError("failed to insert mentions").WithCause(err)
	}
	return nil
}

// InsertRelationships stores one chunk's edge batch, skipping duplicates
// of edges the matter already has.
func (r *EntityRepository) InsertRelationships(ctx context.Context, scope matter.Scope, relationships []*entity.Relationship) error {
	for _, rel := range relationships {
		_, err := r.db.Exec(ctx, `
			INSERT INTO entity_relationships (
				id, matter_id, from_entity_id, to_entity_id, relationship_type,
				confidence, created_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (matter_id, from_entity_id, to_entity_id, relationship_type)
			DO UPDATE SET confidence = GREATEST(entity_relationships.confidence, EXCLUDED.confidence)
		`, rel.ID, scope.MatterID, rel.FromEntityID, rel.ToEntityID, rel.Type,
			rel.Confidence, rel.CreatedAt)

		if err != nil {
			return errors.NewInternalError("failed to insert relationship").WithCause(err)
		}
	}
	return nil
}

// ResolveEntity maps a mention name to an entity id, matching the
// canonical name first and falling back to aliases.
func (r *EntityRepository) ResolveEntity(ctx context.Context, scope matter.Scope, name string) (uuid.UUID, error) {
	var id uuid.UUID
	err := r.db.QueryRow(ctx, `
		SELECT id FROM entities
		WHERE matter_id = $1
		  AND (LOWER(canonical_name) = LOWER($2)
		       OR EXISTS (
		           SELECT 1 FROM jsonb_array_elements_text(aliases) alias
		           WHERE LOWER(alias) = LOWER($2)))
		ORDER BY mention_count DESC
		LIMIT 1
	`, scope.MatterID, name).Scan(&id)

	if err != nil {
		if err == pgx.ErrNoRows {
			return uuid.Nil, errors.NewItemNotFound("entity")
		}
		return uuid.Nil, errors.NewInternalError("failed to resolve entity").WithCause(err)
	}
	return id, nil
}

// GraphByMatter loads the matter's whole graph for snapshotting.
func (r *EntityRepository) GraphByMatter(ctx context.Context, scope matter.Scope) ([]entity.Entity, []entity.Relationship, error) {
	rows, err := r.db.Query(ctx, entitySelect+`
		WHERE matter_id = $1
		ORDER BY mention_count DESC, canonical_name
	`, scope.MatterID)
	if err != nil {
		return nil, nil, errors.NewInternalError("failed to list entities").WithCause(err)
	}
	defer rows.Close()

	var entities []entity.Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, nil, errors.NewInternalError("failed to scan entity").WithCause(err)
		}
		entities = append(entities, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, errors.NewInternalError("failed to list entities").WithCause(err)
	}

	relRows, err := r.db.Query(ctx, `
		SELECT id, matter_id, from_entity_id, to_entity_id, relationship_type,
		       confidence, created_at
		FROM entity_relationships
		WHERE matter_id = $1
		ORDER BY created_at
	`, scope.MatterID)
	if err != nil {
		return nil, nil, errors.NewInternalError("failed to list relationships").WithCause(err)
	}
	defer relRows.Close()

	var relationships []entity.Relationship
	for relRows.Next() {
		var rel entity.Relationship
		if err := relRows.Scan(&rel.ID, &rel.MatterID, &rel.FromEntityID, &rel.ToEntityID,
			&rel.Type, &rel.Confidence, &rel.CreatedAt); err != nil {
			return nil, nil, errors.NewInternalError("failed to scan relationship").WithCause(err)
		}
		relationships = append(relationships, rel)
	}

	return entities, relationships, relRows.Err()
}

// MentionsByEntity returns an entity's mentions in reading order.
func (r *EntityRepository) MentionsByEntity(ctx context.Context, scope matter.Scope, entityID uuid.UUID) ([]*entity.Mention, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, matter_id, entity_id, chunk_id, page_number, bbox_ids,
		       raw_text, context, created_at
		FROM entity_mentions
		WHERE matter_id = $1 AND entity_id = $2
		ORDER BY page_number NULLS LAST, created_at
	`, scope.MatterID, entityID)
	if err != nil {
		return nil, errors.NewInternalError("failed to list mentions").WithCause(err)
	}
	defer rows.Close()

	var mentions []*entity.Mention
	for rows.Next() {
		var m entity.Mention
		var bboxIDs []byte
		if err := rows.Scan(&m.ID, &m.MatterID, &m.EntityID, &m.ChunkID, &m.PageNumber,
			&bboxIDs, &m.RawText, &m.Context, &m.CreatedAt); err != nil {
			return nil, errors.NewInternalError("failed to scan mention").WithCause(err)
		}
		if len(bboxIDs) > 0 {
			if err := json.Unmarshal(bboxIDs, &m.BBoxIDs); err != nil {
				return nil, errors.NewInternalError("failed to decode mention bbox ids").WithCause(err)
			}
		}
		mentions = append(mentions, &m)
	}
	return mentions, rows.Err()
}

const entitySelect = `
	SELECT id, matter_id, canonical_name, entity_type, aliases, metadata,
	       mention_count, created_at, updated_at
	FROM entities`

func scanEntity(row rowScanner) (*entity.Entity, error) {
	var e entity.Entity
	var typeStr string
	var aliases, metadata []byte

	if err := row.Scan(&e.ID, &e.MatterID, &e.CanonicalName, &typeStr, &aliases,
		&metadata, &e.MentionCount, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return nil, err
	}

	entityType, err := entity.ParseType(typeStr)
	if err != nil {
		return nil, err
	}
	e.Type = entityType

	if len(aliases) > 0 {
		if err := json.Unmarshal(aliases, &e.Aliases); err != nil {
			return nil, err
		}
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &e.Metadata); err != nil {
			return nil, err
		}
	}
	return &e, nil
}

func encodeEntityJSON(e *entity.Entity) ([]byte, []byte, error) {
	aliases, err := json.Marshal(e.Aliases)
	if err != nil {
		return nil, nil, errors.NewInternalError("failed to encode aliases").WithCause(err)
	}
	metadata, err := json.Marshal(e.Metadata)
	if err != nil {
		return nil, nil, errors.NewInternalError("failed to encode metadata").WithCause(err)
	}
	return aliases, metadata, nil
}
