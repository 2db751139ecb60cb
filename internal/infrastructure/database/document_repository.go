package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lib/pq"
	"github.com/pgvector/pgvector-go"

	"github.com/matterdock/matterdock-backend/internal/domain/document"
	"github.com/matterdock/matterdock-backend/internal/domain/errors"
	"github.com/matterdock/matterdock-backend/internal/domain/matter"
)

// DocumentRepository persists documents, their chunk hierarchy, and OCR
// bounding boxes. Every statement filters by matter_id; a document ID from
// another matter scans the same as a nonexistent one.
type DocumentRepository struct {
	db *pgxpool.Pool
}

// NewDocumentRepository creates a new PostgreSQL document repository
func NewDocumentRepository(db *pgxpool.Pool) *DocumentRepository {
	return &DocumentRepository{db: db}
}

// Create inserts a new document row
func (r *DocumentRepository) Create(ctx context.Context, doc *document.Document) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO documents (
			id, matter_id, filename, type, is_reference_material,
			status, storage_path, page_count, size_bytes, uploaded_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, doc.ID, doc.MatterID, doc.Filename, doc.Type.String(), doc.IsReferenceMaterial,
		doc.Status.String(), doc.StoragePath, doc.PageCount, doc.SizeBytes, doc.UploadedAt)

	if err != nil {
		return errors.NewInternalError("failed to insert document").WithCause(err)
	}

	return nil
}

// GetByID retrieves a document within the scope's matter
func (r *DocumentRepository) GetByID(ctx context.Context, scope matter.Scope, id uuid.UUID) (*document.Document, error) {
	row := r.db.QueryRow(ctx, `
		SELECT id, matter_id, filename, type, is_reference_material,
		       status, storage_path, page_count, size_bytes,
		       uploaded_at, processed_at, deleted_at
		FROM documents
		WHERE id = $1 AND matter_id = $2
	`, id, scope.MatterID)

	doc, err := scanDocument(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, errors.NewItemNotFound("document")
		}
		return nil, errors.NewInternalError("failed to get document").WithCause(err)
	}

	return doc, nil
}

// List returns the matter's documents, newest first, excluding deleted ones
func (r *DocumentRepository) List(ctx context.Context, scope matter.Scope) ([]*document.Document, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, matter_id, filename, type, is_reference_material,
		       status, storage_path, page_count, size_bytes,
		       uploaded_at, processed_at, deleted_at
		FROM documents
		WHERE matter_id = $1 AND deleted_at IS NULL
		ORDER BY uploaded_at DESC
	`, scope.MatterID)
	if err != nil {
		return nil, errors.NewInternalError("failed to list documents").WithCause(err)
	}
	defer rows.Close()

	var docs []*document.Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, errors.NewInternalError("failed to scan document").WithCause(err)
		}
		docs = append(docs, doc)
	}

	return docs, rows.Err()
}

// Update persists the document's mutable fields
func (r *DocumentRepository) Update(ctx context.Context, doc *document.Document) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE documents
		SET status = $3, storage_path = $4, page_count = $5,
		    size_bytes = $6, processed_at = $7
		WHERE id = $1 AND matter_id = $2
	`, doc.ID, doc.MatterID, doc.Status.String(), doc.StoragePath,
		doc.PageCount, doc.SizeBytes, doc.ProcessedAt)

	if err != nil {
		return errors.NewInternalError("failed to update document").WithCause(err)
	}
	if tag.RowsAffected() == 0 {
		return errors.NewItemNotFound("document")
	}

	return nil
}

// SoftDelete marks the document deleted and removes its search artifacts.
// Chunks go children before parents to respect referential integrity.
func (r *DocumentRepository) SoftDelete(ctx context.Context, scope matter.Scope, id uuid.UUID) error {
	err := pgx.BeginTxFunc(ctx, r.db, pgx.TxOptions{}, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE documents SET deleted_at = NOW()
			WHERE id = $1 AND matter_id = $2 AND deleted_at IS NULL
		`, id, scope.MatterID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return errors.NewItemNotFound("document")
		}

		if _, err := tx.Exec(ctx, `
			DELETE FROM chunks
			WHERE document_id = $1 AND matter_id = $2 AND tier = 'child'
		`, id, scope.MatterID); err != nil {
			return err
		}

		_, err = tx.Exec(ctx, `
			DELETE FROM chunks
			WHERE document_id = $1 AND matter_id = $2 AND tier = 'parent'
		`, id, scope.MatterID)
		return err
	})

	if err != nil {
		if errors.IsCode(err, errors.CodeItemNotFound) {
			return err
		}
		return errors.NewInternalError("failed to delete document").WithCause(err)
	}

	return nil
}

// LastUploadAt returns the most recent upload time in the matter, or nil
// when the matter has no documents. Drives cache staleness checks.
func (r *DocumentRepository) LastUploadAt(ctx context.Context, matterID uuid.UUID) (*time.Time, error) {
	var last sql.NullTime
	err := r.db.QueryRow(ctx, `
		SELECT MAX(uploaded_at) FROM documents
		WHERE matter_id = $1 AND deleted_at IS NULL
	`, matterID).Scan(&last)
	if err != nil {
		return nil, errors.NewInternalError("failed to query last upload").WithCause(err)
	}

	if !last.Valid {
		return nil, nil
	}
	return &last.Time, nil
}

// ReplaceChunks swaps the document's chunk hierarchy in one transaction.
// An advisory lock on (matter, document) serializes concurrent
// reprocessing; deletes run children before parents, inserts the reverse.
func (r *DocumentRepository) ReplaceChunks(ctx context.Context, scope matter.Scope, documentID uuid.UUID, chunks []*document.Chunk) error {
	err := pgx.BeginTxFunc(ctx, r.db, pgx.TxOptions{}, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`SELECT pg_advisory_xact_lock(hashtextextended($1 || ':' || $2, 0))`,
			scope.MatterID.String(), documentID.String()); err != nil {
			return err
		}

		if _, err := tx.Exec(ctx, `
			DELETE FROM chunks
			WHERE document_id = $1 AND matter_id = $2 AND tier = 'child'
		`, documentID, scope.MatterID); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
			DELETE FROM chunks
			WHERE document_id = $1 AND matter_id = $2 AND tier = 'parent'
		`, documentID, scope.MatterID); err != nil {
			return err
		}

		var parents, children []*document.Chunk
		for _, c := range chunks {
			if c.Tier == document.TierParent {
				parents = append(parents, c)
			} else {
				children = append(children, c)
			}
		}

		if err := copyChunks(ctx, tx, parents); err != nil {
			return err
		}
		return copyChunks(ctx, tx, children)
	})

	if err != nil {
		return errors.NewInternalError("failed to replace chunks").WithCause(err)
	}

	return nil
}

func copyChunks(ctx context.Context, tx pgx.Tx, chunks []*document.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	_, err := tx.CopyFrom(
		ctx,
		pgx.Identifier{"chunks"},
		[]string{"id", "matter_id", "document_id", "parent_chunk_id", "tier",
			"chunk_index", "content", "token_count", "page_number", "bbox_ids", "created_at"},
		pgx.CopyFromSlice(len(chunks), func(i int) ([]interface{}, error) {
			c := chunks[i]
			bboxIDs, err := json.Marshal(c.BBoxIDs)
			if err != nil {
				return nil, err
			}
			return []interface{}{
				c.ID, c.MatterID, c.DocumentID, c.ParentChunkID, c.Tier.String(),
				c.ChunkIndex, c.Content, c.TokenCount, c.PageNumber,
				bboxIDs, c.CreatedAt,
			}, nil
		}),
	)
	return err
}

// ChunksByDocument returns one tier of the document's chunks in index order
func (r *DocumentRepository) ChunksByDocument(ctx context.Context, scope matter.Scope, documentID uuid.UUID, tier document.ChunkTier) ([]*document.Chunk, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, matter_id, document_id, parent_chunk_id, tier,
		       chunk_index, content, token_count, page_number, bbox_ids, created_at
		FROM chunks
		WHERE document_id = $1 AND matter_id = $2 AND tier = $3
		ORDER BY chunk_index
	`, documentID, scope.MatterID, tier.String())
	if err != nil {
		return nil, errors.NewInternalError("failed to list chunks").WithCause(err)
	}
	defer rows.Close()

	return collectChunks(rows)
}

// ChunksByIDs fetches specific chunks within the matter, e.g. to expand a
// retrieval hit into its parent context.
func (r *DocumentRepository) ChunksByIDs(ctx context.Context, scope matter.Scope, ids []uuid.UUID) ([]*document.Chunk, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	rows, err := r.db.Query(ctx, `
		SELECT id, matter_id, document_id, parent_chunk_id, tier,
		       chunk_index, content, token_count, page_number, bbox_ids, created_at
		FROM chunks
		WHERE matter_id = $1 AND id = ANY($2)
	`, scope.MatterID, pq.Array(ids))
	if err != nil {
		return nil, errors.NewInternalError("failed to fetch chunks").WithCause(err)
	}
	defer rows.Close()

	return collectChunks(rows)
}

// SetChunkEmbeddings writes embeddings for the given chunks in one batch
func (r *DocumentRepository) SetChunkEmbeddings(ctx context.Context, scope matter.Scope, embeddings map[uuid.UUID][]float32) error {
	if len(embeddings) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for id, vec := range embeddings {
		batch.Queue(`
			UPDATE chunks SET embedding = $3
			WHERE id = $1 AND matter_id = $2
		`, id, scope.MatterID, pgvector.NewVector(vec))
	}

	results := r.db.SendBatch(ctx, batch)
	defer results.Close()

	for range embeddings {
		if _, err := results.Exec(); err != nil {
			return errors.NewInternalError("failed to store chunk embedding").WithCause(err)
		}
	}

	return nil
}

// ReplaceBoundingBoxes swaps the document's OCR layout after a merge
func (r *DocumentRepository) ReplaceBoundingBoxes(ctx context.Context, scope matter.Scope, documentID uuid.UUID, boxes []document.BoundingBox) error {
	err := pgx.BeginTxFunc(ctx, r.db, pgx.TxOptions{}, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			DELETE FROM bounding_boxes
			WHERE document_id = $1 AND matter_id = $2
		`, documentID, scope.MatterID); err != nil {
			return err
		}

		if len(boxes) == 0 {
			return nil
		}

		_, err := tx.CopyFrom(
			ctx,
			pgx.Identifier{"bounding_boxes"},
			[]string{"id", "matter_id", "document_id", "page_number", "text",
				"confidence", "reading_order_index", "x", "y", "width", "height"},
			pgx.CopyFromSlice(len(boxes), func(i int) ([]interface{}, error) {
				b := boxes[i]
				return []interface{}{
					b.ID, b.MatterID, b.DocumentID, b.PageNumber, b.Text,
					b.Confidence, b.ReadingOrderIndex, b.X, b.Y, b.Width, b.Height,
				}, nil
			}),
		)
		return err
	})

	if err != nil {
		return errors.NewInternalError("failed to replace bounding boxes").WithCause(err)
	}

	return nil
}

// BoundingBoxesByPage returns the page's boxes in reading order
func (r *DocumentRepository) BoundingBoxesByPage(ctx context.Context, scope matter.Scope, documentID uuid.UUID, page int) ([]document.BoundingBox, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, matter_id, document_id, page_number, text,
		       confidence, reading_order_index, x, y, width, height
		FROM bounding_boxes
		WHERE document_id = $1 AND matter_id = $2 AND page_number = $3
		ORDER BY reading_order_index
	`, documentID, scope.MatterID, page)
	if err != nil {
		return nil, errors.NewInternalError("failed to list bounding boxes").WithCause(err)
	}
	defer rows.Close()

	var boxes []document.BoundingBox
	for rows.Next() {
		var b document.BoundingBox
		if err := rows.Scan(&b.ID, &b.MatterID, &b.DocumentID, &b.PageNumber, &b.Text,
			&b.Confidence, &b.ReadingOrderIndex, &b.X, &b.Y, &b.Width, &b.Height); err != nil {
			return nil, errors.NewInternalError("failed to scan bounding box").WithCause(err)
		}
		boxes = append(boxes, b)
	}

	return boxes, rows.Err()
}

// BoxesByDocument returns every box of a document in page then reading
// order, the layout citation verification scans.
func (r *DocumentRepository) BoxesByDocument(ctx context.Context, scope matter.Scope, documentID uuid.UUID) ([]document.BoundingBox, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, matter_id, document_id, page_number, text,
		       confidence, reading_order_index, x, y, width, height
		FROM bounding_boxes
		WHERE document_id = $1 AND matter_id = $2
		ORDER BY page_number, reading_order_index
	`, documentID, scope.MatterID)
	if err != nil {
		return nil, errors.NewInternalError("failed to list bounding boxes").WithCause(err)
	}
	defer rows.Close()

	var boxes []document.BoundingBox
	for rows.Next() {
		var b document.BoundingBox
		if err := rows.Scan(&b.ID, &b.MatterID, &b.DocumentID, &b.PageNumber, &b.Text,
			&b.Confidence, &b.ReadingOrderIndex, &b.X, &b.Y, &b.Width, &b.Height); err != nil {
			return nil, errors.NewInternalError("failed to scan bounding box").WithCause(err)
		}
		boxes = append(boxes, b)
	}

	return boxes, rows.Err()
}

// UpdateBoundingBoxText corrects a box's text and confidence, used when a
// validation pass or reviewer resolves a low-confidence word.
func (r *DocumentRepository) UpdateBoundingBoxText(ctx context.Context, scope matter.Scope, id uuid.UUID, text string, confidence float64) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE bounding_boxes
		SET text = $3, confidence = $4
		WHERE id = $1 AND matter_id = $2
	`, id, scope.MatterID, text, confidence)

	if err != nil {
		return errors.NewInternalError("failed to update bounding box").WithCause(err)
	}
	if tag.RowsAffected() == 0 {
		return errors.NewItemNotFound("bounding box")
	}

	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanDocument(row rowScanner) (*document.Document, error) {
	var doc document.Document
	var typeStr, statusStr string
	var processedAt, deletedAt sql.NullTime

	if err := row.Scan(&doc.ID, &doc.MatterID, &doc.Filename, &typeStr, &doc.IsReferenceMaterial,
		&statusStr, &doc.StoragePath, &doc.PageCount, &doc.SizeBytes,
		&doc.UploadedAt, &processedAt, &deletedAt); err != nil {
		return nil, err
	}

	docType, err := document.ParseType(typeStr)
	if err != nil {
		return nil, err
	}
	doc.Type = docType

	switch statusStr {
	case "pending":
		doc.Status = document.StatusPending
	case "processing":
		doc.Status = document.StatusProcessing
	case "completed":
		doc.Status = document.StatusCompleted
	case "failed":
		doc.Status = document.StatusFailed
	}

	if processedAt.Valid {
		doc.ProcessedAt = &processedAt.Time
	}
	if deletedAt.Valid {
		doc.DeletedAt = &deletedAt.Time
	}

	return &doc, nil
}

func collectChunks(rows pgx.Rows) ([]*document.Chunk, error) {
	var chunks []*document.Chunk
	for rows.Next() {
		var c document.Chunk
		var tierStr string
		var pageNumber sql.NullInt32
		var bboxIDs []byte

		if err := rows.Scan(&c.ID, &c.MatterID, &c.DocumentID, &c.ParentChunkID, &tierStr,
			&c.ChunkIndex, &c.Content, &c.TokenCount, &pageNumber,
			&bboxIDs, &c.CreatedAt); err != nil {
			return nil, errors.NewInternalError("failed to scan chunk").WithCause(err)
		}

		if tierStr == "parent" {
			c.Tier = document.TierParent
		} else {
			c.Tier = document.TierChild
		}
		if pageNumber.Valid {
			p := int(pageNumber.Int32)
			c.PageNumber = &p
		}
		if len(bboxIDs) > 0 {
			if err := json.Unmarshal(bboxIDs, &c.BBoxIDs); err != nil {
				return nil, errors.NewInternalError("failed to decode chunk bbox ids").WithCause(err)
			}
		}

		chunks = append(chunks, &c)
	}

	return chunks, rows.Err()
}
