package database

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/matterdock/matterdock-backend/internal/domain/document"
	"github.com/matterdock/matterdock-backend/internal/domain/errors"
)

// ReviewRepository persists the human-review queue and writes approved
// corrections back onto the source bounding boxes.
type ReviewRepository struct {
	db *pgxpool.Pool
}

// NewReviewRepository creates a new PostgreSQL review repository
func NewReviewRepository(db *pgxpool.Pool) *ReviewRepository {
	return &ReviewRepository{db: db}
}

// Insert stores a batch of pending review items
func (r *ReviewRepository) Insert(ctx context.Context, items []*document.ReviewItem) error {
	if len(items) == 0 {
		return nil
	}

	_, err := r.db.CopyFrom(
		ctx,
		pgx.Identifier{"review_items"},
		[]string{"id", "matter_id", "document_id", "bbox_id", "text",
			"suggested_text", "confidence", "page_number", "context",
			"status", "resolved_text", "resolved_by", "created_at", "resolved_at"},
		pgx.CopyFromSlice(len(items), func(i int) ([]interface{}, error) {
			item := items[i]
			return []interface{}{
				item.ID, item.MatterID, item.DocumentID, item.BBoxID, item.Text,
				item.SuggestedText, item.Confidence, item.PageNumber, item.Context,
				item.Status.String(), item.ResolvedText, item.ResolvedBy,
				item.CreatedAt, item.ResolvedAt,
			}, nil
		}),
	)

	if err != nil {
		return errors.NewInternalError("failed to insert review items").WithCause(err)
	}
	return nil
}

// Get retrieves one review item within the given matter
func (r *ReviewRepository) Get(ctx context.Context, matterID, itemID uuid.UUID) (*document.ReviewItem, error) {
	row := r.db.QueryRow(ctx, reviewSelect+`
		WHERE id = $1 AND matter_id = $2
	`, itemID, matterID)

	item, err := scanReviewItem(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, errors.NewItemNotFound("review item")
		}
		return nil, errors.NewInternalError("failed to get review item").WithCause(err)
	}
	return item, nil
}

// Update records the item's resolution
func (r *ReviewRepository) Update(ctx context.Context, item *document.ReviewItem) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE review_items
		SET status = $3, resolved_text = $4, resolved_by = $5, resolved_at = $6
		WHERE id = $1 AND matter_id = $2
	`, item.ID, item.MatterID, item.Status.String(), item.ResolvedText,
		item.ResolvedBy, item.ResolvedAt)

	if err != nil {
		return errors.NewInternalError("failed to update review item").WithCause(err)
	}
	if tag.RowsAffected() == 0 {
		return errors.NewItemNotFound("review item")
	}
	return nil
}

// ListPending returns a document's unresolved items in reading order.
func (r *ReviewRepository) ListPending(ctx context.Context, matterID, documentID uuid.UUID) ([]*document.ReviewItem, error) {
	rows, err := r.db.Query(ctx, reviewSelect+`
		WHERE matter_id = $1 AND document_id = $2 AND status = 'pending'
		ORDER BY page_number, created_at
	`, matterID, documentID)
	if err != nil {
		return nil, errors.NewInternalError("failed to list pending review items").WithCause(err)
	}
	defer rows.Close()

	var items []*document.ReviewItem
	for rows.Next() {
		item, err := scanReviewItem(rows)
		if err != nil {
			return nil, errors.NewInternalError("failed to scan review item").WithCause(err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// UpdateBoxText applies an approved correction to the layout box.
func (r *ReviewRepository) UpdateBoxText(ctx context.Context, matterID, bboxID uuid.UUID, text string, confidence float64) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE bounding_boxes
		SET text = $3, confidence = $4
		WHERE id = $1 AND matter_id = $2
	`, bboxID, matterID, text, confidence)

	if err != nil {
		return errors.NewInternalError("failed to update bounding box").WithCause(err)
	}
	if tag.RowsAffected() == 0 {
		return errors.NewItemNotFound("bounding box")
	}
	return nil
}

const reviewSelect = `
	SELECT id, matter_id, document_id, bbox_id, text, suggested_text,
	       confidence, page_number, context, status, resolved_text,
	       resolved_by, created_at, resolved_at
	FROM review_items`

func scanReviewItem(row rowScanner) (*document.ReviewItem, error) {
	var item document.ReviewItem
	var statusStr string

	if err := row.Scan(&item.ID, &item.MatterID, &item.DocumentID, &item.BBoxID,
		&item.Text, &item.SuggestedText, &item.Confidence, &item.PageNumber,
		&item.Context, &statusStr, &item.ResolvedText, &item.ResolvedBy,
		&item.CreatedAt, &item.ResolvedAt); err != nil {
		return nil, err
	}

	status, err := document.ParseReviewStatus(statusStr)
	if err != nil {
		return nil, err
	}
	item.Status = status
	return &item, nil
}
