package ocrvalidate

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/matterdock/matterdock-backend/internal/domain/document"
	"github.com/matterdock/matterdock-backend/internal/domain/matter"
)

// ReviewStore persists review items. Get must match both item ID and
// matter ID, returning ITEM_NOT_FOUND otherwise.
type ReviewStore interface {
	Insert(ctx context.Context, items []*document.ReviewItem) error
	Get(ctx context.Context, matterID, itemID uuid.UUID) (*document.ReviewItem, error)
	Update(ctx context.Context, item *document.ReviewItem) error
	ListPending(ctx context.Context, matterID, documentID uuid.UUID) ([]*document.ReviewItem, error)
}

// BoxStore applies approved corrections back onto the layout.
type BoxStore interface {
	UpdateBoxText(ctx context.Context, matterID, bboxID uuid.UUID, text string, confidence float64) error
}

// ReviewQueue is the human tier: pending items in, resolved corrections
// out.
type ReviewQueue struct {
	items  ReviewStore
	boxes  BoxStore
	logger *zap.Logger
}

func NewReviewQueue(items ReviewStore, boxes BoxStore, logger *zap.Logger) *ReviewQueue {
	return &ReviewQueue{items: items, boxes: boxes, logger: logger}
}

// Enqueue stores the pipeline's pending items.
func (q *ReviewQueue) Enqueue(ctx context.Context, items []*document.ReviewItem) error {
	if len(items) == 0 {
		return nil
	}
	return q.items.Insert(ctx, items)
}

// Pending lists a document's unresolved items within the caller's matter.
func (q *ReviewQueue) Pending(ctx context.Context, scope matter.Scope, documentID uuid.UUID) ([]*document.ReviewItem, error) {
	return q.items.ListPending(ctx, scope.MatterID, documentID)
}

// Approve records the reviewer's text and raises the bounding box to full
// confidence. The store resolves the item by (matter, id), so a caller
// holding a different matter gets ITEM_NOT_FOUND rather than a hint the
// item exists.
func (q *ReviewQueue) Approve(ctx context.Context, scope matter.Scope, itemID uuid.UUID, correctedText string) (*document.ReviewItem, error) {
	item, err := q.items.Get(ctx, scope.MatterID, itemID)
	if err != nil {
		return nil, err
	}
	if err := item.Approve(correctedText, scope.UserID); err != nil {
		return nil, err
	}
	if err := q.items.Update(ctx, item); err != nil {
		return nil, err
	}
	if err := q.boxes.UpdateBoxText(ctx, item.MatterID, item.BBoxID, correctedText, 1.0); err != nil {
		return nil, err
	}

	q.logger.Info("review item approved",
		zap.String("item_id", itemID.String()),
		zap.String("matter_id", item.MatterID.String()))
	return item, nil
}

// Reject resolves the item leaving the original text in place.
func (q *ReviewQueue) Reject(ctx context.Context, scope matter.Scope, itemID uuid.UUID) (*document.ReviewItem, error) {
	item, err := q.items.Get(ctx, scope.MatterID, itemID)
	if err != nil {
		return nil, err
	}
	if err := item.Reject(scope.UserID); err != nil {
		return nil, err
	}
	if err := q.items.Update(ctx, item); err != nil {
		return nil, err
	}
	return item, nil
}
