package document

import (
	"time"

	"github.com/google/uuid"

	"github.com/matterdock/matterdock-backend/internal/domain/errors"
)

// ReviewItem is one low-confidence OCR word queued for human correction.
// Items are matter-scoped; a caller holding the wrong matter sees the same
// ITEM_NOT_FOUND a nonexistent item would give.
type ReviewItem struct {
	ID            uuid.UUID    `json:"id"`
	MatterID      uuid.UUID    `json:"matter_id"`
	DocumentID    uuid.UUID    `json:"document_id"`
	BBoxID        uuid.UUID    `json:"bbox_id"`
	Text          string       `json:"text"`
	SuggestedText string       `json:"suggested_text,omitempty"`
	Confidence    float64      `json:"confidence"`
	PageNumber    int          `json:"page_number"`
	Context       string       `json:"context,omitempty"`
	Status        ReviewStatus `json:"status"`
	ResolvedText  string       `json:"resolved_text,omitempty"`
	ResolvedBy    *uuid.UUID   `json:"resolved_by,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
	ResolvedAt    *time.Time   `json:"resolved_at,omitempty"`
}

type ReviewStatus int

const (
	ReviewPending ReviewStatus = iota
	ReviewApproved
	ReviewRejected
)

func (s ReviewStatus) String() string {
	switch s {
	case ReviewPending:
		return "pending"
	case ReviewApproved:
		return "approved"
	case ReviewRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

func ParseReviewStatus(s string) (ReviewStatus, error) {
	switch s {
	case "pending":
		return ReviewPending, nil
	case "approved":
		return ReviewApproved, nil
	case "rejected":
		return ReviewRejected, nil
	default:
		return ReviewPending, errors.NewInvalidParameter("status", "unknown review status")
	}
}

// NewReviewItem queues a word for human review.
func NewReviewItem(matterID, documentID, bboxID uuid.UUID, word LowConfidenceWord) *ReviewItem {
	return &ReviewItem{
		ID:         uuid.New(),
		MatterID:   matterID,
		DocumentID: documentID,
		BBoxID:     bboxID,
		Text:       word.Text,
		Confidence: word.Confidence,
		PageNumber: word.PageNumber,
		Context:    word.Context,
		Status:     ReviewPending,
		CreatedAt:  clock.Now(),
	}
}

// Approve records the reviewer's corrected text. The caller is responsible
// for propagating the correction to the bounding box.
func (i *ReviewItem) Approve(correctedText string, by uuid.UUID) error {
	if i.Status != ReviewPending {
		return errors.NewInvalidParameter("status", "review item is already resolved")
	}
	if correctedText == "" {
		return errors.NewInvalidParameter("corrected_text", "corrected text cannot be empty")
	}
	now := clock.Now()
	i.Status = ReviewApproved
	i.ResolvedText = correctedText
	i.ResolvedBy = &by
	i.ResolvedAt = &now
	return nil
}

// Reject leaves the original text in place.
func (i *ReviewItem) Reject(by uuid.UUID) error {
	if i.Status != ReviewPending {
		return errors.NewInvalidParameter("status", "review item is already resolved")
	}
	now := clock.Now()
	i.Status = ReviewRejected
	i.ResolvedBy = &by
	i.ResolvedAt = &now
	return nil
}
