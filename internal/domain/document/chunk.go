package document

import (
	"time"

	"github.com/google/uuid"

	"github.com/matterdock/matterdock-backend/internal/domain/errors"
)

// Chunk is one unit of indexed text. Chunks form a two-level hierarchy:
// parent chunks are wide windows used for answer context, child chunks are
// narrow windows used for retrieval. A child always references a parent in
// the same document and matter.
type Chunk struct {
	ID            uuid.UUID   `json:"id"`
	MatterID      uuid.UUID   `json:"matter_id"`
	DocumentID    uuid.UUID   `json:"document_id"`
	ParentChunkID *uuid.UUID  `json:"parent_chunk_id,omitempty"`
	Tier          ChunkTier   `json:"tier"`
	ChunkIndex    int         `json:"chunk_index"`
	Content       string      `json:"content"`
	TokenCount    int         `json:"token_count"`
	PageNumber    *int        `json:"page_number,omitempty"`
	BBoxIDs       []uuid.UUID `json:"bbox_ids,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
}

type ChunkTier int

const (
	TierParent ChunkTier = iota
	TierChild
)

func (t ChunkTier) String() string {
	switch t {
	case TierParent:
		return "parent"
	case TierChild:
		return "child"
	default:
		return "unknown"
	}
}

func NewParentChunk(matterID, documentID uuid.UUID, index int, content string, tokenCount int) (*Chunk, error) {
	if err := validateChunkArgs(matterID, documentID, index, content); err != nil {
		return nil, err
	}
	return &Chunk{
		ID:         uuid.New(),
		MatterID:   matterID,
		DocumentID: documentID,
		Tier:       TierParent,
		ChunkIndex: index,
		Content:    content,
		TokenCount: tokenCount,
		CreatedAt:  clock.Now(),
	}, nil
}

func NewChildChunk(parent *Chunk, index int, content string, tokenCount int) (*Chunk, error) {
	if parent == nil || parent.Tier != TierParent {
		return nil, errors.NewInvalidParameter("parent_chunk", "child chunks require a parent chunk")
	}
	if err := validateChunkArgs(parent.MatterID, parent.DocumentID, index, content); err != nil {
		return nil, err
	}
	parentID := parent.ID
	return &Chunk{
		ID:            uuid.New(),
		MatterID:      parent.MatterID,
		DocumentID:    parent.DocumentID,
		ParentChunkID: &parentID,
		Tier:          TierChild,
		ChunkIndex:    index,
		Content:       content,
		TokenCount:    tokenCount,
		CreatedAt:     clock.Now(),
	}, nil
}

func validateChunkArgs(matterID, documentID uuid.UUID, index int, content string) error {
	if matterID == uuid.Nil {
		return errors.NewInvalidParameter("matter_id", "matter_id must not be the nil UUID")
	}
	if documentID == uuid.Nil {
		return errors.NewInvalidParameter("document_id", "document_id must not be the nil UUID")
	}
	if index < 0 {
		return errors.NewInvalidParameter("chunk_index", "chunk_index must not be negative")
	}
	if content == "" {
		return errors.NewInvalidParameter("content", "chunk content cannot be empty")
	}
	return nil
}

// BoundingBox is one OCR rectangle. PageNumber is absolute across the
// original PDF once the chunk results have been merged.
type BoundingBox struct {
	ID                uuid.UUID `json:"id"`
	MatterID          uuid.UUID `json:"matter_id"`
	DocumentID        uuid.UUID `json:"document_id"`
	PageNumber        int       `json:"page_number"`
	Text              string    `json:"text"`
	Confidence        float64   `json:"confidence"`
	ReadingOrderIndex int       `json:"reading_order_index"`
	X                 float64   `json:"x"`
	Y                 float64   `json:"y"`
	Width             float64   `json:"width"`
	Height            float64   `json:"height"`
}
