package document

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChunkHierarchy(t *testing.T) {
	matterID := uuid.New()
	docID := uuid.New()

	parent, err := NewParentChunk(matterID, docID, 0, "full clause text of the agreement", 120)
	require.NoError(t, err)
	assert.Equal(t, TierParent, parent.Tier)
	assert.Nil(t, parent.ParentChunkID)

	child, err := NewChildChunk(parent, 0, "clause text", 40)
	require.NoError(t, err)
	assert.Equal(t, TierChild, child.Tier)
	require.NotNil(t, child.ParentChunkID)
	assert.Equal(t, parent.ID, *child.ParentChunkID)
	assert.Equal(t, parent.MatterID, child.MatterID)
	assert.Equal(t, parent.DocumentID, child.DocumentID)
}

func TestChildRequiresParent(t *testing.T) {
	_, err := NewChildChunk(nil, 0, "text", 10)
	require.Error(t, err)

	matterID := uuid.New()
	docID := uuid.New()
	parent, err := NewParentChunk(matterID, docID, 0, "parent", 10)
	require.NoError(t, err)
	child, err := NewChildChunk(parent, 0, "child", 5)
	require.NoError(t, err)

	// A child cannot parent another child.
	_, err = NewChildChunk(child, 1, "grandchild", 2)
	require.Error(t, err)
}

func TestChunkValidation(t *testing.T) {
	matterID := uuid.New()
	docID := uuid.New()

	_, err := NewParentChunk(uuid.Nil, docID, 0, "x", 1)
	assert.Error(t, err)
	_, err = NewParentChunk(matterID, uuid.Nil, 0, "x", 1)
	assert.Error(t, err)
	_, err = NewParentChunk(matterID, docID, -1, "x", 1)
	assert.Error(t, err)
	_, err = NewParentChunk(matterID, docID, 0, "", 1)
	assert.Error(t, err)
}

func TestChunkOCRResultChecksum(t *testing.T) {
	r := ChunkOCRResult{
		ChunkIndex: 1,
		PageStart:  16,
		PageEnd:    30,
		Boxes:      make([]BoundingBox, 12),
	}

	sum := r.ComputeChecksum()
	assert.Len(t, sum, 16)
	assert.Equal(t, sum, r.ComputeChecksum(), "checksum is deterministic")

	// Any structural field change moves the checksum.
	r2 := r
	r2.PageEnd = 31
	assert.NotEqual(t, sum, r2.ComputeChecksum())

	r3 := r
	r3.Boxes = make([]BoundingBox, 13)
	assert.NotEqual(t, sum, r3.ComputeChecksum())
}

func TestChunkOCRResultPageCount(t *testing.T) {
	r := ChunkOCRResult{PageStart: 1, PageEnd: 15}
	assert.Equal(t, 15, r.PageCount())

	single := ChunkOCRResult{PageStart: 7, PageEnd: 7}
	assert.Equal(t, 1, single.PageCount())
}

func TestDocumentLifecycle(t *testing.T) {
	matterID := uuid.New()
	d, err := New(matterID, "petition.pdf", TypeCaseFile)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, d.Status)
	assert.False(t, d.IsReferenceMaterial)

	d.StartProcessing()
	assert.Equal(t, StatusProcessing, d.Status)

	d.CompleteProcessing(75)
	assert.Equal(t, StatusCompleted, d.Status)
	assert.Equal(t, 75, d.PageCount)
	assert.NotNil(t, d.ProcessedAt)

	act, err := New(matterID, "ni-act.pdf", TypeAct)
	require.NoError(t, err)
	assert.True(t, act.IsReferenceMaterial)

	assert.False(t, d.IsDeleted())
	d.SoftDelete()
	assert.True(t, d.IsDeleted())
}
