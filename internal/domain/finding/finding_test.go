package finding

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTierFor(t *testing.T) {
	tests := []struct {
		confidence float64
		want       RequirementTier
	}{
		{95, TierOptional},
		{90, TierOptional}, // boundary inclusive
		{89.9, TierSuggested},
		{80, TierSuggested},
		{70, TierSuggested}, // boundary inclusive
		{69.9, TierRequired},
		{65, TierRequired},
		{0, TierRequired},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, TierFor(tt.confidence), "confidence %v", tt.confidence)
	}
}

func newVerificationAt(t *testing.T, matterID uuid.UUID, confidence float64) *Verification {
	t.Helper()
	f := &Finding{
		ID:         uuid.New(),
		MatterID:   matterID,
		Type:       TypeContradiction,
		Summary:    "conflicting payment dates",
		Confidence: confidence,
	}
	v, err := NewVerification(f)
	require.NoError(t, err)
	return v
}

func TestExportGating(t *testing.T) {
	matterID := uuid.New()
	v65 := newVerificationAt(t, matterID, 65)
	v80 := newVerificationAt(t, matterID, 80)
	v95 := newVerificationAt(t, matterID, 95)
	records := []*Verification{v65, v80, v95}

	stats := ComputeStats(records)
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 1, stats.PendingRequired)
	assert.Equal(t, 1, stats.PendingSuggested)
	assert.Equal(t, 1, stats.PendingOptional)
	assert.True(t, stats.ExportBlocked)

	// Approving the REQUIRED item unblocks export; the other pendings
	// are SUGGESTED/OPTIONAL and do not gate.
	reviewer := uuid.New()
	require.NoError(t, v65.Decide(DecisionApproved, reviewer, nil, ""))

	stats = ComputeStats(records)
	assert.Equal(t, 0, stats.PendingRequired)
	assert.False(t, stats.ExportBlocked)
	assert.Equal(t, 1, stats.ByDecision["approved"])
	assert.Equal(t, 2, stats.ByDecision["pending"])
}

func TestBlocksExport(t *testing.T) {
	matterID := uuid.New()
	required := newVerificationAt(t, matterID, 50)
	optional := newVerificationAt(t, matterID, 92)

	assert.True(t, required.BlocksExport())
	assert.False(t, optional.BlocksExport())

	require.NoError(t, required.Decide(DecisionRejected, uuid.New(), nil, "not a real contradiction"))
	assert.False(t, required.BlocksExport())
}

func TestDecideValidation(t *testing.T) {
	v := newVerificationAt(t, uuid.New(), 50)

	err := v.Decide(DecisionPending, uuid.New(), nil, "")
	require.Error(t, err)

	err = v.Decide(DecisionApproved, uuid.Nil, nil, "")
	require.Error(t, err)

	after := 88.0
	require.NoError(t, v.Decide(DecisionApproved, uuid.New(), &after, "checked against ledger"))
	assert.Equal(t, DecisionApproved, v.Decision)
	require.NotNil(t, v.ConfidenceAfter)
	assert.Equal(t, 88.0, *v.ConfidenceAfter)
	assert.NotNil(t, v.VerifiedAt)
}

func TestSummaryClipped(t *testing.T) {
	f := &Finding{
		ID:         uuid.New(),
		MatterID:   uuid.New(),
		Type:       TypeTimelineGap,
		Summary:    strings.Repeat("x", 700),
		Confidence: 75,
	}
	v, err := NewVerification(f)
	require.NoError(t, err)
	assert.Len(t, v.FindingSummary, 500)
}
