package verification

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	domainErrors "github.com/matterdock/matterdock-backend/internal/domain/errors"
	"github.com/matterdock/matterdock-backend/internal/domain/finding"
	"github.com/matterdock/matterdock-backend/internal/domain/matter"
)

type fakeStore struct {
	records map[uuid.UUID]*finding.Verification
}

func newFakeStore() *fakeStore {
	return &fakeStore{records: make(map[uuid.UUID]*finding.Verification)}
}

func (s *fakeStore) Insert(ctx context.Context, scope matter.Scope, v *finding.Verification) error {
	s.records[v.ID] = v
	return nil
}

func (s *fakeStore) Get(ctx context.Context, scope matter.Scope, id uuid.UUID) (*finding.Verification, error) {
	if v, ok := s.records[id]; ok && v.MatterID == scope.MatterID {
		copied := *v
		return &copied, nil
	}
	return nil, domainErrors.NewItemNotFound("verification")
}

func (s *fakeStore) Update(ctx context.Context, scope matter.Scope, v *finding.Verification) error {
	if _, ok := s.records[v.ID]; !ok {
		return domainErrors.NewItemNotFound("verification")
	}
	s.records[v.ID] = v
	return nil
}

func (s *fakeStore) ListPending(ctx context.Context, scope matter.Scope) ([]*finding.Verification, error) {
	var out []*finding.Verification
	for _, v := range s.records {
		if v.MatterID == scope.MatterID && v.Decision == finding.DecisionPending {
			out = append(out, v)
		}
	}
	return out, nil
}

func (s *fakeStore) ListAll(ctx context.Context, scope matter.Scope) ([]*finding.Verification, error) {
	var out []*finding.Verification
	for _, v := range s.records {
		if v.MatterID == scope.MatterID {
			out = append(out, v)
		}
	}
	return out, nil
}

func testScope(t *testing.T) matter.Scope {
	t.Helper()
	scope, err := matter.NewScopeFromIDs(uuid.New(), uuid.New())
	require.NoError(t, err)
	return scope
}

func newFinding(scope matter.Scope, confidence float64) *finding.Finding {
	return &finding.Finding{
		ID:         uuid.New(),
		MatterID:   scope.MatterID,
		Type:       finding.TypeCitationMismatch,
		Summary:    "quoted text diverges from the act",
		Confidence: confidence,
		CreatedAt:  time.Now(),
	}
}

func TestCreateForFinding_TierFollowsConfidence(t *testing.T) {
	store := newFakeStore()
	w := New(store, zaptest.NewLogger(t))
	scope := testScope(t)

	cases := []struct {
		confidence float64
		tier       finding.RequirementTier
	}{
		{95, finding.TierOptional},
		{90, finding.TierOptional},
		{89.9, finding.TierSuggested},
		{70, finding.TierSuggested},
		{69.9, finding.TierRequired},
		{10, finding.TierRequired},
	}
	for _, tc := range cases {
		v, err := w.CreateForFinding(context.Background(), scope, newFinding(scope, tc.confidence))
		require.NoError(t, err)
		assert.Equal(t, tc.tier, v.Requirement(), "confidence %v", tc.confidence)
		assert.Equal(t, finding.DecisionPending, v.Decision)
	}
	assert.Len(t, store.records, len(cases))
}

func TestCreateForFinding_RejectsForeignMatter(t *testing.T) {
	w := New(newFakeStore(), zaptest.NewLogger(t))
	scope := testScope(t)
	other := testScope(t)

	_, err := w.CreateForFinding(context.Background(), scope, newFinding(other, 50))
	require.Error(t, err)
	assert.Equal(t, domainErrors.CodeMatterNotFound, domainErrors.CodeOf(err))
}

func TestDecide(t *testing.T) {
	store := newFakeStore()
	w := New(store, zaptest.NewLogger(t))
	scope := testScope(t)

	v, err := w.CreateForFinding(context.Background(), scope, newFinding(scope, 60))
	require.NoError(t, err)

	after := 92.0
	decided, err := w.Decide(context.Background(), scope, v.ID, finding.DecisionApproved, &after, "checked against the act")
	require.NoError(t, err)

	assert.Equal(t, finding.DecisionApproved, decided.Decision)
	require.NotNil(t, decided.VerifiedBy)
	assert.Equal(t, scope.UserID, *decided.VerifiedBy)
	require.NotNil(t, decided.ConfidenceAfter)
	assert.Equal(t, 92.0, *decided.ConfidenceAfter)
	assert.Equal(t, finding.DecisionApproved, store.records[v.ID].Decision)
}

func TestDecide_WrongMatter(t *testing.T) {
	store := newFakeStore()
	w := New(store, zaptest.NewLogger(t))
	scope := testScope(t)

	v, err := w.CreateForFinding(context.Background(), scope, newFinding(scope, 60))
	require.NoError(t, err)

	_, err = w.Decide(context.Background(), testScope(t), v.ID, finding.DecisionApproved, nil, "")
	require.Error(t, err)
	assert.Equal(t, domainErrors.CodeItemNotFound, domainErrors.CodeOf(err))
}

func TestPending_SortedByConfidenceThenAge(t *testing.T) {
	store := newFakeStore()
	w := New(store, zaptest.NewLogger(t))
	scope := testScope(t)

	older, err := w.CreateForFinding(context.Background(), scope, newFinding(scope, 60))
	require.NoError(t, err)
	older.CreatedAt = time.Now().Add(-time.Hour)
	store.records[older.ID] = older

	newer, err := w.CreateForFinding(context.Background(), scope, newFinding(scope, 60))
	require.NoError(t, err)

	risky, err := w.CreateForFinding(context.Background(), scope, newFinding(scope, 20))
	require.NoError(t, err)

	decided, err := w.CreateForFinding(context.Background(), scope, newFinding(scope, 10))
	require.NoError(t, err)
	_, err = w.Decide(context.Background(), scope, decided.ID, finding.DecisionRejected, nil, "")
	require.NoError(t, err)

	pending, err := w.Pending(context.Background(), scope)
	require.NoError(t, err)

	require.Len(t, pending, 3, "decided records drop out")
	assert.Equal(t, risky.ID, pending[0].ID)
	assert.Equal(t, older.ID, pending[1].ID, "equal confidence breaks ties on creation time")
	assert.Equal(t, newer.ID, pending[2].ID)
}

func TestStats_ExportBlockedByPendingRequired(t *testing.T) {
	store := newFakeStore()
	w := New(store, zaptest.NewLogger(t))
	scope := testScope(t)

	_, err := w.CreateForFinding(context.Background(), scope, newFinding(scope, 95))
	require.NoError(t, err)
	required, err := w.CreateForFinding(context.Background(), scope, newFinding(scope, 40))
	require.NoError(t, err)

	stats, err := w.Stats(context.Background(), scope)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.PendingRequired)
	assert.Equal(t, 1, stats.PendingOptional)
	assert.True(t, stats.ExportBlocked)

	_, err = w.Decide(context.Background(), scope, required.ID, finding.DecisionApproved, nil, "")
	require.NoError(t, err)

	stats, err = w.Stats(context.Background(), scope)
	require.NoError(t, err)
	assert.False(t, stats.ExportBlocked, "deciding the REQUIRED record unblocks export")
	assert.Equal(t, 1, stats.ByDecision["approved"])
}

func TestBulkDecide(t *testing.T) {
	store := newFakeStore()
	w := New(store, zaptest.NewLogger(t))
	scope := testScope(t)

	var ids []uuid.UUID
	for i := 0; i < 3; i++ {
		v, err := w.CreateForFinding(context.Background(), scope, newFinding(scope, 50))
		require.NoError(t, err)
		ids = append(ids, v.ID)
	}
	missing := uuid.New()
	ids = append(ids, missing)

	result, err := w.BulkDecide(context.Background(), scope, ids, finding.DecisionApproved, "batch review")
	require.NoError(t, err)
	assert.Equal(t, 3, result.Decided)
	assert.Equal(t, []uuid.UUID{missing}, result.Missing)

	for _, id := range ids[:3] {
		assert.Equal(t, finding.DecisionApproved, store.records[id].Decision)
	}
}

func TestBulkDecide_LimitExceeded(t *testing.T) {
	w := New(newFakeStore(), zaptest.NewLogger(t))
	scope := testScope(t)

	ids := make([]uuid.UUID, BulkLimit+1)
	for i := range ids {
		ids[i] = uuid.New()
	}

	_, err := w.BulkDecide(context.Background(), scope, ids, finding.DecisionApproved, "")
	require.Error(t, err)
	assert.Equal(t, domainErrors.CodeBulkLimitExceeded, domainErrors.CodeOf(err))
}
