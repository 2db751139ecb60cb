package mattermemory

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/matterdock/matterdock-backend/internal/domain/entity"
	domainErrors "github.com/matterdock/matterdock-backend/internal/domain/errors"
	"github.com/matterdock/matterdock-backend/internal/domain/matter"
	"github.com/matterdock/matterdock-backend/internal/domain/query"
	"github.com/matterdock/matterdock-backend/internal/domain/timeline"
)

type fakeHistoryStore struct {
	entries []*query.HistoryEntry
}

func (s *fakeHistoryStore) AppendHistory(ctx context.Context, scope matter.Scope, entry *query.HistoryEntry) error {
	s.entries = append(s.entries, entry)
	return nil
}

func (s *fakeHistoryStore) RecentHistory(ctx context.Context, scope matter.Scope, limit int) ([]*query.HistoryEntry, error) {
	out := make([]*query.HistoryEntry, 0, limit)
	for i := len(s.entries) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.entries[i])
	}
	return out, nil
}

func (s *fakeHistoryStore) GetHistoryEntry(ctx context.Context, scope matter.Scope, id uuid.UUID) (*query.HistoryEntry, error) {
	for _, e := range s.entries {
		if e.ID == id && e.MatterID == scope.MatterID {
			copied := *e
			return &copied, nil
		}
	}
	return nil, domainErrors.NewItemNotFound("history entry")
}

func (s *fakeHistoryStore) UpdateHistoryEntry(ctx context.Context, scope matter.Scope, entry *query.HistoryEntry) error {
	for i, e := range s.entries {
		if e.ID == entry.ID {
			s.entries[i] = entry
			return nil
		}
	}
	return domainErrors.NewItemNotFound("history entry")
}

type fakeSnapshotStore struct {
	timeline   *query.TimelineCache
	graph      *query.EntityGraphCache
	lastUpload time.Time
	deletes    int
}

func (s *fakeSnapshotStore) GetTimelineCache(ctx context.Context, scope matter.Scope) (*query.TimelineCache, error) {
	if s.timeline == nil {
		return nil, domainErrors.NewItemNotFound("timeline cache")
	}
	return s.timeline, nil
}

func (s *fakeSnapshotStore) PutTimelineCache(ctx context.Context, scope matter.Scope, snap *query.TimelineCache) error {
	s.timeline = snap
	return nil
}

func (s *fakeSnapshotStore) GetEntityGraphCache(ctx context.Context, scope matter.Scope) (*query.EntityGraphCache, error) {
	if s.graph == nil {
		return nil, domainErrors.NewItemNotFound("entity graph cache")
	}
	return s.graph, nil
}

func (s *fakeSnapshotStore) PutEntityGraphCache(ctx context.Context, scope matter.Scope, snap *query.EntityGraphCache) error {
	s.graph = snap
	return nil
}

func (s *fakeSnapshotStore) DeleteSnapshots(ctx context.Context, scope matter.Scope) error {
	s.deletes++
	s.timeline = nil
	s.graph = nil
	return nil
}

func (s *fakeSnapshotStore) LastDocumentUpload(ctx context.Context, scope matter.Scope) (time.Time, error) {
	return s.lastUpload, nil
}

type fakeEventSource struct {
	events []timeline.Event
	calls  int
}

func (s *fakeEventSource) EventsByMatter(ctx context.Context, scope matter.Scope) ([]timeline.Event, error) {
	s.calls++
	out := make([]timeline.Event, len(s.events))
	copy(out, s.events)
	return out, nil
}

type fakeGraphSource struct {
	entities      []entity.Entity
	relationships []entity.Relationship
	calls         int
}

func (s *fakeGraphSource) GraphByMatter(ctx context.Context, scope matter.Scope) ([]entity.Entity, []entity.Relationship, error) {
	s.calls++
	return s.entities, s.relationships, nil
}

type fakeInvalidator struct {
	calls int
}

func (f *fakeInvalidator) InvalidateMatter(ctx context.Context, scope matter.Scope) (int64, error) {
	f.calls++
	return 3, nil
}

func testScope(t *testing.T) matter.Scope {
	t.Helper()
	scope, err := matter.NewScopeFromIDs(uuid.New(), uuid.New())
	require.NoError(t, err)
	return scope
}

func newMemory(t *testing.T, history *fakeHistoryStore, snaps *fakeSnapshotStore, events *fakeEventSource, graph *fakeGraphSource, inv *fakeInvalidator) *Memory {
	t.Helper()
	return New(history, snaps, events, graph, inv, zaptest.NewLogger(t))
}

func TestRecordQuery_StampsScopeAndTimestamps(t *testing.T) {
	history := &fakeHistoryStore{}
	m := newMemory(t, history, &fakeSnapshotStore{}, &fakeEventSource{}, &fakeGraphSource{}, nil)
	scope := testScope(t)

	entry := &query.HistoryEntry{Query: "what does section 138 say", EnginesUsed: []string{"hybrid"}}
	require.NoError(t, m.RecordQuery(context.Background(), scope, entry))

	require.Len(t, history.entries, 1)
	got := history.entries[0]
	assert.NotEqual(t, uuid.Nil, got.ID)
	assert.Equal(t, scope.MatterID, got.MatterID)
	assert.Equal(t, scope.UserID, got.UserID)
	assert.False(t, got.CreatedAt.IsZero())
}

func TestHistory_CapsAtDefaultLimit(t *testing.T) {
	history := &fakeHistoryStore{}
	m := newMemory(t, history, &fakeSnapshotStore{}, &fakeEventSource{}, &fakeGraphSource{}, nil)
	scope := testScope(t)

	for i := 0; i < 60; i++ {
		require.NoError(t, m.RecordQuery(context.Background(), scope, &query.HistoryEntry{Query: "q"}))
	}

	got, err := m.History(context.Background(), scope, 0)
	require.NoError(t, err)
	assert.Len(t, got, DefaultHistoryLimit)

	got, err = m.History(context.Background(), scope, 500)
	require.NoError(t, err)
	assert.Len(t, got, DefaultHistoryLimit, "requests above the cap are clamped")

	got, err = m.History(context.Background(), scope, 5)
	require.NoError(t, err)
	assert.Len(t, got, 5)
}

func TestMarkQueryVerified(t *testing.T) {
	history := &fakeHistoryStore{}
	m := newMemory(t, history, &fakeSnapshotStore{}, &fakeEventSource{}, &fakeGraphSource{}, nil)
	scope := testScope(t)

	entry := &query.HistoryEntry{Query: "q"}
	require.NoError(t, m.RecordQuery(context.Background(), scope, entry))

	ok, err := m.MarkQueryVerified(context.Background(), scope, entry.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, history.entries[0].AttorneyVerified)

	// Second call is idempotent.
	ok, err = m.MarkQueryVerified(context.Background(), scope, entry.ID)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMarkQueryVerified_MissingEntryIsNoOp(t *testing.T) {
	m := newMemory(t, &fakeHistoryStore{}, &fakeSnapshotStore{}, &fakeEventSource{}, &fakeGraphSource{}, nil)

	ok, err := m.MarkQueryVerified(context.Background(), testScope(t), uuid.New())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTimeline_BuildsOnMissAndReusesWhenFresh(t *testing.T) {
	now := time.Now()
	events := &fakeEventSource{events: []timeline.Event{
		{EventDate: time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC)},
		{EventDate: time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC)},
	}}
	snaps := &fakeSnapshotStore{lastUpload: now.Add(-time.Hour)}
	m := newMemory(t, &fakeHistoryStore{}, snaps, events, &fakeGraphSource{}, nil)
	scope := testScope(t)

	snap, err := m.Timeline(context.Background(), scope)
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Version)
	assert.Equal(t, 2, snap.EventCount)
	assert.Equal(t, time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC), snap.Events[0].EventDate, "rebuilt events are sorted ascending")
	assert.Equal(t, 1, events.calls)

	again, err := m.Timeline(context.Background(), scope)
	require.NoError(t, err)
	assert.Equal(t, snap, again)
	assert.Equal(t, 1, events.calls, "a fresh snapshot is not rebuilt")
}

func TestTimeline_RebuildsWhenStale(t *testing.T) {
	events := &fakeEventSource{}
	snaps := &fakeSnapshotStore{lastUpload: time.Now().Add(-time.Hour)}
	m := newMemory(t, &fakeHistoryStore{}, snaps, events, &fakeGraphSource{}, nil)
	scope := testScope(t)

	first, err := m.Timeline(context.Background(), scope)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Version)

	// A later upload invalidates the snapshot.
	snaps.lastUpload = time.Now().Add(time.Hour)
	second, err := m.Timeline(context.Background(), scope)
	require.NoError(t, err)
	assert.Equal(t, 2, second.Version)
	assert.Equal(t, 2, events.calls)
}

func TestEntityGraph_SnapshotShape(t *testing.T) {
	scope := testScope(t)
	e1, err := entity.New(scope.MatterID, "Ramesh Kumar", entity.TypePerson)
	require.NoError(t, err)
	e2, err := entity.New(scope.MatterID, "Acme Traders", entity.TypeOrg)
	require.NoError(t, err)
	rel, err := entity.NewRelationship(scope.MatterID, e1, e2, "PARTY_TO", 0.8)
	require.NoError(t, err)

	graph := &fakeGraphSource{
		entities:      []entity.Entity{*e1, *e2},
		relationships: []entity.Relationship{*rel},
	}
	snaps := &fakeSnapshotStore{lastUpload: time.Now().Add(-time.Hour)}
	m := newMemory(t, &fakeHistoryStore{}, snaps, &fakeEventSource{}, graph, nil)

	snap, err := m.EntityGraph(context.Background(), scope)
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Version)
	assert.Equal(t, 2, snap.EntityCount)
	assert.Equal(t, 1, snap.RelationshipCount)
	assert.Contains(t, snap.Entities, e1.ID.String())
	assert.Contains(t, snap.Entities, e2.ID.String())

	again, err := m.EntityGraph(context.Background(), scope)
	require.NoError(t, err)
	assert.Equal(t, snap, again)
	assert.Equal(t, 1, graph.calls)
}

func TestInvalidateMatterCaches(t *testing.T) {
	snaps := &fakeSnapshotStore{lastUpload: time.Now().Add(-time.Hour)}
	inv := &fakeInvalidator{}
	m := newMemory(t, &fakeHistoryStore{}, snaps, &fakeEventSource{}, &fakeGraphSource{}, inv)
	scope := testScope(t)

	_, err := m.Timeline(context.Background(), scope)
	require.NoError(t, err)
	_, err = m.EntityGraph(context.Background(), scope)
	require.NoError(t, err)

	require.NoError(t, m.InvalidateMatterCaches(context.Background(), scope))
	assert.Equal(t, 1, snaps.deletes)
	assert.Nil(t, snaps.timeline)
	assert.Nil(t, snaps.graph)
	assert.Equal(t, 1, inv.calls)

	// Deletion loses the version counter; the rebuild starts over at 1.
	snap, err := m.Timeline(context.Background(), scope)
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Version)
}
