package timeline

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/matterdock/matterdock-backend/internal/domain/document"
	domainErrors "github.com/matterdock/matterdock-backend/internal/domain/errors"
	"github.com/matterdock/matterdock-backend/internal/domain/matter"
	"github.com/matterdock/matterdock-backend/internal/domain/timeline"
	"github.com/matterdock/matterdock-backend/internal/testutil"
)

type fakeResolver struct {
	mu         sync.Mutex
	known      map[string]uuid.UUID
	concurrent int
	peak       int
}

func (f *fakeResolver) ResolveEntity(ctx context.Context, scope matter.Scope, name string) (uuid.UUID, error) {
	f.mu.Lock()
	f.concurrent++
	if f.concurrent > f.peak {
		f.peak = f.concurrent
	}
	f.mu.Unlock()

	time.Sleep(time.Millisecond)

	f.mu.Lock()
	f.concurrent--
	id, ok := f.known[name]
	f.mu.Unlock()

	if !ok {
		return uuid.Nil, domainErrors.NewItemNotFound("entity")
	}
	return id, nil
}

func testScope(t *testing.T) matter.Scope {
	t.Helper()
	scope, err := matter.NewScopeFromIDs(uuid.New(), uuid.New())
	require.NoError(t, err)
	return scope
}

func testChunk(t *testing.T, scope matter.Scope, content string) *document.Chunk {
	t.Helper()
	page := 2
	chunk, err := document.NewParentChunk(scope.MatterID, uuid.New(), 0, content, 50)
	require.NoError(t, err)
	chunk.PageNumber = &page
	return chunk
}

const datesResponse = `{"dates": [
	{"date": "2021-04-03", "precision": "day", "date_text": "3rd April 2021",
	 "event_type": "notice_served", "description": "Demand notice served on the drawer",
	 "confidence": 0.9, "entities": ["Ramesh Kumar"]},
	{"date": "2021-05", "precision": "month", "date_text": "May 2021",
	 "event_type": "reply", "description": "Reply to the notice received", "confidence": 0.8},
	{"date": "01/02/2021", "precision": "day", "date_text": "1/2/2021",
	 "event_type": "payment", "description": "Part payment recorded",
	 "confidence": 0.6, "is_ambiguous": true, "ambiguity_reason": "DD/MM vs MM/DD"}
]}`

func TestExtractChunk_ParsesPrecisionAndAmbiguity(t *testing.T) {
	ramesh := uuid.New()
	resolver := &fakeResolver{known: map[string]uuid.UUID{"Ramesh Kumar": ramesh}}
	e := New(&testutil.FakeLLM{Responses: []string{datesResponse}}, resolver, zaptest.NewLogger(t))
	scope := testScope(t)
	chunk := testChunk(t, scope, "notice dated 3rd April 2021")

	events, err := e.ExtractChunk(context.Background(), scope, chunk)
	require.NoError(t, err)
	require.Len(t, events, 2, "the unparseable 01/02/2021 is dropped")

	first := events[0]
	assert.Equal(t, time.Date(2021, 4, 3, 0, 0, 0, 0, time.UTC), first.EventDate)
	assert.Equal(t, timeline.PrecisionDay, first.DatePrecision)
	assert.Equal(t, "3rd April 2021", first.EventDateText)
	assert.Equal(t, scope.MatterID, first.MatterID)
	assert.Equal(t, chunk.DocumentID, first.DocumentID)
	assert.Equal(t, chunk.PageNumber, first.SourcePage)
	assert.Equal(t, []uuid.UUID{ramesh}, first.Entities)
	assert.False(t, first.IsAmbiguous)

	second := events[1]
	assert.Equal(t, timeline.PrecisionMonth, second.DatePrecision)
	assert.Equal(t, time.Date(2021, 5, 1, 0, 0, 0, 0, time.UTC), second.EventDate)
}

func TestExtractChunk_AmbiguityRoundTripsThroughDescription(t *testing.T) {
	response := `{"dates": [{"date": "2021-02-01", "precision": "day", "date_text": "01/02/2021",
		"event_type": "payment", "description": "Part payment recorded",
		"is_ambiguous": true, "ambiguity_reason": "DD/MM vs MM/DD"}]}`
	e := New(&testutil.FakeLLM{Responses: []string{response}}, nil, zaptest.NewLogger(t))
	scope := testScope(t)

	events, err := e.ExtractChunk(context.Background(), scope, testChunk(t, scope, "paid on 01/02/2021"))
	require.NoError(t, err)
	require.Len(t, events, 1)

	ev := events[0]
	assert.True(t, ev.IsAmbiguous)
	stored := ev.StoredDescription()
	assert.Equal(t, "[AMBIGUOUS: DD/MM vs MM/DD] Part payment recorded", stored)

	var restored timeline.Event
	restored.ApplyStoredDescription(stored)
	assert.Equal(t, ev.Description, restored.Description)
	assert.True(t, restored.IsAmbiguous)
	assert.Equal(t, "DD/MM vs MM/DD", restored.AmbiguityReason)
}

func TestExtractChunk_UnknownEntitiesSkipped(t *testing.T) {
	response := `{"dates": [{"date": "2021-04-03", "precision": "day", "date_text": "3 April 2021",
		"event_type": "hearing", "description": "First hearing",
		"entities": ["Ramesh Kumar", "Unknown Person"]}]}`
	ramesh := uuid.New()
	resolver := &fakeResolver{known: map[string]uuid.UUID{"Ramesh Kumar": ramesh}}
	e := New(&testutil.FakeLLM{Responses: []string{response}}, resolver, zaptest.NewLogger(t))
	scope := testScope(t)

	events, err := e.ExtractChunk(context.Background(), scope, testChunk(t, scope, "hearing on 3 April"))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, []uuid.UUID{ramesh}, events[0].Entities)
}

func TestExtractChunk_LinkingPoolIsBounded(t *testing.T) {
	var entries []string
	known := make(map[string]uuid.UUID)
	for i := 0; i < 40; i++ {
		name := uuid.NewString()
		known[name] = uuid.New()
		entries = append(entries, `{"date": "2021-04-03", "precision": "day", "date_text": "`+name+`",
			"event_type": "hearing", "description": "d", "entities": ["`+name+`"]}`)
	}
	response := `{"dates": [` + strings.Join(entries, ",") + `]}`

	resolver := &fakeResolver{known: known}
	e := New(&testutil.FakeLLM{Responses: []string{response}}, resolver, zaptest.NewLogger(t)).WithLinkWorkers(3)
	scope := testScope(t)

	events, err := e.ExtractChunk(context.Background(), scope, testChunk(t, scope, "many dates"))
	require.NoError(t, err)
	require.Len(t, events, 40)
	assert.LessOrEqual(t, resolver.peak, 3, "linking fan-out must honor the pool size")
	for _, ev := range events {
		assert.Len(t, ev.Entities, 1)
	}
}

func TestExtractChunk_EmptyChunkSkipsModel(t *testing.T) {
	llm := &testutil.FakeLLM{Responses: []string{`{"dates":[]}`}}
	e := New(llm, nil, zaptest.NewLogger(t))
	scope := testScope(t)

	chunk := testChunk(t, scope, "placeholder")
	chunk.Content = "  \n"
	events, err := e.ExtractChunk(context.Background(), scope, chunk)
	require.NoError(t, err)
	assert.Empty(t, events)
	assert.Zero(t, llm.CallCount())
}

func TestSortEventsAscendingForPersistence(t *testing.T) {
	now := time.Now()
	events := []timeline.Event{
		{EventDate: time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC), CreatedAt: now},
		{EventDate: time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC), CreatedAt: now.Add(time.Second)},
		{EventDate: time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC), CreatedAt: now},
	}
	timeline.SortEventsAscending(events)

	assert.Equal(t, time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC), events[0].EventDate)
	assert.True(t, events[0].CreatedAt.Before(events[1].CreatedAt) || events[0].CreatedAt.Equal(events[1].CreatedAt))
	assert.Equal(t, time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC), events[2].EventDate)
}
