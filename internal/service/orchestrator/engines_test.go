package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matterdock/matterdock-backend/internal/domain/citation"
	"github.com/matterdock/matterdock-backend/internal/domain/entity"
	"github.com/matterdock/matterdock-backend/internal/domain/matter"
	"github.com/matterdock/matterdock-backend/internal/domain/timeline"
	"github.com/matterdock/matterdock-backend/internal/service/search"
)

type fakeSearcher struct {
	response *search.Response
	params   search.Params
	err      error
}

func (f *fakeSearcher) Search(ctx context.Context, scope matter.Scope, params search.Params) (*search.Response, error) {
	f.params = params
	if f.err != nil {
		return nil, f.err
	}
	return f.response, nil
}

type fakeTimelineSource struct {
	events []timeline.Event
}

func (f *fakeTimelineSource) EventsByMatter(ctx context.Context, scope matter.Scope) ([]timeline.Event, error) {
	return f.events, nil
}

type fakeGraphSource struct {
	entities      []entity.Entity
	relationships []entity.Relationship
}

func (f *fakeGraphSource) GraphByMatter(ctx context.Context, scope matter.Scope) ([]entity.Entity, []entity.Relationship, error) {
	return f.entities, f.relationships, nil
}

type fakeCitationSource struct {
	citations []*citation.ExtractedCitation
}

func (f *fakeCitationSource) ListByMatter(ctx context.Context, scope matter.Scope, status *citation.VerificationStatus) ([]*citation.ExtractedCitation, error) {
	return f.citations, nil
}

func legScope(t *testing.T) matter.Scope {
	t.Helper()
	scope, err := matter.NewScopeFromIDs(uuid.New(), uuid.New())
	require.NoError(t, err)
	return scope
}

func TestSearchLeg(t *testing.T) {
	page := 4
	searcher := &fakeSearcher{response: &search.Response{Results: []search.Result{
		{DocumentID: uuid.New(), DocumentName: "plaint.pdf", Content: "the disputed transfer", PageNumber: &page},
	}}}
	leg := NewSearchLeg(searcher, 7)

	out, err := leg.Run(context.Background(), legScope(t), "transfer of property", nil)
	require.NoError(t, err)

	assert.Equal(t, EngineHybridSearch, leg.Name())
	assert.Equal(t, 7, searcher.params.Limit)
	assert.Equal(t, 1, out.Findings)
	assert.Equal(t, 75.0, out.Confidence)
	assert.Contains(t, out.Summary, "From plaint.pdf: the disputed transfer")
	require.Len(t, out.Sources, 1)
	assert.Equal(t, "plaint.pdf", out.Sources[0].DocumentName)
	assert.Equal(t, &page, out.Sources[0].PageNumber)
}

func TestSearchLeg_NoResults(t *testing.T) {
	leg := NewSearchLeg(&fakeSearcher{response: &search.Response{}}, 0)

	out, err := leg.Run(context.Background(), legScope(t), "anything", nil)
	require.NoError(t, err)
	assert.Zero(t, out.Findings)
	assert.Empty(t, out.Summary)
}

func TestTimelineLeg_MatchesQueryTerms(t *testing.T) {
	date := time.Date(2021, 3, 15, 0, 0, 0, 0, time.UTC)
	src := &fakeTimelineSource{events: []timeline.Event{
		{DocumentID: uuid.New(), EventDate: date, EventDateText: "15 March 2021",
			EventType: "payment", Description: "Payment of the mortgage installment", Confidence: 0.9},
		{DocumentID: uuid.New(), EventDate: date, EventDateText: "same day",
			EventType: "hearing", Description: "First hearing adjourned", Confidence: 0.7},
	}}
	leg := NewTimelineLeg(src)

	out, err := leg.Run(context.Background(), legScope(t), "when was the mortgage payment made?", nil)
	require.NoError(t, err)

	assert.Equal(t, 1, out.Findings)
	assert.InDelta(t, 90.0, out.Confidence, 1e-9)
	assert.Contains(t, out.Summary, "2021-03-15 (15 March 2021): Payment of the mortgage installment")
	require.Len(t, out.Sources, 1)
}

func TestTimelineLeg_ShortWordsDoNotMatch(t *testing.T) {
	src := &fakeTimelineSource{events: []timeline.Event{
		{EventDate: time.Now(), EventType: "other", Description: "of in at the", Confidence: 0.5},
	}}
	leg := NewTimelineLeg(src)

	out, err := leg.Run(context.Background(), legScope(t), "who is at the top of it?", nil)
	require.NoError(t, err)
	assert.Zero(t, out.Findings)
}

func TestEntityLeg_NameAndAliasMatch(t *testing.T) {
	kumar := entity.Entity{ID: uuid.New(), CanonicalName: "Rajesh Kumar",
		Type: entity.TypePerson, Aliases: []string{"the appellant"}, MentionCount: 12}
	bank := entity.Entity{ID: uuid.New(), CanonicalName: "State Bank",
		Type: entity.TypeOrg, MentionCount: 4}
	src := &fakeGraphSource{
		entities: []entity.Entity{kumar, bank},
		relationships: []entity.Relationship{
			{FromEntityID: kumar.ID, ToEntityID: bank.ID, Type: "BORROWED_FROM"},
		},
	}
	leg := NewEntityLeg(src)

	out, err := leg.Run(context.Background(), legScope(t), "what did rajesh kumar borrow?", nil)
	require.NoError(t, err)

	assert.Equal(t, 1, out.Findings)
	assert.Equal(t, 80.0, out.Confidence)
	assert.Contains(t, out.Summary, "Rajesh Kumar is a PERSON mentioned 12 times")
	assert.Contains(t, out.Summary, "Rajesh Kumar borrowed_from State Bank.")

	out, err = leg.Run(context.Background(), legScope(t), "what does the appellant claim?", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, out.Findings, "alias match")
}

func TestEntityLeg_NoMatch(t *testing.T) {
	src := &fakeGraphSource{entities: []entity.Entity{
		{ID: uuid.New(), CanonicalName: "Rajesh Kumar", Type: entity.TypePerson},
	}}
	leg := NewEntityLeg(src)

	out, err := leg.Run(context.Background(), legScope(t), "what happened on the 15th?", nil)
	require.NoError(t, err)
	assert.Zero(t, out.Findings)
}

func TestCitationLeg_ActNameMatch(t *testing.T) {
	page := 9
	src := &fakeCitationSource{citations: []*citation.ExtractedCitation{
		{ActName: "Evidence Act", CanonicalActName: "evidence act", Section: "65B",
			RawText: "Section 65B of the Evidence Act", Confidence: 0.88,
			Status: citation.StatusVerified, SourceDocumentID: uuid.New(), PageNumber: &page},
		{ActName: "Limitation Act", CanonicalActName: "limitation act", Section: "5",
			RawText: "Section 5 of the Limitation Act", Confidence: 0.7,
			Status: citation.StatusPending, SourceDocumentID: uuid.New()},
	}}
	leg := NewCitationLeg(src)

	out, err := leg.Run(context.Background(), legScope(t), "is the evidence act certificate on record?", nil)
	require.NoError(t, err)

	assert.Equal(t, 1, out.Findings)
	assert.InDelta(t, 88.0, out.Confidence, 1e-9)
	assert.Contains(t, out.Summary, "Section 65B of Evidence Act is cited (verified)")
	require.Len(t, out.Sources, 1)
	assert.Equal(t, &page, out.Sources[0].PageNumber)
}

func TestCitationLeg_NoMatch(t *testing.T) {
	src := &fakeCitationSource{citations: []*citation.ExtractedCitation{
		{ActName: "Evidence Act", CanonicalActName: "evidence act", Section: "65B"},
	}}
	leg := NewCitationLeg(src)

	out, err := leg.Run(context.Background(), legScope(t), "summarize the plaint", nil)
	require.NoError(t, err)
	assert.Zero(t, out.Findings)
}
