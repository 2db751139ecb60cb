package globalsearch

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/matterdock/matterdock-backend/internal/domain/matter"
	"github.com/matterdock/matterdock-backend/internal/service/search"
)

type fakeDirectory struct {
	matters []matter.Matter
}

func (f *fakeDirectory) MattersForUser(ctx context.Context, userID uuid.UUID) ([]matter.Matter, error) {
	return f.matters, nil
}

type fakeSearcher struct {
	mu       sync.Mutex
	byMatter map[uuid.UUID][]search.Result
	failing  map[uuid.UUID]bool
	limits   []int
}

func (f *fakeSearcher) Search(ctx context.Context, scope matter.Scope, params search.Params) (*search.Response, error) {
	f.mu.Lock()
	f.limits = append(f.limits, params.Limit)
	f.mu.Unlock()

	if f.failing[scope.MatterID] {
		return nil, fmt.Errorf("retriever down")
	}
	return &search.Response{Results: f.byMatter[scope.MatterID]}, nil
}

func newMatter(title string) matter.Matter {
	return matter.Matter{ID: uuid.New(), Title: title}
}

func hit(name string) search.Result {
	return search.Result{
		ChunkID:      uuid.New(),
		DocumentID:   uuid.New(),
		DocumentName: name,
		Content:      "…" + name + "…",
	}
}

func TestSearch_FusesAcrossMatters(t *testing.T) {
	cheque := newMatter("Cheque bounce, Sharma")
	lease := newMatter("Lease dispute, Acme")
	dir := &fakeDirectory{matters: []matter.Matter{cheque, lease}}

	top := hit("complaint.pdf")
	second := hit("notice.pdf")
	other := hit("lease-deed.pdf")
	searcher := &fakeSearcher{byMatter: map[uuid.UUID][]search.Result{
		cheque.ID: {top, second},
		lease.ID:  {other},
	}}

	svc := New(dir, searcher, zaptest.NewLogger(t))
	resp, err := svc.Search(context.Background(), uuid.New(), "dishonour of cheque", 0)
	require.NoError(t, err)

	assert.Equal(t, 2, resp.MattersSearched)
	assert.Zero(t, resp.MattersFailed)
	require.Len(t, resp.Items, 3)

	// Rank 1 hits from both matters tie on score; directory order breaks
	// the tie.
	assert.Equal(t, top.DocumentID, resp.Items[0].ID)
	assert.Equal(t, KindDocument, resp.Items[0].Kind)
	assert.Equal(t, cheque.Title, resp.Items[0].MatterTitle)
	assert.Equal(t, other.DocumentID, resp.Items[1].ID)
	assert.Equal(t, second.DocumentID, resp.Items[2].ID)

	assert.Greater(t, resp.Items[0].Score, resp.Items[2].Score)
	for _, k := range searcher.limits {
		assert.Equal(t, PerMatterK, k)
	}
}

func TestSearch_TitleMatchesComeFirst(t *testing.T) {
	sharma := newMatter("Sharma v. Acme Traders")
	unrelated := newMatter("Lease dispute")
	dir := &fakeDirectory{matters: []matter.Matter{unrelated, sharma}}

	chunk := hit("agreement.pdf")
	searcher := &fakeSearcher{byMatter: map[uuid.UUID][]search.Result{unrelated.ID: {chunk}}}

	svc := New(dir, searcher, zaptest.NewLogger(t))
	resp, err := svc.Search(context.Background(), uuid.New(), "sharma", 0)
	require.NoError(t, err)

	require.Len(t, resp.Items, 2)
	assert.Equal(t, KindMatter, resp.Items[0].Kind)
	assert.Equal(t, sharma.ID, resp.Items[0].ID)
	assert.Equal(t, KindDocument, resp.Items[1].Kind)
}

func TestSearch_TitleMatchesCapped(t *testing.T) {
	var matters []matter.Matter
	for i := 0; i < 8; i++ {
		matters = append(matters, newMatter(fmt.Sprintf("Sharma matter %d", i)))
	}
	svc := New(&fakeDirectory{matters: matters}, &fakeSearcher{}, zaptest.NewLogger(t))

	resp, err := svc.Search(context.Background(), uuid.New(), "SHARMA", 0)
	require.NoError(t, err)

	var titleItems int
	for _, it := range resp.Items {
		if it.Kind == KindMatter {
			titleItems++
		}
	}
	assert.Equal(t, MaxTitleMatches, titleItems)
}

func TestSearch_FailedMatterIsDropped(t *testing.T) {
	healthy := newMatter("Cheque bounce")
	broken := newMatter("Lease dispute")
	dir := &fakeDirectory{matters: []matter.Matter{healthy, broken}}

	chunk := hit("complaint.pdf")
	searcher := &fakeSearcher{
		byMatter: map[uuid.UUID][]search.Result{healthy.ID: {chunk}},
		failing:  map[uuid.UUID]bool{broken.ID: true},
	}

	svc := New(dir, searcher, zaptest.NewLogger(t))
	resp, err := svc.Search(context.Background(), uuid.New(), "cheque dishonour", 0)
	require.NoError(t, err)

	assert.Equal(t, 1, resp.MattersFailed)
	require.Len(t, resp.Items, 1)
	assert.Equal(t, chunk.DocumentID, resp.Items[0].ID)
}

func TestSearch_DeduplicatesByChunk(t *testing.T) {
	m := newMatter("Cheque bounce")
	dir := &fakeDirectory{matters: []matter.Matter{m}}

	shared := hit("complaint.pdf")
	searcher := &fakeSearcher{byMatter: map[uuid.UUID][]search.Result{m.ID: {shared, shared}}}

	svc := New(dir, searcher, zaptest.NewLogger(t))
	resp, err := svc.Search(context.Background(), uuid.New(), "cheque", 0)
	require.NoError(t, err)
	require.Len(t, resp.Items, 1)
}

func TestSearch_LimitClamped(t *testing.T) {
	m := newMatter("Cheque bounce")
	var results []search.Result
	for i := 0; i < 10; i++ {
		results = append(results, hit(fmt.Sprintf("doc-%d.pdf", i)))
	}
	searcher := &fakeSearcher{byMatter: map[uuid.UUID][]search.Result{m.ID: results}}
	svc := New(&fakeDirectory{matters: []matter.Matter{m}}, searcher, zaptest.NewLogger(t))

	resp, err := svc.Search(context.Background(), uuid.New(), "cheque", 3)
	require.NoError(t, err)
	assert.Len(t, resp.Items, 3)

	resp, err = svc.Search(context.Background(), uuid.New(), "cheque", 500)
	require.NoError(t, err)
	assert.Len(t, resp.Items, 10, "above-cap limits clamp to the max, not an error")
}

func TestSearch_NoMattersOrBlankQuery(t *testing.T) {
	svc := New(&fakeDirectory{}, &fakeSearcher{}, zaptest.NewLogger(t))
	resp, err := svc.Search(context.Background(), uuid.New(), "anything", 0)
	require.NoError(t, err)
	assert.Empty(t, resp.Items)

	m := newMatter("Cheque bounce")
	svc = New(&fakeDirectory{matters: []matter.Matter{m}}, &fakeSearcher{}, zaptest.NewLogger(t))
	resp, err = svc.Search(context.Background(), uuid.New(), "   ", 0)
	require.NoError(t, err)
	assert.Empty(t, resp.Items)
	assert.Equal(t, 1, resp.MattersSearched)
}
