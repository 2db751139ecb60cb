// Package globalsearch fans one query out across every matter the user
// can see and fuses the per-matter rankings into a single list. Matter
// titles that match the query surface first, then fused chunk hits.
package globalsearch

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/matterdock/matterdock-backend/internal/domain/matter"
	"github.com/matterdock/matterdock-backend/internal/service/search"
)

const (
	// PerMatterK is how deep each matter's ranking goes before fusion.
	PerMatterK = 10

	// MaxTitleMatches caps the matter-title section of the response.
	MaxTitleMatches = 5

	// DefaultLimit and MaxLimit bound the chunk-hit section.
	DefaultLimit = 20
	MaxLimit     = 50

	// rrfK is the cross-matter fusion constant, matching the per-matter
	// fusion smoothing.
	rrfK = 60
)

// MatterDirectory lists the matters a user belongs to.
type MatterDirectory interface {
	MattersForUser(ctx context.Context, userID uuid.UUID) ([]matter.Matter, error)
}

// Searcher is the single-matter pipeline each fan-out leg runs.
type Searcher interface {
	Search(ctx context.Context, scope matter.Scope, params search.Params) (*search.Response, error)
}

// Item is one global result: a matter whose title matched, or a chunk
// hit. Chunk items carry the document id so the client can deep-link.
type Item struct {
	Kind        string    `json:"kind"`
	ID          uuid.UUID `json:"id"`
	MatterID    uuid.UUID `json:"matter_id"`
	MatterTitle string    `json:"matter_title"`
	Title       string    `json:"title,omitempty"`
	Snippet     string    `json:"snippet,omitempty"`
	PageNumber  *int      `json:"page_number,omitempty"`
	Score       float64   `json:"score,omitempty"`
}

// Item kinds.
const (
	KindMatter   = "matter"
	KindDocument = "document"
)

// Response is the fused cross-matter outcome.
type Response struct {
	Items []Item `json:"items"`
	// MattersSearched counts the matters whose pipelines ran, including
	// failed ones.
	MattersSearched int `json:"matters_searched"`
	// MattersFailed counts matters dropped because their pipeline errored.
	MattersFailed int `json:"matters_failed"`
}

// Service runs the fan-out.
type Service struct {
	directory MatterDirectory
	searcher  Searcher
	logger    *zap.Logger
}

func New(directory MatterDirectory, searcher Searcher, logger *zap.Logger) *Service {
	return &Service{directory: directory, searcher: searcher, logger: logger}
}

// Search queries every accessible matter in parallel and fuses the
// results. A matter whose pipeline fails is dropped with a warning; the
// rest of the response stands.
func (s *Service) Search(ctx context.Context, userID uuid.UUID, queryText string, limit int) (*Response, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}
	queryText = strings.TrimSpace(queryText)

	matters, err := s.directory.MattersForUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	resp := &Response{Items: []Item{}, MattersSearched: len(matters)}
	if len(matters) == 0 || queryText == "" {
		return resp, nil
	}

	titles := make(map[uuid.UUID]string, len(matters))
	for _, m := range matters {
		titles[m.ID] = m.Title
	}

	resp.Items = append(resp.Items, titleMatches(matters, queryText)...)

	type leg struct {
		matterID uuid.UUID
		results  []search.Result
		err      error
	}
	legs := make([]leg, len(matters))

	var wg sync.WaitGroup
	for i, m := range matters {
		wg.Add(1)
		go func() {
			defer wg.Done()
			scope, err := matter.NewScopeFromIDs(m.ID, userID)
			if err != nil {
				legs[i] = leg{matterID: m.ID, err: err}
				return
			}
			r, err := s.searcher.Search(ctx, scope, search.Params{Query: queryText, Limit: PerMatterK})
			if err != nil {
				legs[i] = leg{matterID: m.ID, err: err}
				return
			}
			legs[i] = leg{matterID: m.ID, results: r.Results}
		}()
	}
	wg.Wait()

	type fused struct {
		item  Item
		score float64
		order int
	}
	byChunk := make(map[uuid.UUID]*fused)
	var keys []uuid.UUID

	for _, l := range legs {
		if l.err != nil {
			resp.MattersFailed++
			s.logger.Warn("matter dropped from global search",
				zap.String("matter_id", l.matterID.String()),
				zap.Error(l.err))
			continue
		}
		for rank, r := range l.results {
			contribution := 1.0 / float64(rrfK+rank+1)
			if f, ok := byChunk[r.ChunkID]; ok {
				f.score += contribution
				continue
			}
			byChunk[r.ChunkID] = &fused{
				item: Item{
					Kind:        KindDocument,
					ID:          r.DocumentID,
					MatterID:    l.matterID,
					MatterTitle: titles[l.matterID],
					Title:       r.DocumentName,
					Snippet:     r.Content,
					PageNumber:  r.PageNumber,
				},
				score: contribution,
				order: len(keys),
			}
			keys = append(keys, r.ChunkID)
		}
	}

	hits := make([]*fused, 0, len(keys))
	for _, k := range keys {
		hits = append(hits, byChunk[k])
	}
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].score != hits[j].score {
			return hits[i].score > hits[j].score
		}
		return hits[i].order < hits[j].order
	})

	if len(hits) > limit {
		hits = hits[:limit]
	}
	for _, h := range hits {
		h.item.Score = h.score
		resp.Items = append(resp.Items, h.item)
	}

	return resp, nil
}

// titleMatches finds matters whose title contains the query, case
// insensitively, preserving directory order and capping at
// MaxTitleMatches.
func titleMatches(matters []matter.Matter, queryText string) []Item {
	needle := strings.ToLower(queryText)
	var items []Item
	for _, m := range matters {
		if !strings.Contains(strings.ToLower(m.Title), needle) {
			continue
		}
		items = append(items, Item{
			Kind:        KindMatter,
			ID:          m.ID,
			MatterID:    m.ID,
			MatterTitle: m.Title,
			Title:       m.Title,
		})
		if len(items) == MaxTitleMatches {
			break
		}
	}
	return items
}
