package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/matterdock/matterdock-backend/internal/domain/citation"
	"github.com/matterdock/matterdock-backend/internal/domain/entity"
	"github.com/matterdock/matterdock-backend/internal/domain/matter"
	"github.com/matterdock/matterdock-backend/internal/domain/session"
	"github.com/matterdock/matterdock-backend/internal/domain/timeline"
	"github.com/matterdock/matterdock-backend/internal/service/search"
)

// Fan-out leg names, stable across releases because clients key traces
// on them.
const (
	EngineHybridSearch = "hybrid_search"
	EngineTimeline     = "timeline"
	EngineEntityGraph  = "entity_graph"
	EngineCitations    = "citations"
)

// legFindingCap bounds how much each leg contributes to the composition
// prompt.
const legFindingCap = 5

// Searcher is the hybrid retrieval surface the search leg runs on.
type Searcher interface {
	Search(ctx context.Context, scope matter.Scope, params search.Params) (*search.Response, error)
}

// SearchLeg adapts hybrid search to the fan-out.
type SearchLeg struct {
	searcher Searcher
	limit    int
}

func NewSearchLeg(searcher Searcher, limit int) *SearchLeg {
	if limit <= 0 {
		limit = legFindingCap
	}
	return &SearchLeg{searcher: searcher, limit: limit}
}

func (l *SearchLeg) Name() string { return EngineHybridSearch }

func (l *SearchLeg) Run(ctx context.Context, scope matter.Scope, queryText string, _ *session.Session) (*EngineOutput, error) {
	resp, err := l.searcher.Search(ctx, scope, search.Params{Query: queryText, Limit: l.limit})
	if err != nil {
		return nil, err
	}
	if len(resp.Results) == 0 {
		return &EngineOutput{}, nil
	}

	var b strings.Builder
	sources := make([]SourceRef, 0, len(resp.Results))
	for _, res := range resp.Results {
		fmt.Fprintf(&b, "From %s: %s\n", res.DocumentName, snippet(res.Content))
		sources = append(sources, SourceRef{
			DocumentID:   res.DocumentID,
			DocumentName: res.DocumentName,
			PageNumber:   res.PageNumber,
			Snippet:      snippet(res.Content),
		})
	}

	return &EngineOutput{
		Summary:    b.String(),
		Findings:   len(resp.Results),
		Confidence: 75,
		Sources:    sources,
	}, nil
}

// TimelineSource reads the matter's extracted chronology.
type TimelineSource interface {
	EventsByMatter(ctx context.Context, scope matter.Scope) ([]timeline.Event, error)
}

// TimelineLeg surfaces chronology events whose text overlaps the query.
type TimelineLeg struct {
	events TimelineSource
}

func NewTimelineLeg(events TimelineSource) *TimelineLeg {
	return &TimelineLeg{events: events}
}

func (l *TimelineLeg) Name() string { return EngineTimeline }

func (l *TimelineLeg) Run(ctx context.Context, scope matter.Scope, queryText string, _ *session.Session) (*EngineOutput, error) {
	events, err := l.events.EventsByMatter(ctx, scope)
	if err != nil {
		return nil, err
	}

	terms := queryTerms(queryText)
	var matched []timeline.Event
	for _, ev := range events {
		if overlaps(terms, ev.Description+" "+ev.EventType) {
			matched = append(matched, ev)
		}
	}
	if len(matched) == 0 {
		return &EngineOutput{}, nil
	}

	var b strings.Builder
	var confSum float64
	sources := make([]SourceRef, 0, min(len(matched), legFindingCap))
	for i, ev := range matched {
		confSum += ev.Confidence
		if i >= legFindingCap {
			continue
		}
		fmt.Fprintf(&b, "%s (%s): %s\n", ev.EventDate.Format("2006-01-02"), ev.EventDateText, ev.Description)
		sources = append(sources, SourceRef{
			DocumentID: ev.DocumentID,
			PageNumber: ev.SourcePage,
			Snippet:    snippet(ev.Description),
		})
	}

	return &EngineOutput{
		Summary:    b.String(),
		Findings:   len(matched),
		Confidence: confSum / float64(len(matched)) * 100,
		Sources:    sources,
	}, nil
}

// GraphSource reads the matter's entity graph.
type GraphSource interface {
	GraphByMatter(ctx context.Context, scope matter.Scope) ([]entity.Entity, []entity.Relationship, error)
}

// EntityLeg surfaces entities the query names, with their relationships.
type EntityLeg struct {
	graph GraphSource
}

func NewEntityLeg(graph GraphSource) *EntityLeg {
	return &EntityLeg{graph: graph}
}

func (l *EntityLeg) Name() string { return EngineEntityGraph }

func (l *EntityLeg) Run(ctx context.Context, scope matter.Scope, queryText string, _ *session.Session) (*EngineOutput, error) {
	entities, relationships, err := l.graph.GraphByMatter(ctx, scope)
	if err != nil {
		return nil, err
	}

	lowered := strings.ToLower(queryText)
	byID := make(map[string]entity.Entity, len(entities))
	var matched []entity.Entity
	for _, e := range entities {
		byID[e.ID.String()] = e
		if entityNamed(e, lowered) {
			matched = append(matched, e)
		}
	}
	if len(matched) == 0 {
		return &EngineOutput{}, nil
	}

	matchedIDs := make(map[string]bool, len(matched))
	for _, e := range matched {
		matchedIDs[e.ID.String()] = true
	}

	var b strings.Builder
	for i, e := range matched {
		if i >= legFindingCap {
			break
		}
		fmt.Fprintf(&b, "%s is a %s mentioned %d times in this matter.\n",
			e.CanonicalName, e.Type.String(), e.MentionCount)
	}
	for _, rel := range relationships {
		if !matchedIDs[rel.FromEntityID.String()] && !matchedIDs[rel.ToEntityID.String()] {
			continue
		}
		from, okFrom := byID[rel.FromEntityID.String()]
		to, okTo := byID[rel.ToEntityID.String()]
		if !okFrom || !okTo {
			continue
		}
		fmt.Fprintf(&b, "%s %s %s.\n", from.CanonicalName, strings.ToLower(rel.Type), to.CanonicalName)
	}

	return &EngineOutput{
		Summary:    b.String(),
		Findings:   len(matched),
		Confidence: 80,
	}, nil
}

// CitationSource reads extracted statutory citations.
type CitationSource interface {
	ListByMatter(ctx context.Context, scope matter.Scope, status *citation.VerificationStatus) ([]*citation.ExtractedCitation, error)
}

// CitationLeg surfaces citations whose act name the query mentions.
type CitationLeg struct {
	citations CitationSource
}

func NewCitationLeg(citations CitationSource) *CitationLeg {
	return &CitationLeg{citations: citations}
}

func (l *CitationLeg) Name() string { return EngineCitations }

func (l *CitationLeg) Run(ctx context.Context, scope matter.Scope, queryText string, _ *session.Session) (*EngineOutput, error) {
	citations, err := l.citations.ListByMatter(ctx, scope, nil)
	if err != nil {
		return nil, err
	}

	lowered := strings.ToLower(queryText)
	var matched []*citation.ExtractedCitation
	for _, c := range citations {
		act := c.CanonicalActName
		if act == "" {
			act = c.ActName
		}
		if act != "" && strings.Contains(lowered, strings.ToLower(act)) {
			matched = append(matched, c)
		}
	}
	if len(matched) == 0 {
		return &EngineOutput{}, nil
	}

	var b strings.Builder
	var confSum float64
	sources := make([]SourceRef, 0, min(len(matched), legFindingCap))
	for i, c := range matched {
		confSum += c.Confidence
		if i >= legFindingCap {
			continue
		}
		fmt.Fprintf(&b, "Section %s of %s is cited (%s): %s\n",
			c.Section, c.ActName, c.Status.String(), snippet(c.RawText))
		sources = append(sources, SourceRef{
			DocumentID: c.SourceDocumentID,
			PageNumber: c.PageNumber,
			Snippet:    snippet(c.RawText),
		})
	}

	return &EngineOutput{
		Summary:    b.String(),
		Findings:   len(matched),
		Confidence: confSum / float64(len(matched)) * 100,
		Sources:    sources,
	}, nil
}

const snippetLen = 200

func snippet(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= snippetLen {
		return s
	}
	return s[:snippetLen]
}

// queryTerms drops short stop-ish words so overlap matching keys on the
// substantive terms.
func queryTerms(queryText string) []string {
	var terms []string
	for _, w := range strings.Fields(strings.ToLower(queryText)) {
		w = strings.Trim(w, ".,;:?!\"'()")
		if len(w) >= 4 {
			terms = append(terms, w)
		}
	}
	return terms
}

func overlaps(terms []string, text string) bool {
	lowered := strings.ToLower(text)
	for _, term := range terms {
		if strings.Contains(lowered, term) {
			return true
		}
	}
	return false
}

func entityNamed(e entity.Entity, loweredQuery string) bool {
	if strings.Contains(loweredQuery, strings.ToLower(e.CanonicalName)) {
		return true
	}
	for _, alias := range e.Aliases {
		if alias != "" && strings.Contains(loweredQuery, strings.ToLower(alias)) {
			return true
		}
	}
	return false
}
