// Package timeline extracts dated events from document chunks and links
// them to the matter's entity graph.
package timeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/matterdock/matterdock-backend/internal/domain/document"
	"github.com/matterdock/matterdock-backend/internal/domain/errors"
	"github.com/matterdock/matterdock-backend/internal/domain/matter"
	"github.com/matterdock/matterdock-backend/internal/domain/timeline"
	"github.com/matterdock/matterdock-backend/internal/ports"
)

// DefaultLinkWorkers bounds the entity-linking fan-out.
const DefaultLinkWorkers = 10

// EntityResolver maps a mention name to a stored entity within the
// matter. Returns ITEM_NOT_FOUND for names the graph does not know.
type EntityResolver interface {
	ResolveEntity(ctx context.Context, scope matter.Scope, name string) (uuid.UUID, error)
}

// Extractor runs the per-chunk model call and the linking pass.
type Extractor struct {
	llm         ports.LLM
	resolver    EntityResolver
	logger      *zap.Logger
	linkWorkers int
}

func New(llm ports.LLM, resolver EntityResolver, logger *zap.Logger) *Extractor {
	return &Extractor{llm: llm, resolver: resolver, logger: logger, linkWorkers: DefaultLinkWorkers}
}

// WithLinkWorkers overrides the linking pool size.
func (e *Extractor) WithLinkWorkers(n int) *Extractor {
	if n > 0 {
		e.linkWorkers = n
	}
	return e
}

type modelDate struct {
	Date            string   `json:"date"`
	Precision       string   `json:"precision"`
	DateText        string   `json:"date_text"`
	EventType       string   `json:"event_type"`
	Description     string   `json:"description"`
	Confidence      float64  `json:"confidence"`
	ContextBefore   string   `json:"context_before,omitempty"`
	ContextAfter    string   `json:"context_after,omitempty"`
	IsAmbiguous     bool     `json:"is_ambiguous"`
	AmbiguityReason string   `json:"ambiguity_reason,omitempty"`
	Entities        []string `json:"entities,omitempty"`
}

const dateSchema = `{"type":"object","properties":{"dates":{"type":"array","items":{"type":"object","properties":{"date":{"type":"string"},"precision":{"type":"string","enum":["day","month","year","unknown"]},"date_text":{"type":"string"},"event_type":{"type":"string"},"description":{"type":"string"},"confidence":{"type":"number"},"context_before":{"type":"string"},"context_after":{"type":"string"},"is_ambiguous":{"type":"boolean"},"ambiguity_reason":{"type":"string"},"entities":{"type":"array","items":{"type":"string"}}},"required":["date","precision","date_text","description"]}}},"required":["dates"]}`

// ExtractChunk pulls the chunk's dated events. Unparseable dates are
// dropped with a warning rather than failing the chunk.
func (e *Extractor) ExtractChunk(ctx context.Context, scope matter.Scope, chunk *document.Chunk) ([]timeline.Event, error) {
	if strings.TrimSpace(chunk.Content) == "" {
		return nil, nil
	}

	prompt := fmt.Sprintf(
		"Extract every dated event from this legal text. For each, give the date in "+
			"ISO form at the stated precision (day: YYYY-MM-DD, month: YYYY-MM, year: "+
			"YYYY), the original date text, an event_type label, a one-line "+
			"description, the surrounding context, the entities involved, and a "+
			"confidence from 0 to 1. Mark dates whose reading is uncertain (such as "+
			"DD/MM vs MM/DD) as is_ambiguous with a reason.\n\n%s", chunk.Content)

	raw, err := e.llm.Generate(ctx, prompt, dateSchema)
	if err != nil {
		return nil, errors.NewExternalError("llm", "timeline extraction failed").WithCause(err)
	}

	parsed, err := parseDates(raw)
	if err != nil {
		return nil, errors.NewExternalError("llm", "timeline extraction returned malformed JSON").WithCause(err)
	}

	var events []timeline.Event
	for _, md := range parsed {
		precision, err := timeline.ParseDatePrecision(md.Precision)
		if err != nil {
			precision = timeline.PrecisionUnknown
		}
		date, err := parseEventDate(md.Date, precision)
		if err != nil {
			e.logger.Warn("dropped event with unparseable date",
				zap.String("date", md.Date), zap.String("precision", md.Precision))
			continue
		}

		events = append(events, timeline.Event{
			ID:              uuid.New(),
			MatterID:        scope.MatterID,
			DocumentID:      chunk.DocumentID,
			EventDate:       date,
			DatePrecision:   precision,
			EventDateText:   md.DateText,
			EventType:       md.EventType,
			Description:     md.Description,
			Confidence:      md.Confidence,
			SourcePage:      chunk.PageNumber,
			SourceBBoxIDs:   chunk.BBoxIDs,
			IsAmbiguous:     md.IsAmbiguous,
			AmbiguityReason: md.AmbiguityReason,
			CreatedAt:       time.Now(),
		})
	}

	if err := e.linkEntities(ctx, scope, events, parsed); err != nil {
		return nil, err
	}
	return events, nil
}

// linkEntities resolves each event's mention names against the entity
// graph on a bounded worker pool. Unknown names are skipped; resolution
// order within an event is preserved.
func (e *Extractor) linkEntities(ctx context.Context, scope matter.Scope, events []timeline.Event, parsed []modelDate) error {
	if e.resolver == nil {
		return nil
	}

	// parsed and events diverge when dates are dropped; rebuild the
	// pairing by walking both in order.
	type linkJob struct {
		event *timeline.Event
		names []string
	}
	var jobs []linkJob
	i := 0
	for _, md := range parsed {
		if i >= len(events) {
			break
		}
		if events[i].EventDateText != md.DateText {
			continue
		}
		if len(md.Entities) > 0 {
			jobs = append(jobs, linkJob{event: &events[i], names: md.Entities})
		}
		i++
	}

	var mu sync.Mutex
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(e.linkWorkers)

	for _, job := range jobs {
		g.Go(func() error {
			ids := make([]uuid.UUID, 0, len(job.names))
			for _, name := range job.names {
				id, err := e.resolver.ResolveEntity(ctx, scope, name)
				if err != nil {
					if errors.IsCode(err, errors.CodeItemNotFound) {
						continue
					}
					return err
				}
				ids = append(ids, id)
			}
			mu.Lock()
			job.event.Entities = ids
			mu.Unlock()
			return nil
		})
	}
	return g.Wait()
}

func parseDates(raw string) ([]modelDate, error) {
	cleaned := strings.TrimSpace(raw)
	cleaned = strings.TrimPrefix(cleaned, "```json")
	cleaned = strings.TrimPrefix(cleaned, "```")
	cleaned = strings.TrimSuffix(cleaned, "```")

	var wrapped struct {
		Dates []modelDate `json:"dates"`
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(cleaned)), &wrapped); err != nil {
		return nil, err
	}
	return wrapped.Dates, nil
}

func parseEventDate(raw string, precision timeline.DatePrecision) (time.Time, error) {
	layouts := []string{"2006-01-02", "2006-01", "2006"}
	switch precision {
	case timeline.PrecisionMonth:
		layouts = []string{"2006-01", "2006-01-02", "2006"}
	case timeline.PrecisionYear:
		layouts = []string{"2006", "2006-01", "2006-01-02"}
	}
	var lastErr error
	for _, layout := range layouts {
		t, err := time.Parse(layout, strings.TrimSpace(raw))
		if err == nil {
			return t, nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}
