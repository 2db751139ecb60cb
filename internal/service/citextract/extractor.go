// Package citextract finds statutory references in document text with a
// regex prepass plus a model pass, merged on (normalized act, section).
package citextract

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/matterdock/matterdock-backend/internal/domain/citation"
	"github.com/matterdock/matterdock-backend/internal/ports"
)

// RegexConfidence is assigned to citations found only by the prepass. The
// model reports its own confidence on the same 0..100 scale.
const RegexConfidence = 75

// Source identifies where the text being scanned came from, for
// provenance on every extracted citation.
type Source struct {
	MatterID   uuid.UUID
	DocumentID uuid.UUID
	ChunkID    *uuid.UUID
	PageNumber *int
}

// Extractor runs both passes and merges their output.
type Extractor struct {
	llm    ports.LLM
	logger *zap.Logger
}

func New(llm ports.LLM, logger *zap.Logger) *Extractor {
	return &Extractor{llm: llm, logger: logger}
}

// Extract scans text for citations. Blank input short-circuits without a
// model call. A model failure degrades to the regex results alone.
func (e *Extractor) Extract(ctx context.Context, src Source, text string) ([]*citation.ExtractedCitation, error) {
	if strings.TrimSpace(text) == "" {
		return []*citation.ExtractedCitation{}, nil
	}

	fromRegex := extractRegex(src, text)

	fromModel, err := e.extractModel(ctx, src, text)
	if err != nil {
		e.logger.Warn("model citation pass failed, keeping regex results",
			zap.String("document_id", src.DocumentID.String()),
			zap.Int("regex_citations", len(fromRegex)),
			zap.Error(err))
		fromModel = nil
	}

	merged := merge(fromRegex, fromModel)
	e.logger.Debug("extracted citations",
		zap.String("document_id", src.DocumentID.String()),
		zap.Int("regex", len(fromRegex)),
		zap.Int("model", len(fromModel)),
		zap.Int("merged", len(merged)))
	return merged, nil
}

// merge deduplicates on (normalized act, section). When both passes found
// the same pair the model record wins; its quoted text is richer.
func merge(fromRegex, fromModel []*citation.ExtractedCitation) []*citation.ExtractedCitation {
	seen := make(map[string]int)
	var out []*citation.ExtractedCitation

	for _, c := range fromRegex {
		key := c.DedupeKey()
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = len(out)
		out = append(out, c)
	}
	for _, c := range fromModel {
		key := c.DedupeKey()
		if i, dup := seen[key]; dup {
			out[i] = c
			continue
		}
		seen[key] = len(out)
		out = append(out, c)
	}
	return out
}

// Act names end in Act or Code with an optional year, or are one of the
// bare code acronyms.
const actExpr = `((?:[A-Z][\w.()&'-]*[ ,]+)*(?:Act|Code)(?:[, ]+\d{4})?|IPC|CrPC|Cr\.P\.C\.?|CPC)`

// Section numbers like 138, 34A, with optional (1)(b) qualifiers.
const sectionExpr = `(\d+[A-Za-z]?)((?:\s*\([0-9A-Za-z]{1,3}\))*)`

var citationPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bsections?\s+` + sectionExpr + `\s+of\s+(?:the\s+)?` + actExpr),
	regexp.MustCompile(`(?i)\bu/s\.?\s*` + sectionExpr + `[ ,]+(?:of\s+)?(?:the\s+)?` + actExpr),
	regexp.MustCompile(`\bS\.\s*` + sectionExpr + `[ ,]+(?:of\s+)?(?:the\s+)?` + actExpr),
}

var qualifierExpr = regexp.MustCompile(`\(([0-9A-Za-z]{1,3})\)`)

func extractRegex(src Source, text string) []*citation.ExtractedCitation {
	var out []*citation.ExtractedCitation
	for _, pattern := range citationPatterns {
		for _, m := range pattern.FindAllStringSubmatch(text, -1) {
			raw, section, qualifiers, act := m[0], m[1], m[2], strings.TrimSpace(m[3])
			if act == "" || section == "" {
				continue
			}

			c := &citation.ExtractedCitation{
				ID:               uuid.New(),
				MatterID:         src.MatterID,
				ActName:          act,
				CanonicalActName: citation.CanonicalActName(act),
				Section:          section,
				RawText:          strings.TrimSpace(raw),
				Confidence:       RegexConfidence,
				Status:           citation.StatusPending,
				SourceDocumentID: src.DocumentID,
				SourceChunkID:    src.ChunkID,
				PageNumber:       src.PageNumber,
				CreatedAt:        time.Now(),
			}
			c.Subsection, c.Clause = splitQualifiers(qualifiers)
			out = append(out, c)
		}
	}
	return out
}

// splitQualifiers reads "(1)(b)" style suffixes. A numeric group is the
// subsection, a short alphabetic group the clause.
func splitQualifiers(qualifiers string) (subsection, clause string) {
	for _, m := range qualifierExpr.FindAllStringSubmatch(qualifiers, -1) {
		g := m[1]
		if g[0] >= '0' && g[0] <= '9' {
			if subsection == "" {
				subsection = g
			}
			continue
		}
		if clause == "" {
			clause = g
		}
	}
	return subsection, clause
}

type modelCitation struct {
	ActName       string  `json:"act_name"`
	CanonicalName string  `json:"canonical_name,omitempty"`
	Section       string  `json:"section"`
	Subsection    string  `json:"subsection,omitempty"`
	Clause        string  `json:"clause,omitempty"`
	RawText       string  `json:"raw_text"`
	QuotedText    string  `json:"quoted_text,omitempty"`
	Confidence    float64 `json:"confidence"`
}

const citationSchema = `{"type":"array","items":{"type":"object","properties":{"act_name":{"type":"string"},"canonical_name":{"type":"string"},"section":{"type":"string"},"subsection":{"type":"string"},"clause":{"type":"string"},"raw_text":{"type":"string"},"quoted_text":{"type":"string"},"confidence":{"type":"number"}},"required":["act_name","section","raw_text"]}}`

func (e *Extractor) extractModel(ctx context.Context, src Source, text string) ([]*citation.ExtractedCitation, error) {
	prompt := fmt.Sprintf(
		"Extract every statutory citation from this legal text. For each, return "+
			"act_name, canonical_name if you can resolve an abbreviation, section, "+
			"subsection and clause when present, the raw_text of the reference, any "+
			"quoted_text of the provision, and a confidence from 0 to 100. Respond "+
			"with a JSON array only.\n\n%s", text)

	raw, err := e.llm.Generate(ctx, prompt, citationSchema)
	if err != nil {
		return nil, err
	}

	parsed, err := parseModelCitations(raw)
	if err != nil {
		return nil, err
	}

	var out []*citation.ExtractedCitation
	for _, mc := range parsed {
		if strings.TrimSpace(mc.ActName) == "" || strings.TrimSpace(mc.Section) == "" {
			continue
		}
		canonical := mc.CanonicalName
		if canonical == "" {
			canonical = citation.CanonicalActName(mc.ActName)
		}
		conf := mc.Confidence
		if conf < 0 {
			conf = 0
		}
		if conf > 100 {
			conf = 100
		}
		out = append(out, &citation.ExtractedCitation{
			ID:               uuid.New(),
			MatterID:         src.MatterID,
			ActName:          strings.TrimSpace(mc.ActName),
			CanonicalActName: canonical,
			Section:          strings.TrimSpace(mc.Section),
			Subsection:       mc.Subsection,
			Clause:           mc.Clause,
			RawText:          mc.RawText,
			QuotedText:       mc.QuotedText,
			Confidence:       conf,
			Status:           citation.StatusPending,
			SourceDocumentID: src.DocumentID,
			SourceChunkID:    src.ChunkID,
			PageNumber:       src.PageNumber,
			CreatedAt:        time.Now(),
		})
	}
	return out, nil
}

func parseModelCitations(raw string) ([]modelCitation, error) {
	cleaned := strings.TrimSpace(raw)
	cleaned = strings.TrimPrefix(cleaned, "```json")
	cleaned = strings.TrimPrefix(cleaned, "```")
	cleaned = strings.TrimSuffix(cleaned, "```")
	cleaned = strings.TrimSpace(cleaned)

	var direct []modelCitation
	if err := json.Unmarshal([]byte(cleaned), &direct); err == nil {
		return direct, nil
	}

	var wrapped struct {
		Citations []modelCitation `json:"citations"`
	}
	if err := json.Unmarshal([]byte(cleaned), &wrapped); err != nil {
		return nil, err
	}
	return wrapped.Citations, nil
}

// ActSummary aggregates the distinct acts a citation list references.
type ActSummary struct {
	Normalized string `json:"act_name_normalized"`
	Display    string `json:"act_name_display"`
	Count      int    `json:"citation_count"`
}

// UniqueActs folds citations into one summary per normalized act name,
// preserving first-appearance order. Feed for the act-resolution rows.
func UniqueActs(citations []*citation.ExtractedCitation) []ActSummary {
	index := make(map[string]int)
	var out []ActSummary
	for _, c := range citations {
		normalized := citation.NormalizeActName(c.ActName)
		if i, ok := index[normalized]; ok {
			out[i].Count++
			continue
		}
		display := c.CanonicalActName
		if display == "" {
			display = citation.CanonicalActName(c.ActName)
		}
		index[normalized] = len(out)
		out = append(out, ActSummary{Normalized: normalized, Display: display, Count: 1})
	}
	return out
}
