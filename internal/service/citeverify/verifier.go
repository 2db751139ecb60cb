// Package citeverify checks extracted citations against the uploaded
// statute's OCR text and runs the per-act verification batches.
package citeverify

import (
	"context"
	"regexp"
	"sort"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/matterdock/matterdock-backend/internal/domain/citation"
	"github.com/matterdock/matterdock-backend/internal/domain/document"
	"github.com/matterdock/matterdock-backend/internal/domain/matter"
)

// VerifiedThreshold is the minimum quoted-text similarity for a verified
// outcome; anything below it with a located section is a mismatch.
const VerifiedThreshold = 0.80

// sectionWindow bounds how much statute text after the heading the quote
// is matched against.
const sectionWindow = 4000

// BoxSource provides a document's OCR layout in reading order.
type BoxSource interface {
	BoxesByDocument(ctx context.Context, scope matter.Scope, documentID uuid.UUID) ([]document.BoundingBox, error)
}

// Verifier matches one citation against one act document.
type Verifier struct {
	boxes  BoxSource
	logger *zap.Logger
}

func NewVerifier(boxes BoxSource, logger *zap.Logger) *Verifier {
	return &Verifier{boxes: boxes, logger: logger}
}

// Verify locates the cited section in the act document and scores the
// citation's quoted text against it. A missing section is
// section_not_found; a located section with a weak quote match is a
// mismatch. A citation with no quoted text verifies on the section
// heading alone.
func (v *Verifier) Verify(ctx context.Context, scope matter.Scope, c *citation.ExtractedCitation, actDocumentID uuid.UUID) (citation.VerificationResult, error) {
	boxes, err := v.boxes.BoxesByDocument(ctx, scope, actDocumentID)
	if err != nil {
		return citation.VerificationResult{}, err
	}

	doc := assemble(boxes)
	start, end := doc.findSection(c.Section)
	if start < 0 {
		return citation.VerificationResult{Status: citation.StatusSectionNotFound}, nil
	}

	page := doc.pageAt(start)
	result := citation.VerificationResult{
		Status:     citation.StatusVerified,
		TargetPage: &page,
	}

	if strings.TrimSpace(c.QuotedText) == "" {
		result.SimilarityScore = 1.0
		result.TargetBBoxIDs = doc.boxIDsIn(start, end, 1)
		return result, nil
	}

	sectionText := doc.text[start:end]
	result.SimilarityScore = tokenContainment(c.QuotedText, sectionText)
	if result.SimilarityScore < VerifiedThreshold {
		result.Status = citation.StatusMismatch
	}
	result.TargetBBoxIDs = doc.boxIDsMatching(start, end, c.QuotedText)
	return result, nil
}

// assembled is the act's flat text with enough bookkeeping to map a text
// offset back to its page and boxes.
type assembled struct {
	text  string
	spans []boxSpan
}

type boxSpan struct {
	start, end int
	page       int
	id         uuid.UUID
	text       string
}

func assemble(boxes []document.BoundingBox) *assembled {
	ordered := make([]document.BoundingBox, len(boxes))
	copy(ordered, boxes)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].PageNumber != ordered[j].PageNumber {
			return ordered[i].PageNumber < ordered[j].PageNumber
		}
		return ordered[i].ReadingOrderIndex < ordered[j].ReadingOrderIndex
	})

	var b strings.Builder
	doc := &assembled{}
	for _, box := range ordered {
		start := b.Len()
		b.WriteString(box.Text)
		doc.spans = append(doc.spans, boxSpan{
			start: start,
			end:   b.Len(),
			page:  box.PageNumber,
			id:    box.ID,
			text:  box.Text,
		})
		b.WriteByte(' ')
	}
	doc.text = b.String()
	return doc
}

// findSection returns the [start, end) window of the cited section, or
// start < 0 when the heading cannot be located. It prefers an explicit
// "Section N" heading and falls back to the bare "N." form statutes use.
func (doc *assembled) findSection(section string) (int, int) {
	quoted := regexp.QuoteMeta(section)
	for _, p := range []*regexp.Regexp{
		regexp.MustCompile(`(?i)\bsection\s+` + quoted + `\b`),
		regexp.MustCompile(`(^|[\s(])` + quoted + `[.)—:]`),
	} {
		if loc := p.FindStringIndex(doc.text); loc != nil {
			end := loc[0] + sectionWindow
			if end > len(doc.text) {
				end = len(doc.text)
			}
			return loc[0], end
		}
	}
	return -1, -1
}

func (doc *assembled) pageAt(offset int) int {
	for _, s := range doc.spans {
		if offset < s.end {
			return s.page
		}
	}
	if n := len(doc.spans); n > 0 {
		return doc.spans[n-1].page
	}
	return 1
}

// boxIDsIn returns the IDs of the first maxBoxes boxes overlapping the
// window.
func (doc *assembled) boxIDsIn(start, end, maxBoxes int) []uuid.UUID {
	var ids []uuid.UUID
	for _, s := range doc.spans {
		if s.end <= start || s.start >= end {
			continue
		}
		ids = append(ids, s.id)
		if len(ids) >= maxBoxes {
			break
		}
	}
	return ids
}

// boxIDsMatching returns the window's boxes whose text appears in the
// quote, anchoring the quote to layout rectangles.
func (doc *assembled) boxIDsMatching(start, end int, quote string) []uuid.UUID {
	quoteTokens := tokenSet(quote)
	var ids []uuid.UUID
	for _, s := range doc.spans {
		if s.end <= start || s.start >= end {
			continue
		}
		for token := range tokenSet(s.text) {
			if quoteTokens[token] {
				ids = append(ids, s.id)
				break
			}
		}
	}
	return ids
}

var tokenPattern = regexp.MustCompile(`[\p{L}\d]+`)

func tokenSet(text string) map[string]bool {
	set := make(map[string]bool)
	for _, t := range tokenPattern.FindAllString(strings.ToLower(text), -1) {
		set[t] = true
	}
	return set
}

// tokenContainment is the fraction of the quote's distinct tokens found
// in the section text. OCR noise in the statute lowers it gracefully
// instead of failing an exact substring match.
func tokenContainment(quote, sectionText string) float64 {
	quoteTokens := tokenSet(quote)
	if len(quoteTokens) == 0 {
		return 0
	}
	sectionTokens := tokenSet(sectionText)
	found := 0
	for t := range quoteTokens {
		if sectionTokens[t] {
			found++
		}
	}
	return float64(found) / float64(len(quoteTokens))
}
