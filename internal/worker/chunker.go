package worker

import (
	"strings"

	"github.com/google/uuid"

	"github.com/matterdock/matterdock-backend/internal/domain/document"
)

const (
	// parentPages is how many consecutive pages one parent chunk spans.
	parentPages = 3

	// childWords bounds a child chunk; children tile their page's words.
	childWords = 250
)

// pageText is one page reassembled from its boxes in reading order.
type pageText struct {
	number int
	words  []string
	boxIDs []uuid.UUID
}

// buildChunks turns merged, document-absolute boxes into the two-tier
// chunk hierarchy: a parent per parentPages-page window, children tiling
// each page in childWords windows. Chunk indexes are dense per tier.
func buildChunks(matterID, documentID uuid.UUID, boxes []document.BoundingBox) ([]*document.Chunk, error) {
	pages := assemblePages(boxes)
	if len(pages) == 0 {
		return nil, nil
	}

	var chunks []*document.Chunk
	parentIdx, childIdx := 0, 0

	for start := 0; start < len(pages); start += parentPages {
		end := start + parentPages
		if end > len(pages) {
			end = len(pages)
		}
		window := pages[start:end]

		var parts []string
		tokens := 0
		for _, p := range window {
			parts = append(parts, strings.Join(p.words, " "))
			tokens += len(p.words)
		}

		parent, err := document.NewParentChunk(matterID, documentID, parentIdx, strings.Join(parts, "\n\n"), tokens)
		if err != nil {
			return nil, err
		}
		first := window[0].number
		parent.PageNumber = &first
		parentIdx++
		chunks = append(chunks, parent)

		for _, p := range window {
			for offset := 0; offset < len(p.words); offset += childWords {
				limit := offset + childWords
				if limit > len(p.words) {
					limit = len(p.words)
				}
				child, err := document.NewChildChunk(parent, childIdx,
					strings.Join(p.words[offset:limit], " "), limit-offset)
				if err != nil {
					return nil, err
				}
				page := p.number
				child.PageNumber = &page
				child.BBoxIDs = append([]uuid.UUID(nil), p.boxIDs[offset:limit]...)
				childIdx++
				chunks = append(chunks, child)
			}
		}
	}

	return chunks, nil
}

// assemblePages groups boxes by page in reading order, skipping empty
// text so chunk content never carries blank words.
func assemblePages(boxes []document.BoundingBox) []pageText {
	byPage := make(map[int]*pageText)
	var order []int
	for _, box := range boxes {
		text := strings.TrimSpace(box.Text)
		if text == "" {
			continue
		}
		p, ok := byPage[box.PageNumber]
		if !ok {
			p = &pageText{number: box.PageNumber}
			byPage[box.PageNumber] = p
			order = append(order, box.PageNumber)
		}
		p.words = append(p.words, text)
		p.boxIDs = append(p.boxIDs, box.ID)
	}

	pages := make([]pageText, 0, len(order))
	for _, n := range order {
		pages = append(pages, *byPage[n])
	}
	return pages
}
