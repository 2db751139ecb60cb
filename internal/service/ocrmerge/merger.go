// Package ocrmerge reconciles per-chunk OCR output into one
// document-absolute result. Pure computation; no I/O.
package ocrmerge

import (
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/matterdock/matterdock-backend/internal/domain/document"
	"github.com/matterdock/matterdock-backend/internal/domain/errors"
)

// Merger validates chunk results and rewrites chunk-relative pages to
// absolute pages.
type Merger struct {
	logger *zap.Logger
}

func New(logger *zap.Logger) *Merger {
	return &Merger{logger: logger}
}

// Merge combines chunk OCR results for one document. Chunks are sorted by
// chunk_index first, so the outcome does not depend on completion order.
//
// For the chunk at position i, page_offset is the sum of the page counts
// of chunks 0..i-1; every box page becomes relative_page + page_offset.
func (m *Merger) Merge(documentID string, chunks []document.ChunkOCRResult) (*document.MergedOCRResult, error) {
	if len(chunks) == 0 {
		return nil, errors.NewPageRangeInvalid("no chunk results to merge")
	}

	sorted := make([]document.ChunkOCRResult, len(chunks))
	copy(sorted, chunks)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ChunkIndex < sorted[j].ChunkIndex })

	if err := validateChunks(sorted); err != nil {
		return nil, err
	}

	totalPages := 0
	expectedBoxes := 0
	var weightedConf float64

	merged := &document.MergedOCRResult{DocumentID: documentID}
	for _, chunk := range sorted {
		offset := totalPages
		for _, box := range chunk.Boxes {
			absolute := box
			absolute.PageNumber = box.PageNumber + offset
			merged.Boxes = append(merged.Boxes, absolute)
		}

		pages := chunk.PageCount()
		weightedConf += chunk.Confidence * float64(pages)
		totalPages += pages
		expectedBoxes += len(chunk.Boxes)
	}

	merged.PageCount = totalPages
	if totalPages > 0 {
		merged.Confidence = weightedConf / float64(totalPages)
	}

	if len(merged.Boxes) != expectedBoxes {
		return nil, errors.NewBBoxCountMismatch(expectedBoxes, len(merged.Boxes))
	}
	merged.Warnings = postMergeWarnings(merged)

	m.logger.Info("merged chunk OCR results",
		zap.String("document_id", documentID),
		zap.Int("chunks", len(sorted)),
		zap.Int("pages", merged.PageCount),
		zap.Int("boxes", len(merged.Boxes)),
		zap.Float64("confidence", merged.Confidence),
		zap.Strings("warnings", merged.Warnings))

	return merged, nil
}

// validateChunks enforces the structural contract before any page math.
// Every failure is fatal; a violated precondition here means the splitter
// and the OCR fan-out disagree about the document.
func validateChunks(sorted []document.ChunkOCRResult) error {
	for i, chunk := range sorted {
		if chunk.ChunkIndex != i {
			return errors.NewPageRangeInvalid(
				fmt.Sprintf("chunk indices must be dense 0..%d, found %d at position %d", len(sorted)-1, chunk.ChunkIndex, i))
		}
		if chunk.PageStart < 1 || chunk.PageEnd < 1 {
			return errors.NewPageRangeInvalid(
				fmt.Sprintf("chunk %d has non-positive page range %d..%d", i, chunk.PageStart, chunk.PageEnd))
		}
		if chunk.PageStart > chunk.PageEnd {
			return errors.NewPageRangeInvalid(
				fmt.Sprintf("chunk %d has inverted page range %d..%d", i, chunk.PageStart, chunk.PageEnd))
		}
		if i == 0 && chunk.PageStart != 1 {
			return errors.NewPageRangeInvalid(
				fmt.Sprintf("first chunk must start at page 1, got %d", chunk.PageStart))
		}
		if i > 0 && chunk.PageStart != sorted[i-1].PageEnd+1 {
			return errors.NewPageRangeInvalid(
				fmt.Sprintf("chunk %d starts at page %d, expected %d", i, chunk.PageStart, sorted[i-1].PageEnd+1))
		}

		if chunk.Checksum != "" && chunk.Checksum != chunk.ComputeChecksum() {
			return errors.NewChecksumMismatch(chunk.ChunkIndex)
		}

		for _, box := range chunk.Boxes {
			if box.PageNumber < 1 || box.PageNumber > chunk.PageCount() {
				return errors.NewPageRangeInvalid(
					fmt.Sprintf("chunk %d box references relative page %d outside 1..%d", i, box.PageNumber, chunk.PageCount()))
			}
		}
	}
	return nil
}

const emptyPageWarnRatio = 0.10

func postMergeWarnings(merged *document.MergedOCRResult) []string {
	var warnings []string

	covered := make(map[int]bool, merged.PageCount)
	orderSeen := make(map[int]map[int]bool)
	duplicatePages := map[int]bool{}

	for _, box := range merged.Boxes {
		covered[box.PageNumber] = true
		if orderSeen[box.PageNumber] == nil {
			orderSeen[box.PageNumber] = make(map[int]bool)
		}
		if orderSeen[box.PageNumber][box.ReadingOrderIndex] {
			duplicatePages[box.PageNumber] = true
		}
		orderSeen[box.PageNumber][box.ReadingOrderIndex] = true
	}

	if merged.PageCount > 0 {
		empty := merged.PageCount - len(covered)
		if float64(empty)/float64(merged.PageCount) > emptyPageWarnRatio {
			warnings = append(warnings,
				fmt.Sprintf("%d of %d pages have no bounding boxes", empty, merged.PageCount))
		}
	}

	if len(duplicatePages) > 0 {
		pages := make([]int, 0, len(duplicatePages))
		for p := range duplicatePages {
			pages = append(pages, p)
		}
		sort.Ints(pages)
		warnings = append(warnings,
			fmt.Sprintf("duplicate reading_order_index values on pages %v", pages))
	}

	return warnings
}
