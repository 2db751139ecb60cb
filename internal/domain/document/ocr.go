package document

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// ChunkOCRResult is the OCR engine's output for one page-range chunk.
// Bounding box page numbers are chunk-relative (1-based); the merger
// rewrites them to document-absolute pages.
type ChunkOCRResult struct {
	ChunkIndex int           `json:"chunk_index"`
	PageStart  int           `json:"page_start"`
	PageEnd    int           `json:"page_end"`
	Boxes      []BoundingBox `json:"boxes"`
	Confidence float64       `json:"confidence"`
	Checksum   string        `json:"checksum,omitempty"`
}

// PageCount is the number of source pages the chunk covers.
func (r ChunkOCRResult) PageCount() int {
	return r.PageEnd - r.PageStart + 1
}

// ComputeChecksum fingerprints the chunk's structural identity. First 16
// hex characters of SHA-256 over "index:start:end:bbox_count".
func (r ChunkOCRResult) ComputeChecksum() string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%d:%d:%d:%d", r.ChunkIndex, r.PageStart, r.PageEnd, len(r.Boxes))))
	return hex.EncodeToString(sum[:])[:16]
}

// MergedOCRResult is the document-absolute union of all chunk results.
type MergedOCRResult struct {
	DocumentID string        `json:"document_id"`
	PageCount  int           `json:"page_count"`
	Boxes      []BoundingBox `json:"boxes"`
	Confidence float64       `json:"confidence"`
	Warnings   []string      `json:"warnings,omitempty"`
}

// LowConfidenceWord is one OCR token queued for tiered validation, with
// just enough context for a reviewer or model to judge it.
type LowConfidenceWord struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	PageNumber int     `json:"page_number"`
	BBoxID     string  `json:"bbox_id"`
	Context    string  `json:"context,omitempty"`
}
