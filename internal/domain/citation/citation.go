package citation

import (
	"time"

	"github.com/google/uuid"

	"github.com/matterdock/matterdock-backend/internal/domain/errors"
)

// ExtractedCitation is one statutory reference found in a document.
// Confidence is on a 0..100 scale; regex-only matches are fixed at 75.
type ExtractedCitation struct {
	ID               uuid.UUID          `json:"id"`
	MatterID         uuid.UUID          `json:"matter_id"`
	ActName          string             `json:"act_name"`
	CanonicalActName string             `json:"canonical_act_name,omitempty"`
	Section          string             `json:"section"`
	Subsection       string             `json:"subsection,omitempty"`
	Clause           string             `json:"clause,omitempty"`
	RawText          string             `json:"raw_text"`
	QuotedText       string             `json:"quoted_text,omitempty"`
	Confidence       float64            `json:"confidence"`
	Status           VerificationStatus `json:"verification_status"`
	SourceDocumentID uuid.UUID          `json:"source_document_id"`
	SourceChunkID    *uuid.UUID         `json:"source_chunk_id,omitempty"`
	PageNumber       *int               `json:"page_number,omitempty"`
	TargetPage       *int               `json:"target_page,omitempty"`
	TargetBBoxIDs    []uuid.UUID        `json:"target_bbox_ids,omitempty"`
	SimilarityScore  *float64           `json:"similarity_score,omitempty"`
	CreatedAt        time.Time          `json:"created_at"`
	VerifiedAt       *time.Time         `json:"verified_at,omitempty"`
}

type VerificationStatus int

const (
	StatusPending VerificationStatus = iota
	StatusVerified
	StatusMismatch
	StatusSectionNotFound
	StatusActUnavailable
	StatusError
)

func (s VerificationStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusVerified:
		return "verified"
	case StatusMismatch:
		return "mismatch"
	case StatusSectionNotFound:
		return "section_not_found"
	case StatusActUnavailable:
		return "act_unavailable"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

func ParseVerificationStatus(s string) (VerificationStatus, error) {
	switch s {
	case "pending":
		return StatusPending, nil
	case "verified":
		return StatusVerified, nil
	case "mismatch":
		return StatusMismatch, nil
	case "section_not_found":
		return StatusSectionNotFound, nil
	case "act_unavailable":
		return StatusActUnavailable, nil
	case "error":
		return StatusError, nil
	default:
		return StatusPending, errors.NewInvalidParameter("verification_status", "unknown verification status")
	}
}

// IsTerminal reports whether the status is a verification outcome rather
// than a queue state.
func (s VerificationStatus) IsTerminal() bool {
	switch s {
	case StatusVerified, StatusMismatch, StatusSectionNotFound:
		return true
	default:
		return false
	}
}

// DedupeKey identifies a citation within a matter for merge purposes.
// Both extraction passes collapse onto (normalized act, section).
func (c *ExtractedCitation) DedupeKey() string {
	return NormalizeActName(c.ActName) + "|" + c.Section
}

// VerificationResult is the outcome of matching a citation's quoted text
// against the uploaded statute document.
type VerificationResult struct {
	Status          VerificationStatus `json:"status"`
	TargetPage      *int               `json:"target_page,omitempty"`
	TargetBBoxIDs   []uuid.UUID        `json:"target_bbox_ids,omitempty"`
	SimilarityScore float64            `json:"similarity_score"`
}
