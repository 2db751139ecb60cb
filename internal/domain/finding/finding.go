package finding

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/matterdock/matterdock-backend/internal/domain/errors"
)

// Finding is any surfaced claim a human may need to check: a contradiction,
// a citation mismatch, a timeline gap.
type Finding struct {
	ID         uuid.UUID `json:"id"`
	MatterID   uuid.UUID `json:"matter_id"`
	Type       string    `json:"finding_type"`
	Summary    string    `json:"finding_summary"`
	Confidence float64   `json:"confidence"`
	CreatedAt  time.Time `json:"created_at"`
}

// Known finding types. The set is open to new extractors.
const (
	TypeContradiction    = "contradiction"
	TypeCitationMismatch = "citation_mismatch"
	TypeTimelineGap      = "timeline_gap"
)

const maxSummaryLen = 500

// Verification is the review record attached to a finding. The
// requirement tier is derived from ConfidenceBefore and never stored
// independently.
type Verification struct {
	ID               uuid.UUID  `json:"id"`
	MatterID         uuid.UUID  `json:"matter_id"`
	FindingID        uuid.UUID  `json:"finding_id"`
	FindingType      string     `json:"finding_type"`
	FindingSummary   string     `json:"finding_summary"`
	ConfidenceBefore float64    `json:"confidence_before"`
	Decision         Decision   `json:"decision"`
	VerifiedBy       *uuid.UUID `json:"verified_by,omitempty"`
	VerifiedAt       *time.Time `json:"verified_at,omitempty"`
	ConfidenceAfter  *float64   `json:"confidence_after,omitempty"`
	Notes            string     `json:"notes,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}

type Decision int

const (
	DecisionPending Decision = iota
	DecisionApproved
	DecisionRejected
	DecisionFlagged
)

func (d Decision) String() string {
	switch d {
	case DecisionPending:
		return "pending"
	case DecisionApproved:
		return "approved"
	case DecisionRejected:
		return "rejected"
	case DecisionFlagged:
		return "flagged"
	default:
		return "unknown"
	}
}

func ParseDecision(s string) (Decision, error) {
	switch s {
	case "pending":
		return DecisionPending, nil
	case "approved":
		return DecisionApproved, nil
	case "rejected":
		return DecisionRejected, nil
	case "flagged":
		return DecisionFlagged, nil
	default:
		return DecisionPending, errors.NewInvalidParameter("decision", "unknown decision")
	}
}

// RequirementTier ranks how badly a finding needs human eyes.
type RequirementTier int

const (
	TierRequired RequirementTier = iota
	TierSuggested
	TierOptional
)

func (t RequirementTier) String() string {
	switch t {
	case TierRequired:
		return "REQUIRED"
	case TierSuggested:
		return "SUGGESTED"
	case TierOptional:
		return "OPTIONAL"
	default:
		return "unknown"
	}
}

// TierFor is the pure tier function: >=90 OPTIONAL, >=70 SUGGESTED,
// everything below REQUIRED. Boundaries are inclusive.
func TierFor(confidenceBefore float64) RequirementTier {
	switch {
	case confidenceBefore >= 90:
		return TierOptional
	case confidenceBefore >= 70:
		return TierSuggested
	default:
		return TierRequired
	}
}

// Requirement returns the tier of this verification.
func (v *Verification) Requirement() RequirementTier {
	return TierFor(v.ConfidenceBefore)
}

// BlocksExport reports whether this single record blocks matter export:
// a REQUIRED verification still pending.
func (v *Verification) BlocksExport() bool {
	return v.Decision == DecisionPending && v.Requirement() == TierRequired
}

// NewVerification creates the review record for a finding. Summaries are
// clipped to 500 characters.
func NewVerification(f *Finding) (*Verification, error) {
	if f == nil {
		return nil, errors.NewInvalidParameter("finding", "finding is required")
	}
	if f.MatterID == uuid.Nil {
		return nil, errors.NewInvalidParameter("matter_id", "matter_id must not be the nil UUID")
	}
	summary := strings.TrimSpace(f.Summary)
	if len(summary) > maxSummaryLen {
		summary = summary[:maxSummaryLen]
	}
	return &Verification{
		ID:               uuid.New(),
		MatterID:         f.MatterID,
		FindingID:        f.ID,
		FindingType:      f.Type,
		FindingSummary:   summary,
		ConfidenceBefore: f.Confidence,
		Decision:         DecisionPending,
		CreatedAt:        time.Now(),
	}, nil
}

// Decide records the outcome of a human review. Re-deciding an already
// decided record is allowed (reviewers change their minds); the decision
// itself cannot return to pending.
func (v *Verification) Decide(decision Decision, by uuid.UUID, confidenceAfter *float64, notes string) error {
	if decision == DecisionPending {
		return errors.NewInvalidParameter("decision", "cannot decide a verification back to pending")
	}
	if by == uuid.Nil {
		return errors.NewInvalidParameter("verified_by", "verified_by must not be the nil UUID")
	}
	now := time.Now()
	v.Decision = decision
	v.VerifiedBy = &by
	v.VerifiedAt = &now
	v.ConfidenceAfter = confidenceAfter
	v.Notes = notes
	return nil
}

// Stats aggregates a matter's verification queue.
type Stats struct {
	Total            int                     `json:"total"`
	ByDecision       map[string]int          `json:"by_decision"`
	PendingByTier    map[RequirementTier]int `json:"-"`
	PendingRequired  int                     `json:"pending_required"`
	PendingSuggested int                     `json:"pending_suggested"`
	PendingOptional  int                     `json:"pending_optional"`
	ExportBlocked    bool                    `json:"export_blocked"`
}

// ComputeStats folds the queue into counters. ExportBlocked is true iff
// any pending record sits in the REQUIRED tier.
func ComputeStats(records []*Verification) Stats {
	stats := Stats{
		ByDecision:    make(map[string]int),
		PendingByTier: make(map[RequirementTier]int),
	}
	for _, v := range records {
		stats.Total++
		stats.ByDecision[v.Decision.String()]++
		if v.Decision != DecisionPending {
			continue
		}
		tier := v.Requirement()
		stats.PendingByTier[tier]++
		switch tier {
		case TierRequired:
			stats.PendingRequired++
			stats.ExportBlocked = true
		case TierSuggested:
			stats.PendingSuggested++
		case TierOptional:
			stats.PendingOptional++
		}
	}
	return stats
}
