package timeline

import (
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/matterdock/matterdock-backend/internal/domain/errors"
)

// Event is one dated occurrence extracted from a document. Ambiguity is a
// first-class attribute: a date like 01/02/2024 that cannot be told apart
// as DD/MM vs MM/DD carries IsAmbiguous and a reason.
type Event struct {
	ID              uuid.UUID     `json:"id"`
	MatterID        uuid.UUID     `json:"matter_id"`
	DocumentID      uuid.UUID     `json:"document_id"`
	EventDate       time.Time     `json:"event_date"`
	DatePrecision   DatePrecision `json:"event_date_precision"`
	EventDateText   string        `json:"event_date_text"`
	EventType       string        `json:"event_type"`
	Description     string        `json:"description"`
	Confidence      float64       `json:"confidence"`
	SourcePage      *int          `json:"source_page,omitempty"`
	SourceBBoxIDs   []uuid.UUID   `json:"source_bbox_ids,omitempty"`
	IsManual        bool          `json:"is_manual"`
	IsAmbiguous     bool          `json:"is_ambiguous,omitempty"`
	AmbiguityReason string        `json:"ambiguity_reason,omitempty"`
	Entities        []uuid.UUID   `json:"entities_involved,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
}

type DatePrecision int

const (
	PrecisionDay DatePrecision = iota
	PrecisionMonth
	PrecisionYear
	PrecisionUnknown
)

func (p DatePrecision) String() string {
	switch p {
	case PrecisionDay:
		return "day"
	case PrecisionMonth:
		return "month"
	case PrecisionYear:
		return "year"
	default:
		return "unknown"
	}
}

func ParseDatePrecision(s string) (DatePrecision, error) {
	switch s {
	case "day":
		return PrecisionDay, nil
	case "month":
		return PrecisionMonth, nil
	case "year":
		return PrecisionYear, nil
	case "unknown":
		return PrecisionUnknown, nil
	default:
		return PrecisionUnknown, errors.NewInvalidParameter("event_date_precision", "unknown date precision")
	}
}

const (
	ambiguousPrefix       = "[AMBIGUOUS"
	ambiguousReasonOpen   = "[AMBIGUOUS: "
	ambiguousClose        = "]"
	ambiguousBarePrefix   = "[AMBIGUOUS]"
)

// EncodeDescription folds the ambiguity flag into the stored description so
// it survives stores that have no dedicated columns for it. Reason-less
// ambiguity encodes as "[AMBIGUOUS] text", with a reason as
// "[AMBIGUOUS: reason] text".
func EncodeDescription(description string, isAmbiguous bool, reason string) string {
	if !isAmbiguous {
		return description
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return ambiguousBarePrefix + " " + description
	}
	return ambiguousReasonOpen + reason + ambiguousClose + " " + description
}

// DecodeDescription is the inverse of EncodeDescription. Descriptions
// without the marker come back unchanged with isAmbiguous false.
func DecodeDescription(stored string) (description string, isAmbiguous bool, reason string) {
	if !strings.HasPrefix(stored, ambiguousPrefix) {
		return stored, false, ""
	}
	if strings.HasPrefix(stored, ambiguousBarePrefix) {
		rest := strings.TrimPrefix(stored, ambiguousBarePrefix)
		return strings.TrimPrefix(rest, " "), true, ""
	}
	if strings.HasPrefix(stored, ambiguousReasonOpen) {
		rest := strings.TrimPrefix(stored, ambiguousReasonOpen)
		closeIdx := strings.Index(rest, ambiguousClose)
		if closeIdx < 0 {
			return stored, false, ""
		}
		reason = rest[:closeIdx]
		description = strings.TrimPrefix(rest[closeIdx+len(ambiguousClose):], " ")
		return description, true, reason
	}
	return stored, false, ""
}

// StoredDescription returns the encoded form for persistence.
func (e *Event) StoredDescription() string {
	return EncodeDescription(e.Description, e.IsAmbiguous, e.AmbiguityReason)
}

// ApplyStoredDescription hydrates the ambiguity fields from an encoded
// description read back from storage.
func (e *Event) ApplyStoredDescription(stored string) {
	e.Description, e.IsAmbiguous, e.AmbiguityReason = DecodeDescription(stored)
}

// SortEventsAscending orders events by date, breaking ties by creation
// time so persisted timelines are deterministic.
func SortEventsAscending(events []Event) {
	sort.SliceStable(events, func(i, j int) bool {
		if !events[i].EventDate.Equal(events[j].EventDate) {
			return events[i].EventDate.Before(events[j].EventDate)
		}
		return events[i].CreatedAt.Before(events[j].CreatedAt)
	})
}
