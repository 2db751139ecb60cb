package citation

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// ActResolution tracks, per matter, whether the statute a set of citations
// points at has been uploaded yet.
type ActResolution struct {
	ID                uuid.UUID        `json:"id"`
	MatterID          uuid.UUID        `json:"matter_id"`
	ActNameNormalized string           `json:"act_name_normalized"`
	ActNameDisplay    string           `json:"act_name_display"`
	ActDocumentID     *uuid.UUID       `json:"act_document_id,omitempty"`
	ResolutionStatus  ResolutionStatus `json:"resolution_status"`
	UserAction        UserAction       `json:"user_action"`
	CitationCount     int              `json:"citation_count"`
	UpdatedAt         time.Time        `json:"updated_at"`
}

type ResolutionStatus int

const (
	ResolutionMissing ResolutionStatus = iota
	ResolutionAvailable
	ResolutionSkipped
)

func (s ResolutionStatus) String() string {
	switch s {
	case ResolutionMissing:
		return "missing"
	case ResolutionAvailable:
		return "available"
	case ResolutionSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}

type UserAction int

const (
	ActionPending UserAction = iota
	ActionUploaded
	ActionSkipped
)

func (a UserAction) String() string {
	switch a {
	case ActionPending:
		return "pending"
	case ActionUploaded:
		return "uploaded"
	case ActionSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// Common Indian-statute abbreviations. Keys are matched after lowering and
// trimming trailing act/code noise; unknown names pass through verbatim.
var actAcronyms = map[string]string{
	"ipc":             "Indian Penal Code",
	"crpc":            "Code of Criminal Procedure",
	"cr.p.c":          "Code of Criminal Procedure",
	"cpc":             "Code of Civil Procedure",
	"ni act":          "Negotiable Instruments Act",
	"n.i. act":        "Negotiable Instruments Act",
	"it act":          "Information Technology Act",
	"idr act":         "Industries (Development and Regulation) Act",
	"sarfaesi":        "Securitisation and Reconstruction of Financial Assets and Enforcement of Security Interest Act",
	"sarfaesi act":    "Securitisation and Reconstruction of Financial Assets and Enforcement of Security Interest Act",
	"rera":            "Real Estate (Regulation and Development) Act",
	"pocso":           "Protection of Children from Sexual Offences Act",
	"pmla":            "Prevention of Money Laundering Act",
	"ibc":             "Insolvency and Bankruptcy Code",
	"tp act":          "Transfer of Property Act",
	"evidence act":    "Indian Evidence Act",
	"contract act":    "Indian Contract Act",
	"companies act":   "Companies Act",
	"arbitration act": "Arbitration and Conciliation Act",
	"mv act":          "Motor Vehicles Act",
	"gst act":         "Goods and Services Tax Act",
}

// CanonicalActName resolves a display name to its canonical form using the
// acronym table. Unknown names are returned trimmed but otherwise as-is.
func CanonicalActName(name string) string {
	trimmed := strings.TrimSpace(name)
	key := strings.ToLower(strings.TrimRight(trimmed, ".,;"))
	key = strings.Join(strings.Fields(key), " ")
	if canonical, ok := actAcronyms[key]; ok {
		return canonical
	}
	return trimmed
}

// NormalizeActName is the comparison form used for deduplication and act
// resolution lookups: canonicalized, lowered, whitespace collapsed.
func NormalizeActName(name string) string {
	canonical := CanonicalActName(name)
	return strings.Join(strings.Fields(strings.ToLower(canonical)), " ")
}
