package document

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/matterdock/matterdock-backend/internal/domain/errors"
)

// Document is an uploaded file owned by a matter. The blob itself lives in
// object storage and is never mutated in place; reprocessing writes new
// derived rows.
type Document struct {
	ID                  uuid.UUID  `json:"id"`
	MatterID            uuid.UUID  `json:"matter_id"`
	Filename            string     `json:"filename"`
	Type                Type       `json:"type"`
	IsReferenceMaterial bool       `json:"is_reference_material"`
	Status              Status     `json:"status"`
	StoragePath         string     `json:"storage_path"`
	PageCount           int        `json:"page_count,omitempty"`
	SizeBytes           int64      `json:"size_bytes,omitempty"`
	UploadedAt          time.Time  `json:"uploaded_at"`
	ProcessedAt         *time.Time `json:"processed_at,omitempty"`
	DeletedAt           *time.Time `json:"deleted_at,omitempty"`
}

type Type int

const (
	TypeCaseFile Type = iota
	TypeAct
	TypeOther
)

func (t Type) String() string {
	switch t {
	case TypeCaseFile:
		return "case_file"
	case TypeAct:
		return "act"
	default:
		return "other"
	}
}

func ParseType(s string) (Type, error) {
	switch s {
	case "case_file":
		return TypeCaseFile, nil
	case "act":
		return TypeAct, nil
	case "other":
		return TypeOther, nil
	default:
		return TypeOther, errors.NewInvalidParameter("type", fmt.Sprintf("unknown document type %q", s))
	}
}

type Status int

const (
	StatusPending Status = iota
	StatusProcessing
	StatusCompleted
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusProcessing:
		return "processing"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

func New(matterID uuid.UUID, filename string, docType Type) (*Document, error) {
	if matterID == uuid.Nil {
		return nil, errors.NewInvalidParameter("matter_id", "matter_id must not be the nil UUID")
	}
	name := strings.TrimSpace(filename)
	if name == "" {
		return nil, errors.NewInvalidParameter("filename", "filename cannot be empty")
	}
	now := clock.Now()
	return &Document{
		ID:                  uuid.New(),
		MatterID:            matterID,
		Filename:            name,
		Type:                docType,
		IsReferenceMaterial: docType == TypeAct,
		Status:              StatusPending,
		UploadedAt:          now,
	}, nil
}

func (d *Document) StartProcessing() {
	d.Status = StatusProcessing
}

func (d *Document) CompleteProcessing(pageCount int) {
	now := clock.Now()
	d.Status = StatusCompleted
	d.PageCount = pageCount
	d.ProcessedAt = &now
}

func (d *Document) FailProcessing() {
	d.Status = StatusFailed
}

func (d *Document) SoftDelete() {
	now := clock.Now()
	d.DeletedAt = &now
}

func (d *Document) IsDeleted() bool {
	return d.DeletedAt != nil
}
