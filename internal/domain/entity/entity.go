package entity

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/matterdock/matterdock-backend/internal/domain/errors"
)

// Entity is one node in the matter identity graph. Entities are
// deduplicated within a matter by (canonical name, type), compared
// case-insensitively.
type Entity struct {
	ID            uuid.UUID         `json:"id"`
	MatterID      uuid.UUID         `json:"matter_id"`
	CanonicalName string            `json:"canonical_name"`
	Type          Type              `json:"entity_type"`
	Aliases       []string          `json:"aliases,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	MentionCount  int               `json:"mention_count"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

type Type int

const (
	TypePerson Type = iota
	TypeOrg
	TypeInstitution
	TypeAsset
)

func (t Type) String() string {
	switch t {
	case TypePerson:
		return "PERSON"
	case TypeOrg:
		return "ORG"
	case TypeInstitution:
		return "INSTITUTION"
	case TypeAsset:
		return "ASSET"
	default:
		return "UNKNOWN"
	}
}

func ParseType(s string) (Type, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "PERSON":
		return TypePerson, nil
	case "ORG", "ORGANIZATION", "ORGANISATION":
		return TypeOrg, nil
	case "INSTITUTION":
		return TypeInstitution, nil
	case "ASSET":
		return TypeAsset, nil
	default:
		return TypePerson, errors.NewInvalidParameter("entity_type", "unknown entity type")
	}
}

func New(matterID uuid.UUID, canonicalName string, entityType Type) (*Entity, error) {
	if matterID == uuid.Nil {
		return nil, errors.NewInvalidParameter("matter_id", "matter_id must not be the nil UUID")
	}
	name := strings.TrimSpace(canonicalName)
	if name == "" {
		return nil, errors.NewInvalidParameter("canonical_name", "canonical name cannot be empty")
	}
	now := time.Now()
	return &Entity{
		ID:            uuid.New(),
		MatterID:      matterID,
		CanonicalName: name,
		Type:          entityType,
		MentionCount:  0,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

// DedupeKey is the matter-local identity of the entity.
func DedupeKey(canonicalName string, entityType Type) string {
	return strings.ToLower(strings.TrimSpace(canonicalName)) + "|" + entityType.String()
}

func (e *Entity) DedupeKey() string {
	return DedupeKey(e.CanonicalName, e.Type)
}

// MergeAlias records another surface form for the entity. Duplicate and
// canonical-equal aliases are ignored.
func (e *Entity) MergeAlias(alias string) {
	alias = strings.TrimSpace(alias)
	if alias == "" || strings.EqualFold(alias, e.CanonicalName) {
		return
	}
	for _, existing := range e.Aliases {
		if strings.EqualFold(existing, alias) {
			return
		}
	}
	e.Aliases = append(e.Aliases, alias)
	e.UpdatedAt = time.Now()
}

// Mention ties an entity to one chunk occurrence.
type Mention struct {
	ID         uuid.UUID   `json:"id"`
	MatterID   uuid.UUID   `json:"matter_id"`
	EntityID   uuid.UUID   `json:"entity_id"`
	ChunkID    uuid.UUID   `json:"chunk_id"`
	PageNumber *int        `json:"page_number,omitempty"`
	BBoxIDs    []uuid.UUID `json:"bbox_ids,omitempty"`
	RawText    string      `json:"raw_text"`
	Context    string      `json:"context,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
}

// Relationship is a directed edge between two entities of the same matter.
// Edges reference entity IDs, never pointers, so graph snapshots serialize
// flat.
type Relationship struct {
	ID           uuid.UUID `json:"id"`
	MatterID     uuid.UUID `json:"matter_id"`
	FromEntityID uuid.UUID `json:"from_entity_id"`
	ToEntityID   uuid.UUID `json:"to_entity_id"`
	Type         string    `json:"relationship_type"`
	Confidence   float64   `json:"confidence"`
	CreatedAt    time.Time `json:"created_at"`
}

// Relationship types observed in extraction output. The set is open;
// unknown labels are stored verbatim.
const (
	RelationHasRole   = "HAS_ROLE"
	RelationAliasOf   = "ALIAS_OF"
	RelationRelatedTo = "RELATED_TO"
	RelationOwns      = "OWNS"
	RelationEmploys   = "EMPLOYS"
	RelationPartyTo   = "PARTY_TO"
)

// NewRelationship builds an edge, rejecting cross-matter and self edges.
func NewRelationship(matterID uuid.UUID, from, to *Entity, relType string, confidence float64) (*Relationship, error) {
	if from == nil || to == nil {
		return nil, errors.NewInvalidParameter("entity", "relationship requires both endpoints")
	}
	if from.MatterID != matterID || to.MatterID != matterID {
		return nil, errors.NewInvalidParameter("matter_id", "relationship endpoints must belong to the same matter")
	}
	if from.ID == to.ID {
		return nil, errors.NewInvalidParameter("entity", "relationship endpoints must differ")
	}
	if relType == "" {
		relType = RelationRelatedTo
	}
	return &Relationship{
		ID:           uuid.New(),
		MatterID:     matterID,
		FromEntityID: from.ID,
		ToEntityID:   to.ID,
		Type:         relType,
		Confidence:   confidence,
		CreatedAt:    time.Now(),
	}, nil
}
