package matter

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/matterdock/matterdock-backend/internal/domain/errors"
)

// Matter is the authorization boundary. Every document, chunk, citation,
// cache key, and queue in the system is scoped by exactly one matter.
type Matter struct {
	ID          uuid.UUID `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type Role int

const (
	RoleViewer Role = iota
	RoleEditor
	RoleOwner
)

func (r Role) String() string {
	switch r {
	case RoleViewer:
		return "viewer"
	case RoleEditor:
		return "editor"
	case RoleOwner:
		return "owner"
	default:
		return "unknown"
	}
}

func ParseRole(s string) (Role, error) {
	switch s {
	case "viewer":
		return RoleViewer, nil
	case "editor":
		return RoleEditor, nil
	case "owner":
		return RoleOwner, nil
	default:
		return RoleViewer, errors.NewInvalidParameter("role", fmt.Sprintf("unknown role %q", s))
	}
}

func (r Role) CanView() bool { return true }

func (r Role) CanEdit() bool { return r == RoleEditor || r == RoleOwner }

func (r Role) CanManage() bool { return r == RoleOwner }

// Member ties a user to a matter with a role. A matter always has at
// least one owner.
type Member struct {
	MatterID uuid.UUID `json:"matter_id"`
	UserID   uuid.UUID `json:"user_id"`
	Role     Role      `json:"role"`
	AddedAt  time.Time `json:"added_at"`
}

// ParseID validates a matter or user identifier. Malformed IDs are an
// INVALID_PARAMETER, not a not-found, so probing with garbage is cheap to
// distinguish from probing with real UUIDs.
func ParseID(param, raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, errors.NewInvalidParameter(param, fmt.Sprintf("%s is not a valid UUID", param))
	}
	if id == uuid.Nil {
		return uuid.Nil, errors.NewInvalidParameter(param, fmt.Sprintf("%s must not be the nil UUID", param))
	}
	return id, nil
}
