package matter

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/matterdock/matterdock-backend/internal/domain/errors"
)

// Scope is the validated (matter, caller) pair every core operation runs
// under. It can only be built through NewScope, so any key derived from a
// Scope is guaranteed to carry a well-formed matter ID as its first
// scoping segment. Code that cannot obtain a Scope cannot build a key.
type Scope struct {
	MatterID uuid.UUID
	UserID   uuid.UUID
}

func NewScope(matterID, userID string) (Scope, error) {
	mid, err := ParseID("matter_id", matterID)
	if err != nil {
		return Scope{}, err
	}
	uid, err := ParseID("user_id", userID)
	if err != nil {
		return Scope{}, err
	}
	return Scope{MatterID: mid, UserID: uid}, nil
}

func NewScopeFromIDs(matterID, userID uuid.UUID) (Scope, error) {
	if matterID == uuid.Nil {
		return Scope{}, errors.NewInvalidParameter("matter_id", "matter_id must not be the nil UUID")
	}
	if userID == uuid.Nil {
		return Scope{}, errors.NewInvalidParameter("user_id", "user_id must not be the nil UUID")
	}
	return Scope{MatterID: matterID, UserID: userID}, nil
}

// QueryCacheKey returns cache:query:{matter_id}:{query_hash}.
func (s Scope) QueryCacheKey(queryHash string) string {
	return fmt.Sprintf("cache:query:%s:%s", s.MatterID, queryHash)
}

// QueryCachePattern matches every query-cache key of the matter.
func (s Scope) QueryCachePattern() string {
	return fmt.Sprintf("cache:query:%s:*", s.MatterID)
}

// SessionKey returns session:{matter_id}:{user_id}.
func (s Scope) SessionKey() string {
	return fmt.Sprintf("session:%s:%s", s.MatterID, s.UserID)
}

// QueueKey returns queue:{matter_id}:{name}.
func (s Scope) QueueKey(name string) string {
	return fmt.Sprintf("queue:%s:%s", s.MatterID, name)
}

// EventChannel returns matter:{matter_id}:events, the broker channel all
// progress and verification events for the matter are published on.
func (s Scope) EventChannel() string {
	return fmt.Sprintf("matter:%s:events", s.MatterID)
}

// ObjectPath returns {matter_id}/{subfolder}/{filename} for blob storage.
func (s Scope) ObjectPath(subfolder Subfolder, filename string) string {
	return fmt.Sprintf("%s/%s/%s", s.MatterID, subfolder, filename)
}

// Subfolder is the fixed set of blob namespaces under a matter.
type Subfolder string

const (
	SubfolderUploads   Subfolder = "uploads"
	SubfolderActs      Subfolder = "acts"
	SubfolderOCRChunks Subfolder = "ocr-chunks"
)
