package session

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/matterdock/matterdock-backend/internal/domain/errors"
)

// ContextWindow is how many trailing messages are exposed for prompt
// context. The stored tail may be longer; the window is what callers see.
const ContextWindow = 5

// maxStoredMessages bounds the persisted tail so sessions stay small in
// the KV store regardless of conversation length.
const maxStoredMessages = 20

// Session is the transient per-(matter,user) conversation state. Nothing
// here is authoritative; the KV store TTL-evicts it freely.
type Session struct {
	MatterID          uuid.UUID `json:"matter_id"`
	UserID            uuid.UUID `json:"user_id"`
	Messages          []Message `json:"messages"`
	MentionedEntities []string  `json:"mentioned_entities,omitempty"`
	UpdatedAt         time.Time `json:"updated_at"`
}

type Message struct {
	Role       Role      `json:"role"`
	Content    string    `json:"content"`
	SourceRefs []string  `json:"source_refs,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

func New(matterID, userID uuid.UUID) (*Session, error) {
	if matterID == uuid.Nil {
		return nil, errors.NewInvalidParameter("matter_id", "matter_id must not be the nil UUID")
	}
	if userID == uuid.Nil {
		return nil, errors.NewInvalidParameter("user_id", "user_id must not be the nil UUID")
	}
	return &Session{
		MatterID:  matterID,
		UserID:    userID,
		UpdatedAt: time.Now(),
	}, nil
}

// Fresh returns an empty session without ID validation, for callers that
// already hold a validated matter scope.
func Fresh(matterID, userID uuid.UUID) *Session {
	return &Session{MatterID: matterID, UserID: userID, UpdatedAt: time.Now()}
}

// AddMessage appends to the tail, trimming from the front past the stored
// bound.
func (s *Session) AddMessage(role Role, content string, sourceRefs []string) {
	s.Messages = append(s.Messages, Message{
		Role:       role,
		Content:    content,
		SourceRefs: sourceRefs,
		CreatedAt:  time.Now(),
	})
	if len(s.Messages) > maxStoredMessages {
		s.Messages = s.Messages[len(s.Messages)-maxStoredMessages:]
	}
	s.UpdatedAt = time.Now()
}

// ContextTail returns the last ContextWindow messages, oldest first.
func (s *Session) ContextTail() []Message {
	if len(s.Messages) <= ContextWindow {
		return s.Messages
	}
	return s.Messages[len(s.Messages)-ContextWindow:]
}

// MentionEntity records an entity name for pronoun resolution in later
// turns. Case-insensitive set semantics.
func (s *Session) MentionEntity(name string) {
	name = strings.TrimSpace(name)
	if name == "" {
		return
	}
	for _, existing := range s.MentionedEntities {
		if strings.EqualFold(existing, name) {
			return
		}
	}
	s.MentionedEntities = append(s.MentionedEntities, name)
	s.UpdatedAt = time.Now()
}
