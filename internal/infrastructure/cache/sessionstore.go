package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	domainErrors "github.com/matterdock/matterdock-backend/internal/domain/errors"
	"github.com/matterdock/matterdock-backend/internal/domain/matter"
	"github.com/matterdock/matterdock-backend/internal/domain/session"
	"github.com/matterdock/matterdock-backend/internal/infrastructure/telemetry"
	"github.com/matterdock/matterdock-backend/internal/ports"
)

// SessionTTL keeps chat sessions alive for a day of inactivity. Nothing
// in this tier is authoritative, so expiry is the only cleanup.
const SessionTTL = 24 * time.Hour

// SessionStore persists per-(matter, user) chat sessions in the KV tier
// under session:{matter_id}:{user_id}.
type SessionStore struct {
	kv     ports.KV
	logger *zap.Logger
	ttl    time.Duration
}

func NewSessionStore(kv ports.KV, logger *zap.Logger) *SessionStore {
	return &SessionStore{kv: kv, logger: logger, ttl: SessionTTL}
}

// Load returns the stored session, or a fresh one when none exists.
// Sessions are working state, not records: a corrupt or unreachable entry
// degrades to a fresh session so the chat keeps flowing, and the next
// Save repairs the key.
func (s *SessionStore) Load(ctx context.Context, scope matter.Scope) *session.Session {
	key := scope.SessionKey()

	raw, err := s.kv.Get(ctx, key)
	if err != nil {
		var notFound ports.ErrKeyNotFound
		if !errors.As(err, &notFound) {
			s.logger.Warn("session load failed, starting fresh",
				zap.String("key", key),
				zap.Error(err))
			telemetry.RecordCacheOutcome("session", "error")
		} else {
			telemetry.RecordCacheOutcome("session", "miss")
		}
		return session.Fresh(scope.MatterID, scope.UserID)
	}

	var sess session.Session
	if err := json.Unmarshal([]byte(raw), &sess); err != nil {
		s.logger.Warn("corrupt session dropped",
			zap.String("key", key),
			zap.Error(err))
		if _, delErr := s.kv.Delete(ctx, key); delErr != nil {
			s.logger.Warn("failed to delete corrupt session",
				zap.String("key", key),
				zap.Error(delErr))
		}
		telemetry.RecordCacheOutcome("session", "corrupt")
		return session.Fresh(scope.MatterID, scope.UserID)
	}

	telemetry.RecordCacheOutcome("session", "hit")
	return &sess
}

// Save writes the session back with a refreshed TTL.
func (s *SessionStore) Save(ctx context.Context, scope matter.Scope, sess *session.Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return domainErrors.NewInternalError("failed to encode session").WithCause(err)
	}

	if err := s.kv.SetEx(ctx, scope.SessionKey(), string(data), s.ttl); err != nil {
		telemetry.RecordCacheOutcome("session", "error")
		return domainErrors.NewDatabaseNotConfigured("session store").WithCause(err)
	}

	return nil
}

// Delete removes the session.
func (s *SessionStore) Delete(ctx context.Context, scope matter.Scope) error {
	if _, err := s.kv.Delete(ctx, scope.SessionKey()); err != nil {
		return domainErrors.NewDatabaseNotConfigured("session store").WithCause(err)
	}
	return nil
}
