// Package mattermemory is the matter's long-lived memory: the query
// history log and the derived timeline and entity-graph snapshots, each
// rebuilt lazily when a later document upload makes them stale.
package mattermemory

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/matterdock/matterdock-backend/internal/domain/entity"
	"github.com/matterdock/matterdock-backend/internal/domain/errors"
	"github.com/matterdock/matterdock-backend/internal/domain/matter"
	"github.com/matterdock/matterdock-backend/internal/domain/query"
	"github.com/matterdock/matterdock-backend/internal/domain/timeline"
	"github.com/matterdock/matterdock-backend/internal/infrastructure/telemetry"
)

// DefaultHistoryLimit caps history retrieval when the caller does not say.
const DefaultHistoryLimit = 50

// HistoryStore persists the append-only query log.
type HistoryStore interface {
	AppendHistory(ctx context.Context, scope matter.Scope, entry *query.HistoryEntry) error
	// RecentHistory returns at most limit entries, newest first.
	RecentHistory(ctx context.Context, scope matter.Scope, limit int) ([]*query.HistoryEntry, error)
	// GetHistoryEntry returns ITEM_NOT_FOUND for ids outside the matter.
	GetHistoryEntry(ctx context.Context, scope matter.Scope, id uuid.UUID) (*query.HistoryEntry, error)
	UpdateHistoryEntry(ctx context.Context, scope matter.Scope, entry *query.HistoryEntry) error
}

// SnapshotStore persists the derived per-matter caches. Gets return
// ITEM_NOT_FOUND when no snapshot has been cut yet.
type SnapshotStore interface {
	GetTimelineCache(ctx context.Context, scope matter.Scope) (*query.TimelineCache, error)
	PutTimelineCache(ctx context.Context, scope matter.Scope, snap *query.TimelineCache) error
	GetEntityGraphCache(ctx context.Context, scope matter.Scope) (*query.EntityGraphCache, error)
	PutEntityGraphCache(ctx context.Context, scope matter.Scope, snap *query.EntityGraphCache) error
	DeleteSnapshots(ctx context.Context, scope matter.Scope) error
	// LastDocumentUpload is the matter's newest upload instant, zero when
	// the matter has no documents.
	LastDocumentUpload(ctx context.Context, scope matter.Scope) (time.Time, error)
}

// EventSource loads the matter's stored timeline events.
type EventSource interface {
	EventsByMatter(ctx context.Context, scope matter.Scope) ([]timeline.Event, error)
}

// GraphSource loads the matter's stored entity graph.
type GraphSource interface {
	GraphByMatter(ctx context.Context, scope matter.Scope) ([]entity.Entity, []entity.Relationship, error)
}

// QueryInvalidator drops the matter's cached query results.
type QueryInvalidator interface {
	InvalidateMatter(ctx context.Context, scope matter.Scope) (int64, error)
}

// Memory coordinates history and the derived snapshots.
type Memory struct {
	history      HistoryStore
	snaps        SnapshotStore
	events       EventSource
	graph        GraphSource
	queries      QueryInvalidator
	logger       *zap.Logger
	historyLimit int
}

func New(history HistoryStore, snaps SnapshotStore, events EventSource, graph GraphSource, queries QueryInvalidator, logger *zap.Logger) *Memory {
	return &Memory{
		history:      history,
		snaps:        snaps,
		events:       events,
		graph:        graph,
		queries:      queries,
		logger:       logger,
		historyLimit: DefaultHistoryLimit,
	}
}

// RecordQuery appends one history entry, stamping id and created_at.
func (m *Memory) RecordQuery(ctx context.Context, scope matter.Scope, entry *query.HistoryEntry) error {
	if entry == nil {
		return errors.NewInvalidParameter("entry", "history entry is required")
	}
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	entry.MatterID = scope.MatterID
	entry.UserID = scope.UserID
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	return m.history.AppendHistory(ctx, scope, entry)
}

// History returns the matter's recent queries, newest first. Non-positive
// limits fall back to the default cap; nothing exceeds it.
func (m *Memory) History(ctx context.Context, scope matter.Scope, limit int) ([]*query.HistoryEntry, error) {
	if limit <= 0 || limit > m.historyLimit {
		limit = m.historyLimit
	}
	return m.history.RecentHistory(ctx, scope, limit)
}

// MarkQueryVerified flips attorney_verified on one history entry.
// Returns false without error when the entry does not exist in the
// matter, so callers treat a stale id as a no-op.
func (m *Memory) MarkQueryVerified(ctx context.Context, scope matter.Scope, id uuid.UUID) (bool, error) {
	entry, err := m.history.GetHistoryEntry(ctx, scope, id)
	if err != nil {
		if errors.IsCode(err, errors.CodeItemNotFound) {
			return false, nil
		}
		return false, err
	}
	if entry.AttorneyVerified {
		return true, nil
	}
	entry.AttorneyVerified = true
	if err := m.history.UpdateHistoryEntry(ctx, scope, entry); err != nil {
		return false, err
	}
	return true, nil
}

// Timeline returns the matter's timeline snapshot, rebuilding it when a
// document landed after the snapshot was cut or none exists yet. Rebuilds
// increment the version; events are sorted ascending.
func (m *Memory) Timeline(ctx context.Context, scope matter.Scope) (*query.TimelineCache, error) {
	lastUpload, err := m.snaps.LastDocumentUpload(ctx, scope)
	if err != nil {
		return nil, err
	}

	cached, err := m.snaps.GetTimelineCache(ctx, scope)
	switch {
	case err == nil && !cached.IsStale(lastUpload):
		telemetry.RecordCacheOutcome("timeline", "hit")
		return cached, nil
	case err != nil && !errors.IsCode(err, errors.CodeItemNotFound):
		return nil, err
	}

	version := 1
	if cached != nil {
		version = cached.Version + 1
		telemetry.RecordCacheOutcome("timeline", "stale")
	} else {
		telemetry.RecordCacheOutcome("timeline", "miss")
	}

	events, err := m.events.EventsByMatter(ctx, scope)
	if err != nil {
		return nil, err
	}
	timeline.SortEventsAscending(events)

	snap := &query.TimelineCache{
		MatterID:   scope.MatterID,
		CachedAt:   time.Now(),
		Version:    version,
		Events:     events,
		EventCount: len(events),
	}
	if err := m.snaps.PutTimelineCache(ctx, scope, snap); err != nil {
		return nil, err
	}

	m.logger.Info("timeline snapshot rebuilt",
		zap.String("matter_id", scope.MatterID.String()),
		zap.Int("version", version),
		zap.Int("events", len(events)))
	return snap, nil
}

// EntityGraph returns the matter's graph snapshot under the same
// staleness rule as Timeline.
func (m *Memory) EntityGraph(ctx context.Context, scope matter.Scope) (*query.EntityGraphCache, error) {
	lastUpload, err := m.snaps.LastDocumentUpload(ctx, scope)
	if err != nil {
		return nil, err
	}

	cached, err := m.snaps.GetEntityGraphCache(ctx, scope)
	switch {
	case err == nil && !cached.IsStale(lastUpload):
		telemetry.RecordCacheOutcome("entity_graph", "hit")
		return cached, nil
	case err != nil && !errors.IsCode(err, errors.CodeItemNotFound):
		return nil, err
	}

	version := 1
	if cached != nil {
		version = cached.Version + 1
		telemetry.RecordCacheOutcome("entity_graph", "stale")
	} else {
		telemetry.RecordCacheOutcome("entity_graph", "miss")
	}

	entities, relationships, err := m.graph.GraphByMatter(ctx, scope)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]entity.Entity, len(entities))
	for _, e := range entities {
		byID[e.ID.String()] = e
	}

	snap := &query.EntityGraphCache{
		MatterID:          scope.MatterID,
		CachedAt:          time.Now(),
		Version:           version,
		Entities:          byID,
		Relationships:     relationships,
		EntityCount:       len(byID),
		RelationshipCount: len(relationships),
	}
	if err := m.snaps.PutEntityGraphCache(ctx, scope, snap); err != nil {
		return nil, err
	}

	m.logger.Info("entity graph snapshot rebuilt",
		zap.String("matter_id", scope.MatterID.String()),
		zap.Int("version", version),
		zap.Int("entities", len(byID)),
		zap.Int("relationships", len(relationships)))
	return snap, nil
}

// InvalidateMatterCaches drops the derived snapshots and the matter's
// cached query results. History is never touched.
func (m *Memory) InvalidateMatterCaches(ctx context.Context, scope matter.Scope) error {
	if err := m.snaps.DeleteSnapshots(ctx, scope); err != nil {
		return err
	}
	if m.queries != nil {
		if _, err := m.queries.InvalidateMatter(ctx, scope); err != nil {
			// Snapshot invalidation already happened; the query cache
			// self-heals on TTL, so log and move on.
			m.logger.Warn("query cache invalidation failed",
				zap.String("matter_id", scope.MatterID.String()),
				zap.Error(err))
		}
	}
	return nil
}
