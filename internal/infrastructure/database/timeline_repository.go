package database

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/matterdock/matterdock-backend/internal/domain/errors"
	"github.com/matterdock/matterdock-backend/internal/domain/matter"
	"github.com/matterdock/matterdock-backend/internal/domain/timeline"
)

// TimelineRepository persists extracted timeline events. Ambiguity is
// folded into the stored description and hydrated back on read.
type TimelineRepository struct {
	db *pgxpool.Pool
}

// NewTimelineRepository creates a new PostgreSQL timeline repository
func NewTimelineRepository(db *pgxpool.Pool) *TimelineRepository {
	return &TimelineRepository{db: db}
}

// InsertEvents stores one extraction run's events
func (r *TimelineRepository) InsertEvents(ctx context.Context, scope matter.Scope, events []timeline.Event) error {
	if len(events) == 0 {
		return nil
	}

	_, err := r.db.CopyFrom(
		ctx,
		pgx.Identifier{"timeline_events"},
		[]string{"id", "matter_id", "document_id", "event_date", "date_precision",
			"event_date_text", "event_type", "description", "confidence",
			"source_page", "source_bbox_ids", "is_manual", "entities", "created_at"},
		pgx.CopyFromSlice(len(events), func(i int) ([]interface{}, error) {
			ev := events[i]
			bboxIDs, err := json.Marshal(ev.SourceBBoxIDs)
			if err != nil {
				return nil, err
			}
			entities, err := json.Marshal(ev.Entities)
			if err != nil {
				return nil, err
			}
			return []interface{}{
				ev.ID, scope.MatterID, ev.DocumentID, ev.EventDate, ev.DatePrecision.String(),
				ev.EventDateText, ev.EventType, ev.StoredDescription(), ev.Confidence,
				ev.SourcePage, bboxIDs, ev.IsManual, entities, ev.CreatedAt,
			}, nil
		}),
	)

	if err != nil {
		return errors.NewInternalError("failed to insert timeline events").WithCause(err)
	}
	return nil
}

// EventsByMatter returns the matter's events, dates ascending.
func (r *TimelineRepository) EventsByMatter(ctx context.Context, scope matter.Scope) ([]timeline.Event, error) {
	rows, err := r.db.Query(ctx, timelineSelect+`
		WHERE matter_id = $1
		ORDER BY event_date, created_at
	`, scope.MatterID)
	if err != nil {
		return nil, errors.NewInternalError("failed to list timeline events").WithCause(err)
	}
	defer rows.Close()

	return collectEvents(rows)
}

// EventsByDocument returns one document's events, dates ascending.
func (r *TimelineRepository) EventsByDocument(ctx context.Context, scope matter.Scope, documentID uuid.UUID) ([]timeline.Event, error) {
	rows, err := r.db.Query(ctx, timelineSelect+`
		WHERE matter_id = $1 AND document_id = $2
		ORDER BY event_date, created_at
	`, scope.MatterID, documentID)
	if err != nil {
		return nil, errors.NewInternalError("failed to list document events").WithCause(err)
	}
	defer rows.Close()

	return collectEvents(rows)
}

// DeleteByDocument removes a document's events ahead of re-extraction.
func (r *TimelineRepository) DeleteByDocument(ctx context.Context, scope matter.Scope, documentID uuid.UUID) (int64, error) {
	tag, err := r.db.Exec(ctx, `
		DELETE FROM timeline_events
		WHERE matter_id = $1 AND document_id = $2
	`, scope.MatterID, documentID)
	if err != nil {
		return 0, errors.NewInternalError("failed to delete timeline events").WithCause(err)
	}
	return tag.RowsAffected(), nil
}

const timelineSelect = `
	SELECT id, matter_id, document_id, event_date, date_precision,
	       event_date_text, event_type, description, confidence,
	       source_page, source_bbox_ids, is_manual, entities, created_at
	FROM timeline_events`

func collectEvents(rows pgx.Rows) ([]timeline.Event, error) {
	var events []timeline.Event
	for rows.Next() {
		var ev timeline.Event
		var precisionStr, stored string
		var bboxIDs, entities []byte

		if err := rows.Scan(&ev.ID, &ev.MatterID, &ev.DocumentID, &ev.EventDate,
			&precisionStr, &ev.EventDateText, &ev.EventType, &stored, &ev.Confidence,
			&ev.SourcePage, &bboxIDs, &ev.IsManual, &entities, &ev.CreatedAt); err != nil {
			return nil, errors.NewInternalError("failed to scan timeline event").WithCause(err)
		}

		precision, err := timeline.ParseDatePrecision(precisionStr)
		if err != nil {
			precision = timeline.PrecisionUnknown
		}
		ev.DatePrecision = precision
		ev.ApplyStoredDescription(stored)

		if len(bboxIDs) > 0 {
			if err := json.Unmarshal(bboxIDs, &ev.SourceBBoxIDs); err != nil {
				return nil, errors.NewInternalError("failed to decode event bbox ids").WithCause(err)
			}
		}
		if len(entities) > 0 {
			if err := json.Unmarshal(entities, &ev.Entities); err != nil {
				return nil, errors.NewInternalError("failed to decode event entities").WithCause(err)
			}
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}
