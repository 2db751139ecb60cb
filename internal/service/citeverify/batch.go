package citeverify

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/matterdock/matterdock-backend/internal/domain/citation"
	"github.com/matterdock/matterdock-backend/internal/domain/errors"
	"github.com/matterdock/matterdock-backend/internal/domain/matter"
	"github.com/matterdock/matterdock-backend/internal/infrastructure/telemetry"
	"github.com/matterdock/matterdock-backend/internal/ports"
)

// DefaultBackoff is the retry schedule when a whole batch attempt fails.
var DefaultBackoff = []time.Duration{30 * time.Second, 60 * time.Second, 120 * time.Second}

// CitationStore is the slice of the citation repository the batch needs.
type CitationStore interface {
	ReleaseActUnavailable(ctx context.Context, scope matter.Scope, canonicalActName string) (int64, error)
	PendingForAct(ctx context.Context, scope matter.Scope, canonicalActName string) ([]*citation.ExtractedCitation, error)
	UpdateVerification(ctx context.Context, scope matter.Scope, id uuid.UUID, result citation.VerificationResult) error
}

// Batch verifies every pending citation against a newly uploaded act,
// broadcasting progress on the matter channel as it goes.
type Batch struct {
	verifier  *Verifier
	citations CitationStore
	broker    ports.Broker
	logger    *zap.Logger
	backoff   []time.Duration
}

func NewBatch(verifier *Verifier, citations CitationStore, broker ports.Broker, logger *zap.Logger) *Batch {
	return &Batch{
		verifier:  verifier,
		citations: citations,
		broker:    broker,
		logger:    logger,
		backoff:   DefaultBackoff,
	}
}

// WithBackoff overrides the retry schedule.
func (b *Batch) WithBackoff(backoff []time.Duration) *Batch {
	b.backoff = backoff
	return b
}

// Counts is the batch's final tally.
type Counts struct {
	Verified int `json:"verified"`
	Mismatch int `json:"mismatch"`
	NotFound int `json:"not_found"`
	Errors   int `json:"errors"`
}

// Run executes the batch for one act upload, retrying a failed attempt on
// the backoff schedule. Per-citation failures are recorded as error
// status and do not abort the batch; only failures to fetch or release
// citations count as attempt failures.
//
// The citations are verified sequentially on the calling goroutine. With
// hundreds of pending citations per act, fanning each one out would
// thrash the scheduler and the event channel for no throughput gain; the
// statute lookup dominates and is already batched per document.
func (b *Batch) Run(ctx context.Context, scope matter.Scope, canonicalActName string, actDocumentID uuid.UUID) (Counts, error) {
	var lastErr error
	for attempt := 0; ; attempt++ {
		counts, err := b.attempt(ctx, scope, canonicalActName, actDocumentID)
		if err == nil {
			return counts, nil
		}
		lastErr = err

		if attempt >= len(b.backoff) {
			break
		}
		b.logger.Warn("verification batch attempt failed, retrying",
			zap.String("act", canonicalActName),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", b.backoff[attempt]),
			zap.Error(err))

		select {
		case <-time.After(b.backoff[attempt]):
		case <-ctx.Done():
			return Counts{}, ctx.Err()
		}
	}

	b.logger.Error("verification batch exhausted retries",
		zap.String("act", canonicalActName), zap.Error(lastErr))
	return Counts{}, errors.NewCitationVerificationFailed("verification batch failed after retries").WithCause(lastErr)
}

func (b *Batch) attempt(ctx context.Context, scope matter.Scope, canonicalActName string, actDocumentID uuid.UUID) (Counts, error) {
	released, err := b.citations.ReleaseActUnavailable(ctx, scope, canonicalActName)
	if err != nil {
		return Counts{}, err
	}
	if released > 0 {
		b.logger.Info("released citations awaiting act",
			zap.String("act", canonicalActName), zap.Int64("count", released))
	}

	pending, err := b.citations.PendingForAct(ctx, scope, canonicalActName)
	if err != nil {
		return Counts{}, err
	}

	channel := scope.EventChannel()
	var counts Counts
	for i, c := range pending {
		result := b.verifyOne(ctx, scope, c, actDocumentID)
		switch result.Status {
		case citation.StatusVerified:
			counts.Verified++
		case citation.StatusMismatch:
			counts.Mismatch++
		case citation.StatusSectionNotFound:
			counts.NotFound++
		default:
			counts.Errors++
		}
		telemetry.RecordCitationVerification(result.Status.String())

		b.publish(ctx, channel, ports.Event{Type: ports.EventCitationVerified, Data: map[string]interface{}{
			"citation_id":      c.ID.String(),
			"status":           result.Status.String(),
			"similarity_score": result.SimilarityScore,
		}})
		b.publish(ctx, channel, ports.Event{Type: ports.EventProgress, Data: map[string]interface{}{
			"current": i + 1,
			"total":   len(pending),
		}})
	}

	b.publish(ctx, channel, ports.Event{Type: ports.EventVerificationComplete, Data: counts})
	return counts, nil
}

// verifyOne verifies and persists one citation. Failures degrade to an
// error status on the citation; the batch keeps going.
func (b *Batch) verifyOne(ctx context.Context, scope matter.Scope, c *citation.ExtractedCitation, actDocumentID uuid.UUID) citation.VerificationResult {
	result, err := b.verifier.Verify(ctx, scope, c, actDocumentID)
	if err != nil {
		b.logger.Warn("citation verification errored",
			zap.String("citation_id", c.ID.String()), zap.Error(err))
		result = citation.VerificationResult{Status: citation.StatusError}
	}

	if err := b.citations.UpdateVerification(ctx, scope, c.ID, result); err != nil {
		b.logger.Warn("failed to persist verification result",
			zap.String("citation_id", c.ID.String()), zap.Error(err))
		result.Status = citation.StatusError
	}
	return result
}

func (b *Batch) publish(ctx context.Context, channel string, event ports.Event) {
	if err := b.broker.Publish(ctx, channel, event); err != nil {
		b.logger.Warn("failed to publish verification event",
			zap.String("channel", channel),
			zap.String("type", event.Type),
			zap.Error(err))
	}
}
