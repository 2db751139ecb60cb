// Package verification runs the human-review workflow over surfaced
// findings. Low-confidence findings demand review before a matter can be
// exported; high-confidence ones merely invite it.
package verification

import (
	"context"
	"sort"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/matterdock/matterdock-backend/internal/domain/errors"
	"github.com/matterdock/matterdock-backend/internal/domain/finding"
	"github.com/matterdock/matterdock-backend/internal/domain/matter"
)

// BulkLimit caps one bulk decision request.
const BulkLimit = 100

// Store persists verification records. Get returns ITEM_NOT_FOUND for
// ids outside the matter.
type Store interface {
	Insert(ctx context.Context, scope matter.Scope, v *finding.Verification) error
	Get(ctx context.Context, scope matter.Scope, id uuid.UUID) (*finding.Verification, error)
	Update(ctx context.Context, scope matter.Scope, v *finding.Verification) error
	ListPending(ctx context.Context, scope matter.Scope) ([]*finding.Verification, error)
	ListAll(ctx context.Context, scope matter.Scope) ([]*finding.Verification, error)
}

// Workflow is the verification service.
type Workflow struct {
	store  Store
	logger *zap.Logger
}

func New(store Store, logger *zap.Logger) *Workflow {
	return &Workflow{store: store, logger: logger}
}

// CreateForFinding opens a pending verification for a surfaced finding.
// The requirement tier is a pure function of the finding's confidence and
// is never stored.
func (w *Workflow) CreateForFinding(ctx context.Context, scope matter.Scope, f *finding.Finding) (*finding.Verification, error) {
	v, err := finding.NewVerification(f)
	if err != nil {
		return nil, err
	}
	if v.MatterID != scope.MatterID {
		return nil, errors.NewMatterNotFound()
	}
	if err := w.store.Insert(ctx, scope, v); err != nil {
		return nil, err
	}

	w.logger.Info("verification opened",
		zap.String("matter_id", scope.MatterID.String()),
		zap.String("finding_id", f.ID.String()),
		zap.String("tier", v.Requirement().String()))
	return v, nil
}

// Decide records the reviewer's outcome on one record. The deciding user
// comes from the scope.
func (w *Workflow) Decide(ctx context.Context, scope matter.Scope, id uuid.UUID, decision finding.Decision, confidenceAfter *float64, notes string) (*finding.Verification, error) {
	v, err := w.store.Get(ctx, scope, id)
	if err != nil {
		return nil, err
	}
	if err := v.Decide(decision, scope.UserID, confidenceAfter, notes); err != nil {
		return nil, err
	}
	if err := w.store.Update(ctx, scope, v); err != nil {
		return nil, err
	}

	w.logger.Info("verification decided",
		zap.String("matter_id", scope.MatterID.String()),
		zap.String("verification_id", id.String()),
		zap.String("decision", decision.String()))
	return v, nil
}

// Pending lists the matter's open reviews, lowest confidence first so the
// riskiest findings surface at the top; ties break on creation time.
func (w *Workflow) Pending(ctx context.Context, scope matter.Scope) ([]*finding.Verification, error) {
	records, err := w.store.ListPending(ctx, scope)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(records, func(i, j int) bool {
		if records[i].ConfidenceBefore != records[j].ConfidenceBefore {
			return records[i].ConfidenceBefore < records[j].ConfidenceBefore
		}
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})
	return records, nil
}

// Stats folds the matter's whole verification queue into counters,
// including whether export is blocked by a pending REQUIRED record.
func (w *Workflow) Stats(ctx context.Context, scope matter.Scope) (finding.Stats, error) {
	records, err := w.store.ListAll(ctx, scope)
	if err != nil {
		return finding.Stats{}, err
	}
	return finding.ComputeStats(records), nil
}

// BulkResult reports a bulk decision outcome.
type BulkResult struct {
	Decided int         `json:"decided"`
	Missing []uuid.UUID `json:"missing,omitempty"`
}

// BulkDecide applies one decision to up to BulkLimit records. Ids not in
// the matter are reported, not fatal; a failed write is.
func (w *Workflow) BulkDecide(ctx context.Context, scope matter.Scope, ids []uuid.UUID, decision finding.Decision, notes string) (BulkResult, error) {
	if len(ids) > BulkLimit {
		return BulkResult{}, errors.NewBulkLimitExceeded(BulkLimit, len(ids))
	}

	var result BulkResult
	for _, id := range ids {
		v, err := w.store.Get(ctx, scope, id)
		if err != nil {
			if errors.IsCode(err, errors.CodeItemNotFound) {
				result.Missing = append(result.Missing, id)
				continue
			}
			return result, err
		}
		if err := v.Decide(decision, scope.UserID, nil, notes); err != nil {
			return result, err
		}
		if err := w.store.Update(ctx, scope, v); err != nil {
			return result, err
		}
		result.Decided++
	}

	w.logger.Info("bulk decision applied",
		zap.String("matter_id", scope.MatterID.String()),
		zap.String("decision", decision.String()),
		zap.Int("decided", result.Decided),
		zap.Int("missing", len(result.Missing)))
	return result, nil
}
