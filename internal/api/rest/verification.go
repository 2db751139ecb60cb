package rest

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/matterdock/matterdock-backend/internal/domain/errors"
	"github.com/matterdock/matterdock-backend/internal/domain/finding"
	"github.com/matterdock/matterdock-backend/internal/domain/matter"
)

func (h *Handler) listPendingVerifications(w http.ResponseWriter, r *http.Request) {
	ctx, s, _, err := h.scope(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	pending, err := h.verify.Pending(ctx, s)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"pending": pending})
}

func (h *Handler) verificationStats(w http.ResponseWriter, r *http.Request) {
	ctx, s, _, err := h.scope(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	stats, err := h.verify.Stats(ctx, s)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

type decideRequest struct {
	Decision        string   `json:"decision"`
	ConfidenceAfter *float64 `json:"confidence_after,omitempty"`
	Notes           string   `json:"notes,omitempty"`
}

func (h *Handler) decideVerification(w http.ResponseWriter, r *http.Request) {
	ctx, s, err := h.editScope(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	id, err := pathID(r, "verificationID", "verification_id")
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	var req decideRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	decision, err := finding.ParseDecision(req.Decision)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	v, err := h.verify.Decide(ctx, s, id, decision, req.ConfidenceAfter, req.Notes)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

type bulkDecideRequest struct {
	IDs      []string `json:"ids"`
	Decision string   `json:"decision"`
	Notes    string   `json:"notes,omitempty"`
}

func (h *Handler) bulkDecideVerifications(w http.ResponseWriter, r *http.Request) {
	ctx, s, err := h.editScope(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	var req bulkDecideRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	decision, err := finding.ParseDecision(req.Decision)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	ids := make([]uuid.UUID, 0, len(req.IDs))
	for _, raw := range req.IDs {
		id, err := matter.ParseID("ids", raw)
		if err != nil {
			writeError(w, r, h.logger, errors.NewInvalidParameter("ids", "ids must be UUIDs"))
			return
		}
		ids = append(ids, id)
	}

	result, err := h.verify.BulkDecide(ctx, s, ids, decision, req.Notes)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
