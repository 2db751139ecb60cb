package rest

import (
	"net/http"

	"github.com/matterdock/matterdock-backend/internal/domain/citation"
	"github.com/matterdock/matterdock-backend/internal/domain/matter"
)

func (h *Handler) listCitations(w http.ResponseWriter, r *http.Request) {
	ctx, s, _, err := h.scope(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	var status *citation.VerificationStatus
	if raw := r.URL.Query().Get("status"); raw != "" {
		parsed, err := citation.ParseVerificationStatus(raw)
		if err != nil {
			writeError(w, r, h.logger, err)
			return
		}
		status = &parsed
	}

	citations, err := h.citations.ListByMatter(ctx, s, status)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"citations": citations})
}

func (h *Handler) citationStats(w http.ResponseWriter, r *http.Request) {
	ctx, s, _, err := h.scope(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	counts, err := h.citations.CountByStatus(ctx, s)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"by_status": counts})
}

func (h *Handler) listActResolutions(w http.ResponseWriter, r *http.Request) {
	ctx, s, _, err := h.scope(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	acts, err := h.citations.ListActResolutions(ctx, s)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"acts": acts})
}

type verifyBatchRequest struct {
	ActName       string `json:"act_name"`
	ActDocumentID string `json:"act_document_id"`
}

// verifyCitationBatch kicks off verification of every pending citation
// against a freshly uploaded act. The batch runs synchronously; clients
// wanting progress subscribe to the matter event channel instead.
func (h *Handler) verifyCitationBatch(w http.ResponseWriter, r *http.Request) {
	ctx, s, err := h.editScope(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	var req verifyBatchRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	actDocID, err := matter.ParseID("act_document_id", req.ActDocumentID)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	counts, err := h.batch.Run(ctx, s, req.ActName, actDocID)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, counts)
}
