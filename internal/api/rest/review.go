package rest

import (
	"net/http"
)

func (h *Handler) listReviewItems(w http.ResponseWriter, r *http.Request) {
	ctx, s, _, err := h.scope(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	documentID, err := pathID(r, "documentID", "document_id")
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	items, err := h.review.Pending(ctx, s, documentID)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": items})
}

type approveReviewRequest struct {
	CorrectedText string `json:"corrected_text"`
}

func (h *Handler) approveReviewItem(w http.ResponseWriter, r *http.Request) {
	ctx, s, err := h.editScope(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	itemID, err := pathID(r, "itemID", "item_id")
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	var req approveReviewRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	item, err := h.review.Approve(ctx, s, itemID, req.CorrectedText)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (h *Handler) rejectReviewItem(w http.ResponseWriter, r *http.Request) {
	ctx, s, err := h.editScope(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	itemID, err := pathID(r, "itemID", "item_id")
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	item, err := h.review.Reject(ctx, s, itemID)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}
