package rest

import (
	"net/http"
	"strconv"

	"github.com/matterdock/matterdock-backend/internal/domain/errors"
	"github.com/matterdock/matterdock-backend/internal/infrastructure/telemetry"
	"github.com/matterdock/matterdock-backend/internal/service/mattermemory"
	"github.com/matterdock/matterdock-backend/internal/service/orchestrator"
	"github.com/matterdock/matterdock-backend/internal/service/search"
)

type searchRequest struct {
	Query          string   `json:"query"`
	Limit          int      `json:"limit,omitempty"`
	BM25Weight     *float64 `json:"bm25_weight,omitempty"`
	SemanticWeight *float64 `json:"semantic_weight,omitempty"`
}

func decodeSearchParams(r *http.Request) (search.Params, error) {
	var req searchRequest
	if err := decodeJSON(r, &req); err != nil {
		return search.Params{}, err
	}

	params := search.Params{Query: req.Query, Limit: req.Limit}
	if req.BM25Weight != nil || req.SemanticWeight != nil {
		params.Weights = search.DefaultWeights()
		if req.BM25Weight != nil {
			params.Weights.BM25 = *req.BM25Weight
		}
		if req.SemanticWeight != nil {
			params.Weights.Semantic = *req.SemanticWeight
		}
	}
	return params, nil
}

func (h *Handler) search(w http.ResponseWriter, r *http.Request) {
	ctx, s, _, err := h.scope(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	params, err := decodeSearchParams(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	resp, err := h.searcher.Search(ctx, s, params)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// inspectSearch runs the instrumented pipeline. The trace explains a
// ranking, so it rides next to the normal response.
func (h *Handler) inspectSearch(w http.ResponseWriter, r *http.Request) {
	ctx, s, _, err := h.scope(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	params, err := decodeSearchParams(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	resp, debug, err := h.inspector.Inspect(ctx, s, params)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"response": resp,
		"debug":    debug,
	})
}

func (h *Handler) globalSearch(w http.ResponseWriter, r *http.Request) {
	userID, err := h.userID(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	queryText := r.URL.Query().Get("q")
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil {
			writeError(w, r, h.logger, errors.NewInvalidParameter("limit", "limit must be an integer"))
			return
		}
	}

	ctx := telemetry.WithUserID(r.Context(), userID.String())
	resp, err := h.global.Search(ctx, userID, queryText, limit)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type streamRequest struct {
	Query string `json:"query"`
}

// streamQuery runs the orchestrator and writes its events as NDJSON.
// The response status is committed before the pipeline runs; in-stream
// failures arrive as error events, not HTTP statuses.
func (h *Handler) streamQuery(w http.ResponseWriter, r *http.Request) {
	ctx, s, _, err := h.scope(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	var req streamRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if req.Query == "" {
		writeError(w, r, h.logger, errors.NewInvalidParameter("query", "query is required"))
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	telemetry.StreamOpened()
	defer telemetry.StreamClosed()

	events := h.streamer.Stream(ctx, s, req.Query)
	if err := orchestrator.WriteNDJSON(ctx, w, events); err != nil {
		// Headers are gone; all we can do is log the broken pipe.
		h.logger.WarnContext(ctx, "stream write aborted", "error", err.Error())
	}
}

func (h *Handler) listHistory(w http.ResponseWriter, r *http.Request) {
	ctx, s, _, err := h.scope(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	limit := mattermemory.DefaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil {
			writeError(w, r, h.logger, errors.NewInvalidParameter("limit", "limit must be an integer"))
			return
		}
	}

	entries, err := h.memory.History(ctx, s, limit)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"entries": entries})
}

func (h *Handler) verifyHistoryEntry(w http.ResponseWriter, r *http.Request) {
	ctx, s, err := h.editScope(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	id, err := pathID(r, "entryID", "entry_id")
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	ok, err := h.memory.MarkQueryVerified(ctx, s, id)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if !ok {
		writeError(w, r, h.logger, errors.NewItemNotFound("history entry"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"attorney_verified": true})
}

func (h *Handler) getTimeline(w http.ResponseWriter, r *http.Request) {
	ctx, s, _, err := h.scope(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	snap, err := h.memory.Timeline(ctx, s)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *Handler) getEntityGraph(w http.ResponseWriter, r *http.Request) {
	ctx, s, _, err := h.scope(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	snap, err := h.memory.EntityGraph(ctx, s)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *Handler) invalidateCaches(w http.ResponseWriter, r *http.Request) {
	ctx, s, err := h.editScope(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	if err := h.memory.InvalidateMatterCaches(ctx, s); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
