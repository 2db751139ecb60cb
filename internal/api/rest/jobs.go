package rest

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/matterdock/matterdock-backend/internal/domain/job"
	"github.com/matterdock/matterdock-backend/internal/domain/matter"
)

func (h *Handler) listJobs(w http.ResponseWriter, r *http.Request) {
	ctx, s, _, err := h.scope(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	jobs, err := h.jobs.List(ctx, s)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": jobs})
}

func (h *Handler) getJob(w http.ResponseWriter, r *http.Request) {
	ctx, s, _, err := h.scope(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	id, err := pathID(r, "jobID", "job_id")
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	j, err := h.jobs.Get(ctx, s, id)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (h *Handler) retryJob(w http.ResponseWriter, r *http.Request) {
	h.jobAction(w, r, h.jobs.Retry)
}

func (h *Handler) skipJob(w http.ResponseWriter, r *http.Request) {
	h.jobAction(w, r, h.jobs.Skip)
}

func (h *Handler) cancelJob(w http.ResponseWriter, r *http.Request) {
	h.jobAction(w, r, h.jobs.Cancel)
}

func (h *Handler) jobAction(w http.ResponseWriter, r *http.Request, action func(context.Context, matter.Scope, uuid.UUID) (*job.Job, error)) {
	ctx, s, err := h.editScope(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	id, err := pathID(r, "jobID", "job_id")
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	j, err := action(ctx, s, id)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}
