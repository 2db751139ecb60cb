// Package rest exposes the matter-scoped HTTP API. Every route under
// /api/v1/matters/{matterID} resolves a Scope and checks membership
// before touching any service; callers outside the matter get the same
// 404 a nonexistent matter would give.
package rest

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/matterdock/matterdock-backend/internal/domain/citation"
	"github.com/matterdock/matterdock-backend/internal/domain/document"
	"github.com/matterdock/matterdock-backend/internal/domain/errors"
	"github.com/matterdock/matterdock-backend/internal/domain/finding"
	"github.com/matterdock/matterdock-backend/internal/domain/job"
	"github.com/matterdock/matterdock-backend/internal/domain/matter"
	"github.com/matterdock/matterdock-backend/internal/domain/query"
	"github.com/matterdock/matterdock-backend/internal/infrastructure/telemetry"
	"github.com/matterdock/matterdock-backend/internal/service/citeverify"
	"github.com/matterdock/matterdock-backend/internal/service/globalsearch"
	"github.com/matterdock/matterdock-backend/internal/service/orchestrator"
	"github.com/matterdock/matterdock-backend/internal/service/search"
	"github.com/matterdock/matterdock-backend/internal/service/verification"
)

// userHeader carries the authenticated caller's ID. Authentication
// itself happens upstream; this layer trusts the gateway-injected value
// but still validates it is a well-formed UUID.
const userHeader = "X-User-ID"

// MatterDirectory resolves membership. RequireMember answers with
// MATTER_NOT_FOUND for both absent and forbidden matters.
type MatterDirectory interface {
	RequireMember(ctx context.Context, scope matter.Scope) (matter.Role, error)
	GetByID(ctx context.Context, scope matter.Scope) (*matter.Matter, error)
}

// DocumentStore is the slice of the document repository the API uses.
type DocumentStore interface {
	Create(ctx context.Context, doc *document.Document) error
	GetByID(ctx context.Context, scope matter.Scope, id uuid.UUID) (*document.Document, error)
	List(ctx context.Context, scope matter.Scope) ([]*document.Document, error)
	SoftDelete(ctx context.Context, scope matter.Scope, id uuid.UUID) error
}

// BlobStore stores uploaded files.
type BlobStore interface {
	Put(ctx context.Context, path string, data []byte, contentType string) (string, string, error)
}

// Searcher runs a single-matter hybrid search.
type Searcher interface {
	Search(ctx context.Context, scope matter.Scope, params search.Params) (*search.Response, error)
}

// SearchInspector runs the instrumented search pipeline for operators.
type SearchInspector interface {
	Inspect(ctx context.Context, scope matter.Scope, params search.Params) (*search.Response, *search.DebugInfo, error)
}

// GlobalSearcher fans a query across the caller's matters.
type GlobalSearcher interface {
	Search(ctx context.Context, userID uuid.UUID, queryText string, limit int) (*globalsearch.Response, error)
}

// Streamer produces the ordered query event stream.
type Streamer interface {
	Stream(ctx context.Context, scope matter.Scope, queryText string) <-chan orchestrator.Event
}

// MemoryService is matter memory: history, snapshots, invalidation.
type MemoryService interface {
	History(ctx context.Context, scope matter.Scope, limit int) ([]*query.HistoryEntry, error)
	MarkQueryVerified(ctx context.Context, scope matter.Scope, id uuid.UUID) (bool, error)
	Timeline(ctx context.Context, scope matter.Scope) (*query.TimelineCache, error)
	EntityGraph(ctx context.Context, scope matter.Scope) (*query.EntityGraphCache, error)
	InvalidateMatterCaches(ctx context.Context, scope matter.Scope) error
}

// VerificationService is the attorney verification workflow.
type VerificationService interface {
	Decide(ctx context.Context, scope matter.Scope, id uuid.UUID, decision finding.Decision, confidenceAfter *float64, notes string) (*finding.Verification, error)
	Pending(ctx context.Context, scope matter.Scope) ([]*finding.Verification, error)
	Stats(ctx context.Context, scope matter.Scope) (finding.Stats, error)
	BulkDecide(ctx context.Context, scope matter.Scope, ids []uuid.UUID, decision finding.Decision, notes string) (verification.BulkResult, error)
}

// JobService tracks background jobs.
type JobService interface {
	Get(ctx context.Context, scope matter.Scope, id uuid.UUID) (*job.Job, error)
	List(ctx context.Context, scope matter.Scope) ([]*job.Job, error)
	Retry(ctx context.Context, scope matter.Scope, id uuid.UUID) (*job.Job, error)
	Skip(ctx context.Context, scope matter.Scope, id uuid.UUID) (*job.Job, error)
	Cancel(ctx context.Context, scope matter.Scope, id uuid.UUID) (*job.Job, error)
	Enqueue(ctx context.Context, scope matter.Scope, jobType string, documentID *uuid.UUID, payload json.RawMessage) (*job.Job, error)
}

// ReviewService is the human OCR correction queue.
type ReviewService interface {
	Pending(ctx context.Context, scope matter.Scope, documentID uuid.UUID) ([]*document.ReviewItem, error)
	Approve(ctx context.Context, scope matter.Scope, itemID uuid.UUID, correctedText string) (*document.ReviewItem, error)
	Reject(ctx context.Context, scope matter.Scope, itemID uuid.UUID) (*document.ReviewItem, error)
}

// CitationService reads citations and kicks off batch verification.
type CitationService interface {
	ListByMatter(ctx context.Context, scope matter.Scope, status *citation.VerificationStatus) ([]*citation.ExtractedCitation, error)
	CountByStatus(ctx context.Context, scope matter.Scope) (map[string]int, error)
	ListActResolutions(ctx context.Context, scope matter.Scope) ([]*citation.ActResolution, error)
}

// BatchVerifier runs the verification batch for one uploaded act.
type BatchVerifier interface {
	Run(ctx context.Context, scope matter.Scope, canonicalActName string, actDocumentID uuid.UUID) (citeverify.Counts, error)
}

// Handler holds the API's collaborators.
type Handler struct {
	matters   MatterDirectory
	documents DocumentStore
	blobs     BlobStore
	searcher  Searcher
	inspector SearchInspector
	global    GlobalSearcher
	streamer  Streamer
	memory    MemoryService
	verify    VerificationService
	jobs      JobService
	review    ReviewService
	citations CitationService
	batch     BatchVerifier
	logger    *slog.Logger
}

// Deps enumerates Handler collaborators; nil entries disable their
// routes with 503s rather than panics.
type Deps struct {
	Matters   MatterDirectory
	Documents DocumentStore
	Blobs     BlobStore
	Searcher  Searcher
	Inspector SearchInspector
	Global    GlobalSearcher
	Streamer  Streamer
	Memory    MemoryService
	Verify    VerificationService
	Jobs      JobService
	Review    ReviewService
	Citations CitationService
	Batch     BatchVerifier
	Logger    *slog.Logger
}

func NewHandler(d Deps) *Handler {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		matters:   d.Matters,
		documents: d.Documents,
		blobs:     d.Blobs,
		searcher:  d.Searcher,
		inspector: d.Inspector,
		global:    d.Global,
		streamer:  d.Streamer,
		memory:    d.Memory,
		verify:    d.Verify,
		jobs:      d.Jobs,
		review:    d.Review,
		citations: d.Citations,
		batch:     d.Batch,
		logger:    logger,
	}
}

// Routes registers every API route on mux.
func (h *Handler) Routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/matters/{matterID}", h.getMatter)

	mux.HandleFunc("POST /api/v1/matters/{matterID}/documents", h.uploadDocument)
	mux.HandleFunc("GET /api/v1/matters/{matterID}/documents", h.listDocuments)
	mux.HandleFunc("GET /api/v1/matters/{matterID}/documents/{documentID}", h.getDocument)
	mux.HandleFunc("DELETE /api/v1/matters/{matterID}/documents/{documentID}", h.deleteDocument)

	mux.HandleFunc("POST /api/v1/matters/{matterID}/search", h.search)
	mux.HandleFunc("POST /api/v1/matters/{matterID}/search/inspect", h.inspectSearch)
	mux.HandleFunc("GET /api/v1/search", h.globalSearch)
	mux.HandleFunc("POST /api/v1/matters/{matterID}/query/stream", h.streamQuery)

	mux.HandleFunc("GET /api/v1/matters/{matterID}/history", h.listHistory)
	mux.HandleFunc("POST /api/v1/matters/{matterID}/history/{entryID}/verify", h.verifyHistoryEntry)
	mux.HandleFunc("GET /api/v1/matters/{matterID}/timeline", h.getTimeline)
	mux.HandleFunc("GET /api/v1/matters/{matterID}/entity-graph", h.getEntityGraph)
	mux.HandleFunc("POST /api/v1/matters/{matterID}/caches/invalidate", h.invalidateCaches)

	mux.HandleFunc("GET /api/v1/matters/{matterID}/citations", h.listCitations)
	mux.HandleFunc("GET /api/v1/matters/{matterID}/citations/stats", h.citationStats)
	mux.HandleFunc("GET /api/v1/matters/{matterID}/acts", h.listActResolutions)
	mux.HandleFunc("POST /api/v1/matters/{matterID}/citations/verify-batch", h.verifyCitationBatch)

	mux.HandleFunc("GET /api/v1/matters/{matterID}/verifications/pending", h.listPendingVerifications)
	mux.HandleFunc("GET /api/v1/matters/{matterID}/verifications/stats", h.verificationStats)
	mux.HandleFunc("POST /api/v1/matters/{matterID}/verifications/{verificationID}/decide", h.decideVerification)
	mux.HandleFunc("POST /api/v1/matters/{matterID}/verifications/bulk", h.bulkDecideVerifications)

	mux.HandleFunc("GET /api/v1/matters/{matterID}/jobs", h.listJobs)
	mux.HandleFunc("GET /api/v1/matters/{matterID}/jobs/{jobID}", h.getJob)
	mux.HandleFunc("POST /api/v1/matters/{matterID}/jobs/{jobID}/retry", h.retryJob)
	mux.HandleFunc("POST /api/v1/matters/{matterID}/jobs/{jobID}/skip", h.skipJob)
	mux.HandleFunc("POST /api/v1/matters/{matterID}/jobs/{jobID}/cancel", h.cancelJob)

	mux.HandleFunc("GET /api/v1/matters/{matterID}/documents/{documentID}/review", h.listReviewItems)
	mux.HandleFunc("POST /api/v1/matters/{matterID}/review/{itemID}/approve", h.approveReviewItem)
	mux.HandleFunc("POST /api/v1/matters/{matterID}/review/{itemID}/reject", h.rejectReviewItem)
}

// userID validates the gateway-supplied caller ID.
func (h *Handler) userID(r *http.Request) (uuid.UUID, error) {
	return matter.ParseID("user_id", r.Header.Get(userHeader))
}

// scope builds the (matter, user) scope from the request and verifies
// membership. The returned context carries both IDs for logging.
func (h *Handler) scope(r *http.Request) (context.Context, matter.Scope, matter.Role, error) {
	s, err := matter.NewScope(r.PathValue("matterID"), r.Header.Get(userHeader))
	if err != nil {
		return r.Context(), matter.Scope{}, 0, err
	}

	role, err := h.matters.RequireMember(r.Context(), s)
	if err != nil {
		return r.Context(), matter.Scope{}, 0, err
	}

	ctx := telemetry.WithMatterID(r.Context(), s.MatterID.String())
	ctx = telemetry.WithUserID(ctx, s.UserID.String())
	return ctx, s, role, nil
}

// editScope is scope plus an editor-or-owner check for mutations.
func (h *Handler) editScope(r *http.Request) (context.Context, matter.Scope, error) {
	ctx, s, role, err := h.scope(r)
	if err != nil {
		return ctx, matter.Scope{}, err
	}
	if !role.CanEdit() {
		return ctx, matter.Scope{}, errors.NewMatterNotFound()
	}
	return ctx, s, nil
}

func (h *Handler) getMatter(w http.ResponseWriter, r *http.Request) {
	ctx, s, _, err := h.scope(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	m, err := h.matters.GetByID(ctx, s)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func pathID(r *http.Request, name, param string) (uuid.UUID, error) {
	return matter.ParseID(param, r.PathValue(name))
}
