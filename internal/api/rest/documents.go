package rest

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/matterdock/matterdock-backend/internal/domain/document"
	"github.com/matterdock/matterdock-backend/internal/domain/errors"
	"github.com/matterdock/matterdock-backend/internal/domain/job"
	"github.com/matterdock/matterdock-backend/internal/domain/matter"
	"github.com/matterdock/matterdock-backend/internal/service/pdfsplit"
)

// maxUploadBytes caps a single document upload.
const maxUploadBytes = 200 << 20

type uploadedDocument struct {
	Document  *document.Document `json:"document"`
	Job       *job.Job           `json:"job,omitempty"`
	SignedURL string             `json:"signed_url"`
}

type uploadResponse struct {
	Documents []uploadedDocument `json:"documents"`
}

// uploadDocument accepts a multipart upload of a PDF or a ZIP of PDFs,
// stores each blob, creates the document rows, and queues OCR per
// document. Acts land under acts/ and skip the case-file pipeline extras
// downstream.
func (h *Handler) uploadDocument(w http.ResponseWriter, r *http.Request) {
	ctx, s, err := h.editScope(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, r, h.logger, errors.NewInvalidParameter("file", "request is not a valid multipart upload"))
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, r, h.logger, errors.NewInvalidParameter("file", "file field is required"))
		return
	}
	defer file.Close()

	docType := document.TypeCaseFile
	if typeParam := r.FormValue("type"); typeParam != "" {
		docType, err = document.ParseType(typeParam)
		if err != nil {
			writeError(w, r, h.logger, err)
			return
		}
	}

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, r, h.logger, errors.NewInvalidParameter("file", "failed to read upload"))
		return
	}

	files, err := pdfsplit.AcceptUpload(header.Filename, data)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	isReference := r.FormValue("is_reference_material") == "true"
	subfolder := matter.SubfolderUploads
	if docType == document.TypeAct {
		subfolder = matter.SubfolderActs
	}

	resp := uploadResponse{Documents: make([]uploadedDocument, 0, len(files))}
	for _, f := range files {
		doc, err := document.New(s.MatterID, f.Name, docType)
		if err != nil {
			writeError(w, r, h.logger, err)
			return
		}
		doc.SizeBytes = int64(len(f.Data))
		doc.IsReferenceMaterial = isReference

		storedPath, signedURL, err := h.blobs.Put(ctx, s.ObjectPath(subfolder, f.Name), f.Data, "application/pdf")
		if err != nil {
			writeError(w, r, h.logger, err)
			return
		}
		doc.StoragePath = storedPath

		if err := h.documents.Create(ctx, doc); err != nil {
			writeError(w, r, h.logger, err)
			return
		}

		payload, _ := json.Marshal(map[string]string{
			"document_id":  doc.ID.String(),
			"storage_path": doc.StoragePath,
		})
		ocrJob, err := h.jobs.Enqueue(ctx, s, job.TypeOCR, &doc.ID, payload)
		if err != nil {
			// The document row exists; surface the job failure but keep the
			// upload. A retry endpoint covers the rest.
			h.logger.ErrorContext(ctx, "failed to enqueue ocr job",
				"document_id", doc.ID.String(),
				"error", err.Error())
		}

		resp.Documents = append(resp.Documents, uploadedDocument{
			Document:  doc,
			Job:       ocrJob,
			SignedURL: signedURL,
		})
	}

	writeJSON(w, http.StatusAccepted, resp)
}

func (h *Handler) listDocuments(w http.ResponseWriter, r *http.Request) {
	ctx, s, _, err := h.scope(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	docs, err := h.documents.List(ctx, s)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"documents": docs})
}

func (h *Handler) getDocument(w http.ResponseWriter, r *http.Request) {
	ctx, s, _, err := h.scope(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	id, err := pathID(r, "documentID", "document_id")
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	doc, err := h.documents.GetByID(ctx, s, id)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (h *Handler) deleteDocument(w http.ResponseWriter, r *http.Request) {
	ctx, s, err := h.editScope(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	id, err := pathID(r, "documentID", "document_id")
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	if err := h.documents.SoftDelete(ctx, s, id); err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	// Derived caches are stale the moment a document disappears.
	if err := h.memory.InvalidateMatterCaches(ctx, s); err != nil {
		h.logger.WarnContext(ctx, "cache invalidation after delete failed",
			"document_id", id.String(),
			"error", err.Error())
	}

	w.WriteHeader(http.StatusNoContent)
}
