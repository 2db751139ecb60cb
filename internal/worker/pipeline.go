package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/matterdock/matterdock-backend/internal/domain/citation"
	"github.com/matterdock/matterdock-backend/internal/domain/document"
	"github.com/matterdock/matterdock-backend/internal/domain/errors"
	"github.com/matterdock/matterdock-backend/internal/domain/job"
	"github.com/matterdock/matterdock-backend/internal/domain/matter"
	"github.com/matterdock/matterdock-backend/internal/domain/timeline"
	"github.com/matterdock/matterdock-backend/internal/infrastructure/telemetry"
	"github.com/matterdock/matterdock-backend/internal/ports"
	"github.com/matterdock/matterdock-backend/internal/service/citextract"
	"github.com/matterdock/matterdock-backend/internal/service/citeverify"
	"github.com/matterdock/matterdock-backend/internal/service/entitygraph"
	"github.com/matterdock/matterdock-backend/internal/service/jobs"
	"github.com/matterdock/matterdock-backend/internal/service/ocrmerge"
	"github.com/matterdock/matterdock-backend/internal/service/ocrvalidate"
	"github.com/matterdock/matterdock-backend/internal/service/pdfsplit"
	tlextract "github.com/matterdock/matterdock-backend/internal/service/timeline"
)

// embedBatchSize bounds one embedding request.
const embedBatchSize = 64

// contextWindow is how many neighboring words ride along with a
// low-confidence word for the validation tiers.
const contextWindow = 3

// DocumentStore is the slice of the document repository the pipeline uses.
type DocumentStore interface {
	GetByID(ctx context.Context, scope matter.Scope, id uuid.UUID) (*document.Document, error)
	Update(ctx context.Context, doc *document.Document) error
	ReplaceChunks(ctx context.Context, scope matter.Scope, documentID uuid.UUID, chunks []*document.Chunk) error
	ChunksByDocument(ctx context.Context, scope matter.Scope, documentID uuid.UUID, tier document.ChunkTier) ([]*document.Chunk, error)
	ReplaceBoundingBoxes(ctx context.Context, scope matter.Scope, documentID uuid.UUID, boxes []document.BoundingBox) error
	UpdateBoundingBoxText(ctx context.Context, scope matter.Scope, id uuid.UUID, text string, confidence float64) error
	SetChunkEmbeddings(ctx context.Context, scope matter.Scope, embeddings map[uuid.UUID][]float32) error
}

// CitationSink persists extracted citations and act state.
type CitationSink interface {
	InsertBatch(ctx context.Context, scope matter.Scope, citations []*citation.ExtractedCitation) error
	MarkActUploaded(ctx context.Context, scope matter.Scope, actNameNormalized string, documentID uuid.UUID) error
}

// TimelineSink persists extracted chronology events.
type TimelineSink interface {
	InsertEvents(ctx context.Context, scope matter.Scope, events []timeline.Event) error
	DeleteByDocument(ctx context.Context, scope matter.Scope, documentID uuid.UUID) (int64, error)
}

// CacheInvalidator drops a matter's derived caches after reprocessing.
type CacheInvalidator interface {
	InvalidateMatterCaches(ctx context.Context, scope matter.Scope) error
}

// ReviewSink queues words for human review.
type ReviewSink interface {
	Enqueue(ctx context.Context, items []*document.ReviewItem) error
}

// PipelineDeps enumerates the pipeline's collaborators.
type PipelineDeps struct {
	Documents DocumentStore
	Blobs     ports.ObjectStore
	Splitter  *pdfsplit.Splitter
	OCR       ports.OcrProvider
	Merger    *ocrmerge.Merger
	Validator *ocrvalidate.Pipeline
	Reviews   ReviewSink
	Embedder  ports.Embedder
	Citations CitationSink
	Extract   *citextract.Extractor
	Entities  *entitygraph.Extractor
	Timeline  *tlextract.Extractor
	Timelines TimelineSink
	Caches    CacheInvalidator
	Batch     *citeverify.Batch
	Tracker   *jobs.Tracker
	Logger    *zap.Logger

	// LowConfidenceThreshold selects which words enter validation; words
	// at or above it are trusted as-is.
	LowConfidenceThreshold float64
}

// Pipeline implements the job handlers the worker dispatches to.
type Pipeline struct {
	d      PipelineDeps
	tracer trace.Tracer
}

func NewPipeline(d PipelineDeps) *Pipeline {
	if d.LowConfidenceThreshold <= 0 {
		d.LowConfidenceThreshold = ocrvalidate.DefaultModelThreshold
	}
	return &Pipeline{d: d, tracer: telemetry.Tracer("matterdock.worker")}
}

// stage runs fn under a span named after the pipeline stage, recording
// its error when the stage fails.
func (p *Pipeline) stage(ctx context.Context, scope matter.Scope, name string, fn func(context.Context) error) error {
	ctx, span := telemetry.StartStageSpan(ctx, p.tracer, name, scope.MatterID.String())
	defer span.End()
	err := fn(ctx)
	telemetry.WithSpanError(span, err)
	return err
}

// ProcessOCR runs split, OCR fan-out, merge, and validation for one
// uploaded document, then queues the extraction jobs that follow.
func (p *Pipeline) ProcessOCR(ctx context.Context, scope matter.Scope, env jobs.Envelope) error {
	if env.DocumentID == nil {
		return errors.NewInvalidParameter("document_id", "ocr job needs a document")
	}

	doc, err := p.d.Documents.GetByID(ctx, scope, *env.DocumentID)
	if err != nil {
		return err
	}
	doc.StartProcessing()
	if err := p.d.Documents.Update(ctx, doc); err != nil {
		return err
	}

	if err := p.runOCR(ctx, scope, env, doc); err != nil {
		doc.FailProcessing()
		if uerr := p.d.Documents.Update(ctx, doc); uerr != nil {
			p.d.Logger.Warn("document failure not recorded",
				zap.String("document_id", doc.ID.String()), zap.Error(uerr))
		}
		return err
	}
	return nil
}

func (p *Pipeline) runOCR(ctx context.Context, scope matter.Scope, env jobs.Envelope, doc *document.Document) error {
	src, err := p.d.Blobs.Get(ctx, doc.StoragePath)
	if err != nil {
		return err
	}

	var pieces []pdfsplit.Chunk
	if err := p.stage(ctx, scope, "split", func(ctx context.Context) error {
		var err error
		pieces, err = p.d.Splitter.Split(ctx, src)
		return err
	}); err != nil {
		return err
	}
	p.advance(ctx, scope, env.JobID, "split")

	results := make([]document.ChunkOCRResult, 0, len(pieces))
	if err := p.stage(ctx, scope, "ocr", func(ctx context.Context) error {
		for _, piece := range pieces {
			result, err := p.d.OCR.Process(ctx, piece.Data)
			if err != nil {
				return err
			}
			// The provider sees one chunk at a time; position comes from the
			// split plan, not from the provider's echo.
			result.ChunkIndex = piece.Index
			result.PageStart = piece.PageStart
			result.PageEnd = piece.PageEnd
			result.Checksum = result.ComputeChecksum()
			results = append(results, *result)
		}
		return nil
	}); err != nil {
		return err
	}
	p.advance(ctx, scope, env.JobID, "ocr")

	var merged *document.MergedOCRResult
	if err := p.stage(ctx, scope, "merge", func(ctx context.Context) error {
		var err error
		merged, err = p.d.Merger.Merge(doc.ID.String(), results)
		if err != nil {
			return err
		}
		claimBoxes(merged.Boxes, scope.MatterID, doc.ID)
		return p.d.Documents.ReplaceBoundingBoxes(ctx, scope, doc.ID, merged.Boxes)
	}); err != nil {
		return err
	}
	p.advance(ctx, scope, env.JobID, "merge")

	if err := p.stage(ctx, scope, "validate", func(ctx context.Context) error {
		if err := p.validate(ctx, scope, doc.ID, merged.Boxes); err != nil {
			return err
		}
		chunks, err := buildChunks(scope.MatterID, doc.ID, merged.Boxes)
		if err != nil {
			return err
		}
		if err := p.d.Documents.ReplaceChunks(ctx, scope, doc.ID, chunks); err != nil {
			return err
		}
		return p.embedChildren(ctx, scope, chunks)
	}); err != nil {
		return err
	}
	p.advance(ctx, scope, env.JobID, "validate")

	doc.CompleteProcessing(merged.PageCount)
	if err := p.d.Documents.Update(ctx, doc); err != nil {
		return err
	}

	return p.enqueueFollowups(ctx, scope, doc)
}

// validate runs the tiered correction pass and writes its outcome back:
// corrections onto the boxes (stored and in-memory, so chunk content is
// built from corrected text), review items onto the queue.
func (p *Pipeline) validate(ctx context.Context, scope matter.Scope, documentID uuid.UUID, boxes []document.BoundingBox) error {
	words := lowConfidenceWords(boxes, p.d.LowConfidenceThreshold)
	if len(words) == 0 {
		return nil
	}

	outcome, err := p.d.Validator.Validate(ctx, scope.MatterID, documentID, words)
	if err != nil {
		return err
	}

	byID := make(map[uuid.UUID]*document.BoundingBox, len(boxes))
	for i := range boxes {
		byID[boxes[i].ID] = &boxes[i]
	}
	for _, c := range outcome.Corrections {
		bboxID, err := uuid.Parse(c.BBoxID)
		if err != nil {
			p.d.Logger.Warn("correction skipped, unparseable bbox id",
				zap.String("bbox_id", c.BBoxID))
			continue
		}
		if err := p.d.Documents.UpdateBoundingBoxText(ctx, scope, bboxID, c.Corrected, c.Confidence); err != nil {
			return err
		}
		if box, ok := byID[bboxID]; ok {
			box.Text = c.Corrected
			box.Confidence = c.Confidence
		}
	}

	if len(outcome.ReviewItems) > 0 {
		if err := p.d.Reviews.Enqueue(ctx, outcome.ReviewItems); err != nil {
			return err
		}
	}
	return nil
}

// embedChildren embeds child chunk content in bounded batches.
func (p *Pipeline) embedChildren(ctx context.Context, scope matter.Scope, chunks []*document.Chunk) error {
	var children []*document.Chunk
	for _, c := range chunks {
		if c.Tier == document.TierChild {
			children = append(children, c)
		}
	}

	for start := 0; start < len(children); start += embedBatchSize {
		end := start + embedBatchSize
		if end > len(children) {
			end = len(children)
		}
		batch := children[start:end]

		texts := make([]string, len(batch))
		for i, c := range batch {
			texts[i] = c.Content
		}
		vectors, err := p.d.Embedder.Embed(ctx, texts)
		if err != nil {
			return err
		}

		embeddings := make(map[uuid.UUID][]float32, len(batch))
		for i, c := range batch {
			embeddings[c.ID] = vectors[i]
		}
		if err := p.d.Documents.SetChunkEmbeddings(ctx, scope, embeddings); err != nil {
			return err
		}
	}
	return nil
}

// enqueueFollowups queues the jobs that run over the finished document:
// extraction for case files, batch verification for acts.
func (p *Pipeline) enqueueFollowups(ctx context.Context, scope matter.Scope, doc *document.Document) error {
	if doc.Type == document.TypeAct {
		actName := strings.TrimSuffix(doc.Filename, ".pdf")
		normalized := citation.NormalizeActName(actName)
		if err := p.d.Citations.MarkActUploaded(ctx, scope, normalized, doc.ID); err != nil {
			// An act nobody cited yet has no resolution row to mark.
			if !errors.IsCode(err, errors.CodeItemNotFound) {
				return err
			}
		}

		payload, err := json.Marshal(verifyPayload{
			CanonicalActName: citation.CanonicalActName(actName),
			ActDocumentID:    doc.ID,
		})
		if err != nil {
			return errors.NewInternalError("failed to encode verification payload").WithCause(err)
		}
		_, err = p.d.Tracker.Enqueue(ctx, scope, job.TypeCitationVerification, &doc.ID, payload)
		return err
	}

	for _, jobType := range []string{job.TypeCitationExtraction, job.TypeEntityExtraction, job.TypeTimelineExtraction} {
		if _, err := p.d.Tracker.Enqueue(ctx, scope, jobType, &doc.ID, nil); err != nil {
			return err
		}
	}
	return nil
}

// ExtractCitations runs citation extraction over the document's child
// chunks. A chunk whose model call fails is skipped; the job fails only
// when every chunk does.
func (p *Pipeline) ExtractCitations(ctx context.Context, scope matter.Scope, env jobs.Envelope) error {
	return p.stage(ctx, scope, "citations", func(ctx context.Context) error {
		return p.extractCitations(ctx, scope, env)
	})
}

func (p *Pipeline) extractCitations(ctx context.Context, scope matter.Scope, env jobs.Envelope) error {
	chunks, err := p.childChunks(ctx, scope, env)
	if err != nil {
		return err
	}

	var all []*citation.ExtractedCitation
	failed := 0
	for _, chunk := range chunks {
		src := citextract.Source{
			MatterID:   scope.MatterID,
			DocumentID: chunk.DocumentID,
			ChunkID:    &chunk.ID,
			PageNumber: chunk.PageNumber,
		}
		found, err := p.d.Extract.Extract(ctx, src, chunk.Content)
		if err != nil {
			failed++
			p.d.Logger.Warn("citation extraction failed for chunk",
				zap.String("chunk_id", chunk.ID.String()), zap.Error(err))
			continue
		}
		all = append(all, found...)
	}
	if err := p.allChunksFailed(chunks, failed); err != nil {
		return err
	}
	p.advance(ctx, scope, env.JobID, "extract")

	if len(all) > 0 {
		if err := p.d.Citations.InsertBatch(ctx, scope, all); err != nil {
			return err
		}
	}
	p.advance(ctx, scope, env.JobID, "persist")
	return nil
}

// ExtractEntities folds each child chunk into the matter's entity graph.
func (p *Pipeline) ExtractEntities(ctx context.Context, scope matter.Scope, env jobs.Envelope) error {
	return p.stage(ctx, scope, "entities", func(ctx context.Context) error {
		return p.extractEntities(ctx, scope, env)
	})
}

func (p *Pipeline) extractEntities(ctx context.Context, scope matter.Scope, env jobs.Envelope) error {
	chunks, err := p.childChunks(ctx, scope, env)
	if err != nil {
		return err
	}

	failed := 0
	for _, chunk := range chunks {
		if _, err := p.d.Entities.ExtractChunk(ctx, scope, chunk); err != nil {
			failed++
			p.d.Logger.Warn("entity extraction failed for chunk",
				zap.String("chunk_id", chunk.ID.String()), zap.Error(err))
		}
	}
	if err := p.allChunksFailed(chunks, failed); err != nil {
		return err
	}
	p.advance(ctx, scope, env.JobID, "extract")

	if err := p.d.Caches.InvalidateMatterCaches(ctx, scope); err != nil {
		p.d.Logger.Warn("cache invalidation failed after entity extraction",
			zap.String("matter_id", scope.MatterID.String()), zap.Error(err))
	}
	p.advance(ctx, scope, env.JobID, "persist")
	return nil
}

// ExtractTimeline rebuilds the document's slice of the chronology.
func (p *Pipeline) ExtractTimeline(ctx context.Context, scope matter.Scope, env jobs.Envelope) error {
	return p.stage(ctx, scope, "timeline", func(ctx context.Context) error {
		return p.extractTimeline(ctx, scope, env)
	})
}

func (p *Pipeline) extractTimeline(ctx context.Context, scope matter.Scope, env jobs.Envelope) error {
	chunks, err := p.childChunks(ctx, scope, env)
	if err != nil {
		return err
	}

	var events []timeline.Event
	failed := 0
	for _, chunk := range chunks {
		found, err := p.d.Timeline.ExtractChunk(ctx, scope, chunk)
		if err != nil {
			failed++
			p.d.Logger.Warn("timeline extraction failed for chunk",
				zap.String("chunk_id", chunk.ID.String()), zap.Error(err))
			continue
		}
		events = append(events, found...)
	}
	if err := p.allChunksFailed(chunks, failed); err != nil {
		return err
	}
	p.advance(ctx, scope, env.JobID, "extract")

	if _, err := p.d.Timelines.DeleteByDocument(ctx, scope, *env.DocumentID); err != nil {
		return err
	}
	if len(events) > 0 {
		if err := p.d.Timelines.InsertEvents(ctx, scope, events); err != nil {
			return err
		}
	}
	if err := p.d.Caches.InvalidateMatterCaches(ctx, scope); err != nil {
		p.d.Logger.Warn("cache invalidation failed after timeline extraction",
			zap.String("matter_id", scope.MatterID.String()), zap.Error(err))
	}
	p.advance(ctx, scope, env.JobID, "persist")
	return nil
}

// verifyPayload is the envelope payload for a citation verification job.
type verifyPayload struct {
	CanonicalActName string    `json:"canonical_act_name"`
	ActDocumentID    uuid.UUID `json:"act_document_id"`
}

// VerifyCitations runs the batch verifier against an uploaded act.
func (p *Pipeline) VerifyCitations(ctx context.Context, scope matter.Scope, env jobs.Envelope) error {
	return p.stage(ctx, scope, "verify", func(ctx context.Context) error {
		return p.verifyCitations(ctx, scope, env)
	})
}

func (p *Pipeline) verifyCitations(ctx context.Context, scope matter.Scope, env jobs.Envelope) error {
	var payload verifyPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return errors.NewInvalidParameter("payload", "verification payload is not valid JSON").WithCause(err)
	}
	if payload.CanonicalActName == "" || payload.ActDocumentID == uuid.Nil {
		return errors.NewInvalidParameter("payload", "verification payload needs act name and document")
	}

	counts, err := p.d.Batch.Run(ctx, scope, payload.CanonicalActName, payload.ActDocumentID)
	if err != nil {
		return err
	}
	p.d.Logger.Info("citation batch verified",
		zap.String("matter_id", scope.MatterID.String()),
		zap.String("act", payload.CanonicalActName),
		zap.Int("verified", counts.Verified),
		zap.Int("mismatch", counts.Mismatch),
		zap.Int("not_found", counts.NotFound),
		zap.Int("errors", counts.Errors))
	return nil
}

func (p *Pipeline) childChunks(ctx context.Context, scope matter.Scope, env jobs.Envelope) ([]*document.Chunk, error) {
	if env.DocumentID == nil {
		return nil, errors.NewInvalidParameter("document_id", "extraction job needs a document")
	}
	return p.d.Documents.ChunksByDocument(ctx, scope, *env.DocumentID, document.TierChild)
}

func (p *Pipeline) allChunksFailed(chunks []*document.Chunk, failed int) error {
	if failed > 0 && failed == len(chunks) {
		return errors.NewExternalError("llm",
			fmt.Sprintf("extraction failed for all %d chunks", failed))
	}
	return nil
}

// advance records stage completion; a transition refused mid-run is
// logged, not fatal, because the work itself already happened.
func (p *Pipeline) advance(ctx context.Context, scope matter.Scope, jobID uuid.UUID, stage string) {
	if _, err := p.d.Tracker.Advance(ctx, scope, jobID, stage); err != nil {
		p.d.Logger.Warn("stage advance not recorded",
			zap.String("job_id", jobID.String()),
			zap.String("stage", stage),
			zap.Error(err))
	}
}

// claimBoxes stamps identity onto provider-produced boxes and assigns a
// dense per-page reading order.
func claimBoxes(boxes []document.BoundingBox, matterID, documentID uuid.UUID) {
	perPage := make(map[int]int)
	for i := range boxes {
		if boxes[i].ID == uuid.Nil {
			boxes[i].ID = uuid.New()
		}
		boxes[i].MatterID = matterID
		boxes[i].DocumentID = documentID
		boxes[i].ReadingOrderIndex = perPage[boxes[i].PageNumber]
		perPage[boxes[i].PageNumber]++
	}
}

// lowConfidenceWords selects validation candidates with a little
// surrounding context from the same page.
func lowConfidenceWords(boxes []document.BoundingBox, threshold float64) []document.LowConfidenceWord {
	var words []document.LowConfidenceWord
	for i, box := range boxes {
		if box.Confidence >= threshold || strings.TrimSpace(box.Text) == "" {
			continue
		}
		words = append(words, document.LowConfidenceWord{
			Text:       box.Text,
			Confidence: box.Confidence,
			PageNumber: box.PageNumber,
			BBoxID:     box.ID.String(),
			Context:    wordContext(boxes, i),
		})
	}
	return words
}

func wordContext(boxes []document.BoundingBox, at int) string {
	var parts []string
	for i := at - contextWindow; i <= at+contextWindow; i++ {
		if i < 0 || i >= len(boxes) || boxes[i].PageNumber != boxes[at].PageNumber {
			continue
		}
		parts = append(parts, boxes[i].Text)
	}
	return strings.Join(parts, " ")
}
