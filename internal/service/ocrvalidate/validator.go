package ocrvalidate

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/matterdock/matterdock-backend/internal/domain/document"
	"github.com/matterdock/matterdock-backend/internal/ports"
)

const (
	// DefaultModelThreshold: words at or above this confidence skip the
	// model tier. DefaultHumanThreshold: words below it go straight to
	// human review.
	DefaultModelThreshold = 0.85
	DefaultHumanThreshold = 0.50

	// BatchSize caps the words per model call.
	BatchSize = 20
)

// Pipeline routes each low-confidence word through the cheapest tier that
// can resolve it.
type Pipeline struct {
	llm            ports.LLM
	logger         *zap.Logger
	modelThreshold float64
	humanThreshold float64
}

func New(llm ports.LLM, logger *zap.Logger) *Pipeline {
	return &Pipeline{
		llm:            llm,
		logger:         logger,
		modelThreshold: DefaultModelThreshold,
		humanThreshold: DefaultHumanThreshold,
	}
}

// WithThresholds overrides the tier cutoffs.
func (p *Pipeline) WithThresholds(model, human float64) *Pipeline {
	p.modelThreshold = model
	p.humanThreshold = human
	return p
}

// Outcome is the pipeline's verdict over one document's words.
type Outcome struct {
	Corrections []Correction
	ReviewItems []*document.ReviewItem
	Unchanged   []document.LowConfidenceWord
}

// Validate runs the three tiers. A word corrected by a pattern rule stops
// there; remaining words in [human, model) go to the batched model pass;
// words below the human threshold become pending review items. Model
// failures leave their batch unchanged and never fail the document.
func (p *Pipeline) Validate(ctx context.Context, matterID, documentID uuid.UUID, words []document.LowConfidenceWord) (*Outcome, error) {
	out := &Outcome{}
	var forModel []document.LowConfidenceWord

	for _, word := range words {
		if corrections := ApplyPatterns(word.BBoxID, word.Text); len(corrections) > 0 {
			out.Corrections = append(out.Corrections, corrections...)
			continue
		}
		switch {
		case word.Confidence < p.humanThreshold:
			bboxID, err := uuid.Parse(word.BBoxID)
			if err != nil {
				p.logger.Warn("review item skipped, unparseable bbox id",
					zap.String("bbox_id", word.BBoxID))
				out.Unchanged = append(out.Unchanged, word)
				continue
			}
			out.ReviewItems = append(out.ReviewItems, document.NewReviewItem(matterID, documentID, bboxID, word))
		case word.Confidence < p.modelThreshold:
			forModel = append(forModel, word)
		default:
			out.Unchanged = append(out.Unchanged, word)
		}
	}

	if len(forModel) > 0 {
		corrected, unchanged := p.runModelTier(ctx, forModel)
		out.Corrections = append(out.Corrections, corrected...)
		out.Unchanged = append(out.Unchanged, unchanged...)
	}

	p.logger.Info("validated low-confidence words",
		zap.String("document_id", documentID.String()),
		zap.Int("words", len(words)),
		zap.Int("corrections", len(out.Corrections)),
		zap.Int("review_items", len(out.ReviewItems)),
		zap.Int("unchanged", len(out.Unchanged)))
	return out, nil
}

// runModelTier fans the batches out in parallel and folds the results.
func (p *Pipeline) runModelTier(ctx context.Context, words []document.LowConfidenceWord) ([]Correction, []document.LowConfidenceWord) {
	var (
		mu          sync.Mutex
		corrections []Correction
		unchanged   []document.LowConfidenceWord
	)

	g, ctx := errgroup.WithContext(ctx)
	for start := 0; start < len(words); start += BatchSize {
		end := start + BatchSize
		if end > len(words) {
			end = len(words)
		}
		batch := words[start:end]

		g.Go(func() error {
			got, left := p.validateBatch(ctx, batch)
			mu.Lock()
			corrections = append(corrections, got...)
			unchanged = append(unchanged, left...)
			mu.Unlock()
			return nil
		})
	}
	g.Wait()

	return corrections, unchanged
}

type batchEntry struct {
	BBoxID  string `json:"bbox_id"`
	Text    string `json:"text"`
	Context string `json:"context,omitempty"`
}

type batchCorrection struct {
	BBoxID     string  `json:"bbox_id"`
	Corrected  string  `json:"corrected"`
	Confidence float64 `json:"confidence"`
}

const batchSchema = `{"type":"array","items":{"type":"object","properties":{"bbox_id":{"type":"string"},"corrected":{"type":"string"},"confidence":{"type":"number"}},"required":["bbox_id","corrected"]}}`

// validateBatch submits one batch. Any failure, transport or parse,
// returns the batch unchanged.
func (p *Pipeline) validateBatch(ctx context.Context, batch []document.LowConfidenceWord) ([]Correction, []document.LowConfidenceWord) {
	entries := make([]batchEntry, len(batch))
	byBBox := make(map[string]document.LowConfidenceWord, len(batch))
	for i, w := range batch {
		entries[i] = batchEntry{BBoxID: w.BBoxID, Text: w.Text, Context: w.Context}
		byBBox[w.BBoxID] = w
	}

	payload, err := json.Marshal(entries)
	if err != nil {
		return nil, batch
	}

	prompt := fmt.Sprintf(
		"These words were read from a scanned legal document with low OCR confidence. "+
			"For each word, return the corrected spelling given its context, or the word "+
			"unchanged if it is already correct. Respond with a JSON array of "+
			"{bbox_id, corrected, confidence}.\n\n%s", payload)

	raw, err := p.llm.Generate(ctx, prompt, batchSchema)
	if err != nil {
		p.logger.Warn("validation batch failed, words left unchanged",
			zap.Int("batch_size", len(batch)), zap.Error(err))
		return nil, batch
	}

	parsed, err := parseBatchResponse(raw)
	if err != nil {
		p.logger.Warn("validation batch response unparseable, words left unchanged",
			zap.Int("batch_size", len(batch)), zap.Error(err))
		return nil, batch
	}

	var corrections []Correction
	claimed := make(map[string]bool, len(parsed))
	for _, c := range parsed {
		word, ok := byBBox[c.BBoxID]
		if !ok || c.Corrected == "" || c.Corrected == word.Text {
			continue
		}
		conf := c.Confidence
		if conf <= 0 || conf > 1 {
			conf = p.modelThreshold
		}
		corrections = append(corrections, Correction{
			BBoxID:     c.BBoxID,
			Original:   word.Text,
			Corrected:  c.Corrected,
			PatternID:  "model",
			Confidence: conf,
		})
		claimed[c.BBoxID] = true
	}

	var unchanged []document.LowConfidenceWord
	for _, w := range batch {
		if !claimed[w.BBoxID] {
			unchanged = append(unchanged, w)
		}
	}
	return corrections, unchanged
}

// parseBatchResponse tolerates markdown fences and a {"corrections": []}
// wrapper around the array.
func parseBatchResponse(raw string) ([]batchCorrection, error) {
	cleaned := strings.TrimSpace(raw)
	cleaned = strings.TrimPrefix(cleaned, "```json")
	cleaned = strings.TrimPrefix(cleaned, "```")
	cleaned = strings.TrimSuffix(cleaned, "```")
	cleaned = strings.TrimSpace(cleaned)

	var direct []batchCorrection
	if err := json.Unmarshal([]byte(cleaned), &direct); err == nil {
		return direct, nil
	}

	var wrapped struct {
		Corrections []batchCorrection `json:"corrections"`
	}
	if err := json.Unmarshal([]byte(cleaned), &wrapped); err != nil {
		return nil, err
	}
	return wrapped.Corrections, nil
}
