// Package pdfsplit plans and executes page-range splitting of uploaded
// PDFs ahead of the OCR fan-out. All page numbers are 1-based inclusive.
package pdfsplit

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/ledongthuc/pdf"
	"go.uber.org/zap"

	"github.com/matterdock/matterdock-backend/internal/domain/errors"
)

const (
	// DefaultChunkPages is the preferred chunk size. MaxChunkPages is the
	// hard ceiling imposed by the OCR provider's per-request page limit.
	DefaultChunkPages = 15
	MaxChunkPages     = 30

	// DefaultMemoryBudget bounds the bytes held by an in-memory split.
	DefaultMemoryBudget = 50 * 1024 * 1024
	memoryWarnRatio     = 0.75

	// DefaultWatchdogTimeout cancels a split that stalls inside the
	// extractor.
	DefaultWatchdogTimeout = 30 * time.Second

	// StreamingThresholdBytes is the size above which callers should
	// prefer SplitToDir over Split.
	StreamingThresholdBytes = 100 * 1024 * 1024
)

// PageRange is one planned chunk, 1-based inclusive.
type PageRange struct {
	Index     int `json:"index"`
	PageStart int `json:"page_start"`
	PageEnd   int `json:"page_end"`
}

// PageCount is the number of pages the range covers.
func (r PageRange) PageCount() int {
	return r.PageEnd - r.PageStart + 1
}

// Chunk is one extracted page range held in memory.
type Chunk struct {
	PageRange
	Data []byte
}

// RangeExtractor cuts a page range out of a source PDF. The production
// implementation shells out to the rendering sidecar; tests use fakes.
type RangeExtractor interface {
	ExtractRange(ctx context.Context, src []byte, pageStart, pageEnd int) ([]byte, error)
}

// PageCounter reports how many pages a PDF has.
type PageCounter func(data []byte) (int, error)

// CountPages opens the PDF and returns its page count. Unparseable input
// maps to INVALID_FILE_TYPE.
func CountPages(data []byte) (int, error) {
	if !bytes.HasPrefix(data, []byte("%PDF-")) {
		return 0, errors.NewInvalidFileType("pdf", "zip")
	}
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return 0, errors.NewInvalidFileType("pdf", "zip").WithCause(err)
	}
	return reader.NumPage(), nil
}

// PlanRanges lays out contiguous chunks over pageCount pages. Documents
// at or under MaxChunkPages stay whole; otherwise chunks carry chunkPages
// pages each with a shorter tail.
func PlanRanges(pageCount, chunkPages int) ([]PageRange, error) {
	if pageCount < 1 {
		return nil, errors.NewPageRangeInvalid(fmt.Sprintf("document has %d pages", pageCount))
	}
	if chunkPages <= 0 {
		chunkPages = DefaultChunkPages
	}
	if chunkPages > MaxChunkPages {
		chunkPages = MaxChunkPages
	}

	if pageCount <= MaxChunkPages {
		return []PageRange{{Index: 0, PageStart: 1, PageEnd: pageCount}}, nil
	}

	var ranges []PageRange
	for start := 1; start <= pageCount; start += chunkPages {
		end := start + chunkPages - 1
		if end > pageCount {
			end = pageCount
		}
		ranges = append(ranges, PageRange{Index: len(ranges), PageStart: start, PageEnd: end})
	}
	return ranges, nil
}

// Options tune a Splitter. Zero values fall back to the defaults above.
type Options struct {
	ChunkPages      int
	MemoryBudget    int64
	WatchdogTimeout time.Duration
}

func (o *Options) fill() {
	if o.ChunkPages <= 0 {
		o.ChunkPages = DefaultChunkPages
	}
	if o.MemoryBudget <= 0 {
		o.MemoryBudget = DefaultMemoryBudget
	}
	if o.WatchdogTimeout <= 0 {
		o.WatchdogTimeout = DefaultWatchdogTimeout
	}
}

// Splitter plans ranges and drives the extractor over them.
type Splitter struct {
	extractor RangeExtractor
	count     PageCounter
	opts      Options
	logger    *zap.Logger
}

func New(extractor RangeExtractor, logger *zap.Logger, opts Options) *Splitter {
	opts.fill()
	return &Splitter{extractor: extractor, count: CountPages, opts: opts, logger: logger}
}

// WithPageCounter overrides page counting. Tests use this to avoid
// constructing real PDFs.
func (s *Splitter) WithPageCounter(count PageCounter) *Splitter {
	s.count = count
	return s
}

// Split extracts every chunk into memory, enforcing the byte budget. A
// watchdog deadline covers the whole run; a stalled extractor is
// cancelled rather than waited on.
func (s *Splitter) Split(ctx context.Context, src []byte) ([]Chunk, error) {
	pageCount, err := s.count(src)
	if err != nil {
		return nil, err
	}
	ranges, err := PlanRanges(pageCount, s.opts.ChunkPages)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.WatchdogTimeout)
	defer cancel()

	var (
		chunks []Chunk
		held   int64
		warned bool
	)
	for _, r := range ranges {
		data, err := s.extractRange(ctx, src, r)
		if err != nil {
			return nil, err
		}

		held += int64(len(data))
		if held > s.opts.MemoryBudget {
			return nil, errors.NewMemoryLimitExceeded(s.opts.MemoryBudget)
		}
		if !warned && float64(held) > float64(s.opts.MemoryBudget)*memoryWarnRatio {
			warned = true
			s.logger.Warn("split memory budget nearing limit",
				zap.Int64("held_bytes", held),
				zap.Int64("budget_bytes", s.opts.MemoryBudget))
		}

		chunks = append(chunks, Chunk{PageRange: r, Data: data})
	}

	s.logger.Info("split document in memory",
		zap.Int("pages", pageCount),
		zap.Int("chunks", len(chunks)),
		zap.Int64("held_bytes", held))
	return chunks, nil
}

func (s *Splitter) extractRange(ctx context.Context, src []byte, r PageRange) ([]byte, error) {
	type outcome struct {
		data []byte
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		data, err := s.extractor.ExtractRange(ctx, src, r.PageStart, r.PageEnd)
		done <- outcome{data, err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			return nil, errors.Wrap(out.err, fmt.Sprintf("extract pages %d..%d", r.PageStart, r.PageEnd))
		}
		return out.data, nil
	case <-ctx.Done():
		return nil, errors.NewInternalError("split watchdog cancelled extraction").WithCause(ctx.Err()).
			WithDetail("page_start", r.PageStart).
			WithDetail("page_end", r.PageEnd)
	}
}
