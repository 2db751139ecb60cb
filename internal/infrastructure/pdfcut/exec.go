// Package pdfcut implements page-range extraction by shelling out to
// qpdf. The splitter plans the ranges; this runs one qpdf invocation per
// range over temp files.
package pdfcut

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/matterdock/matterdock-backend/internal/domain/errors"
)

// DefaultBinary is resolved through PATH when no explicit path is given.
const DefaultBinary = "qpdf"

// ExecExtractor implements pdfsplit.RangeExtractor.
type ExecExtractor struct {
	binary string
	logger *zap.Logger
}

func NewExecExtractor(binary string, logger *zap.Logger) *ExecExtractor {
	if binary == "" {
		binary = DefaultBinary
	}
	return &ExecExtractor{binary: binary, logger: logger}
}

// ExtractRange cuts pages [pageStart, pageEnd] out of src, 1-based
// inclusive. The caller's context bounds the qpdf run.
func (e *ExecExtractor) ExtractRange(ctx context.Context, src []byte, pageStart, pageEnd int) ([]byte, error) {
	dir, err := os.MkdirTemp("", "pdfcut-*")
	if err != nil {
		return nil, errors.NewInternalError("failed to create extraction dir").WithCause(err)
	}
	defer os.RemoveAll(dir)

	in := filepath.Join(dir, "in.pdf")
	out := filepath.Join(dir, "out.pdf")
	if err := os.WriteFile(in, src, 0o600); err != nil {
		return nil, errors.NewInternalError("failed to stage source pdf").WithCause(err)
	}

	cmd := exec.CommandContext(ctx, e.binary,
		"--empty", "--pages", in, fmt.Sprintf("%d-%d", pageStart, pageEnd), "--", out)
	if output, err := cmd.CombinedOutput(); err != nil {
		e.logger.Warn("qpdf extraction failed",
			zap.Int("page_start", pageStart),
			zap.Int("page_end", pageEnd),
			zap.ByteString("output", output),
			zap.Error(err))
		return nil, errors.NewExternalError("pdf_extractor",
			fmt.Sprintf("qpdf failed on pages %d-%d", pageStart, pageEnd)).WithCause(err)
	}

	data, err := os.ReadFile(out)
	if err != nil {
		return nil, errors.NewInternalError("failed to read extracted range").WithCause(err)
	}
	return data, nil
}
