package pdfsplit

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

// ChunkFile is one chunk written to disk by a streaming split.
type ChunkFile struct {
	PageRange
	Path string
}

// ChunkDir owns the temp directory a streaming split wrote into. Callers
// must Close it when the OCR fan-out has consumed the files.
type ChunkDir struct {
	Dir    string
	Files  []ChunkFile
	logger *zap.Logger
}

// Close removes the directory and everything in it. Safe to call more
// than once.
func (d *ChunkDir) Close() error {
	if d.Dir == "" {
		return nil
	}
	err := os.RemoveAll(d.Dir)
	d.Dir = ""
	if err != nil {
		d.logger.Warn("failed to remove chunk directory", zap.Error(err))
	}
	return err
}

// SplitToDir extracts chunks to files instead of memory, for documents
// too large for the in-memory budget. Each chunk is written as
// chunk_N.pdf.tmp and renamed to chunk_N.pdf once fully flushed, so a
// crashed split never leaves a partial chunk under its final name. The
// directory is removed on every error path.
func (s *Splitter) SplitToDir(ctx context.Context, src []byte) (*ChunkDir, error) {
	pageCount, err := s.count(src)
	if err != nil {
		return nil, err
	}
	ranges, err := PlanRanges(pageCount, s.opts.ChunkPages)
	if err != nil {
		return nil, err
	}

	dir, err := os.MkdirTemp("", "pdfsplit-*")
	if err != nil {
		return nil, fmt.Errorf("create chunk directory: %w", err)
	}
	out := &ChunkDir{Dir: dir, logger: s.logger}

	ctx, cancel := context.WithTimeout(ctx, s.opts.WatchdogTimeout)
	defer cancel()

	for _, r := range ranges {
		data, err := s.extractRange(ctx, src, r)
		if err != nil {
			out.Close()
			return nil, err
		}

		final := filepath.Join(dir, fmt.Sprintf("chunk_%d.pdf", r.Index))
		if err := writeAtomic(final, data); err != nil {
			out.Close()
			return nil, err
		}
		out.Files = append(out.Files, ChunkFile{PageRange: r, Path: final})
	}

	s.logger.Info("split document to disk",
		zap.Int("pages", pageCount),
		zap.Int("chunks", len(out.Files)),
		zap.String("dir", dir))
	return out, nil
}

// writeAtomic writes path via a .tmp sibling and renames into place. The
// tmp file lives in the same directory so the rename never crosses a
// filesystem boundary.
func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", tmp, err)
	}
	return nil
}
