package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/matterdock/matterdock-backend/internal/domain/document"
	"github.com/matterdock/matterdock-backend/internal/domain/errors"
	"github.com/matterdock/matterdock-backend/internal/infrastructure/config"
)

// OcrClient implements ports.OcrProvider against an external OCR
// service. One call processes one PDF chunk; page numbers in the result
// are chunk-relative.
type OcrClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
	logger  *zap.Logger
}

func NewOcrClient(cfg config.AIConfig, logger *zap.Logger) *OcrClient {
	return &OcrClient{
		baseURL: cfg.OCRBaseURL,
		apiKey:  cfg.APIKey,
		client:  &http.Client{Timeout: cfg.Timeout},
		logger:  logger,
	}
}

func (c *OcrClient) Process(ctx context.Context, pdfBytes []byte) (*document.ChunkOCRResult, error) {
	if c.baseURL == "" {
		return nil, errors.NewExternalError("ocr", "ocr endpoint is not configured")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/ocr", bytes.NewReader(pdfBytes))
	if err != nil {
		return nil, errors.NewInternalError("failed to build ocr request").WithCause(err)
	}
	req.Header.Set("Content-Type", "application/pdf")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, errors.NewExternalError("ocr", "request failed").WithCause(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.logger.Warn("ocr provider error", zap.Int("status", resp.StatusCode))
		return nil, errors.NewExternalError("ocr",
			fmt.Sprintf("provider returned status %d", resp.StatusCode))
	}

	var result document.ChunkOCRResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, errors.NewExternalError("ocr", "undecodable ocr response").WithCause(err)
	}
	return &result, nil
}
