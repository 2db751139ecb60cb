// Package ai implements the model-provider ports over HTTP. The chat
// and embedding calls speak the OpenAI-compatible surface; reranking
// uses the common standalone rerank endpoint shape.
package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/matterdock/matterdock-backend/internal/domain/errors"
	"github.com/matterdock/matterdock-backend/internal/infrastructure/config"
	"github.com/matterdock/matterdock-backend/internal/ports"
)

// Client implements ports.LLM, ports.Embedder, and ports.Reranker.
type Client struct {
	cfg    config.AIConfig
	client *http.Client
	logger *zap.Logger
}

func NewClient(cfg config.AIConfig, logger *zap.Logger) *Client {
	return &Client{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}
}

type chatRequest struct {
	Model          string        `json:"model"`
	Messages       []chatMessage `json:"messages"`
	ResponseFormat *formatHint   `json:"response_format,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type formatHint struct {
	Type string `json:"type"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Generate runs one chat completion. A non-empty schema switches the
// provider into JSON mode and is appended to the prompt as a shape hint;
// callers still parse the response defensively.
func (c *Client) Generate(ctx context.Context, prompt string, schema string) (string, error) {
	content := prompt
	req := chatRequest{Model: c.cfg.Model}
	if schema != "" {
		req.ResponseFormat = &formatHint{Type: "json_object"}
		content = fmt.Sprintf("%s\n\nRespond with JSON matching this shape:\n%s", prompt, schema)
	}
	req.Messages = []chatMessage{{Role: "user", Content: content}}

	var resp chatResponse
	if err := c.post(ctx, c.cfg.BaseURL+"/chat/completions", req, &resp); err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", errors.NewExternalError("llm", "provider returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
}

// Embed turns texts into dense vectors, preserving input order.
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	var resp embedResponse
	err := c.post(ctx, c.cfg.BaseURL+"/embeddings", embedRequest{
		Model: c.cfg.EmbedModel,
		Input: texts,
	}, &resp)
	if err != nil {
		return nil, err
	}
	if len(resp.Data) != len(texts) {
		return nil, errors.NewExternalError("embedder",
			fmt.Sprintf("expected %d embeddings, got %d", len(texts), len(resp.Data)))
	}

	vectors := make([][]float32, len(texts))
	for _, item := range resp.Data {
		if item.Index < 0 || item.Index >= len(vectors) {
			return nil, errors.NewExternalError("embedder", "embedding index out of range")
		}
		vectors[item.Index] = item.Embedding
	}
	return vectors, nil
}

type rerankRequest struct {
	Model     string   `json:"model,omitempty"`
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
	TopN      int      `json:"top_n"`
}

type rerankResponse struct {
	Results []struct {
		Index          int     `json:"index"`
		RelevanceScore float64 `json:"relevance_score"`
	} `json:"results"`
}

// Rerank reorders docs by relevance to the query.
func (c *Client) Rerank(ctx context.Context, query string, docs []string, topN int) ([]ports.RerankResult, error) {
	if c.cfg.RerankURL == "" {
		return nil, errors.NewExternalError("reranker", "rerank endpoint is not configured")
	}

	var resp rerankResponse
	err := c.post(ctx, c.cfg.RerankURL, rerankRequest{
		Model:     c.cfg.RerankModel,
		Query:     query,
		Documents: docs,
		TopN:      topN,
	}, &resp)
	if err != nil {
		return nil, err
	}

	results := make([]ports.RerankResult, 0, len(resp.Results))
	for _, r := range resp.Results {
		results = append(results, ports.RerankResult{Index: r.Index, Relevance: r.RelevanceScore})
	}
	return results, nil
}

func (c *Client) post(ctx context.Context, url string, payload, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return errors.NewInternalError("failed to encode provider request").WithCause(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return errors.NewInternalError("failed to build provider request").WithCause(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return errors.NewExternalError("model_provider", "request failed").WithCause(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		// Body is clipped; provider errors can echo the prompt.
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		c.logger.Warn("model provider error",
			zap.Int("status", resp.StatusCode),
			zap.ByteString("body", snippet))
		return errors.NewExternalError("model_provider",
			fmt.Sprintf("provider returned status %d", resp.StatusCode))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.NewExternalError("model_provider", "undecodable provider response").WithCause(err)
	}
	return nil
}
