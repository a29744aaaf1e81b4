// Package external contains the HTTP clients for the model services the
// pipeline can use: the embedding encoder, the cross-encoder scorer, the
// grounding LLM, and the redis result cache. Every client here is optional;
// the pipeline has a deterministic fallback for each one.
package external

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/medical-coding-server/internal/domain"
)

// EncoderClient calls an embedding service over HTTP. The service must run
// the same model that produced the KB embeddings; Dim is checked against
// the vector index at startup.
type EncoderClient struct {
	baseURL    string
	model      string
	dim        int
	httpClient *http.Client
}

// NewEncoderClient creates an embedding client.
func NewEncoderClient(cfg domain.RetrievalConfig) *EncoderClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &EncoderClient{
		baseURL: cfg.EncoderURL,
		model:   cfg.EncoderModel,
		dim:     cfg.EmbeddingDim,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type embeddingRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type embeddingResponse struct {
	Embedding []float32 `json:"embedding"`
}

// Encode returns the embedding vector for a text.
func (c *EncoderClient) Encode(ctx context.Context, text string) ([]float32, error) {
	payload, err := json.Marshal(embeddingRequest{Model: c.model, Prompt: text})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal embedding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/embeddings", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create embedding request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedding request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("embedding service returned status %d: %s", resp.StatusCode, string(body))
	}

	var parsed embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to decode embedding response: %w", err)
	}
	if len(parsed.Embedding) != c.dim {
		return nil, fmt.Errorf("embedding service returned %d dimensions, expected %d", len(parsed.Embedding), c.dim)
	}
	return parsed.Embedding, nil
}

// Dim returns the configured embedding dimensionality.
func (c *EncoderClient) Dim() int {
	return c.dim
}

// ModelID returns the embedding model name.
func (c *EncoderClient) ModelID() string {
	return c.model
}
