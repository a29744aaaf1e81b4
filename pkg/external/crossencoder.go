package external

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/medical-coding-server/internal/domain"
)

// CrossEncoderClient calls a pair-scoring service over HTTP. Calls run
// through a circuit breaker so a flapping scorer trips open quickly and
// the reranker spends its time on the identity fallback instead of
// waiting out timeouts.
type CrossEncoderClient struct {
	baseURL    string
	model      string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
}

// NewCrossEncoderClient creates a cross-encoder scoring client.
func NewCrossEncoderClient(cfg domain.RerankConfig, logger *logrus.Logger) *CrossEncoderClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "CrossEncoder",
		MaxRequests: 5,
		Interval:    30 * time.Second,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 3 && failureRatio >= 0.6
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("Circuit breaker state changed")
		},
	})

	return &CrossEncoderClient{
		baseURL: cfg.ScorerURL,
		model:   cfg.ScorerModel,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		breaker: breaker,
	}
}

type scoreRequest struct {
	Model     string   `json:"model"`
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
}

type scoreResponse struct {
	Scores []float64 `json:"scores"`
}

// Score returns one raw relevance score per document, parallel to texts.
func (c *CrossEncoderClient) Score(ctx context.Context, query string, texts []string) ([]float64, error) {
	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.score(ctx, query, texts)
	})
	if err != nil {
		return nil, err
	}
	return result.([]float64), nil
}

func (c *CrossEncoderClient) score(ctx context.Context, query string, texts []string) ([]float64, error) {
	payload, err := json.Marshal(scoreRequest{Model: c.model, Query: query, Documents: texts})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal score request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/rerank", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create score request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("score request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("scoring service returned status %d: %s", resp.StatusCode, string(body))
	}

	var parsed scoreResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to decode score response: %w", err)
	}
	return parsed.Scores, nil
}

// ModelID returns the scoring model name.
func (c *CrossEncoderClient) ModelID() string {
	return c.model
}
