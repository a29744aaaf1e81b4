package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medical-coding-server/internal/domain"
	"github.com/medical-coding-server/internal/feedback"
	"github.com/medical-coding-server/internal/kb"
	"github.com/medical-coding-server/internal/pipeline"
	"github.com/medical-coding-server/internal/rerank"
	"github.com/medical-coding-server/internal/retrieval"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func testKBRecords() []domain.CodeRecord {
	return []domain.CodeRecord{
		{ID: "A00", Title: "Cholera", Description: "Acute diarrheal infection caused by Vibrio cholerae", Category: "Intestinal infectious diseases"},
		{ID: "A09", Title: "Infectious gastroenteritis and colitis", Description: "Diarrheal infection of presumed infectious origin", Category: "Intestinal infectious diseases"},
		{ID: "E86.0", Title: "Dehydration", Description: "Severe fluid volume depletion", Category: "Metabolic disorders"},
	}
}

func writeKBArtifact(t *testing.T, path string, records []domain.CodeRecord) {
	t.Helper()
	payload, err := json.Marshal(records)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, payload, 0644))
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	logger := testLogger()

	kbPath := filepath.Join(t.TempDir(), "kb.json")
	writeKBArtifact(t, kbPath, testKBRecords())
	store, err := kb.Load(kbPath)
	require.NoError(t, err)

	retriever, err := retrieval.NewRetriever(store, nil, nil, domain.RetrievalConfig{}, logger)
	require.NoError(t, err)
	reranker := rerank.NewReranker(nil, domain.RerankConfig{}, logger)
	assembler := pipeline.NewAssembler(store, logger)
	checker := pipeline.NewChecker(domain.GuardrailsConfig{}, logger)
	policy := pipeline.NewConfidencePolicy(domain.ConfidenceConfig{})
	provider := pipeline.NewOfflineEngine(policy, logger)
	orchestrator := pipeline.NewOrchestrator(retriever, reranker, assembler, checker, provider, logger)

	fbStore, err := feedback.NewSQLiteStore(filepath.Join(t.TempDir(), "feedback.db"))
	require.NoError(t, err)
	t.Cleanup(func() { fbStore.Close() })

	return NewServer(Options{
		Config: domain.Config{
			KB:      domain.KBConfig{Path: kbPath},
			Logging: domain.LoggingConfig{Level: "error"},
		},
		Orchestrator: orchestrator,
		KB:           store,
		KBReload:     store,
		VectorReady:  false,
		ProviderMode: domain.ProviderMock,
		Providers: map[domain.ProviderMode]domain.GroundingProvider{
			domain.ProviderMock: provider,
		},
		Feedback: fbStore,
		Logger:   logger,
	})
}

func doRequest(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

func TestHandleHealth(t *testing.T) {
	s := newTestServer(t)

	w := doRequest(t, s, http.MethodGet, "/health", nil)

	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, float64(3), body["kb_size"])
	assert.Equal(t, false, body["vector_index"])
	assert.Equal(t, "mock", body["provider"])
}

func TestHandleRecommend(t *testing.T) {
	s := newTestServer(t)

	w := doRequest(t, s, http.MethodPost, "/api/v1/recommend", map[string]any{
		"query": "Patient with acute cholera infection and severe dehydration",
	})

	require.Equal(t, http.StatusOK, w.Code)
	var result domain.PipelineResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.NotEmpty(t, result.Grounded.Codes)
	assert.NotEmpty(t, result.RequestID)
	assert.LessOrEqual(t, result.Grounded.Confidence, 90)
}

func TestHandleRecommend_EmptyQuery(t *testing.T) {
	s := newTestServer(t)

	w := doRequest(t, s, http.MethodPost, "/api/v1/recommend", map[string]any{"query": ""})

	require.Equal(t, http.StatusOK, w.Code, "empty query degrades, not fails")
	var result domain.PipelineResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.Empty(t, result.Grounded.Codes)
	assert.True(t, result.Grounded.IsSafe)
}

func TestHandleRecommend_InvalidK(t *testing.T) {
	s := newTestServer(t)

	w := doRequest(t, s, http.MethodPost, "/api/v1/recommend", map[string]any{
		"query":      "cholera",
		"retrieve_k": -1,
	})

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), domain.ErrCodeInvalidArgument)
}

func TestHandleRecommend_UnknownProvider(t *testing.T) {
	s := newTestServer(t)

	w := doRequest(t, s, http.MethodPost, "/api/v1/recommend", map[string]any{
		"query":    "cholera",
		"provider": "oracle",
	})

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleRecommend_UnconfiguredProvider(t *testing.T) {
	s := newTestServer(t)

	w := doRequest(t, s, http.MethodPost, "/api/v1/recommend", map[string]any{
		"query":    "cholera",
		"provider": "external",
	})

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleGetCode(t *testing.T) {
	s := newTestServer(t)

	w := doRequest(t, s, http.MethodGet, "/api/v1/codes/A00", nil)

	require.Equal(t, http.StatusOK, w.Code)
	var rec domain.CodeRecord
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rec))
	assert.Equal(t, "Cholera", rec.Title)
}

func TestHandleGetCode_NotFound(t *testing.T) {
	s := newTestServer(t)

	w := doRequest(t, s, http.MethodGet, "/api/v1/codes/Z99.99", nil)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleSaveFeedback(t *testing.T) {
	s := newTestServer(t)

	w := doRequest(t, s, http.MethodPost, "/api/v1/feedback", map[string]any{
		"query":      "cholera query",
		"code_id":    "A00",
		"verdict":    "accepted",
		"confidence": 56,
	})

	require.Equal(t, http.StatusCreated, w.Code)

	list := doRequest(t, s, http.MethodGet, "/api/v1/feedback", nil)
	require.Equal(t, http.StatusOK, list.Code)
	assert.Contains(t, list.Body.String(), "cholera query")
}

func TestHandleSaveFeedback_Invalid(t *testing.T) {
	s := newTestServer(t)

	w := doRequest(t, s, http.MethodPost, "/api/v1/feedback", map[string]any{
		"query":   "cholera query",
		"code_id": "A00",
		"verdict": "maybe",
	})

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleReloadKB(t *testing.T) {
	s := newTestServer(t)

	updated := append(testKBRecords(), domain.CodeRecord{
		ID: "R50.9", Title: "Fever, unspecified", Category: "Symptoms and signs",
	})
	writeKBArtifact(t, s.kbPath, updated)

	w := doRequest(t, s, http.MethodPost, "/api/v1/admin/reload", nil)

	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "reloaded", body["status"])
	assert.Equal(t, float64(4), body["kb_size"])

	health := doRequest(t, s, http.MethodGet, "/health", nil)
	assert.Contains(t, health.Body.String(), `"kb_size":4`)
}

func TestHandleReloadKB_BadArtifact(t *testing.T) {
	s := newTestServer(t)

	require.NoError(t, os.WriteFile(s.kbPath, []byte("{not json"), 0644))

	w := doRequest(t, s, http.MethodPost, "/api/v1/admin/reload", nil)

	assert.Equal(t, http.StatusInternalServerError, w.Code)

	health := doRequest(t, s, http.MethodGet, "/health", nil)
	assert.Contains(t, health.Body.String(), `"kb_size":3`, "failed reload keeps the old records")
}

func TestHandleReloadKB_NotConfigured(t *testing.T) {
	s := newTestServer(t)
	s.kbReload = nil

	w := doRequest(t, s, http.MethodPost, "/api/v1/admin/reload", nil)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

type stubDBChecker struct {
	err error
}

func (s *stubDBChecker) Health(ctx context.Context) error { return s.err }

func TestHandleHealth_DatabaseStatus(t *testing.T) {
	s := newTestServer(t)

	s.database = &stubDBChecker{}
	w := doRequest(t, s, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"database":"up"`)

	s.database = &stubDBChecker{err: assert.AnError}
	w = doRequest(t, s, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"database":"down"`)
}

func TestRequestIDMiddleware(t *testing.T) {
	s := newTestServer(t)

	w := doRequest(t, s, http.MethodGet, "/health", nil)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "caller-supplied")
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	assert.Equal(t, "caller-supplied", rec.Header().Get("X-Request-ID"))
}
