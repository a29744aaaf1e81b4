package rerank

import (
	"context"
	"errors"
	"io"
	"math"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medical-coding-server/internal/domain"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// fakeScorer returns configured scores or an error.
type fakeScorer struct {
	scores []float64
	err    error
	texts  []string
}

func (f *fakeScorer) Score(ctx context.Context, query string, texts []string) ([]float64, error) {
	f.texts = texts
	if f.err != nil {
		return nil, f.err
	}
	return f.scores, nil
}
func (f *fakeScorer) ModelID() string { return "fake-scorer" }

func candidates() []domain.Candidate {
	return []domain.Candidate{
		{CodeID: "A00", Title: "Cholera", RawScore: 0.9},
		{CodeID: "A09", Title: "Infectious gastroenteritis", RawScore: 0.7},
		{CodeID: "E86.0", Title: "Dehydration", RawScore: 0.5},
	}
}

func TestRerank_InvalidK(t *testing.T) {
	r := NewReranker(nil, domain.RerankConfig{}, testLogger())

	_, err := r.Rerank(context.Background(), "q", candidates(), 0)

	require.Error(t, err)
	assert.True(t, domain.IsInvalidArgument(err))
}

func TestRerank_EmptyCandidates(t *testing.T) {
	r := NewReranker(nil, domain.RerankConfig{}, testLogger())

	result, err := r.Rerank(context.Background(), "q", nil, 10)

	require.NoError(t, err)
	assert.Empty(t, result.Items)
	assert.Equal(t, MethodIdentity, result.Method)
}

func TestRerank_CrossEncoderOrdersByScore(t *testing.T) {
	// Raw scores reverse the retriever order.
	scorer := &fakeScorer{scores: []float64{-1.0, 2.0, 0.5}}
	r := NewReranker(scorer, domain.RerankConfig{}, testLogger())

	result, err := r.Rerank(context.Background(), "q", candidates(), 10)

	require.NoError(t, err)
	assert.Equal(t, MethodCrossEncoder, result.Method)
	require.Len(t, result.Items, 3)
	assert.Equal(t, "A09", result.Items[0].CodeID)
	assert.Equal(t, "E86.0", result.Items[1].CodeID)
	assert.Equal(t, "A00", result.Items[2].CodeID)

	// Monotonic: scores never increase down the list.
	for i := 1; i < len(result.Items); i++ {
		assert.GreaterOrEqual(t, result.Items[i-1].RelevanceScore, result.Items[i].RelevanceScore)
	}
}

func TestRerank_PairTextFormat(t *testing.T) {
	scorer := &fakeScorer{scores: []float64{0, 0, 0}}
	r := NewReranker(scorer, domain.RerankConfig{}, testLogger())

	_, err := r.Rerank(context.Background(), "q", candidates(), 10)

	require.NoError(t, err)
	require.Len(t, scorer.texts, 3)
	assert.Equal(t, "Cholera [A00]", scorer.texts[0])
}

func TestRerank_LogisticBounds(t *testing.T) {
	scorer := &fakeScorer{scores: []float64{100, -100, 0}}
	r := NewReranker(scorer, domain.RerankConfig{}, testLogger())

	result, err := r.Rerank(context.Background(), "q", candidates(), 10)

	require.NoError(t, err)
	for _, item := range result.Items {
		assert.GreaterOrEqual(t, item.RelevanceScore, 0.0)
		assert.LessOrEqual(t, item.RelevanceScore, 1.0)
	}
}

func TestRerank_StableForEqualScores(t *testing.T) {
	scorer := &fakeScorer{scores: []float64{1.5, 1.5, 1.5}}
	r := NewReranker(scorer, domain.RerankConfig{}, testLogger())

	result, err := r.Rerank(context.Background(), "q", candidates(), 10)

	require.NoError(t, err)
	require.Len(t, result.Items, 3)
	assert.Equal(t, "A00", result.Items[0].CodeID, "equal scores keep retriever order")
	assert.Equal(t, "A09", result.Items[1].CodeID)
	assert.Equal(t, "E86.0", result.Items[2].CodeID)
}

func TestRerank_FallsBackOnScorerFailure(t *testing.T) {
	scorer := &fakeScorer{err: errors.New("model timeout")}
	r := NewReranker(scorer, domain.RerankConfig{}, testLogger())

	result, err := r.Rerank(context.Background(), "q", candidates(), 10)

	require.NoError(t, err)
	assert.Equal(t, MethodIdentity, result.Method)
	require.Len(t, result.Items, 3)
	assert.Equal(t, "A00", result.Items[0].CodeID, "identity keeps retriever order")
}

func TestRerank_FallsBackOnScoreCountMismatch(t *testing.T) {
	scorer := &fakeScorer{scores: []float64{0.5}}
	r := NewReranker(scorer, domain.RerankConfig{}, testLogger())

	result, err := r.Rerank(context.Background(), "q", candidates(), 10)

	require.NoError(t, err)
	assert.Equal(t, MethodIdentity, result.Method)
}

func TestIdentityRerank_LinearDecay(t *testing.T) {
	r := NewReranker(nil, domain.RerankConfig{}, testLogger())

	result, err := r.Rerank(context.Background(), "q", candidates(), 10)

	require.NoError(t, err)
	require.Len(t, result.Items, 3)
	assert.InDelta(t, 0.9, result.Items[0].RelevanceScore, 1e-9)
	assert.InDelta(t, 0.6, result.Items[1].RelevanceScore, 1e-9)
	assert.InDelta(t, 0.3, result.Items[2].RelevanceScore, 1e-9)
}

func TestIdentityRerank_SingleCandidate(t *testing.T) {
	r := NewReranker(nil, domain.RerankConfig{}, testLogger())

	result, err := r.Rerank(context.Background(), "q", candidates()[:1], 10)

	require.NoError(t, err)
	require.Len(t, result.Items, 1)
	assert.InDelta(t, 0.9, result.Items[0].RelevanceScore, 1e-9)
}

func TestRerank_Dedupe(t *testing.T) {
	dup := append(candidates(), domain.Candidate{CodeID: "A00", Title: "Cholera", RawScore: 0.1})
	r := NewReranker(nil, domain.RerankConfig{}, testLogger())

	result, err := r.Rerank(context.Background(), "q", dup, 10)

	require.NoError(t, err)
	seen := make(map[string]int)
	for _, item := range result.Items {
		seen[item.CodeID]++
	}
	assert.Equal(t, 1, seen["A00"], "duplicates collapse to one entry")
	assert.Len(t, result.Items, 3)
}

func TestRerank_DedupeKeepsHighestScoringOccurrence(t *testing.T) {
	// The duplicate A00 gets a much higher raw score, so after sorting it
	// must be the occurrence that survives.
	dup := append(candidates(), domain.Candidate{CodeID: "A00", Title: "Cholera", RawScore: 0.1})
	scorer := &fakeScorer{scores: []float64{-2.0, 0.0, 0.5, 3.0}}
	r := NewReranker(scorer, domain.RerankConfig{}, testLogger())

	result, err := r.Rerank(context.Background(), "q", dup, 10)

	require.NoError(t, err)
	require.Len(t, result.Items, 3)
	assert.Equal(t, "A00", result.Items[0].CodeID)
	assert.InDelta(t, 1.0/(1.0+math.Exp(-3.0)), result.Items[0].RelevanceScore, 1e-9)
}

func TestRerank_TruncatesToK(t *testing.T) {
	r := NewReranker(nil, domain.RerankConfig{}, testLogger())

	result, err := r.Rerank(context.Background(), "q", candidates(), 2)

	require.NoError(t, err)
	assert.Len(t, result.Items, 2)
}
