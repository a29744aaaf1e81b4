package retrieval

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medical-coding-server/internal/domain"
	"github.com/medical-coding-server/internal/kb"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func testKB(t *testing.T) *kb.Store {
	t.Helper()
	records := []domain.CodeRecord{
		{ID: "A00", Title: "Cholera", Description: "Acute diarrheal infection caused by Vibrio cholerae", Category: "Intestinal infectious diseases", Aliases: []string{"vibrio infection"}},
		{ID: "A09", Title: "Infectious gastroenteritis and colitis", Description: "Diarrheal infection of presumed infectious origin", Category: "Intestinal infectious diseases"},
		{ID: "E86.0", Title: "Dehydration", Description: "Severe fluid volume depletion", Category: "Metabolic disorders"},
		{ID: "R50.9", Title: "Fever, unspecified", Description: "Elevated body temperature", Category: "Symptoms and signs"},
	}
	store, err := kb.NewStore(records, "test")
	require.NoError(t, err)
	return store
}

// fakeEncoder returns a fixed vector or error for every call.
type fakeEncoder struct {
	vec []float32
	err error
}

func (f *fakeEncoder) Encode(ctx context.Context, text string) ([]float32, error) {
	return f.vec, f.err
}
func (f *fakeEncoder) Dim() int        { return len(f.vec) }
func (f *fakeEncoder) ModelID() string { return "fake-encoder" }

func testIndex(t *testing.T) *MemoryIndex {
	t.Helper()
	idx, err := NewMemoryIndex([]indexEntry{
		{Code: "A00", Vector: []float32{1, 0, 0}},
		{Code: "A09", Vector: []float32{0.9, 0.1, 0}},
		{Code: "E86.0", Vector: []float32{0, 1, 0}},
		{Code: "R50.9", Vector: []float32{0, 0, 1}},
	})
	require.NoError(t, err)
	return idx
}

func TestNewRetriever_RequiresKB(t *testing.T) {
	_, err := NewRetriever(nil, nil, nil, domain.RetrievalConfig{}, testLogger())

	require.Error(t, err)
	assert.True(t, domain.IsInvalidArgument(err))
}

func TestNewRetriever_DimMismatch(t *testing.T) {
	enc := &fakeEncoder{vec: []float32{1, 2}}

	_, err := NewRetriever(testKB(t), testIndex(t), enc, domain.RetrievalConfig{}, testLogger())

	require.Error(t, err)
	assert.True(t, domain.IsInvalidArgument(err))
}

func TestRetrieve_InvalidK(t *testing.T) {
	r, err := NewRetriever(testKB(t), nil, nil, domain.RetrievalConfig{}, testLogger())
	require.NoError(t, err)

	_, err = r.Retrieve(context.Background(), "cholera", 0)

	require.Error(t, err)
	assert.True(t, domain.IsInvalidArgument(err))
}

func TestRetrieve_EmptyQuery(t *testing.T) {
	r, err := NewRetriever(testKB(t), nil, nil, domain.RetrievalConfig{}, testLogger())
	require.NoError(t, err)

	result, err := r.Retrieve(context.Background(), "   ", 10)

	require.NoError(t, err)
	assert.Empty(t, result.Candidates)
}

func TestRetrieve_VectorPath(t *testing.T) {
	enc := &fakeEncoder{vec: []float32{1, 0, 0}}
	r, err := NewRetriever(testKB(t), testIndex(t), enc, domain.RetrievalConfig{}, testLogger())
	require.NoError(t, err)
	require.True(t, r.VectorEnabled())

	result, err := r.Retrieve(context.Background(), "cholera infection", 2)

	require.NoError(t, err)
	assert.Equal(t, MethodVector, result.Method)
	require.Len(t, result.Candidates, 2)
	assert.Equal(t, "A00", result.Candidates[0].CodeID, "closest vector first")
	assert.Equal(t, "A09", result.Candidates[1].CodeID)
	assert.InDelta(t, 1.0, result.Candidates[0].RawScore, 1e-9, "zero distance maps to similarity 1")
	assert.Greater(t, result.Candidates[0].RawScore, result.Candidates[1].RawScore)
}

func TestRetrieve_FallsBackToLexicalOnEncoderFailure(t *testing.T) {
	enc := &fakeEncoder{vec: []float32{1, 0, 0}, err: errors.New("connection refused")}
	r, err := NewRetriever(testKB(t), testIndex(t), enc, domain.RetrievalConfig{}, testLogger())
	require.NoError(t, err)

	result, err := r.Retrieve(context.Background(), "cholera infection", 10)

	require.NoError(t, err)
	assert.Equal(t, MethodLexical, result.Method)
	require.NotEmpty(t, result.Candidates)
	assert.Equal(t, "A00", result.Candidates[0].CodeID)
}

func TestRetrieve_LexicalDeterminism(t *testing.T) {
	r, err := NewRetriever(testKB(t), nil, nil, domain.RetrievalConfig{}, testLogger())
	require.NoError(t, err)

	first, err := r.Retrieve(context.Background(), "cholera infection", 10)
	require.NoError(t, err)
	require.NotEmpty(t, first.Candidates)

	for i := 0; i < 5; i++ {
		again, err := r.Retrieve(context.Background(), "cholera infection", 10)
		require.NoError(t, err)
		assert.Equal(t, first.Candidates, again.Candidates, "lexical path is deterministic")
	}
}

func TestRetrieve_LexicalWeighting(t *testing.T) {
	r, err := NewRetriever(testKB(t), nil, nil, domain.RetrievalConfig{}, testLogger())
	require.NoError(t, err)

	// "cholera" hits A00's title (weight 3) and A09 not at all;
	// "infection" hits A00's description and alias plus A09's description.
	result, err := r.Retrieve(context.Background(), "cholera infection", 10)
	require.NoError(t, err)

	require.GreaterOrEqual(t, len(result.Candidates), 2)
	assert.Equal(t, "A00", result.Candidates[0].CodeID, "title match outweighs description match")
}

func TestRetrieve_TruncatesToK(t *testing.T) {
	r, err := NewRetriever(testKB(t), nil, nil, domain.RetrievalConfig{}, testLogger())
	require.NoError(t, err)

	result, err := r.Retrieve(context.Background(), "infection fever dehydration", 1)

	require.NoError(t, err)
	assert.Len(t, result.Candidates, 1)
}

func TestMemoryIndex_Search_DimMismatch(t *testing.T) {
	idx := testIndex(t)

	_, err := idx.Search([]float32{1, 0}, 5)

	require.Error(t, err)
	assert.True(t, domain.IsInvalidArgument(err))
}

func TestMemoryIndex_RejectsInconsistentDims(t *testing.T) {
	_, err := NewMemoryIndex([]indexEntry{
		{Code: "A00", Vector: []float32{1, 0}},
		{Code: "A09", Vector: []float32{1, 0, 0}},
	})

	assert.Error(t, err)
}
