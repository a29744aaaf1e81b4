// Package retrieval maps a free-text clinical query to ranked candidate
// billing codes. The primary path is semantic search over precomputed KB
// embeddings; when the encoder or vector index is unavailable the retriever
// degrades to deterministic lexical matching over the KB itself.
package retrieval

import (
	"context"
	"fmt"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"

	"github.com/medical-coding-server/internal/domain"
)

// Retrieval methods reported in stage summaries.
const (
	MethodVector  = "vector"
	MethodLexical = "lexical"
)

// Result is the outcome of one retrieval call, including which path
// produced it so the orchestrator can annotate degradations.
type Result struct {
	Candidates []domain.Candidate
	Method     string
	ElapsedMS  float64
}

// Retriever is read-only over the KB and index and safe for concurrent use.
type Retriever struct {
	kb      domain.KBProvider
	index   domain.VectorIndex
	encoder domain.Encoder
	cache   *lru.Cache[string, []float32]
	timeout time.Duration
	logger  *logrus.Logger
}

// NewRetriever creates a retriever. The KB is mandatory; index and encoder
// are optional as a pair, and with either missing every call takes the
// lexical path. When both are present their dimensionalities must agree,
// since query and KB embeddings only compare within one model version.
func NewRetriever(kbStore domain.KBProvider, index domain.VectorIndex, encoder domain.Encoder, cfg domain.RetrievalConfig, logger *logrus.Logger) (*Retriever, error) {
	if kbStore == nil || kbStore.Len() == 0 {
		return nil, domain.NewInvalidArgument("retriever requires a non-empty knowledge base")
	}

	if index != nil && encoder != nil && index.Dim() != encoder.Dim() {
		return nil, domain.NewInvalidArgument(
			fmt.Sprintf("encoder dim %d does not match index dim %d; embeddings must come from the same model",
				encoder.Dim(), index.Dim()))
	}

	cacheSize := cfg.EmbeddingCacheSize
	if cacheSize <= 0 {
		cacheSize = 1024
	}
	cache, err := lru.New[string, []float32](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create embedding cache: %w", err)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &Retriever{
		kb:      kbStore,
		index:   index,
		encoder: encoder,
		cache:   cache,
		timeout: timeout,
		logger:  logger,
	}, nil
}

// VectorEnabled reports whether the semantic path is configured at all.
// Used to distinguish "lexical by design" from "degraded to lexical".
func (r *Retriever) VectorEnabled() bool {
	return r.index != nil && r.encoder != nil
}

// Retrieve returns up to k candidates for the query, best first.
// An empty query yields an empty result, not an error; k <= 0 is an
// InvalidArgument because it signals a caller bug rather than absent input.
func (r *Retriever) Retrieve(ctx context.Context, query string, k int) (*Result, error) {
	if k <= 0 {
		return nil, domain.NewInvalidArgument(fmt.Sprintf("retrieve k must be positive, got %d", k))
	}

	start := time.Now()
	query = strings.TrimSpace(query)
	if query == "" {
		return &Result{Method: MethodLexical, ElapsedMS: elapsedMS(start)}, nil
	}

	if r.VectorEnabled() {
		candidates, err := r.vectorSearch(ctx, query, k)
		if err == nil {
			return &Result{Candidates: candidates, Method: MethodVector, ElapsedMS: elapsedMS(start)}, nil
		}
		r.logger.WithError(err).Warn("Vector retrieval failed, falling back to lexical matching")
	}

	candidates := lexicalSearch(r.kb, query, k)
	return &Result{Candidates: candidates, Method: MethodLexical, ElapsedMS: elapsedMS(start)}, nil
}

// vectorSearch encodes the query, searches the index, and converts each
// neighbor distance d into a similarity via 1/(1+d): monotonic decreasing,
// mapping any non-negative distance into (0,1].
func (r *Retriever) vectorSearch(ctx context.Context, query string, k int) ([]domain.Candidate, error) {
	vec, err := r.encodeQuery(ctx, query)
	if err != nil {
		return nil, domain.NewUpstreamUnavailable("encoder", err)
	}

	neighbors, err := r.index.Search(vec, k)
	if err != nil {
		return nil, fmt.Errorf("index search: %w", err)
	}

	candidates := make([]domain.Candidate, 0, len(neighbors))
	for _, n := range neighbors {
		rec, ok := r.kb.Lookup(n.CodeID)
		if !ok {
			// Index referencing a code the KB lacks is an integrity gap,
			// not a request failure. Skip and continue.
			r.logger.WithField("code_id", n.CodeID).Warn("Vector index references code missing from KB")
			continue
		}
		candidates = append(candidates, domain.Candidate{
			CodeID:   rec.ID,
			Title:    rec.Title,
			Category: rec.Category,
			RawScore: 1.0 / (1.0 + n.Distance),
		})
	}
	return candidates, nil
}

func (r *Retriever) encodeQuery(ctx context.Context, query string) ([]float32, error) {
	if vec, ok := r.cache.Get(query); ok {
		return vec, nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	vec, err := r.encoder.Encode(ctx, query)
	if err != nil {
		return nil, err
	}

	r.cache.Add(query, vec)
	return vec, nil
}

func elapsedMS(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000.0
}
