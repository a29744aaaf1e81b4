// Package rerank re-scores retrieved candidates with a cross-encoder style
// pair scorer that reads query and candidate jointly. When the scorer is
// unavailable the reranker keeps retriever order and assigns a bounded,
// linearly decaying score so downstream confidence scaling still has a
// meaningful signal.
package rerank

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/medical-coding-server/internal/domain"
)

// Rerank methods reported in stage summaries.
const (
	MethodCrossEncoder = "cross-encoder"
	MethodIdentity     = "identity"
)

// Identity-fallback score bounds: the first kept candidate gets
// fallbackTop, the last gets fallbackBottom, intermediates interpolate.
const (
	fallbackTop    = 0.9
	fallbackBottom = 0.3
)

// Result is the outcome of one rerank call.
type Result struct {
	Items     []domain.RankedCandidate
	Method    string
	ElapsedMS float64
}

// Reranker is stateless apart from its scorer client; safe for concurrent use.
type Reranker struct {
	scorer  domain.PairScorer
	timeout time.Duration
	logger  *logrus.Logger
}

// NewReranker creates a reranker. A nil scorer pins every call to the
// identity fallback.
func NewReranker(scorer domain.PairScorer, cfg domain.RerankConfig, logger *logrus.Logger) *Reranker {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Reranker{
		scorer:  scorer,
		timeout: timeout,
		logger:  logger,
	}
}

// ScorerEnabled reports whether the cross-encoder path is configured.
func (r *Reranker) ScorerEnabled() bool {
	return r.scorer != nil
}

// Rerank re-scores candidates and returns the top min(k, len(candidates))
// by relevance descending. Duplicate code IDs are collapsed to their
// highest-scoring occurrence. An empty candidate list is not an error.
func (r *Reranker) Rerank(ctx context.Context, query string, candidates []domain.Candidate, k int) (*Result, error) {
	if k <= 0 {
		return nil, domain.NewInvalidArgument(fmt.Sprintf("rerank k must be positive, got %d", k))
	}

	start := time.Now()
	if len(candidates) == 0 {
		return &Result{Method: MethodIdentity, ElapsedMS: elapsedMS(start)}, nil
	}

	if r.scorer != nil {
		items, err := r.crossEncode(ctx, query, candidates, k)
		if err == nil {
			return &Result{Items: items, Method: MethodCrossEncoder, ElapsedMS: elapsedMS(start)}, nil
		}
		r.logger.WithError(err).Warn("Cross-encoder scoring failed, falling back to identity rerank")
	}

	return &Result{
		Items:     identityRerank(candidates, k),
		Method:    MethodIdentity,
		ElapsedMS: elapsedMS(start),
	}, nil
}

// crossEncode scores each (query, "title [code]") pair, squashes raw model
// outputs into [0,1] with a logistic transform, and sorts descending.
// The transform is order-preserving, so ranking is decided by the raw
// scores alone.
func (r *Reranker) crossEncode(ctx context.Context, query string, candidates []domain.Candidate, k int) ([]domain.RankedCandidate, error) {
	texts := make([]string, len(candidates))
	for i, c := range candidates {
		texts[i] = fmt.Sprintf("%s [%s]", c.Title, c.CodeID)
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	scores, err := r.scorer.Score(ctx, query, texts)
	if err != nil {
		return nil, domain.NewUpstreamUnavailable("pair scorer", err)
	}
	if len(scores) != len(candidates) {
		return nil, fmt.Errorf("pair scorer returned %d scores for %d candidates", len(scores), len(candidates))
	}

	ranked := make([]domain.RankedCandidate, len(candidates))
	for i, c := range candidates {
		ranked[i] = domain.RankedCandidate{
			CodeID:         c.CodeID,
			Title:          c.Title,
			RelevanceScore: logistic(scores[i]),
		}
	}

	// Stable: candidates with equal scores keep retriever order.
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].RelevanceScore > ranked[j].RelevanceScore
	})

	return truncate(dedupe(ranked), k), nil
}

// identityRerank preserves retriever order and assigns deterministic scores
// decaying linearly from fallbackTop to fallbackBottom across the kept list.
func identityRerank(candidates []domain.Candidate, k int) []domain.RankedCandidate {
	ranked := make([]domain.RankedCandidate, len(candidates))
	for i, c := range candidates {
		ranked[i] = domain.RankedCandidate{CodeID: c.CodeID, Title: c.Title}
	}
	kept := truncate(dedupe(ranked), k)

	n := len(kept)
	for i := range kept {
		if n == 1 {
			kept[i].RelevanceScore = fallbackTop
			continue
		}
		frac := float64(i) / float64(n-1)
		kept[i].RelevanceScore = fallbackTop - (fallbackTop-fallbackBottom)*frac
	}
	return kept
}

// dedupe keeps the first occurrence of each code ID. Inputs are already
// ordered best-first, so first occurrence is the highest-scoring one.
func dedupe(ranked []domain.RankedCandidate) []domain.RankedCandidate {
	seen := make(map[string]bool, len(ranked))
	out := ranked[:0:0]
	for _, rc := range ranked {
		if seen[rc.CodeID] {
			continue
		}
		seen[rc.CodeID] = true
		out = append(out, rc)
	}
	return out
}

func truncate(ranked []domain.RankedCandidate, k int) []domain.RankedCandidate {
	if len(ranked) > k {
		return ranked[:k]
	}
	return ranked
}

func logistic(x float64) float64 {
	return 1.0 / (1.0 + math.Exp(-x))
}

func elapsedMS(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000.0
}
