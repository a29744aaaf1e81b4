package domain

import "context"

// KBProvider exposes read-only access to the code knowledge base.
// Implementations must be safe for concurrent readers; the core never
// mutates the KB.
type KBProvider interface {
	// Lookup returns the record for a code ID, if present.
	Lookup(codeID string) (CodeRecord, bool)
	// All returns every record in KB insertion order. Insertion order is
	// the tie-breaker for the lexical fallback, so it must be stable.
	All() []CodeRecord
	// Len returns the number of records.
	Len() int
}

// Neighbor is one approximate-nearest-neighbor hit from the vector index.
// Distance semantics: smaller means more similar.
type Neighbor struct {
	CodeID   string
	Distance float64
}

// VectorIndex exposes similarity search over precomputed KB embeddings.
// Implementations are loaded once at startup and immutable afterwards.
type VectorIndex interface {
	// Search returns up to topK neighbors ordered by ascending distance.
	Search(queryVector []float32, topK int) ([]Neighbor, error)
	// Dim returns the embedding dimensionality of the index.
	Dim() int
}

// Encoder maps text into the same vector space as the KB embeddings.
// The same model and version must have produced both sides, or similarity
// is meaningless; constructors verify Dim against the index.
type Encoder interface {
	Encode(ctx context.Context, text string) ([]float32, error)
	Dim() int
	ModelID() string
}

// PairScorer scores (query, document) pairs jointly, cross-encoder style.
// Scores are raw model outputs; the reranker normalizes them to [0,1].
type PairScorer interface {
	// Score returns one raw relevance score per document, parallel to texts.
	Score(ctx context.Context, query string, texts []string) ([]float64, error)
	ModelID() string
}

// LLMClient is the external completion endpoint used by the grounding step.
type LLMClient interface {
	Complete(ctx context.Context, system, prompt string) (string, error)
	ModelID() string
}

// GroundingProvider produces the final explained recommendation from query,
// evidence, and guardrail results. Implementations must never return an
// error for upstream failures; they degrade to the offline engine instead.
type GroundingProvider interface {
	Ground(ctx context.Context, query string, evidence []EvidenceItem, guardrails GuardrailResult) GroundedResult
	Mode() ProviderMode
}
