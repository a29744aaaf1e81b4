package retrieval

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"

	"github.com/medical-coding-server/internal/domain"
)

// MemoryIndex is a flat in-memory vector index over precomputed KB
// embeddings. Exact L2 search; at ~71K records and 384 dimensions a linear
// scan stays well inside the request budget. Immutable after construction,
// safe for concurrent use.
type MemoryIndex struct {
	codeIDs []string
	vectors [][]float32
	dim     int
}

// indexEntry is one row of the embeddings artifact built alongside the KB.
type indexEntry struct {
	Code   string    `json:"code"`
	Vector []float32 `json:"vector"`
}

// NewMemoryIndex builds an index from parallel code/vector rows.
// All vectors must share one dimensionality; the KB embeddings and query
// encoder must come from the same model version or similarity is meaningless.
func NewMemoryIndex(entries []indexEntry) (*MemoryIndex, error) {
	if len(entries) == 0 {
		return nil, domain.NewInvalidArgument("vector index is empty")
	}

	dim := len(entries[0].Vector)
	if dim == 0 {
		return nil, domain.NewInvalidArgument("vector index has zero-dimensional embeddings")
	}

	idx := &MemoryIndex{
		codeIDs: make([]string, 0, len(entries)),
		vectors: make([][]float32, 0, len(entries)),
		dim:     dim,
	}
	for _, e := range entries {
		if len(e.Vector) != dim {
			return nil, fmt.Errorf("vector index integrity: code %s has dim %d, expected %d",
				e.Code, len(e.Vector), dim)
		}
		idx.codeIDs = append(idx.codeIDs, e.Code)
		idx.vectors = append(idx.vectors, e.Vector)
	}
	return idx, nil
}

// LoadIndex reads the embeddings artifact (JSON array of {code, vector})
// from disk.
func LoadIndex(path string) (*MemoryIndex, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read embeddings artifact: %w", err)
	}

	var entries []indexEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("failed to parse embeddings artifact %s: %w", path, err)
	}

	return NewMemoryIndex(entries)
}

// Dim returns the embedding dimensionality of the index.
func (idx *MemoryIndex) Dim() int {
	return idx.dim
}

// Search returns up to topK neighbors ordered by ascending L2 distance.
// Equal distances keep insertion order.
func (idx *MemoryIndex) Search(queryVector []float32, topK int) ([]domain.Neighbor, error) {
	if len(queryVector) != idx.dim {
		return nil, domain.NewInvalidArgument(
			fmt.Sprintf("query vector dim %d does not match index dim %d", len(queryVector), idx.dim))
	}
	if topK <= 0 {
		return nil, domain.NewInvalidArgument("topK must be positive")
	}

	neighbors := make([]domain.Neighbor, len(idx.vectors))
	for i, vec := range idx.vectors {
		neighbors[i] = domain.Neighbor{
			CodeID:   idx.codeIDs[i],
			Distance: l2Distance(queryVector, vec),
		}
	}

	sort.SliceStable(neighbors, func(i, j int) bool {
		return neighbors[i].Distance < neighbors[j].Distance
	})

	if len(neighbors) > topK {
		neighbors = neighbors[:topK]
	}
	return neighbors, nil
}

func l2Distance(a, b []float32) float64 {
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return math.Sqrt(sum)
}
