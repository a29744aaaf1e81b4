package retrieval

import (
	"sort"
	"strings"

	"github.com/medical-coding-server/internal/domain"
)

// Lexical fallback scoring weights. Exact title-token overlap counts most,
// aliases next, description least.
const (
	titleWeight = 3
	aliasWeight = 2
	descWeight  = 1
)

// tokenize lowercases text and splits it into a token set on any
// non-alphanumeric rune, so "Fever, unspecified" and "nausea/vomiting"
// both break into clean terms.
func tokenize(text string) map[string]bool {
	cleaned := strings.Map(func(r rune) rune {
		if r >= 'a' && r <= 'z' || r >= '0' && r <= '9' {
			return r
		}
		if r >= 'A' && r <= 'Z' {
			return r + ('a' - 'A')
		}
		return ' '
	}, text)
	tokens := make(map[string]bool)
	for _, tok := range strings.Fields(cleaned) {
		tokens[tok] = true
	}
	return tokens
}

func overlap(query, doc map[string]bool) int {
	n := 0
	for tok := range query {
		if doc[tok] {
			n++
		}
	}
	return n
}

// lexicalSearch scores every KB record by weighted term overlap with the
// query and returns the top k, score descending. Ties keep KB insertion
// order, which makes the fallback path fully deterministic.
func lexicalSearch(kbStore domain.KBProvider, query string, k int) []domain.Candidate {
	queryTokens := tokenize(query)
	if len(queryTokens) == 0 {
		return nil
	}

	var scored []domain.Candidate
	for _, rec := range kbStore.All() {
		score := titleWeight*overlap(queryTokens, tokenize(rec.Title)) +
			aliasWeight*overlap(queryTokens, tokenize(strings.Join(rec.Aliases, " "))) +
			descWeight*overlap(queryTokens, tokenize(rec.Description))
		if score > 0 {
			scored = append(scored, domain.Candidate{
				CodeID:   rec.ID,
				Title:    rec.Title,
				Category: rec.Category,
				RawScore: float64(score),
			})
		}
	}

	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].RawScore > scored[j].RawScore
	})

	if len(scored) > k {
		scored = scored[:k]
	}
	return scored
}
