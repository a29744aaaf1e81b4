// Package pipeline contains the downstream stages of the recommendation
// pipeline (evidence assembly, guardrail checking, grounding) and the
// orchestrator that sequences all five stages end to end.
package pipeline

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/medical-coding-server/internal/domain"
)

// Assembler joins reranked candidates back to their full KB records.
type Assembler struct {
	kb     domain.KBProvider
	logger *logrus.Logger
}

// NewAssembler creates an evidence assembler over the KB.
func NewAssembler(kbStore domain.KBProvider, logger *logrus.Logger) *Assembler {
	return &Assembler{kb: kbStore, logger: logger}
}

// Assemble looks up the full record for each ranked candidate, preserving
// rerank order and carrying the relevance score through unchanged. A code
// the KB lacks (stale index) is skipped and reported as an integrity gap;
// it never fails the batch. Every returned item is guaranteed to exist in
// the KB, so the pipeline cannot invent codes past this point.
func (a *Assembler) Assemble(query string, ranked []domain.RankedCandidate) (domain.EvidenceSet, []string) {
	start := time.Now()
	var gaps []string

	items := make([]domain.EvidenceItem, 0, len(ranked))
	for _, rc := range ranked {
		rec, ok := a.kb.Lookup(rc.CodeID)
		if !ok {
			a.logger.WithFields(logrus.Fields{
				"code_id": rc.CodeID,
			}).Warn("Ranked candidate missing from KB, skipping")
			gaps = append(gaps, rc.CodeID)
			continue
		}
		items = append(items, domain.EvidenceItem{
			CodeID:         rec.ID,
			Title:          rec.Title,
			Description:    rec.Description,
			Category:       rec.Category,
			Aliases:        rec.Aliases,
			RelevanceScore: rc.RelevanceScore,
		})
	}

	return domain.EvidenceSet{
		Query:     query,
		Items:     items,
		ElapsedMS: elapsedMS(start),
	}, gaps
}

func elapsedMS(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000.0
}
