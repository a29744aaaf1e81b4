package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/medical-coding-server/internal/domain"
	"github.com/medical-coding-server/internal/rerank"
	"github.com/medical-coding-server/internal/retrieval"
)

// Default stage widths when the caller passes zero.
const (
	DefaultRetrieveK = 100
	DefaultRerankK   = 10
)

// Options tunes one pipeline run. A nil Provider uses the orchestrator's
// configured default.
type Options struct {
	RetrieveK int
	RerankK   int
	Provider  domain.GroundingProvider
}

// Orchestrator chains the five pipeline stages in strict order. Stage
// failures never propagate to the caller: each stage has a defined fallback
// or empty output, and the run is annotated with what degraded. The only
// propagating error is argument validation, which happens before any stage
// runs.
type Orchestrator struct {
	retriever *retrieval.Retriever
	reranker  *rerank.Reranker
	assembler *Assembler
	checker   *Checker
	provider  domain.GroundingProvider
	logger    *logrus.Logger
}

// NewOrchestrator wires the pipeline stages together.
func NewOrchestrator(retriever *retrieval.Retriever, reranker *rerank.Reranker, assembler *Assembler, checker *Checker, provider domain.GroundingProvider, logger *logrus.Logger) *Orchestrator {
	return &Orchestrator{
		retriever: retriever,
		reranker:  reranker,
		assembler: assembler,
		checker:   checker,
		provider:  provider,
		logger:    logger,
	}
}

// Run executes retrieve, rerank, evidence assembly, guardrails, and
// grounding for one query and always returns a complete result shape.
// An empty query flows through as empty collections, not an error.
func (o *Orchestrator) Run(ctx context.Context, query string, opts Options) (*domain.PipelineResult, error) {
	if opts.RetrieveK == 0 {
		opts.RetrieveK = DefaultRetrieveK
	}
	if opts.RerankK == 0 {
		opts.RerankK = DefaultRerankK
	}
	if opts.RetrieveK < 0 {
		return nil, domain.NewInvalidArgument(fmt.Sprintf("retrieve k must be positive, got %d", opts.RetrieveK))
	}
	if opts.RerankK < 0 {
		return nil, domain.NewInvalidArgument(fmt.Sprintf("rerank k must be positive, got %d", opts.RerankK))
	}

	provider := opts.Provider
	if provider == nil {
		provider = o.provider
	}

	start := time.Now()
	result := &domain.PipelineResult{
		RequestID: uuid.New().String(),
		Query:     query,
	}
	log := o.logger.WithFields(logrus.Fields{
		"request_id": result.RequestID,
		"provider":   provider.Mode().String(),
	})
	log.WithField("query_len", len(query)).Info("Starting recommendation pipeline")

	// Stage 1: retrieve.
	var retrieved *retrieval.Result
	o.runStage(result, "retrieve", func() error {
		var err error
		retrieved, err = o.retriever.Retrieve(ctx, query, opts.RetrieveK)
		return err
	})
	if retrieved == nil {
		retrieved = &retrieval.Result{Method: retrieval.MethodLexical}
	}
	// Retrieve trims the query, so a whitespace-only query yields an empty
	// lexical result without the vector path ever degrading.
	if retrieved.Method == retrieval.MethodLexical && o.retriever.VectorEnabled() && strings.TrimSpace(query) != "" {
		o.degrade(result, "retrieve degraded from vector to lexical matching")
	}
	result.Retrieve = domain.StageSummary{
		Method:    retrieved.Method,
		TopCodes:  candidateCodes(retrieved.Candidates),
		ElapsedMS: retrieved.ElapsedMS,
	}

	// Stage 2: rerank.
	var ranked *rerank.Result
	o.runStage(result, "rerank", func() error {
		var err error
		ranked, err = o.reranker.Rerank(ctx, query, retrieved.Candidates, opts.RerankK)
		return err
	})
	if ranked == nil {
		ranked = &rerank.Result{Method: rerank.MethodIdentity}
	}
	if ranked.Method == rerank.MethodIdentity && o.reranker.ScorerEnabled() && len(retrieved.Candidates) > 0 {
		o.degrade(result, "rerank degraded from cross-encoder to identity ordering")
	}
	result.Rerank = domain.StageSummary{
		Method:    ranked.Method,
		TopCodes:  rankedCodes(ranked.Items),
		ElapsedMS: ranked.ElapsedMS,
	}

	// Stage 3: evidence assembly.
	o.runStage(result, "evidence", func() error {
		evidence, gaps := o.assembler.Assemble(query, ranked.Items)
		result.Evidence = evidence
		for _, code := range gaps {
			o.degrade(result, fmt.Sprintf("evidence gap: code %s missing from knowledge base", code))
		}
		return nil
	})
	if result.Evidence.Query == "" {
		result.Evidence.Query = query
	}

	// Stage 4: guardrails.
	o.runStage(result, "guardrails", func() error {
		result.Guardrails = o.checker.Check(query, result.Evidence.Items)
		return nil
	})
	if result.Guardrails.Violations == nil && !result.Guardrails.IsValid {
		// A panicked guardrail stage yields the zero value; an empty rule
		// outcome is valid by definition.
		result.Guardrails.IsValid = true
	}

	// Stage 5: grounding.
	o.runStage(result, "grounding", func() error {
		result.Grounded = provider.Ground(ctx, query, result.Evidence.Items, result.Guardrails)
		return nil
	})
	if result.Grounded.ModelID == "" {
		result.Grounded = domain.GroundedResult{
			ModelID: OfflineModelID,
			IsSafe:  result.Guardrails.IsValid,
		}
	}
	if provider.Mode() == domain.ProviderExternal && result.Grounded.ModelID == OfflineModelID {
		o.degrade(result, "grounding degraded from external model to offline rule engine")
	}

	result.ElapsedMS = elapsedMS(start)
	log.WithFields(logrus.Fields{
		"codes":        len(result.Grounded.Codes),
		"confidence":   result.Grounded.Confidence,
		"degradations": len(result.Degradations),
		"elapsed_ms":   result.ElapsedMS,
	}).Info("Completed recommendation pipeline")

	return result, nil
}

// runStage executes one stage, absorbing both returned errors and panics
// as degradation notes so the pipeline always continues with the stage's
// empty output.
func (o *Orchestrator) runStage(result *domain.PipelineResult, name string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.WithFields(logrus.Fields{
				"request_id": result.RequestID,
				"stage":      name,
				"panic":      r,
			}).Error("Pipeline stage panicked, continuing with empty output")
			o.degrade(result, fmt.Sprintf("%s stage failed internally", name))
		}
	}()
	if err := fn(); err != nil {
		o.logger.WithFields(logrus.Fields{
			"request_id": result.RequestID,
			"stage":      name,
		}).WithError(err).Error("Pipeline stage failed, continuing with empty output")
		o.degrade(result, fmt.Sprintf("%s stage failed: %v", name, err))
	}
}

func (o *Orchestrator) degrade(result *domain.PipelineResult, note string) {
	result.Degradations = append(result.Degradations, note)
}

func candidateCodes(candidates []domain.Candidate) []string {
	n := len(candidates)
	if n > 5 {
		n = 5
	}
	codes := make([]string, n)
	for i := 0; i < n; i++ {
		codes[i] = candidates[i].CodeID
	}
	return codes
}

func rankedCodes(items []domain.RankedCandidate) []string {
	n := len(items)
	if n > 5 {
		n = 5
	}
	codes := make([]string, n)
	for i := 0; i < n; i++ {
		codes[i] = items[i].CodeID
	}
	return codes
}
