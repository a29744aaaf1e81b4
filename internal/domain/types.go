// Package domain contains the core business entities for medical billing code
// recommendation from free-text clinical notes.
//
// The pipeline never asserts ground truth: every result is a ranked suggestion
// with calibrated confidence intended for human coder review.
package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Severity represents the severity of a compliance violation.
// Only error-severity violations invalidate a guardrail result;
// warnings are advisory and never exclude codes from the output.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// ProviderMode selects the grounding provider used for the final
// recommendation step.
type ProviderMode string

const (
	// ProviderMock is the deterministic offline rule engine. No network calls.
	ProviderMock ProviderMode = "mock"
	// ProviderExternal grounds recommendations with an external LLM,
	// falling back to the offline engine on any failure.
	ProviderExternal ProviderMode = "external"
)

// Validation errors for pipeline data integrity
var (
	ErrInvalidSeverity = errors.New("invalid violation severity")
	ErrInvalidProvider = errors.New("invalid provider mode")
)

// IsValid validates the severity level.
func (s Severity) IsValid() bool {
	switch s {
	case SeverityError, SeverityWarning:
		return true
	default:
		return false
	}
}

// String returns the string representation of the severity.
func (s Severity) String() string {
	return string(s)
}

// IsValid validates the provider mode.
func (p ProviderMode) IsValid() bool {
	switch p {
	case ProviderMock, ProviderExternal:
		return true
	default:
		return false
	}
}

// String returns the string representation of the provider mode.
func (p ProviderMode) String() string {
	return string(p)
}

// CodeRecord is a single immutable entry of the code knowledge base.
// The KB is built and versioned outside this service; records are never
// mutated after load and lookup is by ID.
type CodeRecord struct {
	ID          string   `json:"code" validate:"required"`
	Title       string   `json:"title" validate:"required"`
	Description string   `json:"description"`
	Category    string   `json:"category"`
	Aliases     []string `json:"aliases"`
}

// Validate ensures the record carries the fields the pipeline depends on.
// Invalid records are rejected at KB load time, not discovered mid-pipeline.
func (r *CodeRecord) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return fmt.Errorf("code record validation: %w", errors.New("code ID is required"))
	}
	if strings.TrimSpace(r.Title) == "" {
		return fmt.Errorf("code record validation: code %s: %w", r.ID, errors.New("title is required"))
	}
	return nil
}

// Candidate is a code surfaced by retrieval, before reranking.
// RawScore semantics depend on the retrieval method: similarity for the
// vector path (higher is better), weighted term-overlap count for the
// lexical fallback.
type Candidate struct {
	CodeID   string  `json:"code_id"`
	Title    string  `json:"title"`
	Category string  `json:"category"`
	RawScore float64 `json:"raw_score"`
}

// RankedCandidate is a candidate after cross-encoder reranking.
// Ordering by RelevanceScore descending is the pipeline's authoritative
// ranking from this point on.
type RankedCandidate struct {
	CodeID         string  `json:"code_id"`
	Title          string  `json:"title"`
	RelevanceScore float64 `json:"relevance_score"`
}

// Validate ensures the ranked candidate is well-formed.
func (rc *RankedCandidate) Validate() error {
	if rc.CodeID == "" {
		return fmt.Errorf("ranked candidate validation: %w", errors.New("code ID is required"))
	}
	if rc.RelevanceScore < 0 || rc.RelevanceScore > 1 {
		return fmt.Errorf("ranked candidate validation: code %s: relevance score %f outside [0,1]",
			rc.CodeID, rc.RelevanceScore)
	}
	return nil
}

// EvidenceItem is the full KB context for one surviving candidate, joined
// back from the knowledge base after reranking. Immutable once produced.
type EvidenceItem struct {
	CodeID         string   `json:"code_id"`
	Title          string   `json:"title"`
	Description    string   `json:"description"`
	Category       string   `json:"category"`
	Aliases        []string `json:"aliases"`
	RelevanceScore float64  `json:"relevance_score"`
}

// EvidenceSet is the ordered evidence for one query, consumed by the
// guardrail checker and the grounding provider.
type EvidenceSet struct {
	Query     string         `json:"query"`
	Items     []EvidenceItem `json:"items"`
	ElapsedMS float64        `json:"elapsed_ms"`
}

// Violation is a single compliance rule finding. Codes lists every code
// the finding references, so coherence violations can name both members
// of an incompatible pair.
type Violation struct {
	RuleName       string   `json:"rule_name"`
	Severity       Severity `json:"severity"`
	Message        string   `json:"message"`
	Recommendation string   `json:"recommendation,omitempty"`
	Codes          []string `json:"codes"`
}

// GuardrailResult is the complete outcome of the deterministic compliance
// rules. Violations are ordered by rule evaluation order and are a modeled
// output, never an error.
type GuardrailResult struct {
	IsValid    bool        `json:"is_valid"`
	Violations []Violation `json:"violations"`
	ElapsedMS  float64     `json:"elapsed_ms"`
}

// HasErrors reports whether any violation carries error severity.
// IsValid must equal !HasErrors(); both are kept so serialized results
// stay self-describing.
func (g *GuardrailResult) HasErrors() bool {
	for _, v := range g.Violations {
		if v.Severity == SeverityError {
			return true
		}
	}
	return false
}

// ErrorCodes returns the set of code IDs referenced by error-severity
// violations. These codes are excluded from the grounded recommendation.
func (g *GuardrailResult) ErrorCodes() map[string]bool {
	blocked := make(map[string]bool)
	for _, v := range g.Violations {
		if v.Severity != SeverityError {
			continue
		}
		for _, code := range v.Codes {
			blocked[code] = true
		}
	}
	return blocked
}

// GroundedResult is the final recommendation: codes in confidence order,
// a calibrated overall confidence, and a clinical rationale tied to the
// evidence that produced it.
type GroundedResult struct {
	Codes       []string `json:"codes"`
	Confidence  int      `json:"confidence"`
	Explanation string   `json:"explanation"`
	ModelID     string   `json:"model"`
	IsSafe      bool     `json:"is_safe"`
	Warnings    []string `json:"warnings"`
	ElapsedMS   float64  `json:"elapsed_ms"`
}

// StageSummary captures per-stage timing and the leading codes for the
// retrieve and rerank stages of a pipeline run.
type StageSummary struct {
	Method    string   `json:"method"`
	TopCodes  []string `json:"top_codes"`
	ElapsedMS float64  `json:"elapsed_ms"`
}

// PipelineResult is the composite result returned for one query. The
// caller always receives a complete shape; degraded stages are annotated
// in Degradations rather than surfaced as failures.
type PipelineResult struct {
	RequestID    string          `json:"request_id"`
	Query        string          `json:"query"`
	Retrieve     StageSummary    `json:"retrieve"`
	Rerank       StageSummary    `json:"rerank"`
	Evidence     EvidenceSet     `json:"evidence"`
	Guardrails   GuardrailResult `json:"guardrails"`
	Grounded     GroundedResult  `json:"grounded"`
	Degradations []string        `json:"degradations,omitempty"`
	ElapsedMS    float64         `json:"elapsed_ms"`
}
