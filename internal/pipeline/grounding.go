package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/medical-coding-server/internal/domain"
)

// OfflineModelID identifies results produced by the deterministic rule
// engine rather than an external model.
const OfflineModelID = "offline-rule-engine"

// Explanation truncation limits keep rationales readable when KB
// descriptions run long.
const (
	maxDescriptionChars = 250
	maxQueryChars       = 80
	maxExplainedCodes   = 3
)

// ConfidencePolicy converts relevance scores into bounded confidence
// percentages. The floor and ceiling exist so retrieval noise alone can
// never produce near-zero or near-certain confidence.
type ConfidencePolicy struct {
	scale          float64
	floor          float64
	ceiling        float64
	rankDecay      float64
	perCodeFloor   int
	perCodeCeiling int
}

// NewConfidencePolicy builds a policy from config, substituting the
// production calibration for any zero-valued coefficient.
func NewConfidencePolicy(cfg domain.ConfidenceConfig) *ConfidencePolicy {
	p := &ConfidencePolicy{
		scale:          cfg.Scale,
		floor:          cfg.Floor,
		ceiling:        cfg.Ceiling,
		rankDecay:      cfg.RankDecay,
		perCodeFloor:   cfg.PerCodeFloor,
		perCodeCeiling: cfg.PerCodeCeiling,
	}
	if p.scale <= 0 {
		p.scale = 0.8
	}
	if p.floor <= 0 {
		p.floor = 0.3
	}
	if p.ceiling <= 0 {
		p.ceiling = 0.9
	}
	if p.rankDecay <= 0 {
		p.rankDecay = 0.15
	}
	if p.perCodeFloor <= 0 {
		p.perCodeFloor = 30
	}
	if p.perCodeCeiling <= 0 {
		p.perCodeCeiling = 95
	}
	return p
}

// Overall computes the calibrated overall confidence percentage from the
// evidence relevance scores. Empty evidence averages to zero and lands on
// the floor, so the result is still a bounded, honest number.
func (p *ConfidencePolicy) Overall(evidence []domain.EvidenceItem) int {
	avg := 0.0
	if len(evidence) > 0 {
		sum := 0.0
		for _, ev := range evidence {
			sum += ev.RelevanceScore
		}
		avg = sum / float64(len(evidence))
	}
	return int(math.Round(p.clampBase(avg*p.scale) * 100))
}

// PerCode computes the confidence percentage for the code at the given
// 1-indexed rank. Each rank position discounts the score further so the
// primary code always reads strongest.
func (p *ConfidencePolicy) PerCode(relevanceScore float64, rank int) int {
	raw := relevanceScore * 100 * (1 - float64(rank)*p.rankDecay)
	pct := int(math.Round(raw))
	if pct < p.perCodeFloor {
		return p.perCodeFloor
	}
	if pct > p.perCodeCeiling {
		return p.perCodeCeiling
	}
	return pct
}

// Clamp bounds an arbitrary confidence percentage to the overall policy
// range. Applied to blended external-model confidence so a misbehaving
// model cannot push the result outside the calibrated band.
func (p *ConfidencePolicy) Clamp(pct int) int {
	floor := int(math.Round(p.floor * 100))
	ceiling := int(math.Round(p.ceiling * 100))
	if pct < floor {
		return floor
	}
	if pct > ceiling {
		return ceiling
	}
	return pct
}

func (p *ConfidencePolicy) clampBase(x float64) float64 {
	if x < p.floor {
		return p.floor
	}
	if x > p.ceiling {
		return p.ceiling
	}
	return x
}

// finalizeCodes drops codes blocked by error-severity violations, keeping
// evidence order. Warnings carry every violation forward as display text.
func finalizeCodes(codes []string, guard domain.GuardrailResult) ([]string, []string) {
	blocked := guard.ErrorCodes()
	kept := make([]string, 0, len(codes))
	for _, code := range codes {
		if blocked[code] {
			continue
		}
		kept = append(kept, code)
	}

	var warnings []string
	for _, v := range guard.Violations {
		warnings = append(warnings, fmt.Sprintf("[%s] %s", v.Severity, v.Message))
	}
	return kept, warnings
}

func truncateText(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

// OfflineEngine is the deterministic grounding provider. It recommends the
// top evidence codes with a templated rationale and formula-derived
// confidence, making no network calls at all.
type OfflineEngine struct {
	policy *ConfidencePolicy
	logger *logrus.Logger
}

// NewOfflineEngine creates the deterministic grounding engine.
func NewOfflineEngine(policy *ConfidencePolicy, logger *logrus.Logger) *OfflineEngine {
	return &OfflineEngine{policy: policy, logger: logger}
}

// Mode reports the provider mode.
func (e *OfflineEngine) Mode() domain.ProviderMode {
	return domain.ProviderMock
}

// Ground produces the final recommendation from evidence alone. Codes
// blocked by error-severity guardrail violations are excluded before
// selecting the recommended set.
func (e *OfflineEngine) Ground(ctx context.Context, query string, evidence []domain.EvidenceItem, guard domain.GuardrailResult) domain.GroundedResult {
	start := time.Now()

	allCodes := make([]string, len(evidence))
	for i, ev := range evidence {
		allCodes[i] = ev.CodeID
	}
	kept, warnings := finalizeCodes(allCodes, guard)
	if len(kept) > maxExplainedCodes {
		kept = kept[:maxExplainedCodes]
	}

	return domain.GroundedResult{
		Codes:       kept,
		Confidence:  e.policy.Overall(evidence),
		Explanation: e.buildExplanation(query, evidence, guard),
		ModelID:     OfflineModelID,
		IsSafe:      guard.IsValid,
		Warnings:    warnings,
		ElapsedMS:   elapsedMS(start),
	}
}

// buildExplanation renders the rationale template: the query, the top
// evidence codes with per-rank confidence and truncated descriptions, and
// the overall confidence line.
func (e *OfflineEngine) buildExplanation(query string, evidence []domain.EvidenceItem, guard domain.GuardrailResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Clinical coding analysis for: \"%s\"\n\n", truncateText(query, maxQueryChars))

	if len(evidence) == 0 {
		b.WriteString("No supporting evidence was found in the code knowledge base for this query.\n")
		return b.String()
	}

	b.WriteString("Recommended codes:\n")
	blocked := guard.ErrorCodes()
	rank := 0
	for _, ev := range evidence {
		if blocked[ev.CodeID] {
			continue
		}
		rank++
		if rank > maxExplainedCodes {
			break
		}
		fmt.Fprintf(&b, "%d. %s — %s [%d%% match]\n", rank, ev.CodeID, ev.Title, e.policy.PerCode(ev.RelevanceScore, rank))
		if desc := strings.TrimSpace(ev.Description); desc != "" {
			fmt.Fprintf(&b, "   %s\n", truncateText(desc, maxDescriptionChars))
		}
	}

	fmt.Fprintf(&b, "\nOverall clinical confidence: %d%% (rule-based grounding)\n", e.policy.Overall(evidence))

	if len(guard.Violations) > 0 {
		fmt.Fprintf(&b, "Compliance findings: %d (see warnings)\n", len(guard.Violations))
	}
	return b.String()
}

// llmResponse is the structured reply requested from the external model.
type llmResponse struct {
	Codes        []string          `json:"codes"`
	Explanations map[string]string `json:"explanations"`
	Confidence   int               `json:"confidence"`
	Summary      string            `json:"summary"`
}

// LLMGrounder grounds recommendations with an external completion model,
// constraining its output to the evidence set and blending its self-reported
// confidence with the formula-derived one. Any failure on the external path
// falls back to the offline engine, never to an error.
type LLMGrounder struct {
	client  domain.LLMClient
	policy  *ConfidencePolicy
	offline *OfflineEngine
	timeout time.Duration
	logger  *logrus.Logger
}

// NewLLMGrounder creates the external grounding provider.
func NewLLMGrounder(client domain.LLMClient, policy *ConfidencePolicy, cfg domain.LLMConfig, logger *logrus.Logger) *LLMGrounder {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &LLMGrounder{
		client:  client,
		policy:  policy,
		offline: NewOfflineEngine(policy, logger),
		timeout: timeout,
		logger:  logger,
	}
}

// Mode reports the provider mode.
func (g *LLMGrounder) Mode() domain.ProviderMode {
	return domain.ProviderExternal
}

// Ground asks the external model for a structured recommendation over the
// evidence. Empty evidence skips the model call entirely; there is nothing
// for it to ground against.
func (g *LLMGrounder) Ground(ctx context.Context, query string, evidence []domain.EvidenceItem, guard domain.GuardrailResult) domain.GroundedResult {
	start := time.Now()

	if len(evidence) == 0 {
		return g.offline.Ground(ctx, query, evidence, guard)
	}

	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	raw, err := g.client.Complete(callCtx, systemPrompt, g.buildPrompt(query, evidence, guard))
	if err != nil {
		g.logger.WithError(err).Warn("External grounding call failed, using offline engine")
		return g.offline.Ground(ctx, query, evidence, guard)
	}

	parsed, err := parseResponse(raw)
	if err != nil {
		g.logger.WithError(err).Warn("External grounding response unparseable, using offline engine")
		return g.offline.Ground(ctx, query, evidence, guard)
	}

	// The model may only recommend codes it was shown. Anything else is
	// treated as hallucination and dropped.
	known := make(map[string]bool, len(evidence))
	for _, ev := range evidence {
		known[ev.CodeID] = true
	}
	codes := make([]string, 0, len(parsed.Codes))
	for _, code := range parsed.Codes {
		code = strings.TrimSpace(code)
		if known[code] {
			codes = append(codes, code)
		} else if code != "" {
			g.logger.WithField("code_id", code).Warn("External model recommended a code outside the evidence set, dropping")
		}
	}
	if len(codes) == 0 {
		g.logger.Warn("External grounding produced no usable codes, using offline engine")
		return g.offline.Ground(ctx, query, evidence, guard)
	}

	kept, warnings := finalizeCodes(codes, guard)

	// Blend the model's self-reported confidence evenly with the formula,
	// then re-clamp. The model can nudge the number, never unbound it.
	formula := g.policy.Overall(evidence)
	confidence := g.policy.Clamp((formula + parsed.Confidence) / 2)

	explanation := strings.TrimSpace(parsed.Summary)
	if explanation == "" {
		explanation = g.offline.buildExplanation(query, evidence, guard)
	}

	return domain.GroundedResult{
		Codes:       kept,
		Confidence:  confidence,
		Explanation: explanation,
		ModelID:     g.client.ModelID(),
		IsSafe:      guard.IsValid,
		Warnings:    warnings,
		ElapsedMS:   elapsedMS(start),
	}
}

const systemPrompt = "You are a medical coding assistant. You recommend billing codes " +
	"strictly from the evidence provided, never from memory. Respond only with JSON."

func (g *LLMGrounder) buildPrompt(query string, evidence []domain.EvidenceItem, guard domain.GuardrailResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Clinical note:\n%s\n\nCandidate codes (evidence):\n", query)
	for i, ev := range evidence {
		fmt.Fprintf(&b, "%d. %s — %s", i+1, ev.CodeID, ev.Title)
		if desc := strings.TrimSpace(ev.Description); desc != "" {
			fmt.Fprintf(&b, ": %s", truncateText(desc, maxDescriptionChars))
		}
		if len(ev.Aliases) > 0 {
			fmt.Fprintf(&b, " (also known as: %s)", strings.Join(ev.Aliases, ", "))
		}
		b.WriteString("\n")
	}

	if len(guard.Violations) > 0 {
		b.WriteString("\nCompliance findings to consider:\n")
		for _, v := range guard.Violations {
			fmt.Fprintf(&b, "- [%s] %s\n", v.Severity, v.Message)
		}
	}

	b.WriteString("\nSelect the most appropriate codes from the candidates above. " +
		"Provide overall confidence in your recommendation (0-100). " +
		"Format your response as JSON with keys: codes (list), explanations (dict), confidence (int), summary (str).")
	return b.String()
}

// parseResponse decodes the model reply, tolerating markdown code fences
// around the JSON body.
func parseResponse(raw string) (*llmResponse, error) {
	body := strings.TrimSpace(raw)
	if strings.HasPrefix(body, "```") {
		body = strings.TrimPrefix(body, "```json")
		body = strings.TrimPrefix(body, "```")
		if idx := strings.LastIndex(body, "```"); idx >= 0 {
			body = body[:idx]
		}
		body = strings.TrimSpace(body)
	}

	var parsed llmResponse
	if err := json.Unmarshal([]byte(body), &parsed); err != nil {
		return nil, fmt.Errorf("decode grounding response: %w", err)
	}
	return &parsed, nil
}

// NewProvider selects the grounding provider for the configured mode.
// External mode without a client degrades to the offline engine at
// construction time rather than per request.
func NewProvider(mode domain.ProviderMode, client domain.LLMClient, policy *ConfidencePolicy, cfg domain.LLMConfig, logger *logrus.Logger) domain.GroundingProvider {
	if mode == domain.ProviderExternal && client != nil {
		return NewLLMGrounder(client, policy, cfg, logger)
	}
	if mode == domain.ProviderExternal {
		logger.Warn("External grounding requested but no LLM client configured, using offline engine")
	}
	return NewOfflineEngine(policy, logger)
}
