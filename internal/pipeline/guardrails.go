package pipeline

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/medical-coding-server/internal/domain"
)

// Guardrail rule names, stable across releases because violation consumers
// key on them.
const (
	RuleCodeFormat        = "code_format"
	RuleSpecificity       = "specificity"
	RuleCategoryVolume    = "category_volume"
	RuleClinicalCoherence = "clinical_coherence"
)

// icd10Pattern matches the structural shape of an ICD-10-like code:
// a letter, two digits, then optional alphanumerics with at most one
// decimal point (A00, A00.0, I2101, S72.001A).
var icd10Pattern = regexp.MustCompile(`^[A-Za-z][0-9]{2}[0-9A-Za-z]*(\.[0-9A-Za-z]+)?$`)

// unspecifiedTokenMarkers flag inadequately specific titles. They match
// as whole tokens only, so titles like "diagnosis" don't trip the rule;
// unspecifiedMarker separately matches "unspecified" as a substring.
var unspecifiedTokenMarkers = []string{"nos", "nec"}

// sectionByLetter maps the first letter of a code to its ICD-10 chapter
// range, used to apply per-section volume caps.
var sectionByLetter = map[byte]string{
	'a': "a00-b99", 'b': "a00-b99",
	'c': "c00-d49", 'd': "c00-d49",
	'e': "e00-e89",
	'f': "f00-f99",
	'g': "g00-g99",
	'h': "h00-h99",
	'i': "i00-i99",
	'j': "j00-j99",
	'k': "k00-k95",
	'l': "l00-l99",
	'm': "m00-m99",
	'n': "n00-n99",
	'o': "o00-o99",
	'p': "p00-p96",
	'q': "q00-q99",
	'r': "r00-r99",
	's': "s00-t88", 't': "s00-t88",
	'u': "u00-u85",
	'v': "v00-y99", 'w': "v00-y99", 'x': "v00-y99", 'y': "v00-y99",
	'z': "z00-z99",
}

// guardrailRule is one independent compliance rule. Rules never see each
// other's findings; the checker collects all violations in evaluation order.
type guardrailRule struct {
	Name     string
	Evaluate func(evidence []domain.EvidenceItem) []domain.Violation
}

// Checker applies the deterministic compliance rule set to an evidence set.
// All rules are model-free; given the same evidence they produce the same
// violations in the same order.
type Checker struct {
	logger       *logrus.Logger
	limits       map[string]int
	incompatible []domain.IncompatibleRule
	rules        []guardrailRule
}

// DefaultGuardrailsConfig returns the shipped policy tables: category caps
// of 3 for infectious disease, 5 for circulatory, 4 for respiratory, and a
// pregnancy/male-only incompatibility pair. Thresholds are policy carried
// over from the original system, not a cited coding standard.
func DefaultGuardrailsConfig() domain.GuardrailsConfig {
	return domain.GuardrailsConfig{
		CategoryLimits: map[string]int{
			"a00-b99": 3,
			"i00-i99": 5,
			"j00-j99": 4,
		},
		Incompatible: []domain.IncompatibleRule{
			{
				Name:          "pregnancy_male_only",
				LeftPrefixes:  []string{"O"},
				RightPrefixes: []string{"N40", "N45", "N50"},
			},
		},
	}
}

// NewChecker creates a guardrail checker. Zero-value config fields fall
// back to the default policy tables.
func NewChecker(cfg domain.GuardrailsConfig, logger *logrus.Logger) *Checker {
	defaults := DefaultGuardrailsConfig()
	if len(cfg.CategoryLimits) == 0 {
		cfg.CategoryLimits = defaults.CategoryLimits
	}
	if len(cfg.Incompatible) == 0 {
		cfg.Incompatible = defaults.Incompatible
	}

	c := &Checker{
		logger:       logger,
		limits:       cfg.CategoryLimits,
		incompatible: cfg.Incompatible,
	}
	c.rules = []guardrailRule{
		{Name: RuleCodeFormat, Evaluate: c.checkFormat},
		{Name: RuleSpecificity, Evaluate: c.checkSpecificity},
		{Name: RuleCategoryVolume, Evaluate: c.checkCategoryVolume},
		{Name: RuleClinicalCoherence, Evaluate: c.checkCoherence},
	}
	return c
}

// Check runs every rule against the evidence set and collects all findings.
// A failing rule implementation must not abort the batch, so each rule is
// isolated with a recover.
func (c *Checker) Check(query string, evidence []domain.EvidenceItem) domain.GuardrailResult {
	start := time.Now()
	var violations []domain.Violation

	for _, rule := range c.rules {
		violations = append(violations, c.evaluateRule(rule, evidence)...)
	}

	result := domain.GuardrailResult{
		IsValid:    true,
		Violations: violations,
		ElapsedMS:  elapsedMS(start),
	}
	result.IsValid = !result.HasErrors()

	c.logger.WithFields(logrus.Fields{
		"evidence_count": len(evidence),
		"violations":     len(violations),
		"is_valid":       result.IsValid,
	}).Debug("Completed guardrail evaluation")

	return result
}

func (c *Checker) evaluateRule(rule guardrailRule, evidence []domain.EvidenceItem) (found []domain.Violation) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.WithFields(logrus.Fields{
				"rule":  rule.Name,
				"panic": r,
			}).Error("Guardrail rule panicked, skipping its findings")
			found = nil
		}
	}()
	return rule.Evaluate(evidence)
}

// checkFormat flags structurally invalid code IDs. This is the only
// error-severity rule: a malformed code can never be billed.
func (c *Checker) checkFormat(evidence []domain.EvidenceItem) []domain.Violation {
	var violations []domain.Violation
	for _, ev := range evidence {
		if icd10Pattern.MatchString(ev.CodeID) {
			continue
		}
		violations = append(violations, domain.Violation{
			RuleName: RuleCodeFormat,
			Severity: domain.SeverityError,
			Message:  fmt.Sprintf("Code '%s' does not match ICD-10 structure", ev.CodeID),
			Recommendation: "Codes must be a letter followed by two digits, with an optional " +
				"decimal extension (e.g. A00.0, I2101)",
			Codes: []string{ev.CodeID},
		})
	}
	return violations
}

// checkSpecificity flags unspecified codes (warning). When the evidence set
// contains a more specific sibling (same three-character category, itself
// adequately specific) the violation recommends it by name.
func (c *Checker) checkSpecificity(evidence []domain.EvidenceItem) []domain.Violation {
	var violations []domain.Violation
	for _, ev := range evidence {
		marker := unspecifiedMarker(ev.Title)
		if marker == "" {
			continue
		}

		v := domain.Violation{
			RuleName:       RuleSpecificity,
			Severity:       domain.SeverityWarning,
			Message:        fmt.Sprintf("Code '%s' is unspecified (title contains '%s')", ev.CodeID, marker),
			Recommendation: "Consider a more specific code if clinical details are available",
			Codes:          []string{ev.CodeID},
		}

		if sibling, ok := findSpecificSibling(ev, evidence); ok {
			v.Recommendation = fmt.Sprintf("Consider the more specific sibling code %s (%s)",
				sibling.CodeID, sibling.Title)
		}

		violations = append(violations, v)
	}
	return violations
}

func unspecifiedMarker(title string) string {
	lower := strings.ToLower(title)
	if strings.Contains(lower, "unspecified") {
		return "unspecified"
	}
	tokens := tokenizeTitle(lower)
	for _, marker := range unspecifiedTokenMarkers {
		if tokens[marker] {
			return marker
		}
	}
	return ""
}

func tokenizeTitle(lower string) map[string]bool {
	cleaned := strings.Map(func(r rune) rune {
		if r >= 'a' && r <= 'z' || r >= '0' && r <= '9' {
			return r
		}
		return ' '
	}, lower)
	tokens := make(map[string]bool)
	for _, tok := range strings.Fields(cleaned) {
		tokens[tok] = true
	}
	return tokens
}

func findSpecificSibling(ev domain.EvidenceItem, evidence []domain.EvidenceItem) (domain.EvidenceItem, bool) {
	if len(ev.CodeID) < 3 {
		return domain.EvidenceItem{}, false
	}
	prefix := strings.ToUpper(ev.CodeID[:3])
	for _, other := range evidence {
		if other.CodeID == ev.CodeID || len(other.CodeID) < 3 {
			continue
		}
		if strings.ToUpper(other.CodeID[:3]) == prefix && unspecifiedMarker(other.Title) == "" {
			return other, true
		}
	}
	return domain.EvidenceItem{}, false
}

// checkCategoryVolume caps how many codes from one ICD-10 section may
// appear in a single result. Codes past the cap are flagged individually,
// in evidence order, so the reviewer sees exactly which ones overflow.
func (c *Checker) checkCategoryVolume(evidence []domain.EvidenceItem) []domain.Violation {
	counts := make(map[string]int)
	var violations []domain.Violation

	for _, ev := range evidence {
		section := codeSection(ev.CodeID)
		if section == "" {
			continue
		}
		limit, capped := c.limits[section]
		if !capped {
			continue
		}
		counts[section]++
		if counts[section] <= limit {
			continue
		}
		violations = append(violations, domain.Violation{
			RuleName: RuleCategoryVolume,
			Severity: domain.SeverityWarning,
			Message: fmt.Sprintf("Code '%s' exceeds the limit of %d codes for section %s",
				ev.CodeID, limit, section),
			Recommendation: "Consider consolidating related codes from this section",
			Codes:          []string{ev.CodeID},
		})
	}
	return violations
}

func codeSection(codeID string) string {
	if codeID == "" {
		return ""
	}
	return sectionByLetter[lowerByte(codeID[0])]
}

func lowerByte(b byte) byte {
	if b >= 'A' && b <= 'Z' {
		return b + ('a' - 'A')
	}
	return b
}

// checkCoherence flags mutually exclusive code pairs present together, one
// violation per conflicting pair naming both codes.
func (c *Checker) checkCoherence(evidence []domain.EvidenceItem) []domain.Violation {
	var violations []domain.Violation
	for _, rule := range c.incompatible {
		lefts := matchPrefixes(evidence, rule.LeftPrefixes)
		rights := matchPrefixes(evidence, rule.RightPrefixes)
		for _, left := range lefts {
			for _, right := range rights {
				violations = append(violations, domain.Violation{
					RuleName: RuleClinicalCoherence,
					Severity: domain.SeverityWarning,
					Message: fmt.Sprintf("Codes '%s' and '%s' are clinically incompatible (%s)",
						left, right, rule.Name),
					Recommendation: "Review the clinical note; these codes should not be billed together",
					Codes:          []string{left, right},
				})
			}
		}
	}
	return violations
}

func matchPrefixes(evidence []domain.EvidenceItem, prefixes []string) []string {
	var matched []string
	for _, ev := range evidence {
		code := strings.ToUpper(ev.CodeID)
		for _, prefix := range prefixes {
			if strings.HasPrefix(code, strings.ToUpper(prefix)) {
				matched = append(matched, ev.CodeID)
				break
			}
		}
	}
	return matched
}
