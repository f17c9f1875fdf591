package validate

import (
	"regexp"
	"strings"

	"codesmith/internal/types"
)

// Rule is one deterministic pattern check. Rules run without any model and
// therefore survive full backend outages.
type Rule struct {
	ID           string
	Kind         types.IssueKind
	Severity     types.Severity
	Pattern      *regexp.Regexp
	Message      string
	SuggestedFix string
}

// SeededRules returns the built-in rule list. The IDs double as the category
// names the specialized ensemble strategy routes on.
func SeededRules() []Rule {
	return []Rule{
		{
			ID:           "null-check",
			Kind:         types.IssueNullCheck,
			Severity:     types.SeverityHigh,
			Pattern:      regexp.MustCompile(`(?m)^\s*\w+(\.\w+)+\s*=.*\bnull\b|\bnil\)\s*\.\w+|\.get\(\)\s*\.`),
			Message:      "possible dereference of a null/nil value",
			SuggestedFix: "guard the dereference with an explicit nil/null check",
		},
		{
			ID:           "error-handling",
			Kind:         types.IssueErrorHandling,
			Severity:     types.SeverityMedium,
			Pattern:      regexp.MustCompile(`(?m)catch\s*\([^)]*\)\s*\{\s*\}|_\s*=\s*err\b|except\s*:\s*pass`),
			Message:      "error swallowed without handling",
			SuggestedFix: "handle or propagate the error instead of discarding it",
		},
		{
			ID:           "async-pattern",
			Kind:         types.IssueAsync,
			Severity:     types.SeverityMedium,
			Pattern:      regexp.MustCompile(`(?m)\.Result\b|\.Wait\(\)\s*;|async\s+void\s`),
			Message:      "blocking call on an async operation",
			SuggestedFix: "await the operation instead of blocking on it",
		},
		{
			ID:           "resource-disposal",
			Kind:         types.IssueDisposal,
			Severity:     types.SeverityMedium,
			Pattern:      regexp.MustCompile(`(?m)new\s+(File|Stream|Connection|Client)\w*\([^)]*\)\s*;`),
			Message:      "resource created without a disposal scope",
			SuggestedFix: "wrap the resource in a using/defer/with block",
		},
		{
			ID:           "security-sql",
			Kind:         types.IssueSQLInjection,
			Severity:     types.SeverityCritical,
			Pattern:      regexp.MustCompile(`(?i)(select|insert|update|delete)\s.*(\+\s*\w+|%s.*%\s*\(|\$\{|f"|f')`),
			Message:      "SQL assembled from string concatenation or interpolation",
			SuggestedFix: "use parameterized queries",
		},
		{
			ID:           "security-secrets",
			Kind:         types.IssueSecret,
			Severity:     types.SeverityCritical,
			Pattern:      regexp.MustCompile(`(?i)(password|secret|api[_-]?key|token)\s*[:=]\s*["'][^"']{8,}["']`),
			Message:      "credential-looking literal embedded in source",
			SuggestedFix: "read the secret from the environment or a secret store",
		},
	}
}

// severityWeight converts an issue severity into a score deduction.
func severityWeight(s types.Severity) float64 {
	switch s {
	case types.SeverityCritical:
		return 3
	case types.SeverityHigh:
		return 2
	case types.SeverityMedium:
		return 1
	}
	return 0.5
}

// RunRules executes every seeded rule against the file set and returns the
// findings with a rule-layer score: 10 minus the severity-weighted
// deductions, floored at 0.
func RunRules(files []types.GeneratedFile) (float64, []types.ValidationIssue) {
	rules := SeededRules()
	var issues []types.ValidationIssue
	for _, f := range files {
		for _, rule := range rules {
			loc := rule.Pattern.FindStringIndex(f.Content)
			if loc == nil {
				continue
			}
			issues = append(issues, types.ValidationIssue{
				Severity:     rule.Severity,
				Kind:         rule.Kind,
				Message:      rule.Message,
				File:         f.Path,
				Line:         1 + strings.Count(f.Content[:loc[0]], "\n"),
				SuggestedFix: rule.SuggestedFix,
			})
		}
	}

	score := 10.0
	for _, issue := range issues {
		score -= severityWeight(issue.Severity)
	}
	if score < 0 {
		score = 0
	}
	return score, issues
}
