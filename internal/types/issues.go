package types

import "time"

// Severity ranks how bad a validation issue is.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// IssueKind names the category of a validation issue.
type IssueKind string

const (
	IssueNullCheck     IssueKind = "null-check"
	IssueErrorHandling IssueKind = "error-handling"
	IssueAsync         IssueKind = "async"
	IssueDisposal      IssueKind = "disposal"
	IssueSQLInjection  IssueKind = "sql-injection"
	IssueSecret        IssueKind = "secret"
	IssueStyle         IssueKind = "style"
	IssueDesign        IssueKind = "design"
	IssueImport        IssueKind = "import"
	IssueDockerBuild   IssueKind = "docker_build"
	IssueDockerRun     IssueKind = "docker_run"
	IssueOther         IssueKind = "other"
)

// ValidationIssue is one finding against a generated file set.
type ValidationIssue struct {
	Severity     Severity  `json:"severity"`
	Kind         IssueKind `json:"kind"`
	Message      string    `json:"message"`
	File         string    `json:"file,omitempty"`
	Line         int       `json:"line,omitempty"`
	SuggestedFix string    `json:"suggestedFix,omitempty"`
}

// Key identifies an issue for cross-member agreement checks: two members
// agree when they report the same {kind, file, line} triple.
func (i ValidationIssue) Key() IssueKey {
	return IssueKey{Kind: i.Kind, File: i.File, Line: i.Line}
}

// IssueKey is the agreement triple for ensemble issue retention.
type IssueKey struct {
	Kind IssueKind
	File string
	Line int
}

// HasCritical reports whether any issue in the slice is critical.
func HasCritical(issues []ValidationIssue) bool {
	for _, i := range issues {
		if i.Severity == SeverityCritical {
			return true
		}
	}
	return false
}

// ValidationResult is the outcome of one validation pass by one model
// (or by the rule layer alone when no model ran).
type ValidationResult struct {
	Score    float64           `json:"score"`
	Issues   []ValidationIssue `json:"issues,omitempty"`
	Feedback string            `json:"feedback,omitempty"`
	Model    string            `json:"model,omitempty"`
	Duration time.Duration     `json:"duration"`
	Warm     bool              `json:"warm"`
}

// Passed reports whether the result clears the given acceptance score with
// no critical issues outstanding.
func (r ValidationResult) Passed(minScore float64) bool {
	return r.Score >= minScore && !HasCritical(r.Issues)
}

// MemberResult is one ensemble member's contribution.
type MemberResult struct {
	Model      string        `json:"model"`
	Score      float64       `json:"score"`
	IssueCount int           `json:"issueCount"`
	Duration   time.Duration `json:"duration"`
	Warm       bool          `json:"warm"`
}

// EnsembleResult aggregates member validations under one strategy.
// Strategy records what actually ran after any degradation.
type EnsembleResult struct {
	Members    []MemberResult    `json:"members"`
	Score      float64           `json:"score"`
	Confidence float64           `json:"confidence"`
	Issues     []ValidationIssue `json:"issues,omitempty"`
	Feedback   string            `json:"feedback,omitempty"`
	Strategy   string            `json:"strategy"`
	Degraded   bool              `json:"degraded,omitempty"`
}
