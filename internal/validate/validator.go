// Package validate scores generated file sets. Two layers: a deterministic
// rule layer that runs without any model, and an LLM layer that asks a
// validation model to judge the files against the rule catalog. The final
// score is the lower of the two unless the caller runs optimistic.
package validate

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"codesmith/internal/types"
)

// PromptSource resolves named system prompts (the prompt registry).
type PromptSource interface {
	Get(ctx context.Context, name string) (string, error)
}

// PromptName is the registry key for the validation system prompt.
const PromptName = "code_validation"

// Validator issues validation calls against one model at a time. Ensemble
// strategies call it once per member.
type Validator struct {
	backend types.InferenceBackend
	prompts PromptSource
	logger  *zap.Logger
}

// New builds a validator.
func New(backend types.InferenceBackend, prompts PromptSource, logger *zap.Logger) *Validator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Validator{
		backend: backend,
		prompts: prompts,
		logger:  logger.Named("validate"),
	}
}

// RulesOnly runs just the deterministic layer. Used when no validation model
// is reachable; the result carries no model name.
func (v *Validator) RulesOnly(files []types.GeneratedFile) *types.ValidationResult {
	started := time.Now()
	score, issues := RunRules(files)
	return &types.ValidationResult{
		Score:    score,
		Issues:   issues,
		Feedback: feedbackFromIssues(issues),
		Duration: time.Since(started),
	}
}

// Run validates the file set with the selected model. Both layers execute;
// optimistic keeps the LLM score instead of the min. The rule layer's issues
// are always retained.
func (v *Validator) Run(ctx context.Context, sel types.Selection, files []types.GeneratedFile, task string, optimistic bool) (*types.ValidationResult, error) {
	started := time.Now()
	ruleScore, ruleIssues := RunRules(files)

	llm, err := v.llmLayer(ctx, sel, files, task)
	if err != nil {
		return nil, err
	}

	// min(rule, llm) by default; optimistic keeps the better of the two.
	score := ruleScore
	if llm.Score < score {
		score = llm.Score
	}
	if optimistic {
		score = ruleScore
		if llm.Score > score {
			score = llm.Score
		}
	}

	issues := append(ruleIssues, llm.Issues...)
	result := &types.ValidationResult{
		Score:    score,
		Issues:   issues,
		Feedback: llm.Feedback,
		Model:    sel.Model,
		Duration: time.Since(started),
	}
	if result.Feedback == "" {
		result.Feedback = feedbackFromIssues(issues)
	}
	v.logger.Debug("validation complete",
		zap.String("model", sel.Model),
		zap.Float64("ruleScore", ruleScore),
		zap.Float64("llmScore", llm.Score),
		zap.Float64("finalScore", score),
		zap.Int("issues", len(issues)))
	return result, nil
}

// llmVerdict is the JSON shape the validation prompt instructs the model to
// return.
type llmVerdict struct {
	Score    float64                 `json:"score"`
	Issues   []types.ValidationIssue `json:"issues"`
	Feedback string                  `json:"feedback"`
}

// llmLayer asks the validation model for a verdict. A malformed answer gets
// one stricter re-ask before counting as failure.
func (v *Validator) llmLayer(ctx context.Context, sel types.Selection, files []types.GeneratedFile, task string) (*llmVerdict, error) {
	const op = "validate.llm"

	system, err := v.prompts.Get(ctx, PromptName)
	if err != nil {
		return nil, fmt.Errorf("%s: resolve prompt: %w", op, err)
	}

	prompt := buildPrompt(task, files)
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			prompt += "\n\nYour previous answer was not valid JSON. Respond with the JSON object only."
		}
		resp, err := v.backend.Generate(ctx, types.GenerateRequest{
			Port:   sel.Port,
			Model:  sel.Model,
			System: system,
			Prompt: prompt,
		})
		if err != nil {
			return nil, err
		}
		verdict, err := parseVerdict(resp.Response)
		if err == nil {
			return verdict, nil
		}
		v.logger.Warn("unparseable verdict, re-asking",
			zap.String("model", sel.Model),
			zap.Int("attempt", attempt),
			zap.Error(err))
	}
	return nil, types.Ef(types.KindBackendMalformed, op, "model %s returned no parseable verdict", sel.Model)
}

func buildPrompt(task string, files []types.GeneratedFile) string {
	var sb strings.Builder
	sb.WriteString("Task:\n")
	sb.WriteString(task)
	sb.WriteString("\n\nRule catalog:\n")
	for _, rule := range SeededRules() {
		fmt.Fprintf(&sb, "- %s (%s): %s\n", rule.ID, rule.Severity, rule.Message)
	}
	sb.WriteString("\nFiles:\n")
	for _, f := range files {
		fmt.Fprintf(&sb, "\n--- %s ---\n%s\n", f.Path, f.Content)
	}
	sb.WriteString("\nScore the files 0-10 and list issues. Respond with JSON: " +
		`{"score": <0-10>, "issues": [{"severity": "critical|high|medium|low", "kind": "<category>", "message": "...", "file": "...", "line": <n>}], "feedback": "<one paragraph>"}`)
	return sb.String()
}

// parseVerdict extracts the JSON verdict, tolerating fences and surrounding
// prose.
func parseVerdict(raw string) (*llmVerdict, error) {
	text := strings.TrimSpace(raw)
	if start := strings.Index(text, "{"); start >= 0 {
		if end := strings.LastIndex(text, "}"); end > start {
			text = text[start : end+1]
		}
	}
	var verdict llmVerdict
	if err := json.Unmarshal([]byte(text), &verdict); err != nil {
		return nil, fmt.Errorf("decode verdict: %w", err)
	}
	if verdict.Score < 0 {
		verdict.Score = 0
	}
	if verdict.Score > 10 {
		verdict.Score = 10
	}
	return &verdict, nil
}

func feedbackFromIssues(issues []types.ValidationIssue) string {
	if len(issues) == 0 {
		return "no issues found"
	}
	var sb strings.Builder
	for i, issue := range issues {
		if i > 0 {
			sb.WriteString("\n")
		}
		fmt.Fprintf(&sb, "[%s] %s", issue.Severity, issue.Message)
		if issue.File != "" {
			fmt.Fprintf(&sb, " (%s:%d)", issue.File, issue.Line)
		}
		if issue.SuggestedFix != "" {
			fmt.Fprintf(&sb, "; fix: %s", issue.SuggestedFix)
		}
	}
	return sb.String()
}
