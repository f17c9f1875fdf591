package perception

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"codesmith/internal/types"
)

// SelectorAdvisor implements the optional LLM-selector capability: it asks a
// resident model to choose among candidates given historical stats. A bad or
// slow answer is discarded by the selector, so the advisor keeps a short
// deadline of its own.
type SelectorAdvisor struct {
	backend types.InferenceBackend
	model   string
	port    int
	timeout time.Duration
	logger  *zap.Logger
}

var _ types.LLMSelector = (*SelectorAdvisor)(nil)

// NewSelectorAdvisor builds an advisor that consults the given model
// (normally the primary, which is always resident).
func NewSelectorAdvisor(backend types.InferenceBackend, model string, port int, logger *zap.Logger) *SelectorAdvisor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SelectorAdvisor{
		backend: backend,
		model:   model,
		port:    port,
		timeout: 15 * time.Second,
		logger:  logger.Named("advisor"),
	}
}

// Recommend returns the name of the candidate the advisor model picks.
// The answer must match a candidate exactly; anything else is an error and
// the caller falls back to the stats ranking.
func (a *SelectorAdvisor) Recommend(ctx context.Context, task string, stats []types.ModelStat, candidates []types.ModelDescriptor) (string, error) {
	if len(candidates) == 0 {
		return "", fmt.Errorf("advisor: no candidates")
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	resp, err := a.backend.Generate(ctx, types.GenerateRequest{
		Port:   a.port,
		Model:  a.model,
		System: "You route coding tasks to local models. Answer with exactly one model name from the candidate list and nothing else.",
		Prompt: a.buildPrompt(task, stats, candidates),
		NumCtx: 2048,
	})
	if err != nil {
		return "", fmt.Errorf("advisor: %w", err)
	}

	answer := firstLine(resp.Response)
	for _, c := range candidates {
		if strings.EqualFold(answer, c.Name) {
			a.logger.Debug("advisor recommendation", zap.String("model", c.Name))
			return c.Name, nil
		}
	}
	return "", fmt.Errorf("advisor: answer %q matches no candidate", answer)
}

func (a *SelectorAdvisor) buildPrompt(task string, stats []types.ModelStat, candidates []types.ModelDescriptor) string {
	var sb strings.Builder
	sb.WriteString("Task:\n")
	sb.WriteString(task)
	sb.WriteString("\n\nCandidates:\n")
	for _, c := range candidates {
		fmt.Fprintf(&sb, "- %s (%.1f GB, purpose %s, priority %d)\n", c.Name, c.SizeGB, c.Purpose, c.Priority)
	}
	if len(stats) > 0 {
		sb.WriteString("\nHistorical performance:\n")
		for _, s := range stats {
			fmt.Fprintf(&sb, "- %s: success %.0f%%, avg score %.1f over %d samples\n",
				s.Model, s.SuccessRate*100, s.AvgScore, s.Samples)
		}
	}
	sb.WriteString("\nBest model name:")
	return sb.String()
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return strings.Trim(strings.TrimSpace(s), "`\"'")
}
