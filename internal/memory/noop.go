package memory

import (
	"context"

	"go.uber.org/zap"

	"codesmith/internal/types"
)

// Noop is the degraded memory service used when no base URL is configured or
// the deployment runs without a knowledge store. Reads return empty data,
// writes vanish, and the one call that must not silently succeed
// (GenerateTaskPlan) reports TaskPlanMissing so the loop builds its fallback.
type Noop struct {
	logger *zap.Logger
}

var _ Service = (*Noop)(nil)

// NewNoop returns the degraded service and logs the mode once.
func NewNoop(logger *zap.Logger) *Noop {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Named("memory").Info("memory service not configured, running degraded")
	return &Noop{logger: logger.Named("memory")}
}

func (n *Noop) GetContext(ctx context.Context, task, language string) (*types.TaskContext, error) {
	return &types.TaskContext{}, nil
}

func (n *Noop) QuerySimilarTasks(ctx context.Context, task string, limit int) ([]types.SimilarTask, error) {
	return nil, nil
}

func (n *Noop) QueryTaskLessons(ctx context.Context, keywords []string, language string) ([]string, error) {
	return nil, nil
}

func (n *Noop) GetProjectSymbols(ctx context.Context, workspace string) ([]string, error) {
	return nil, nil
}

func (n *Noop) GetDesignBrand(ctx context.Context) (string, error) {
	return "", nil
}

func (n *Noop) GenerateTaskPlan(ctx context.Context, task, language string) (*types.TaskPlan, error) {
	return nil, types.Ef(types.KindTaskPlanMissing, "memory.noop", "planning service not configured")
}

func (n *Noop) UpdatePlanStatus(ctx context.Context, taskID string, step int, status string) error {
	return nil
}

func (n *Noop) ValidateImports(ctx context.Context, files []types.GeneratedFile, workspace string) ([]types.ValidationIssue, error) {
	return nil, nil
}

func (n *Noop) ValidateDesign(ctx context.Context, files []types.GeneratedFile) ([]types.ValidationIssue, error) {
	return nil, nil
}

func (n *Noop) IndexFile(ctx context.Context, file types.GeneratedFile, workspace string) error {
	return nil
}

func (n *Noop) GetPrompt(ctx context.Context, name string) (string, error) {
	return "", types.Ef(types.KindMemoryServiceUnavailable, "memory.noop", "prompt %q unavailable", name)
}

func (n *Noop) GetModelStats(ctx context.Context, language, taskType string) ([]types.ModelStat, error) {
	return nil, nil
}

func (n *Noop) StoreModelPerformance(ctx context.Context, perf ModelPerformance) error { return nil }

func (n *Noop) StoreSuccessfulTask(ctx context.Context, pattern SuccessPattern) error { return nil }

func (n *Noop) StoreTaskFailure(ctx context.Context, failure TaskFailure) error { return nil }

func (n *Noop) StoreQA(ctx context.Context, question, answer string) error { return nil }

func (n *Noop) StoreFeedback(ctx context.Context, fb Feedback) error { return nil }
