// Package memory adapts the external knowledge store. The wire protocol is
// JSON-RPC 2.0 tools/call with payloads embedded in a text content field;
// everything past this package exchanges typed records. All errors from here
// are non-fatal to jobs: callers degrade to empty data.
package memory

import (
	"context"

	"codesmith/internal/types"
)

// Service is the full set of memory-service capabilities the core uses.
// Implementations: Client (live), Noop (degraded).
type Service interface {
	// Context gathering.
	GetContext(ctx context.Context, task, language string) (*types.TaskContext, error)
	QuerySimilarTasks(ctx context.Context, task string, limit int) ([]types.SimilarTask, error)
	QueryTaskLessons(ctx context.Context, keywords []string, language string) ([]string, error)
	GetProjectSymbols(ctx context.Context, workspace string) ([]string, error)
	GetDesignBrand(ctx context.Context) (string, error)

	// Planning.
	GenerateTaskPlan(ctx context.Context, task, language string) (*types.TaskPlan, error)
	UpdatePlanStatus(ctx context.Context, taskID string, step int, status string) error

	// Generation support.
	ValidateImports(ctx context.Context, files []types.GeneratedFile, workspace string) ([]types.ValidationIssue, error)
	ValidateDesign(ctx context.Context, files []types.GeneratedFile) ([]types.ValidationIssue, error)
	IndexFile(ctx context.Context, file types.GeneratedFile, workspace string) error

	// Prompts.
	GetPrompt(ctx context.Context, name string) (string, error)

	// Learning reads and writes.
	GetModelStats(ctx context.Context, language, taskType string) ([]types.ModelStat, error)
	StoreModelPerformance(ctx context.Context, perf ModelPerformance) error
	StoreSuccessfulTask(ctx context.Context, pattern SuccessPattern) error
	StoreTaskFailure(ctx context.Context, failure TaskFailure) error
	StoreQA(ctx context.Context, question, answer string) error
	StoreFeedback(ctx context.Context, fb Feedback) error
}

// ModelPerformance is one terminal-attempt outcome record.
type ModelPerformance struct {
	Model      string   `json:"model"`
	TaskType   string   `json:"taskType"`
	Language   string   `json:"language"`
	Complexity string   `json:"complexity,omitempty"`
	Outcome    string   `json:"outcome"`
	Score      float64  `json:"score"`
	DurationMs int64    `json:"durationMs"`
	Iterations int      `json:"iterations"`
	ErrorType  string   `json:"errorType,omitempty"`
	Keywords   []string `json:"keywords,omitempty"`
	Context    string   `json:"context,omitempty"`
}

// SuccessPattern records how a completed job was solved.
type SuccessPattern struct {
	Task       string   `json:"task"`
	Language   string   `json:"language"`
	Keywords   []string `json:"keywords,omitempty"`
	Approach   string   `json:"approach,omitempty"`
	Files      []string `json:"files"`
	Score      float64  `json:"score"`
	Iterations int      `json:"iterations"`
}

// TaskFailure records a terminal failure so future selections can avoid the
// same trap.
type TaskFailure struct {
	Task      string   `json:"task"`
	Language  string   `json:"language"`
	ErrorType string   `json:"errorType"`
	Model     string   `json:"model,omitempty"`
	Iteration int      `json:"iteration"`
	Lesson    string   `json:"lesson,omitempty"`
	Keywords  []string `json:"keywords,omitempty"`
}

// Feedback is free-form signal attached to a subject (usually a job id).
type Feedback struct {
	Subject string  `json:"subject"`
	Content string  `json:"content"`
	Score   float64 `json:"score,omitempty"`
}
