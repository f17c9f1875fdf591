// Package generate produces one attempt: gather context, select a model,
// compose the prompt, call inference, parse the file set, check imports, and
// index the artifacts. The loop owns retries; this package owns one pass.
package generate

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"codesmith/internal/memory"
	"codesmith/internal/metrics"
	"codesmith/internal/prompt"
	"codesmith/internal/selector"
	"codesmith/internal/types"
)

// indexDeadline bounds the fire-and-forget indexing of produced files.
const indexDeadline = 30 * time.Second

// Request describes one generation attempt.
type Request struct {
	JobID     string
	Task      string
	Language  string
	Workspace string
	Iteration int
	// Excluded is the job's running exclusion set.
	Excluded map[string]struct{}
	// Feedback from the previous validation; non-empty switches the attempt
	// into fix mode with the fix system prompt.
	Feedback string
	// Plan is the current task plan, folded into the prompt when present.
	Plan *types.TaskPlan
}

// Result is the outcome of one successful attempt.
type Result struct {
	Files     []types.GeneratedFile
	Record    types.AttemptRecord
	Selection types.Selection
	// Issues carries import findings surfaced during the attempt.
	Issues []types.ValidationIssue
}

// Generator drives single attempts.
type Generator struct {
	backend  types.InferenceBackend
	selector *selector.Selector
	service  memory.Service
	prompts  *prompt.Registry
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

// New builds a generator.
func New(backend types.InferenceBackend, sel *selector.Selector, service memory.Service, prompts *prompt.Registry, m *metrics.Metrics, logger *zap.Logger) *Generator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.NewNop()
	}
	return &Generator{
		backend:  backend,
		selector: sel,
		service:  service,
		prompts:  prompts,
		metrics:  m,
		logger:   logger.Named("generate"),
	}
}

// Generate runs one attempt. Failures after model selection return a partial
// Result carrying the selection so the loop can extend its exclusion set;
// the error's kind classifies the attempt.
func (g *Generator) Generate(ctx context.Context, req Request) (*Result, error) {
	started := time.Now()
	keywords := types.Keywords(req.Task)

	// Context gathering is best-effort: a degraded memory service yields an
	// empty context, never a failed attempt.
	taskCtx := g.gatherContext(ctx, req)

	sel, err := g.selector.Select(ctx, types.PurposeCodeGeneration, req.Task, req.Language, req.Excluded, keywords)
	if err != nil {
		return nil, err
	}

	promptName := prompt.CodeGeneration
	phase := types.AttemptGenerate
	if req.Feedback != "" {
		promptName = prompt.CodeFix
		phase = types.AttemptFix
	}
	system, err := g.prompts.Get(ctx, promptName)
	if err != nil {
		return &Result{Selection: sel}, err
	}

	userPrompt := g.buildPrompt(req, taskCtx)
	g.logger.Info("attempt start",
		zap.String("jobId", req.JobID),
		zap.Int("iteration", req.Iteration),
		zap.String("model", sel.Model),
		zap.String("phase", string(phase)))

	callStarted := time.Now()
	resp, err := g.backend.Generate(ctx, types.GenerateRequest{
		Port:   sel.Port,
		Model:  sel.Model,
		Prompt: userPrompt,
		System: system,
	})
	g.metrics.BackendCallSeconds.WithLabelValues("generate").Observe(time.Since(callStarted).Seconds())
	if err != nil {
		return &Result{Selection: sel}, err
	}

	files, err := ParseFiles(resp.Response, req.Language)
	if err != nil {
		return &Result{Selection: sel}, err
	}
	attemptID := newAttemptID()
	for i := range files {
		files[i].AttemptID = attemptID
	}

	issues := g.checkImports(ctx, files, req.Workspace)
	g.indexFiles(ctx, files, req.Workspace)

	record := types.AttemptRecord{
		ID:         attemptID,
		JobID:      req.JobID,
		Iteration:  req.Iteration,
		Phase:      phase,
		Models:     []string{sel.Model},
		StartedAt:  started,
		FinishedAt: time.Now(),
		Outcome:    types.OutcomeSuccess,
		Language:   req.Language,
		Keywords:   keywords,
	}
	g.metrics.AttemptsTotal.WithLabelValues(string(phase), string(types.OutcomeSuccess)).Inc()

	return &Result{
		Files:     files,
		Record:    record,
		Selection: sel,
		Issues:    issues,
	}, nil
}

// FailureRecord builds the attempt record for a failed generation so the
// loop can forward it to the learning recorder.
func (g *Generator) FailureRecord(req Request, model string, started time.Time, err error) types.AttemptRecord {
	phase := types.AttemptGenerate
	if req.Feedback != "" {
		phase = types.AttemptFix
	}
	var models []string
	if model != "" {
		models = []string{model}
	}
	g.metrics.AttemptsTotal.WithLabelValues(string(phase), string(types.OutcomeFailure)).Inc()
	return types.AttemptRecord{
		ID:         newAttemptID(),
		JobID:      req.JobID,
		Iteration:  req.Iteration,
		Phase:      phase,
		Models:     models,
		StartedAt:  started,
		FinishedAt: time.Now(),
		Outcome:    types.OutcomeFailure,
		ErrorKind:  types.KindOf(err),
		Language:   req.Language,
		Keywords:   types.Keywords(req.Task),
	}
}

func (g *Generator) gatherContext(ctx context.Context, req Request) *types.TaskContext {
	taskCtx, err := g.service.GetContext(ctx, req.Task, req.Language)
	if err != nil {
		g.logger.Debug("context unavailable, continuing empty", zap.Error(err))
		taskCtx = &types.TaskContext{}
	}
	if len(taskCtx.Lessons) == 0 {
		if lessons, err := g.service.QueryTaskLessons(ctx, types.Keywords(req.Task), req.Language); err == nil {
			taskCtx.Lessons = lessons
		}
	}
	if len(taskCtx.ProjectSymbols) == 0 && req.Workspace != "" {
		if symbols, err := g.service.GetProjectSymbols(ctx, req.Workspace); err == nil {
			taskCtx.ProjectSymbols = symbols
		}
	}
	return taskCtx
}

func (g *Generator) buildPrompt(req Request, taskCtx *types.TaskContext) string {
	var sb strings.Builder
	sb.WriteString("Task:\n")
	sb.WriteString(req.Task)
	if req.Language != "" {
		fmt.Fprintf(&sb, "\n\nTarget language: %s", req.Language)
	}

	if req.Plan != nil && len(req.Plan.Steps) > 1 {
		sb.WriteString("\n\nPlan:\n")
		for _, step := range req.Plan.Steps {
			fmt.Fprintf(&sb, "%d. %s\n", step.Number, step.Description)
		}
	}
	if len(taskCtx.SimilarTasks) > 0 {
		sb.WriteString("\n\nSimilar solved tasks:\n")
		for _, t := range taskCtx.SimilarTasks {
			fmt.Fprintf(&sb, "- %s", t.Task)
			if t.Approach != "" {
				fmt.Fprintf(&sb, " (approach: %s)", t.Approach)
			}
			sb.WriteString("\n")
		}
	}
	if len(taskCtx.Lessons) > 0 {
		sb.WriteString("\nLessons from past failures:\n")
		for _, lesson := range taskCtx.Lessons {
			fmt.Fprintf(&sb, "- %s\n", lesson)
		}
	}
	if len(taskCtx.ProjectSymbols) > 0 {
		sb.WriteString("\nProject symbols available for import:\n")
		fmt.Fprintf(&sb, "%s\n", strings.Join(taskCtx.ProjectSymbols, ", "))
	}
	if taskCtx.DesignContext != "" {
		sb.WriteString("\nDesign context:\n")
		sb.WriteString(taskCtx.DesignContext)
		sb.WriteString("\n")
	}
	if req.Feedback != "" {
		sb.WriteString("\nReviewer feedback on the previous attempt:\n")
		sb.WriteString(req.Feedback)
		sb.WriteString("\n\nRe-emit the corrected files.")
	}
	return sb.String()
}

// checkImports asks the memory service to verify imports against the project
// symbol table. Findings demote to high-severity import issues; a down
// service checks nothing.
func (g *Generator) checkImports(ctx context.Context, files []types.GeneratedFile, workspace string) []types.ValidationIssue {
	issues, err := g.service.ValidateImports(ctx, files, workspace)
	if err != nil {
		g.logger.Debug("import validation unavailable", zap.Error(err))
		return nil
	}
	for i := range issues {
		issues[i].Kind = types.IssueImport
		if issues[i].Severity == "" {
			issues[i].Severity = types.SeverityHigh
		}
	}
	return issues
}

// indexFiles pushes produced files into the memory service under a bounded
// deadline, detached from the job's cancellation so an accepted result still
// lands in the index.
func (g *Generator) indexFiles(ctx context.Context, files []types.GeneratedFile, workspace string) {
	indexCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), indexDeadline)
	go func() {
		defer cancel()
		for _, f := range files {
			if err := g.service.IndexFile(indexCtx, f, workspace); err != nil {
				g.logger.Debug("index failed", zap.String("path", f.Path), zap.Error(err))
				return
			}
		}
	}()
}

func newAttemptID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
