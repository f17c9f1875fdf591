// Package loop is the per-job finite-state controller: Planning, then
// alternating Generating/Fixing and Validating until the score clears the
// bar, the iteration budget runs out, the candidate pool exhausts twice, or
// the job is cancelled. Every transition is appended to a history so a
// terminal job explains itself.
package loop

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"codesmith/internal/ensemble"
	"codesmith/internal/generate"
	"codesmith/internal/learning"
	"codesmith/internal/memory"
	"codesmith/internal/metrics"
	"codesmith/internal/tactile"
	"codesmith/internal/types"
)

// State is the loop's position in the job lifecycle.
type State string

const (
	StatePlanning   State = "planning"
	StateGenerating State = "generating"
	StateValidating State = "validating"
	StateFixing     State = "fixing"
	StateAccepted   State = "accepted"
	StateFailed     State = "failed"
	StateCancelled  State = "cancelled"
)

// Transition records one edge of the state machine.
type Transition struct {
	From      State
	To        State
	Action    string
	Timestamp time.Time
	Metadata  map[string]any
}

// Sink receives live job updates. The job manager implements it; the loop
// never touches the job record directly.
type Sink interface {
	// BeginPhase opens a timeline entry. model may be empty.
	BeginPhase(phase types.Phase, model string)
	// EndPhase closes the open entry with the phase's score (0 when none).
	EndPhase(score float64)
	// Progress reports percent complete, the parseable status string, and
	// the current iteration.
	Progress(pct int, status string, iteration int)
}

// Snapshot is the by-value job view the loop operates on.
type Snapshot struct {
	ID            string
	Task          string
	Language      string
	Workspace     string
	MaxIterations int
	MinScore      float64
}

// Config tunes every loop the process runs.
type Config struct {
	Strategy ensemble.Strategy
	// OutputDir is the base for accepted artifact sets.
	OutputDir string
	// ConfidenceFloor gates acceptance when an ensemble ran.
	ConfidenceFloor float64
	// SandboxStrict promotes sandbox build failures from issues to terminal.
	SandboxStrict bool
}

// Outcome is a completed job's payload.
type Outcome struct {
	Files      []types.GeneratedFile
	OutputDir  string
	Score      float64
	Iterations int
	History    []Transition
}

// Loop runs jobs. One Loop value serves every job; per-job state lives in
// the run.
type Loop struct {
	generator *generate.Generator
	ensemble  *ensemble.Coordinator
	recorder  *learning.Recorder
	service   memory.Service
	sandbox   tactile.Sandbox // nil disables build checks
	cfg       Config
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

// New builds a loop controller. sandbox may be nil.
func New(gen *generate.Generator, ens *ensemble.Coordinator, rec *learning.Recorder, service memory.Service, sandbox tactile.Sandbox, cfg Config, m *metrics.Metrics, logger *zap.Logger) *Loop {
	if cfg.ConfidenceFloor == 0 {
		cfg.ConfidenceFloor = 0.7
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.NewNop()
	}
	return &Loop{
		generator: gen,
		ensemble:  ens,
		recorder:  rec,
		service:   service,
		sandbox:   sandbox,
		cfg:       cfg,
		metrics:   m,
		logger:    logger.Named("loop"),
	}
}

// run is the per-job mutable state.
type run struct {
	job       Snapshot
	state     State
	iteration int
	excluded  map[string]struct{}
	resetUsed bool
	feedback  string
	history   []Transition
	sink      Sink
	logger    *zap.Logger
}

func (r *run) transition(to State, action string, metadata map[string]any) {
	r.history = append(r.history, Transition{
		From:      r.state,
		To:        to,
		Action:    action,
		Timestamp: time.Now(),
		Metadata:  metadata,
	})
	r.logger.Debug("transition",
		zap.String("from", string(r.state)),
		zap.String("to", string(to)),
		zap.String("action", action))
	r.state = to
}

// progress is floor(100 * iteration / max) clamped to 99 until acceptance.
func (r *run) progress() int {
	if r.job.MaxIterations <= 0 {
		return 0
	}
	pct := 100 * r.iteration / r.job.MaxIterations
	if pct > 99 {
		pct = 99
	}
	return pct
}

func (r *run) report(phase string, activity string) {
	r.sink.Progress(r.progress(), fmt.Sprintf("%s – %s", phase, activity), r.iteration)
}

// Run drives one job to a terminal state. A nil error means acceptance; any
// error carries a taxonomy kind for the status endpoint.
func (l *Loop) Run(ctx context.Context, job Snapshot, sink Sink) (*Outcome, error) {
	r := &run{
		job:      job,
		state:    StatePlanning,
		excluded: make(map[string]struct{}),
		sink:     sink,
		logger:   l.logger.With(zap.String("jobId", job.ID)),
	}

	plan := l.plan(ctx, r)
	if ctx.Err() != nil {
		return l.cancelled(r)
	}

	for r.iteration = 1; r.iteration <= job.MaxIterations; r.iteration++ {
		if ctx.Err() != nil {
			return l.cancelled(r)
		}

		genResult, err := l.generatePhase(ctx, r, plan)
		if err != nil {
			kind := types.KindOf(err)
			switch kind {
			case types.KindCancelled:
				return l.cancelled(r)
			case types.KindBackendTimeout:
				return l.failed(r, kind, err)
			case types.KindModelsExhausted:
				return l.failed(r, kind, err)
			default:
				// Exclude the model that failed and spend an iteration.
				if genResult != nil && genResult.Selection.Model != "" {
					r.excluded[genResult.Selection.Model] = struct{}{}
				}
				r.transition(StateGenerating, "retry_after_failure", map[string]any{"errorKind": string(kind)})
				continue
			}
		}

		sandboxIssues, err := l.sandboxCheck(ctx, r, genResult.Files)
		if err != nil {
			if types.KindOf(err) == types.KindCancelled {
				return l.cancelled(r)
			}
			return l.failed(r, types.KindSandboxFailed, err)
		}

		ensResult, err := l.validatePhase(ctx, r, genResult, append(genResult.Issues, sandboxIssues...))
		if err != nil {
			kind := types.KindOf(err)
			if kind == types.KindCancelled {
				return l.cancelled(r)
			}
			if kind == types.KindBackendTimeout {
				return l.failed(r, kind, err)
			}
			// Validation infrastructure hiccup: spend the iteration and try
			// again with the same files regenerated.
			r.transition(StateGenerating, "validation_error", map[string]any{"errorKind": string(kind)})
			continue
		}

		if accepted(ensResult, job.MinScore, l.cfg.ConfidenceFloor) {
			return l.accept(ctx, r, plan, genResult, ensResult)
		}

		l.prepareFix(r, genResult, ensResult)
	}

	r.iteration = job.MaxIterations
	return l.failed(r, types.KindValidationFailed,
		types.Ef(types.KindValidationFailed, "loop.run", "iteration budget of %d exhausted", job.MaxIterations))
}

// plan asks the planning service for a step breakdown, falling back to the
// single-step plan when unavailable.
func (l *Loop) plan(ctx context.Context, r *run) *types.TaskPlan {
	r.sink.BeginPhase(types.PhasePlanning, "")
	defer r.sink.EndPhase(0)
	r.report("planning", "building task plan")

	plan, err := l.service.GenerateTaskPlan(ctx, r.job.Task, r.job.Language)
	if err != nil {
		r.logger.Info("planning unavailable, using single-step plan", zap.Error(err))
		plan = types.SingleStepPlan(r.job.Task)
	}
	r.transition(StateGenerating, "plan_ready", map[string]any{"steps": len(plan.Steps)})
	return plan
}

// generatePhase runs one generate (or fix) attempt, forwarding its record to
// the learning recorder and handling exclusion-set resets.
func (l *Loop) generatePhase(ctx context.Context, r *run, plan *types.TaskPlan) (*generate.Result, error) {
	phase := types.PhaseGenerating
	activity := fmt.Sprintf("iteration %d/%d", r.iteration, r.job.MaxIterations)
	if r.feedback != "" {
		phase = types.PhaseFixing
		activity = fmt.Sprintf("fix attempt, iteration %d/%d", r.iteration, r.job.MaxIterations)
	}
	r.sink.BeginPhase(phase, "")
	r.report(string(phase), activity)

	started := time.Now()
	result, err := l.generator.Generate(ctx, generate.Request{
		JobID:     r.job.ID,
		Task:      r.job.Task,
		Language:  r.job.Language,
		Workspace: r.job.Workspace,
		Iteration: r.iteration,
		Excluded:  r.excluded,
		Feedback:  r.feedback,
		Plan:      plan,
	})
	if err != nil {
		r.sink.EndPhase(0)
		// No record after the cancel token fires.
		if types.KindOf(err) != types.KindCancelled {
			model := ""
			if result != nil {
				model = result.Selection.Model
			}
			l.recorder.RecordAttempt(l.generator.FailureRecord(generate.Request{
				JobID:     r.job.ID,
				Task:      r.job.Task,
				Language:  r.job.Language,
				Iteration: r.iteration,
				Feedback:  r.feedback,
			}, model, started, err), r.iteration)
		}
		return result, err
	}

	if result.Selection.Reset {
		if r.resetUsed {
			r.sink.EndPhase(0)
			return result, types.Ef(types.KindModelsExhausted, "loop.generate",
				"candidate pool exhausted twice after %d iterations", r.iteration)
		}
		// First exhaustion: the selector already fell back to the primary;
		// clear the exclusion set and record the reset.
		r.resetUsed = true
		r.excluded = make(map[string]struct{})
		r.transition(r.state, "exclusion_reset", map[string]any{"primary": result.Selection.Model})
		r.logger.Warn("exclusion set reset, continuing with primary model",
			zap.String("model", result.Selection.Model))
	}

	l.recorder.RecordAttempt(result.Record, r.iteration)
	r.sink.EndPhase(0)
	r.transition(StateValidating, "files_generated", map[string]any{
		"model": result.Selection.Model,
		"files": len(result.Files),
	})
	return result, nil
}

// sandboxCheck runs the optional per-language build check. Failures demote
// to docker_build issues unless the deployment is strict.
func (l *Loop) sandboxCheck(ctx context.Context, r *run, files []types.GeneratedFile) ([]types.ValidationIssue, error) {
	if l.sandbox == nil || !l.sandbox.Available() {
		return nil, nil
	}
	spec, ok := tactile.BuildCheck(r.job.Language)
	if !ok {
		return nil, nil
	}

	dir, err := os.MkdirTemp("", "codesmith-check-")
	if err != nil {
		return nil, nil
	}
	defer os.RemoveAll(dir)
	for _, f := range files {
		target := filepath.Join(dir, filepath.FromSlash(f.Path))
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return nil, nil
		}
		if err := os.WriteFile(target, []byte(f.Content), 0o644); err != nil {
			return nil, nil
		}
	}
	spec.MountDir = dir

	result, err := l.sandbox.Run(ctx, spec)
	if err != nil {
		if types.KindOf(err) == types.KindCancelled {
			return nil, err
		}
		if l.cfg.SandboxStrict {
			return nil, err
		}
		r.logger.Warn("sandbox check failed, demoting to issue", zap.Error(err))
		return []types.ValidationIssue{{
			Severity: types.SeverityMedium,
			Kind:     types.IssueDockerRun,
			Message:  "sandbox could not execute the build check",
		}}, nil
	}
	if result.ExitCode != 0 {
		if l.cfg.SandboxStrict {
			return nil, types.Ef(types.KindSandboxFailed, "loop.sandbox", "build check exited %d", result.ExitCode)
		}
		return []types.ValidationIssue{{
			Severity:     types.SeverityHigh,
			Kind:         types.IssueDockerBuild,
			Message:      fmt.Sprintf("build check exited %d: %s", result.ExitCode, firstLines(result.Stderr, 3)),
			SuggestedFix: "fix the compile errors reported by the build",
		}}, nil
	}
	return nil, nil
}

// validatePhase runs the ensemble and merges attempt-level issues into its
// verdict.
func (l *Loop) validatePhase(ctx context.Context, r *run, genResult *generate.Result, extraIssues []types.ValidationIssue) (*types.EnsembleResult, error) {
	r.sink.BeginPhase(types.PhaseValidating, "")
	r.report("validating", fmt.Sprintf("iteration %d/%d", r.iteration, r.job.MaxIterations))

	started := time.Now()
	result, err := l.ensemble.Run(ctx, ensemble.Request{
		Strategy:      l.cfg.Strategy,
		Files:         genResult.Files,
		Task:          r.job.Task,
		Language:      r.job.Language,
		Iteration:     r.iteration,
		MaxIterations: r.job.MaxIterations,
		Excluded:      r.excluded,
	})
	if err != nil {
		r.sink.EndPhase(0)
		return nil, err
	}
	result.Issues = append(result.Issues, extraIssues...)

	phase := types.AttemptValidate
	if len(result.Members) > 1 {
		phase = types.AttemptEnsemble
	}
	if types.KindOf(ctx.Err()) != types.KindCancelled {
		l.recorder.RecordAttempt(types.AttemptRecord{
			ID:         fmt.Sprintf("%s-v%d", r.job.ID, r.iteration),
			JobID:      r.job.ID,
			Iteration:  r.iteration,
			Phase:      phase,
			Models:     memberModels(result),
			StartedAt:  started,
			FinishedAt: time.Now(),
			Outcome:    types.OutcomeSuccess,
			Score:      result.Score,
			Language:   r.job.Language,
			Keywords:   types.Keywords(r.job.Task),
		}, r.iteration)
		l.metrics.AttemptsTotal.WithLabelValues(string(phase), string(types.OutcomeSuccess)).Inc()
	}
	r.sink.EndPhase(result.Score)
	return result, nil
}

func accepted(result *types.EnsembleResult, minScore, confidenceFloor float64) bool {
	return result.Score >= minScore &&
		result.Confidence >= confidenceFloor &&
		!types.HasCritical(result.Issues)
}

// prepareFix carries the validator feedback into the next iteration and,
// past the halfway mark, excludes the code-gen model that produced the
// rejected files.
func (l *Loop) prepareFix(r *run, genResult *generate.Result, ensResult *types.EnsembleResult) {
	r.feedback = ensResult.Feedback
	if len(ensResult.Issues) > 0 {
		r.feedback = fmt.Sprintf("%s\n\nOutstanding issues:\n%s", ensResult.Feedback, issueList(ensResult.Issues))
	}
	metadata := map[string]any{"score": ensResult.Score, "confidence": ensResult.Confidence}
	if r.iteration > r.job.MaxIterations/2 {
		r.excluded[genResult.Selection.Model] = struct{}{}
		metadata["excluded"] = genResult.Selection.Model
	}
	r.transition(StateFixing, "below_threshold", metadata)
}

func (l *Loop) accept(ctx context.Context, r *run, plan *types.TaskPlan, genResult *generate.Result, ensResult *types.EnsembleResult) (*Outcome, error) {
	outputDir, err := generate.WriteFiles(l.cfg.OutputDir, r.job.Task, genResult.Files)
	if err != nil {
		return l.failed(r, types.KindConfiguration, err)
	}

	// Close out a service-issued plan; the fallback plan has no id to update.
	if plan != nil && plan.TaskID != "" {
		for _, step := range plan.Steps {
			if err := l.service.UpdatePlanStatus(ctx, plan.TaskID, step.Number, "completed"); err != nil {
				r.logger.Debug("plan status update failed", zap.Error(err))
				break
			}
		}
	}

	r.transition(StateAccepted, "accepted", map[string]any{
		"score":      ensResult.Score,
		"confidence": ensResult.Confidence,
		"iterations": r.iteration,
	})
	r.sink.Progress(100, "accept – complete", r.iteration)

	paths := make([]string, len(genResult.Files))
	for i, f := range genResult.Files {
		paths[i] = f.Path
	}
	l.recorder.RecordSuccess(memory.SuccessPattern{
		Task:       r.job.Task,
		Language:   r.job.Language,
		Keywords:   types.Keywords(r.job.Task),
		Approach:   fmt.Sprintf("generated by %s, validated via %s", genResult.Selection.Model, ensResult.Strategy),
		Files:      paths,
		Score:      ensResult.Score,
		Iterations: r.iteration,
	})

	r.logger.Info("job accepted",
		zap.Float64("score", ensResult.Score),
		zap.Int("iterations", r.iteration),
		zap.String("outputDir", outputDir))
	return &Outcome{
		Files:      genResult.Files,
		OutputDir:  outputDir,
		Score:      ensResult.Score,
		Iterations: r.iteration,
		History:    r.history,
	}, nil
}

func (l *Loop) failed(r *run, kind types.Kind, err error) (*Outcome, error) {
	r.transition(StateFailed, "failed", map[string]any{"errorKind": string(kind)})
	l.recorder.RecordFailure(memory.TaskFailure{
		Task:      r.job.Task,
		Language:  r.job.Language,
		ErrorType: string(kind),
		Iteration: r.iteration,
		Keywords:  types.Keywords(r.job.Task),
	})
	r.logger.Warn("job failed", zap.String("kind", string(kind)), zap.Error(err))
	if types.KindOf(err) == "" {
		err = types.E(kind, "loop.run", err)
	}
	return &Outcome{Iterations: r.iteration, History: r.history}, err
}

func (l *Loop) cancelled(r *run) (*Outcome, error) {
	r.transition(StateCancelled, "cancelled", nil)
	r.logger.Info("job cancelled", zap.Int("iteration", r.iteration))
	return &Outcome{Iterations: r.iteration, History: r.history},
		types.Ef(types.KindCancelled, "loop.run", "job cancelled at iteration %d", r.iteration)
}

func memberModels(result *types.EnsembleResult) []string {
	models := make([]string, len(result.Members))
	for i, m := range result.Members {
		models[i] = m.Model
	}
	return models
}

func issueList(issues []types.ValidationIssue) string {
	out := ""
	for _, issue := range issues {
		line := fmt.Sprintf("- [%s/%s] %s", issue.Severity, issue.Kind, issue.Message)
		if issue.File != "" {
			line += fmt.Sprintf(" (%s:%d)", issue.File, issue.Line)
		}
		if issue.SuggestedFix != "" {
			line += fmt.Sprintf("; fix: %s", issue.SuggestedFix)
		}
		out += line + "\n"
	}
	return out
}

func firstLines(s string, n int) string {
	count := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			count++
			if count == n {
				return s[:i]
			}
		}
	}
	return s
}
