package loop

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"codesmith/internal/ensemble"
	"codesmith/internal/generate"
	"codesmith/internal/learning"
	"codesmith/internal/memory"
	"codesmith/internal/prompt"
	"codesmith/internal/registry"
	"codesmith/internal/selector"
	"codesmith/internal/tactile"
	"codesmith/internal/types"
	"codesmith/internal/validate"
	"codesmith/internal/vram"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const fileResponse = "```go main.go\npackage main\n\nfunc main() {}\n```"

// scriptedBackend routes Generate calls to per-model handlers and records the
// call order.
type scriptedBackend struct {
	installed []types.InstalledModel
	handlers  map[string]func(req types.GenerateRequest) (string, error)

	mu    sync.Mutex
	calls []types.GenerateRequest
}

func (b *scriptedBackend) ListModels(ctx context.Context, port int) ([]types.InstalledModel, error) {
	return b.installed, nil
}

func (b *scriptedBackend) ListRunning(ctx context.Context, port int) ([]types.ResidentModel, error) {
	return nil, nil
}

func (b *scriptedBackend) Generate(ctx context.Context, req types.GenerateRequest) (*types.GenerateResponse, error) {
	b.mu.Lock()
	b.calls = append(b.calls, req)
	handler := b.handlers[req.Model]
	b.mu.Unlock()
	if handler == nil {
		return nil, fmt.Errorf("no handler for model %s", req.Model)
	}
	resp, err := handler(req)
	if err != nil {
		return nil, err
	}
	return &types.GenerateResponse{Response: resp}, nil
}

func (b *scriptedBackend) modelCalls(model string) []types.GenerateRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []types.GenerateRequest
	for _, c := range b.calls {
		if c.Model == model {
			out = append(out, c)
		}
	}
	return out
}

// always returns the same response on every call.
func always(response string) func(types.GenerateRequest) (string, error) {
	return func(types.GenerateRequest) (string, error) { return response, nil }
}

// verdictSeq returns verdicts score by score, repeating the last one.
func verdictSeq(scores ...float64) func(types.GenerateRequest) (string, error) {
	i := 0
	var mu sync.Mutex
	return func(types.GenerateRequest) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		score := scores[i]
		if i < len(scores)-1 {
			i++
		}
		return fmt.Sprintf(`{"score": %g, "issues": [], "feedback": "needs work on error handling"}`, score), nil
	}
}

// recordingSink captures everything the loop reports.
type recordingSink struct {
	mu      sync.Mutex
	phases  []types.Phase
	scores  []float64
	status  []string
	lastPct int
}

func (s *recordingSink) BeginPhase(phase types.Phase, model string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.phases = append(s.phases, phase)
}

func (s *recordingSink) EndPhase(score float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scores = append(s.scores, score)
}

func (s *recordingSink) Progress(pct int, status string, iteration int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastPct = pct
	s.status = append(s.status, status)
}

func (s *recordingSink) sawPhase(phase types.Phase) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.phases {
		if p == phase {
			return true
		}
	}
	return false
}

func defaultModels() []types.InstalledModel {
	gb := func(n float64) int64 { return int64(n * (1 << 30)) }
	return []types.InstalledModel{
		{Name: "qwen2.5-coder:7b", SizeBytes: gb(4.7)},
		{Name: "codellama:13b", SizeBytes: gb(7.3)},
		{Name: "phi4:14b", SizeBytes: gb(9)},
	}
}

// newLoop wires a full controller over the scripted backend. The sandbox may
// be nil.
func newLoop(t *testing.T, backend *scriptedBackend, sandbox tactile.Sandbox, cfg Config) *Loop {
	t.Helper()
	return newLoopWith(t, backend, sandbox, cfg, memory.NewNoop(nil))
}

func newLoopWith(t *testing.T, backend *scriptedBackend, sandbox tactile.Sandbox, cfg Config, service memory.Service) *Loop {
	t.Helper()
	devices := []types.Device{{ID: types.DevicePinned, Port: 11434, CapacityGB: 64, ReservedGB: 1}}
	reg := registry.New(backend, devices, nil)
	require.NoError(t, reg.Refresh(context.Background()))
	budget := vram.New(backend, devices, nil)
	sel := selector.New(reg, budget, nil, nil, selector.Options{
		Primary: "qwen2.5-coder:7b",
		Smart:   true,
	}, nil, nil)

	prompts, err := prompt.New(nil, prompt.Options{}, nil)
	require.NoError(t, err)
	t.Cleanup(prompts.Close)

	recorder := learning.New(service, 16, nil, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = recorder.Close(ctx)
	})

	validator := validate.New(backend, prompts, nil)
	coordinator := ensemble.New(validator, sel, nil, nil)
	generator := generate.New(backend, sel, service, prompts, nil, nil)

	if cfg.Strategy == "" {
		cfg.Strategy = ensemble.StrategySingle
	}
	if cfg.OutputDir == "" {
		cfg.OutputDir = t.TempDir()
	}
	return New(generator, coordinator, recorder, service, sandbox, cfg, nil, nil)
}

func snapshot(maxIterations int) Snapshot {
	return Snapshot{
		ID:            "job-1",
		Task:          "write a hello world cli",
		Language:      "go",
		MaxIterations: maxIterations,
		MinScore:      7,
	}
}

func TestRunAcceptsOnFirstIteration(t *testing.T) {
	backend := &scriptedBackend{
		installed: defaultModels(),
		handlers: map[string]func(types.GenerateRequest) (string, error){
			"qwen2.5-coder:7b": always(fileResponse),
			"phi4:14b":         verdictSeq(9),
		},
	}
	l := newLoop(t, backend, nil, Config{})
	sink := &recordingSink{}

	outcome, err := l.Run(context.Background(), snapshot(3), sink)
	require.NoError(t, err)
	assert.Equal(t, 9.0, outcome.Score)
	assert.Equal(t, 1, outcome.Iterations)
	require.Len(t, outcome.Files, 1)

	// Accepted artifacts land on disk.
	data, err := os.ReadFile(filepath.Join(outcome.OutputDir, "main.go"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "package main")

	assert.True(t, sink.sawPhase(types.PhasePlanning))
	assert.True(t, sink.sawPhase(types.PhaseGenerating))
	assert.True(t, sink.sawPhase(types.PhaseValidating))
	assert.False(t, sink.sawPhase(types.PhaseFixing))
	assert.Equal(t, 100, sink.lastPct)

	last := outcome.History[len(outcome.History)-1]
	assert.Equal(t, StateAccepted, last.To)
}

func TestRunFixLoopCarriesFeedback(t *testing.T) {
	backend := &scriptedBackend{
		installed: defaultModels(),
		handlers: map[string]func(types.GenerateRequest) (string, error){
			"qwen2.5-coder:7b": always(fileResponse),
			"phi4:14b":         verdictSeq(5, 9),
		},
	}
	l := newLoop(t, backend, nil, Config{})
	sink := &recordingSink{}

	outcome, err := l.Run(context.Background(), snapshot(3), sink)
	require.NoError(t, err)
	assert.Equal(t, 2, outcome.Iterations)
	assert.True(t, sink.sawPhase(types.PhaseFixing))

	// The second generation call must run in fix mode with the reviewer
	// feedback folded into the prompt.
	genCalls := backend.modelCalls("qwen2.5-coder:7b")
	require.Len(t, genCalls, 2)
	assert.NotContains(t, genCalls[0].Prompt, "Reviewer feedback")
	assert.Contains(t, genCalls[1].Prompt, "needs work on error handling")
	assert.NotEqual(t, genCalls[0].System, genCalls[1].System)
}

func TestRunIterationBudgetExhausted(t *testing.T) {
	backend := &scriptedBackend{
		installed: defaultModels(),
		handlers: map[string]func(types.GenerateRequest) (string, error){
			"qwen2.5-coder:7b": always(fileResponse),
			"codellama:13b":    always(fileResponse),
			"phi4:14b":         verdictSeq(5),
		},
	}
	l := newLoop(t, backend, nil, Config{})
	sink := &recordingSink{}

	outcome, err := l.Run(context.Background(), snapshot(2), sink)
	require.Error(t, err)
	assert.Equal(t, types.KindValidationFailed, types.KindOf(err))
	assert.Equal(t, 2, outcome.Iterations)
	last := outcome.History[len(outcome.History)-1]
	assert.Equal(t, StateFailed, last.To)
}

func TestRunBackendTimeoutIsTerminal(t *testing.T) {
	backend := &scriptedBackend{
		installed: defaultModels(),
		handlers: map[string]func(types.GenerateRequest) (string, error){
			"qwen2.5-coder:7b": func(types.GenerateRequest) (string, error) {
				return "", types.Ef(types.KindBackendTimeout, "test", "idle stream")
			},
		},
	}
	l := newLoop(t, backend, nil, Config{})

	outcome, err := l.Run(context.Background(), snapshot(3), &recordingSink{})
	require.Error(t, err)
	assert.Equal(t, types.KindBackendTimeout, types.KindOf(err))
	assert.Equal(t, 1, outcome.Iterations)
	assert.Len(t, backend.modelCalls("qwen2.5-coder:7b"), 1)
}

func TestRunCancelled(t *testing.T) {
	backend := &scriptedBackend{installed: defaultModels()}
	l := newLoop(t, backend, nil, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	outcome, err := l.Run(ctx, snapshot(3), &recordingSink{})
	require.Error(t, err)
	assert.Equal(t, types.KindCancelled, types.KindOf(err))
	last := outcome.History[len(outcome.History)-1]
	assert.Equal(t, StateCancelled, last.To)
}

func TestRunExcludesFailingModel(t *testing.T) {
	// qwen only emits prose, so its attempts fail to parse; after exclusion
	// the next candidate produces usable files.
	backend := &scriptedBackend{
		installed: defaultModels(),
		handlers: map[string]func(types.GenerateRequest) (string, error){
			"qwen2.5-coder:7b": always("I would start by sketching the architecture."),
			"codellama:13b":    always(fileResponse),
			"phi4:14b":         verdictSeq(9),
		},
	}
	l := newLoop(t, backend, nil, Config{})

	outcome, err := l.Run(context.Background(), snapshot(3), &recordingSink{})
	require.NoError(t, err)
	assert.Equal(t, 2, outcome.Iterations)
	assert.Len(t, backend.modelCalls("qwen2.5-coder:7b"), 1)
	assert.Len(t, backend.modelCalls("codellama:13b"), 1)
}

func TestRunModelsExhaustedAfterSecondReset(t *testing.T) {
	// One code-generation model, validator stuck below the bar. Past the
	// halfway mark the loop excludes the producer; the first exhaustion resets
	// to the primary, the second is terminal.
	gbv := func(n float64) int64 { return int64(n * (1 << 30)) }
	backend := &scriptedBackend{
		installed: []types.InstalledModel{
			{Name: "qwen2.5-coder:7b", SizeBytes: gbv(4.7)},
			{Name: "phi4:14b", SizeBytes: gbv(9)},
		},
		handlers: map[string]func(types.GenerateRequest) (string, error){
			"qwen2.5-coder:7b": always(fileResponse),
			"phi4:14b":         verdictSeq(5),
		},
	}
	l := newLoop(t, backend, nil, Config{})

	outcome, err := l.Run(context.Background(), snapshot(6), &recordingSink{})
	require.Error(t, err)
	assert.Equal(t, types.KindModelsExhausted, types.KindOf(err))

	resets := 0
	for _, tr := range outcome.History {
		if tr.Action == "exclusion_reset" {
			resets++
		}
	}
	assert.Equal(t, 1, resets)
}

// planService hands out a scripted plan and records status updates.
type planService struct {
	*memory.Noop
	planErr error

	mu      sync.Mutex
	updates []string
}

func (p *planService) GenerateTaskPlan(ctx context.Context, task, language string) (*types.TaskPlan, error) {
	if p.planErr != nil {
		return nil, p.planErr
	}
	return &types.TaskPlan{TaskID: "tp-42", Steps: []types.PlanStep{
		{Number: 1, Description: "scaffold the project", Status: "pending"},
		{Number: 2, Description: "implement the cli", Status: "pending"},
	}}, nil
}

func (p *planService) UpdatePlanStatus(ctx context.Context, taskID string, step int, status string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.updates = append(p.updates, fmt.Sprintf("%s/%d/%s", taskID, step, status))
	return nil
}

func TestRunAcceptClosesPlanSteps(t *testing.T) {
	backend := &scriptedBackend{
		installed: defaultModels(),
		handlers: map[string]func(types.GenerateRequest) (string, error){
			"qwen2.5-coder:7b": always(fileResponse),
			"phi4:14b":         verdictSeq(9),
		},
	}
	service := &planService{Noop: memory.NewNoop(nil)}
	l := newLoopWith(t, backend, nil, Config{}, service)

	_, err := l.Run(context.Background(), snapshot(3), &recordingSink{})
	require.NoError(t, err)

	service.mu.Lock()
	defer service.mu.Unlock()
	assert.Equal(t, []string{"tp-42/1/completed", "tp-42/2/completed"}, service.updates)
}

func TestRunFallbackPlanSkipsStatusUpdates(t *testing.T) {
	// The single-step fallback plan carries no task id, so there is nothing
	// to close out on acceptance.
	backend := &scriptedBackend{
		installed: defaultModels(),
		handlers: map[string]func(types.GenerateRequest) (string, error){
			"qwen2.5-coder:7b": always(fileResponse),
			"phi4:14b":         verdictSeq(9),
		},
	}
	service := &planService{Noop: memory.NewNoop(nil), planErr: errors.New("planner offline")}
	l := newLoopWith(t, backend, nil, Config{}, service)

	_, err := l.Run(context.Background(), snapshot(3), &recordingSink{})
	require.NoError(t, err)

	service.mu.Lock()
	defer service.mu.Unlock()
	assert.Empty(t, service.updates)
}

// fakeSandbox returns a canned result or error.
type fakeSandbox struct {
	result *tactile.RunResult
	err    error

	mu    sync.Mutex
	specs []tactile.RunSpec
}

func (f *fakeSandbox) Available() bool { return true }

func (f *fakeSandbox) Run(ctx context.Context, spec tactile.RunSpec) (*tactile.RunResult, error) {
	f.mu.Lock()
	f.specs = append(f.specs, spec)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func (f *fakeSandbox) ImageExists(ctx context.Context, image string) (bool, error) {
	return true, nil
}

func (f *fakeSandbox) PullImage(ctx context.Context, image string) error { return nil }

func TestSandboxFailureDemotesToIssue(t *testing.T) {
	backend := &scriptedBackend{
		installed: defaultModels(),
		handlers: map[string]func(types.GenerateRequest) (string, error){
			"qwen2.5-coder:7b": always(fileResponse),
			"phi4:14b":         verdictSeq(9),
		},
	}
	sandbox := &fakeSandbox{result: &tactile.RunResult{ExitCode: 1, Stderr: "main.go:3: syntax error"}}
	l := newLoop(t, backend, sandbox, Config{})

	// A failing build check is a finding, not a veto: the high score still
	// carries acceptance.
	outcome, err := l.Run(context.Background(), snapshot(3), &recordingSink{})
	require.NoError(t, err)
	assert.Equal(t, 1, outcome.Iterations)

	require.NotEmpty(t, sandbox.specs)
	assert.NotEmpty(t, sandbox.specs[0].MountDir)
	assert.Equal(t, []string{"go", "build", "./..."}, sandbox.specs[0].Cmd)
}

func TestSandboxStrictIsTerminal(t *testing.T) {
	backend := &scriptedBackend{
		installed: defaultModels(),
		handlers: map[string]func(types.GenerateRequest) (string, error){
			"qwen2.5-coder:7b": always(fileResponse),
			"phi4:14b":         verdictSeq(9),
		},
	}
	sandbox := &fakeSandbox{result: &tactile.RunResult{ExitCode: 2, Stderr: "compile failed"}}
	l := newLoop(t, backend, sandbox, Config{SandboxStrict: true})

	_, err := l.Run(context.Background(), snapshot(3), &recordingSink{})
	require.Error(t, err)
	assert.Equal(t, types.KindSandboxFailed, types.KindOf(err))
}

func TestSandboxSkippedForUnknownLanguage(t *testing.T) {
	backend := &scriptedBackend{
		installed: defaultModels(),
		handlers: map[string]func(types.GenerateRequest) (string, error){
			"qwen2.5-coder:7b": always("```brainfuck main.bf\n++[->+<]\n```"),
			"phi4:14b":         verdictSeq(9),
		},
	}
	sandbox := &fakeSandbox{result: &tactile.RunResult{ExitCode: 1}}
	l := newLoop(t, backend, sandbox, Config{})

	job := snapshot(3)
	job.Language = "brainfuck"
	_, err := l.Run(context.Background(), job, &recordingSink{})
	require.NoError(t, err)
	assert.Empty(t, sandbox.specs)
}
