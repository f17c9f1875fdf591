package selector

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codesmith/internal/registry"
	"codesmith/internal/types"
	"codesmith/internal/vram"
)

type fakeBackend struct {
	models map[int][]types.InstalledModel
}

func (f *fakeBackend) ListModels(ctx context.Context, port int) ([]types.InstalledModel, error) {
	return f.models[port], nil
}

func (f *fakeBackend) ListRunning(ctx context.Context, port int) ([]types.ResidentModel, error) {
	return nil, nil
}

func (f *fakeBackend) Generate(ctx context.Context, req types.GenerateRequest) (*types.GenerateResponse, error) {
	return nil, errors.New("not implemented")
}

type fakeStats struct {
	rows []types.ModelStat
}

func (f *fakeStats) Stats(ctx context.Context, language, taskType string) []types.ModelStat {
	return f.rows
}

type fakeAdvisor struct {
	pick string
	err  error
}

func (f *fakeAdvisor) Recommend(ctx context.Context, task string, stats []types.ModelStat, candidates []types.ModelDescriptor) (string, error) {
	return f.pick, f.err
}

func gb(n float64) int64 { return int64(n * (1 << 30)) }

// fixture wires a registry and budget over a canned installed-model table.
func fixture(t *testing.T, models map[int][]types.InstalledModel) (*registry.Registry, *vram.Budget) {
	t.Helper()
	backend := &fakeBackend{models: models}
	devices := []types.Device{
		{ID: types.DevicePinned, Port: 11434, CapacityGB: 24, ReservedGB: 1},
		{ID: types.DeviceSwap, Port: 11435, CapacityGB: 24, ReservedGB: 0},
	}
	reg := registry.New(backend, devices, nil)
	require.NoError(t, reg.Refresh(context.Background()))
	return reg, vram.New(backend, devices, nil)
}

func validatorModels() map[int][]types.InstalledModel {
	return map[int][]types.InstalledModel{
		11434: {
			{Name: "phi4:14b", SizeBytes: gb(9)},
			{Name: "qwen2.5:7b", SizeBytes: gb(4.7)},
		},
	}
}

func TestSelectSmartOff(t *testing.T) {
	reg, budget := fixture(t, validatorModels())
	s := New(reg, budget, nil, nil, Options{Primary: "qwen2.5:7b", Smart: false}, nil, nil)

	sel, err := s.Select(context.Background(), types.PurposeValidation, "task", "go", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "qwen2.5:7b", sel.Model)
	assert.False(t, sel.Reset)
}

func TestSelectStatsRanking(t *testing.T) {
	reg, budget := fixture(t, validatorModels())
	stats := &fakeStats{rows: []types.ModelStat{
		{Model: "phi4:14b", SuccessRate: 0.6, AvgScore: 7.1, Samples: 20},
		{Model: "qwen2.5:7b", SuccessRate: 0.9, AvgScore: 8.2, Samples: 14},
	}}
	s := New(reg, budget, stats, nil, Options{Primary: "phi4:14b", Smart: true}, nil, nil)

	sel, err := s.Select(context.Background(), types.PurposeValidation, "task", "go", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "qwen2.5:7b", sel.Model)
}

func TestSelectAdvisorWins(t *testing.T) {
	reg, budget := fixture(t, validatorModels())
	stats := &fakeStats{rows: []types.ModelStat{
		{Model: "qwen2.5:7b", SuccessRate: 0.9, AvgScore: 8.2, Samples: 14},
	}}
	advisor := &fakeAdvisor{pick: "phi4:14b"}
	s := New(reg, budget, stats, advisor, Options{Primary: "qwen2.5:7b", Smart: true}, nil, nil)

	sel, err := s.Select(context.Background(), types.PurposeValidation, "task", "go", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "phi4:14b", sel.Model)
}

func TestSelectAdvisorFailureFallsThrough(t *testing.T) {
	reg, budget := fixture(t, validatorModels())
	stats := &fakeStats{rows: []types.ModelStat{
		{Model: "qwen2.5:7b", SuccessRate: 0.9, AvgScore: 8.2, Samples: 14},
	}}
	advisor := &fakeAdvisor{err: errors.New("advisor down")}
	s := New(reg, budget, stats, advisor, Options{Primary: "phi4:14b", Smart: true}, nil, nil)

	sel, err := s.Select(context.Background(), types.PurposeValidation, "task", "go", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "qwen2.5:7b", sel.Model)
}

func TestSelectPriorityFallback(t *testing.T) {
	// No stats, no advisor: priority order decides. phi4 at 32 beats
	// qwen2.5 at 35 (ascending is preferred).
	reg, budget := fixture(t, validatorModels())
	s := New(reg, budget, nil, nil, Options{Primary: "qwen2.5:7b", Smart: true}, nil, nil)

	sel, err := s.Select(context.Background(), types.PurposeValidation, "task", "go", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "phi4:14b", sel.Model)
}

func TestSelectStatsTieBreakPrefersLarger(t *testing.T) {
	// Identical success rate and average score: the larger model wins.
	reg, budget := fixture(t, validatorModels())
	stats := &fakeStats{rows: []types.ModelStat{
		{Model: "qwen2.5:7b", SuccessRate: 0.8, AvgScore: 8.0, Samples: 12},
		{Model: "phi4:14b", SuccessRate: 0.8, AvgScore: 8.0, Samples: 12},
	}}
	s := New(reg, budget, stats, nil, Options{Primary: "qwen2.5:7b", Smart: true}, nil, nil)

	sel, err := s.Select(context.Background(), types.PurposeValidation, "task", "go", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "phi4:14b", sel.Model)
}

func TestSelectSecondOpinionPrefersLargeSwap(t *testing.T) {
	// The plain priority fallback takes qwen2.5 (35 beats 52); the
	// second-opinion variant jumps to the large model routed to the swap
	// device so disagreement comes from a different tier.
	reg, budget := fixture(t, map[int][]types.InstalledModel{
		11434: {
			{Name: "qwen2.5:7b", SizeBytes: gb(4.7)},
			{Name: "phi4-uncensored:14b", SizeBytes: gb(11)},
		},
	})
	base := New(reg, budget, nil, nil, Options{Primary: "qwen2.5:7b", Smart: true}, nil, nil)

	sel, err := base.Select(context.Background(), types.PurposeValidation, "task", "go", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "qwen2.5:7b", sel.Model)

	sel, err = base.SecondOpinion().Select(context.Background(), types.PurposeValidation, "task", "go", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "phi4-uncensored:14b", sel.Model)
	assert.Equal(t, types.DeviceSwap, sel.Device)
}

func TestSelectHonorsExclusion(t *testing.T) {
	reg, budget := fixture(t, validatorModels())
	s := New(reg, budget, nil, nil, Options{Primary: "phi4:14b", Smart: true}, nil, nil)

	excluded := map[string]struct{}{"phi4:14b": {}}
	sel, err := s.Select(context.Background(), types.PurposeValidation, "task", "go", excluded, nil)
	require.NoError(t, err)
	assert.Equal(t, "qwen2.5:7b", sel.Model)
	assert.False(t, sel.Reset)
}

func TestSelectExhaustionResetsToPrimary(t *testing.T) {
	reg, budget := fixture(t, validatorModels())
	s := New(reg, budget, nil, nil, Options{Primary: "qwen2.5:7b", Smart: true}, nil, nil)

	excluded := map[string]struct{}{
		"phi4:14b":   {},
		"qwen2.5:7b": {},
	}
	sel, err := s.Select(context.Background(), types.PurposeValidation, "task", "go", excluded, nil)
	require.NoError(t, err)
	assert.Equal(t, "qwen2.5:7b", sel.Model)
	assert.True(t, sel.Reset, "fallback past an exhausted exclusion set must be flagged")
}

func TestSelectSingleModelExcluded(t *testing.T) {
	// With one installed model the first exclusion immediately exhausts the
	// pool: the selector must return it again, flagged as a reset, instead of
	// failing the job.
	reg, budget := fixture(t, map[int][]types.InstalledModel{
		11434: {{Name: "qwen2.5-coder:7b", SizeBytes: gb(4.7)}},
	})
	s := New(reg, budget, nil, nil, Options{Primary: "qwen2.5-coder:7b", Smart: true}, nil, nil)

	excluded := map[string]struct{}{"qwen2.5-coder:7b": {}}
	sel, err := s.Select(context.Background(), types.PurposeCodeGeneration, "task", "go", excluded, nil)
	require.NoError(t, err)
	assert.Equal(t, "qwen2.5-coder:7b", sel.Model)
	assert.True(t, sel.Reset)
}

func TestSelectNoPrimaryNoCandidates(t *testing.T) {
	reg, budget := fixture(t, validatorModels())
	s := New(reg, budget, nil, nil, Options{Primary: "", Smart: true}, nil, nil)

	excluded := map[string]struct{}{
		"phi4:14b":   {},
		"qwen2.5:7b": {},
	}
	_, err := s.Select(context.Background(), types.PurposeValidation, "task", "go", excluded, nil)
	require.Error(t, err)
	assert.Equal(t, types.KindNoCandidate, types.KindOf(err))
}

func TestTaskType(t *testing.T) {
	assert.Equal(t, "code_generation", TaskType(types.PurposeCodeGeneration))
	assert.Equal(t, "validation", TaskType(types.PurposeValidation))
	assert.Equal(t, "general", TaskType(types.PurposeGeneral))
}
