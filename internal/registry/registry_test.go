package registry

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codesmith/internal/types"
)

// fakeBackend serves canned model listings per port.
type fakeBackend struct {
	models map[int][]types.InstalledModel
	errs   map[int]error
}

func (f *fakeBackend) ListModels(ctx context.Context, port int) ([]types.InstalledModel, error) {
	if err, ok := f.errs[port]; ok {
		return nil, err
	}
	return f.models[port], nil
}

func (f *fakeBackend) ListRunning(ctx context.Context, port int) ([]types.ResidentModel, error) {
	return nil, nil
}

func (f *fakeBackend) Generate(ctx context.Context, req types.GenerateRequest) (*types.GenerateResponse, error) {
	return nil, errors.New("not implemented")
}

func gb(n float64) int64 { return int64(n * (1 << 30)) }

func TestCategorize(t *testing.T) {
	cases := []struct {
		name string
		want types.Purpose
	}{
		{"qwen2.5-coder:7b", types.PurposeCodeGeneration},
		{"codellama:13b", types.PurposeCodeGeneration},
		{"starcoder2:3b", types.PurposeCodeGeneration},
		{"codestral:22b", types.PurposeCodeGeneration},
		{"wizardcoder:34b", types.PurposeCodeGeneration},
		{"deepseek-coder-v2:16b", types.PurposeCodeGeneration},
		{"deepseek-v2:16b", types.PurposeCodeGeneration},
		{"deepseek:67b", types.PurposeCodeGeneration},
		{"phi4:14b", types.PurposeValidation},
		{"qwen2.5:7b", types.PurposeValidation},
		{"nomic-embed-text", types.PurposeEmbedding},
		{"mxbai-embed-large", types.PurposeEmbedding},
		// The phi/qwen rule outranks the embed rule.
		{"qwen2.5-embed:4b", types.PurposeValidation},
		{"llama3.1:8b", types.PurposeGeneral},
		{"mistral:7b", types.PurposeGeneral},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Categorize(tc.name))
		})
	}
}

func TestPriorityFor(t *testing.T) {
	t.Run("size tiers", func(t *testing.T) {
		assert.Equal(t, 50, PriorityFor("mistral:tiny", 2))
		assert.Equal(t, 45, PriorityFor("mistral:small", 5))
		assert.Equal(t, 40, PriorityFor("mistral:medium", 9))
		assert.Equal(t, 30, PriorityFor("mistral:large", 16))
	})

	t.Run("name bonuses stack", func(t *testing.T) {
		// 50 -20 (size) -15 (deepseek) = 15
		assert.Equal(t, 15, PriorityFor("deepseek-r1:32b", 19))
		// 50 -5 (size) -10 (qwen2.5) -3 (instruct) = 32
		assert.Equal(t, 32, PriorityFor("qwen2.5-instruct:7b", 5))
		// 50 -10 (size) -8 (phi4) = 32
		assert.Equal(t, 32, PriorityFor("phi4:14b", 9))
	})

	t.Run("penalties", func(t *testing.T) {
		assert.Equal(t, 70, PriorityFor("llama-uncensored:7b", 2))
		assert.Equal(t, 60, PriorityFor("llama2:7b", 2))
	})

	t.Run("floor at one", func(t *testing.T) {
		// 50 -20 -15 -10 -5 -3 would cross zero with enough markers.
		got := PriorityFor("deepseek-qwen2.5-codellama-phi4-instruct", 20)
		assert.GreaterOrEqual(t, got, 1)
	})
}

func TestRefreshBuildsTable(t *testing.T) {
	backend := &fakeBackend{models: map[int][]types.InstalledModel{
		11434: {
			{Name: "qwen2.5-coder:7b", SizeBytes: gb(4.7)},
			{Name: "phi4:14b", SizeBytes: gb(9.1)},
			{Name: "nomic-embed-text", SizeBytes: gb(0.3)},
		},
		11435: {
			{Name: "deepseek-coder-v2:16b", SizeBytes: gb(10.4)},
			{Name: "qwen2.5-coder:7b", SizeBytes: gb(4.7)}, // duplicate across ports
		},
	}}
	reg := New(backend, []types.Device{
		{ID: types.DevicePinned, Port: 11434, CapacityGB: 24, ReservedGB: 1},
		{ID: types.DeviceSwap, Port: 11435, CapacityGB: 24, ReservedGB: 1},
	}, nil)

	require.NoError(t, reg.Refresh(context.Background()))
	assert.Equal(t, 4, reg.Len())

	// The duplicate keeps its first (pinned) assignment.
	m, ok := reg.Get("qwen2.5-coder:7b")
	require.True(t, ok)
	assert.Equal(t, types.DevicePinned, m.Device)

	coders := reg.List(types.PurposeCodeGeneration)
	require.Len(t, coders, 2)
	// deepseek-coder-v2: 50-10-15=25 beats qwen2.5-coder: 50-5-10=35.
	assert.Equal(t, "deepseek-coder-v2:16b", coders[0].Name)

	// Embedding models are listed only under their own purpose.
	assert.Empty(t, reg.List(types.PurposeGeneral))
	assert.Len(t, reg.List(types.PurposeEmbedding), 1)
}

func TestRefreshPartialOutage(t *testing.T) {
	backend := &fakeBackend{
		models: map[int][]types.InstalledModel{
			11434: {{Name: "phi4:14b", SizeBytes: gb(9)}},
		},
		errs: map[int]error{11435: errors.New("connection refused")},
	}
	reg := New(backend, []types.Device{
		{ID: types.DevicePinned, Port: 11434, CapacityGB: 24, ReservedGB: 1},
		{ID: types.DeviceSwap, Port: 11435, CapacityGB: 24, ReservedGB: 1},
	}, nil)

	require.NoError(t, reg.Refresh(context.Background()))
	assert.Equal(t, 1, reg.Len())
}

func TestRefreshAllUnreachable(t *testing.T) {
	backend := &fakeBackend{errs: map[int]error{11434: errors.New("connection refused")}}
	reg := New(backend, []types.Device{
		{ID: types.DevicePinned, Port: 11434, CapacityGB: 24, ReservedGB: 1},
	}, nil)

	err := reg.Refresh(context.Background())
	require.Error(t, err)
	assert.Equal(t, types.KindRegistryUnavailable, types.KindOf(err))
}
