package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 11434, cfg.Ollama.Port)
	assert.Equal(t, float64(8), cfg.Orchestrator.MinAcceptanceScore)
	assert.Equal(t, 50, cfg.Orchestrator.MaxIterations)
	assert.Equal(t, 10, cfg.Docker.ImagePullTimeoutMinutes)
	assert.Equal(t, "adaptive", cfg.Orchestrator.EnsembleStrategy)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "codesmith.yaml")
	doc := `
ollama:
  url: http://gpubox
  port: 11500
gpu:
  dual_gpu: true
  pinned_port: 11500
  swap_port: 11501
  primary_model: deepseek-coder:6.7b
  pinned_gpu_vram: 24
  swap_gpu_vram: 48
orchestrator:
  min_acceptance_score: 7
  max_iterations: 10
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "http://gpubox", cfg.Ollama.Url)
	assert.Equal(t, 11500, cfg.Ollama.Port)
	assert.True(t, cfg.Gpu.DualGpu)
	assert.Equal(t, float64(7), cfg.Orchestrator.MinAcceptanceScore)
	assert.Equal(t, 10, cfg.Orchestrator.MaxIterations)
	// Untouched sections keep defaults.
	assert.Equal(t, 24, cfg.Orchestrator.JobTTLHours)
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("ollama: [unclosed"), 0o644))
	_, err := Load(path)
	require.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CODESMITH_OLLAMA_URL", "http://envhost")
	t.Setenv("CODESMITH_OLLAMA_PORT", "12000")
	t.Setenv("CODESMITH_SMART_SELECTION", "false")
	t.Setenv("CODESMITH_WARMUP_IMAGES", "golang:1.24, node:22 ,python:3.12")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "http://envhost", cfg.Ollama.Url)
	assert.Equal(t, 12000, cfg.Ollama.Port)
	assert.False(t, cfg.Gpu.UseSmartModelSelection)
	assert.True(t, cfg.Docker.EnableWarmup)
	assert.Equal(t, []string{"golang:1.24", "node:22", "python:3.12"}, cfg.Docker.WarmupImages)
}

func TestValidateCrossFieldRules(t *testing.T) {
	t.Run("dual gpu needs distinct ports", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Gpu.DualGpu = true
		cfg.Gpu.PinnedPort = 11434
		cfg.Gpu.SwapPort = 11434
		require.Error(t, cfg.Validate())
	})

	t.Run("pinned reservation below capacity", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Gpu.PinnedGpuVram = 8
		cfg.Gpu.PinnedModelsVram = 8
		require.Error(t, cfg.Validate())
	})

	t.Run("unknown ensemble strategy rejected", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Orchestrator.EnsembleStrategy = "hopeful"
		require.Error(t, cfg.Validate())
	})

	t.Run("acceptance score above ten rejected", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Orchestrator.MinAcceptanceScore = 11
		require.Error(t, cfg.Validate())
	})
}

func TestTimeoutGetters(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 60*time.Second, cfg.IdleTimeout())
	// 3x60s is below the 20 minute floor.
	assert.Equal(t, 20*time.Minute, cfg.InferenceTimeout())

	cfg.Orchestrator.IdleTimeoutSeconds = 600
	assert.Equal(t, 30*time.Minute, cfg.InferenceTimeout())

	assert.Equal(t, 2*time.Hour, cfg.JobTimeout(0))
	assert.Equal(t, 2*time.Hour, cfg.JobTimeout(50))
	assert.Equal(t, 3*144*time.Second, cfg.JobTimeout(3))

	assert.Equal(t, 24*time.Hour, cfg.JobTTL())
	assert.Equal(t, 10*time.Minute, cfg.ImagePullTimeout())
}

func TestOllamaBase(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "http://localhost:11434", cfg.OllamaBase(0))
	assert.Equal(t, "http://localhost:11500", cfg.OllamaBase(11500))

	cfg.Ollama.Url = "http://gpubox/"
	assert.Equal(t, "http://gpubox:11434", cfg.OllamaBase(0))
}

func TestDevices(t *testing.T) {
	cfg := DefaultConfig()
	devices := cfg.Devices()
	require.Len(t, devices, 1)
	assert.Equal(t, "pinned", devices[0].ID)
	assert.Equal(t, 11434, devices[0].Port)

	cfg.Gpu.DualGpu = true
	cfg.Gpu.SwapPort = 11435
	cfg.Gpu.SwapGpuVram = 48
	devices = cfg.Devices()
	require.Len(t, devices, 2)
	assert.Equal(t, "swap", devices[1].ID)
	assert.Equal(t, float64(48), devices[1].CapacityGB)
}
