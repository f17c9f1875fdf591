// Package config loads and validates the orchestrator configuration.
// Precedence: built-in defaults, then the YAML file if present, then
// CODESMITH_* environment overrides. A missing file is not an error;
// a malformed one is fatal at startup.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration document.
type Config struct {
	Ollama       OllamaConfig       `yaml:"ollama"`
	Gpu          GpuConfig          `yaml:"gpu"`
	Docker       DockerConfig       `yaml:"docker"`
	MemoryAgent  MemoryAgentConfig  `yaml:"memory_agent"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Server       ServerConfig       `yaml:"server"`
	Logging      LoggingConfig      `yaml:"logging"`
	Prompts      PromptsConfig      `yaml:"prompts"`
}

// OllamaConfig locates the inference backend.
type OllamaConfig struct {
	Url  string `yaml:"url" validate:"required"`
	Port int    `yaml:"port" validate:"min=1,max=65535"`
}

// GpuConfig describes the device topology and the selection feature flag.
// VRAM figures are gigabytes.
type GpuConfig struct {
	DualGpu                bool    `yaml:"dual_gpu"`
	PinnedPort             int     `yaml:"pinned_port" validate:"min=0,max=65535"`
	SwapPort               int     `yaml:"swap_port" validate:"min=0,max=65535"`
	PrimaryModel           string  `yaml:"primary_model"`
	PinnedGpuVram          float64 `yaml:"pinned_gpu_vram" validate:"min=0"`
	SwapGpuVram            float64 `yaml:"swap_gpu_vram" validate:"min=0"`
	PinnedModelsVram       float64 `yaml:"pinned_models_vram" validate:"min=0"`
	UseSmartModelSelection bool    `yaml:"use_smart_model_selection"`
}

// DockerConfig controls sandbox warmup.
type DockerConfig struct {
	EnableWarmup            bool     `yaml:"enable_warmup"`
	WarmupImages            []string `yaml:"warmup_images"`
	ImagePullTimeoutMinutes int      `yaml:"image_pull_timeout_minutes" validate:"min=0"`
}

// MemoryAgentConfig locates the memory service. An empty base URL runs the
// core fully degraded (no context, no learning).
type MemoryAgentConfig struct {
	BaseUrl string `yaml:"base_url"`
}

// OrchestratorConfig tunes the iteration loop and job admission.
type OrchestratorConfig struct {
	MinAcceptanceScore     float64 `yaml:"min_acceptance_score" validate:"min=0,max=10"`
	MaxIterations          int     `yaml:"max_iterations" validate:"min=1"`
	MaxConcurrentJobs      int     `yaml:"max_concurrent_jobs" validate:"min=0"`
	JobTTLHours            int     `yaml:"job_ttl_hours" validate:"min=1"`
	IdleTimeoutSeconds     int     `yaml:"idle_timeout_seconds" validate:"min=1"`
	IterationBudgetSeconds int     `yaml:"iteration_budget_seconds" validate:"min=1"`
	EnsembleStrategy       string  `yaml:"ensemble_strategy" validate:"oneof=single sequential parallel specialized pessimistic optimistic adaptive"`
	OutputDir              string  `yaml:"output_dir" validate:"required"`
	SandboxStrict          bool    `yaml:"sandbox_strict"`
	Verbose                bool    `yaml:"verbose"`
}

// ServerConfig binds the HTTP API.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port" validate:"min=1,max=65535"`
}

// LoggingConfig feeds the logging package.
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	Format string `yaml:"format" validate:"omitempty,oneof=json console"`
}

// PromptsConfig controls the prompt registry. Strict forbids the built-in
// fallback table: fetch failures then fail the attempt.
type PromptsConfig struct {
	Dir    string `yaml:"dir"`
	Strict bool   `yaml:"strict"`
}

// DefaultConfig returns the configuration used when no file is present.
func DefaultConfig() *Config {
	return &Config{
		Ollama: OllamaConfig{
			Url:  "http://localhost",
			Port: 11434,
		},
		Gpu: GpuConfig{
			DualGpu:                false,
			PinnedPort:             11434,
			SwapPort:               11435,
			PrimaryModel:           "qwen2.5-coder:7b",
			PinnedGpuVram:          24,
			SwapGpuVram:            24,
			PinnedModelsVram:       0,
			UseSmartModelSelection: true,
		},
		Docker: DockerConfig{
			EnableWarmup:            false,
			WarmupImages:            nil,
			ImagePullTimeoutMinutes: 10,
		},
		MemoryAgent: MemoryAgentConfig{
			BaseUrl: "",
		},
		Orchestrator: OrchestratorConfig{
			MinAcceptanceScore:     8,
			MaxIterations:          50,
			MaxConcurrentJobs:      0, // 0 = size from discovered capacity
			JobTTLHours:            24,
			IdleTimeoutSeconds:     60,
			IterationBudgetSeconds: 144, // 50 iterations x 144s = the 2h default wall clock
			EnsembleStrategy:       "adaptive",
			OutputDir:              "generated",
		},
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8090,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Prompts: PromptsConfig{},
	}
}

// Load reads the configuration from path. A missing file yields the
// defaults; any parse or validation failure is fatal to startup.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	case os.IsNotExist(err):
		// Defaults only.
	default:
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides patches the loaded config from CODESMITH_* variables so
// container deployments can avoid mounting a file.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("CODESMITH_OLLAMA_URL"); v != "" {
		c.Ollama.Url = v
	}
	if v := os.Getenv("CODESMITH_OLLAMA_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Ollama.Port = port
		}
	}
	if v := os.Getenv("CODESMITH_MEMORY_BASE_URL"); v != "" {
		c.MemoryAgent.BaseUrl = v
	}
	if v := os.Getenv("CODESMITH_PRIMARY_MODEL"); v != "" {
		c.Gpu.PrimaryModel = v
	}
	if v := os.Getenv("CODESMITH_SERVER_HOST"); v != "" {
		c.Server.Host = v
	}
	if v := os.Getenv("CODESMITH_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	if v := os.Getenv("CODESMITH_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("CODESMITH_SMART_SELECTION"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Gpu.UseSmartModelSelection = b
		}
	}
	if v := os.Getenv("CODESMITH_DUAL_GPU"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Gpu.DualGpu = b
		}
	}
	if v := os.Getenv("CODESMITH_WARMUP_IMAGES"); v != "" {
		c.Docker.WarmupImages = splitAndTrim(v)
		c.Docker.EnableWarmup = true
	}
}

func splitAndTrim(csv string) []string {
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// Validate enforces field constraints plus the cross-field rules the tags
// cannot express.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.Gpu.DualGpu {
		if c.Gpu.PinnedPort == 0 || c.Gpu.SwapPort == 0 {
			return fmt.Errorf("invalid configuration: dual_gpu requires pinned_port and swap_port")
		}
		if c.Gpu.PinnedPort == c.Gpu.SwapPort {
			return fmt.Errorf("invalid configuration: pinned_port and swap_port must differ")
		}
		if c.Gpu.SwapGpuVram <= 0 {
			return fmt.Errorf("invalid configuration: dual_gpu requires swap_gpu_vram")
		}
	}
	if c.Gpu.PinnedModelsVram >= c.Gpu.PinnedGpuVram && c.Gpu.PinnedGpuVram > 0 {
		return fmt.Errorf("invalid configuration: pinned_models_vram %.1f must be below pinned_gpu_vram %.1f",
			c.Gpu.PinnedModelsVram, c.Gpu.PinnedGpuVram)
	}
	return nil
}

// IdleTimeout is the per-chunk inference timeout: the call fails when no
// bytes arrive for this long.
func (c *Config) IdleTimeout() time.Duration {
	return time.Duration(c.Orchestrator.IdleTimeoutSeconds) * time.Second
}

// InferenceTimeout is the overall ceiling for one backend call: three idle
// windows or twenty minutes, whichever is larger.
func (c *Config) InferenceTimeout() time.Duration {
	overall := 3 * c.IdleTimeout()
	if floor := 20 * time.Minute; overall < floor {
		return floor
	}
	return overall
}

// JobTimeout is the wall clock for a whole job: the iteration budget times
// the per-iteration allowance.
func (c *Config) JobTimeout(maxIterations int) time.Duration {
	if maxIterations <= 0 {
		maxIterations = c.Orchestrator.MaxIterations
	}
	return time.Duration(maxIterations) * time.Duration(c.Orchestrator.IterationBudgetSeconds) * time.Second
}

// ImagePullTimeout bounds one warmup pull.
func (c *Config) ImagePullTimeout() time.Duration {
	return time.Duration(c.Docker.ImagePullTimeoutMinutes) * time.Minute
}

// JobTTL is how long a terminal job stays queryable before the sweeper
// removes it.
func (c *Config) JobTTL() time.Duration {
	return time.Duration(c.Orchestrator.JobTTLHours) * time.Hour
}

// OllamaBase returns the backend URL for a given port, e.g.
// "http://localhost:11434".
func (c *Config) OllamaBase(port int) string {
	if port == 0 {
		port = c.Ollama.Port
	}
	return fmt.Sprintf("%s:%d", strings.TrimRight(c.Ollama.Url, "/"), port)
}

// Devices materializes the device table from the GPU section. Single-GPU
// systems get only the pinned device.
func (c *Config) Devices() []DeviceSpec {
	devices := []DeviceSpec{{
		ID:         "pinned",
		Port:       c.pinnedPort(),
		CapacityGB: c.Gpu.PinnedGpuVram,
		ReservedGB: c.Gpu.PinnedModelsVram,
	}}
	if c.Gpu.DualGpu {
		devices = append(devices, DeviceSpec{
			ID:         "swap",
			Port:       c.Gpu.SwapPort,
			CapacityGB: c.Gpu.SwapGpuVram,
			ReservedGB: 0,
		})
	}
	return devices
}

func (c *Config) pinnedPort() int {
	if c.Gpu.PinnedPort != 0 {
		return c.Gpu.PinnedPort
	}
	return c.Ollama.Port
}

// DeviceSpec mirrors the GPU section in a registry-friendly shape without
// importing the types package (config stays leaf-level).
type DeviceSpec struct {
	ID         string
	Port       int
	CapacityGB float64
	ReservedGB float64
}
