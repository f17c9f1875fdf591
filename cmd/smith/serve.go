package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"codesmith/internal/api"
	"codesmith/internal/config"
	"codesmith/internal/ensemble"
	"codesmith/internal/generate"
	"codesmith/internal/job"
	"codesmith/internal/learning"
	"codesmith/internal/loop"
	"codesmith/internal/memory"
	"codesmith/internal/metrics"
	"codesmith/internal/perception"
	"codesmith/internal/prompt"
	"codesmith/internal/registry"
	"codesmith/internal/selector"
	"codesmith/internal/tactile"
	"codesmith/internal/types"
	"codesmith/internal/validate"
	"codesmith/internal/vram"
	"codesmith/internal/warmup"
)

// shutdownGrace bounds the drain of live jobs and the learning queue.
const shutdownGrace = 30 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck
			return serve(cfg, logger)
		},
	}
}

func serve(cfg *config.Config, logger *zap.Logger) error {
	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(collectors.NewGoCollector())
	m := metrics.New(promRegistry)

	backend := perception.NewClient(perception.ClientConfig{
		BaseURL:        cfg.Ollama.Url,
		IdleTimeout:    cfg.IdleTimeout(),
		OverallTimeout: cfg.InferenceTimeout(),
		MaxRetries:     1,
	}, logger)

	devices := deviceTable(cfg)
	modelRegistry := registry.New(backend, devices, logger)
	// Discovery failure is degraded, not fatal: the registry rebuilds on
	// demand once the backend comes up.
	startupCtx, cancelStartup := context.WithTimeout(context.Background(), 30*time.Second)
	if err := modelRegistry.Refresh(startupCtx); err != nil {
		logger.Warn("model discovery failed at startup", zap.Error(err))
	}
	cancelStartup()

	var service memory.Service
	if cfg.MemoryAgent.BaseUrl != "" {
		service = memory.NewClient(cfg.MemoryAgent.BaseUrl, 10*time.Second, logger, m)
	} else {
		logger.Warn("no memory service configured, running degraded")
		service = memory.NewNoop(logger)
	}

	prompts, err := prompt.New(service, prompt.Options{
		Dir:    cfg.Prompts.Dir,
		Strict: cfg.Prompts.Strict,
	}, logger)
	if err != nil {
		return err
	}
	defer prompts.Close()

	recorder := learning.New(service, 0, m, logger)
	budget := vram.New(backend, devices, logger)

	var advisor types.LLMSelector
	if cfg.Gpu.UseSmartModelSelection && cfg.Gpu.PrimaryModel != "" {
		advisor = perception.NewSelectorAdvisor(backend, cfg.Gpu.PrimaryModel, budget.Port(types.DevicePinned), logger)
	}
	modelSelector := selector.New(modelRegistry, budget, recorder, advisor, selector.Options{
		Primary: cfg.Gpu.PrimaryModel,
		Smart:   cfg.Gpu.UseSmartModelSelection,
	}, m, logger)

	promptValidator := validate.New(backend, prompts, logger)
	coordinator := ensemble.New(promptValidator, modelSelector, m, logger)
	generator := generate.New(backend, modelSelector, service, prompts, m, logger)

	sandbox := tactile.NewDocker(logger)
	if cfg.Docker.EnableWarmup {
		go warmup.New(sandbox, cfg.Docker.WarmupImages, cfg.ImagePullTimeout(), logger).Run(context.Background())
	}

	controller := loop.New(generator, coordinator, recorder, service, sandbox, loop.Config{
		Strategy:      ensemble.Strategy(cfg.Orchestrator.EnsembleStrategy),
		OutputDir:     cfg.Orchestrator.OutputDir,
		SandboxStrict: cfg.Orchestrator.SandboxStrict,
	}, m, logger)

	manager := job.New(controller, job.Options{
		MaxConcurrent:        concurrency(cfg, modelRegistry),
		DefaultMaxIterations: cfg.Orchestrator.MaxIterations,
		MinScore:             cfg.Orchestrator.MinAcceptanceScore,
		Timeout:              cfg.JobTimeout,
		TTL:                  cfg.JobTTL(),
		SweepInterval:        10 * time.Minute,
	}, m, logger)

	server := api.New(manager, promRegistry, api.Options{
		Addr:                 fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Verbose:              cfg.Orchestrator.Verbose,
		DefaultMaxIterations: cfg.Orchestrator.MaxIterations,
	}, logger)

	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", zap.Error(err))
	}
	if err := manager.Close(shutdownCtx); err != nil {
		logger.Warn("job drain incomplete", zap.Error(err))
	}
	if err := recorder.Close(shutdownCtx); err != nil {
		logger.Warn("learning queue drain incomplete", zap.Error(err))
	}
	return nil
}

// deviceTable materializes the configured GPU topology.
func deviceTable(cfg *config.Config) []types.Device {
	specs := cfg.Devices()
	devices := make([]types.Device, len(specs))
	for i, spec := range specs {
		devices[i] = types.Device{
			ID:         types.DeviceID(spec.ID),
			Port:       spec.Port,
			CapacityGB: spec.CapacityGB,
			ReservedGB: spec.ReservedGB,
		}
	}
	return devices
}

// concurrency sizes job admission: the configured cap, or the number of
// discovered code-generation models with a floor of one.
func concurrency(cfg *config.Config, reg *registry.Registry) int {
	if cfg.Orchestrator.MaxConcurrentJobs > 0 {
		return cfg.Orchestrator.MaxConcurrentJobs
	}
	n := len(reg.List(types.PurposeCodeGeneration))
	if n < 1 {
		return 1
	}
	return n
}
