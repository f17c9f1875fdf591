// Package selector picks the next model for an inference call. Selection
// combines historical stats from the learning recorder, an optional LLM
// advisor, the exclusion set accumulated by the running job, and live VRAM
// fit. Every path ends in a concrete {model, device, port} or NoCandidate.
package selector

import (
	"context"
	"sort"

	"go.uber.org/zap"

	"codesmith/internal/metrics"
	"codesmith/internal/registry"
	"codesmith/internal/types"
	"codesmith/internal/vram"
)

// StatsProvider is the slice of the learning recorder the selector reads.
type StatsProvider interface {
	Stats(ctx context.Context, language, taskType string) []types.ModelStat
}

// Options configures a Selector.
type Options struct {
	// Primary is the always-resident fallback model.
	Primary string
	// Smart toggles the full strategy; off means the primary model is
	// returned for every call.
	Smart bool
	// SecondOpinion biases the priority fallback toward a large swap-device
	// model, used by ensemble second-opinion members.
	SecondOpinion bool
}

// Selector implements the five-step selection strategy.
type Selector struct {
	registry *registry.Registry
	budget   *vram.Budget
	stats    StatsProvider
	advisor  types.LLMSelector // nil when the capability is absent
	opts     Options
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

// New builds a selector. advisor and stats may be nil; selection then runs on
// priority order alone.
func New(reg *registry.Registry, budget *vram.Budget, stats StatsProvider, advisor types.LLMSelector, opts Options, m *metrics.Metrics, logger *zap.Logger) *Selector {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.NewNop()
	}
	return &Selector{
		registry: reg,
		budget:   budget,
		stats:    stats,
		advisor:  advisor,
		opts:     opts,
		metrics:  m,
		logger:   logger.Named("selector"),
	}
}

// SecondOpinion derives a selector whose priority fallback prefers a large
// swap-device model, used when fielding supplementary ensemble members so
// disagreement comes from a different tier.
func (s *Selector) SecondOpinion() *Selector {
	if s.opts.SecondOpinion {
		return s
	}
	clone := *s
	clone.opts.SecondOpinion = true
	return &clone
}

// TaskType maps a selection purpose onto the learning recorder's task-type
// dimension.
func TaskType(p types.Purpose) string {
	switch p {
	case types.PurposeCodeGeneration:
		return "code_generation"
	case types.PurposeValidation:
		return "validation"
	}
	return "general"
}

// Select returns the model to use for the next call. excluded holds model
// names already tried and failed for this job. Fails with NoCandidate when
// nothing fits even after the primary fallback.
func (s *Selector) Select(ctx context.Context, purpose types.Purpose, task, language string, excluded map[string]struct{}, keywords []string) (types.Selection, error) {
	const op = "selector.select"

	// Step 1: smart selection off means the operator wants determinism.
	if !s.opts.Smart {
		return s.primary(false)
	}

	candidates := s.registry.List(purpose)
	if len(candidates) == 0 {
		// A stale or empty table gets one rebuild before giving up.
		if err := s.registry.Refresh(ctx); err != nil {
			return types.Selection{}, types.E(types.KindNoCandidate, op, err)
		}
		candidates = s.registry.List(purpose)
		if len(candidates) == 0 {
			return types.Selection{}, types.Ef(types.KindNoCandidate, op, "no models tagged %s", purpose)
		}
	}

	// Step 2: exclusion covers everything; fall back to the primary model
	// and count the reset so the loop can budget a second exhaustion.
	if coversAll(candidates, excluded) {
		s.metrics.SelectorResets.Inc()
		s.logger.Warn("exclusion set covers all candidates, falling back to primary",
			zap.String("purpose", string(purpose)),
			zap.Int("candidates", len(candidates)),
			zap.String("primary", s.opts.Primary))
		return s.primary(true)
	}

	stats := s.fetchStats(ctx, language, TaskType(purpose))

	// Step 3: the delegated LLM advisor, when present, gets first say.
	if s.advisor != nil && len(stats) > 0 {
		if sel, ok := s.tryAdvisor(ctx, task, stats, candidates, excluded); ok {
			return sel, nil
		}
	}

	// Step 4: highest success rate among fitting, non-excluded models.
	if sel, ok := s.tryStats(ctx, stats, excluded); ok {
		return sel, nil
	}

	// Step 5: priority order within the purpose.
	if sel, ok := s.tryPriority(ctx, candidates, excluded); ok {
		return sel, nil
	}

	return types.Selection{}, types.Ef(types.KindNoCandidate, op, "no fitting %s model outside the exclusion set", purpose)
}

// primary resolves the configured primary model to a selection. The primary
// is assumed resident on the pinned device even when discovery has not seen
// it yet.
func (s *Selector) primary(reset bool) (types.Selection, error) {
	if s.opts.Primary == "" {
		return types.Selection{}, types.Ef(types.KindNoCandidate, "selector.primary", "no primary model configured")
	}
	device := types.DevicePinned
	if m, ok := s.registry.Get(s.opts.Primary); ok {
		device = m.Device
	}
	return types.Selection{
		Model:  s.opts.Primary,
		Device: device,
		Port:   s.budget.Port(device),
		Reset:  reset,
	}, nil
}

func (s *Selector) fetchStats(ctx context.Context, language, taskType string) []types.ModelStat {
	if s.stats == nil {
		return nil
	}
	stats := s.stats.Stats(ctx, language, taskType)
	sort.Slice(stats, func(i, j int) bool {
		if stats[i].SuccessRate != stats[j].SuccessRate {
			return stats[i].SuccessRate > stats[j].SuccessRate
		}
		if stats[i].AvgScore != stats[j].AvgScore {
			return stats[i].AvgScore > stats[j].AvgScore
		}
		// Full tie: the larger model wins.
		return s.sizeOf(stats[i].Model) > s.sizeOf(stats[j].Model)
	})
	return stats
}

// sizeOf resolves a stat row to its descriptor size; unknown models sort
// last.
func (s *Selector) sizeOf(name string) float64 {
	if m, ok := s.registry.Get(name); ok {
		return m.SizeGB
	}
	return 0
}

func (s *Selector) tryAdvisor(ctx context.Context, task string, stats []types.ModelStat, candidates []types.ModelDescriptor, excluded map[string]struct{}) (types.Selection, bool) {
	viable := make([]types.ModelDescriptor, 0, len(candidates))
	for _, c := range candidates {
		if _, skip := excluded[c.Name]; !skip {
			viable = append(viable, c)
		}
	}
	name, err := s.advisor.Recommend(ctx, task, stats, viable)
	if err != nil {
		s.logger.Debug("advisor declined", zap.Error(err))
		return types.Selection{}, false
	}
	model, ok := s.registry.Get(name)
	if !ok {
		return types.Selection{}, false
	}
	if _, skip := excluded[name]; skip {
		return types.Selection{}, false
	}
	sel, ok := s.place(ctx, model)
	if ok {
		s.logger.Info("advisor selection", zap.String("model", name))
	}
	return sel, ok
}

func (s *Selector) tryStats(ctx context.Context, stats []types.ModelStat, excluded map[string]struct{}) (types.Selection, bool) {
	for _, stat := range stats {
		if _, skip := excluded[stat.Model]; skip {
			continue
		}
		model, ok := s.registry.Get(stat.Model)
		if !ok {
			continue
		}
		if sel, ok := s.place(ctx, model); ok {
			s.logger.Info("stats selection",
				zap.String("model", stat.Model),
				zap.Float64("successRate", stat.SuccessRate),
				zap.Int("samples", stat.Samples))
			return sel, true
		}
	}
	return types.Selection{}, false
}

// tryPriority walks candidates in priority order. Second-opinion roles prefer
// a large swap-device model so disagreement comes from a different tier;
// everything else takes the smallest fitting candidate.
func (s *Selector) tryPriority(ctx context.Context, candidates []types.ModelDescriptor, excluded map[string]struct{}) (types.Selection, bool) {
	fitting := make([]types.ModelDescriptor, 0, len(candidates))
	placements := make(map[string]types.Selection, len(candidates))
	for _, c := range candidates {
		if _, skip := excluded[c.Name]; skip {
			continue
		}
		if sel, ok := s.place(ctx, c); ok {
			fitting = append(fitting, c)
			placements[c.Name] = sel
		}
	}
	if len(fitting) == 0 {
		return types.Selection{}, false
	}

	if s.opts.SecondOpinion {
		for _, c := range fitting {
			if c.SizeGB > 10 && placements[c.Name].Device == types.DeviceSwap {
				return placements[c.Name], true
			}
		}
	}

	// Candidates arrive priority-ascending; among the top priority band take
	// the smallest.
	best := fitting[0]
	for _, c := range fitting[1:] {
		if c.Priority != best.Priority {
			break
		}
		if c.SizeGB < best.SizeGB {
			best = c
		}
	}
	return placements[best.Name], true
}

// place routes the model and confirms it fits. Introspection failures are
// treated as not-placeable rather than errors: selection keeps walking.
func (s *Selector) place(ctx context.Context, model types.ModelDescriptor) (types.Selection, bool) {
	device, fits, err := s.budget.Placeable(ctx, model)
	if err != nil {
		s.logger.Debug("placement check failed", zap.String("model", model.Name), zap.Error(err))
		return types.Selection{}, false
	}
	if !fits {
		return types.Selection{}, false
	}
	return types.Selection{
		Model:  model.Name,
		Device: device,
		Port:   s.budget.Port(device),
	}, true
}

func coversAll(candidates []types.ModelDescriptor, excluded map[string]struct{}) bool {
	if len(excluded) == 0 {
		return false
	}
	for _, c := range candidates {
		if _, skip := excluded[c.Name]; !skip {
			return false
		}
	}
	return true
}
