// Package registry discovers the models installed on the inference backend
// and derives the selection metadata (purpose, priority, device) the rest of
// the core keys on. The table is read-many/write-rarely; Refresh rebuilds it
// under the same guard the readers take.
package registry

import (
	"context"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"codesmith/internal/types"
)

// Registry is the process-scoped model table.
type Registry struct {
	mu      sync.RWMutex
	backend types.InferenceBackend
	devices []types.Device
	models  map[string]types.ModelDescriptor
	logger  *zap.Logger
}

// New builds an empty registry over the given devices. Call Refresh before
// the first List.
func New(backend types.InferenceBackend, devices []types.Device, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		backend: backend,
		devices: devices,
		models:  make(map[string]types.ModelDescriptor),
		logger:  logger.Named("registry"),
	}
}

// Refresh rebuilds the table from the backend's installed-model listing on
// every configured device port. A model visible on more than one port keeps
// its first (pinned-side) assignment. Fails with RegistryUnavailable only
// when no port answered at all.
func (r *Registry) Refresh(ctx context.Context) error {
	const op = "registry.refresh"

	discovered := make(map[string]types.ModelDescriptor)
	reachable := 0
	for _, dev := range r.devices {
		installed, err := r.backend.ListModels(ctx, dev.Port)
		if err != nil {
			r.logger.Warn("device unreachable during discovery",
				zap.String("device", string(dev.ID)),
				zap.Int("port", dev.Port),
				zap.Error(err))
			continue
		}
		reachable++
		for _, m := range installed {
			if _, seen := discovered[m.Name]; seen {
				continue
			}
			sizeGB := float64(m.SizeBytes) / (1 << 30)
			discovered[m.Name] = types.ModelDescriptor{
				Name:     m.Name,
				SizeGB:   sizeGB,
				Purpose:  Categorize(m.Name),
				Priority: PriorityFor(m.Name, sizeGB),
				Device:   dev.ID,
			}
		}
	}
	if reachable == 0 {
		return types.Ef(types.KindRegistryUnavailable, op, "no backend reachable on %d configured ports", len(r.devices))
	}

	r.mu.Lock()
	r.models = discovered
	r.mu.Unlock()

	r.logger.Info("model table rebuilt",
		zap.Int("models", len(discovered)),
		zap.Int("devicesReachable", reachable))
	return nil
}

// List returns the models tagged with the purpose, priority ascending, ties
// broken by lower size. Embedding models never appear for inference purposes.
func (r *Registry) List(purpose types.Purpose) []types.ModelDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]types.ModelDescriptor, 0, len(r.models))
	for _, m := range r.models {
		if m.Purpose == purpose {
			out = append(out, m)
		}
	}
	sortDescriptors(out)
	return out
}

// All returns every discovered model, priority ascending.
func (r *Registry) All() []types.ModelDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]types.ModelDescriptor, 0, len(r.models))
	for _, m := range r.models {
		out = append(out, m)
	}
	sortDescriptors(out)
	return out
}

// Get looks up one descriptor by exact name.
func (r *Registry) Get(name string) (types.ModelDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.models[name]
	return m, ok
}

// Len reports the table size.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.models)
}

// Device returns the device record for an id, if configured.
func (r *Registry) Device(id types.DeviceID) (types.Device, bool) {
	for _, d := range r.devices {
		if d.ID == id {
			return d, true
		}
	}
	return types.Device{}, false
}

func sortDescriptors(models []types.ModelDescriptor) {
	sort.Slice(models, func(i, j int) bool {
		if models[i].Priority != models[j].Priority {
			return models[i].Priority < models[j].Priority
		}
		if models[i].SizeGB != models[j].SizeGB {
			return models[i].SizeGB < models[j].SizeGB
		}
		return models[i].Name < models[j].Name
	})
}

// coderMarkers identify code-generation models by name substring.
var coderMarkers = []string{"coder", "codellama", "starcoder", "codestral", "wizardcoder", "deepseek-coder"}

// Categorize derives the purpose tag from a model name. Pure; exported so
// tests and the models subcommand can inspect the mapping.
func Categorize(name string) types.Purpose {
	n := strings.ToLower(name)
	for _, marker := range coderMarkers {
		if strings.Contains(n, marker) {
			return types.PurposeCodeGeneration
		}
	}
	if strings.Contains(n, "phi") {
		return types.PurposeValidation
	}
	if strings.Contains(n, "qwen") && !strings.Contains(n, "coder") {
		return types.PurposeValidation
	}
	if strings.Contains(n, "embed") {
		return types.PurposeEmbedding
	}
	if strings.Contains(n, "deepseek-v2") || strings.HasPrefix(n, "deepseek:") {
		return types.PurposeCodeGeneration
	}
	return types.PurposeGeneral
}

// PriorityFor derives the selection priority from (name, size). Smaller is
// preferred; the floor is 1. Pure; exported for the same reasons as
// Categorize.
func PriorityFor(name string, sizeGB float64) int {
	n := strings.ToLower(name)
	priority := 50

	switch {
	case sizeGB > 15:
		priority -= 20
	case sizeGB > 8:
		priority -= 10
	case sizeGB > 4:
		priority -= 5
	}

	if strings.Contains(n, "deepseek") {
		priority -= 15
	}
	if strings.Contains(n, "qwen2.5") {
		priority -= 10
	}
	if strings.Contains(n, "codellama") {
		priority -= 5
	}
	if strings.Contains(n, "phi4") {
		priority -= 8
	}
	if strings.Contains(n, "instruct") || strings.Contains(n, "chat") {
		priority -= 3
	}
	if strings.Contains(n, "uncensored") {
		priority += 20
	}
	if strings.Contains(n, "llama2") {
		priority += 10
	}

	if priority < 1 {
		priority = 1
	}
	return priority
}
