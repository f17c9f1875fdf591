package types

import (
	"context"
	"time"
)

// InferenceBackend is the contract every inference host must satisfy. Ports
// select the device on multi-GPU systems; single-GPU deployments pass the
// same port everywhere.
type InferenceBackend interface {
	// ListModels returns the models installed on the backend at the port.
	ListModels(ctx context.Context, port int) ([]InstalledModel, error)

	// ListRunning returns the models currently resident in VRAM at the port.
	ListRunning(ctx context.Context, port int) ([]ResidentModel, error)

	// Generate performs one completion. Implementations must honor ctx
	// cancellation and enforce an idle-chunk timeout rather than a total
	// wall-clock one.
	Generate(ctx context.Context, req GenerateRequest) (*GenerateResponse, error)
}

// InstalledModel is one row of the backend's installed-model listing.
type InstalledModel struct {
	Name      string `json:"name"`
	SizeBytes int64  `json:"size"`
}

// ResidentModel is one row of the backend's running-model listing.
type ResidentModel struct {
	Name      string `json:"name"`
	VRAMBytes int64  `json:"size_vram"`
}

// GenerateRequest is a single completion request against one model.
type GenerateRequest struct {
	Port   int
	Model  string
	Prompt string
	System string
	NumCtx int
}

// GenerateResponse is the completed inference payload.
type GenerateResponse struct {
	Response        string
	TotalDuration   time.Duration
	PromptEvalCount int
	EvalCount       int
}

// LLMSelector is an optional advisory capability: given the task, historical
// stats, and the candidate set, it recommends a model by name. A nil or
// failing selector is ignored; selection falls back to the stats themselves.
type LLMSelector interface {
	Recommend(ctx context.Context, task string, stats []ModelStat, candidates []ModelDescriptor) (string, error)
}
