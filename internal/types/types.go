// Package types provides shared type definitions used across codesmith packages.
// This package exists to break import cycles between the loop, selection, and
// learning layers. Types in this package should be foundational data structures
// with no complex dependencies.
package types

import (
	"strings"
	"time"
)

// =============================================================================
// JOB LIFECYCLE
// =============================================================================

// JobStatus is the coarse lifecycle state of an orchestration job.
// Transitions only move forward; terminal statuses are immutable.
type JobStatus string

const (
	StatusQueued    JobStatus = "queued"
	StatusRunning   JobStatus = "running"
	StatusCompleted JobStatus = "completed"
	StatusFailed    JobStatus = "failed"
	StatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether the status is final.
func (s JobStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether moving from s to next is a legal forward
// transition. Terminal states accept nothing, not even themselves.
func (s JobStatus) CanTransition(next JobStatus) bool {
	switch s {
	case StatusQueued:
		return next == StatusRunning || next == StatusCancelled || next == StatusFailed
	case StatusRunning:
		return next.Terminal()
	}
	return false
}

// Phase identifies a segment of a job's timeline. Terminal pseudo-phases
// (Accept, Failed, Cancelled) close the timeline.
type Phase string

const (
	PhasePlanning   Phase = "planning"
	PhaseGenerating Phase = "generating"
	PhaseValidating Phase = "validating"
	PhaseFixing     Phase = "fixing"
	PhaseAccept     Phase = "accept"
	PhaseFailed     Phase = "failed"
	PhaseCancelled  Phase = "cancelled"
)

// Terminal reports whether the phase closes a job timeline.
func (p Phase) Terminal() bool {
	return p == PhaseAccept || p == PhaseFailed || p == PhaseCancelled
}

// PhaseEntry is one element of a job's append-only phase timeline.
// End is the zero time while the phase is still open.
type PhaseEntry struct {
	Phase Phase     `json:"phase"`
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
	Model string    `json:"model,omitempty"`
	Score float64   `json:"score,omitempty"`
}

// JobResult is the final artifact set of a completed job.
type JobResult struct {
	Files     []GeneratedFile `json:"files"`
	OutputDir string          `json:"outputDir,omitempty"`
}

// =============================================================================
// MODELS AND DEVICES
// =============================================================================

// Purpose tags what a model is good for. Embedding models are excluded from
// inference selection.
type Purpose string

const (
	PurposeCodeGeneration Purpose = "code-generation"
	PurposeValidation     Purpose = "validation"
	PurposeGeneral        Purpose = "general"
	PurposeEmbedding      Purpose = "embedding"
)

// DeviceID names a GPU device slot. Single-device deployments use only the
// pinned device.
type DeviceID string

const (
	DevicePinned DeviceID = "pinned"
	DeviceSwap   DeviceID = "swap"
)

// Device describes one GPU: its backend port, capacity, and the slack that
// must never be allocated.
type Device struct {
	ID         DeviceID `json:"id"`
	Port       int      `json:"port"`
	CapacityGB float64  `json:"capacityGb"`
	ReservedGB float64  `json:"reservedGb"`
}

// ModelDescriptor is a discovered model with derived selection metadata.
// Priority is smaller-is-preferred with a floor of 1.
type ModelDescriptor struct {
	Name     string   `json:"name"`
	SizeGB   float64  `json:"sizeGb"`
	Purpose  Purpose  `json:"purpose"`
	Priority int      `json:"priority"`
	Device   DeviceID `json:"device"`
	Loaded   bool     `json:"loaded"`
}

// Selection is the outcome of a model-selection round. Reset marks the
// exclusion-set fallback: every candidate was excluded and the primary model
// was returned anyway so single-GPU deployments keep making progress.
type Selection struct {
	Model  string   `json:"model"`
	Device DeviceID `json:"device"`
	Port   int      `json:"port"`
	Reset  bool     `json:"reset,omitempty"`
}

// ModelStat is one row of the learning service's ranked model statistics.
type ModelStat struct {
	Model       string  `json:"model"`
	SuccessRate float64 `json:"successRate"`
	AvgScore    float64 `json:"avgScore"`
	Samples     int     `json:"samples"`
}

// =============================================================================
// ATTEMPTS AND ARTIFACTS
// =============================================================================

// AttemptPhase identifies which half of an iteration an attempt belongs to.
type AttemptPhase string

const (
	AttemptGenerate AttemptPhase = "generate"
	AttemptValidate AttemptPhase = "validate"
	AttemptFix      AttemptPhase = "fix"
	AttemptEnsemble AttemptPhase = "ensemble"
)

// Outcome classifies how an attempt ended.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomePartial Outcome = "partial"
	OutcomeFailure Outcome = "failure"
)

// AttemptRecord captures one generate or validate pass. Records are
// append-only and forwarded to the learning recorder as they happen.
type AttemptRecord struct {
	ID         string       `json:"id"`
	JobID      string       `json:"jobId"`
	Iteration  int          `json:"iteration"` // 1-based
	Phase      AttemptPhase `json:"phase"`
	Models     []string     `json:"models"`
	StartedAt  time.Time    `json:"startedAt"`
	FinishedAt time.Time    `json:"finishedAt"`
	Outcome    Outcome      `json:"outcome"`
	Score      float64      `json:"score"`
	ErrorKind  Kind         `json:"errorKind,omitempty"`
	Language   string       `json:"language"`
	Keywords   []string     `json:"keywords,omitempty"`
}

// ChangeType says whether a generated file is new or a modification.
type ChangeType string

const (
	ChangeCreated  ChangeType = "created"
	ChangeModified ChangeType = "modified"
)

// GeneratedFile is one parsed artifact from a generation response.
type GeneratedFile struct {
	Path       string     `json:"path"`
	Content    string     `json:"content"`
	Language   string     `json:"language,omitempty"`
	ChangeType ChangeType `json:"changeType"`
	AttemptID  string     `json:"attemptId,omitempty"`
}

// =============================================================================
// PLANNING AND CONTEXT
// =============================================================================

// TaskPlan is the step breakdown produced by the planning service.
type TaskPlan struct {
	TaskID string     `json:"taskId,omitempty"`
	Steps  []PlanStep `json:"steps"`
}

// PlanStep is one unit of a task plan.
type PlanStep struct {
	Number      int    `json:"number"`
	Description string `json:"description"`
	Status      string `json:"status,omitempty"`
}

// SingleStepPlan is the fallback plan used when the planning service is
// unavailable: one step covering the whole task.
func SingleStepPlan(task string) *TaskPlan {
	return &TaskPlan{Steps: []PlanStep{{Number: 1, Description: task, Status: "pending"}}}
}

// TaskContext aggregates memory-service knowledge gathered before generation.
// All fields may be empty when the service is degraded.
type TaskContext struct {
	SimilarTasks   []SimilarTask `json:"similarTasks,omitempty"`
	Lessons        []string      `json:"lessons,omitempty"`
	ProjectSymbols []string      `json:"projectSymbols,omitempty"`
	DesignContext  string        `json:"designContext,omitempty"`
}

// SimilarTask is a previously solved task returned by semantic search.
type SimilarTask struct {
	Task     string   `json:"task"`
	Approach string   `json:"approach,omitempty"`
	Files    []string `json:"files,omitempty"`
	Score    float64  `json:"score,omitempty"`
}

// =============================================================================
// KEYWORD FINGERPRINTING
// =============================================================================

// keywordStop lists words too common to fingerprint a task.
var keywordStop = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "that": {}, "with": {}, "this": {},
	"from": {}, "into": {}, "should": {}, "write": {}, "create": {},
	"make": {}, "add": {}, "implement": {}, "function": {}, "which": {},
	"returns": {}, "return": {}, "using": {}, "when": {}, "then": {},
}

// maxKeywords bounds the fingerprint length.
const maxKeywords = 8

// Keywords normalizes a task description into a fingerprint: lowercase
// alphanumeric words of three or more characters, stopwords removed,
// deduplicated, capped at eight in order of first appearance.
func Keywords(task string) []string {
	fields := strings.FieldsFunc(strings.ToLower(task), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})
	seen := make(map[string]struct{}, len(fields))
	out := make([]string, 0, maxKeywords)
	for _, w := range fields {
		if len(w) < 3 {
			continue
		}
		if _, stop := keywordStop[w]; stop {
			continue
		}
		if _, dup := seen[w]; dup {
			continue
		}
		seen[w] = struct{}{}
		out = append(out, w)
		if len(out) == maxKeywords {
			break
		}
	}
	return out
}
