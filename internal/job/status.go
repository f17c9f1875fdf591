package job

import (
	"time"

	"codesmith/internal/types"
)

// Status is the externally visible snapshot of one job. Snapshots are
// immutable copies; two reads with no mutation in between are identical.
type Status struct {
	JobID        string            `json:"jobId"`
	Status       types.JobStatus   `json:"status"`
	Progress     int               `json:"progress"`
	CurrentPhase types.Phase       `json:"currentPhase,omitempty"`
	StatusText   string            `json:"statusText,omitempty"`
	Iteration    int               `json:"iteration"`
	StartedAt    time.Time         `json:"startedAt"`
	FinishedAt   *time.Time        `json:"finishedAt,omitempty"`
	Timeline     []types.PhaseEntry `json:"timeline,omitempty"`
	Result       *types.JobResult  `json:"result,omitempty"`
	ErrorKind    types.Kind        `json:"-"`
	ErrorMsg     string            `json:"-"`
}

// snapshot copies the job state under its lock.
func (js *jobState) snapshot() *Status {
	js.mu.Lock()
	defer js.mu.Unlock()

	s := &Status{
		JobID:      js.id,
		Status:     js.status,
		Progress:   js.progress,
		StatusText: js.statusMsg,
		Iteration:  js.iteration,
		StartedAt:  js.createdAt,
		ErrorKind:  js.errKind,
		ErrorMsg:   js.errMsg,
	}
	if !js.finishedAt.IsZero() {
		finished := js.finishedAt
		s.FinishedAt = &finished
	}
	if n := len(js.timeline); n > 0 {
		s.Timeline = append([]types.PhaseEntry(nil), js.timeline...)
		s.CurrentPhase = js.timeline[n-1].Phase
	}
	if js.result != nil {
		files := append([]types.GeneratedFile(nil), js.result.Files...)
		s.Result = &types.JobResult{Files: files, OutputDir: js.result.OutputDir}
	}
	return s
}

// closeOpenPhaseLocked stamps the end time on the newest open timeline
// entry. Caller holds js.mu.
func (js *jobState) closeOpenPhaseLocked(now time.Time) {
	if n := len(js.timeline); n > 0 && js.timeline[n-1].End.IsZero() {
		js.timeline[n-1].End = now
	}
}

// sink adapts a jobState to the loop's reporting interface. All mutations
// stay behind the job lock; a fired cancel token makes them no-ops via the
// terminal-status check.
type sink struct {
	js *jobState
}

func (s *sink) BeginPhase(phase types.Phase, model string) {
	s.js.mu.Lock()
	defer s.js.mu.Unlock()
	if s.js.status.Terminal() {
		return
	}
	now := time.Now()
	s.js.closeOpenPhaseLocked(now)
	s.js.timeline = append(s.js.timeline, types.PhaseEntry{Phase: phase, Start: now, Model: model})
}

func (s *sink) EndPhase(score float64) {
	s.js.mu.Lock()
	defer s.js.mu.Unlock()
	if s.js.status.Terminal() {
		return
	}
	if n := len(s.js.timeline); n > 0 && s.js.timeline[n-1].End.IsZero() {
		s.js.timeline[n-1].End = time.Now()
		s.js.timeline[n-1].Score = score
	}
}

func (s *sink) Progress(pct int, status string, iteration int) {
	s.js.mu.Lock()
	defer s.js.mu.Unlock()
	if s.js.status.Terminal() {
		return
	}
	if pct > s.js.progress && pct <= 100 {
		s.js.progress = pct
	}
	s.js.statusMsg = status
	s.js.iteration = iteration
}
