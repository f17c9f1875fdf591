// Package job owns the live job set: admission, status, cancellation, and
// the TTL sweep of terminal jobs. The loop reports through a per-job sink;
// nothing outside this package mutates a job.
package job

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"codesmith/internal/loop"
	"codesmith/internal/metrics"
	"codesmith/internal/types"
)

// cancelGrace is how long Cancel waits for the loop goroutine to observe the
// token before returning anyway.
const cancelGrace = 5 * time.Second

// Runner drives one job to completion. Implemented by loop.Loop; tests stub
// it.
type Runner interface {
	Run(ctx context.Context, job loop.Snapshot, sink loop.Sink) (*loop.Outcome, error)
}

// Options tunes the manager.
type Options struct {
	// MaxConcurrent bounds simultaneously running jobs; <=0 means 1.
	MaxConcurrent int
	// DefaultMaxIterations applies when a submission does not set one.
	DefaultMaxIterations int
	// MinScore is the acceptance bar handed to every loop.
	MinScore float64
	// Timeout derives a job's wall clock from its iteration count; nil or a
	// non-positive result means no whole-job deadline.
	Timeout func(maxIterations int) time.Duration
	// TTL is how long a terminal job stays queryable.
	TTL time.Duration
	// SweepInterval is how often the sweeper scans; <=0 disables sweeping.
	SweepInterval time.Duration
}

// Manager is the in-process job registry.
type Manager struct {
	runner  Runner
	opts    Options
	sem     *semaphore.Weighted
	metrics *metrics.Metrics
	logger  *zap.Logger

	mu   sync.RWMutex
	jobs map[string]*jobState

	wg        sync.WaitGroup
	closeOnce sync.Once
	closing   chan struct{}
}

// jobState is the authoritative record of one job.
type jobState struct {
	mu sync.Mutex

	id         string
	task       string
	language   string
	workspace  string
	maxIter    int
	createdAt  time.Time
	finishedAt time.Time

	status    types.JobStatus
	progress  int
	statusMsg string
	iteration int
	timeline  []types.PhaseEntry
	result    *types.JobResult
	errKind   types.Kind
	errMsg    string

	cancel context.CancelFunc
	done   chan struct{}
}

// New builds a manager and starts its sweeper.
func New(runner Runner, opts Options, m *metrics.Metrics, logger *zap.Logger) *Manager {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 1
	}
	if opts.DefaultMaxIterations <= 0 {
		opts.DefaultMaxIterations = 50
	}
	if opts.TTL <= 0 {
		opts.TTL = 24 * time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.NewNop()
	}
	mgr := &Manager{
		runner:  runner,
		opts:    opts,
		sem:     semaphore.NewWeighted(int64(opts.MaxConcurrent)),
		metrics: m,
		logger:  logger.Named("job"),
		jobs:    make(map[string]*jobState),
		closing: make(chan struct{}),
	}
	if opts.SweepInterval > 0 {
		mgr.wg.Add(1)
		go mgr.sweeper()
	}
	return mgr
}

// Start admits a job and returns its id immediately; the loop runs on a
// background goroutine gated by the admission semaphore.
func (m *Manager) Start(task, language string, maxIterations int, workspace string) (string, error) {
	task = strings.TrimSpace(task)
	if task == "" {
		return "", fmt.Errorf("job: empty task")
	}
	if maxIterations <= 0 {
		maxIterations = m.opts.DefaultMaxIterations
	}

	select {
	case <-m.closing:
		return "", fmt.Errorf("job: manager is shutting down")
	default:
	}

	var ctx context.Context
	var cancel context.CancelFunc
	if d := m.wallClock(maxIterations); d > 0 {
		ctx, cancel = context.WithTimeout(context.Background(), d)
	} else {
		ctx, cancel = context.WithCancel(context.Background())
	}
	js := &jobState{
		id:        newJobID(),
		task:      task,
		language:  language,
		workspace: workspace,
		maxIter:   maxIterations,
		createdAt: time.Now(),
		status:    types.StatusQueued,
		statusMsg: "queued – waiting for a slot",
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	m.mu.Lock()
	m.jobs[js.id] = js
	m.mu.Unlock()

	m.wg.Add(1)
	go m.execute(ctx, js)

	m.logger.Info("job admitted",
		zap.String("jobId", js.id),
		zap.String("language", language),
		zap.Int("maxIterations", maxIterations))
	return js.id, nil
}

func (m *Manager) execute(ctx context.Context, js *jobState) {
	defer m.wg.Done()
	defer close(js.done)
	defer js.cancel()

	if err := m.sem.Acquire(ctx, 1); err != nil {
		m.finish(js, nil, types.Ef(types.KindCancelled, "job.admit", "cancelled while queued"))
		return
	}
	defer m.sem.Release(1)

	js.mu.Lock()
	if js.status != types.StatusQueued {
		js.mu.Unlock()
		return
	}
	js.status = types.StatusRunning
	js.statusMsg = "running – starting"
	js.mu.Unlock()
	m.metrics.JobsActive.Inc()
	defer m.metrics.JobsActive.Dec()

	outcome, err := m.runner.Run(ctx, loop.Snapshot{
		ID:            js.id,
		Task:          js.task,
		Language:      js.language,
		Workspace:     js.workspace,
		MaxIterations: js.maxIter,
		MinScore:      m.opts.MinScore,
	}, &sink{js: js})
	if err != nil && ctx.Err() == context.DeadlineExceeded {
		// The whole-job deadline fired, not a user cancel: this is a failure.
		err = types.Ef(types.KindBackendTimeout, "job.run",
			"wall clock of %s exhausted", m.wallClock(js.maxIter))
	}
	m.finish(js, outcome, err)
}

// wallClock resolves the whole-job deadline for a submission; 0 disables it.
func (m *Manager) wallClock(maxIterations int) time.Duration {
	if m.opts.Timeout == nil {
		return 0
	}
	return m.opts.Timeout(maxIterations)
}

// finish applies the terminal transition exactly once and closes the open
// timeline entry with the terminal pseudo-phase.
func (m *Manager) finish(js *jobState, outcome *loop.Outcome, err error) {
	js.mu.Lock()
	defer js.mu.Unlock()
	if js.status.Terminal() {
		return
	}

	now := time.Now()
	js.finishedAt = now
	if outcome != nil {
		js.iteration = outcome.Iterations
	}

	var terminal types.Phase
	switch {
	case err == nil:
		js.status = types.StatusCompleted
		js.progress = 100
		js.statusMsg = "accept – complete"
		js.result = &types.JobResult{Files: outcome.Files, OutputDir: outcome.OutputDir}
		terminal = types.PhaseAccept
	case types.KindOf(err) == types.KindCancelled:
		js.status = types.StatusCancelled
		js.statusMsg = "cancelled – stopped by request"
		js.errKind = types.KindCancelled
		js.errMsg = types.UserMessage(types.KindCancelled)
		terminal = types.PhaseCancelled
	default:
		kind := types.KindOf(err)
		if kind == "" {
			kind = types.KindValidationFailed
		}
		js.status = types.StatusFailed
		js.statusMsg = fmt.Sprintf("failed – %s", kind)
		js.errKind = kind
		js.errMsg = types.UserMessage(kind)
		terminal = types.PhaseFailed
	}

	js.closeOpenPhaseLocked(now)
	js.timeline = append(js.timeline, types.PhaseEntry{Phase: terminal, Start: now, End: now})
	m.metrics.JobsTotal.WithLabelValues(string(js.status)).Inc()
	m.logger.Info("job finished",
		zap.String("jobId", js.id),
		zap.String("status", string(js.status)),
		zap.Int("iterations", js.iteration))
}

// Cancel fires the job's cancellation token and waits up to the grace period
// for the loop to stop. Idempotent: cancelling a terminal job succeeds.
func (m *Manager) Cancel(id string) error {
	m.mu.RLock()
	js, ok := m.jobs[id]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("job: unknown id %s", id)
	}

	js.mu.Lock()
	terminal := js.status.Terminal()
	js.mu.Unlock()
	if terminal {
		return nil
	}

	js.cancel()
	select {
	case <-js.done:
	case <-time.After(cancelGrace):
		m.logger.Warn("job did not stop within grace period", zap.String("jobId", id))
	}
	return nil
}

// Status returns a snapshot of one job.
func (m *Manager) Status(id string) (*Status, error) {
	m.mu.RLock()
	js, ok := m.jobs[id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("job: unknown id %s", id)
	}
	return js.snapshot(), nil
}

// List returns snapshots of every known job, newest first.
func (m *Manager) List() []*Status {
	m.mu.RLock()
	out := make([]*Status, 0, len(m.jobs))
	for _, js := range m.jobs {
		out = append(out, js.snapshot())
	}
	m.mu.RUnlock()

	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].StartedAt.After(out[j-1].StartedAt); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// Close cancels every live job and waits for the workers and sweeper to
// exit, bounded by ctx.
func (m *Manager) Close(ctx context.Context) error {
	m.closeOnce.Do(func() { close(m.closing) })

	m.mu.RLock()
	for _, js := range m.jobs {
		js.cancel()
	}
	m.mu.RUnlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// sweeper deletes terminal jobs older than the TTL.
func (m *Manager) sweeper() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.closing:
			return
		case <-ticker.C:
			m.sweep(time.Now())
		}
	}
}

func (m *Manager) sweep(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, js := range m.jobs {
		js.mu.Lock()
		expired := js.status.Terminal() && !js.finishedAt.IsZero() && now.Sub(js.finishedAt) > m.opts.TTL
		js.mu.Unlock()
		if expired {
			delete(m.jobs, id)
			m.logger.Debug("swept terminal job", zap.String("jobId", id))
		}
	}
}

// newJobID returns an opaque 32 hex char token.
func newJobID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
