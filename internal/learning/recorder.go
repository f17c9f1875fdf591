// Package learning persists attempt outcomes so future selections can favor
// models that worked. Writes never block a job: they go through a bounded
// queue drained by one worker, and under backpressure the oldest entry is
// dropped with a counter. Reads degrade to empty data when the memory
// service is down.
package learning

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"codesmith/internal/memory"
	"codesmith/internal/metrics"
	"codesmith/internal/selector"
	"codesmith/internal/types"
)

// defaultQueueSize bounds the unwritten backlog.
const defaultQueueSize = 256

// writeTimeout bounds one memory-service write from the worker.
const writeTimeout = 15 * time.Second

// entry is one queued write: exactly one payload field is set.
type entry struct {
	performance *memory.ModelPerformance
	success     *memory.SuccessPattern
	failure     *memory.TaskFailure
}

// Recorder is the async outcome writer and the stats read path.
type Recorder struct {
	service memory.Service
	queue   chan entry
	metrics *metrics.Metrics
	logger  *zap.Logger

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

var _ selector.StatsProvider = (*Recorder)(nil)

// New builds a recorder and starts its worker. queueSize <= 0 uses the
// default.
func New(service memory.Service, queueSize int, m *metrics.Metrics, logger *zap.Logger) *Recorder {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.NewNop()
	}
	r := &Recorder{
		service: service,
		queue:   make(chan entry, queueSize),
		metrics: m,
		logger:  logger.Named("learning"),
		done:    make(chan struct{}),
	}
	go r.worker()
	return r
}

// RecordAttempt enqueues the outcome of one terminal attempt. jobIterations
// is how many iterations the job had consumed when the attempt finished.
func (r *Recorder) RecordAttempt(rec types.AttemptRecord, jobIterations int) {
	model := ""
	if len(rec.Models) > 0 {
		model = rec.Models[0]
	}
	taskType := "code_generation"
	if rec.Phase == types.AttemptValidate || rec.Phase == types.AttemptEnsemble {
		taskType = "validation"
	}
	r.enqueue(entry{performance: &memory.ModelPerformance{
		Model:      model,
		TaskType:   taskType,
		Language:   rec.Language,
		Outcome:    string(rec.Outcome),
		Score:      rec.Score,
		DurationMs: rec.FinishedAt.Sub(rec.StartedAt).Milliseconds(),
		Iterations: jobIterations,
		ErrorType:  string(rec.ErrorKind),
		Keywords:   rec.Keywords,
	}})
}

// RecordSuccess enqueues the success pattern of a completed job.
func (r *Recorder) RecordSuccess(pattern memory.SuccessPattern) {
	r.enqueue(entry{success: &pattern})
}

// RecordFailure enqueues a terminal job failure.
func (r *Recorder) RecordFailure(failure memory.TaskFailure) {
	r.enqueue(entry{failure: &failure})
}

// Stats returns the ranked model statistics for a (language, taskType) pair.
// Any service failure yields an empty list: selection then degrades to
// priority order.
func (r *Recorder) Stats(ctx context.Context, language, taskType string) []types.ModelStat {
	stats, err := r.service.GetModelStats(ctx, language, taskType)
	if err != nil {
		r.logger.Debug("stats unavailable", zap.Error(err))
		return nil
	}
	return stats
}

// enqueue adds an entry, dropping the oldest queued one when full.
func (r *Recorder) enqueue(e entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	for {
		select {
		case r.queue <- e:
			r.metrics.LearningQueueDepth.Set(float64(len(r.queue)))
			return
		default:
		}
		select {
		case <-r.queue:
			r.metrics.LearningDropped.Inc()
			r.logger.Warn("learning queue full, dropped oldest record")
		default:
		}
	}
}

// Close stops intake and drains the backlog until ctx expires.
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()

	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Recorder) worker() {
	defer close(r.done)
	for e := range r.queue {
		r.metrics.LearningQueueDepth.Set(float64(len(r.queue)))
		r.write(e)
	}
}

func (r *Recorder) write(e entry) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	var err error
	switch {
	case e.performance != nil:
		err = r.service.StoreModelPerformance(ctx, *e.performance)
	case e.success != nil:
		err = r.service.StoreSuccessfulTask(ctx, *e.success)
	case e.failure != nil:
		err = r.service.StoreTaskFailure(ctx, *e.failure)
	}
	if err != nil {
		// Best effort by contract: log and move on.
		r.logger.Debug("outcome write failed", zap.Error(err))
	}
}
