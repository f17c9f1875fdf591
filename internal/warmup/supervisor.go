// Package warmup primes the container image cache at process start so the
// first sandbox check of a job never pays a multi-minute pull. Strictly best
// effort: nothing here can abort startup.
package warmup

import (
	"context"
	"time"

	"go.uber.org/zap"

	"codesmith/internal/tactile"
)

// Supervisor pulls the configured images once.
type Supervisor struct {
	sandbox  tactile.Sandbox
	images   []string
	perImage time.Duration
	logger   *zap.Logger
}

// New builds a supervisor. perImage <= 0 uses the 10 minute default.
func New(sandbox tactile.Sandbox, images []string, perImage time.Duration, logger *zap.Logger) *Supervisor {
	if perImage <= 0 {
		perImage = 10 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Supervisor{
		sandbox:  sandbox,
		images:   images,
		perImage: perImage,
		logger:   logger.Named("warmup"),
	}
}

// Run checks and pulls each image in turn. Run is expected on a background
// goroutine; it returns when every image was handled or ctx fired.
func (s *Supervisor) Run(ctx context.Context) {
	if len(s.images) == 0 {
		return
	}
	if !s.sandbox.Available() {
		s.logger.Warn("sandbox unavailable, skipping image warmup")
		return
	}

	started := time.Now()
	pulled, present, failed := 0, 0, 0
	for _, image := range s.images {
		if ctx.Err() != nil {
			s.logger.Info("warmup cancelled", zap.Int("remaining", len(s.images)-pulled-present-failed))
			return
		}
		exists, err := s.sandbox.ImageExists(ctx, image)
		if err != nil {
			s.logger.Warn("image check failed", zap.String("image", image), zap.Error(err))
			failed++
			continue
		}
		if exists {
			present++
			continue
		}

		s.logger.Info("pulling image", zap.String("image", image))
		pullCtx, cancel := context.WithTimeout(ctx, s.perImage)
		err = s.sandbox.PullImage(pullCtx, image)
		cancel()
		if err != nil {
			s.logger.Warn("image pull failed", zap.String("image", image), zap.Error(err))
			failed++
			continue
		}
		pulled++
	}
	s.logger.Info("warmup complete",
		zap.Int("pulled", pulled),
		zap.Int("present", present),
		zap.Int("failed", failed),
		zap.Duration("elapsed", time.Since(started)))
}
