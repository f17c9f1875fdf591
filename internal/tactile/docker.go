package tactile

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"codesmith/internal/types"
)

// Docker executes commands inside throwaway containers (docker run --rm).
type Docker struct {
	dockerPath string
	available  bool
	// defaultTimeout bounds a run when the spec does not.
	defaultTimeout time.Duration
	// maxOutputBytes caps captured stdout/stderr each.
	maxOutputBytes int64
	logger         *zap.Logger
}

var _ Sandbox = (*Docker)(nil)

// NewDocker probes for a responsive docker binary. An unavailable runtime is
// not an error: Available reports false and callers skip sandbox work.
func NewDocker(logger *zap.Logger) *Docker {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Docker{
		defaultTimeout: 5 * time.Minute,
		maxOutputBytes: 256 << 10,
		logger:         logger.Named("tactile"),
	}
	d.detect()
	return d
}

func (d *Docker) detect() {
	path, err := exec.LookPath("docker")
	if err != nil {
		d.logger.Info("docker binary not found, sandbox disabled")
		return
	}
	d.dockerPath = path

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := exec.CommandContext(ctx, path, "version", "--format", "{{.Server.Version}}").Run(); err != nil {
		d.logger.Info("docker daemon unresponsive, sandbox disabled", zap.Error(err))
		return
	}
	d.available = true
}

// Available reports whether the docker runtime answered the startup probe.
func (d *Docker) Available() bool { return d.available }

// Run executes the spec in a fresh container. The container is always
// removed; a timeout kills it via the context.
func (d *Docker) Run(ctx context.Context, spec RunSpec) (*RunResult, error) {
	const op = "tactile.run"
	if !d.available {
		return nil, types.Ef(types.KindSandboxFailed, op, "docker unavailable")
	}
	if spec.Image == "" || len(spec.Cmd) == 0 {
		return nil, types.Ef(types.KindSandboxFailed, op, "image and command are required")
	}

	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = d.defaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := d.buildArgs(spec)
	cmd := exec.CommandContext(runCtx, d.dockerPath, args...)

	var stdout, stderr bytes.Buffer
	outLimited := &limitedWriter{w: &stdout, max: d.maxOutputBytes}
	errLimited := &limitedWriter{w: &stderr, max: d.maxOutputBytes}
	cmd.Stdout = outLimited
	cmd.Stderr = errLimited

	started := time.Now()
	err := cmd.Run()
	result := &RunResult{
		Stdout:    stdout.String(),
		Stderr:    stderr.String(),
		Duration:  time.Since(started),
		Truncated: outLimited.truncated || errLimited.truncated,
	}

	switch {
	case err == nil:
		result.ExitCode = 0
	case runCtx.Err() != nil:
		result.Killed = true
		result.ExitCode = -1
		if ctx.Err() != nil {
			return result, types.E(types.KindCancelled, op, ctx.Err())
		}
		d.logger.Warn("sandbox run killed on timeout",
			zap.String("image", spec.Image),
			zap.Duration("timeout", timeout))
	default:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		} else {
			return nil, types.E(types.KindSandboxFailed, op, err)
		}
	}

	d.logger.Debug("sandbox run complete",
		zap.String("image", spec.Image),
		zap.Int("exitCode", result.ExitCode),
		zap.Duration("elapsed", result.Duration))
	return result, nil
}

// buildArgs assembles the docker run invocation for a spec.
func (d *Docker) buildArgs(spec RunSpec) []string {
	args := []string{"run", "--rm"}
	if !spec.Network {
		args = append(args, "--network", "none")
	}
	if spec.MemoryLimit != "" {
		args = append(args, "--memory", spec.MemoryLimit)
	}
	if spec.Workdir != "" {
		args = append(args, "--workdir", spec.Workdir)
	}
	if spec.MountDir != "" {
		target := spec.Workdir
		if target == "" {
			target = "/src"
		}
		args = append(args, "--volume", fmt.Sprintf("%s:%s", spec.MountDir, target))
	}
	args = append(args, spec.Image)
	return append(args, spec.Cmd...)
}

// ImageExists asks the local daemon for the image.
func (d *Docker) ImageExists(ctx context.Context, image string) (bool, error) {
	if !d.available {
		return false, types.Ef(types.KindSandboxFailed, "tactile.inspect", "docker unavailable")
	}
	cmd := exec.CommandContext(ctx, d.dockerPath, "image", "inspect", image)
	cmd.Stdout = io.Discard
	cmd.Stderr = io.Discard
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return false, nil
		}
		return false, fmt.Errorf("tactile: inspect %s: %w", image, err)
	}
	return true, nil
}

// PullImage fetches an image. The caller bounds the pull with ctx.
func (d *Docker) PullImage(ctx context.Context, image string) error {
	if !d.available {
		return types.Ef(types.KindSandboxFailed, "tactile.pull", "docker unavailable")
	}
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, d.dockerPath, "pull", image)
	cmd.Stdout = io.Discard
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("tactile: pull %s: %s: %w", image, strings.TrimSpace(stderr.String()), err)
	}
	return nil
}

// limitedWriter caps how much output is retained; overflow is counted, not
// stored.
type limitedWriter struct {
	w         io.Writer
	max       int64
	written   int64
	truncated bool
}

func (l *limitedWriter) Write(p []byte) (int, error) {
	remaining := l.max - l.written
	if remaining <= 0 {
		l.truncated = true
		return len(p), nil
	}
	if int64(len(p)) > remaining {
		l.truncated = true
		n, err := l.w.Write(p[:remaining])
		l.written += int64(n)
		return len(p), err
	}
	n, err := l.w.Write(p)
	l.written += int64(n)
	return n, err
}
