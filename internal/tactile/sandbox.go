// Package tactile is the sandboxed-execution boundary: container-based runs
// used for optional build and import checks. The core never executes
// anything on the host directly.
package tactile

import (
	"context"
	"time"
)

// Sandbox is the isolated execution contract. Implementations: Docker (live)
// and whatever tests stub in.
type Sandbox interface {
	// Available reports whether the sandbox runtime is usable on this host.
	Available() bool

	// Run executes one command in an isolated container and returns its
	// outcome. A non-zero exit is a successful Run with ExitCode set.
	Run(ctx context.Context, spec RunSpec) (*RunResult, error)

	// ImageExists reports whether the image is already present locally.
	ImageExists(ctx context.Context, image string) (bool, error)

	// PullImage fetches an image, bounded by ctx.
	PullImage(ctx context.Context, image string) error
}

// RunSpec describes one sandboxed command.
type RunSpec struct {
	Image string
	// Cmd is the argv executed inside the container.
	Cmd []string
	// Workdir inside the container; MountDir on the host is bound there
	// read-write when set.
	Workdir  string
	MountDir string
	// Network enables outbound network; default is isolated.
	Network bool
	// Timeout caps the run; zero means the executor default.
	Timeout time.Duration
	// MemoryLimit such as "512m"; empty means unlimited.
	MemoryLimit string
}

// RunResult is the outcome of one sandboxed command.
type RunResult struct {
	ExitCode  int
	Stdout    string
	Stderr    string
	Duration  time.Duration
	Killed    bool
	Truncated bool
}

// BuildCheck maps a language tag onto the container image and command that
// compile-check generated files of that language. Unknown languages return
// ok=false and the caller skips the check.
func BuildCheck(language string) (RunSpec, bool) {
	switch language {
	case "go", "golang":
		return RunSpec{Image: "golang:1.24-alpine", Cmd: []string{"go", "build", "./..."}, Workdir: "/src"}, true
	case "python", "py":
		return RunSpec{Image: "python:3.12-slim", Cmd: []string{"python", "-m", "compileall", "-q", "."}, Workdir: "/src"}, true
	case "javascript", "js", "node":
		return RunSpec{Image: "node:22-alpine", Cmd: []string{"node", "--check", "."}, Workdir: "/src"}, true
	case "typescript", "ts":
		return RunSpec{Image: "node:22-alpine", Cmd: []string{"npx", "--yes", "tsc", "--noEmit"}, Workdir: "/src"}, true
	case "rust":
		return RunSpec{Image: "rust:1.80-slim", Cmd: []string{"cargo", "check", "--quiet"}, Workdir: "/src"}, true
	}
	return RunSpec{}, false
}
