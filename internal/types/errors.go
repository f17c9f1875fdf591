package types

import (
	"context"
	"errors"
	"fmt"
)

// Kind is the error taxonomy shared across the orchestration core. Kinds are
// stable wire values: the status endpoint reports them verbatim.
type Kind string

const (
	KindRegistryUnavailable      Kind = "RegistryUnavailable"
	KindNoCandidate              Kind = "NoCandidate"
	KindModelsExhausted          Kind = "ModelsExhausted"
	KindBackendTimeout           Kind = "BackendTimeout"
	KindBackendMalformed         Kind = "BackendMalformed"
	KindParseFailed              Kind = "ParseFailed"
	KindValidationFailed         Kind = "ValidationFailed"
	KindImportInvalid            Kind = "ImportInvalid"
	KindSandboxFailed            Kind = "SandboxFailed"
	KindCancelled                Kind = "Cancelled"
	KindTaskPlanMissing          Kind = "TaskPlanMissing"
	KindMemoryServiceUnavailable Kind = "MemoryServiceUnavailable"
	KindConfiguration            Kind = "Configuration"
)

// Terminal reports whether a kind ends the job outright. Budget exhaustion is
// also terminal but is decided by the loop, not by a kind.
func (k Kind) Terminal() bool {
	switch k {
	case KindModelsExhausted, KindCancelled, KindConfiguration:
		return true
	}
	return false
}

// RecoveredLocally reports whether the component that hit the error absorbs
// it (degraded data, demoted issue, retry) instead of surfacing it.
func (k Kind) RecoveredLocally() bool {
	switch k {
	case KindMemoryServiceUnavailable, KindSandboxFailed, KindBackendMalformed, KindTaskPlanMissing:
		return true
	}
	return false
}

// Error is the canonical error carrier: a taxonomy kind, the operation that
// failed, and the wrapped cause. It participates in errors.Is/As chains.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// E builds a taxonomy error. err may be nil when the kind says it all.
func E(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Ef builds a taxonomy error with a formatted cause.
func Ef(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the taxonomy kind from an error chain. Bare context errors
// map to Cancelled and BackendTimeout so call sites need no special cases.
// Unknown errors yield the empty kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindBackendTimeout
	}
	return ""
}

// IsKind reports whether err carries the given kind anywhere in its chain.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// UserMessage renders a single-sentence operator-facing message for a failed
// job. Model names and internals stay out unless verbose deployments opt in
// at the API layer.
func UserMessage(k Kind) string {
	switch k {
	case KindRegistryUnavailable:
		return "no inference backend is reachable on any configured port"
	case KindNoCandidate:
		return "no model satisfies the selection constraints"
	case KindModelsExhausted:
		return "every candidate model was tried without an acceptable result"
	case KindBackendTimeout:
		return "the inference backend stopped responding"
	case KindBackendMalformed:
		return "the inference backend returned an unusable response"
	case KindParseFailed:
		return "the model response contained no parseable files"
	case KindValidationFailed:
		return "generated code did not reach the acceptance score"
	case KindImportInvalid:
		return "generated code references symbols unknown to the project"
	case KindSandboxFailed:
		return "the sandbox could not execute the build check"
	case KindCancelled:
		return "the job was cancelled"
	case KindTaskPlanMissing:
		return "no task plan could be produced"
	case KindMemoryServiceUnavailable:
		return "the memory service is unreachable"
	case KindConfiguration:
		return "the service configuration is invalid"
	}
	return "the job failed"
}
