// Package engineerr provides the error taxonomy shared by every engine
// component: sentinel errors for comparison via errors.Is, a classified
// wrapping type that carries the four-taxonomy "kind" from the failure
// handling design, and helpers the scheduler and orchestrator use to
// decide whether a failure is retryable, structural, or a capability
// failure routed to healing.
package engineerr

import (
	"errors"
	"fmt"
)

// Sentinel errors for comparison using errors.Is().
var (
	// Input errors: surfaced directly, no retry, no healing.
	ErrUnknownConversation = errors.New("unknown conversation")
	ErrInvalidTaskID       = errors.New("invalid task id")
	ErrCyclicEdge          = errors.New("cyclic dependency edge rejected")
	ErrBadPriorityValue    = errors.New("priority value out of range")
	ErrSkillNotFound       = errors.New("skill not found")
	ErrSkillAlreadyExists  = errors.New("skill already registered")
	ErrDependencyNotActive = errors.New("dependency is not active")
	ErrAgentNotFound       = errors.New("agent node not found")

	// Transient runtime errors: retried with bounded backoff at the layer
	// closest to origin.
	ErrPersistenceBusy  = errors.New("persistence store busy")
	ErrReloadDebouncing = errors.New("reload debouncing")
	ErrAgentSaturated   = errors.New("agent saturated")
	ErrGeneratorTimeout = errors.New("external generator timeout")

	// Structural failures: recovery pipeline engaged.
	ErrCorruptionDetected           = errors.New("conversation state corruption detected")
	ErrCycleDetected                = errors.New("dependency cycle detected")
	ErrResourceAllocationInconsistent = errors.New("resource allocation inconsistent")
	ErrUnrecoverable                = errors.New("context permanently unrecoverable")

	// Capability failures: routed to C7 healing.
	ErrSkillExecutionFailed   = errors.New("skill execution failed")
	ErrSkillTimedOut          = errors.New("skill execution timed out")
	ErrSkillResultNonConforming = errors.New("skill result does not conform to contract")

	ErrContextCanceled = errors.New("context canceled")
)

// Kind classifies an EngineError into one of the four taxonomies from the
// error handling design, plus the finer-grained healing classifications
// used by the self-building orchestrator.
type Kind string

const (
	KindInput       Kind = "input"
	KindTransient   Kind = "transient"
	KindStructural  Kind = "structural"
	KindCapability  Kind = "capability"

	// Healing classifications (subset of KindCapability failures).
	KindSyntax     Kind = "syntax"
	KindImport     Kind = "import"
	KindRuntime    Kind = "runtime"
	KindTimeout    Kind = "timeout"
	KindDependency Kind = "dependency"
	KindResource   Kind = "resource"
	KindLogic      Kind = "logic"
)

// EngineError carries structured, classified error context through the
// engine. It never exposes a stack trace to callers; the audit log (via
// the component logger) records full detail separately.
type EngineError struct {
	Op         string // operation that failed, e.g. "scheduler.Dispatch"
	Kind       Kind
	ID         string // entity id involved, if any
	Message    string
	Attempts   int
	LastStrategy string
	Err        error
}

func (e *EngineError) Error() string {
	if e.Op != "" && e.Err != nil {
		if e.ID != "" {
			return fmt.Sprintf("%s [%s]: %v", e.Op, e.ID, e.Err)
		}
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s error", e.Kind)
}

func (e *EngineError) Unwrap() error { return e.Err }

// New builds an EngineError for the given operation/kind, wrapping err.
func New(op string, kind Kind, err error) *EngineError {
	return &EngineError{Op: op, Kind: kind, Err: err}
}

// WithID returns a copy of e with ID set, for fluent construction.
func (e *EngineError) WithID(id string) *EngineError {
	c := *e
	c.ID = id
	return &c
}

// IsRetryable reports whether err represents a transient runtime error
// that should be retried with bounded backoff close to its origin.
func IsRetryable(err error) bool {
	var ee *EngineError
	if errors.As(err, &ee) && ee.Kind == KindTransient {
		return true
	}
	return errors.Is(err, ErrPersistenceBusy) ||
		errors.Is(err, ErrReloadDebouncing) ||
		errors.Is(err, ErrAgentSaturated) ||
		errors.Is(err, ErrGeneratorTimeout)
}

// IsNotFound reports whether err represents a "not found" input error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrSkillNotFound) ||
		errors.Is(err, ErrAgentNotFound) ||
		errors.Is(err, ErrUnknownConversation)
}

// IsCorruption reports whether err represents structural state corruption.
func IsCorruption(err error) bool {
	var ee *EngineError
	if errors.As(err, &ee) && ee.Kind == KindStructural {
		return true
	}
	return errors.Is(err, ErrCorruptionDetected)
}

// IsCapabilityFailure reports whether err should be routed to C7 healing.
func IsCapabilityFailure(err error) bool {
	var ee *EngineError
	if errors.As(err, &ee) {
		switch ee.Kind {
		case KindCapability, KindSyntax, KindImport, KindRuntime, KindTimeout, KindDependency, KindResource, KindLogic:
			return true
		}
	}
	return errors.Is(err, ErrSkillExecutionFailed) ||
		errors.Is(err, ErrSkillTimedOut) ||
		errors.Is(err, ErrSkillResultNonConforming)
}
