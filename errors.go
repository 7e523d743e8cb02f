package hsm

import "fmt"

// ErrKind classifies a BuildError, the fatal normalization-time error
// returned by StateMachine.Finalize. Runtime conditions (unmatched events,
// guard rejection, deferral overflow) are documented behaviors, not errors
// (see spec.md §7), and are never reported through this type.
type ErrKind int

const (
	ErrUnresolvedTarget ErrKind = iota
	ErrDuplicateSibling
	ErrMissingInitial
	ErrFinalHasBehavior
	ErrFinalHasTransition
	ErrChoiceNoDefault
	ErrNameCollision
	ErrMalformedPath
	ErrAmbiguousTarget
	ErrReservedName
	ErrChoiceInvalidTransition
)

// BuildError is returned by Finalize when the authored tree cannot be
// normalized into a NormalizedModel. It is never panicked: malformed
// *model construction* calls (e.g. marking two sub-states initial, or
// building an Internal transition that isn't a self-transition) remain
// panics, matching the teacher's fluent-builder contract, because those
// are programmer errors detectable at the call site. BuildError instead
// covers whole-tree properties only knowable once the tree is complete.
type BuildError struct {
	Kind    ErrKind
	State   string // offending state's absolute path, when applicable
	Message string
}

func (e *BuildError) Error() string {
	return e.Message
}

func newBuildError(kind ErrKind, state, format string, args ...any) *BuildError {
	return &BuildError{Kind: kind, State: state, Message: fmt.Sprintf(format, args...)}
}

// Diagnostic is emitted to a configured diagnostics callback for runtime
// conditions that are not errors but are worth surfacing: deferral
// overflow and worker faults (spec.md §7).
type Diagnostic struct {
	Kind    DiagnosticKind
	State   string
	Event   string
	Message string
}

type DiagnosticKind int

const (
	DiagDeferralOverflow DiagnosticKind = iota
	DiagWorkerFault
)

// Faulted is returned by Dispatch once a worker failure has condemned the
// instance (spec.md §7: "dispatch on the faulted instance fails fast").
type Faulted struct {
	Cause error
}

func (f *Faulted) Error() string {
	if f.Cause != nil {
		return "hsm: instance faulted: " + f.Cause.Error()
	}
	return "hsm: instance faulted"
}

func (f *Faulted) Unwrap() error { return f.Cause }
