package hsm

import (
	"context"
	"strings"
	"time"
)

// StateKind classifies a normalized state. Composite and Leaf are inferred
// from the authored tree shape (a state with children is Composite, one
// without is Leaf); Final and Choice are explicit, authored via
// State.Final / State.Choice.
type StateKind int

const (
	KindComposite StateKind = iota
	KindLeaf
	KindFinal
	KindChoice
)

func (k StateKind) String() string {
	switch k {
	case KindComposite:
		return "composite"
	case KindLeaf:
		return "leaf"
	case KindFinal:
		return "final"
	case KindChoice:
		return "choice"
	default:
		return "unknown"
	}
}

// History selects the pseudostate a transition targets when entering a
// composite: HistoryNone enters via the composite's initial chain,
// HistoryShallow restores the last direct child, HistoryDeep restores the
// exact last leaf.
type History int

const (
	HistoryNone History = iota
	HistoryShallow
	HistoryDeep
)

// Reserved event names. Authors must not declare an event with one of
// these names; Finalize rejects it.
const (
	EventInit       = "$init"
	EventCompletion = "$completion"
)

// Event is delivered to a running Instance, or synthesized internally for
// the initial entry (EventInit) and for completion transitions
// (EventCompletion).
type Event struct {
	Name string
	Data any
}

// ActivityFunc is invoked once on entering a state, on its own goroutine.
// It must return promptly after ctx is cancelled; the engine does not
// force-kill activity goroutines (spec.md §4.6/§5).
type ActivityFunc[E any] func(ctx context.Context, e E)

type namedAction[E any] struct {
	name   string
	action func(Event, E)
}

type namedGuard[E any] struct {
	name  string
	guard func(Event, E) bool
}

type namedActivity[E any] struct {
	name string
	fn   ActivityFunc[E]
}

func (na namedAction[E]) Name() string { return na.name }
func (ng namedGuard[E]) Name() string  { return ng.name }

type named interface{ Name() string }

func combineNames[N named](items []N) string {
	var names []string
	for _, item := range items {
		if item.Name() != "" {
			names = append(names, item.Name())
		}
	}
	return strings.Join(names, ";")
}

func combineActions[E any](items []namedAction[E]) (string, func(Event, E)) {
	if len(items) == 1 {
		return items[0].name, items[0].action
	}
	return combineNames(items), func(e Event, ext E) {
		for _, na := range items {
			na.action(e, ext)
		}
	}
}

func combineGuards[E any](items []namedGuard[E]) (string, func(Event, E) bool) {
	if len(items) == 1 {
		return items[0].name, items[0].guard
	}
	return combineNames(items), func(e Event, ext E) bool {
		for _, ng := range items {
			if !ng.guard(e, ext) {
				return false
			}
		}
		return true
	}
}

// State is a node of the authored state tree: a leaf, composite, final, or
// choice state, parameterized by E, the per-instance extended state
// (sometimes called the instance's "context"). Build a tree with
// NewMachine, State, Final, and Choice, wire it with transitions, then
// call StateMachine.Finalize to obtain an immutable NormalizedModel.
type State[E any] struct {
	name     string
	parent   *State[E]
	children []*State[E]
	initial  *State[E]

	final  bool
	choice bool

	entry, exit         func(Event, E)
	entryName, exitName string
	activities          []namedActivity[E]
	deferred            []string

	transitions []*transition[E]

	sm *StateMachine[E]

	// id is assigned during Finalize; zero until then.
	id StateId
}

// IsLeaf reports whether s has no authored children. Final and Choice
// states are always leaves in this sense, even though they are reported
// with their own StateKind rather than KindLeaf.
func (s *State[E]) IsLeaf() bool { return len(s.children) == 0 }

// Name returns the state's authored (unqualified) name.
func (s *State[E]) Name() string {
	if s == nil {
		return "<nil>"
	}
	return s.name
}

func (s *State[E]) String() string { return s.Name() }

// path returns the absolute path segments from the model root to s.
func (s *State[E]) path() []string {
	var segs []string
	for cur := s; cur != nil; cur = cur.parent {
		segs = append([]string{cur.name}, segs...)
	}
	return segs
}

func (s *State[E]) absolutePath() string {
	return "/" + strings.Join(s.path(), "/")
}

// StateBuilder provides a fluent API for configuring a State being built.
type StateBuilder[E any] struct {
	parent  *State[E]
	name    string
	options []func(*State[E])

	entries, exits []namedAction[E]
	activities     []namedActivity[E]
	deferred       []string
}

// Entry appends an entry action, executed in the order Entry was called,
// after any previously-entered ancestor's entry actions and before the
// state's timers/activities are armed.
func (sb *StateBuilder[E]) Entry(name string, f func(Event, E)) *StateBuilder[E] {
	sb.entries = append(sb.entries, namedAction[E]{name: name, action: f})
	return sb
}

// Exit appends an exit action, executed in the order Exit was called.
func (sb *StateBuilder[E]) Exit(name string, f func(Event, E)) *StateBuilder[E] {
	sb.exits = append(sb.exits, namedAction[E]{name: name, action: f})
	return sb
}

// Activity registers a long-running function spawned once on entry and
// cancelled (via ctx) on exit. Composite completion is gated on every
// activity of every currently-active descendant having returned.
func (sb *StateBuilder[E]) Activity(name string, f ActivityFunc[E]) *StateBuilder[E] {
	sb.activities = append(sb.activities, namedActivity[E]{name: name, fn: f})
	return sb
}

// Defer marks event names that this state holds (rather than silently
// consuming) until the configuration changes.
func (sb *StateBuilder[E]) Defer(eventNames ...string) *StateBuilder[E] {
	sb.deferred = append(sb.deferred, eventNames...)
	return sb
}

// Initial marks the state being built as its parent's default substate,
// entered when the parent is entered without a deeper explicit target.
func (sb *StateBuilder[E]) Initial() *StateBuilder[E] {
	sb.options = append(sb.options, func(s *State[E]) {
		p := s.parent
		if p.initial != nil && p.initial != s {
			panic("state " + s.name + " and " + p.initial.name + " can not both be initial sub-states of " + p.name)
		}
		p.initial = s
	})
	return sb
}

// Build finalizes the State and attaches it to its parent.
func (sb *StateBuilder[E]) Build() *State[E] {
	ss := &State[E]{
		parent:     sb.parent,
		name:       sb.name,
		sm:         sb.parent.sm,
		activities: sb.activities,
		deferred:   sb.deferred,
	}
	if len(sb.entries) > 0 {
		ss.entryName, ss.entry = combineActions(sb.entries)
	}
	if len(sb.exits) > 0 {
		ss.exitName, ss.exit = combineActions(sb.exits)
	}
	for _, opt := range sb.options {
		opt(ss)
	}
	sb.parent.children = append(sb.parent.children, ss)
	return ss
}

// State returns a builder for a new sub-state of s.
func (s *State[E]) State(name string) *StateBuilder[E] {
	return &StateBuilder[E]{parent: s, name: name}
}

// Final builds and returns a terminal leaf sub-state of s. Final states
// carry no behaviors and have no outgoing transitions (spec.md §3).
func (s *State[E]) Final(name string) *State[E] {
	ss := &State[E]{parent: s, name: name, sm: s.sm, final: true}
	s.children = append(s.children, ss)
	return ss
}

// Choice builds and returns a choice pseudostate sub-state of s. A Choice
// state's only outgoing transitions are completion transitions (built via
// Completion); exactly one of them must be unguarded (the default).
func (s *State[E]) Choice(name string) *State[E] {
	ss := &State[E]{parent: s, name: name, sm: s.sm, choice: true}
	s.children = append(s.children, ss)
	return ss
}

// StateMachine is the authored, not-yet-normalized description of a
// hierarchical state machine, parameterized by E, the per-instance
// extended state type. Build the tree via State/Final/Choice and
// transitions, then call Finalize to obtain a NormalizedModel.
type StateMachine[E any] struct {
	top State[E]

	deferCapacity int // 0 means unbounded
	provider      Provider
	pollInterval  time.Duration
	onDiagnostic  func(Diagnostic)
}

// MachineOption configures a StateMachine at construction time.
type MachineOption[E any] func(*StateMachine[E])

// WithDeferCapacity bounds the per-instance deferred-event queue to n
// entries; n <= 0 selects an unbounded, dynamically growing queue
// (spec.md §9 Open Question 1 — both modes are supported).
func WithDeferCapacity[E any](n int) MachineOption[E] {
	return func(sm *StateMachine[E]) { sm.deferCapacity = n }
}

// WithProvider overrides the default real-time task/sleep/clock provider.
func WithProvider[E any](p Provider) MachineOption[E] {
	return func(sm *StateMachine[E]) { sm.provider = p }
}

// WithDiagnostics registers a callback invoked for non-fatal runtime
// conditions worth surfacing: deferral overflow and worker faults.
func WithDiagnostics[E any](f func(Diagnostic)) MachineOption[E] {
	return func(sm *StateMachine[E]) { sm.onDiagnostic = f }
}

// WithPollInterval sets the cadence at which When triggers are polled
// (spec.md §9 Open Question 2). Default is 2ms.
func WithPollInterval[E any](d time.Duration) MachineOption[E] {
	return func(sm *StateMachine[E]) { sm.pollInterval = d }
}

// NewMachine creates the root of an authored state tree. name becomes the
// first path segment reported by diagnostics (e.g. "/TrafficLight/red").
func NewMachine[E any](name string, opts ...MachineOption[E]) *StateMachine[E] {
	sm := &StateMachine[E]{deferCapacity: 16, pollInterval: 2 * time.Millisecond}
	sm.top.name = name
	sm.top.sm = sm
	for _, o := range opts {
		o(sm)
	}
	if sm.provider == nil {
		sm.provider = NewRealTimeProvider[E]()
	}
	return sm
}

// State returns a builder for a new top-level state.
func (sm *StateMachine[E]) State(name string) *StateBuilder[E] {
	return sm.top.State(name)
}

// Final returns a new top-level final state.
func (sm *StateMachine[E]) Final(name string) *State[E] {
	return sm.top.Final(name)
}

// Choice returns a new top-level choice state.
func (sm *StateMachine[E]) Choice(name string) *State[E] {
	return sm.top.Choice(name)
}
