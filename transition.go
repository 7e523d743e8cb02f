package hsm

import "time"

// triggerKind classifies what causes a transition to become a candidate
// during resolution (spec.md §3 Transition.trigger_kind).
type triggerKind int

const (
	triggerEvent triggerKind = iota
	triggerAny
	triggerAfter
	triggerAt
	triggerEvery
	triggerWhen
	triggerCompletion
)

// transition is one authored, not-yet-normalized transition out of a
// state. Built via State.On / OnAny / After / At / Every / When /
// Completion, and the chained TransitionBuilder methods.
type transition[E any] struct {
	src  *State[E]
	kind triggerKind

	eventName string
	afterFn   func(E) time.Duration
	atFn      func(E) time.Time
	everyFn   func(E) time.Duration
	whenFn    func(E) bool

	guard     func(Event, E) bool
	guardName string

	action     func(Event, E)
	actionName string

	internal bool
	history  History
	target   *State[E]

	// filled by Finalize
	id StateTransitionIds
}

// StateTransitionIds holds the ids assigned to a transition at
// normalization time; exported only so diagnostics can reference it.
type StateTransitionIds struct {
	Transition TransitionId
}

// TransitionBuilder provides a fluent API for a transition under
// construction: guard, action/effect, Internal vs External, and the
// history mode used when entering a composite target.
type TransitionBuilder[E any] struct {
	t       *transition[E]
	guards  []namedGuard[E]
	actions []namedAction[E]
}

func newTransitionBuilder[E any](t *transition[E]) *TransitionBuilder[E] {
	return &TransitionBuilder[E]{t: t}
}

// Guard adds a guard predicate; may be called multiple times, in which
// case all guards must pass (logical AND) for the transition to apply.
func (tb *TransitionBuilder[E]) Guard(name string, f func(Event, E) bool) *TransitionBuilder[E] {
	tb.guards = append(tb.guards, namedGuard[E]{name: name, guard: f})
	return tb
}

// Action sets the transition's effect, run strictly between the exit
// sequence and the entry sequence. May be called multiple times; actions
// then run in the order they were added.
func (tb *TransitionBuilder[E]) Action(name string, f func(Event, E)) *TransitionBuilder[E] {
	tb.actions = append(tb.actions, namedAction[E]{name: name, action: f})
	return tb
}

// Internal marks the transition as internal: only its effect runs, with
// no exit/entry of any state. Only valid for a self-transition (target ==
// source); panics otherwise, since that is a programmer error detectable
// at the call site.
func (tb *TransitionBuilder[E]) Internal() *TransitionBuilder[E] {
	if tb.t.src != tb.t.target {
		panic("transition " + tb.t.src.name + " -> " + tb.t.target.Name() + " can not be internal")
	}
	tb.t.internal = true
	return tb
}

// History selects shallow or deep history resolution when entering the
// (necessarily composite) target state. Invalid combinations (target not
// composite, or History on an Internal transition) are caught by
// Finalize, since target's kind and the internal flag may not yet be
// settled when History is called.
func (tb *TransitionBuilder[E]) History(h History) *TransitionBuilder[E] {
	tb.t.history = h
	return tb
}

// Build attaches the transition to its source state in authoring order,
// which is also the transition's priority order for same-state ties.
func (tb *TransitionBuilder[E]) Build() {
	if len(tb.guards) > 0 {
		tb.t.guardName, tb.t.guard = combineGuards(tb.guards)
	}
	if len(tb.actions) > 0 {
		tb.t.actionName, tb.t.action = combineActions(tb.actions)
	}
	tb.t.src.transitions = append(tb.t.src.transitions, tb.t)
}

// On builds an event-triggered transition: it is a candidate only when
// the dispatched event's name equals eventName.
func (s *State[E]) On(eventName string, target *State[E]) *TransitionBuilder[E] {
	return newTransitionBuilder(&transition[E]{src: s, kind: triggerEvent, eventName: eventName, target: target})
}

// OnAny builds a wildcard transition: a candidate for any dispatched
// event, at lower priority than a same-state On("specific", ...) entry
// that precedes it in authoring order, but still subject to normal
// child-overrides-ancestor priority.
func (s *State[E]) OnAny(target *State[E]) *TransitionBuilder[E] {
	return newTransitionBuilder(&transition[E]{src: s, kind: triggerAny, target: target})
}

// After builds a timed transition that fires once fn(instance) has
// elapsed since the state was entered.
func (s *State[E]) After(fn func(E) time.Duration, target *State[E]) *TransitionBuilder[E] {
	return newTransitionBuilder(&transition[E]{src: s, kind: triggerAfter, afterFn: fn, target: target})
}

// At builds a timed transition that fires at the absolute instant
// fn(instance) returns.
func (s *State[E]) At(fn func(E) time.Time, target *State[E]) *TransitionBuilder[E] {
	return newTransitionBuilder(&transition[E]{src: s, kind: triggerAt, atFn: fn, target: target})
}

// Every builds a recurring timed transition, re-arming after each firing
// for as long as the state remains entered.
func (s *State[E]) Every(fn func(E) time.Duration, target *State[E]) *TransitionBuilder[E] {
	return newTransitionBuilder(&transition[E]{src: s, kind: triggerEvery, everyFn: fn, target: target})
}

// When builds a condition-triggered transition, fired the first time
// pred(instance) is observed true while the state is entered.
func (s *State[E]) When(pred func(E) bool, target *State[E]) *TransitionBuilder[E] {
	return newTransitionBuilder(&transition[E]{src: s, kind: triggerWhen, whenFn: pred, target: target})
}

// Completion builds a triggerless (completion) transition, eligible once
// s has completed: s is Final, s is Choice, or s is a composite whose
// active substate has reached a final substate and whose activities have
// concluded.
func (s *State[E]) Completion(target *State[E]) *TransitionBuilder[E] {
	return newTransitionBuilder(&transition[E]{src: s, kind: triggerCompletion, target: target})
}
