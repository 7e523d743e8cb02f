package hsm

import "time"

// StateId, EventId and TransitionId are dense, zero-based ids assigned by
// Finalize (spec.md §3).
type StateId int32
type EventId int32
type TransitionId int32

const (
	noState      StateId      = -1
	noEvent      EventId      = -1
	noTransition TransitionId = -1
)

type targetKind int

const (
	targetInternal targetKind = iota
	targetExternal
	targetShallowHistory
	targetDeepHistory
)

// normState is the normalized, immutable form of a State[E]. Every field
// here is a plain id/value/closure; no *State[E] pointers are retained,
// so the NormalizedModel can outlive (and be shared freely across
// goroutines independent of) the authored tree that produced it.
type normState[E any] struct {
	id       StateId
	parentId StateId
	depth    int
	kind     StateKind
	nameHash uint32
	name     string
	path     string

	initialTarget StateId // noState if none

	entry, exit         func(Event, E)
	entryName, exitName string
	activities          []namedActivity[E]

	deferredEvents map[EventId]struct{}

	outgoing      []TransitionId
	timedTriggers []TransitionId
}

// normTransition is the normalized, immutable form of a transition[E].
type normTransition[E any] struct {
	id       TransitionId
	sourceId StateId
	kind     triggerKind

	eventId EventId
	afterFn func(E) time.Duration
	atFn    func(E) time.Time
	everyFn func(E) time.Duration
	whenFn  func(E) bool

	guard     func(Event, E) bool
	guardName string

	action     func(Event, E)
	actionName string

	internal   bool
	targetKind targetKind
	targetId   StateId // authored target for targetExternal (a composite is descended at runtime); composite id for history kinds; source id for targetInternal
}

// NormalizedModel is the constant, flat-table form of a finalized
// StateMachine, produced once by Finalize and shared across every
// Instance built from it.
type NormalizedModel[E any] struct {
	states      []normState[E]
	transitions []normTransition[E]

	eventIds   map[string]EventId
	eventNames []string

	rootId StateId

	// ancestorsOf[s] lists s's ancestors, root-first, excluding s itself.
	ancestorsOf [][]StateId

	interner *interner

	deferCapacity int
	provider      Provider
	pollInterval  time.Duration
	onDiagnostic  func(Diagnostic)
}

// StateCount returns the number of normalized states.
func (m *NormalizedModel[E]) StateCount() int { return len(m.states) }

// Name returns the unqualified authored name of a state.
func (m *NormalizedModel[E]) Name(id StateId) string { return m.states[id].name }

// Path returns the absolute diagnostic path of a state, e.g. "/Machine/a/b".
func (m *NormalizedModel[E]) Path(id StateId) string { return m.states[id].path }

// Kind returns a state's normalized kind.
func (m *NormalizedModel[E]) Kind(id StateId) StateKind { return m.states[id].kind }

// EventName returns the authored name of an EventId.
func (m *NormalizedModel[E]) EventName(id EventId) string {
	if id < 0 || int(id) >= len(m.eventNames) {
		return ""
	}
	return m.eventNames[id]
}

// RootId returns the model's root state id.
func (m *NormalizedModel[E]) RootId() StateId { return m.rootId }

// finalizer holds the mutable working state for one Finalize call.
type finalizer[E any] struct {
	sm   *StateMachine[E]
	in   *interner
	errs []error

	states []normState[E]
	ptrs   []*State[E]
	byPtr  map[*State[E]]StateId

	eventIds  map[string]EventId
	eventRev  []string
	trans     []normTransition[E]
}

func (f *finalizer[E]) fail(err error) {
	if err != nil {
		f.errs = append(f.errs, err)
	}
}

func (f *finalizer[E]) internEvent(name string) EventId {
	if id, ok := f.eventIds[name]; ok {
		return id
	}
	if _, err := f.in.intern(name); err != nil {
		f.fail(err)
	}
	id := EventId(len(f.eventRev))
	f.eventIds[name] = id
	f.eventRev = append(f.eventRev, name)
	return id
}

// assignIds performs the pre-order DFS that assigns StateIds, records
// parent/depth, and interns each state's absolute path, detecting duplicate
// sibling names and global name-hash collisions along the way.
func (f *finalizer[E]) assignIds(s *State[E], parentId StateId, depth int) StateId {
	id := StateId(len(f.states))
	s.id = id
	f.byPtr[s] = id
	f.ptrs = append(f.ptrs, s)

	segs := s.path()
	path := "/" + joinSegs(segs)
	if _, err := f.in.intern(path); err != nil {
		f.fail(err)
	}

	f.states = append(f.states, normState[E]{
		id:       id,
		parentId: parentId,
		depth:    depth,
		nameHash: hashPath(segs),
		name:     s.name,
		path:     path,
	})

	seen := make(map[string]bool, len(s.children))
	for _, c := range s.children {
		if seen[c.name] {
			f.fail(newBuildError(ErrDuplicateSibling, path, "duplicate sibling name %q under %s", c.name, path))
		}
		seen[c.name] = true
	}

	for _, c := range s.children {
		f.assignIds(c, id, depth+1)
	}
	return id
}

func joinSegs(segs []string) string {
	out := ""
	for i, s := range segs {
		if i > 0 {
			out += "/"
		}
		out += s
	}
	return out
}

// buildState fills in a state's behaviors, deferred-event set, kind, and
// outgoing transitions, using the already-complete id table (so targets
// anywhere in the tree, forward or backward, resolve).
func (f *finalizer[E]) buildState(id StateId) {
	s := f.ptrs[id]
	ns := &f.states[id]

	switch {
	case s.final:
		ns.kind = KindFinal
	case s.choice:
		ns.kind = KindChoice
	case len(s.children) > 0:
		ns.kind = KindComposite
	default:
		ns.kind = KindLeaf
	}

	if ns.kind == KindFinal {
		if s.entry != nil || s.exit != nil || len(s.activities) > 0 || len(s.deferred) > 0 {
			f.fail(newBuildError(ErrFinalHasBehavior, ns.path, "final state %s must not declare entry/exit/activity/defer", ns.path))
		}
		if len(s.transitions) > 0 {
			f.fail(newBuildError(ErrFinalHasTransition, ns.path, "final state %s must not declare outgoing transitions", ns.path))
		}
	}

	ns.entry, ns.exit = s.entry, s.exit
	ns.entryName, ns.exitName = s.entryName, s.exitName
	ns.activities = s.activities

	ns.initialTarget = noState
	if s.initial != nil {
		ns.initialTarget = f.byPtr[s.initial]
	}

	if len(s.deferred) > 0 {
		ns.deferredEvents = make(map[EventId]struct{}, len(s.deferred))
		for _, name := range s.deferred {
			if name == EventInit || name == EventCompletion {
				f.fail(newBuildError(ErrReservedName, ns.path, "state %s: %q is a reserved event name", ns.path, name))
				continue
			}
			ns.deferredEvents[f.internEvent(name)] = struct{}{}
		}
	}

	for _, t := range s.transitions {
		f.buildTransition(id, t)
	}
}

func (f *finalizer[E]) buildTransition(srcId StateId, t *transition[E]) {
	tid := TransitionId(len(f.trans))
	t.id = StateTransitionIds{Transition: tid}
	nt := normTransition[E]{
		id:       tid,
		sourceId: srcId,
		kind:     t.kind,
		afterFn:  t.afterFn,
		atFn:     t.atFn,
		everyFn:  t.everyFn,
		whenFn:   t.whenFn,
		guard:      t.guard,
		guardName:  t.guardName,
		action:     t.action,
		actionName: t.actionName,
		internal:   t.internal,
	}

	if t.kind == triggerEvent {
		if t.eventName == EventInit || t.eventName == EventCompletion {
			f.fail(newBuildError(ErrReservedName, f.states[srcId].path, "transition on %s: %q is a reserved event name", f.states[srcId].path, t.eventName))
		}
		nt.eventId = f.internEvent(t.eventName)
	} else {
		nt.eventId = noEvent
	}

	targetId, ok := f.byPtr[t.target]
	if !ok {
		f.fail(newBuildError(ErrUnresolvedTarget, f.states[srcId].path, "transition on %s targets a state not built into this machine", f.states[srcId].path))
		return
	}

	switch {
	case t.internal:
		if t.history != HistoryNone {
			f.fail(newBuildError(ErrMalformedPath, f.states[srcId].path, "transition on %s: Internal transitions can not use History", f.states[srcId].path))
		}
		nt.targetKind = targetInternal
		nt.targetId = srcId
	case t.history == HistoryShallow:
		if f.states[targetId].kind != KindComposite {
			f.fail(newBuildError(ErrMalformedPath, f.states[srcId].path, "shallow history target %s is not composite", f.states[targetId].path))
		}
		nt.targetKind = targetShallowHistory
		nt.targetId = targetId
	case t.history == HistoryDeep:
		if f.states[targetId].kind != KindComposite {
			f.fail(newBuildError(ErrMalformedPath, f.states[srcId].path, "deep history target %s is not composite", f.states[targetId].path))
		}
		nt.targetKind = targetDeepHistory
		nt.targetId = targetId
	default:
		nt.targetKind = targetExternal
		nt.targetId = targetId
	}

	f.states[srcId].outgoing = append(f.states[srcId].outgoing, tid)
	if nt.kind == triggerAfter || nt.kind == triggerAt || nt.kind == triggerEvery || nt.kind == triggerWhen {
		f.states[srcId].timedTriggers = append(f.states[srcId].timedTriggers, tid)
	}
	f.trans = append(f.trans, nt)
}

// validateChoices checks that every Choice state's transitions are all
// Completion transitions and that exactly one default (unguarded) exists.
func (f *finalizer[E]) validateChoices() {
	for i := range f.states {
		if f.states[i].kind != KindChoice {
			continue
		}
		path := f.states[i].path
		hasDefault := false
		for _, tid := range f.states[i].outgoing {
			t := &f.trans[tid]
			if t.kind != triggerCompletion {
				f.fail(newBuildError(ErrChoiceInvalidTransition, path, "choice state %s has a non-completion transition", path))
				continue
			}
			if t.guard == nil {
				if hasDefault {
					f.fail(newBuildError(ErrAmbiguousTarget, path, "choice state %s has more than one default (unguarded) transition", path))
				}
				hasDefault = true
			}
		}
		if !hasDefault {
			f.fail(newBuildError(ErrChoiceNoDefault, path, "choice state %s must have exactly one default (unguarded) transition", path))
		}
	}
}

// validateInitials requires every composite to declare an initial
// sub-state. Unlike spec.md's permissive "reachable only via history"
// carve-out, this mirrors the teacher's unconditional rule (every
// composite must be able to enter deterministically); see DESIGN.md.
func (f *finalizer[E]) validateInitials() {
	for i := range f.states {
		if f.states[i].kind == KindComposite && f.states[i].initialTarget == noState {
			f.fail(newBuildError(ErrMissingInitial, f.states[i].path, "composite state %s must have an initial sub-state", f.states[i].path))
		}
	}
}

// Finalize walks the authored tree once and emits an immutable
// NormalizedModel. It returns a *BuildError if the tree is malformed.
// Finalize must be called exactly once per StateMachine.
func (sm *StateMachine[E]) Finalize() (*NormalizedModel[E], error) {
	f := &finalizer[E]{
		sm:       sm,
		in:       newInterner(),
		byPtr:    make(map[*State[E]]StateId),
		eventIds: make(map[string]EventId),
	}

	f.assignIds(&sm.top, noState, 0)
	if len(f.errs) > 0 {
		return nil, f.errs[0]
	}

	for i := range f.states {
		f.buildState(StateId(i))
	}
	if len(f.errs) > 0 {
		return nil, f.errs[0]
	}

	f.validateChoices()
	f.validateInitials()
	if len(f.errs) > 0 {
		return nil, f.errs[0]
	}

	ancestors := make([][]StateId, len(f.states))
	for i := range f.states {
		var chain []StateId
		for p := f.states[i].parentId; p != noState; p = f.states[p].parentId {
			chain = append([]StateId{p}, chain...)
		}
		ancestors[i] = chain
	}

	m := &NormalizedModel[E]{
		states:        f.states,
		transitions:   f.trans,
		eventIds:      f.eventIds,
		eventNames:    f.eventRev,
		rootId:        0,
		ancestorsOf:   ancestors,
		interner:      f.in,
		deferCapacity: sm.deferCapacity,
		provider:      sm.provider,
		pollInterval:  sm.pollInterval,
		onDiagnostic:  sm.onDiagnostic,
	}
	return m, nil
}
