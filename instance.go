package hsm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	orderedmap "github.com/wk8/go-ordered-map/v2"
	"golang.org/x/sync/errgroup"
)

// Instance is the Dispatch Core (DC): a single-threaded event loop
// serializing external dispatches and re-entrant re-dispatches (timer
// completions, activity completions) against one machine instance's
// runtime state (spec.md §4.8). Create one with New, drive its initial
// configuration with Start, then call Dispatch for every event.
type Instance[E any] struct {
	model *NormalizedModel[E]
	ext   E

	activeLeaf     StateId
	historyShallow *orderedmap.OrderedMap[StateId, StateId]
	historyDeep    *orderedmap.OrderedMap[StateId, StateId]
	deferred       *deferQueue

	timerSignals      map[StateId]*signal
	activitiesPending map[StateId]int

	group    *errgroup.Group
	groupCtx context.Context
	cancel   context.CancelFunc

	faulted error

	reqCh      chan loopMsg
	stopped    *signal
	stopOnce   sync.Once
	atomicLeaf atomic.Int32
	started    bool
}

type loopMsgKind int

const (
	msgStart loopMsgKind = iota
	msgDispatch
	msgTimerFire
	msgActivityDone
	msgWorkerFault
)

type loopMsg struct {
	kind loopMsgKind

	event Event

	transitionID TransitionId
	stateID      StateId
	sig          *signal
	err          error

	reply chan error
}

// New creates an Instance bound to a normalized model and an extended
// state value. Call Start before dispatching any events.
func New[E any](m *NormalizedModel[E], ext E) *Instance[E] {
	ctx, cancel := context.WithCancel(context.Background())
	group, gctx := errgroup.WithContext(ctx)
	return &Instance[E]{
		model:             m,
		ext:               ext,
		historyShallow:    orderedmap.New[StateId, StateId](),
		historyDeep:       orderedmap.New[StateId, StateId](),
		deferred:          newDeferQueue(m.deferCapacity),
		timerSignals:      make(map[StateId]*signal),
		activitiesPending: make(map[StateId]int),
		group:             group,
		groupCtx:          gctx,
		cancel:            cancel,
		reqCh:             make(chan loopMsg, 16),
		stopped:           newSignal(),
	}
}

// Start launches the dispatch loop and has it drive the initial entry from
// the model root through nested initial/choice chains, running entry
// behaviors shallowest-first and arming any timers/activities along the
// way. It returns once the first stable configuration is reached.
func (ins *Instance[E]) Start() error {
	if ins.started {
		return nil
	}
	ins.started = true
	ins.group.Go(func() error {
		ins.loop()
		return nil
	})

	reply := make(chan error, 1)
	ins.reqCh <- loopMsg{kind: msgStart, reply: reply}
	return <-reply
}

func (ins *Instance[E]) loop() {
	for !ins.stopped.isSet() {
		select {
		case msg := <-ins.reqCh:
			err := ins.handle(msg)
			if msg.reply != nil {
				msg.reply <- err
			}
		case <-ins.groupCtx.Done():
		}
	}
}

func (ins *Instance[E]) handle(msg loopMsg) (err error) {
	defer ins.recoverFault(&err)
	if ins.faulted != nil {
		return &Faulted{Cause: ins.faulted}
	}
	switch msg.kind {
	case msgStart:
		ins.runStart()
	case msgDispatch:
		ins.dispatchOne(msg.event)
		ins.stabilize()
	case msgTimerFire:
		if msg.sig.isSet() {
			return nil // stale: the owning state has since exited
		}
		t := &ins.model.transitions[msg.transitionID]
		ev := Event{Name: "$timer"}
		if t.guard == nil || t.guard(ev, ins.ext) {
			ins.executeTransition(msg.transitionID, ev)
			ins.stabilize()
		}
	case msgActivityDone:
		if msg.sig.isSet() {
			return nil
		}
		if n := ins.activitiesPending[msg.stateID]; n > 0 {
			ins.activitiesPending[msg.stateID] = n - 1
		}
		ins.stabilize()
	case msgWorkerFault:
		ins.faulted = msg.err
		ins.emitDiagnostic(DiagWorkerFault, Event{}, msg.err.Error()+ins.historySnapshot())
		ins.cancel()
		return &Faulted{Cause: msg.err}
	}
	return nil
}

func (ins *Instance[E]) runStart() {
	initEvent := Event{Name: EventInit}
	target := ins.descendInitial(ins.model.rootId, initEvent)
	entries := append([]StateId{ins.model.rootId}, entryPath(ins.model, ins.model.rootId, target)...)
	for _, s := range entries {
		ins.enterState(s, initEvent)
	}
	ins.setActiveLeaf(target)
	ins.stabilize()
}

func (ins *Instance[E]) recoverFault(errp *error) {
	if r := recover(); r != nil {
		cause := panicToError(r)
		ins.faulted = cause
		ins.emitDiagnostic(DiagWorkerFault, Event{}, cause.Error())
		ins.cancel()
		*errp = &Faulted{Cause: cause}
	}
}

// recoverWorker is deferred by every timer worker closure spawned through
// Provider.Spawn, which runs user-supplied duration/predicate functions.
// Activity workers recover inside spawnActivity instead and call
// postWorkerFault directly. Unlike recoverFault, which only guards the
// dispatch-loop goroutine, this guards worker goroutines: a panic there
// would otherwise crash the process instead of condemning the instance
// (spec.md §7).
func (ins *Instance[E]) recoverWorker() {
	if r := recover(); r != nil {
		ins.postWorkerFault(panicToError(r))
	}
}

// postWorkerFault hands a worker panic back to the single-threaded loop,
// symmetric with postTimerFire.
func (ins *Instance[E]) postWorkerFault(err error) {
	select {
	case ins.reqCh <- loopMsg{kind: msgWorkerFault, err: err}:
	case <-ins.stopped.Done():
	}
}

func panicToError(r any) error {
	if err, ok := r.(error); ok {
		return err
	}
	return &panicValue{v: r}
}

type panicValue struct{ v any }

func (p *panicValue) Error() string {
	if s, ok := p.v.(string); ok {
		return "panic: " + s
	}
	if e, ok := p.v.(error); ok {
		return "panic: " + e.Error()
	}
	return "panic: non-string value"
}

// Dispatch enqueues event ev for processing and blocks until the
// dispatcher has returned the instance to a stable configuration
// (spec.md §6.3). Safe to call concurrently; calls are serialized by the
// loop in arrival order.
func (ins *Instance[E]) Dispatch(ev Event) error {
	if ins.stopped.isSet() {
		return errStopped
	}
	reply := make(chan error, 1)
	select {
	case ins.reqCh <- loopMsg{kind: msgDispatch, event: ev, reply: reply}:
	case <-ins.stopped.Done():
		return errStopped
	}
	return <-reply
}

// State returns the active leaf's absolute diagnostic path. Safe to call
// from any goroutine.
func (ins *Instance[E]) State() string {
	id := StateId(ins.atomicLeaf.Load())
	return ins.model.states[id].path
}

// Stop cancels all armed timers and running activities and blocks until
// the dispatch loop has fully exited. Idempotent.
func (ins *Instance[E]) Stop() {
	ins.stopOnce.Do(func() {
		ins.stopped.set()
		ins.cancel()
		_ = ins.group.Wait()
	})
}

// historySnapshot renders the recorded shallow/deep history entries, in
// insertion order, for inclusion in a fault diagnostic. Must only be
// called from the dispatch-loop goroutine, since the history maps are
// otherwise mutated without synchronization.
func (ins *Instance[E]) historySnapshot() string {
	if ins.historyShallow.Len() == 0 && ins.historyDeep.Len() == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("; history:")
	for pair := ins.historyShallow.Oldest(); pair != nil; pair = pair.Next() {
		fmt.Fprintf(&b, " %s(shallow)->%s", ins.model.states[pair.Key].path, ins.model.states[pair.Value].path)
	}
	for pair := ins.historyDeep.Oldest(); pair != nil; pair = pair.Next() {
		fmt.Fprintf(&b, " %s(deep)->%s", ins.model.states[pair.Key].path, ins.model.states[pair.Value].path)
	}
	return b.String()
}

func (ins *Instance[E]) setActiveLeaf(s StateId) {
	ins.activeLeaf = s
	ins.atomicLeaf.Store(int32(s))
}

func (ins *Instance[E]) emitDiagnostic(kind DiagnosticKind, ev Event, msg string) {
	if ins.model.onDiagnostic != nil {
		ins.model.onDiagnostic(Diagnostic{Kind: kind, Event: ev.Name, Message: msg})
	}
}

// errStopped is returned by Dispatch once Stop has been called.
var errStopped = errors.New("hsm: instance stopped")

// --- Selecting / ExecutingTransition (spec.md §4.8) ---

func (ins *Instance[E]) dispatchOne(ev Event) {
	if tid, ok := findEventTransition(ins.model, ins.activeLeaf, ev, ins.ext); ok {
		ins.executeTransition(tid, ev)
		return
	}
	if isDeferred(ins.model, ins.activeLeaf, ev.Name) {
		if !ins.deferred.push(ev) {
			ins.emitDiagnostic(DiagDeferralOverflow, ev, "deferred-event queue full, event dropped")
		}
	}
}

func (ins *Instance[E]) executeTransition(tid TransitionId, ev Event) {
	t := &ins.model.transitions[tid]
	if t.targetKind == targetInternal {
		if t.action != nil {
			t.action(ev, ins.ext)
		}
		return
	}

	targetLeaf := ins.resolveTargetLeaf(t.targetId, t.targetKind, ev)

	var anchor StateId
	if t.targetId == t.sourceId || isAncestor(ins.model, t.targetId, t.sourceId) {
		// Self-transition, or the authored target (before any history/initial
		// descent) is an ancestor of the declaring source. Either way the
		// target sits on the source's active path, so computing the anchor
		// against targetLeaf (which may re-descend back through that same
		// path, e.g. a deeply nested initial chain) would wrongly narrow the
		// boundary. UML external-transition semantics force a full exit and
		// re-entry of the target itself here, so the anchor is always the
		// target's parent.
		anchor = ins.model.states[t.targetId].parentId
	} else {
		// Widen the anchor to cover targetLeaf as well: a Choice target can
		// resolve to a leaf outside the choice's own subtree.
		anchor = lca(ins.model, lca(ins.model, t.sourceId, t.targetId), targetLeaf)
	}

	leafAtStart := ins.activeLeaf
	for _, s := range exitPath(ins.model, ins.activeLeaf, anchor) {
		ins.exitState(s, ev, leafAtStart)
	}
	if t.action != nil {
		t.action(ev, ins.ext)
	}
	for _, s := range entryPath(ins.model, anchor, targetLeaf) {
		ins.enterState(s, ev)
	}
	ins.setActiveLeaf(targetLeaf)
}

// resolveTargetLeaf applies the history/initial-chain rules for a
// transition's static target (spec.md §4.4).
func (ins *Instance[E]) resolveTargetLeaf(raw StateId, tk targetKind, ev Event) StateId {
	switch tk {
	case targetShallowHistory:
		if child, ok := ins.historyShallow.Get(raw); ok {
			return ins.descendInitial(child, ev)
		}
		return ins.descendInitial(raw, ev)
	case targetDeepHistory:
		if leaf, ok := ins.historyDeep.Get(raw); ok {
			return leaf
		}
		return ins.descendInitial(raw, ev)
	default:
		return ins.descendInitial(raw, ev)
	}
}

// descendInitial resolves s to a concrete leaf: leaves and finals resolve
// to themselves; composites descend via their initial sub-state,
// recursively; choice states resolve their completion transition
// (guards evaluated against the current extended state) and recurse into
// its target (spec.md §4.2/§4.4 — Choice states never appear in a stable
// configuration).
func (ins *Instance[E]) descendInitial(s StateId, ev Event) StateId {
	ns := &ins.model.states[s]
	switch ns.kind {
	case KindLeaf, KindFinal:
		return s
	case KindChoice:
		tid, ok := findCompletionTransition(ins.model, s, ins.ext)
		if !ok {
			return s // unreachable: Finalize guarantees a default transition
		}
		t := &ins.model.transitions[tid]
		return ins.resolveTargetLeaf(t.targetId, t.targetKind, ev)
	default:
		return ins.descendInitial(ns.initialTarget, ev)
	}
}

func (ins *Instance[E]) exitState(s StateId, ev Event, leafAtStart StateId) {
	ns := &ins.model.states[s]
	ins.cancelTimersAndActivities(s)
	if ns.parentId != noState {
		ins.historyShallow.Set(ns.parentId, s)
		ins.historyDeep.Set(ns.parentId, leafAtStart)
	}
	if ns.exit != nil {
		ns.exit(ev, ins.ext)
	}
}

func (ins *Instance[E]) enterState(s StateId, ev Event) {
	ns := &ins.model.states[s]
	if ns.entry != nil {
		ns.entry(ev, ins.ext)
	}
	ins.armState(s, ns)
}

// --- Stabilizing (spec.md §4.8): completion chains then deferral replay ---

func (ins *Instance[E]) stabilize() {
	for {
		if tid, ok := ins.completionEligible(); ok {
			ins.executeTransition(tid, Event{Name: EventCompletion})
			continue
		}
		if !ins.replayDeferred() {
			return
		}
	}
}

// completionEligible scans ancestors of the active leaf, innermost first,
// for a composite whose active child is Final with no pending activities
// along the path, and which has an eligible completion transition
// (spec.md §4.5, §9 Open Question 3: innermost-first resolution).
func (ins *Instance[E]) completionEligible() (TransitionId, bool) {
	for _, anc := range ins.ancestorChainInnerFirst(ins.activeLeaf) {
		if ins.model.states[anc].kind != KindComposite {
			continue
		}
		if !ins.childIsFinalAndQuiescent(anc) {
			continue
		}
		if tid, ok := findCompletionTransition(ins.model, anc, ins.ext); ok {
			return tid, true
		}
	}
	return noTransition, false
}

// ancestorChainInnerFirst returns s's ancestors, innermost (parent) first.
func (ins *Instance[E]) ancestorChainInnerFirst(s StateId) []StateId {
	full := ins.model.ancestorsOf[s] // root-first
	out := make([]StateId, len(full))
	for i, a := range full {
		out[len(full)-1-i] = a
	}
	return out
}

// childIsFinalAndQuiescent reports whether the active-config child of
// composite reaches a Final state with zero pending activities anywhere
// from composite down to the active leaf.
func (ins *Instance[E]) childIsFinalAndQuiescent(composite StateId) bool {
	if ins.activitiesPending[composite] > 0 {
		return false
	}
	cur := ins.activeLeaf
	for cur != composite {
		if ins.activitiesPending[cur] > 0 {
			return false
		}
		parent := ins.model.states[cur].parentId
		if parent == composite {
			return ins.model.states[cur].kind == KindFinal
		}
		if parent == noState {
			return false
		}
		cur = parent
	}
	return false
}

func (ins *Instance[E]) replayDeferred() bool {
	n := ins.deferred.drainBudget()
	replayed := false
	for i := 0; i < n; i++ {
		ev := ins.deferred.pop()
		if tid, ok := findEventTransition(ins.model, ins.activeLeaf, ev, ins.ext); ok {
			ins.executeTransition(tid, ev)
			replayed = true
		} else if isDeferred(ins.model, ins.activeLeaf, ev.Name) {
			ins.deferred.push(ev)
		}
	}
	return replayed
}
