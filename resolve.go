package hsm

// resolve.go implements the Transition Resolver (TRS) and the
// model-level half of the Path Computer (PATH): priority-ordered
// candidate selection, lowest-common-ancestor computation, and the
// exit/entry path derivation (spec.md §4.3, §4.4). The instance-level
// half of PATH — resolving a target spec to a concrete leaf, which needs
// per-instance history state and the extended state for choice guards —
// lives in instance.go alongside the Dispatch Core that drives it.

// findEventTransition walks from leaf toward the root scanning each
// state's outgoing transitions in authoring order, returning the first
// whose trigger matches ev and whose guard (if any) passes. Because the
// walk starts at leaf, a matching transition on a deeper state is found
// before any on an ancestor (child override), matching spec.md §4.3 rule 3.
func findEventTransition[E any](m *NormalizedModel[E], leaf StateId, ev Event, inst E) (TransitionId, bool) {
	for s := leaf; s != noState; s = m.states[s].parentId {
		for _, tid := range m.states[s].outgoing {
			t := &m.transitions[tid]
			if t.kind != triggerEvent && t.kind != triggerAny {
				continue
			}
			if t.kind == triggerEvent && m.eventNames[t.eventId] != ev.Name {
				continue
			}
			if t.guard != nil && !t.guard(ev, inst) {
				continue
			}
			return tid, true
		}
	}
	return noTransition, false
}

// findCompletionTransition returns the first applicable completion
// transition declared directly on state s (not searched up the ancestor
// chain: completion transitions are only resolved against the exact state
// that has completed).
func findCompletionTransition[E any](m *NormalizedModel[E], s StateId, inst E) (TransitionId, bool) {
	ev := Event{Name: EventCompletion}
	for _, tid := range m.states[s].outgoing {
		t := &m.transitions[tid]
		if t.kind != triggerCompletion {
			continue
		}
		if t.guard != nil && !t.guard(ev, inst) {
			continue
		}
		return tid, true
	}
	return noTransition, false
}

// isDeferred reports whether event name ev is declared deferred by any
// state in the active configuration (leaf plus all its ancestors).
func isDeferred[E any](m *NormalizedModel[E], leaf StateId, ev string) bool {
	id, ok := m.eventIds[ev]
	if !ok {
		return false
	}
	for s := leaf; s != noState; s = m.states[s].parentId {
		if _, ok := m.states[s].deferredEvents[id]; ok {
			return true
		}
	}
	return false
}

// lca returns the lowest common ancestor of a and b. For a self-transition
// (a == b) the result is forced to a's parent, matching UML semantics for
// external self-transitions: the state must fully exit and re-enter
// rather than LCA degenerating to the state itself.
func lca[E any](m *NormalizedModel[E], a, b StateId) StateId {
	if a == b {
		return m.states[a].parentId
	}
	ancA := m.ancestorsOf[a]
	ancB := m.ancestorsOf[b]
	da, db := len(ancA), len(ancB)

	// Walk a and b up to the same depth as the shallower of the two,
	// then climb both in lockstep until they meet.
	x, y := a, b
	dx, dy := da, db
	for dx > dy {
		x = m.states[x].parentId
		dx--
	}
	for dy > dx {
		y = m.states[y].parentId
		dy--
	}
	for x != y {
		x = m.states[x].parentId
		y = m.states[y].parentId
	}
	return x
}

// exitPath returns the states from leaf up to (excluding) anchor, ordered
// deepest-first — the order exit behaviors must run in.
func exitPath[E any](m *NormalizedModel[E], leaf, anchor StateId) []StateId {
	var out []StateId
	for s := leaf; s != anchor; s = m.states[s].parentId {
		out = append(out, s)
	}
	return out
}

// entryPath returns the states from anchor (exclusive) down to target,
// ordered shallowest-first — the order entry behaviors must run in.
func entryPath[E any](m *NormalizedModel[E], anchor, target StateId) []StateId {
	var out []StateId
	for s := target; s != anchor; s = m.states[s].parentId {
		out = append(out, s)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// isAncestor reports whether a is a (possibly indirect) ancestor of b.
func isAncestor[E any](m *NormalizedModel[E], a, b StateId) bool {
	for s := m.states[b].parentId; s != noState; s = m.states[s].parentId {
		if s == a {
			return true
		}
	}
	return false
}
