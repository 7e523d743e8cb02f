package hsm

import (
	"fmt"
	"strings"
)

// diagram.go renders a NormalizedModel as a PlantUML state diagram,
// adapted from the teacher's live-tree exporter to walk the flat,
// finalized tables instead (ids, names, paths) so a diagram can be
// produced for any Instance's model without holding onto the authored
// *State[E] tree.

type diagEdge struct{ src, dst StateId }

// DiagramBuilder allows minor customizations of PlantUML layout before
// rendering. Create one with NormalizedModel.DiagramBuilder.
type DiagramBuilder[E any] struct {
	m            *NormalizedModel[E]
	defaultArrow string
	arrows       map[diagEdge]string
}

// DiagramBuilder creates a builder for customizing the PlantUML diagram
// before rendering it.
func (m *NormalizedModel[E]) DiagramBuilder() *DiagramBuilder[E] {
	return &DiagramBuilder[E]{m: m, defaultArrow: "-->", arrows: make(map[diagEdge]string)}
}

// DefaultArrow changes the arrow style used for transitions not
// overridden by Arrow. The default is "-->".
func (db *DiagramBuilder[E]) DefaultArrow(arrow string) *DiagramBuilder[E] {
	db.defaultArrow = arrow
	return db
}

// Arrow overrides the arrow style used for every transition from src to
// dst. See https://crashedmind.github.io/PlantUMLHitchhikersGuide/layout/layout.html
// for available styles.
func (db *DiagramBuilder[E]) Arrow(src, dst StateId, arrow string) *DiagramBuilder[E] {
	db.arrows[diagEdge{src, dst}] = arrow
	return db
}

func (db *DiagramBuilder[E]) arrowFor(src, dst StateId) string {
	if a, ok := db.arrows[diagEdge{src, dst}]; ok {
		return a
	}
	return db.defaultArrow
}

// childrenOf groups state ids by parent for diagram traversal, since
// NormalizedModel stores only parent pointers.
func childrenOf[E any](m *NormalizedModel[E]) map[StateId][]StateId {
	out := make(map[StateId][]StateId)
	for i := range m.states {
		id := StateId(i)
		p := m.states[id].parentId
		if p != noState {
			out[p] = append(out[p], id)
		}
	}
	return out
}

func triggerLabel[E any](m *NormalizedModel[E], t *normTransition[E]) string {
	var base string
	switch t.kind {
	case triggerEvent:
		base = m.eventNames[t.eventId]
	case triggerAny:
		base = "*"
	case triggerAfter:
		base = "after"
	case triggerAt:
		base = "at"
	case triggerEvery:
		base = "every"
	case triggerWhen:
		base = "when"
	case triggerCompletion:
		base = ""
	}
	if t.guardName != "" {
		base += " [" + t.guardName + "]"
	}
	if t.actionName != "" {
		base += " / " + t.actionName
	}
	return base
}

// behaviorLabel returns the authored behavior name if one was given via
// Entry/Exit/Action (a plain string, not the default unnamed closure
// form), falling back to the generic keyword.
func behaviorLabel(name, fallback string) string {
	if name == "" {
		return fallback
	}
	return name
}

func historySuffix(tk targetKind) string {
	switch tk {
	case targetShallowHistory:
		return "[H]"
	case targetDeepHistory:
		return "[H*]"
	default:
		return ""
	}
}

// Build renders the diagram as a PlantUML source string.
func (db *DiagramBuilder[E]) Build() string {
	m := db.m
	children := childrenOf(m)

	var bld, bldTrans strings.Builder

	var dump func(indent int, s StateId)
	dump = func(indent int, s StateId) {
		ns := &m.states[s]
		prefix := strings.Repeat("   ", indent)
		alias := stateAlias(s)

		if ns.name == alias {
			fmt.Fprintf(&bld, "%sstate %s", prefix, alias)
		} else {
			fmt.Fprintf(&bld, "%sstate \"%s\" as %s", prefix, ns.name, alias)
		}

		kids := children[s]
		if len(kids) > 0 {
			bld.WriteString(" {\n")
			for _, c := range kids {
				dump(indent+1, c)
			}
			bld.WriteString(prefix)
			bld.WriteString("}")
		}
		bld.WriteString("\n")

		if ns.entry != nil {
			fmt.Fprintf(&bld, "%s%s : entry / %s\n", prefix, alias, behaviorLabel(ns.entryName, "entry"))
		}
		if ns.exit != nil {
			fmt.Fprintf(&bld, "%s%s : exit / %s\n", prefix, alias, behaviorLabel(ns.exitName, "exit"))
		}
		if ns.initialTarget != noState {
			fmt.Fprintf(&bld, "%s[*] --> %s\n", prefix, stateAlias(ns.initialTarget))
		}

		type labelKey struct {
			dst  StateId
			hist string
		}
		byDst := make(map[labelKey][]string)

		for _, tid := range ns.outgoing {
			t := &m.transitions[tid]
			if t.targetKind == targetInternal {
				fmt.Fprintf(&bld, "%s%s : %s\n", prefix, alias, triggerLabel(m, t))
				continue
			}
			key := labelKey{dst: t.targetId, hist: historySuffix(t.targetKind)}
			byDst[key] = append(byDst[key], triggerLabel(m, t))
		}

		for key, labels := range byDst {
			fmt.Fprintf(&bldTrans, "%s %s %s%s : %s\n", alias, db.arrowFor(s, key.dst), stateAlias(key.dst), key.hist, strings.Join(labels, "\\n"))
		}
	}

	bld.WriteString("@startuml\n\n")
	for _, top := range children[m.rootId] {
		dump(0, top)
	}
	bld.WriteString(bldTrans.String())
	bld.WriteString("\n@enduml\n")
	return bld.String()
}

// stateAlias derives a PlantUML-safe identifier from a StateId. Every
// state, Final states included, gets an "s<id>" alias; Final states are not
// rendered as PlantUML's [*] terminal marker.
func stateAlias(s StateId) string {
	return fmt.Sprintf("s%d", s)
}

// DiagramPUML is shorthand for m.DiagramBuilder().Build().
func (m *NormalizedModel[E]) DiagramPUML() string {
	return m.DiagramBuilder().Build()
}
