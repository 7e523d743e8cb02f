package hsm

// This test reproduces the example state machine from Miro Samek's book
// "Practical Statecharts in C/C++", p. 95 (https://www.state-machine.com/doc/PSiCC.pdf),
// a standard cross-check for hierarchical-state-machine implementations:
// nested composites, a guarded internal self-transition, a guarded
// external self-transition with an effect, and LCA-anchored transitions
// declared several levels above the active leaf.

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type samekExt struct {
	foo bool
	buf bytes.Buffer
}

func buildSamek() (*NormalizedModel[*samekExt], error) {
	sm := NewMachine[*samekExt]("top")

	trace := func(txt string) func(Event, *samekExt) {
		return func(_ Event, e *samekExt) {
			e.buf.WriteString(txt)
			e.buf.WriteByte('\n')
		}
	}

	s0 := sm.State("s0").Entry("enter s0", trace("enter s0")).Exit("exit s0", trace("exit s0")).Initial().Build()
	s1 := s0.State("s1").Initial().Entry("enter s1", trace("enter s1")).Exit("exit s1", trace("exit s1")).Build()
	s11 := s1.State("s11").Initial().Entry("enter s11", trace("enter s11")).Exit("exit s11", trace("exit s11")).Build()
	s2 := s0.State("s2").Entry("enter s2", trace("enter s2")).Exit("exit s2", trace("exit s2")).Build()
	s21 := s2.State("s21").Initial().Entry("enter s21", trace("enter s21")).Exit("exit s21", trace("exit s21")).Build()
	s211 := s21.State("s211").Initial().Entry("enter s211", trace("enter s211")).Exit("exit s211", trace("exit s211")).Build()

	s0.On("E", s211).Build()

	s1.On("D", s0).Build()
	s1.On("A", s1).Build()
	s1.On("C", s2).Build()

	s11.On("H", s11).Internal().Guard("is foo", func(_ Event, e *samekExt) bool { return e.foo }).Build()
	s11.On("G", s211).Build()

	s2.On("C", s1).Build()
	s2.On("F", s11).Build()

	s21.On("H", s21).
		Guard("not foo", func(_ Event, e *samekExt) bool { return !e.foo }).
		Action("set foo", func(_ Event, e *samekExt) { e.foo = true }).
		Build()

	return sm.Finalize()
}

func TestHsmSamek(t *testing.T) {
	m, err := buildSamek()
	require.NoError(t, err)

	ext := &samekExt{}
	inst := New(m, ext)
	require.NoError(t, inst.Start())
	defer inst.Stop()

	ext.buf.WriteString("event A\n")
	require.NoError(t, inst.Dispatch(Event{Name: "A"}))

	ext.buf.WriteString("event Ext\n")
	require.NoError(t, inst.Dispatch(Event{Name: "E"}))

	ext.buf.WriteString("event Ext\n")
	require.NoError(t, inst.Dispatch(Event{Name: "E"}))

	ext.buf.WriteString("event A\n")
	require.NoError(t, inst.Dispatch(Event{Name: "A"}))

	ext.buf.WriteString("event H\n")
	require.NoError(t, inst.Dispatch(Event{Name: "H"}))

	ext.buf.WriteString("event H\n")
	require.NoError(t, inst.Dispatch(Event{Name: "H"}))

	want := `enter s0
enter s1
enter s11
event A
exit s11
exit s1
enter s1
enter s11
event Ext
exit s11
exit s1
enter s2
enter s21
enter s211
event Ext
exit s211
exit s21
exit s2
enter s2
enter s21
enter s211
event A
event H
exit s211
exit s21
enter s21
enter s211
event H
`
	assert.Equal(t, want, ext.buf.String())
}

func BenchmarkHsmSamek(b *testing.B) {
	m, err := buildSamek()
	require.NoError(b, err)

	for i := 0; i < b.N; i++ {
		ext := &samekExt{}
		inst := New(m, ext)
		_ = inst.Start()

		_ = inst.Dispatch(Event{Name: "A"})
		_ = inst.Dispatch(Event{Name: "E"})
		_ = inst.Dispatch(Event{Name: "E"})
		_ = inst.Dispatch(Event{Name: "A"})
		_ = inst.Dispatch(Event{Name: "H"})
		_ = inst.Dispatch(Event{Name: "H"})

		inst.Stop()
	}
}
