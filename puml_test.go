package hsm_test

import (
	"strings"
	"testing"

	hsm "github.com/latticefsm/hsm"
	"github.com/stretchr/testify/require"
)

// TestPumlExample renders a PlantUML diagram for a machine exercising
// composites, a self-transition, both history modes, and termination into
// a top-level Final, then sanity-checks the rendered text rather than
// asserting an exact byte-for-byte layout (PlantUML output is for humans
// to read, not to round-trip).
func TestPumlExample(t *testing.T) {
	sm := hsm.NewMachine[struct{}]("Pipeline")

	state1 := sm.State("State1").Initial().Build()
	state2 := sm.State("State2").Build()
	state3 := sm.State("State3").Build()
	aborted := sm.Final("Aborted")
	done := sm.Final("Done")

	accEnoughData := state3.State("AccumulateEnoughData").Initial().Build()
	accEnoughData.On("newData", accEnoughData).Build()

	processData := state3.State("ProcessData").Build()
	accEnoughData.On("enoughData", processData).Build()

	state3.On("pause", state2).Build()
	state2.On("succeeded", state3).Build()
	state2.On("resume", state3).History(hsm.HistoryShallow).Build()
	state2.On("deepResume", state3).History(hsm.HistoryDeep).Build()

	state1.On("succeeded", state2).Build()
	state3.On("failed", state3).Build()

	state1.On("aborted", aborted).Build()
	state2.On("aborted", aborted).Build()
	state3.On("aborted", aborted).Build()
	state3.On("succeeded", done).Action("Save Result", func(hsm.Event, struct{}) {}).Build()

	m, err := sm.Finalize()
	require.NoError(t, err)

	out := m.DiagramBuilder().DefaultArrow("->").Build()
	require.Contains(t, out, "@startuml")
	require.Contains(t, out, "@enduml")
	require.True(t, strings.Count(out, "pause") >= 1)
}
