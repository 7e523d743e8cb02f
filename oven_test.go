package hsm_test

import (
	"fmt"
	"testing"

	hsm "github.com/latticefsm/hsm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestOven walks through an oven example: a history-returning door, a Baking/Off sub-machine, a guarded effect, and
// termination into a top-level Final state once the door has broken.
func TestOven(t *testing.T) {
	// extended state tracks how many times the oven door was opened.
	type eState struct {
		opened int
	}

	sm := hsm.NewMachine[*eState]("Oven")

	heatingOn := func(e hsm.Event, s *eState) { fmt.Println("Heating On") }
	heatingOff := func(e hsm.Event, s *eState) { fmt.Println("Heating Off") }
	lightOn := func(e hsm.Event, s *eState) { s.opened++; fmt.Println("Light On") }
	lightOff := func(e hsm.Event, s *eState) { fmt.Println("Light Off") }
	dying := func(e hsm.Event, s *eState) { fmt.Println("Giving up the ghost") }

	isBroken := func(e hsm.Event, s *eState) bool { return s.opened == 100 }
	isNotBroken := func(e hsm.Event, s *eState) bool { return !isBroken(e, s) }

	doorOpen := sm.State("DoorOpen").Entry("light_on", lightOn).Exit("light_off", lightOff).Build()
	doorClosed := sm.State("DoorClosed").Initial().Build()
	baking := doorClosed.State("Baking").Entry("heating_on", heatingOn).Exit("heating_off", heatingOff).Build()
	off := doorClosed.State("Off").Initial().Build()
	terminated := sm.Final("Terminated")

	doorClosed.On("open", doorOpen).Guard("not broken", isNotBroken).Build()
	doorClosed.On("open", terminated).Guard("broken", isBroken).Action("dying", dying).Build()

	// Returning from an open door restores whichever sub-state we were in.
	doorOpen.On("close", doorClosed).History(hsm.HistoryShallow).Build()
	baking.On("off", off).Build()
	off.On("bake", baking).Build()

	m, err := sm.Finalize()
	require.NoError(t, err)

	ext := &eState{}
	inst := hsm.New(m, ext)
	require.NoError(t, inst.Start())
	defer inst.Stop()

	assert.Equal(t, "/Oven/DoorClosed/Off", inst.State())

	require.NoError(t, inst.Dispatch(hsm.Event{Name: "bake"}))
	assert.Equal(t, "/Oven/DoorClosed/Baking", inst.State())

	require.NoError(t, inst.Dispatch(hsm.Event{Name: "open"}))
	assert.Equal(t, "/Oven/DoorOpen", inst.State())

	require.NoError(t, inst.Dispatch(hsm.Event{Name: "close"}))
	assert.Equal(t, "/Oven/DoorClosed/Baking", inst.State())

	for i := 0; i < 99; i++ {
		require.NoError(t, inst.Dispatch(hsm.Event{Name: "open"}))
		require.NoError(t, inst.Dispatch(hsm.Event{Name: "close"}))
	}
	assert.Equal(t, 100, ext.opened)
	assert.Equal(t, "/Oven/DoorClosed/Baking", inst.State())

	// The next door-open breaks the oven and the machine terminates.
	require.NoError(t, inst.Dispatch(hsm.Event{Name: "open"}))
	assert.Equal(t, "/Oven/Terminated", inst.State())

	// Further events are silently ignored once in a Final state.
	require.NoError(t, inst.Dispatch(hsm.Event{Name: "bake"}))
	assert.Equal(t, "/Oven/Terminated", inst.State())
}
