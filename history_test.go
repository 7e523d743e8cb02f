package hsm_test

import (
	"testing"

	hsm "github.com/latticefsm/hsm"
	"github.com/stretchr/testify/require"
)

func buildHistoryMachine(t *testing.T) *hsm.NormalizedModel[struct{}] {
	sm := hsm.NewMachine[struct{}]("top")
	stA := sm.State("A").Build()
	stA1 := stA.State("A1").Build()
	stA.State("A2").Initial().Build()
	stA11 := stA1.State("A11").Build()
	stA12 := stA1.State("A12").Initial().Build()
	stB := sm.State("B").Initial().Build()

	stA.On("B", stB).Build()
	stB.On("Ashallow", stA).History(hsm.HistoryShallow).Build()
	stB.On("Adeep", stA).History(hsm.HistoryDeep).Build()
	stB.On("A1", stA1).Build()
	stB.On("A11", stA11).Build()
	stB.On("A12", stA12).Build()

	m, err := sm.Finalize()
	require.NoError(t, err)
	return m
}

// TestHistory exercises both shallow and deep history resolution,
// including the no-history-recorded-yet fallback to the composite's
// default initial chain (spec.md §4.4).
func TestHistory(t *testing.T) {
	tests := []struct {
		name       string
		events     []string
		finalState string
	}{
		{
			name:       "no history yet falls back to default initial (shallow)",
			events:     []string{"Ashallow"},
			finalState: "/top/A/A2",
		},
		{
			name:       "no history yet falls back to default initial (deep)",
			events:     []string{"Adeep"},
			finalState: "/top/A/A2",
		},
		{
			name:       "shallow history restores last direct child, re-descends via its initial",
			events:     []string{"A11", "B", "Ashallow"},
			finalState: "/top/A/A1/A12",
		},
		{
			name:       "shallow history recorded at top level",
			events:     []string{"Ashallow", "B", "Ashallow"},
			finalState: "/top/A/A2",
		},
		{
			name:       "deep history restores exact leaf",
			events:     []string{"A11", "B", "Adeep"},
			finalState: "/top/A/A1/A11",
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			m := buildHistoryMachine(t)
			inst := hsm.New(m, struct{}{})
			require.NoError(t, inst.Start())
			defer inst.Stop()
			require.Equal(t, "/top/B", inst.State())

			for _, ev := range test.events {
				require.NoError(t, inst.Dispatch(hsm.Event{Name: ev}))
			}
			require.Equal(t, test.finalState, inst.State())
		})
	}
}
