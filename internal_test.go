package hsm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestErrFinalHasBehavior exercises a Finalize invariant (spec.md §3: a
// Final state carries no entry/exit/activity/defer) that the public
// builder API cannot itself construct — Final returns a *State[E] with no
// Entry/Exit/Activity/Defer methods attached. White-box, in-package test
// so the normalizer's check is still exercised.
func TestErrFinalHasBehavior(t *testing.T) {
	sm := NewMachine[struct{}]("top")
	done := sm.Final("done")
	done.entry = func(Event, struct{}) {}

	_, err := sm.Finalize()
	require.Error(t, err)
	var be *BuildError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, ErrFinalHasBehavior, be.Kind)
}

// TestErrNameCollision drives the interner's collision branch directly,
// since producing a genuine FNV-1a collision between two chosen strings
// isn't practical in a unit test.
func TestErrNameCollision(t *testing.T) {
	in := newInterner()

	_, err := in.intern("a")
	require.NoError(t, err)

	h := hashString("b")
	in.hashToName[h] = "already-claimed"

	_, err = in.intern("b")
	require.Error(t, err)
	var be *BuildError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, ErrNameCollision, be.Kind)
}
