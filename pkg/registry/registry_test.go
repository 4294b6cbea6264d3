package registry

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentcore-dev/engine/internal/engineerr"
)

func TestRegister_IdempotentByName(t *testing.T) {
	r := New()
	e1 := r.Register("skill-a", KindUser, "src1", "hash1", nil)
	e2 := r.Register("skill-a", KindUser, "src2", "hash2", nil)
	assert.Same(t, e1, e2, "re-registering the same name updates in place")
	assert.Equal(t, "hash2", e1.ContentHash)
}

func TestActivate_RefusedUntilDependencyActive(t *testing.T) {
	r := New()
	r.Register("base", KindUser, "s", "h", nil)
	r.Register("top", KindUser, "s", "h", nil)
	require.NoError(t, r.AddDependency("top", "base"))

	// base has no dependencies, so activating top auto-activates base too.
	require.NoError(t, r.Activate("top"))

	base, _ := r.Get("base")
	top, _ := r.Get("top")
	assert.Equal(t, StatusActive, base.Status)
	assert.Equal(t, StatusActive, top.Status)
}

func TestActivate_FailsWhenDependencyHookFails(t *testing.T) {
	r := New()
	r.Register("base", KindUser, "s", "h", nil)
	r.Register("top", KindUser, "s", "h", nil)
	require.NoError(t, r.AddDependency("top", "base"))

	r.AddActivationHook("base", func(e *Entry) error {
		return errors.New("boom")
	})

	err := r.Activate("top")
	require.Error(t, err)

	top, _ := r.Get("top")
	base, _ := r.Get("base")
	assert.Equal(t, StatusRegistered, top.Status, "top's own hooks never ran, and a dependency's failure is not top's own failure")
	assert.Equal(t, StatusError, base.Status, "base's own hook is what actually failed")
}

func TestAddDependency_RejectsCycle(t *testing.T) {
	r := New()
	r.Register("a", KindUser, "s", "h", nil)
	r.Register("b", KindUser, "s", "h", nil)
	require.NoError(t, r.AddDependency("a", "b"))

	err := r.AddDependency("b", "a")
	require.Error(t, err)
	assert.ErrorIs(t, err, engineerr.ErrCyclicEdge)
}

func TestDeactivate_CascadesToDependentsFirst(t *testing.T) {
	r := New()
	r.Register("base", KindUser, "s", "h", nil)
	r.Register("mid", KindUser, "s", "h", nil)
	r.Register("top", KindUser, "s", "h", nil)
	require.NoError(t, r.AddDependency("mid", "base"))
	require.NoError(t, r.AddDependency("top", "mid"))

	require.NoError(t, r.Activate("top"))

	var order []string
	r.AddDeactivationHook("base", func(e *Entry) error { order = append(order, "base"); return nil })
	r.AddDeactivationHook("mid", func(e *Entry) error { order = append(order, "mid"); return nil })
	r.AddDeactivationHook("top", func(e *Entry) error { order = append(order, "top"); return nil })

	require.NoError(t, r.Deactivate("base"))
	assert.Equal(t, []string{"top", "mid", "base"}, order)
}

func TestHookFailure_MarksErrorWithoutAbortingOtherHooks(t *testing.T) {
	r := New()
	r.Register("a", KindUser, "s", "h", nil)

	var secondRan bool
	r.AddActivationHook("a", func(e *Entry) error { return errors.New("first fails") })
	r.AddActivationHook("a", func(e *Entry) error { secondRan = true; return nil })

	err := r.Activate("a")
	require.Error(t, err)

	// Single-hook-failure semantics: per spec this still surfaces the
	// failing hook's error, but the engine records it instead of panicking.
	e, _ := r.Get("a")
	assert.Equal(t, StatusError, e.Status)
	assert.Len(t, e.Errors, 1)
	assert.True(t, secondRan, "a failing hook does not stop the hooks registered after it")
}

func TestReset_ClearsErrorHistoryPreservesIdentity(t *testing.T) {
	r := New()
	r.Register("a", KindUser, "s", "h", nil)
	r.AddActivationHook("a", func(e *Entry) error { return errors.New("boom") })
	require.Error(t, r.Activate("a"))

	require.NoError(t, r.Reset("a"))
	e, _ := r.Get("a")
	assert.Equal(t, StatusRegistered, e.Status)
	assert.Empty(t, e.Errors)
	assert.Equal(t, "a", e.Name)
}

func TestStats_RecordOutcomeTracksRollingSuccessRatio(t *testing.T) {
	var s Stats
	s.RecordOutcome(true, 100)
	s.RecordOutcome(true, 200)
	s.RecordOutcome(false, 300)
	assert.InDelta(t, 2.0/3.0, s.SuccessRatio, 0.001)
	assert.Equal(t, int64(3), s.ExecutionCount)
}
