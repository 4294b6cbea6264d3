package depgraph

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentcore-dev/engine/internal/engineerr"
	"github.com/agentcore-dev/engine/pkg/task"
)

func newTask(id string) *task.Task {
	t := task.New(id, id, task.ResourceRequirement{})
	t.State = task.StateQueued
	return t
}

func TestAddEdge_RejectsCycle(t *testing.T) {
	g := New()
	a, b, c := newTask("a"), newTask("b"), newTask("c")
	g.AddTask(a)
	g.AddTask(b)
	g.AddTask(c)

	_, err := g.AddEdge("a", "b", task.EdgeHard, nil)
	require.NoError(t, err)
	_, err = g.AddEdge("b", "c", task.EdgeHard, nil)
	require.NoError(t, err)

	_, err = g.AddEdge("c", "a", task.EdgeHard, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, engineerr.ErrCyclicEdge)

	// The graph must be unchanged: c must not list a as a dependent.
	order, err := g.Order(nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, order)
}

func TestReady_OnlyHardDepsGate(t *testing.T) {
	g := New()
	a, b := newTask("a"), newTask("b")
	g.AddTask(a)
	g.AddTask(b)
	_, err := g.AddEdge("a", "b", task.EdgeHard, nil)
	require.NoError(t, err)

	now := time.Now()
	ready := g.Ready(nil, now)
	assert.ElementsMatch(t, []string{"a"}, ready, "b's hard dependency on a is not yet satisfied")

	a.State = task.StateCompleted
	ready = g.Ready(nil, now)
	assert.ElementsMatch(t, []string{"b"}, ready, "a is no longer queued/ready/retry so it drops out; b is now unblocked")
}

func TestMarkCompleted_ReturnsNewlyReadyDelta(t *testing.T) {
	g := New()
	a, b, c := newTask("a"), newTask("b"), newTask("c")
	g.AddTask(a)
	g.AddTask(b)
	g.AddTask(c)
	_, err := g.AddEdge("a", "b", task.EdgeHard, nil)
	require.NoError(t, err)
	_, err = g.AddEdge("a", "c", task.EdgeHard, nil)
	require.NoError(t, err)
	// c also depends on b, so it should not become ready just from a completing.
	_, err = g.AddEdge("b", "c", task.EdgeHard, nil)
	require.NoError(t, err)

	now := time.Now()
	a.State = task.StateCompleted
	newlyReady := g.MarkCompleted("a", now)
	assert.ElementsMatch(t, []string{"b"}, newlyReady, "c still waits on b")

	b.State = task.StateCompleted
	newlyReady = g.MarkCompleted("b", now)
	assert.ElementsMatch(t, []string{"c"}, newlyReady)
}

func TestOrder_DetectsCycleWithinScope(t *testing.T) {
	g := New()
	a, b := newTask("a"), newTask("b")
	g.AddTask(a)
	g.AddTask(b)

	// Manually construct a cycle by bypassing AddEdge's guard, to exercise
	// Order's own detection independent of AddEdge's prevention.
	g.mu.Lock()
	e1 := &Edge{ID: "x1", Producer: "a", Consumer: "b", Kind: task.EdgeHard}
	e2 := &Edge{ID: "x2", Producer: "b", Consumer: "a", Kind: task.EdgeHard}
	g.forward["a"] = append(g.forward["a"], e1)
	g.reverse["b"] = append(g.reverse["b"], e1)
	g.forward["b"] = append(g.forward["b"], e2)
	g.reverse["a"] = append(g.reverse["a"], e2)
	g.mu.Unlock()

	_, err := g.Order(nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, engineerr.ErrCycleDetected)
}

func TestParallelLayers_IndependentTasksShareALayer(t *testing.T) {
	g := New()
	a, b, c := newTask("a"), newTask("b"), newTask("c")
	g.AddTask(a)
	g.AddTask(b)
	g.AddTask(c)
	_, err := g.AddEdge("a", "c", task.EdgeHard, nil)
	require.NoError(t, err)

	layers, err := g.ParallelLayers(nil)
	require.NoError(t, err)
	require.Len(t, layers, 2)
	assert.ElementsMatch(t, []string{"a", "b"}, layers[0])
	assert.ElementsMatch(t, []string{"c"}, layers[1])
}

func TestResourceConflicts_GroupsSharedKeys(t *testing.T) {
	g := New()
	a := newTask("a")
	a.Resources = task.ResourceRequirement{CPUCores: 2, MemoryMB: 512}
	b := newTask("b")
	b.Resources = task.ResourceRequirement{CPUCores: 2, MemoryMB: 1024}
	g.AddTask(a)
	g.AddTask(b)

	conflicts := g.ResourceConflicts(nil)
	assert.ElementsMatch(t, []string{"a", "b"}, conflicts["cpu_2"])
	_, memConflict := conflicts["memory_512"]
	assert.False(t, memConflict, "distinct memory requirements should not be grouped")
}

func TestAddEdge_UnknownEndpointRejected(t *testing.T) {
	g := New()
	g.AddTask(newTask("a"))
	_, err := g.AddEdge("a", "missing", task.EdgeHard, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, engineerr.ErrInvalidTaskID)
}

func TestRemoveEdge(t *testing.T) {
	g := New()
	a, b := newTask("a"), newTask("b")
	g.AddTask(a)
	g.AddTask(b)
	id, err := g.AddEdge("a", "b", task.EdgeHard, nil)
	require.NoError(t, err)

	require.NoError(t, g.RemoveEdge(id))
	assert.Empty(t, b.HardDependencyIDs())

	ready := g.Ready(nil, time.Now())
	assert.ElementsMatch(t, []string{"a", "b"}, ready)
}

func TestConditionalEdge_GatesOnPredicate(t *testing.T) {
	g := New()
	a, b := newTask("a"), newTask("b")
	g.AddTask(a)
	g.AddTask(b)
	cond := func(result interface{}) bool {
		v, ok := result.(int)
		return ok && v > 0
	}
	_, err := g.AddEdge("a", "b", task.EdgeConditional, cond)
	require.NoError(t, err)

	a.State = task.StateCompleted
	a.Result = -1
	newlyReady := g.MarkCompleted("a", time.Now())
	assert.Empty(t, newlyReady, "negative result should not satisfy the condition")

	a.Result = 5
	newlyReady = g.MarkCompleted("a", time.Now())
	assert.ElementsMatch(t, []string{"b"}, newlyReady)
}

func TestTimeEdge_GatesOnLatestEndBeforeEarliestStart(t *testing.T) {
	g := New()
	a, b := newTask("a"), newTask("b")
	g.AddTask(a)
	g.AddTask(b)
	_, err := g.AddEdge("a", "b", task.EdgeTime, nil)
	require.NoError(t, err)

	now := time.Now()
	earlier := now.Add(-2 * time.Hour)
	early := now.Add(-time.Hour)
	late := now.Add(time.Hour)

	a.Constraints.LatestEnd = &late
	b.Constraints.EarliestStart = &early
	ready := g.Ready(nil, now)
	assert.NotContains(t, ready, "b", "producer's latest end is after consumer's earliest start")

	a.Constraints.LatestEnd = &earlier
	b.Constraints.EarliestStart = &early
	ready = g.Ready(nil, now)
	assert.Contains(t, ready, "b", "producer's latest end now precedes consumer's earliest start")
}

func TestTimeEdge_FallsBackToCompletionWhenBoundsUnset(t *testing.T) {
	g := New()
	a, b := newTask("a"), newTask("b")
	g.AddTask(a)
	g.AddTask(b)
	_, err := g.AddEdge("a", "b", task.EdgeTime, nil)
	require.NoError(t, err)

	now := time.Now()
	ready := g.Ready(nil, now)
	assert.NotContains(t, ready, "b", "neither bound is set and a has not completed")

	a.State = task.StateCompleted
	ready = g.Ready(nil, now)
	assert.Contains(t, ready, "b")
}
