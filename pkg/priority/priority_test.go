package priority

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentcore-dev/engine/pkg/task"
)

func TestPop_ReturnsHighestScore(t *testing.T) {
	q := New()
	now := time.Now()
	q.UpdateContext(SystemContext{Now: now})

	low := task.New("low", "routine cleanup", task.ResourceRequirement{})
	high := task.New("high", "urgent security incident", task.ResourceRequirement{})
	high.Tags = []string{"urgent", "critical"}

	q.Add(low)
	q.Add(high)

	popped := q.Pop()
	require.NotNil(t, popped)
	assert.Equal(t, "high", popped.ID)
}

func TestOverridePriority_SupersedesComputedScore(t *testing.T) {
	q := New()
	q.UpdateContext(SystemContext{Now: time.Now()})

	a := task.New("a", "low importance", task.ResourceRequirement{})
	b := task.New("b", "urgent critical vip emergency", task.ResourceRequirement{})
	b.Tags = []string{"urgent", "critical", "vip", "emergency"}

	q.Add(a)
	q.Add(b)

	require.NoError(t, q.OverridePriority("a", 99))

	popped := q.Pop()
	require.NotNil(t, popped)
	assert.Equal(t, "a", popped.ID, "override should win over b's naturally higher computed score")
}

func TestOverridePriority_RejectsOutOfRange(t *testing.T) {
	q := New()
	a := task.New("a", "x", task.ResourceRequirement{})
	q.Add(a)
	err := q.OverridePriority("a", 150)
	assert.Error(t, err)
}

func TestPop_SkipsNotExecutable(t *testing.T) {
	q := New()
	blocked := task.New("blocked", "x", task.ResourceRequirement{})
	ready := task.New("ready", "x", task.ResourceRequirement{})
	q.Add(blocked)
	q.Add(ready)

	q.UpdateContext(SystemContext{
		Now: time.Now(),
		CanExecuteNow: func(t *task.Task) bool {
			return t.ID != "blocked"
		},
	})

	popped := q.Pop()
	require.NotNil(t, popped)
	assert.Equal(t, "ready", popped.ID)

	// blocked should still be queued, reinserted rather than lost.
	stats := q.Stats()
	assert.Equal(t, 1, stats.Size)
}

func TestUpdateContext_RecomputesAllScores(t *testing.T) {
	q := New()
	now := time.Now()
	deadline := now.Add(30 * time.Second)
	a := task.New("a", "x", task.ResourceRequirement{EstimatedDuration: time.Minute})
	a.Constraints.LatestEnd = &deadline
	q.Add(a)

	before := q.Stats().TopScore

	q.UpdateContext(SystemContext{Now: now.Add(time.Hour)}) // deadline now long passed
	after := q.Stats().TopScore

	assert.Greater(t, after, before, "overdue urgency factor should push the score up")
}

func TestUrgency_PiecewiseBuckets(t *testing.T) {
	q := New()
	now := time.Now()
	q.UpdateContext(SystemContext{Now: now})

	mk := func(id string, remaining time.Duration, dur time.Duration) *task.Task {
		tk := task.New(id, "x", task.ResourceRequirement{EstimatedDuration: dur})
		deadline := now.Add(remaining)
		tk.Constraints.LatestEnd = &deadline
		return tk
	}

	overdue := mk("overdue", -time.Second, time.Minute)
	assert.Equal(t, 100.0, q.urgency(overdue))

	none := task.New("none", "x", task.ResourceRequirement{})
	assert.Equal(t, 0.0, q.urgency(none))
}

func TestRemove(t *testing.T) {
	q := New()
	a := task.New("a", "x", task.ResourceRequirement{})
	q.Add(a)
	q.Remove("a")
	assert.Nil(t, q.Peek())
}
