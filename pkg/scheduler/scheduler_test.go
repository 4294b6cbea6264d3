package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentcore-dev/engine/internal/engineerr"
	"github.com/agentcore-dev/engine/pkg/agentnode"
	"github.com/agentcore-dev/engine/pkg/depgraph"
	"github.com/agentcore-dev/engine/pkg/priority"
	"github.com/agentcore-dev/engine/pkg/task"
)

func newReadyTask(id, taskType string) *task.Task {
	t := task.New(id, "test task", task.ResourceRequirement{CPUCores: 1})
	t.Type = taskType
	t.Constraints.RetryLimit = 1
	t.TransitionTo(task.StateQueued)
	t.TransitionTo(task.StateReady)
	return t
}

func alwaysExecutable(*task.Task) bool { return true }

func newTestScheduler(t *testing.T, dispatch Dispatcher) (*Scheduler, *AgentPool) {
	t.Helper()
	graph := depgraph.New()
	queue := priority.New()
	queue.UpdateContext(priority.SystemContext{Now: time.Now(), CanExecuteNow: alwaysExecutable})
	pool := NewAgentPool()

	s := New(graph, queue, pool, dispatch, Config{TickInterval: 10 * time.Millisecond, MaxConcurrentDispatch: 4})
	return s, pool
}

func TestDispatchOne_CompletesSuccessfully(t *testing.T) {
	var mu sync.Mutex
	var dispatched []string

	dispatch := func(ctx context.Context, agent *agentnode.Node, tk *task.Task) (interface{}, error) {
		mu.Lock()
		dispatched = append(dispatched, tk.ID)
		mu.Unlock()
		return "ok", nil
	}

	s, pool := newTestScheduler(t, dispatch)
	pool.Register(agentnode.New("agent-1", []string{"fetch"}, task.ResourceRequirement{CPUCores: 4}, 2))

	tk := newReadyTask("t1", "fetch")
	s.Submit(tk)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	go s.Run(ctx)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(dispatched) == 1
	}, 500*time.Millisecond, 5*time.Millisecond)

	s.Stop()
	assert.Equal(t, task.StateCompleted, tk.State)
}

func TestDispatchOne_RetriesOnTransientFailure(t *testing.T) {
	var attempts int
	var mu sync.Mutex

	dispatch := func(ctx context.Context, agent *agentnode.Node, tk *task.Task) (interface{}, error) {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n == 1 {
			return nil, errors.New("boom")
		}
		return "ok", nil
	}

	s, pool := newTestScheduler(t, dispatch)
	pool.Register(agentnode.New("agent-1", []string{"fetch"}, task.ResourceRequirement{CPUCores: 4}, 2))

	tk := newReadyTask("t1", "fetch")
	s.Submit(tk)

	ctx, cancel := context.WithTimeout(context.Background(), 400*time.Millisecond)
	defer cancel()
	go s.Run(ctx)

	require.Eventually(t, func() bool {
		return tk.State == task.StateCompleted
	}, 600*time.Millisecond, 5*time.Millisecond)

	s.Stop()
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, attempts)
}

func TestSelect_PrefersHigherFitAndLowerActiveCount(t *testing.T) {
	pool := NewAgentPool()
	busy := agentnode.New("busy", []string{"fetch"}, task.ResourceRequirement{CPUCores: 4}, 4)
	idle := agentnode.New("idle", []string{"fetch"}, task.ResourceRequirement{CPUCores: 4}, 4)

	require.NoError(t, busy.Allocate("x1", task.ResourceRequirement{CPUCores: 1}))
	require.NoError(t, busy.Allocate("x2", task.ResourceRequirement{CPUCores: 1}))

	pool.Register(busy)
	pool.Register(idle)

	selected := pool.Select("fetch", task.ResourceRequirement{CPUCores: 1})
	require.NotNil(t, selected)
	assert.Equal(t, "idle", selected.ID)
}

func TestHandleFailure_ExhaustsRetryLimitAtExactlyRetryLimitRetries(t *testing.T) {
	s, _ := newTestScheduler(t, func(ctx context.Context, a *agentnode.Node, tk *task.Task) (interface{}, error) {
		return nil, nil
	})
	tk := newReadyTask("t1", "fetch")
	tk.Constraints.RetryLimit = 3
	s.Submit(tk)

	transient := engineerr.New("dispatch", engineerr.KindTransient, errors.New("boom"))

	for i := 0; i < tk.Constraints.RetryLimit; i++ {
		tk.TransitionTo(task.StateRunning)
		s.handleFailure(tk, transient)
		require.Equal(t, task.StateQueued, tk.State, "attempt %d should still be within the retry budget", i+1)
	}
	assert.Equal(t, tk.Constraints.RetryLimit, tk.Metrics.RetryCount)

	tk.TransitionTo(task.StateRunning)
	s.handleFailure(tk, transient)
	assert.Equal(t, task.StateFailed, tk.State, "the retry budget is exhausted after exactly RetryLimit retries")
	assert.Equal(t, tk.Constraints.RetryLimit, tk.Metrics.RetryCount, "a terminal failure does not consume another retry slot")
}

func TestHandleTimeout_ExhaustsRetryLimitAtExactlyRetryLimitRetries(t *testing.T) {
	s, _ := newTestScheduler(t, func(ctx context.Context, a *agentnode.Node, tk *task.Task) (interface{}, error) {
		return nil, nil
	})
	tk := newReadyTask("t1", "fetch")
	tk.Constraints.RetryLimit = 3
	s.Submit(tk)

	for i := 0; i < tk.Constraints.RetryLimit; i++ {
		tk.TransitionTo(task.StateRunning)
		s.handleTimeout(tk)
		require.Equal(t, task.StateQueued, tk.State, "attempt %d should still be within the retry budget", i+1)
	}
	assert.Equal(t, tk.Constraints.RetryLimit, tk.Metrics.RetryCount)

	tk.TransitionTo(task.StateRunning)
	s.handleTimeout(tk)
	assert.Equal(t, task.StateFailed, tk.State, "the retry budget is exhausted after exactly RetryLimit retries")
	assert.Equal(t, tk.Constraints.RetryLimit, tk.Metrics.RetryCount, "handleFailure and handleTimeout must agree on how many retries RetryLimit grants")
}

func TestCancel_RemovesFromQueueAndMarksCancelled(t *testing.T) {
	s, _ := newTestScheduler(t, func(ctx context.Context, a *agentnode.Node, tk *task.Task) (interface{}, error) {
		return nil, nil
	})
	tk := newReadyTask("t1", "fetch")
	s.Submit(tk)

	require.NoError(t, s.Cancel("t1"))
	assert.Equal(t, task.StateCancelled, tk.State)
	assert.Nil(t, s.queue.Pop())
}
