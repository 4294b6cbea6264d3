// Package scheduler implements the task scheduler (C6): a ticking control
// loop that pulls the highest-priority ready task off the queue, selects
// the best-fit agent node for it, dispatches it through a circuit breaker,
// and runs the completion/failure pipelines that feed results back into
// the dependency graph and priority queue.
//
// The worker-pool shape — goroutines owned by a cancellable context,
// a WaitGroup-bounded Stop, panic-recovering task execution, status
// transitions written back before and after the call — is grounded on
// this codebase's own concurrent task worker pool; the tick-driven
// scheduling loop, agent-fit selection, and resource-balance sweep have
// no teacher analogue (the teacher dequeues blindly from a queue with no
// notion of competing agents or dependency-gated readiness) and are built
// fresh from spec.md §4.6 on top of the depgraph/priority/agentnode/
// resilience packages.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/agentcore-dev/engine/internal/engineerr"
	"github.com/agentcore-dev/engine/internal/logging"
	"github.com/agentcore-dev/engine/pkg/agentnode"
	"github.com/agentcore-dev/engine/pkg/depgraph"
	"github.com/agentcore-dev/engine/pkg/priority"
	"github.com/agentcore-dev/engine/pkg/resilience"
	"github.com/agentcore-dev/engine/pkg/task"
)

// Dispatcher executes a task on the selected agent node and returns its
// result. Implementations typically route to the conversation-bound skill
// execution entry point.
type Dispatcher func(ctx context.Context, agent *agentnode.Node, t *task.Task) (interface{}, error)

// AgentPool is the set of agent nodes the scheduler can dispatch to.
type AgentPool struct {
	mu    sync.RWMutex
	nodes map[string]*agentnode.Node
}

// NewAgentPool constructs an empty pool.
func NewAgentPool() *AgentPool {
	return &AgentPool{nodes: make(map[string]*agentnode.Node)}
}

// Register adds or replaces a node in the pool.
func (p *AgentPool) Register(n *agentnode.Node) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nodes[n.ID] = n
}

// Remove drops a node from the pool.
func (p *AgentPool) Remove(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.nodes, id)
}

// Select returns the best-fit capable node with spare capacity for
// taskType, per the §4.6.1 agent-selection rule: highest Fit wins, ties
// broken by lowest active-task count then lowest node id.
func (p *AgentPool) Select(taskType string, req task.ResourceRequirement) *agentnode.Node {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var candidates []*agentnode.Node
	for _, n := range p.nodes {
		if n.CanRun(taskType) && n.HasCapacity(req) {
			candidates = append(candidates, n)
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		fi, fj := candidates[i].Fit(taskType), candidates[j].Fit(taskType)
		if fi != fj {
			return fi > fj
		}
		if candidates[i].ActiveCount() != candidates[j].ActiveCount() {
			return candidates[i].ActiveCount() < candidates[j].ActiveCount()
		}
		return candidates[i].ID < candidates[j].ID
	})
	return candidates[0]
}

// Snapshot returns every registered node, for resource-balance inspection.
func (p *AgentPool) Snapshot() []*agentnode.Node {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*agentnode.Node, 0, len(p.nodes))
	for _, n := range p.nodes {
		out = append(out, n)
	}
	return out
}

// Config controls the scheduler's control loop.
type Config struct {
	TickInterval time.Duration // default 5s
	// ResourceBalanceEveryNTicks runs a utilisation-imbalance check every
	// Nth tick. Default 6.
	ResourceBalanceEveryNTicks int
	MaxConcurrentDispatch      int // bounds in-flight dispatch goroutines
	Logger                     logging.Logger
}

func (c Config) withDefaults() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = 5 * time.Second
	}
	if c.ResourceBalanceEveryNTicks <= 0 {
		c.ResourceBalanceEveryNTicks = 6
	}
	if c.MaxConcurrentDispatch <= 0 {
		c.MaxConcurrentDispatch = 16
	}
	return c
}

// Scheduler is the task scheduler (C6).
type Scheduler struct {
	graph    *depgraph.Graph
	queue    *priority.Queue
	pool     *AgentPool
	dispatch Dispatcher
	config   Config
	logger   logging.Logger

	mu        sync.Mutex
	tasks     map[string]*task.Task
	breakers  map[string]*resilience.CircuitBreaker
	tickCount int

	sem    chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a scheduler over an existing dependency graph, priority
// queue, and agent pool.
func New(graph *depgraph.Graph, queue *priority.Queue, pool *AgentPool, dispatch Dispatcher, cfg Config) *Scheduler {
	cfg = cfg.withDefaults()
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	if cal, ok := logger.(logging.ComponentAwareLogger); ok {
		logger = cal.WithComponent("engine/scheduler")
	}
	return &Scheduler{
		graph:    graph,
		queue:    queue,
		pool:     pool,
		dispatch: dispatch,
		config:   cfg,
		logger:   logger,
		tasks:    make(map[string]*task.Task),
		breakers: make(map[string]*resilience.CircuitBreaker),
		sem:      make(chan struct{}, cfg.MaxConcurrentDispatch),
	}
}

// Submit registers a task with the scheduler's bookkeeping, the dependency
// graph, and (if immediately ready) the priority queue.
func (s *Scheduler) Submit(t *task.Task) {
	s.mu.Lock()
	s.tasks[t.ID] = t
	s.mu.Unlock()

	s.graph.AddTask(t)
	if t.State == task.StateQueued || t.State == task.StateReady {
		s.queue.Add(t)
	}
}

// Cancel transitions a task to cancelled if the lattice allows it and
// removes it from the queue.
func (s *Scheduler) Cancel(taskID string) error {
	s.mu.Lock()
	t, ok := s.tasks[taskID]
	s.mu.Unlock()
	if !ok {
		return engineerr.New("scheduler.Cancel", engineerr.KindInput, engineerr.ErrInvalidTaskID).WithID(taskID)
	}
	if !t.TransitionTo(task.StateCancelled) {
		return engineerr.New("scheduler.Cancel", engineerr.KindInput, fmt.Errorf("cannot cancel task in state %s", t.State)).WithID(taskID)
	}
	s.queue.Remove(taskID)
	return nil
}

// Run starts the control loop, blocking until ctx is cancelled or Stop is
// called.
func (s *Scheduler) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	ticker := time.NewTicker(s.config.TickInterval)
	defer ticker.Stop()

	s.logger.Info("scheduler started", map[string]interface{}{"tick_interval": s.config.TickInterval.String()})
	for {
		select {
		case <-runCtx.Done():
			s.wg.Wait()
			s.logger.Info("scheduler stopped", nil)
			return nil
		case <-ticker.C:
			s.tick(runCtx)
		}
	}
}

// Stop cancels the control loop and waits for in-flight dispatches to
// finish.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Scheduler) tick(ctx context.Context) {
	s.mu.Lock()
	s.tickCount++
	count := s.tickCount
	s.mu.Unlock()

	for {
		t := s.queue.Pop()
		if t == nil {
			break
		}
		agent := s.pool.Select(t.Type, t.Resources)
		if agent == nil {
			// no capable/available agent right now; requeue and stop this
			// tick rather than busy-spin looking for one that won't appear.
			s.queue.Add(t)
			break
		}
		s.dispatchOne(ctx, t, agent)
	}

	if count%s.config.ResourceBalanceEveryNTicks == 0 {
		s.checkResourceBalance()
	}
}

func (s *Scheduler) dispatchOne(ctx context.Context, t *task.Task, agent *agentnode.Node) {
	if err := agent.Allocate(t.ID, t.Resources); err != nil {
		s.queue.Add(t)
		return
	}
	if !t.TransitionTo(task.StateRunning) {
		agent.Release(t.ID, t.Resources)
		return
	}
	t.AssignedAgent = &agent.ID
	t.Metrics.ActualStartTime = time.Now()

	breaker := s.breakerFor(agent.ID)

	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() { <-s.sem }()
		defer agent.Release(t.ID, t.Resources)

		timeout := t.Constraints.ExecutionTimeout
		var taskCtx context.Context
		var taskCancel context.CancelFunc
		if timeout > 0 {
			taskCtx, taskCancel = context.WithTimeout(ctx, timeout)
		} else {
			taskCtx, taskCancel = context.WithCancel(ctx)
		}
		defer taskCancel()

		result, err := s.executeWithRecovery(taskCtx, breaker, agent, t)
		if err != nil {
			if taskCtx.Err() == context.DeadlineExceeded {
				s.handleTimeout(t)
			} else {
				s.handleFailure(t, err)
			}
			return
		}
		s.handleCompletion(t, result)
	}()
}

func (s *Scheduler) breakerFor(agentID string) *resilience.CircuitBreaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.breakers[agentID]
	if !ok {
		b = resilience.New(resilience.DefaultConfig(agentID), s.logger)
		s.breakers[agentID] = b
	}
	return b
}

func (s *Scheduler) executeWithRecovery(ctx context.Context, breaker *resilience.CircuitBreaker, agent *agentnode.Node, t *task.Task) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("dispatch panic: %v", r)
		}
	}()

	execErr := breaker.Execute(ctx, func(ctx context.Context) error {
		r, e := s.dispatch(ctx, agent, t)
		result = r
		return e
	})
	return result, execErr
}

// handleCompletion is the completion pipeline (§4.6.2): record the result,
// transition the task, fold the dependency-graph delta back into the
// priority queue.
func (s *Scheduler) handleCompletion(t *task.Task, result interface{}) {
	t.Result = result
	t.Metrics.CompletionTime = time.Now()
	t.Metrics.ExecutionTime = t.Metrics.CompletionTime.Sub(t.Metrics.ActualStartTime)
	t.TransitionTo(task.StateCompleted)
	s.queue.Remove(t.ID)

	newlyReady := s.graph.MarkCompleted(t.ID, time.Now())
	s.logger.Info("task completed", map[string]interface{}{"task_id": t.ID, "newly_ready": len(newlyReady)})

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range newlyReady {
		if ready, ok := s.tasks[id]; ok {
			ready.TransitionTo(task.StateReady)
			s.queue.Add(ready)
		}
	}
}

// handleFailure is the failure pipeline (§4.6.3): retry while the retry
// budget allows, otherwise fail terminally. RetryCount is only incremented
// once a retry is actually granted, so RetryLimit consistently bounds the
// number of retries across every failure path (see handleTimeout).
func (s *Scheduler) handleFailure(t *task.Task, err error) {
	t.Metrics.LastError = err.Error()

	if engineerr.IsCapabilityFailure(err) {
		// capability failures are not the scheduler's to resolve; surface
		// as failed so the self-building orchestrator's healing pipeline
		// can take over.
		t.TransitionTo(task.StateFailed)
		s.queue.Remove(t.ID)
		s.logger.Error("task failed with capability error, routed to healing", map[string]interface{}{
			"task_id": t.ID, "error": err.Error(),
		})
		return
	}

	if t.Metrics.RetryCount < t.Constraints.RetryLimit {
		t.Metrics.RetryCount++
		t.TransitionTo(task.StateFailed)
		t.TransitionTo(task.StateRetry)
		t.TransitionTo(task.StateQueued)
		s.queue.Add(t)
		s.logger.Warn("task failed, retrying", map[string]interface{}{
			"task_id": t.ID, "attempt": t.Metrics.RetryCount, "error": err.Error(),
		})
		return
	}

	t.TransitionTo(task.StateFailed)
	s.queue.Remove(t.ID)
	s.logger.Error("task failed permanently", map[string]interface{}{"task_id": t.ID, "error": err.Error()})
}

// handleTimeout mirrors handleFailure's check-then-increment retry-count
// order so the same RetryLimit yields the same retry budget regardless of
// which failure path a task takes.
func (s *Scheduler) handleTimeout(t *task.Task) {
	t.Metrics.LastError = "execution timeout"
	if t.Metrics.RetryCount < t.Constraints.RetryLimit {
		t.Metrics.RetryCount++
		t.TransitionTo(task.StateFailed)
		t.TransitionTo(task.StateRetry)
		t.TransitionTo(task.StateQueued)
		s.queue.Add(t)
		s.logger.Warn("task timed out, retrying", map[string]interface{}{"task_id": t.ID})
		return
	}
	t.TransitionTo(task.StateFailed)
	s.queue.Remove(t.ID)
	s.logger.Error("task timed out permanently", map[string]interface{}{"task_id": t.ID})
}

// checkResourceBalance logs nodes whose utilisation diverges sharply from
// the pool average, a signal that the next scheduling pass should
// deprioritise tasks routed to the hot node.
func (s *Scheduler) checkResourceBalance() {
	nodes := s.pool.Snapshot()
	if len(nodes) < 2 {
		return
	}
	var total float64
	for _, n := range nodes {
		total += n.Utilisation()
	}
	mean := total / float64(len(nodes))
	for _, n := range nodes {
		if u := n.Utilisation(); u-mean > 0.4 {
			s.logger.Warn("agent utilisation imbalance detected", map[string]interface{}{
				"agent_id": n.ID, "utilisation": u, "pool_mean": mean,
			})
		}
	}
}
