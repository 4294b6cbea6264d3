// Package depgraph implements the engine's in-memory dependency graph: a
// DAG of tasks supporting cycle-safe edge insertion, ready-set computation,
// topological ordering, parallel-layer decomposition, and resource-conflict
// detection.
//
// The node/edge bookkeeping (forward dependency list + reverse dependents
// list, rebuilt together, DFS-based cycle detection, Kahn's algorithm for
// topological order, and level-by-level parallelism grouping) follows the
// same shape as this codebase's workflow DAG, generalised from a single
// unconditional dependency kind to the five edge kinds the scheduler needs.
package depgraph

import (
	"fmt"
	"sync"
	"time"

	"github.com/agentcore-dev/engine/internal/engineerr"
	"github.com/agentcore-dev/engine/internal/logging"
	"github.com/agentcore-dev/engine/pkg/task"
)

// Edge is a directed dependency: Producer → Consumer.
type Edge struct {
	ID        string
	Producer  string
	Consumer  string
	Kind      task.EdgeKind
	Condition task.ConditionFunc
}

// Graph is the dependency graph of C4. It owns no task execution state
// beyond what's needed to answer readiness/ordering queries; the scheduler
// is the authority for a task's State.
type Graph struct {
	mu sync.RWMutex

	tasks map[string]*task.Task

	// forward[producer] = edges where producer is the dependency
	forward map[string][]*Edge
	// reverse[consumer] = edges where consumer is the dependent
	reverse map[string][]*Edge

	edges map[string]*Edge

	logger  logging.Logger
	nextID  int64
}

// Option configures a Graph at construction.
type Option func(*Graph)

// WithLogger attaches a component-scoped logger.
func WithLogger(l logging.Logger) Option {
	return func(g *Graph) {
		if l == nil {
			return
		}
		if cal, ok := l.(logging.ComponentAwareLogger); ok {
			g.logger = cal.WithComponent("engine/depgraph")
		} else {
			g.logger = l
		}
	}
}

// New constructs an empty dependency graph.
func New(opts ...Option) *Graph {
	g := &Graph{
		tasks:   make(map[string]*task.Task),
		forward: make(map[string][]*Edge),
		reverse: make(map[string][]*Edge),
		edges:   make(map[string]*Edge),
		logger:  logging.NoOpLogger{},
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// AddTask registers a task node. Re-adding an existing id replaces it.
func (g *Graph) AddTask(t *task.Task) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.tasks[t.ID] = t
}

// GetTask returns the task by id, if known.
func (g *Graph) GetTask(id string) (*task.Task, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	t, ok := g.tasks[id]
	return t, ok
}

// AddEdge adds a producer→consumer edge of the given kind. Both endpoints
// must already exist. The edge is rejected, without mutating the graph, if
// it would close a cycle: reachability from consumer back to producer is
// tested on the current graph before any mutation occurs.
func (g *Graph) AddEdge(producer, consumer string, kind task.EdgeKind, cond task.ConditionFunc) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.tasks[producer]; !ok {
		return "", engineerr.New("depgraph.AddEdge", engineerr.KindInput, fmt.Errorf("producer %q: %w", producer, engineerr.ErrInvalidTaskID))
	}
	if _, ok := g.tasks[consumer]; !ok {
		return "", engineerr.New("depgraph.AddEdge", engineerr.KindInput, fmt.Errorf("consumer %q: %w", consumer, engineerr.ErrInvalidTaskID))
	}

	if g.reachable(consumer, producer) {
		g.logger.Warn("rejected edge closing a cycle", map[string]interface{}{"producer": producer, "consumer": consumer})
		return "", engineerr.New("depgraph.AddEdge", engineerr.KindInput, engineerr.ErrCyclicEdge).WithID(fmt.Sprintf("%s->%s", producer, consumer))
	}

	g.nextID++
	id := fmt.Sprintf("e%d", g.nextID)
	e := &Edge{ID: id, Producer: producer, Consumer: consumer, Kind: kind, Condition: cond}
	g.edges[id] = e
	g.forward[producer] = append(g.forward[producer], e)
	g.reverse[consumer] = append(g.reverse[consumer], e)

	consumerTask := g.tasks[consumer]
	consumerTask.Dependencies = append(consumerTask.Dependencies, task.Dependency{
		TargetTaskID: producer,
		Kind:         kind,
		Condition:    cond,
	})
	producerTask := g.tasks[producer]
	producerTask.Dependents = append(producerTask.Dependents, consumer)

	return id, nil
}

// reachable reports whether to is reachable from from via forward edges.
// Must be called with g.mu held.
func (g *Graph) reachable(from, to string) bool {
	if from == to {
		return true
	}
	visited := make(map[string]bool)
	stack := []string{from}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if visited[cur] {
			continue
		}
		visited[cur] = true
		if cur == to {
			return true
		}
		for _, e := range g.forward[cur] {
			if !visited[e.Consumer] {
				stack = append(stack, e.Consumer)
			}
		}
	}
	return false
}

// RemoveEdge removes an edge by id.
func (g *Graph) RemoveEdge(id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	e, ok := g.edges[id]
	if !ok {
		return engineerr.New("depgraph.RemoveEdge", engineerr.KindInput, engineerr.ErrInvalidTaskID).WithID(id)
	}
	delete(g.edges, id)
	g.forward[e.Producer] = removeEdge(g.forward[e.Producer], e)
	g.reverse[e.Consumer] = removeEdge(g.reverse[e.Consumer], e)

	if consumerTask, ok := g.tasks[e.Consumer]; ok {
		filtered := consumerTask.Dependencies[:0]
		for _, d := range consumerTask.Dependencies {
			if !(d.TargetTaskID == e.Producer && d.Kind == e.Kind) {
				filtered = append(filtered, d)
			}
		}
		consumerTask.Dependencies = filtered
	}
	if producerTask, ok := g.tasks[e.Producer]; ok {
		filtered := producerTask.Dependents[:0]
		for _, id := range producerTask.Dependents {
			if id != e.Consumer {
				filtered = append(filtered, id)
			}
		}
		producerTask.Dependents = filtered
	}
	return nil
}

func removeEdge(edges []*Edge, target *Edge) []*Edge {
	out := edges[:0]
	for _, e := range edges {
		if e.ID != target.ID {
			out = append(out, e)
		}
	}
	return out
}

// edgeSatisfied reports whether a single edge is satisfied given the
// producer's (and, for time edges, the consumer's) current state.
func edgeSatisfied(e *Edge, producer, consumer *task.Task) bool {
	switch e.Kind {
	case task.EdgeHard:
		return producer.State == task.StateCompleted
	case task.EdgeSoft:
		return producer.State == task.StateCompleted || producer.State == task.StateRunning
	case task.EdgeTime:
		// Satisfied when the producer's latest-end bound precedes the
		// consumer's earliest-start bound. Either bound left unset falls
		// back to plain producer completion, since there's no time
		// relation left to compare.
		if producer.Constraints.LatestEnd == nil || consumer.Constraints.EarliestStart == nil {
			return producer.State == task.StateCompleted
		}
		return producer.Constraints.LatestEnd.Before(*consumer.Constraints.EarliestStart)
	case task.EdgeConditional:
		if producer.State != task.StateCompleted {
			return false
		}
		if e.Condition == nil {
			return true
		}
		return e.Condition(producer.Result)
	case task.EdgeResource:
		return true // advisory only; never gates readiness.
	default:
		return false
	}
}

// hardDepsSatisfied reports whether every hard and time dependency of t is
// satisfied — the two edge kinds that actually gate readiness; soft,
// resource, and conditional edges are advisory or handled elsewhere.
// Must be called with g.mu held (read or write).
func (g *Graph) hardDepsSatisfied(t *task.Task) bool {
	for _, e := range g.reverse[t.ID] {
		if e.Kind != task.EdgeHard && e.Kind != task.EdgeTime {
			continue
		}
		producer, ok := g.tasks[e.Producer]
		if !ok || !edgeSatisfied(e, producer, t) {
			return false
		}
	}
	return true
}

// Ready returns the ids, within scope, whose hard dependencies are all
// satisfied, whose earliest-start has passed, and whose state is one of
// queued, ready, or retry. An empty scope means "all known tasks".
func (g *Graph) Ready(scope []string, now time.Time) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	ids := scope
	if len(ids) == 0 {
		ids = g.allIDs()
	}

	var ready []string
	for _, id := range ids {
		t, ok := g.tasks[id]
		if !ok {
			continue
		}
		if t.State != task.StateQueued && t.State != task.StateReady && t.State != task.StateRetry {
			continue
		}
		if !t.EarliestStartPassed(now) {
			continue
		}
		if !g.hardDepsSatisfied(t) {
			continue
		}
		ready = append(ready, id)
	}
	return ready
}

func (g *Graph) allIDs() []string {
	ids := make([]string, 0, len(g.tasks))
	for id := range g.tasks {
		ids = append(ids, id)
	}
	return ids
}

// Order returns a topological order of scope via Kahn's algorithm. If the
// resulting order omits any id in scope, a cycle exists within scope and
// ErrCycleDetected is returned.
func (g *Graph) Order(scope []string) ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	ids := scope
	if len(ids) == 0 {
		ids = g.allIDs()
	}
	inScope := make(map[string]bool, len(ids))
	for _, id := range ids {
		inScope[id] = true
	}

	inDegree := make(map[string]int, len(ids))
	for _, id := range ids {
		deg := 0
		for _, e := range g.reverse[id] {
			if inScope[e.Producer] {
				deg++
			}
		}
		inDegree[id] = deg
	}

	var queue []string
	for _, id := range ids {
		if inDegree[id] == 0 {
			queue = append(queue, id)
		}
	}

	var result []string
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		result = append(result, cur)
		for _, e := range g.forward[cur] {
			if !inScope[e.Consumer] {
				continue
			}
			inDegree[e.Consumer]--
			if inDegree[e.Consumer] == 0 {
				queue = append(queue, e.Consumer)
			}
		}
	}

	if len(result) != len(ids) {
		return nil, engineerr.New("depgraph.Order", engineerr.KindStructural, engineerr.ErrCycleDetected)
	}
	return result, nil
}

// ParallelLayers walks the topological order, grouping tasks into layers
// such that a task joins the current layer iff it has no edge, in either
// direction, to any task already placed in that layer.
func (g *Graph) ParallelLayers(scope []string) ([][]string, error) {
	order, err := g.Order(scope)
	if err != nil {
		return nil, err
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	var layers [][]string
	var currentLayer []string
	inCurrentLayer := make(map[string]bool)

	connected := func(a, b string) bool {
		for _, e := range g.forward[a] {
			if e.Consumer == b {
				return true
			}
		}
		for _, e := range g.forward[b] {
			if e.Consumer == a {
				return true
			}
		}
		return false
	}

	for _, id := range order {
		joins := true
		for existing := range inCurrentLayer {
			if connected(id, existing) {
				joins = false
				break
			}
		}
		if joins {
			currentLayer = append(currentLayer, id)
			inCurrentLayer[id] = true
			continue
		}
		layers = append(layers, currentLayer)
		currentLayer = []string{id}
		inCurrentLayer = map[string]bool{id: true}
	}
	if len(currentLayer) > 0 {
		layers = append(layers, currentLayer)
	}
	return layers, nil
}

// ResourceConflicts groups scope's tasks by coarse resource key; any key
// shared by two or more tasks is advisory input to the scheduler, not a
// readiness gate.
func (g *Graph) ResourceConflicts(scope []string) map[string][]string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	ids := scope
	if len(ids) == 0 {
		ids = g.allIDs()
	}

	conflicts := make(map[string][]string)
	for _, id := range ids {
		t, ok := g.tasks[id]
		if !ok {
			continue
		}
		cpuKey := fmt.Sprintf("cpu_%v", t.Resources.CPUCores)
		memKey := fmt.Sprintf("memory_%v", t.Resources.MemoryMB)
		conflicts[cpuKey] = append(conflicts[cpuKey], id)
		conflicts[memKey] = append(conflicts[memKey], id)
		for name := range t.Resources.SpecialResources {
			key := fmt.Sprintf("special_%s", name)
			conflicts[key] = append(conflicts[key], id)
		}
	}
	for key, ids := range conflicts {
		if len(ids) < 2 {
			delete(conflicts, key)
		}
	}
	return conflicts
}

// MarkCompleted collects the consumers of producer's outbound edges that are
// satisfied by the producer's current state, then returns the ids of those
// consumers that are ready now. Edges store no satisfaction flag (it is
// computed from task state), and a consumer that was already ready before
// the call is returned as well.
func (g *Graph) MarkCompleted(id string, now time.Time) []string {
	g.mu.Lock()
	producer, ok := g.tasks[id]
	if !ok {
		g.mu.Unlock()
		return nil
	}

	candidates := make(map[string]bool)
	for _, e := range g.forward[id] {
		consumer, ok := g.tasks[e.Consumer]
		if ok && edgeSatisfied(e, producer, consumer) {
			candidates[e.Consumer] = true
		}
	}
	g.mu.Unlock()

	var newlyReady []string
	for consumerID := range candidates {
		g.mu.RLock()
		t, ok := g.tasks[consumerID]
		ready := ok && (t.State == task.StateQueued || t.State == task.StateReady || t.State == task.StateRetry) &&
			t.EarliestStartPassed(now) && g.hardDepsSatisfied(t)
		g.mu.RUnlock()
		if ready {
			newlyReady = append(newlyReady, consumerID)
		}
	}
	return newlyReady
}

// DetectCycles returns every cycle present in the graph, each expressed as
// the ordered list of task ids forming it.
func (g *Graph) DetectCycles() [][]string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	visited := make(map[string]bool)
	onStack := make(map[string]bool)
	var path []string
	var cycles [][]string

	var visit func(id string)
	visit = func(id string) {
		visited[id] = true
		onStack[id] = true
		path = append(path, id)

		for _, e := range g.forward[id] {
			if onStack[e.Consumer] {
				// Found a cycle; slice path from the first occurrence.
				for i, p := range path {
					if p == e.Consumer {
						cyc := append([]string{}, path[i:]...)
						cycles = append(cycles, cyc)
						break
					}
				}
			} else if !visited[e.Consumer] {
				visit(e.Consumer)
			}
		}

		path = path[:len(path)-1]
		onStack[id] = false
	}

	for id := range g.tasks {
		if !visited[id] {
			visit(id)
		}
	}
	return cycles
}

// Statistics mirrors the DAG statistics this codebase's workflow engine
// exposes: node counts by state, max fan-in/out, and parallelism depth.
type Statistics struct {
	TotalTasks      int
	PendingTasks    int
	RunningTasks    int
	CompletedTasks  int
	FailedTasks     int
	MaxDependencies int
	MaxDependents   int
	MaxParallelism  int
	Depth           int
}

// Stats computes current graph statistics.
func (g *Graph) Stats() Statistics {
	g.mu.RLock()
	var s Statistics
	s.TotalTasks = len(g.tasks)
	for _, t := range g.tasks {
		switch t.State {
		case task.StatePending, task.StateQueued, task.StateReady:
			s.PendingTasks++
		case task.StateRunning:
			s.RunningTasks++
		case task.StateCompleted:
			s.CompletedTasks++
		case task.StateFailed:
			s.FailedTasks++
		}
		if n := len(g.reverse[t.ID]); n > s.MaxDependencies {
			s.MaxDependencies = n
		}
		if n := len(g.forward[t.ID]); n > s.MaxDependents {
			s.MaxDependents = n
		}
	}
	g.mu.RUnlock()

	layers, err := g.ParallelLayers(nil)
	if err == nil {
		s.Depth = len(layers)
		for _, l := range layers {
			if len(l) > s.MaxParallelism {
				s.MaxParallelism = len(l)
			}
		}
	}
	return s
}
