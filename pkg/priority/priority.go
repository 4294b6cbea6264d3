// Package priority implements the engine's ready-task priority queue: a
// max-heap keyed by a six-factor weighted score, re-scored lazily on Pop to
// account for context drift, and fully recomputed in batch on UpdateContext.
//
// The queue-discipline shape (heap of scored entries, re-score-on-pop,
// batched recompute) follows the same worker/queue split this codebase's
// task worker pool and Redis task queue use together, generalised here to a
// proper priority ordering since the teacher's queue is a plain FIFO.
package priority

import (
	"container/heap"
	"strings"
	"sync"
	"time"

	"github.com/agentcore-dev/engine/internal/engineerr"
	"github.com/agentcore-dev/engine/internal/logging"
	"github.com/agentcore-dev/engine/pkg/task"
)

// Weights configures the contribution of each scoring factor; they should
// sum to 1.0 but the engine does not enforce that — an operator who departs
// from it simply gets an out-of-[0,100]-proportioned score.
type Weights struct {
	Urgency              float64
	ResourceAvailability float64
	DependencyPressure   float64
	PerformanceBonus     float64
	ContextImportance    float64
	BusinessRules        float64
}

// DefaultWeights returns the default factor weights, summing to 1.0 and
// weighted most heavily toward urgency (0.25) and resource availability (0.20).
func DefaultWeights() Weights {
	return Weights{
		Urgency:              0.25,
		ResourceAvailability: 0.20,
		DependencyPressure:   0.15,
		PerformanceBonus:     0.15,
		ContextImportance:    0.15,
		BusinessRules:        0.10,
	}
}

// SkillStats is the rolling performance record of a skill, consulted by the
// performance_bonus factor.
type SkillStats struct {
	SuccessRatio    float64
	AvgDurationSecs float64
}

// SystemContext is the mutable, shared view of system state the scoring
// function consults. The caller (the scheduler) refreshes it and calls
// UpdateContext to trigger a recompute.
type SystemContext struct {
	Now time.Time

	AvailableCPU        float64
	AvailableMemoryMB   int64
	NetworkLoad         map[task.NetworkClass]float64 // 0..1 load factor per class
	AvailableSpecial    map[string]int
	GlobalSystemLoad    float64 // 0..1, 1 = saturated

	// DependencyWaiters maps a task id to the number of tasks whose hard
	// dependency is that task, derived from the dependency graph.
	DependencyWaiters map[string]int
	// HighPriorityWaiters maps a task id to the count of its waiters whose
	// own current score exceeds 70.
	HighPriorityWaiters map[string]int

	SkillStats map[string]SkillStats

	// BusinessHours reports whether now falls within business hours, for
	// the business_rules factor.
	BusinessHours bool
	Weekend       bool

	// CanExecuteNow reports whether a task is currently executable (e.g.
	// its agent pool is not globally paused). Nil means "always true".
	CanExecuteNow func(t *task.Task) bool
}

// entry is a heap element: the task plus its last-computed score.
type entry struct {
	t     *task.Task
	score float64
	index int
}

type scoreHeap []*entry

func (h scoreHeap) Len() int            { return len(h) }
func (h scoreHeap) Less(i, j int) bool  { return h[i].score > h[j].score } // max-heap
func (h scoreHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *scoreHeap) Push(x interface{}) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *scoreHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// Queue is the priority engine (C5).
type Queue struct {
	mu      sync.Mutex
	heap    scoreHeap
	byID    map[string]*entry
	weights Weights
	ctx     SystemContext
	// ReinsertThreshold is the score-drift tolerance on Pop: if a
	// candidate's freshly computed score differs from its stored score by
	// more than this, it's re-inserted and the next candidate tried.
	ReinsertThreshold float64
	logger            logging.Logger
}

// Option configures a Queue at construction.
type Option func(*Queue)

// WithWeights overrides the default factor weights.
func WithWeights(w Weights) Option { return func(q *Queue) { q.weights = w } }

// WithLogger attaches a component-scoped logger.
func WithLogger(l logging.Logger) Option {
	return func(q *Queue) {
		if l == nil {
			return
		}
		if cal, ok := l.(logging.ComponentAwareLogger); ok {
			q.logger = cal.WithComponent("engine/priority")
		} else {
			q.logger = l
		}
	}
}

// New constructs an empty priority queue.
func New(opts ...Option) *Queue {
	q := &Queue{
		byID:              make(map[string]*entry),
		weights:           DefaultWeights(),
		ReinsertThreshold: 10,
		logger:            logging.NoOpLogger{},
	}
	for _, o := range opts {
		o(q)
	}
	heap.Init(&q.heap)
	return q
}

// UpdateContext replaces the system context and recomputes every queued
// task's score in O(n log n).
func (q *Queue) UpdateContext(ctx SystemContext) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ctx = ctx
	for _, e := range q.heap {
		e.score = q.score(e.t)
	}
	heap.Init(&q.heap)
}

// Add inserts a task, scoring it against the current context.
func (q *Queue) Add(t *task.Task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, exists := q.byID[t.ID]; exists {
		return
	}
	e := &entry{t: t, score: q.score(t)}
	q.byID[t.ID] = e
	heap.Push(&q.heap, e)
}

// Update re-scores an already-queued task and fixes its heap position.
func (q *Queue) Update(t *task.Task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.byID[t.ID]
	if !ok {
		return
	}
	e.t = t
	e.score = q.score(t)
	heap.Fix(&q.heap, e.index)
}

// Remove drops a task from the queue by id.
func (q *Queue) Remove(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.byID[id]
	if !ok {
		return
	}
	heap.Remove(&q.heap, e.index)
	delete(q.byID, id)
}

// OverridePriority sets a user priority override, which supersedes the
// computed score entirely until cleared.
func (q *Queue) OverridePriority(id string, p float64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.byID[id]
	if !ok {
		return engineerr.New("priority.OverridePriority", engineerr.KindInput, engineerr.ErrInvalidTaskID).WithID(id)
	}
	if p < 0 || p > 100 {
		return engineerr.New("priority.OverridePriority", engineerr.KindInput, engineerr.ErrBadPriorityValue).WithID(id)
	}
	e.t.UserPriorityOverride = &p
	e.score = p
	heap.Fix(&q.heap, e.index)
	return nil
}

// Peek returns the highest-scored task without removing it, or nil if empty.
func (q *Queue) Peek() *task.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.heap) == 0 {
		return nil
	}
	return q.heap[0].t
}

// Pop removes and returns the highest-scored, currently-executable task. A
// candidate is re-scored on pop; if the drift exceeds ReinsertThreshold, or
// it is not currently executable, it is re-inserted and the next candidate
// tried. Returns nil if no executable task remains.
func (q *Queue) Pop() *task.Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	var deferred []*entry
	defer func() {
		for _, e := range deferred {
			heap.Push(&q.heap, e)
		}
	}()

	for len(q.heap) > 0 {
		e := heap.Pop(&q.heap).(*entry)
		fresh := q.score(e.t)
		drift := fresh - e.score
		if drift < 0 {
			drift = -drift
		}
		executable := q.ctx.CanExecuteNow == nil || q.ctx.CanExecuteNow(e.t)

		if drift > q.ReinsertThreshold || !executable {
			e.score = fresh
			deferred = append(deferred, e)
			continue
		}
		delete(q.byID, e.t.ID)
		return e.t
	}
	return nil
}

// Stats summarizes queue occupancy.
type Stats struct {
	Size       int
	TopScore   float64
	MeanScore  float64
}

// Stats returns current queue statistics.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := Stats{Size: len(q.heap)}
	if len(q.heap) == 0 {
		return s
	}
	s.TopScore = q.heap[0].score
	var sum float64
	for _, e := range q.heap {
		sum += e.score
	}
	s.MeanScore = sum / float64(len(q.heap))
	return s
}

// score computes the final clamped score for t, honoring a user override.
func (q *Queue) score(t *task.Task) float64 {
	if t.UserPriorityOverride != nil {
		return clamp(*t.UserPriorityOverride, 0, 100)
	}
	w := q.weights
	raw := w.Urgency*q.urgency(t) +
		w.ResourceAvailability*q.resourceAvailability(t) +
		w.DependencyPressure*q.dependencyPressure(t) +
		w.PerformanceBonus*q.performanceBonus(t) +
		w.ContextImportance*q.contextImportance(t) +
		w.BusinessRules*q.businessRules(t)
	return clamp(raw, 0, 100)
}

func (q *Queue) urgency(t *task.Task) float64 {
	if t.Constraints.LatestEnd == nil {
		return 0
	}
	now := q.ctx.Now
	if now.IsZero() {
		now = time.Now()
	}
	remaining := t.Constraints.LatestEnd.Sub(now)
	dur := t.Resources.EstimatedDuration
	if dur <= 0 {
		dur = time.Minute
	}
	ratio := remaining.Seconds() / dur.Seconds()
	switch {
	case ratio <= 0:
		return 100
	case ratio < 1:
		return 90
	case ratio < 2:
		return 60
	case ratio < 4:
		return 30
	default:
		return 0
	}
}

func (q *Queue) resourceAvailability(t *task.Task) float64 {
	factor := 1.0
	if t.Resources.CPUCores > 0 && q.ctx.AvailableCPU > 0 && t.Resources.CPUCores > q.ctx.AvailableCPU {
		factor *= q.ctx.AvailableCPU / t.Resources.CPUCores
	}
	if t.Resources.MemoryMB > 0 && q.ctx.AvailableMemoryMB > 0 && t.Resources.MemoryMB > q.ctx.AvailableMemoryMB {
		factor *= float64(q.ctx.AvailableMemoryMB) / float64(t.Resources.MemoryMB)
	}
	if t.Resources.NetworkClass != "" && q.ctx.NetworkLoad != nil {
		if load, ok := q.ctx.NetworkLoad[t.Resources.NetworkClass]; ok {
			factor *= 1 - clamp(load, 0, 1)
		}
	}
	for name, need := range t.Resources.SpecialResources {
		have := 0
		if q.ctx.AvailableSpecial != nil {
			have = q.ctx.AvailableSpecial[name]
		}
		if need > 0 && have < need {
			factor *= float64(have) / float64(need)
		}
	}
	factor *= 1 - 0.3*clamp(q.ctx.GlobalSystemLoad, 0, 1)
	return clamp(factor, 0, 1) * 100
}

func (q *Queue) dependencyPressure(t *task.Task) float64 {
	waiters := 0
	highPriorityWaiters := 0
	if q.ctx.DependencyWaiters != nil {
		waiters = q.ctx.DependencyWaiters[t.ID]
	}
	if q.ctx.HighPriorityWaiters != nil {
		highPriorityWaiters = q.ctx.HighPriorityWaiters[t.ID]
	}
	const cap_ = 100.0
	v := float64(waiters*10 + highPriorityWaiters*20)
	if v > cap_ {
		v = cap_
	}
	return v
}

func (q *Queue) performanceBonus(t *task.Task) float64 {
	if q.ctx.SkillStats == nil {
		return 0
	}
	stats, ok := q.ctx.SkillStats[t.Type]
	if !ok {
		return 0
	}
	speedFactor := 1.0
	if stats.AvgDurationSecs > 0 && t.Resources.EstimatedDuration > 0 {
		target := t.Resources.EstimatedDuration.Seconds()
		speedFactor = target / stats.AvgDurationSecs
		if speedFactor > 1 {
			speedFactor = 1
		}
	}
	return clamp(stats.SuccessRatio, 0, 1) * 50 + clamp(speedFactor, 0, 1)*50
}

var importantTags = map[string]float64{
	"urgent":    20,
	"critical":  30,
	"vip":       15,
	"emergency": 40,
}

func (q *Queue) contextImportance(t *task.Task) float64 {
	base := 0.0
	if v, ok := t.Priority.Factors["context_importance"]; ok {
		base = v
	}
	for _, tag := range t.Tags {
		if boost, ok := importantTags[strings.ToLower(tag)]; ok {
			base += boost
		}
	}
	return clamp(base, 0, 100)
}

var businessKeywordWeight = []struct {
	keyword string
	weight  float64
}{
	{"security", 40},
	{"finance", 25},
	{"user-facing", 15},
	{"user_facing", 15},
}

func (q *Queue) businessRules(t *task.Task) float64 {
	score := 0.0
	if q.ctx.BusinessHours {
		score += 20
	}
	if q.ctx.Weekend {
		score -= 15
	}
	desc := strings.ToLower(t.Description)
	matched := false
	for _, kw := range businessKeywordWeight {
		if strings.Contains(desc, kw.keyword) {
			score += kw.weight
			matched = true
			break // highest-priority keyword wins, per the precedence ordering
		}
	}
	if !matched {
		for _, tag := range t.Tags {
			lt := strings.ToLower(tag)
			for _, kw := range businessKeywordWeight {
				if lt == kw.keyword {
					score += kw.weight
					break
				}
			}
		}
	}
	return clamp(score, 0, 100)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
