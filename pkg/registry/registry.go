// Package registry implements the component registry (C1): the
// authoritative catalog of skills, their lifecycle state, their declared
// dependencies, and the activation/deactivation hooks that fire as a skill
// moves between states.
//
// The entry bookkeeping follows the shape of this codebase's agent catalog
// (a name-keyed map guarded by a single RWMutex; no secondary index is
// kept), and the lifecycle transition rules borrow the registration
// idempotency of its Redis-backed discovery client.
package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/agentcore-dev/engine/internal/engineerr"
	"github.com/agentcore-dev/engine/internal/logging"
)

// Status is a skill's position in the C1 lifecycle state machine.
type Status string

const (
	StatusDiscovered Status = "discovered"
	StatusRegistered Status = "registered"
	StatusActive     Status = "active"
	StatusInactive   Status = "inactive"
	StatusError      Status = "error"
)

// Kind tags the origin of a skill.
type Kind string

const (
	KindUser      Kind = "user"
	KindGenerated Kind = "generated"
	KindExternal  Kind = "external"
	KindMeta      Kind = "meta"
)

// Stats are the rolling performance statistics of a skill.
type Stats struct {
	ExecutionCount   int64
	AverageLatency   time.Duration
	SuccessRatio     float64
	LastOutcomes     []bool // bounded ring of the last N outcomes
	MemoryHighWaterKB int64
}

const maxOutcomeHistory = 50

// RecordOutcome appends an execution outcome, updating the rolling success
// ratio and bounding the outcome history.
func (s *Stats) RecordOutcome(success bool, latency time.Duration) {
	s.ExecutionCount++
	s.LastOutcomes = append(s.LastOutcomes, success)
	if len(s.LastOutcomes) > maxOutcomeHistory {
		s.LastOutcomes = s.LastOutcomes[len(s.LastOutcomes)-maxOutcomeHistory:]
	}
	var successes int
	for _, o := range s.LastOutcomes {
		if o {
			successes++
		}
	}
	s.SuccessRatio = float64(successes) / float64(len(s.LastOutcomes))
	if s.ExecutionCount == 1 {
		s.AverageLatency = latency
	} else {
		// incremental mean
		s.AverageLatency += (latency - s.AverageLatency) / time.Duration(s.ExecutionCount)
	}
}

// FailureRecord is one entry of a skill's bounded error history.
type FailureRecord struct {
	At      time.Time
	Message string
}

const maxErrorHistory = 20

// Callable is the opaque handle a skill exposes for execution; the
// scheduler and orchestrator invoke it, the registry never does.
type Callable interface{}

// Entry is one skill's registry record.
type Entry struct {
	Name         string
	Kind         Kind
	Source       string
	ContentHash  string
	Status       Status
	Dependencies map[string]bool
	Dependents   map[string]bool
	Handle       Callable
	Stats        Stats
	Errors       []FailureRecord
	RegisteredAt time.Time
}

// ActivationHook runs when a skill transitions to active.
type ActivationHook func(e *Entry) error

// DeactivationHook runs when a skill transitions away from active.
type DeactivationHook func(e *Entry) error

// Registry is the component registry (C1).
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry

	activationHooks   map[string][]ActivationHook
	deactivationHooks map[string][]DeactivationHook

	logger logging.Logger
}

// Option configures a Registry at construction.
type Option func(*Registry)

// WithLogger attaches a component-scoped logger.
func WithLogger(l logging.Logger) Option {
	return func(r *Registry) {
		if l == nil {
			return
		}
		if cal, ok := l.(logging.ComponentAwareLogger); ok {
			r.logger = cal.WithComponent("engine/registry")
		} else {
			r.logger = l
		}
	}
}

// New constructs an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		entries:           make(map[string]*Entry),
		activationHooks:   make(map[string][]ActivationHook),
		deactivationHooks: make(map[string][]DeactivationHook),
		logger:            logging.NoOpLogger{},
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Register adds (or idempotently re-registers) a skill. Re-registering an
// existing name preserves its dependency graph and statistics but resets
// source/hash/handle — used when a generated skill is regenerated in place.
func (r *Registry) Register(name string, kind Kind, source, contentHash string, handle Callable) *Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, exists := r.entries[name]; exists {
		e.Kind = kind
		e.Source = source
		e.ContentHash = contentHash
		e.Handle = handle
		if e.Status == StatusError {
			// registration over an errored skill does not itself reset
			// state; Reset is the explicit path for that.
		} else {
			e.Status = StatusRegistered
		}
		return e
	}

	e := &Entry{
		Name:         name,
		Kind:         kind,
		Source:       source,
		ContentHash:  contentHash,
		Status:       StatusRegistered,
		Dependencies: make(map[string]bool),
		Dependents:   make(map[string]bool),
		Handle:       handle,
		RegisteredAt: time.Now(),
	}
	r.entries[name] = e
	return e
}

// Deregister removes a skill entirely, also dropping it from the
// dependency/dependent sets of every other entry.
func (r *Registry) Deregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, name)
	for _, e := range r.entries {
		delete(e.Dependencies, name)
		delete(e.Dependents, name)
	}
}

// Get returns the entry for name, if present.
func (r *Registry) Get(name string) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	return e, ok
}

// Filter selects entries for List.
type Filter struct {
	Status *Status
	Kind   *Kind
}

// List returns entries matching filter, sorted by name for determinism.
func (r *Registry) List(filter Filter) []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Entry
	for _, e := range r.entries {
		if filter.Status != nil && e.Status != *filter.Status {
			continue
		}
		if filter.Kind != nil && e.Kind != *filter.Kind {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// AddDependency declares that a depends on b. Rejected if it would close a
// cycle in the dependency graph.
func (r *Registry) AddDependency(a, b string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ea, ok := r.entries[a]
	if !ok {
		return engineerr.New("registry.AddDependency", engineerr.KindInput, engineerr.ErrSkillNotFound).WithID(a)
	}
	eb, ok := r.entries[b]
	if !ok {
		return engineerr.New("registry.AddDependency", engineerr.KindInput, engineerr.ErrSkillNotFound).WithID(b)
	}

	if r.dependsOn(b, a) {
		return engineerr.New("registry.AddDependency", engineerr.KindInput, engineerr.ErrCyclicEdge).WithID(fmt.Sprintf("%s->%s", a, b))
	}

	ea.Dependencies[b] = true
	eb.Dependents[a] = true
	return nil
}

// dependsOn reports whether from transitively depends on to. Must be
// called with r.mu held.
func (r *Registry) dependsOn(from, to string) bool {
	if from == to {
		return true
	}
	visited := make(map[string]bool)
	var walk func(n string) bool
	walk = func(n string) bool {
		if visited[n] {
			return false
		}
		visited[n] = true
		e, ok := r.entries[n]
		if !ok {
			return false
		}
		for dep := range e.Dependencies {
			if dep == to || walk(dep) {
				return true
			}
		}
		return false
	}
	return walk(from)
}

// RemoveDependency removes a declared dependency of a on b.
func (r *Registry) RemoveDependency(a, b string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ea, ok := r.entries[a]; ok {
		delete(ea.Dependencies, b)
	}
	if eb, ok := r.entries[b]; ok {
		delete(eb.Dependents, a)
	}
}

// AddActivationHook registers a hook to run (in registration order) when
// name transitions to active.
func (r *Registry) AddActivationHook(name string, fn ActivationHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.activationHooks[name] = append(r.activationHooks[name], fn)
}

// AddDeactivationHook registers a hook to run when name transitions away
// from active.
func (r *Registry) AddDeactivationHook(name string, fn DeactivationHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deactivationHooks[name] = append(r.deactivationHooks[name], fn)
}

// Activate transitions name to active. Refused if any dependency is not
// already active; the registry makes one recursive attempt to activate
// missing dependencies before giving up.
func (r *Registry) Activate(name string) error {
	return r.activate(name, true)
}

func (r *Registry) activate(name string, allowRecursion bool) error {
	r.mu.Lock()
	e, ok := r.entries[name]
	if !ok {
		r.mu.Unlock()
		return engineerr.New("registry.Activate", engineerr.KindInput, engineerr.ErrSkillNotFound).WithID(name)
	}
	deps := make([]string, 0, len(e.Dependencies))
	for d := range e.Dependencies {
		deps = append(deps, d)
	}
	r.mu.Unlock()

	for _, dep := range deps {
		r.mu.RLock()
		depEntry, ok := r.entries[dep]
		r.mu.RUnlock()
		if !ok || depEntry.Status != StatusActive {
			// A dependency-activation failure is not this entry's own
			// failure: per the failure semantics, it surfaces to the
			// caller but the entry itself remains registered. Only a
			// failure in this entry's own hooks marks it error.
			if !allowRecursion {
				return engineerr.New("registry.Activate", engineerr.KindInput, engineerr.ErrDependencyNotActive).WithID(name)
			}
			if err := r.activate(dep, false); err != nil {
				return engineerr.New("registry.Activate", engineerr.KindInput, engineerr.ErrDependencyNotActive).WithID(name)
			}
		}
	}

	r.mu.Lock()
	hooks := append([]ActivationHook{}, r.activationHooks[name]...)
	r.mu.Unlock()

	var firstErr error
	for _, hook := range hooks {
		if err := hook(e); err != nil {
			r.markError(name, err.Error())
			r.logger.Warn("activation hook failed", map[string]interface{}{"skill": name, "error": err.Error()})
			// the entry is marked error; hooks don't abort each other, so
			// the remaining hooks still run and the first failure surfaces.
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	if firstErr != nil {
		return engineerr.New("registry.Activate", engineerr.KindCapability, firstErr).WithID(name)
	}

	r.mu.Lock()
	e.Status = StatusActive
	r.mu.Unlock()
	return nil
}

// Deactivate transitions name away from active, cascading to dependents
// first in reverse topological order.
func (r *Registry) Deactivate(name string) error {
	order := r.reverseTopologicalDependents(name)
	for _, n := range order {
		if err := r.deactivateOne(n); err != nil {
			return err
		}
	}
	return r.deactivateOne(name)
}

func (r *Registry) deactivateOne(name string) error {
	r.mu.Lock()
	e, ok := r.entries[name]
	if !ok {
		r.mu.Unlock()
		return engineerr.New("registry.Deactivate", engineerr.KindInput, engineerr.ErrSkillNotFound).WithID(name)
	}
	hooks := append([]DeactivationHook{}, r.deactivationHooks[name]...)
	r.mu.Unlock()

	for _, hook := range hooks {
		if err := hook(e); err != nil {
			r.logger.Warn("deactivation hook failed", map[string]interface{}{"skill": name, "error": err.Error()})
		}
	}

	r.mu.Lock()
	e.Status = StatusInactive
	r.mu.Unlock()
	return nil
}

// reverseTopologicalDependents returns every transitive dependent of name,
// ordered so the furthest-downstream dependents appear first.
func (r *Registry) reverseTopologicalDependents(name string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	visited := make(map[string]bool)
	var order []string
	var visit func(n string)
	visit = func(n string) {
		e, ok := r.entries[n]
		if !ok {
			return
		}
		for dep := range e.Dependents {
			if !visited[dep] {
				visited[dep] = true
				visit(dep)
				order = append(order, dep)
			}
		}
	}
	visit(name)
	// DFS post-order appends a dependent only after its own dependents, so
	// the furthest-downstream dependents already come first.
	return order
}

// markError transitions an entry to error and appends a bounded failure
// record.
func (r *Registry) markError(name, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[name]
	if !ok {
		return
	}
	e.Status = StatusError
	e.Errors = append(e.Errors, FailureRecord{At: time.Now(), Message: message})
	if len(e.Errors) > maxErrorHistory {
		e.Errors = e.Errors[len(e.Errors)-maxErrorHistory:]
	}
}

// Reset clears an errored entry's error history and returns it to
// registered, preserving identity, dependencies, and statistics.
func (r *Registry) Reset(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[name]
	if !ok {
		return engineerr.New("registry.Reset", engineerr.KindInput, engineerr.ErrSkillNotFound).WithID(name)
	}
	if e.Status != StatusError {
		return nil
	}
	e.Errors = nil
	e.Status = StatusRegistered
	return nil
}
