// Package agentnode models an execution location the scheduler can dispatch
// tasks to: its capability set, mutable resource pool, active-task set,
// concurrency cap, and per-task-type specialisation scores.
//
// The resource-pool bookkeeping (available vs. allocated, mutex-guarded)
// mirrors how this codebase's agent-side capability registration keeps a
// name-keyed map behind a single lock; the capability-set membership check
// reuses the same "named capability" vocabulary as its Capability type,
// adapted from an HTTP-exposed endpoint to a task-type the node can run.
package agentnode

import (
	"sync"

	"github.com/agentcore-dev/engine/internal/engineerr"
	"github.com/agentcore-dev/engine/pkg/task"
)

// Node is an Agent Node (the scheduler's dispatch target).
type Node struct {
	mu sync.Mutex

	ID             string
	Capabilities   map[string]bool
	Resources      task.ResourceRequirement // used as a pool: fields are totals
	available      task.ResourceRequirement
	ConcurrencyCap int
	activeTasks    map[string]bool
	Specialisation map[string]float64 // task type -> fit score
}

// New constructs a Node with the given resource pool and concurrency cap.
func New(id string, capabilities []string, pool task.ResourceRequirement, concurrencyCap int) *Node {
	caps := make(map[string]bool, len(capabilities))
	for _, c := range capabilities {
		caps[c] = true
	}
	return &Node{
		ID:             id,
		Capabilities:   caps,
		Resources:      pool,
		available:      pool,
		ConcurrencyCap: concurrencyCap,
		activeTasks:    make(map[string]bool),
		Specialisation: make(map[string]float64),
	}
}

// CanRun reports whether this node declares the capability for taskType.
func (n *Node) CanRun(taskType string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.Capabilities[taskType]
}

// ActiveCount returns the number of tasks currently allocated to this node.
func (n *Node) ActiveCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.activeTasks)
}

// HasCapacity reports whether the node is under its concurrency cap and has
// enough available resources to accept req.
func (n *Node) HasCapacity(req task.ResourceRequirement) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.ConcurrencyCap > 0 && len(n.activeTasks) >= n.ConcurrencyCap {
		return false
	}
	return n.fits(req)
}

// fits must be called with n.mu held.
func (n *Node) fits(req task.ResourceRequirement) bool {
	if req.CPUCores > n.available.CPUCores {
		return false
	}
	if req.MemoryMB > n.available.MemoryMB {
		return false
	}
	if req.StorageMB > n.available.StorageMB {
		return false
	}
	for name, need := range req.SpecialResources {
		if n.available.SpecialResources[name] < need {
			return false
		}
	}
	return true
}

// Allocate reserves req for taskID and admits it to the active set. Returns
// an error if the node lacks capacity.
func (n *Node) Allocate(taskID string, req task.ResourceRequirement) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.ConcurrencyCap > 0 && len(n.activeTasks) >= n.ConcurrencyCap {
		return engineerr.New("agentnode.Allocate", engineerr.KindTransient, engineerr.ErrAgentSaturated).WithID(n.ID)
	}
	if !n.fits(req) {
		return engineerr.New("agentnode.Allocate", engineerr.KindTransient, engineerr.ErrAgentSaturated).WithID(n.ID)
	}
	n.available.CPUCores -= req.CPUCores
	n.available.MemoryMB -= req.MemoryMB
	n.available.StorageMB -= req.StorageMB
	if req.SpecialResources != nil {
		if n.available.SpecialResources == nil {
			n.available.SpecialResources = make(map[string]int)
		}
		for name, need := range req.SpecialResources {
			n.available.SpecialResources[name] -= need
		}
	}
	n.activeTasks[taskID] = true
	return nil
}

// Release deallocates req and removes taskID from the active set. Safe to
// call even if taskID was never allocated (a no-op in that case).
func (n *Node) Release(taskID string, req task.ResourceRequirement) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.activeTasks[taskID] {
		return
	}
	delete(n.activeTasks, taskID)
	n.available.CPUCores += req.CPUCores
	n.available.MemoryMB += req.MemoryMB
	n.available.StorageMB += req.StorageMB
	for name, need := range req.SpecialResources {
		if n.available.SpecialResources != nil {
			n.available.SpecialResources[name] += need
		}
	}
}

// Utilisation returns the fraction of the concurrency cap currently in use,
// in [0,1]. A node with no cap configured is treated as never saturated.
func (n *Node) Utilisation() float64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.ConcurrencyCap <= 0 {
		return 0
	}
	return float64(len(n.activeTasks)) / float64(n.ConcurrencyCap)
}

// Fit computes the agent-selection fit score (§4.6.1): a 50 base, plus up to
// 24 for capability match, up to 20 for specialisation, plus
// 10*(1-avg_utilisation), clamped to [0,100].
func (n *Node) Fit(taskType string) float64 {
	n.mu.Lock()
	capMatch := n.Capabilities[taskType]
	spec := n.Specialisation[taskType]
	util := 0.0
	if n.ConcurrencyCap > 0 {
		util = float64(len(n.activeTasks)) / float64(n.ConcurrencyCap)
	}
	n.mu.Unlock()

	if !capMatch {
		return 0
	}
	score := 50.0 + 24.0 + clamp(spec, 0, 1)*20.0 + 10.0*(1-util)
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
