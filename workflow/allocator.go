package workflow

import (
	"sync"

	"github.com/google/uuid"
)

// GrantRequest identifies a ready step asking for a concurrency slot.
type GrantRequest struct {
	InstanceID uuid.UUID
	StepID     string
	Agent      string
}

// ResourcePool is the admission-control counter shared across all running
// instances. Acquire and release are atomic with respect to each other; the
// capacity invariant (allocated <= capacity) holds at all times.
//
// The pool itself is FIFO over the offers it receives; priority ordering is
// applied by the scheduler, which offers ready steps highest-priority first
// (ties broken by earliest ready time).
type ResourcePool struct {
	mu        sync.Mutex
	capacity  int
	agentCaps map[string]int

	allocated int
	perAgent  map[string]int

	granted int64
	denied  int64
	peak    int
}

// NewResourcePool creates a pool with a global capacity and optional
// per-agent caps. Capacity must be positive.
func NewResourcePool(capacity int, agentCaps map[string]int) *ResourcePool {
	if capacity <= 0 {
		capacity = 1
	}
	caps := make(map[string]int, len(agentCaps))
	for agent, c := range agentCaps {
		caps[agent] = c
	}
	return &ResourcePool{
		capacity:  capacity,
		agentCaps: caps,
		perAgent:  make(map[string]int),
	}
}

// TryAcquire grants a slot if capacity allows. A false return is a "wait"
// signal, never a failure: the step stays ready and is re-offered on the
// next scheduling tick.
func (p *ResourcePool) TryAcquire(req GrantRequest) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.allocated >= p.capacity {
		p.denied++
		return false
	}
	if limit, ok := p.agentCaps[req.Agent]; ok && p.perAgent[req.Agent] >= limit {
		p.denied++
		return false
	}

	p.allocated++
	p.perAgent[req.Agent]++
	p.granted++
	if p.allocated > p.peak {
		p.peak = p.allocated
	}
	return true
}

// Release returns the slot held for a step attempt on the given agent.
// Called exactly once per grant, when the attempt reaches a terminal
// outcome.
func (p *ResourcePool) Release(agent string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.allocated > 0 {
		p.allocated--
	}
	if p.perAgent[agent] > 0 {
		p.perAgent[agent]--
	}
}

// InUse returns the number of currently allocated slots.
func (p *ResourcePool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.allocated
}

// Capacity returns the global capacity.
func (p *ResourcePool) Capacity() int {
	return p.capacity
}

// PoolStats is a point-in-time snapshot of pool counters.
type PoolStats struct {
	Capacity  int   `json:"capacity"`
	Allocated int   `json:"allocated"`
	Peak      int   `json:"peak"`
	Granted   int64 `json:"granted"`
	Denied    int64 `json:"denied"`
}

// Stats snapshots the pool counters.
func (p *ResourcePool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PoolStats{
		Capacity:  p.capacity,
		Allocated: p.allocated,
		Peak:      p.peak,
		Granted:   p.granted,
		Denied:    p.denied,
	}
}
