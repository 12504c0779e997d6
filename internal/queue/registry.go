package queue

import (
	"sync"
)

// Registry lazily creates and tracks one PriorityQueue per recipient.
// It is the fabric's routing table for direct delivery.
type Registry struct {
	mu        sync.RWMutex
	queues    map[string]*PriorityQueue
	capacity  int
	onExpired ExpiredFunc
	closed    bool
}

// NewRegistry creates a queue registry with the given per-queue capacity.
func NewRegistry(capacity int, onExpired ExpiredFunc) *Registry {
	return &Registry{
		queues:    make(map[string]*PriorityQueue),
		capacity:  capacity,
		onExpired: onExpired,
	}
}

// GetOrCreate returns the agent's queue, creating it on first reference.
func (r *Registry) GetOrCreate(agentID string) *PriorityQueue {
	r.mu.RLock()
	q, ok := r.queues[agentID]
	r.mu.RUnlock()
	if ok {
		return q
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if q, ok := r.queues[agentID]; ok {
		return q
	}
	q = New(agentID, r.capacity)
	q.SetExpiredFunc(r.onExpired)
	r.queues[agentID] = q
	return q
}

// Get returns the agent's queue if it exists.
func (r *Registry) Get(agentID string) (*PriorityQueue, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	q, ok := r.queues[agentID]
	return q, ok
}

// Remove deletes an agent's queue, discarding its contents.
func (r *Registry) Remove(agentID string) {
	r.mu.Lock()
	q, ok := r.queues[agentID]
	delete(r.queues, agentID)
	r.mu.Unlock()
	if ok {
		q.Close()
	}
}

// Size returns the queued message count for an agent (0 when absent).
func (r *Registry) Size(agentID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if q, ok := r.queues[agentID]; ok {
		return q.Len()
	}
	return 0
}

// StatsAll returns stats snapshots for every queue, keyed by agent id.
func (r *Registry) StatsAll() map[string]Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Stats, len(r.queues))
	for id, q := range r.queues {
		out[id] = q.Stats()
	}
	return out
}

// CloseAll shuts down every queue. Returns discarded envelopes per agent so
// the fabric can trace them (discard-with-trace shutdown policy).
func (r *Registry) CloseAll() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	discarded := make(map[string]int, len(r.queues))
	for id, q := range r.queues {
		discarded[id] = len(q.Close())
	}
	return discarded
}
