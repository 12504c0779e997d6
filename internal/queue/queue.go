// Package queue provides the bounded per-recipient priority queues backing
// the messaging fabric. Each recipient owns one logical queue realized as
// four FIFO lanes keyed by priority; dequeue drains urgent before high
// before normal before low, strictly FIFO within a lane.
package queue

import (
	"context"
	"sync"
	"time"

	"github.com/bidfabric/bidfabric/internal/envelope"
	"github.com/bidfabric/bidfabric/internal/faults"
)

// DefaultCapacity is the default per-queue bound.
const DefaultCapacity = 10000

// blockedPollInterval bounds how long a blocked caller waits between
// re-checks when a wakeup token is consumed by a competing waiter.
const blockedPollInterval = 25 * time.Millisecond

// Health tags a queue's saturation state for metrics.
type Health string

const (
	HealthHealthy   Health = "healthy"
	HealthDegraded  Health = "degraded"
	HealthUnhealthy Health = "unhealthy"
)

// Saturation thresholds: a queue that back-pressured senders this many times
// is degraded; past the unhealthy threshold it is surfaced as unhealthy.
// Saturation never drains the queue automatically.
const (
	degradedSaturationThreshold  = 1
	unhealthySaturationThreshold = 10
)

// Stats is a point-in-time snapshot of one queue's counters.
type Stats struct {
	AgentID       string                 `json:"agent_id"`
	SizeByLane    map[envelope.Priority]int `json:"size_by_lane"`
	Size          int                    `json:"size"`
	HighWater     int                    `json:"high_water"`
	TotalEnqueued uint64                 `json:"total_enqueued"`
	TotalDequeued uint64                 `json:"total_dequeued"`
	TotalDropped  uint64                 `json:"total_dropped"`
	TotalExpired  uint64                 `json:"total_expired"`
	Saturations   uint64                 `json:"saturations"`
	OldestAge     time.Duration          `json:"oldest_age"`
	Health        Health                 `json:"health"`
}

// ExpiredFunc is invoked (outside the queue lock) for each envelope dropped
// because its TTL elapsed before delivery.
type ExpiredFunc func(env *envelope.Envelope)

// PriorityQueue is a bounded, blocking, priority-preemptive FIFO queue.
type PriorityQueue struct {
	agentID  string
	capacity int

	mu    sync.Mutex
	lanes [4][]*envelope.Envelope

	// Buffered wakeup tokens. A token sent while nobody waits is retained,
	// so a state change between unlock and wait cannot be lost.
	itemReady  chan struct{}
	spaceReady chan struct{}

	closed bool

	highWater     int
	totalEnqueued uint64
	totalDequeued uint64
	totalDropped  uint64
	totalExpired  uint64
	saturations   uint64

	onExpired ExpiredFunc
}

// New creates a queue for the given agent. capacity <= 0 uses DefaultCapacity.
func New(agentID string, capacity int) *PriorityQueue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &PriorityQueue{
		agentID:    agentID,
		capacity:   capacity,
		itemReady:  make(chan struct{}, 1),
		spaceReady: make(chan struct{}, 1),
	}
}

// SetExpiredFunc installs the TTL-drop callback. Must be set before use.
func (q *PriorityQueue) SetExpiredFunc(fn ExpiredFunc) {
	q.mu.Lock()
	q.onExpired = fn
	q.mu.Unlock()
}

// AgentID returns the owning agent's id.
func (q *PriorityQueue) AgentID() string {
	return q.agentID
}

func (q *PriorityQueue) size() int {
	n := 0
	for i := range q.lanes {
		n += len(q.lanes[i])
	}
	return n
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// Enqueue appends the envelope to its priority lane. When the queue is full
// the call blocks until space frees or ctx is done; a deadline failure is a
// queue_full fault and counts as a saturation event.
func (q *PriorityQueue) Enqueue(ctx context.Context, env *envelope.Envelope) error {
	saturated := false
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return faults.New(faults.Unavailable, "queue %s is closed", q.agentID)
		}
		if q.size() < q.capacity {
			lane := env.Priority.Rank()
			q.lanes[lane] = append(q.lanes[lane], env)
			q.totalEnqueued++
			if s := q.size(); s > q.highWater {
				q.highWater = s
			}
			q.mu.Unlock()
			signal(q.itemReady)
			return nil
		}
		if !saturated {
			q.saturations++
			saturated = true
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			q.mu.Lock()
			q.totalDropped++
			q.mu.Unlock()
			if ctx.Err() == context.Canceled {
				return faults.Wrap(faults.Cancelled, ctx.Err(), "enqueue to %s cancelled", q.agentID)
			}
			return faults.Wrap(faults.QueueFull, ctx.Err(), "queue %s full past deadline", q.agentID)
		case <-q.spaceReady:
		case <-time.After(blockedPollInterval):
		}
	}
}

// Dequeue removes and returns the next envelope, draining lanes in priority
// order. It blocks until a message arrives or ctx is done. Envelopes whose
// TTL elapsed are dropped with the expired callback and never returned.
func (q *PriorityQueue) Dequeue(ctx context.Context) (*envelope.Envelope, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, faults.New(faults.Unavailable, "queue %s is closed", q.agentID)
		}
		env, expired := q.popLocked()
		more := q.size() > 0
		onExpired := q.onExpired
		q.mu.Unlock()

		for _, ex := range expired {
			if onExpired != nil {
				onExpired(ex)
			}
		}
		if env != nil {
			signal(q.spaceReady)
			if more {
				signal(q.itemReady)
			}
			return env, nil
		}
		if len(expired) > 0 {
			// Dropped messages freed space even though nothing was returned.
			signal(q.spaceReady)
		}

		select {
		case <-ctx.Done():
			if ctx.Err() == context.Canceled {
				return nil, faults.Wrap(faults.Cancelled, ctx.Err(), "dequeue from %s cancelled", q.agentID)
			}
			return nil, faults.Wrap(faults.Timeout, ctx.Err(), "dequeue from %s timed out", q.agentID)
		case <-q.itemReady:
		case <-time.After(blockedPollInterval):
		}
	}
}

// popLocked removes the next live envelope, collecting expired ones along
// the way. Caller holds the lock.
func (q *PriorityQueue) popLocked() (*envelope.Envelope, []*envelope.Envelope) {
	now := time.Now()
	var expired []*envelope.Envelope
	for lane := range q.lanes {
		for len(q.lanes[lane]) > 0 {
			env := q.lanes[lane][0]
			q.lanes[lane] = q.lanes[lane][1:]
			if env.Expired(now) {
				q.totalExpired++
				q.totalDropped++
				expired = append(expired, env)
				continue
			}
			q.totalDequeued++
			return env, expired
		}
	}
	return nil, expired
}

// TryDequeue removes the next envelope without blocking.
func (q *PriorityQueue) TryDequeue() (*envelope.Envelope, bool) {
	q.mu.Lock()
	env, expired := q.popLocked()
	onExpired := q.onExpired
	q.mu.Unlock()

	for _, ex := range expired {
		if onExpired != nil {
			onExpired(ex)
		}
	}
	if env != nil {
		signal(q.spaceReady)
		return env, true
	}
	return nil, false
}

// Len returns the current number of queued envelopes.
func (q *PriorityQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size()
}

// Stats returns a snapshot of the queue's counters and health tag.
func (q *PriorityQueue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	byLane := make(map[envelope.Priority]int, len(envelope.Priorities))
	for _, p := range envelope.Priorities {
		byLane[p] = len(q.lanes[p.Rank()])
	}

	var oldest time.Duration
	now := time.Now()
	for lane := range q.lanes {
		for _, env := range q.lanes[lane] {
			if age := now.Sub(env.Timestamp); age > oldest {
				oldest = age
			}
		}
	}

	health := HealthHealthy
	switch {
	case q.saturations >= unhealthySaturationThreshold:
		health = HealthUnhealthy
	case q.saturations >= degradedSaturationThreshold:
		health = HealthDegraded
	}

	return Stats{
		AgentID:       q.agentID,
		SizeByLane:    byLane,
		Size:          q.size(),
		HighWater:     q.highWater,
		TotalEnqueued: q.totalEnqueued,
		TotalDequeued: q.totalDequeued,
		TotalDropped:  q.totalDropped,
		TotalExpired:  q.totalExpired,
		Saturations:   q.saturations,
		OldestAge:     oldest,
		Health:        health,
	}
}

// Close discards all queued envelopes (counting them as drops) and wakes any
// blocked callers. Discarded envelopes are reported through the expired
// callback path by the caller if needed; the default shutdown policy is
// discard-with-trace, handled by the fabric.
func (q *PriorityQueue) Close() []*envelope.Envelope {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	var discarded []*envelope.Envelope
	for lane := range q.lanes {
		discarded = append(discarded, q.lanes[lane]...)
		q.lanes[lane] = nil
	}
	q.totalDropped += uint64(len(discarded))
	q.mu.Unlock()

	// Wake blocked callers; stragglers observe the closed state on their
	// next poll interval.
	signal(q.itemReady)
	signal(q.spaceReady)
	return discarded
}
