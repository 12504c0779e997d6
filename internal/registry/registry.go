// Package registry provides the directory of live agents: capabilities,
// health, and addressing. The registry is the single source of truth for
// routing; an unknown recipient yields a no_route fault in the fabric.
package registry

import (
	"sync"
	"time"

	"github.com/bidfabric/bidfabric/internal/faults"
	"github.com/bidfabric/bidfabric/internal/pubsub"
)

// Status is an agent's operational state.
type Status string

const (
	StatusStarting    Status = "starting"
	StatusReady       Status = "ready"
	StatusBusy        Status = "busy"
	StatusDegraded    Status = "degraded"
	StatusUnavailable Status = "unavailable"
)

// SystemTopic is the internal topic carrying registry change notifications.
const SystemTopic = "system/registry"

// Entry describes one registered agent.
type Entry struct {
	AgentID       string            `json:"agent_id"`
	AgentType     string            `json:"agent_type"`
	Capabilities  []string          `json:"capabilities"`
	Status        Status            `json:"status"`
	LastHeartbeat time.Time         `json:"last_heartbeat"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	RegisteredAt  time.Time         `json:"registered_at"`

	// seq preserves registration order for the engine's final tie-break.
	seq uint64
}

// Seq returns the monotonic registration sequence number.
func (e *Entry) Seq() uint64 {
	return e.seq
}

// HasCapability reports whether the agent advertises the capability.
func (e *Entry) HasCapability(cap string) bool {
	for _, c := range e.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// Routable reports whether the agent may receive traffic.
func (e *Entry) Routable() bool {
	return e.Status != StatusUnavailable
}

// ChangeKind tags registry notifications.
type ChangeKind string

const (
	ChangeRegistered   ChangeKind = "registered"
	ChangeReRegistered ChangeKind = "re-registration"
	ChangeUnregistered ChangeKind = "unregistered"
	ChangeStale        ChangeKind = "stale"
)

// Change is published on SystemTopic whenever the directory mutates.
type Change struct {
	Kind    ChangeKind `json:"kind"`
	AgentID string     `json:"agent_id"`
	Status  Status     `json:"status"`
	At      time.Time  `json:"at"`
}

// Registry is the thread-safe agent directory.
type Registry struct {
	mu         sync.RWMutex
	agents     map[string]*Entry
	nextSeq    uint64
	staleAfter time.Duration
	broker     *pubsub.Broker[Change]

	sweepDone chan struct{}
	sweepOnce sync.Once
}

// New creates a registry. Heartbeats older than staleAfter flip agents to
// unavailable during sweeps and lookups.
func New(staleAfter time.Duration) *Registry {
	return &Registry{
		agents:     make(map[string]*Entry),
		staleAfter: staleAfter,
		broker:     pubsub.NewBroker[Change](),
		sweepDone:  make(chan struct{}),
	}
}

// Broker exposes the change notification broker; the fabric republishes
// these on the system/registry topic.
func (r *Registry) Broker() *pubsub.Broker[Change] {
	return r.broker
}

// Register adds or replaces an agent entry. Replacing an existing id emits a
// re-registration notification.
func (r *Registry) Register(agentID, agentType string, capabilities []string, metadata map[string]string) error {
	if agentID == "" {
		return faults.New(faults.Malformed, "agent id cannot be empty")
	}

	r.mu.Lock()
	_, existed := r.agents[agentID]
	r.nextSeq++
	entry := &Entry{
		AgentID:       agentID,
		AgentType:     agentType,
		Capabilities:  append([]string(nil), capabilities...),
		Status:        StatusReady,
		LastHeartbeat: time.Now(),
		Metadata:      metadata,
		RegisteredAt:  time.Now(),
		seq:           r.nextSeq,
	}
	r.agents[agentID] = entry
	r.mu.Unlock()

	kind := ChangeRegistered
	if existed {
		kind = ChangeReRegistered
	}
	r.broker.Publish(pubsub.UpdatedEvent, Change{Kind: kind, AgentID: agentID, Status: StatusReady, At: time.Now()})
	return nil
}

// Unregister removes an agent from the directory.
func (r *Registry) Unregister(agentID string) error {
	r.mu.Lock()
	_, ok := r.agents[agentID]
	delete(r.agents, agentID)
	r.mu.Unlock()

	if !ok {
		return faults.New(faults.NoRoute, "agent %s is not registered", agentID)
	}
	r.broker.Publish(pubsub.DeletedEvent, Change{Kind: ChangeUnregistered, AgentID: agentID, At: time.Now()})
	return nil
}

// Heartbeat refreshes the agent's liveness. A heartbeat from an unavailable
// agent restores it to ready.
func (r *Registry) Heartbeat(agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.agents[agentID]
	if !ok {
		return faults.New(faults.NoRoute, "agent %s is not registered", agentID)
	}
	entry.LastHeartbeat = time.Now()
	if entry.Status == StatusUnavailable {
		entry.Status = StatusReady
	}
	return nil
}

// SetStatus updates the agent's advertised status.
func (r *Registry) SetStatus(agentID string, status Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.agents[agentID]
	if !ok {
		return faults.New(faults.NoRoute, "agent %s is not registered", agentID)
	}
	entry.Status = status
	return nil
}

// Status returns the agent's current status.
func (r *Registry) Status(agentID string) (Status, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.agents[agentID]
	if !ok {
		return "", faults.New(faults.NoRoute, "agent %s is not registered", agentID)
	}
	return r.effectiveStatusLocked(entry), nil
}

// Get returns a copy of the agent's entry.
func (r *Registry) Get(agentID string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.agents[agentID]
	if !ok {
		return Entry{}, false
	}
	cp := *entry
	cp.Status = r.effectiveStatusLocked(entry)
	return cp, true
}

// LookupByType returns routable agents of the given type, in registration order.
func (r *Registry) LookupByType(agentType string) []Entry {
	return r.lookup(func(e *Entry) bool { return e.AgentType == agentType })
}

// LookupByCapability returns routable agents advertising the capability.
func (r *Registry) LookupByCapability(cap string) []Entry {
	return r.lookup(func(e *Entry) bool { return e.HasCapability(cap) })
}

// List returns all entries (including unavailable ones), in registration order.
func (r *Registry) List() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entry, 0, len(r.agents))
	for _, e := range r.agents {
		cp := *e
		cp.Status = r.effectiveStatusLocked(e)
		out = append(out, cp)
	}
	sortBySeq(out)
	return out
}

func (r *Registry) lookup(match func(*Entry) bool) []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Entry
	for _, e := range r.agents {
		status := r.effectiveStatusLocked(e)
		if status == StatusUnavailable || !match(e) {
			continue
		}
		cp := *e
		cp.Status = status
		out = append(out, cp)
	}
	sortBySeq(out)
	return out
}

// effectiveStatusLocked folds heartbeat staleness into the stored status.
func (r *Registry) effectiveStatusLocked(e *Entry) Status {
	if r.staleAfter > 0 && time.Since(e.LastHeartbeat) > r.staleAfter {
		return StatusUnavailable
	}
	return e.Status
}

// StartSweeper begins the background staleness sweep at the given interval.
// Stale agents are flipped to unavailable and announced on the system topic.
func (r *Registry) StartSweeper(interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-r.sweepDone:
				return
			case <-ticker.C:
				r.sweep()
			}
		}
	}()
}

// StopSweeper stops the background sweep.
func (r *Registry) StopSweeper() {
	r.sweepOnce.Do(func() { close(r.sweepDone) })
}

func (r *Registry) sweep() {
	var stale []string
	r.mu.Lock()
	for id, e := range r.agents {
		if e.Status != StatusUnavailable && r.staleAfter > 0 && time.Since(e.LastHeartbeat) > r.staleAfter {
			e.Status = StatusUnavailable
			stale = append(stale, id)
		}
	}
	r.mu.Unlock()

	for _, id := range stale {
		r.broker.Publish(pubsub.UpdatedEvent, Change{Kind: ChangeStale, AgentID: id, Status: StatusUnavailable, At: time.Now()})
	}
}

func sortBySeq(entries []Entry) {
	// Insertion sort - adequate for expected directory sizes.
	for i := 1; i < len(entries); i++ {
		for j := i; j > 0 && entries[j].seq < entries[j-1].seq; j-- {
			entries[j], entries[j-1] = entries[j-1], entries[j]
		}
	}
}
