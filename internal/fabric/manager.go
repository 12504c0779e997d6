// Package fabric implements the communication manager: the facade uniting
// envelopes, queues, the agent registry, retry and circuit breaking, the
// tracer, and the state store. Agents and the workflow engine talk to each
// other exclusively through this surface.
package fabric

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bidfabric/bidfabric/internal/config"
	"github.com/bidfabric/bidfabric/internal/envelope"
	"github.com/bidfabric/bidfabric/internal/faults"
	"github.com/bidfabric/bidfabric/internal/kvstore"
	"github.com/bidfabric/bidfabric/internal/log"
	"github.com/bidfabric/bidfabric/internal/queue"
	"github.com/bidfabric/bidfabric/internal/registry"
	"github.com/bidfabric/bidfabric/internal/retry"
	"github.com/bidfabric/bidfabric/internal/trace"
)

// Manager is the communication facade. One instance per process, owned by
// the runtime.
type Manager struct {
	cfg      config.FabricConfig
	reg      *registry.Registry
	queues   *queue.Registry
	dlq      *queue.DeadLetterStore
	breakers *retry.BreakerSet
	tracer   *trace.Tracer
	metrics  *trace.Metrics
	store    kvstore.Store
	pool     *deliveryPool

	transport Transport

	mu        sync.RWMutex
	topics    map[string]map[string]struct{} // topic -> subscriber agent ids
	topicSubs map[string]func()              // topic -> transport unsubscribe
	waiters   map[string]chan *envelope.Envelope
	ackWaits  map[string]chan struct{}

	outstanding atomic.Int64
	missedAcks  atomic.Uint64
	down        atomic.Bool
	startedAt   time.Time

	lifecycle       context.Context
	cancelLifecycle context.CancelFunc
}

// Deps carries the collaborators the manager composes. All fields are
// required except Transport, which defaults to the in-process one.
type Deps struct {
	Registry  *registry.Registry
	Store     kvstore.Store
	Tracer    *trace.Tracer
	Metrics   *trace.Metrics
	Transport Transport
}

// New wires the communication manager. The queue layer and breakers are
// owned by the manager; registry, store, and tracer are shared with the
// engine and the API surface.
func New(cfg config.FabricConfig, deps Deps) *Manager {
	m := &Manager{
		cfg:       cfg,
		reg:       deps.Registry,
		dlq:       queue.NewDeadLetterStore(cfg.DLQMaxEntries),
		tracer:    deps.Tracer,
		metrics:   deps.Metrics,
		store:     deps.Store,
		transport: deps.Transport,
		topics:    make(map[string]map[string]struct{}),
		topicSubs: make(map[string]func()),
		waiters:   make(map[string]chan *envelope.Envelope),
		ackWaits:  make(map[string]chan struct{}),
		startedAt: time.Now(),
	}
	m.queues = queue.NewRegistry(cfg.QueueCapacity, m.onExpired)
	m.breakers = retry.NewBreakerSet(retry.BreakerConfig{
		FailureThreshold: cfg.BreakerFailureThreshold,
		Cooldown:         cfg.BreakerCooldown(),
		CooldownCap:      cfg.BreakerCooldownCap(),
	})
	m.pool = newDeliveryPool(cfg.DeliveryWorkers)
	if m.transport == nil {
		m.transport = NewMemoryTransport()
	}
	if m.metrics != nil {
		m.metrics.SetQueueStatsFunc(m.QueueGauges)
	}
	m.lifecycle, m.cancelLifecycle = context.WithCancel(context.Background())

	m.loadDeadLetters()

	// Registry changes ride the internal system/registry topic so agents can
	// react to peers appearing, vanishing, or going stale.
	log.SafeGo("fabric-registry-feed", m.republishRegistryChanges)
	return m
}

// loadDeadLetters rehydrates the DLQ from the dlq namespace so dead letters
// survive a restart.
func (m *Manager) loadDeadLetters() {
	keys, err := m.store.Keys(kvstore.NSDeadLetter, "")
	if err != nil {
		log.Warn(log.CatQueue, "dead letter load failed", "err", err)
		return
	}
	for _, key := range keys {
		var dl queue.DeadLetter
		ok, err := kvstore.GetJSON(m.store, kvstore.NSDeadLetter, key, &dl)
		if err != nil || !ok || dl.Envelope == nil {
			continue
		}
		for _, ev := range m.dlq.Add(dl) {
			_ = m.store.Delete(kvstore.NSDeadLetter, ev.Envelope.MessageID)
		}
	}
	if n := m.dlq.Count(); n > 0 {
		log.Info(log.CatQueue, "dead letters restored", "count", n)
	}
}

// deadLetter records the entry in memory and mirrors it into the dlq
// namespace keyed by the original message id.
func (m *Manager) deadLetter(dl queue.DeadLetter) {
	if dl.At.IsZero() {
		dl.At = time.Now()
	}
	for _, ev := range m.dlq.Add(dl) {
		_ = m.store.Delete(kvstore.NSDeadLetter, ev.Envelope.MessageID)
	}
	if err := kvstore.SetJSON(m.store, kvstore.NSDeadLetter, dl.Envelope.MessageID, dl, kvstore.NoTTL); err != nil {
		log.Warn(log.CatQueue, "dead letter persist failed", "message", dl.Envelope.MessageID, "err", err)
	}
}

// RequeueDeadLetter re-submits a dead letter to its original destination at
// the envelope's original priority, removing it from the DLQ on success.
func (m *Manager) RequeueDeadLetter(ctx context.Context, messageID string) error {
	if m.down.Load() {
		return faults.New(faults.Unavailable, "fabric is shutting down")
	}
	dl, ok := m.dlq.Remove(messageID)
	if !ok {
		return faults.New(faults.NoRoute, "dead letter %s not found", messageID)
	}
	if err := m.deliver(ctx, dl.Envelope); err != nil {
		// Destination still unreachable: put the entry back.
		m.deadLetter(dl)
		return err
	}
	if err := m.store.Delete(kvstore.NSDeadLetter, messageID); err != nil {
		log.Warn(log.CatQueue, "dead letter delete failed", "message", messageID, "err", err)
	}
	log.Info(log.CatQueue, "dead letter requeued", "message", messageID, "recipient", dl.Envelope.Recipient)
	return nil
}

func (m *Manager) republishRegistryChanges() {
	for ev := range m.reg.Broker().Subscribe(m.lifecycle) {
		change := ev.Payload
		env := envelope.NewPublish("fabric", registry.SystemTopic, change, envelope.WithPriority(envelope.PriorityHigh))
		if err := m.Publish(m.lifecycle, env); err != nil {
			log.Debug(log.CatFabric, "registry change publish skipped", "agent", change.AgentID, "err", err)
		}
	}
}

// RegisterAgent adds the agent to the directory and materializes its queue.
func (m *Manager) RegisterAgent(agentID, agentType string, capabilities []string, metadata map[string]string) error {
	if m.down.Load() {
		return faults.New(faults.Unavailable, "fabric is shutting down")
	}
	if err := m.reg.Register(agentID, agentType, capabilities, metadata); err != nil {
		return err
	}
	m.queues.GetOrCreate(agentID)
	log.Info(log.CatFabric, "agent registered", "agent", agentID, "type", agentType)
	return nil
}

// UnregisterAgent removes the agent and discards its queue.
func (m *Manager) UnregisterAgent(agentID string) error {
	if err := m.reg.Unregister(agentID); err != nil {
		return err
	}
	m.queues.Remove(agentID)
	m.removeAllSubscriptions(agentID)
	log.Info(log.CatFabric, "agent unregistered", "agent", agentID)
	return nil
}

// Heartbeat refreshes the agent's liveness in the registry.
func (m *Manager) Heartbeat(agentID string) error {
	return m.reg.Heartbeat(agentID)
}

// SetAgentStatus updates the agent's advertised status.
func (m *Manager) SetAgentStatus(agentID string, status registry.Status) error {
	return m.reg.SetStatus(agentID, status)
}

// Registry exposes the agent directory for read-side consumers.
func (m *Manager) Registry() *registry.Registry {
	return m.reg
}

// QueueDepth returns the agent's current queued message count.
func (m *Manager) QueueDepth(agentID string) int {
	return m.queues.Size(agentID)
}

// DeadLetters exposes the DLQ for operator inspection.
func (m *Manager) DeadLetters() *queue.DeadLetterStore {
	return m.dlq
}

// Tracer exposes the message journey ledger.
func (m *Manager) Tracer() *trace.Tracer {
	return m.tracer
}

// Receive pulls the next envelope from the agent's queue, respecting
// priority. Blocks until a message arrives or ctx is done.
func (m *Manager) Receive(ctx context.Context, agentID string) (*envelope.Envelope, error) {
	if m.down.Load() {
		return nil, faults.New(faults.Unavailable, "fabric is shutting down")
	}
	q := m.queues.GetOrCreate(agentID)
	env, err := q.Dequeue(ctx)
	if err != nil {
		return nil, err
	}
	m.tracer.Record(env, agentID, trace.ActionDequeued, "")
	// One-way kinds are terminal on receipt; requests stay open until their
	// response closes the trace with the round-trip latency.
	switch env.Kind {
	case envelope.KindRequest:
	default:
		m.tracer.Record(env, agentID, trace.ActionDelivered, "")
	}
	return env, nil
}

// Ack acknowledges a processed envelope, releasing any sender waiting on
// requires_ack.
func (m *Manager) Ack(processed *envelope.Envelope) {
	m.releaseAck(processed.MessageID)
}

// releaseAck closes the ack watch armed for the message, if still open.
func (m *Manager) releaseAck(messageID string) bool {
	m.mu.Lock()
	ch, ok := m.ackWaits[messageID]
	if ok {
		delete(m.ackWaits, messageID)
	}
	m.mu.Unlock()
	if ok {
		close(ch)
	}
	return ok
}

// SetState writes an agent-owned value into the agents/state namespace.
func (m *Manager) SetState(agentID, key string, value any, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return faults.Wrap(faults.StateConflict, err, "state value for %s/%s is not serializable", agentID, key)
	}
	return m.store.Set(kvstore.NSAgentState, agentID+"/"+key, raw, ttl)
}

// GetState reads an agent-owned value. ok is false when absent or expired.
func (m *Manager) GetState(agentID, key string, out any) (bool, error) {
	raw, ok, err := m.store.Get(kvstore.NSAgentState, agentID+"/"+key)
	if err != nil || !ok {
		return false, err
	}
	return true, json.Unmarshal(raw, out)
}

// onExpired is installed on every queue; it traces TTL drops.
func (m *Manager) onExpired(env *envelope.Envelope) {
	m.tracer.Record(env, env.Recipient, trace.ActionExpired, "ttl elapsed before delivery")
	log.Debug(log.CatQueue, "envelope expired in queue", "message", env.MessageID, "recipient", env.Recipient)
}

// ShuttingDown reports whether Shutdown has begun.
func (m *Manager) ShuttingDown() bool {
	return m.down.Load()
}

// Shutdown refuses new operations, marks agents unavailable, and discards
// queued envelopes with trace records (discard-with-trace policy).
func (m *Manager) Shutdown(ctx context.Context) error {
	if m.down.Swap(true) {
		return nil
	}
	log.Info(log.CatFabric, "fabric shutting down")
	m.cancelLifecycle()

	for _, entry := range m.reg.List() {
		_ = m.reg.SetStatus(entry.AgentID, registry.StatusUnavailable)
	}

	discarded := m.queues.CloseAll()
	for agentID, n := range discarded {
		if n > 0 {
			log.Warn(log.CatQueue, "discarded queued envelopes at shutdown", "agent", agentID, "count", n)
		}
	}

	m.mu.Lock()
	for topic, unsub := range m.topicSubs {
		unsub()
		delete(m.topicSubs, topic)
	}
	waiters := m.waiters
	m.waiters = make(map[string]chan *envelope.Envelope)
	m.mu.Unlock()
	for _, ch := range waiters {
		close(ch)
	}

	m.pool.close()
	if err := m.transport.Close(); err != nil {
		return err
	}
	return ctx.Err()
}
