package fabric

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/bidfabric/bidfabric/internal/envelope"
	"github.com/bidfabric/bidfabric/internal/faults"
	"github.com/bidfabric/bidfabric/internal/log"
	"github.com/bidfabric/bidfabric/internal/trace"
)

// fanoutDeadline bounds how long a topic or broadcast delivery may block on
// one back-pressured subscriber before that subscriber's copy is dropped.
const fanoutDeadline = 5 * time.Second

// Subscribe registers the agent for the topic. The first subscriber of a
// topic opens the transport subscription.
func (m *Manager) Subscribe(agentID, topic string) error {
	if m.down.Load() {
		return faults.New(faults.Unavailable, "fabric is shutting down")
	}
	if agentID == "" || topic == "" {
		return faults.New(faults.Malformed, "subscribe requires agent id and topic")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.topics[topic] == nil {
		m.topics[topic] = make(map[string]struct{})
	}
	m.topics[topic][agentID] = struct{}{}

	if _, ok := m.topicSubs[topic]; !ok {
		unsub, err := m.transport.Subscribe(topic, m.fanoutHandler(topic))
		if err != nil {
			delete(m.topics[topic], agentID)
			return err
		}
		m.topicSubs[topic] = unsub
	}
	log.Debug(log.CatFabric, "subscribed", "agent", agentID, "topic", topic)
	return nil
}

// Unsubscribe removes the agent from the topic; the last unsubscribe closes
// the transport subscription.
func (m *Manager) Unsubscribe(agentID, topic string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.topics[topic], agentID)
	if len(m.topics[topic]) == 0 {
		delete(m.topics, topic)
		if unsub, ok := m.topicSubs[topic]; ok {
			unsub()
			delete(m.topicSubs, topic)
		}
	}
}

// removeAllSubscriptions drops the agent from every topic.
func (m *Manager) removeAllSubscriptions(agentID string) {
	m.mu.Lock()
	var emptied []string
	for topic, subs := range m.topics {
		delete(subs, agentID)
		if len(subs) == 0 {
			emptied = append(emptied, topic)
		}
	}
	for _, topic := range emptied {
		delete(m.topics, topic)
		if unsub, ok := m.topicSubs[topic]; ok {
			unsub()
			delete(m.topicSubs, topic)
		}
	}
	m.mu.Unlock()
}

// Subscribers returns the topic's current subscriber ids, sorted.
func (m *Manager) Subscribers(topic string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.topics[topic]))
	for id := range m.topics[topic] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Publish fans the envelope out to every subscriber of its topic (the
// envelope's recipient field names the topic). Delivery is best-effort with
// per-subscriber back-pressure applied independently.
func (m *Manager) Publish(ctx context.Context, env *envelope.Envelope) error {
	if m.down.Load() {
		return faults.New(faults.Unavailable, "fabric is shutting down")
	}
	if env.Kind != envelope.KindPublish {
		return faults.New(faults.Malformed, "publish requires kind=publish, got %s", env.Kind)
	}
	if err := env.Validate(); err != nil {
		return err
	}

	data, err := envelope.Encode(env)
	if err != nil {
		return err
	}
	return m.transport.Publish(ctx, env.Recipient, data)
}

// PublishPayload is the convenience form: wrap payload in a publish envelope
// addressed to the topic and fan it out.
func (m *Manager) PublishPayload(ctx context.Context, sender, topic string, payload any, opts ...envelope.Option) error {
	return m.Publish(ctx, envelope.NewPublish(sender, topic, payload, opts...))
}

// fanoutHandler returns the transport callback that copies a decoded
// envelope into every local subscriber's queue.
func (m *Manager) fanoutHandler(topic string) func(data []byte) {
	return func(data []byte) {
		env, err := envelope.Decode(data)
		if err != nil {
			log.ErrorErr(log.CatFabric, "dropping undecodable topic message", err, "topic", topic)
			return
		}

		m.mu.RLock()
		subscribers := make([]string, 0, len(m.topics[topic]))
		for id := range m.topics[topic] {
			subscribers = append(subscribers, id)
		}
		m.mu.RUnlock()

		for _, agentID := range subscribers {
			copyEnv := env.CloneFor(agentID)
			m.pool.submit(func() {
				ctx, cancel := context.WithTimeout(context.Background(), fanoutDeadline)
				defer cancel()
				q := m.queues.GetOrCreate(copyEnv.Recipient)
				if err := q.Enqueue(ctx, copyEnv); err != nil {
					log.Warn(log.CatFabric, "topic delivery dropped", "topic", topic, "recipient", copyEnv.Recipient, "err", err)
					return
				}
				m.tracer.Record(copyEnv, copyEnv.Recipient, trace.ActionEnqueued, "")
			})
		}
	}
}

// Filter narrows broadcast fan-out by agent type or capability. Zero value
// matches every registered agent.
type Filter struct {
	AgentType  string
	Capability string
}

// Outcome reports one broadcast recipient's delivery result.
type Outcome struct {
	Recipient string `json:"recipient"`
	Err       error  `json:"-"`
}

// Broadcast fans the payload out to all routable agents matching the
// filter. Fire-and-forget: the per-recipient outcomes are returned for
// observability, not awaited acknowledgements.
func (m *Manager) Broadcast(ctx context.Context, sender string, payload any, filter Filter, opts ...envelope.Option) ([]Outcome, error) {
	if m.down.Load() {
		return nil, faults.New(faults.Unavailable, "fabric is shutting down")
	}
	env := envelope.NewBroadcast(sender, payload, opts...)
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return m.fanoutBroadcast(ctx, env, filter), nil
}

func (m *Manager) fanoutBroadcast(ctx context.Context, env *envelope.Envelope, filter Filter) []Outcome {
	var targets []string
	for _, entry := range m.reg.List() {
		if !entry.Routable() || entry.AgentID == env.Sender {
			continue
		}
		if filter.AgentType != "" && entry.AgentType != filter.AgentType {
			continue
		}
		if filter.Capability != "" && !entry.HasCapability(filter.Capability) {
			continue
		}
		targets = append(targets, entry.AgentID)
	}

	outcomes := make([]Outcome, len(targets))
	var wg sync.WaitGroup
	for i, agentID := range targets {
		i, agentID := i, agentID
		wg.Add(1)
		m.pool.submit(func() {
			defer wg.Done()
			copyEnv := env.CloneFor(agentID)
			deliverCtx, cancel := context.WithTimeout(ctx, fanoutDeadline)
			defer cancel()
			outcomes[i] = Outcome{Recipient: agentID, Err: m.deliver(deliverCtx, copyEnv)}
		})
	}
	wg.Wait()
	return outcomes
}
