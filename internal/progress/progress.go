// Package progress implements the observability layer above the fabric: the
// per-workflow progress stream and the append-only audit trail. Both ride
// well-known topics so any agent (or an external process over the broker
// transport) can follow along.
package progress

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/bidfabric/bidfabric/internal/fabric"
	"github.com/bidfabric/bidfabric/internal/log"
	"github.com/bidfabric/bidfabric/internal/pubsub"
)

// Topic is the well-known progress stream topic.
const Topic = "workflow/progress"

// trackerAgentID is the subscriber identity the tracker registers under.
const trackerAgentID = "progress-tracker"

// Event is one progress update, published on every workflow state change.
type Event struct {
	WorkflowID string    `json:"workflow_id"`
	Stage      string    `json:"stage,omitempty"`
	Status     string    `json:"status"`
	Percent    float64   `json:"percent"`
	Message    string    `json:"message,omitempty"`
	At         time.Time `json:"at"`
}

// Publisher emits progress events on behalf of the engine.
type Publisher struct {
	fab    *fabric.Manager
	sender string
}

// NewPublisher creates a progress publisher sending as the given agent id.
func NewPublisher(fab *fabric.Manager, sender string) *Publisher {
	return &Publisher{fab: fab, sender: sender}
}

// Publish fans the event out on the progress topic. Best-effort: a progress
// event must never fail a workflow.
func (p *Publisher) Publish(ctx context.Context, ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	if err := p.fab.PublishPayload(ctx, p.sender, Topic, ev); err != nil {
		log.Debug(log.CatEngine, "progress publish skipped", "workflow", ev.WorkflowID, "err", err)
	}
}

// Tracker subscribes to the progress topic and keeps the latest snapshot per
// workflow for query.
type Tracker struct {
	fab    *fabric.Manager
	broker *pubsub.Broker[Event]

	cancel context.CancelFunc

	// latest is guarded by the tracker's receive loop: single writer, reads
	// go through the snapshot methods below.
	latest *snapshotMap
}

// NewTracker registers the tracker agent, subscribes it to the progress
// topic, and starts its receive loop.
func NewTracker(fab *fabric.Manager) (*Tracker, error) {
	if err := fab.RegisterAgent(trackerAgentID, "observer", []string{"progress"}, nil); err != nil {
		return nil, err
	}
	if err := fab.Subscribe(trackerAgentID, Topic); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &Tracker{
		fab:    fab,
		broker: pubsub.NewBroker[Event](),
		cancel: cancel,
		latest: newSnapshotMap(),
	}
	log.SafeGo("progress-tracker", func() { t.loop(ctx) })
	return t, nil
}

func (t *Tracker) loop(ctx context.Context) {
	for {
		env, err := t.fab.Receive(ctx, trackerAgentID)
		if err != nil {
			if ctx.Err() != nil || t.fab.ShuttingDown() {
				return
			}
			continue
		}
		var ev Event
		if err := DecodePayload(env.Payload, &ev); err != nil {
			log.Debug(log.CatEngine, "unparseable progress event dropped", "message", env.MessageID)
			continue
		}
		t.latest.put(ev)
		t.broker.Publish(pubsub.UpdatedEvent, ev)
	}
}

// Latest returns the most recent progress event for the workflow.
func (t *Tracker) Latest(workflowID string) (Event, bool) {
	return t.latest.get(workflowID)
}

// All returns the latest snapshot for every tracked workflow.
func (t *Tracker) All() map[string]Event {
	return t.latest.all()
}

// Subscribe streams progress events as they arrive.
func (t *Tracker) Subscribe(ctx context.Context) <-chan pubsub.Event[Event] {
	return t.broker.Subscribe(ctx)
}

// Close stops the receive loop.
func (t *Tracker) Close() {
	t.cancel()
	t.broker.Close()
}

// DecodePayload converts an envelope payload into a typed value. Payloads
// arrive either as the original struct (in-process transport) or as a
// decoded JSON map (broker transport); a marshal round-trip normalizes both.
func DecodePayload(payload any, out any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

// snapshotMap holds the latest event per workflow behind a small lock.
type snapshotMap struct {
	mu sync.RWMutex
	m  map[string]Event
}

func newSnapshotMap() *snapshotMap {
	return &snapshotMap{m: make(map[string]Event)}
}

func (s *snapshotMap) put(ev Event) {
	s.mu.Lock()
	s.m[ev.WorkflowID] = ev
	s.mu.Unlock()
}

func (s *snapshotMap) get(workflowID string) (Event, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ev, ok := s.m[workflowID]
	return ev, ok
}

func (s *snapshotMap) all() map[string]Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]Event, len(s.m))
	for k, v := range s.m {
		out[k] = v
	}
	return out
}
