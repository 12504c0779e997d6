// Package trace records per-message journeys and fabric-wide metrics.
// Senders publish hop events through a non-blocking channel; a single worker
// owns all mutation so counter updates never block the send path.
package trace

import (
	"context"
	"sync"
	"time"

	"github.com/bidfabric/bidfabric/internal/envelope"
	"github.com/bidfabric/bidfabric/internal/log"
	"github.com/bidfabric/bidfabric/internal/pubsub"
)

// Action is one hop in a message's journey through the fabric.
type Action string

const (
	ActionEnqueued           Action = "enqueued"
	ActionDequeued           Action = "dequeued"
	ActionProcessingStarted  Action = "processing_started"
	ActionProcessingFinished Action = "processing_finished"
	ActionRetrying           Action = "retrying"
	ActionDeadLettered       Action = "dead_lettered"
	ActionExpired            Action = "expired"
	ActionDelivered          Action = "delivered"
	ActionFailed             Action = "failed"
)

// terminal reports whether the action closes a trace.
func (a Action) terminal() bool {
	switch a {
	case ActionDelivered, ActionFailed, ActionExpired, ActionDeadLettered:
		return true
	}
	return false
}

// TraceStatus summarizes a trace's terminal outcome.
type TraceStatus string

const (
	StatusInFlight     TraceStatus = "in_flight"
	StatusDelivered    TraceStatus = "delivered"
	StatusFailed       TraceStatus = "failed"
	StatusExpired      TraceStatus = "expired"
	StatusDeadLettered TraceStatus = "dead_lettered"
)

// Hop is one recorded step in a message's route.
type Hop struct {
	AgentID string    `json:"agent_id"`
	Action  Action    `json:"action"`
	At      time.Time `json:"at"`
}

// Trace is the ordered list of fabric hops one message traversed. Created on
// first send, closed on the terminal event.
type Trace struct {
	MessageID  string             `json:"message_id"`
	Sender     string             `json:"sender"`
	Recipient  string             `json:"recipient"`
	Kind       envelope.Kind      `json:"kind"`
	Priority   envelope.Priority  `json:"priority"`
	Status     TraceStatus        `json:"status"`
	Route      []Hop              `json:"route"`
	StartedAt  time.Time          `json:"started_at"`
	FinishedAt time.Time          `json:"finished_at,omitempty"`
	Error      string             `json:"error,omitempty"`
}

// event is the internal wire between senders and the tracer worker.
type event struct {
	messageID string
	sender    string
	recipient string
	kind      envelope.Kind
	priority  envelope.Priority
	agentID   string
	action    Action
	err       string
	at        time.Time
}

// DefaultBufferSize bounds the in-memory trace ring.
const DefaultBufferSize = 4096

// eventChanSize buffers hop events between senders and the worker.
const eventChanSize = 1024

// Tracer records message journeys into a bounded ring buffer and feeds the
// metrics engine. All writes happen on the tracer's own worker goroutine.
type Tracer struct {
	events  chan event
	metrics *Metrics

	mu     sync.RWMutex
	traces map[string]*Trace
	order  []string // insertion order for ring eviction
	max    int

	sink *pubsub.Broker[Trace]

	done    chan struct{}
	stopped sync.WaitGroup
	dropped uint64
}

// NewTracer creates a tracer with the given ring size (<=0 uses the default)
// feeding the given metrics engine.
func NewTracer(max int, metrics *Metrics) *Tracer {
	if max <= 0 {
		max = DefaultBufferSize
	}
	t := &Tracer{
		events:  make(chan event, eventChanSize),
		metrics: metrics,
		traces:  make(map[string]*Trace),
		max:     max,
		sink:    pubsub.NewBroker[Trace](),
		done:    make(chan struct{}),
	}
	t.stopped.Add(1)
	go t.worker()
	return t
}

// Record publishes a hop event for the envelope. Never blocks: when the
// worker falls behind, events are dropped and counted.
func (t *Tracer) Record(env *envelope.Envelope, agentID string, action Action, errMsg string) {
	ev := event{
		messageID: env.MessageID,
		sender:    env.Sender,
		recipient: env.Recipient,
		kind:      env.Kind,
		priority:  env.Priority,
		agentID:   agentID,
		action:    action,
		err:       errMsg,
		at:        time.Now(),
	}
	select {
	case t.events <- ev:
	default:
		t.mu.Lock()
		t.dropped++
		t.mu.Unlock()
	}
}

func (t *Tracer) worker() {
	defer t.stopped.Done()
	for {
		select {
		case <-t.done:
			// Drain whatever is already buffered before exiting.
			for {
				select {
				case ev := <-t.events:
					t.apply(ev)
				default:
					return
				}
			}
		case ev := <-t.events:
			t.apply(ev)
		}
	}
}

func (t *Tracer) apply(ev event) {
	t.mu.Lock()
	tr, ok := t.traces[ev.messageID]
	created := !ok
	if !ok {
		tr = &Trace{
			MessageID: ev.messageID,
			Sender:    ev.sender,
			Recipient: ev.recipient,
			Kind:      ev.kind,
			Priority:  ev.priority,
			Status:    StatusInFlight,
			StartedAt: ev.at,
		}
		t.traces[ev.messageID] = tr
		t.order = append(t.order, ev.messageID)
		if len(t.order) > t.max {
			evict := t.order[0]
			t.order = t.order[1:]
			delete(t.traces, evict)
		}
	}
	tr.Route = append(tr.Route, Hop{AgentID: ev.agentID, Action: ev.action, At: ev.at})
	if ev.err != "" {
		tr.Error = ev.err
	}

	var closedCopy *Trace
	if ev.action.terminal() && tr.Status == StatusInFlight {
		tr.FinishedAt = ev.at
		switch ev.action {
		case ActionDelivered:
			tr.Status = StatusDelivered
		case ActionFailed:
			tr.Status = StatusFailed
		case ActionExpired:
			tr.Status = StatusExpired
		case ActionDeadLettered:
			tr.Status = StatusDeadLettered
		}
		cp := *tr
		cp.Route = append([]Hop(nil), tr.Route...)
		closedCopy = &cp
	}
	t.mu.Unlock()

	if t.metrics != nil {
		t.metrics.observe(ev, created)
		if closedCopy != nil {
			t.metrics.observeTerminal(closedCopy)
		}
	}
	if closedCopy != nil {
		t.sink.Publish(pubsub.UpdatedEvent, *closedCopy)
	}
}

// Get returns a copy of the trace for the given message id.
func (t *Tracer) Get(messageID string) (Trace, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	tr, ok := t.traces[messageID]
	if !ok {
		return Trace{}, false
	}
	cp := *tr
	cp.Route = append([]Hop(nil), tr.Route...)
	return cp, true
}

// Recent returns up to n most recent traces, newest last.
func (t *Tracer) Recent(n int) []Trace {
	t.mu.RLock()
	defer t.mu.RUnlock()
	start := 0
	if n > 0 && len(t.order) > n {
		start = len(t.order) - n
	}
	out := make([]Trace, 0, len(t.order)-start)
	for _, id := range t.order[start:] {
		tr := t.traces[id]
		cp := *tr
		cp.Route = append([]Hop(nil), tr.Route...)
		out = append(out, cp)
	}
	return out
}

// Dropped returns the count of hop events discarded due to back-pressure.
func (t *Tracer) Dropped() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.dropped
}

// Subscribe streams closed traces. The channel closes with the context.
func (t *Tracer) Subscribe(ctx context.Context) <-chan pubsub.Event[Trace] {
	return t.sink.Subscribe(ctx)
}

// Close stops the worker after draining buffered events.
func (t *Tracer) Close() {
	close(t.done)
	t.stopped.Wait()
	t.sink.Close()
	log.Debug(log.CatTrace, "tracer stopped", "traces", len(t.order), "dropped", t.dropped)
}
