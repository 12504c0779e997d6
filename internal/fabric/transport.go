package fabric

import (
	"context"
	"sync"
)

// Transport is the fan-out seam behind topics and broadcast. The reference
// implementation is in-process; a distributed broker (NATS) plugs in behind
// the same contract. Payloads are wire-encoded envelopes so both sides of
// the seam speak the codec.
type Transport interface {
	// Publish sends the encoded envelope to every subscriber of the topic.
	Publish(ctx context.Context, topic string, data []byte) error
	// Subscribe registers a delivery callback for the topic. The returned
	// function cancels the subscription.
	Subscribe(topic string, deliver func(data []byte)) (func(), error)
	// Close tears down all subscriptions.
	Close() error
}

// MemoryTransport is the in-process reference transport. Delivery callbacks
// run on the publisher's goroutine; the manager keeps them non-blocking by
// handing fan-out to its delivery pool.
type MemoryTransport struct {
	mu     sync.RWMutex
	subs   map[string]map[int]func([]byte)
	nextID int
	closed bool
}

// NewMemoryTransport creates an empty in-process transport.
func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{subs: make(map[string]map[int]func([]byte))}
}

// Publish invokes every subscriber callback for the topic.
func (t *MemoryTransport) Publish(_ context.Context, topic string, data []byte) error {
	t.mu.RLock()
	callbacks := make([]func([]byte), 0, len(t.subs[topic]))
	for _, cb := range t.subs[topic] {
		callbacks = append(callbacks, cb)
	}
	t.mu.RUnlock()

	for _, cb := range callbacks {
		cb(data)
	}
	return nil
}

// Subscribe registers a callback for the topic.
func (t *MemoryTransport) Subscribe(topic string, deliver func(data []byte)) (func(), error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.subs[topic] == nil {
		t.subs[topic] = make(map[int]func([]byte))
	}
	id := t.nextID
	t.nextID++
	t.subs[topic][id] = deliver

	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		delete(t.subs[topic], id)
		if len(t.subs[topic]) == 0 {
			delete(t.subs, topic)
		}
	}, nil
}

// Close drops all subscriptions.
func (t *MemoryTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.subs = make(map[string]map[int]func([]byte))
	t.closed = true
	return nil
}

var _ Transport = (*MemoryTransport)(nil)
