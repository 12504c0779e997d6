// Package envelope defines the canonical message record exchanged between
// agents, plus its self-describing wire codec. An envelope is immutable once
// accepted by the fabric: delivery hops accumulate in the tracer, never on
// the copy handed to recipients.
package envelope

import (
	"time"

	"github.com/google/uuid"

	"github.com/bidfabric/bidfabric/internal/faults"
)

// Kind identifies the purpose of a message.
type Kind string

const (
	KindRequest      Kind = "request"
	KindResponse     Kind = "response"
	KindNotification Kind = "notification"
	KindPublish      Kind = "publish"
	KindBroadcast    Kind = "broadcast"
	KindAck          Kind = "ack"
	KindError        Kind = "error"
)

// IsValid returns true for a recognized kind.
func (k Kind) IsValid() bool {
	switch k {
	case KindRequest, KindResponse, KindNotification, KindPublish, KindBroadcast, KindAck, KindError:
		return true
	}
	return false
}

// Priority orders envelopes at dequeue time.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Priorities lists all priorities from most to least urgent, the order the
// queue layer drains its lanes in.
var Priorities = []Priority{PriorityUrgent, PriorityHigh, PriorityNormal, PriorityLow}

// Rank returns the drain rank: urgent=0 ... low=3. Unknown priorities rank
// with normal.
func (p Priority) Rank() int {
	switch p {
	case PriorityUrgent:
		return 0
	case PriorityHigh:
		return 1
	case PriorityLow:
		return 3
	default:
		return 2
	}
}

// IsValid returns true for a recognized priority.
func (p Priority) IsValid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// BroadcastRecipient is the wildcard recipient for broadcast envelopes.
const BroadcastRecipient = "*"

// RetryPolicy names a backoff strategy and its parameters. It travels inside
// the envelope so the policy follows the message, not the handler.
type RetryPolicy struct {
	// Strategy is one of immediate, linear, exponential, fibonacci.
	Strategy string `json:"strategy" yaml:"strategy"`
	// MaxAttempts bounds total delivery attempts (including the first).
	MaxAttempts int `json:"max_attempts" yaml:"max_attempts"`
	// BaseMs seeds exponential and fibonacci delays.
	BaseMs int `json:"base_ms,omitempty" yaml:"base_ms,omitempty"`
	// StepMs is the linear strategy's increment.
	StepMs int `json:"step_ms,omitempty" yaml:"step_ms,omitempty"`
	// Factor is the exponential growth factor.
	Factor float64 `json:"factor,omitempty" yaml:"factor,omitempty"`
	// CapMs caps any computed delay.
	CapMs int `json:"cap_ms,omitempty" yaml:"cap_ms,omitempty"`
}

// Envelope is the canonical record for every inter-agent communication.
type Envelope struct {
	MessageID     string       `json:"message_id"`
	CorrelationID string       `json:"correlation_id,omitempty"`
	Sender        string       `json:"sender"`
	Recipient     string       `json:"recipient"`
	Kind          Kind         `json:"kind"`
	Priority      Priority     `json:"priority"`
	Payload       any          `json:"payload,omitempty"`
	Timestamp     time.Time    `json:"timestamp"`
	TTLMs         int64        `json:"ttl_ms,omitempty"`
	RequiresAck   bool         `json:"requires_ack,omitempty"`
	RetryPolicy   *RetryPolicy `json:"retry_policy,omitempty"`

	// extra preserves unknown wire fields across decode/encode round-trips.
	extra map[string]any
}

// Option customizes envelope construction.
type Option func(*Envelope)

// WithPriority sets the envelope priority.
func WithPriority(p Priority) Option {
	return func(e *Envelope) { e.Priority = p }
}

// WithTTL sets the expiry in milliseconds.
func WithTTL(ttlMs int64) Option {
	return func(e *Envelope) { e.TTLMs = ttlMs }
}

// WithAck marks the envelope as requiring an acknowledgement.
func WithAck() Option {
	return func(e *Envelope) { e.RequiresAck = true }
}

// WithRetryPolicy embeds a retry policy.
func WithRetryPolicy(rp RetryPolicy) Option {
	return func(e *Envelope) { e.RetryPolicy = &rp }
}

// WithCorrelation sets an explicit correlation id (used by publishes that
// reference an originating request).
func WithCorrelation(id string) Option {
	return func(e *Envelope) { e.CorrelationID = id }
}

func newEnvelope(kind Kind, sender, recipient string, payload any, opts ...Option) *Envelope {
	e := &Envelope{
		MessageID: uuid.New().String(),
		Sender:    sender,
		Recipient: recipient,
		Kind:      kind,
		Priority:  PriorityNormal,
		Payload:   payload,
		Timestamp: time.Now(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// NewRequest constructs a request envelope with a fresh message id.
func NewRequest(sender, recipient string, payload any, opts ...Option) *Envelope {
	return newEnvelope(KindRequest, sender, recipient, payload, opts...)
}

// NewResponse constructs the response to a request. The correlation id is the
// request's message id; priority is inherited so responses are not starved
// behind lower-priority traffic.
func NewResponse(req *Envelope, payload any) *Envelope {
	e := newEnvelope(KindResponse, req.Recipient, req.Sender, payload)
	e.CorrelationID = req.MessageID
	e.Priority = req.Priority
	return e
}

// NewError constructs an error response to a request. The payload should
// carry {status: "error", ...} per the agent contract; retryable hints ride
// in the payload.
func NewError(req *Envelope, payload any) *Envelope {
	e := NewResponse(req, payload)
	e.Kind = KindError
	return e
}

// NewAck constructs the acknowledgement for a processed envelope.
func NewAck(processed *Envelope, sender string) *Envelope {
	e := newEnvelope(KindAck, sender, processed.Sender, nil)
	e.CorrelationID = processed.MessageID
	e.Priority = PriorityHigh
	return e
}

// NewNotification constructs a one-way notification envelope.
func NewNotification(sender, recipient string, payload any, opts ...Option) *Envelope {
	return newEnvelope(KindNotification, sender, recipient, payload, opts...)
}

// NewPublish constructs a topic publish envelope; recipient is the topic name.
func NewPublish(sender, topic string, payload any, opts ...Option) *Envelope {
	return newEnvelope(KindPublish, sender, topic, payload, opts...)
}

// NewBroadcast constructs a broadcast envelope addressed to the wildcard.
func NewBroadcast(sender string, payload any, opts ...Option) *Envelope {
	return newEnvelope(KindBroadcast, sender, BroadcastRecipient, payload, opts...)
}

// Validate enforces ingress invariants. Violations are malformed faults and
// are never retried.
func (e *Envelope) Validate() error {
	if e.MessageID == "" {
		return faults.New(faults.Malformed, "envelope has empty message_id")
	}
	if e.Sender == "" {
		return faults.New(faults.Malformed, "envelope %s has empty sender", e.MessageID)
	}
	if e.Recipient == "" {
		return faults.New(faults.Malformed, "envelope %s has empty recipient", e.MessageID)
	}
	if !e.Kind.IsValid() {
		return faults.New(faults.Malformed, "envelope %s has unknown kind %q", e.MessageID, e.Kind)
	}
	if !e.Priority.IsValid() {
		return faults.New(faults.Malformed, "envelope %s has unknown priority %q", e.MessageID, e.Priority)
	}
	if e.TTLMs < 0 {
		return faults.New(faults.Malformed, "envelope %s has negative ttl_ms %d", e.MessageID, e.TTLMs)
	}
	return nil
}

// Expired reports whether the envelope's TTL elapsed relative to now.
// Envelopes without a TTL never expire.
func (e *Envelope) Expired(now time.Time) bool {
	if e.TTLMs <= 0 {
		return false
	}
	return now.Sub(e.Timestamp) > time.Duration(e.TTLMs)*time.Millisecond
}

// Clone returns a shallow copy. Payloads are opaque documents shared by
// convention; recipients must not mutate them.
func (e *Envelope) Clone() *Envelope {
	cp := *e
	if e.RetryPolicy != nil {
		rp := *e.RetryPolicy
		cp.RetryPolicy = &rp
	}
	return &cp
}

// CloneFor returns a copy re-addressed to the given recipient, used by topic
// and broadcast fan-out so per-subscriber back-pressure applies independently.
func (e *Envelope) CloneFor(recipient string) *Envelope {
	cp := e.Clone()
	cp.Recipient = recipient
	return cp
}
