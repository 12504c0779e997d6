// Package faults defines the error taxonomy shared by the messaging fabric
// and the workflow engine. Every failure crossing a component boundary is
// classified by a Kind; callers branch on the kind, never on error strings.
package faults

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Kind classifies a failure. The set is closed: components must map any
// internal error onto one of these before surfacing it.
type Kind string

const (
	// Malformed indicates an envelope failed ingress validation. Never retried.
	Malformed Kind = "malformed"
	// NoRoute indicates the recipient is absent or unavailable.
	NoRoute Kind = "no_route"
	// QueueFull indicates the recipient's queue stayed saturated past the deadline.
	QueueFull Kind = "queue_full"
	// Timeout indicates no response arrived within the deadline.
	Timeout Kind = "timeout"
	// BreakerOpen indicates the destination's circuit breaker rejected the send.
	BreakerOpen Kind = "breaker_open"
	// HandlerError indicates the receiver returned an error envelope.
	HandlerError Kind = "handler_error"
	// Cancelled indicates the caller's context was cancelled. Never retried.
	Cancelled Kind = "cancelled"
	// Exhausted indicates all retry attempts were used up.
	Exhausted Kind = "exhausted"
	// Expired indicates the envelope exceeded its TTL before delivery.
	Expired Kind = "expired"
	// StateConflict indicates a KV write violated store invariants.
	StateConflict Kind = "state_conflict"
	// Unavailable indicates the runtime is shutting down.
	Unavailable Kind = "unavailable"
	// WorkflowFailed indicates a stage failed with non-retryable semantics.
	WorkflowFailed Kind = "workflow_failed"
)

// Attempt records one delivery attempt for retry history.
type Attempt struct {
	Number   int           `json:"number"`
	At       time.Time     `json:"at"`
	Err      string        `json:"error"`
	Waited   time.Duration `json:"waited"`
	Terminal bool          `json:"terminal"`
}

// Fault is the concrete error type carried across component boundaries.
type Fault struct {
	Kind        Kind
	Destination string
	Msg         string
	History     []Attempt
	Retryable   bool
	Cause       error
}

// New creates a Fault of the given kind.
func New(kind Kind, format string, args ...any) *Fault {
	return &Fault{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap creates a Fault of the given kind with an underlying cause.
func Wrap(kind Kind, cause error, format string, args ...any) *Fault {
	return &Fault{Kind: kind, Msg: fmt.Sprintf(format, args...), Cause: cause}
}

// Error implements the error interface.
func (f *Fault) Error() string {
	if f.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", f.Kind, f.Msg, f.Cause)
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Msg)
}

// Unwrap returns the underlying cause, if any.
func (f *Fault) Unwrap() error {
	return f.Cause
}

// WithDestination annotates the fault with the destination agent id.
func (f *Fault) WithDestination(dest string) *Fault {
	f.Destination = dest
	return f
}

// WithHistory attaches the retry attempt history.
func (f *Fault) WithHistory(history []Attempt) *Fault {
	f.History = history
	return f
}

// KindOf extracts the Kind from an error chain. Returns empty Kind for
// errors that are not Faults; context errors map to Cancelled/Timeout.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind
	}
	if errors.Is(err, context.Canceled) {
		return Cancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// IsRetryable reports whether the fabric may retry after this error.
// Transient kinds retry; Malformed, Cancelled, Expired, BreakerOpen and
// Exhausted never do. HandlerError retries only when the handler said so.
func IsRetryable(err error) bool {
	var f *Fault
	if !errors.As(err, &f) {
		return false
	}
	switch f.Kind {
	case NoRoute, QueueFull, Timeout:
		return true
	case HandlerError:
		return f.Retryable
	default:
		return false
	}
}
