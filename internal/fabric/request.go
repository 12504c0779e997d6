package fabric

import (
	"context"
	"time"

	"github.com/bidfabric/bidfabric/internal/envelope"
	"github.com/bidfabric/bidfabric/internal/faults"
	"github.com/bidfabric/bidfabric/internal/log"
	"github.com/bidfabric/bidfabric/internal/queue"
	"github.com/bidfabric/bidfabric/internal/retry"
	"github.com/bidfabric/bidfabric/internal/trace"
)

// Send delivers a one-way envelope: notification, publish, broadcast, or a
// response heading back to a waiting requester. No response is awaited.
func (m *Manager) Send(ctx context.Context, env *envelope.Envelope) error {
	if m.down.Load() {
		return faults.New(faults.Unavailable, "fabric is shutting down")
	}
	if err := env.Validate(); err != nil {
		return err
	}

	switch env.Kind {
	case envelope.KindPublish:
		return m.Publish(ctx, env)
	case envelope.KindBroadcast:
		outcomes := m.fanoutBroadcast(ctx, env, Filter{})
		for _, o := range outcomes {
			if o.Err != nil {
				log.Debug(log.CatFabric, "broadcast delivery failed", "message", env.MessageID, "recipient", o.Recipient, "err", o.Err)
			}
		}
		return nil
	case envelope.KindAck:
		// Acks correlate to the processed envelope and release its ack
		// watch; they never answer a request waiter.
		if !m.releaseAck(env.CorrelationID) {
			log.Debug(log.CatFabric, "ack without open watch dropped", "message", env.MessageID, "correlation", env.CorrelationID)
		}
		m.tracer.Record(env, env.Recipient, trace.ActionDelivered, "")
		return nil
	case envelope.KindResponse, envelope.KindError:
		if m.deliverToWaiter(env) {
			return nil
		}
		// No waiter: the requester gave up or this is a duplicate from a
		// retried request. At-most-one-response means we drop, not queue.
		m.tracer.Record(env, env.Sender, trace.ActionDelivered, "")
		log.Debug(log.CatFabric, "response without waiter dropped", "message", env.MessageID, "correlation", env.CorrelationID)
		return nil
	default:
		return m.deliver(ctx, env)
	}
}

// deliver routes the envelope through the registry and enqueues it on the
// recipient's queue, blocking on back-pressure until ctx is done.
func (m *Manager) deliver(ctx context.Context, env *envelope.Envelope) error {
	entry, ok := m.reg.Get(env.Recipient)
	if !ok {
		return faults.New(faults.NoRoute, "recipient %s is not registered", env.Recipient).WithDestination(env.Recipient)
	}
	if !entry.Routable() {
		return faults.New(faults.NoRoute, "recipient %s is unavailable", env.Recipient).WithDestination(env.Recipient)
	}

	q := m.queues.GetOrCreate(env.Recipient)
	if err := q.Enqueue(ctx, env); err != nil {
		return err
	}
	m.tracer.Record(env, env.Recipient, trace.ActionEnqueued, "")
	if env.RequiresAck {
		m.watchAck(env)
	}
	return nil
}

// deliverToWaiter hands a response directly to the goroutine blocked in
// Request. Returns false when nobody is waiting on the correlation id.
func (m *Manager) deliverToWaiter(env *envelope.Envelope) bool {
	if env.CorrelationID == "" {
		return false
	}
	m.mu.RLock()
	ch, ok := m.waiters[env.CorrelationID]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	select {
	case ch <- env:
		return true
	default:
		// Waiter already has a response; at-most-one wins.
		return true
	}
}

// watchAck arms a timer for a requires_ack envelope. A missing ack is an
// observability event, not a delivery failure.
func (m *Manager) watchAck(env *envelope.Envelope) {
	ch := make(chan struct{})
	m.mu.Lock()
	m.ackWaits[env.MessageID] = ch
	m.mu.Unlock()

	timeout := m.cfg.AckTimeout()
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	log.SafeGo("fabric-ack-watch", func() {
		select {
		case <-ch:
		case <-m.lifecycle.Done():
		case <-time.After(timeout):
			m.mu.Lock()
			delete(m.ackWaits, env.MessageID)
			m.mu.Unlock()
			m.missedAcks.Add(1)
			log.Warn(log.CatFabric, "ack not received", "message", env.MessageID, "recipient", env.Recipient)
		}
	})
}

// RequestResult carries the response plus delivery bookkeeping the workflow
// engine records into stage telemetry.
type RequestResult struct {
	Response *envelope.Envelope
	Attempts int
}

// Request is the principal outbound primitive: send and await the response,
// wrapped in the destination's circuit breaker and the envelope's retry
// policy. Retries re-send the same message id; receivers that care about
// duplicates deduplicate on it.
func (m *Manager) Request(ctx context.Context, env *envelope.Envelope, timeout time.Duration) (*envelope.Envelope, error) {
	res, err := m.RequestDetailed(ctx, env, timeout)
	if err != nil {
		return nil, err
	}
	return res.Response, nil
}

// RequestDetailed is Request with attempt accounting exposed.
func (m *Manager) RequestDetailed(ctx context.Context, env *envelope.Envelope, timeout time.Duration) (*RequestResult, error) {
	if m.down.Load() {
		return nil, faults.New(faults.Unavailable, "fabric is shutting down")
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	if env.Kind != envelope.KindRequest {
		return nil, faults.New(faults.Malformed, "request requires kind=request, got %s", env.Kind)
	}
	if timeout <= 0 {
		timeout = m.cfg.RequestTimeout()
	}

	if n := m.outstanding.Add(1); n > int64(m.cfg.MaxOutstandingRequests) && m.cfg.MaxOutstandingRequests > 0 {
		m.outstanding.Add(-1)
		return nil, faults.New(faults.Unavailable, "outstanding request cap %d reached", m.cfg.MaxOutstandingRequests)
	}
	defer m.outstanding.Add(-1)

	dest := env.Recipient
	if err := m.breakers.Allow(dest); err != nil {
		return nil, err
	}

	rp := env.RetryPolicy
	if rp == nil {
		rp = &envelope.RetryPolicy{Strategy: m.cfg.RetryStrategy, MaxAttempts: m.cfg.MaxAttempts}
	}
	backoff := retry.FromPolicy(rp, m.cfg.RetryStrategy)

	waiter := make(chan *envelope.Envelope, 1)
	m.mu.Lock()
	m.waiters[env.MessageID] = waiter
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.waiters, env.MessageID)
		m.mu.Unlock()
	}()

	var history []faults.Attempt
	var lastErr error
	for attempt := 1; attempt <= backoff.MaxAttempts(); attempt++ {
		waited := time.Duration(0)
		if attempt > 1 {
			waited = backoff.Delay(attempt - 1)
			m.tracer.Record(env, dest, trace.ActionRetrying, errString(lastErr))
			select {
			case <-ctx.Done():
				return nil, faults.Wrap(faults.Cancelled, ctx.Err(), "request %s cancelled during backoff", env.MessageID).WithHistory(history)
			case <-time.After(waited):
			}
		}

		resp, err := m.attempt(ctx, env, waiter, timeout)
		if err == nil {
			m.breakers.RecordSuccess(dest)
			m.tracer.Record(env, dest, trace.ActionDelivered, "")
			return &RequestResult{Response: resp, Attempts: attempt}, nil
		}
		if faults.IsKind(err, faults.Cancelled) {
			m.tracer.Record(env, dest, trace.ActionFailed, err.Error())
			return nil, err
		}

		lastErr = err
		history = append(history, faults.Attempt{
			Number: attempt,
			At:     time.Now(),
			Err:    err.Error(),
			Waited: waited,
		})
		if !faults.IsRetryable(err) {
			m.breakers.RecordFailure(dest)
			m.tracer.Record(env, dest, trace.ActionFailed, err.Error())
			if f, ok := err.(*faults.Fault); ok {
				return nil, f.WithHistory(history)
			}
			return nil, err
		}
	}

	// Retries used up: dead-letter the envelope and surface exhausted.
	m.breakers.RecordFailure(dest)
	history[len(history)-1].Terminal = true
	m.deadLetter(queue.DeadLetter{
		Envelope:  env,
		Reason:    string(faults.KindOf(lastErr)),
		LastError: errString(lastErr),
		Attempts:  backoff.MaxAttempts(),
		History:   history,
	})
	m.tracer.Record(env, dest, trace.ActionDeadLettered, errString(lastErr))
	log.Warn(log.CatFabric, "request dead-lettered", "message", env.MessageID, "recipient", dest, "attempts", backoff.MaxAttempts(), "last_error", errString(lastErr))
	return nil, faults.Wrap(faults.Exhausted, lastErr, "request %s to %s exhausted %d attempts", env.MessageID, dest, backoff.MaxAttempts()).
		WithDestination(dest).WithHistory(history)
}

// attempt performs one delivery and waits for the correlated response.
func (m *Manager) attempt(ctx context.Context, env *envelope.Envelope, waiter chan *envelope.Envelope, timeout time.Duration) (*envelope.Envelope, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := m.deliver(attemptCtx, env); err != nil {
		return nil, err
	}

	select {
	case resp, ok := <-waiter:
		if !ok {
			return nil, faults.New(faults.Unavailable, "fabric shut down while awaiting %s", env.MessageID)
		}
		if resp.Kind == envelope.KindError {
			f := faults.New(faults.HandlerError, "handler %s returned an error", resp.Sender).WithDestination(env.Recipient)
			f.Retryable = retryableHint(resp.Payload)
			return nil, f
		}
		return resp, nil
	case <-attemptCtx.Done():
		if ctx.Err() != nil {
			return nil, faults.Wrap(faults.Cancelled, ctx.Err(), "request %s cancelled", env.MessageID)
		}
		return nil, faults.New(faults.Timeout, "no response from %s within %s", env.Recipient, timeout).WithDestination(env.Recipient)
	}
}

// retryableHint extracts the handler's retryable flag from an error payload.
// Absent or malformed hints mean not retryable.
func retryableHint(payload any) bool {
	doc, ok := payload.(map[string]any)
	if !ok {
		return false
	}
	b, ok := doc["retryable"].(bool)
	return ok && b
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
