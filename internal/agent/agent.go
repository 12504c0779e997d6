// Package agent provides the handler contract and the runner harness that
// connects a handler to the fabric: registration, heartbeats, the receive
// loop, dedup, panic recovery, and the response/ack protocol.
package agent

import (
	"context"
	"fmt"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/bidfabric/bidfabric/internal/envelope"
	"github.com/bidfabric/bidfabric/internal/fabric"
	"github.com/bidfabric/bidfabric/internal/log"
	"github.com/bidfabric/bidfabric/internal/progress"
)

// Task is the decoded stage request handed to a handler.
type Task struct {
	WorkflowID string         `json:"workflow_id"`
	Stage      string         `json:"stage"`
	Input      map[string]any `json:"input"`

	// Envelope is the raw request for handlers that need sender identity or
	// priority.
	Envelope *envelope.Envelope `json:"-"`
}

// Handler processes one task and returns the output document merged into the
// workflow context. Returning a *Failure marks the error retryable or not;
// any other error is treated as non-retryable.
type Handler interface {
	Handle(ctx context.Context, task *Task) (map[string]any, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, task *Task) (map[string]any, error)

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, task *Task) (map[string]any, error) {
	return f(ctx, task)
}

// Failure is a handler error carrying the retryable hint the fabric's retry
// loop consults.
type Failure struct {
	Message   string
	Retryable bool
}

// Error implements error.
func (f *Failure) Error() string {
	return f.Message
}

// Retryablef builds a retryable failure.
func Retryablef(format string, args ...any) *Failure {
	return &Failure{Message: fmt.Sprintf(format, args...), Retryable: true}
}

// Permanentf builds a non-retryable failure.
func Permanentf(format string, args ...any) *Failure {
	return &Failure{Message: fmt.Sprintf(format, args...), Retryable: false}
}

// dedupTTL bounds how long processed message ids are remembered. Retried
// requests reuse their message id, so a duplicate within the window means the
// first response was lost, not that new work arrived.
const dedupTTL = 5 * time.Minute

// handleTimeout bounds a single Handle call.
const defaultHandleTimeout = 60 * time.Second

// Runner hosts one handler on the fabric.
type Runner struct {
	ID           string
	Type         string
	Capabilities []string

	fab     *fabric.Manager
	handler Handler
	timeout time.Duration

	seen   *gocache.Cache
	cancel context.CancelFunc
	done   chan struct{}
}

// Option customizes a runner.
type Option func(*Runner)

// WithHandleTimeout overrides the per-task handler deadline.
func WithHandleTimeout(d time.Duration) Option {
	return func(r *Runner) { r.timeout = d }
}

// NewRunner registers the agent and starts its receive and heartbeat loops.
func NewRunner(fab *fabric.Manager, id, agentType string, capabilities []string, handler Handler, opts ...Option) (*Runner, error) {
	r := &Runner{
		ID:           id,
		Type:         agentType,
		Capabilities: capabilities,
		fab:          fab,
		handler:      handler,
		timeout:      defaultHandleTimeout,
		seen:         gocache.New(dedupTTL, 2*dedupTTL),
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	if err := fab.RegisterAgent(id, agentType, capabilities, nil); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	log.SafeGo("agent-"+id, func() {
		defer close(r.done)
		r.loop(ctx)
	})
	log.SafeGo("agent-heartbeat-"+id, func() { r.heartbeats(ctx) })
	return r, nil
}

// Close stops the runner and unregisters the agent.
func (r *Runner) Close() {
	r.cancel()
	<-r.done
	_ = r.fab.UnregisterAgent(r.ID)
}

func (r *Runner) loop(ctx context.Context) {
	for {
		env, err := r.fab.Receive(ctx, r.ID)
		if err != nil {
			if ctx.Err() != nil || r.fab.ShuttingDown() {
				return
			}
			continue
		}
		r.process(ctx, env)
	}
}

func (r *Runner) heartbeats(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.fab.Heartbeat(r.ID); err != nil {
				return
			}
		}
	}
}

// process handles one inbound envelope. Only requests produce responses;
// notifications and publishes go to the handler for their side effects.
func (r *Runner) process(ctx context.Context, env *envelope.Envelope) {
	if env.RequiresAck {
		defer r.fab.Ack(env)
	}

	if _, dup := r.seen.Get(env.MessageID); dup {
		log.Debug(log.CatAgent, "duplicate request ignored", "agent", r.ID, "message", env.MessageID)
		return
	}
	r.seen.SetDefault(env.MessageID, struct{}{})

	task := &Task{Envelope: env}
	if err := progress.DecodePayload(env.Payload, task); err != nil {
		if env.Kind == envelope.KindRequest {
			r.respondError(ctx, env, Permanentf("unparseable task payload: %v", err))
		}
		return
	}
	task.Envelope = env

	output, err := r.invoke(ctx, task)
	if env.Kind != envelope.KindRequest {
		if err != nil {
			log.Warn(log.CatAgent, "handler error on one-way message", "agent", r.ID, "message", env.MessageID, "err", err)
		}
		return
	}
	if err != nil {
		r.respondError(ctx, env, err)
		return
	}
	resp := envelope.NewResponse(env, map[string]any{"status": "ok", "output": output})
	if err := r.fab.Send(ctx, resp); err != nil {
		log.Warn(log.CatAgent, "response send failed", "agent", r.ID, "message", env.MessageID, "err", err)
	}
}

// invoke runs the handler under its deadline with panic containment.
func (r *Runner) invoke(ctx context.Context, task *Task) (output map[string]any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = Permanentf("handler panicked: %v", rec)
			log.Error(log.CatAgent, "handler panic", "agent", r.ID, "stage", task.Stage, "panic", fmt.Sprint(rec))
		}
	}()
	handleCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return r.handler.Handle(handleCtx, task)
}

func (r *Runner) respondError(ctx context.Context, req *envelope.Envelope, err error) {
	retryable := false
	if f, ok := err.(*Failure); ok {
		retryable = f.Retryable
	}
	payload := map[string]any{
		"status":    "error",
		"error":     err.Error(),
		"retryable": retryable,
	}
	if sendErr := r.fab.Send(ctx, envelope.NewError(req, payload)); sendErr != nil {
		log.Warn(log.CatAgent, "error response send failed", "agent", r.ID, "message", req.MessageID, "err", sendErr)
	}
}
