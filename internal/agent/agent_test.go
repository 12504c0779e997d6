package agent_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bidfabric/bidfabric/internal/agent"
	"github.com/bidfabric/bidfabric/internal/config"
	"github.com/bidfabric/bidfabric/internal/envelope"
	"github.com/bidfabric/bidfabric/internal/fabric"
	"github.com/bidfabric/bidfabric/internal/faults"
	"github.com/bidfabric/bidfabric/internal/kvstore"
	"github.com/bidfabric/bidfabric/internal/registry"
	"github.com/bidfabric/bidfabric/internal/trace"
)

func newTestFabric(t *testing.T) *fabric.Manager {
	t.Helper()
	cfg := config.Defaults().Fabric
	metrics := trace.NewMetrics(64)
	tracer := trace.NewTracer(256, metrics)
	store, err := kvstore.NewMemory(kvstore.MemoryOptions{})
	require.NoError(t, err)
	m := fabric.New(cfg, fabric.Deps{
		Registry: registry.New(cfg.StaleAfter()),
		Store:    store,
		Tracer:   tracer,
		Metrics:  metrics,
	})
	t.Cleanup(func() {
		_ = m.Shutdown(context.Background())
		tracer.Close()
		_ = store.Close()
	})
	return m
}

func stageRequest(recipient string, input map[string]any) *envelope.Envelope {
	return envelope.NewRequest("workflow-engine", recipient, map[string]any{
		"workflow_id": "wf-1",
		"stage":       "parse",
		"input":       input,
	})
}

func TestRunner_RoundTrip(t *testing.T) {
	fab := newTestFabric(t)

	var got atomic.Pointer[agent.Task]
	r, err := agent.NewRunner(fab, "parser-1", "parser", []string{"parse"},
		agent.HandlerFunc(func(ctx context.Context, task *agent.Task) (map[string]any, error) {
			got.Store(task)
			return map[string]any{"parsed": true}, nil
		}))
	require.NoError(t, err)
	defer r.Close()

	entry, ok := fab.Registry().Get("parser-1")
	require.True(t, ok, "the runner registers itself")
	require.Equal(t, "parser", entry.AgentType)

	resp, err := fab.Request(context.Background(), stageRequest("parser-1", map[string]any{"customer": "acme"}), time.Second)
	require.NoError(t, err)

	payload, ok := resp.Payload.(map[string]any)
	require.True(t, ok)
	require.Equal(t, "ok", payload["status"])
	output, ok := payload["output"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, true, output["parsed"])

	task := got.Load()
	require.NotNil(t, task)
	require.Equal(t, "wf-1", task.WorkflowID)
	require.Equal(t, "parse", task.Stage)
	require.Equal(t, "acme", task.Input["customer"])
	require.NotNil(t, task.Envelope)
}

func TestRunner_PermanentFailure(t *testing.T) {
	fab := newTestFabric(t)

	r, err := agent.NewRunner(fab, "pricing-1", "pricing", nil,
		agent.HandlerFunc(func(ctx context.Context, task *agent.Task) (map[string]any, error) {
			return nil, agent.Permanentf("cannot price without estimated_value")
		}))
	require.NoError(t, err)
	defer r.Close()

	_, err = fab.Request(context.Background(), stageRequest("pricing-1", nil), time.Second)
	require.True(t, faults.IsKind(err, faults.HandlerError))
	require.False(t, faults.IsRetryable(err))
}

func TestRunner_PanicContainment(t *testing.T) {
	fab := newTestFabric(t)

	var calls atomic.Int32
	r, err := agent.NewRunner(fab, "boomer-1", "boomer", nil,
		agent.HandlerFunc(func(ctx context.Context, task *agent.Task) (map[string]any, error) {
			if calls.Add(1) == 1 {
				panic("boom")
			}
			return map[string]any{"ok": true}, nil
		}))
	require.NoError(t, err)
	defer r.Close()

	_, err = fab.Request(context.Background(), stageRequest("boomer-1", nil), time.Second)
	require.True(t, faults.IsKind(err, faults.HandlerError), "a panic surfaces as a permanent handler error")
	require.False(t, faults.IsRetryable(err))

	// The runner survives the panic and serves the next request.
	resp, err := fab.Request(context.Background(), stageRequest("boomer-1", nil), time.Second)
	require.NoError(t, err)
	require.NotNil(t, resp)
}

func TestRunner_DeduplicatesRetriedRequests(t *testing.T) {
	fab := newTestFabric(t)

	var calls atomic.Int32
	r, err := agent.NewRunner(fab, "parser-1", "parser", nil,
		agent.HandlerFunc(func(ctx context.Context, task *agent.Task) (map[string]any, error) {
			calls.Add(1)
			return map[string]any{}, nil
		}))
	require.NoError(t, err)
	defer r.Close()

	env := stageRequest("parser-1", nil)
	_, err = fab.Request(context.Background(), env, time.Second)
	require.NoError(t, err)

	// Re-sending the same message id models a retry whose first response was
	// lost: the runner stays silent, so the caller times out.
	env.RetryPolicy = &envelope.RetryPolicy{Strategy: "immediate", MaxAttempts: 1}
	_, err = fab.Request(context.Background(), env, 100*time.Millisecond)
	require.True(t, faults.IsKind(err, faults.Exhausted))
	require.EqualValues(t, 1, calls.Load(), "duplicates never reach the handler")
}

func TestRunner_OneWayMessages(t *testing.T) {
	fab := newTestFabric(t)

	var calls atomic.Int32
	r, err := agent.NewRunner(fab, "observer-1", "observer", nil,
		agent.HandlerFunc(func(ctx context.Context, task *agent.Task) (map[string]any, error) {
			calls.Add(1)
			return nil, nil
		}))
	require.NoError(t, err)
	defer r.Close()

	env := envelope.NewNotification("engine", "observer-1", map[string]any{"stage": "ping"}, envelope.WithAck())
	require.NoError(t, fab.Send(context.Background(), env))

	require.Eventually(t, func() bool {
		return calls.Load() == 1
	}, time.Second, 10*time.Millisecond)

	// The runner acks requires_ack envelopes, so no missed-ack is recorded.
	time.Sleep(50 * time.Millisecond)
	require.EqualValues(t, 0, fab.Stats().MissedAcks)
}

func TestRunner_CloseUnregisters(t *testing.T) {
	fab := newTestFabric(t)

	r, err := agent.NewRunner(fab, "fleeting-1", "parser", nil,
		agent.HandlerFunc(func(ctx context.Context, task *agent.Task) (map[string]any, error) {
			return nil, nil
		}))
	require.NoError(t, err)
	r.Close()

	_, ok := fab.Registry().Get("fleeting-1")
	require.False(t, ok)
}

func TestBuiltins(t *testing.T) {
	handlers := agent.Builtins()
	for _, typ := range []string{agent.TypeParser, agent.TypeSales, agent.TypeTechnical, agent.TypePricing, agent.TypeWriter} {
		require.Contains(t, handlers, typ)
	}
}

func TestParseHandler(t *testing.T) {
	h := agent.ParseHandler()

	out, err := h.Handle(context.Background(), &agent.Task{Input: map[string]any{
		"raw_text": "Intro\n- custom integration\n* 24/7 support\nclosing",
		"customer": "acme",
	}})
	require.NoError(t, err)
	require.Equal(t, "acme", out["customer"])
	require.Equal(t, []any{"custom integration", "24/7 support"}, out["requirements"])

	_, err = h.Handle(context.Background(), &agent.Task{Input: map[string]any{}})
	require.Error(t, err, "neither raw_text nor requirements")
}

func TestPricingHandler(t *testing.T) {
	h := agent.PricingHandler()

	out, err := h.Handle(context.Background(), &agent.Task{Input: map[string]any{"estimated_value": 300000.0}})
	require.NoError(t, err)
	require.Equal(t, 0.28, out["margin"], "large deals get the thinner margin")
	quote, ok := out["quote"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, 300000.0, quote["total"])

	_, err = h.Handle(context.Background(), &agent.Task{Input: map[string]any{}})
	require.Error(t, err)
}

func TestSalesHandler(t *testing.T) {
	h := agent.SalesHandler()

	out, err := h.Handle(context.Background(), &agent.Task{Input: map[string]any{"estimated_value": 10000.0}})
	require.NoError(t, err)
	require.Equal(t, 0.7, out["win_probability"])
	require.Equal(t, "pursue", out["qualification"])

	out, err = h.Handle(context.Background(), &agent.Task{Input: map[string]any{}})
	require.NoError(t, err)
	require.Equal(t, "review", out["qualification"], "valueless deals go to review")
}
