package trace

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bidfabric/bidfabric/internal/envelope"
)

func newTestTracer(t *testing.T, max int) (*Tracer, *Metrics) {
	t.Helper()
	m := NewMetrics(64)
	tr := NewTracer(max, m)
	t.Cleanup(tr.Close)
	return tr, m
}

func TestTracer_Journey(t *testing.T) {
	tr, m := newTestTracer(t, 16)
	env := envelope.NewRequest("engine", "pricing-1", map[string]any{"stage": "pricing"})

	tr.Record(env, "core", ActionEnqueued, "")
	tr.Record(env, "pricing-1", ActionDequeued, "")
	tr.Record(env, "pricing-1", ActionProcessingStarted, "")
	tr.Record(env, "pricing-1", ActionDelivered, "")

	require.Eventually(t, func() bool {
		got, ok := tr.Get(env.MessageID)
		return ok && got.Status == StatusDelivered
	}, time.Second, 5*time.Millisecond)

	got, ok := tr.Get(env.MessageID)
	require.True(t, ok)
	require.Equal(t, env.Sender, got.Sender)
	require.Equal(t, env.Recipient, got.Recipient)
	require.Equal(t, envelope.KindRequest, got.Kind)
	require.Len(t, got.Route, 4)
	require.Equal(t, ActionEnqueued, got.Route[0].Action)
	require.Equal(t, ActionDelivered, got.Route[3].Action)
	require.False(t, got.FinishedAt.IsZero())

	counters := m.Snapshot()
	require.EqualValues(t, 1, counters.Sent)
	require.EqualValues(t, 1, counters.Delivered)
	require.EqualValues(t, 1, counters.ByKind["request"])
	require.EqualValues(t, 1, counters.ByPriority["normal"])
	require.EqualValues(t, 0, counters.InFlight())
	require.Equal(t, 1, m.Latency().Count)
}

func TestTracer_FailureRecordsError(t *testing.T) {
	tr, m := newTestTracer(t, 16)
	env := envelope.NewRequest("engine", "pricing-1", nil)

	tr.Record(env, "core", ActionEnqueued, "")
	tr.Record(env, "pricing-1", ActionFailed, "handler blew up")

	require.Eventually(t, func() bool {
		got, ok := tr.Get(env.MessageID)
		return ok && got.Status == StatusFailed
	}, time.Second, 5*time.Millisecond)

	got, _ := tr.Get(env.MessageID)
	require.Equal(t, "handler blew up", got.Error)

	counters := m.Snapshot()
	require.EqualValues(t, 1, counters.Failed)
	require.EqualValues(t, 0, counters.InFlight())
	require.Equal(t, 0, m.Latency().Count, "failures do not feed the latency window")
}

func TestTracer_RetriesDoNotInflateSent(t *testing.T) {
	tr, m := newTestTracer(t, 16)
	env := envelope.NewRequest("engine", "pricing-1", nil)

	tr.Record(env, "core", ActionEnqueued, "")
	tr.Record(env, "core", ActionRetrying, "")
	tr.Record(env, "core", ActionEnqueued, "")
	tr.Record(env, "core", ActionRetrying, "")
	tr.Record(env, "core", ActionEnqueued, "")
	tr.Record(env, "pricing-1", ActionDeadLettered, "")

	require.Eventually(t, func() bool {
		got, ok := tr.Get(env.MessageID)
		return ok && got.Status == StatusDeadLettered
	}, time.Second, 5*time.Millisecond)

	counters := m.Snapshot()
	require.EqualValues(t, 1, counters.Sent)
	require.EqualValues(t, 2, counters.Retried)
	require.EqualValues(t, 1, counters.DeadLettered)
	require.EqualValues(t, 0, counters.InFlight())
}

func TestTracer_RingEviction(t *testing.T) {
	tr, _ := newTestTracer(t, 2)

	first := envelope.NewNotification("a", "b", nil)
	second := envelope.NewNotification("a", "b", nil)
	third := envelope.NewNotification("a", "b", nil)
	for _, env := range []*envelope.Envelope{first, second, third} {
		tr.Record(env, "core", ActionEnqueued, "")
	}

	require.Eventually(t, func() bool {
		_, ok := tr.Get(third.MessageID)
		return ok
	}, time.Second, 5*time.Millisecond)

	_, ok := tr.Get(first.MessageID)
	require.False(t, ok, "oldest trace is evicted")

	recent := tr.Recent(10)
	require.Len(t, recent, 2)
	require.Equal(t, second.MessageID, recent[0].MessageID)
	require.Equal(t, third.MessageID, recent[1].MessageID, "newest last")

	one := tr.Recent(1)
	require.Len(t, one, 1)
	require.Equal(t, third.MessageID, one[0].MessageID)
}

func TestTracer_SubscribeStreamsClosedTraces(t *testing.T) {
	tr, _ := newTestTracer(t, 16)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := tr.Subscribe(ctx)

	env := envelope.NewRequest("engine", "pricing-1", nil)
	tr.Record(env, "core", ActionEnqueued, "")
	tr.Record(env, "pricing-1", ActionDelivered, "")

	select {
	case ev := <-ch:
		require.Equal(t, env.MessageID, ev.Payload.MessageID)
		require.Equal(t, StatusDelivered, ev.Payload.Status)
	case <-time.After(time.Second):
		t.Fatal("no closed trace streamed")
	}
}

func TestMetrics_LatencyQuantiles(t *testing.T) {
	m := NewMetrics(8)
	for i := 1; i <= 12; i++ {
		m.addSample(float64(i))
	}

	sum := m.Latency()
	require.Equal(t, 8, sum.Count, "window keeps the newest samples")
	require.Greater(t, sum.P95Ms, sum.P50Ms)
	require.GreaterOrEqual(t, sum.P99Ms, sum.P95Ms)
	require.InDelta(t, 8.5, sum.AvgMs, 0.01, "samples 5..12 remain")
}

// addSample exposes the internal window for the quantile test.
func (m *Metrics) addSample(ms float64) {
	m.mu.Lock()
	m.addSampleLocked(ms)
	m.mu.Unlock()
}
