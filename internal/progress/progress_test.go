package progress_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bidfabric/bidfabric/internal/config"
	"github.com/bidfabric/bidfabric/internal/fabric"
	"github.com/bidfabric/bidfabric/internal/kvstore"
	"github.com/bidfabric/bidfabric/internal/progress"
	"github.com/bidfabric/bidfabric/internal/registry"
	"github.com/bidfabric/bidfabric/internal/trace"
)

func newTestStack(t *testing.T) (*fabric.Manager, kvstore.Store) {
	t.Helper()
	cfg := config.Defaults().Fabric
	metrics := trace.NewMetrics(64)
	tracer := trace.NewTracer(256, metrics)
	store, err := kvstore.NewMemory(kvstore.MemoryOptions{})
	require.NoError(t, err)
	fab := fabric.New(cfg, fabric.Deps{
		Registry: registry.New(cfg.StaleAfter()),
		Store:    store,
		Tracer:   tracer,
		Metrics:  metrics,
	})
	t.Cleanup(func() {
		_ = fab.Shutdown(context.Background())
		tracer.Close()
		_ = store.Close()
	})
	return fab, store
}

func TestTracker_LatestFollowsPublisher(t *testing.T) {
	fab, _ := newTestStack(t)
	tracker, err := progress.NewTracker(fab)
	require.NoError(t, err)
	defer tracker.Close()

	pub := progress.NewPublisher(fab, "workflow-engine")
	ctx := context.Background()

	pub.Publish(ctx, progress.Event{WorkflowID: "wf-1", Stage: "parse", Status: "running", Percent: 10})
	require.Eventually(t, func() bool {
		ev, ok := tracker.Latest("wf-1")
		return ok && ev.Stage == "parse"
	}, time.Second, 10*time.Millisecond)

	pub.Publish(ctx, progress.Event{WorkflowID: "wf-1", Stage: "pricing", Status: "running", Percent: 60})
	require.Eventually(t, func() bool {
		ev, _ := tracker.Latest("wf-1")
		return ev.Stage == "pricing"
	}, time.Second, 10*time.Millisecond)

	ev, ok := tracker.Latest("wf-1")
	require.True(t, ok)
	require.Equal(t, 60.0, ev.Percent)
	require.False(t, ev.At.IsZero(), "publish stamps At when unset")

	pub.Publish(ctx, progress.Event{WorkflowID: "wf-2", Status: "completed", Percent: 100})
	require.Eventually(t, func() bool {
		return len(tracker.All()) == 2
	}, time.Second, 10*time.Millisecond)
}

func TestTracker_SubscribeStreamsEvents(t *testing.T) {
	fab, _ := newTestStack(t)
	tracker, err := progress.NewTracker(fab)
	require.NoError(t, err)
	defer tracker.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := tracker.Subscribe(ctx)

	pub := progress.NewPublisher(fab, "workflow-engine")
	pub.Publish(context.Background(), progress.Event{WorkflowID: "wf-1", Status: "running", Percent: 25})

	select {
	case got := <-ch:
		require.Equal(t, "wf-1", got.Payload.WorkflowID)
		require.Equal(t, 25.0, got.Payload.Percent)
	case <-time.After(time.Second):
		t.Fatal("no progress event streamed")
	}
}

func TestDecodePayload(t *testing.T) {
	var ev progress.Event

	// Struct payload, as handed over by the in-process transport.
	require.NoError(t, progress.DecodePayload(progress.Event{WorkflowID: "wf-1", Percent: 50}, &ev))
	require.Equal(t, "wf-1", ev.WorkflowID)

	// Map payload, as decoded from a broker transport.
	require.NoError(t, progress.DecodePayload(map[string]any{"workflow_id": "wf-2", "percent": 75.0}, &ev))
	require.Equal(t, "wf-2", ev.WorkflowID)
	require.Equal(t, 75.0, ev.Percent)
}

func TestTrail_SequencesAndPersists(t *testing.T) {
	fab, store := newTestStack(t)
	trail := progress.NewTrail(fab, store)
	ctx := context.Background()

	require.NoError(t, trail.Record(ctx, progress.AuditEvent{
		WorkflowID:  "wf-1",
		Type:        progress.AuditWorkflowStart,
		Component:   "engine",
		Description: "workflow started",
	}))
	require.NoError(t, trail.Record(ctx, progress.AuditEvent{
		WorkflowID: "wf-1",
		Type:       progress.AuditStageStart,
		Component:  "engine",
		Data:       map[string]any{"stage": "parse"},
	}))
	require.NoError(t, trail.Record(ctx, progress.AuditEvent{
		WorkflowID: "wf-2",
		Type:       progress.AuditWorkflowStart,
		Component:  "engine",
	}))

	events, err := trail.For("wf-1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, 1, events[0].Seq)
	require.Equal(t, 2, events[1].Seq)
	require.Equal(t, progress.AuditWorkflowStart, events[0].Type)
	require.Equal(t, progress.SeverityInfo, events[0].Severity, "severity defaults to info")
	require.False(t, events[0].At.IsZero())

	other, err := trail.For("wf-2")
	require.NoError(t, err)
	require.Len(t, other, 1)
	require.Equal(t, 1, other[0].Seq, "sequences are per workflow")
}

func TestTrail_ResumesSequenceFromStore(t *testing.T) {
	fab, store := newTestStack(t)
	ctx := context.Background()

	first := progress.NewTrail(fab, store)
	require.NoError(t, first.Record(ctx, progress.AuditEvent{WorkflowID: "wf-1", Type: progress.AuditWorkflowStart, Component: "engine"}))
	require.NoError(t, first.Record(ctx, progress.AuditEvent{WorkflowID: "wf-1", Type: progress.AuditStageStart, Component: "engine"}))

	// A fresh trail over the same store models a process restart.
	second := progress.NewTrail(fab, store)
	require.NoError(t, second.Record(ctx, progress.AuditEvent{WorkflowID: "wf-1", Type: progress.AuditWorkflowComplete, Component: "engine"}))

	events, err := second.For("wf-1")
	require.NoError(t, err)
	require.Len(t, events, 3)
	require.Equal(t, 3, events[2].Seq, "sequence continues past persisted events")
	require.Equal(t, progress.AuditWorkflowComplete, events[2].Type)
}
