package api_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bidfabric/bidfabric/internal/agent"
	"github.com/bidfabric/bidfabric/internal/api"
	"github.com/bidfabric/bidfabric/internal/config"
	"github.com/bidfabric/bidfabric/internal/fabric"
	"github.com/bidfabric/bidfabric/internal/kvstore"
	"github.com/bidfabric/bidfabric/internal/progress"
	"github.com/bidfabric/bidfabric/internal/registry"
	"github.com/bidfabric/bidfabric/internal/trace"
	"github.com/bidfabric/bidfabric/internal/workflow"
)

// newTestServer boots the whole stack behind an httptest server: fabric,
// engine with one single-stage template, a builtin-style echo agent, tracker,
// and trail.
func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	dir := t.TempDir()
	tpl := `
template_id: api-test
name: API Test
selection:
  complexity: trivial
stages:
  - name: echo
    handler_agent_type: api-echo
    timeout_ms: 2000
    outputs: [echoed]
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "api-test.yaml"), []byte(tpl), 0o644))

	fcfg := config.Defaults().Fabric
	metrics := trace.NewMetrics(64)
	tracer := trace.NewTracer(256, metrics)
	store, err := kvstore.NewMemory(kvstore.MemoryOptions{})
	require.NoError(t, err)
	fab := fabric.New(fcfg, fabric.Deps{
		Registry: registry.New(fcfg.StaleAfter()),
		Store:    store,
		Tracer:   tracer,
		Metrics:  metrics,
	})

	lib, err := workflow.NewLibrary(dir)
	require.NoError(t, err)
	trail := progress.NewTrail(fab, store)
	eng := workflow.NewEngine(config.Defaults().Workflow, workflow.Deps{
		Fabric:    fab,
		Library:   lib,
		Store:     store,
		Trail:     trail,
		Publisher: progress.NewPublisher(fab, workflow.EngineAgentID),
	})
	require.NoError(t, eng.Start(context.Background()))

	tracker, err := progress.NewTracker(fab)
	require.NoError(t, err)

	runner, err := agent.NewRunner(fab, "echo-1", "api-echo",
		[]string{"echo"},
		agent.HandlerFunc(func(ctx context.Context, task *agent.Task) (map[string]any, error) {
			return map[string]any{"echoed": task.Input["raw_text"]}, nil
		}))
	require.NoError(t, err)

	handler := api.NewHandler(api.HandlerConfig{
		Engine:  eng,
		Fabric:  fab,
		Tracker: tracker,
		Trail:   trail,
		Metrics: metrics,
	})
	srv := httptest.NewServer(handler.Routes())

	t.Cleanup(func() {
		srv.Close()
		runner.Close()
		tracker.Close()
		eng.Shutdown()
		lib.Close()
		_ = fab.Shutdown(context.Background())
		tracer.Close()
		_ = store.Close()
	})
	return srv
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestAPI_SubmitAndGetWorkflow(t *testing.T) {
	srv := newTestServer(t)

	resp := postJSON(t, srv.URL+"/rfps", map[string]any{
		"template_id": "api-test",
		"document":    map[string]any{"raw_text": "build us a thing"},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decodeBody[api.SubmitRFPResponse](t, resp)
	require.NotEmpty(t, created.WorkflowID)

	var st *workflow.State
	require.Eventually(t, func() bool {
		r, err := http.Get(srv.URL + "/workflows/" + created.WorkflowID)
		if err != nil || r.StatusCode != http.StatusOK {
			return false
		}
		got := decodeBody[workflow.State](t, r)
		st = &got
		return got.Status == workflow.StatusCompleted
	}, 5*time.Second, 20*time.Millisecond)

	require.Equal(t, "api-test", st.TemplateID)
	require.Equal(t, "build us a thing", st.Context["echoed"])

	// The run left an audit trail.
	r, err := http.Get(srv.URL + "/workflows/" + created.WorkflowID + "/audit")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, r.StatusCode)
	events := decodeBody[[]progress.AuditEvent](t, r)
	require.NotEmpty(t, events)
	require.Equal(t, progress.AuditWorkflowStart, events[0].Type)

	// And it shows up in the list, filterable by status.
	r, err = http.Get(srv.URL + "/workflows?status=completed")
	require.NoError(t, err)
	listed := decodeBody[api.ListWorkflowsResponse](t, r)
	require.Equal(t, 1, listed.Total)
}

func TestAPI_SubmitValidation(t *testing.T) {
	srv := newTestServer(t)

	resp := postJSON(t, srv.URL+"/rfps", map[string]any{"document": map[string]any{}})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	errResp := decodeBody[api.ErrorResponse](t, resp)
	require.Equal(t, "validation_error", errResp.Code)

	resp, err := http.Post(srv.URL+"/rfps", "application/json", bytes.NewReader([]byte("{not json")))
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	resp = postJSON(t, srv.URL+"/rfps", map[string]any{
		"template_id": "no-such-template",
		"document":    map[string]any{"raw_text": "x"},
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	errResp = decodeBody[api.ErrorResponse](t, resp)
	require.Equal(t, "malformed", errResp.Code)
}

func TestAPI_WorkflowNotFound(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/workflows/no-such-id")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPI_ApprovalValidation(t *testing.T) {
	srv := newTestServer(t)

	resp := postJSON(t, srv.URL+"/workflows/some-id/approvals", map[string]any{"decision": "approve"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	errResp := decodeBody[api.ErrorResponse](t, resp)
	require.Equal(t, "validation_error", errResp.Code, "approver is required")
}

func TestAPI_Templates(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/templates")
	require.NoError(t, err)
	templates := decodeBody[[]*workflow.Template](t, resp)

	ids := make(map[string]bool, len(templates))
	for _, tpl := range templates {
		ids[tpl.TemplateID] = true
	}
	require.True(t, ids["api-test"], "user template loaded")
	require.True(t, ids["standard"], "builtins loaded")
}

func TestAPI_Agents(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/agents")
	require.NoError(t, err)
	agents := decodeBody[api.ListAgentsResponse](t, resp)
	require.GreaterOrEqual(t, agents.Total, 2, "echo agent, engine, tracker")

	var foundEcho bool
	for _, a := range agents.Agents {
		if a.AgentID == "echo-1" {
			foundEcho = true
			require.Equal(t, "api-echo", a.AgentType)
			require.Contains(t, a.Capabilities, "echo")
		}
	}
	require.True(t, foundEcho)
}

func TestAPI_HealthStatsMetricsDLQ(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	health := decodeBody[fabric.Health](t, resp)
	require.Equal(t, fabric.Healthy, health.Status)

	resp, err = http.Get(srv.URL + "/stats")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp, err = http.Get(srv.URL + "/dlq")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp, err = http.Post(srv.URL+"/dlq/no-such-message/requeue", "application/json", nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestAPI_Traces(t *testing.T) {
	srv := newTestServer(t)

	// Drive one workflow through so traces exist.
	resp := postJSON(t, srv.URL+"/rfps", map[string]any{
		"template_id": "api-test",
		"document":    map[string]any{"raw_text": "trace me"},
	})
	created := decodeBody[api.SubmitRFPResponse](t, resp)
	require.Eventually(t, func() bool {
		r, err := http.Get(srv.URL + "/workflows/" + created.WorkflowID)
		if err != nil {
			return false
		}
		st := decodeBody[workflow.State](t, r)
		return st.Status == workflow.StatusCompleted
	}, 5*time.Second, 20*time.Millisecond)

	var traces []trace.Trace
	require.Eventually(t, func() bool {
		r, err := http.Get(srv.URL + "/traces?limit=10")
		if err != nil {
			return false
		}
		traces = decodeBody[[]trace.Trace](t, r)
		return len(traces) > 0
	}, 5*time.Second, 20*time.Millisecond)

	r, err := http.Get(srv.URL + "/traces/" + traces[0].MessageID)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, r.StatusCode)
	got := decodeBody[trace.Trace](t, r)
	require.Equal(t, traces[0].MessageID, got.MessageID)

	r, err = http.Get(srv.URL + "/traces/no-such-message")
	require.NoError(t, err)
	defer r.Body.Close()
	require.Equal(t, http.StatusNotFound, r.StatusCode)
}

func TestAPI_EventsStream(t *testing.T) {
	srv := newTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "event: connected\n", line)

	// A submission produces progress frames on the open stream.
	go func() {
		raw, _ := json.Marshal(map[string]any{
			"template_id": "api-test",
			"document":    map[string]any{"raw_text": "stream me"},
		})
		r, err := http.Post(srv.URL+"/rfps", "application/json", bytes.NewReader(raw))
		if err == nil {
			r.Body.Close()
		}
	}()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		line, err := reader.ReadString('\n')
		if err != nil {
			break
		}
		if line == "event: progress\n" {
			return
		}
	}
	t.Fatal("no progress frame arrived on the SSE stream")
}

func TestAPI_CancelConflictOnTerminal(t *testing.T) {
	srv := newTestServer(t)

	resp := postJSON(t, srv.URL+"/rfps", map[string]any{
		"template_id": "api-test",
		"document":    map[string]any{"raw_text": "quick"},
	})
	created := decodeBody[api.SubmitRFPResponse](t, resp)
	require.Eventually(t, func() bool {
		r, err := http.Get(srv.URL + "/workflows/" + created.WorkflowID)
		if err != nil {
			return false
		}
		st := decodeBody[workflow.State](t, r)
		return st.Status.Terminal()
	}, 5*time.Second, 20*time.Millisecond)

	r, err := http.Post(fmt.Sprintf("%s/workflows/%s/cancel", srv.URL, created.WorkflowID), "application/json", nil)
	require.NoError(t, err)
	defer r.Body.Close()
	require.Equal(t, http.StatusConflict, r.StatusCode)
}
