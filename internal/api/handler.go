// Package api exposes the daemon's HTTP surface: RFP submission, workflow
// inspection and control, approvals, agent directory, health, Prometheus
// metrics, and SSE progress streaming.
package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bidfabric/bidfabric/internal/fabric"
	"github.com/bidfabric/bidfabric/internal/faults"
	"github.com/bidfabric/bidfabric/internal/log"
	"github.com/bidfabric/bidfabric/internal/progress"
	"github.com/bidfabric/bidfabric/internal/trace"
	"github.com/bidfabric/bidfabric/internal/workflow"
)

// Handler provides the HTTP endpoints over the engine and the fabric.
type Handler struct {
	engine  *workflow.Engine
	fab     *fabric.Manager
	tracker *progress.Tracker
	trail   *progress.Trail
	metrics *trace.Metrics
}

// HandlerConfig configures the API handler.
type HandlerConfig struct {
	Engine  *workflow.Engine
	Fabric  *fabric.Manager
	Tracker *progress.Tracker
	Trail   *progress.Trail
	Metrics *trace.Metrics
}

// NewHandler creates the API handler.
func NewHandler(cfg HandlerConfig) *Handler {
	return &Handler{
		engine:  cfg.Engine,
		fab:     cfg.Fabric,
		tracker: cfg.Tracker,
		trail:   cfg.Trail,
		metrics: cfg.Metrics,
	}
}

// Routes returns an http.Handler with all API routes registered.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /rfps", h.SubmitRFP)

	mux.HandleFunc("GET /templates", h.ListTemplates)

	mux.HandleFunc("GET /workflows", h.ListWorkflows)
	mux.HandleFunc("GET /workflows/{id}", h.GetWorkflow)
	mux.HandleFunc("POST /workflows/{id}/cancel", h.CancelWorkflow)
	mux.HandleFunc("POST /workflows/{id}/pause", h.PauseWorkflow)
	mux.HandleFunc("POST /workflows/{id}/resume", h.ResumeWorkflow)
	mux.HandleFunc("POST /workflows/{id}/approvals", h.SubmitApproval)
	mux.HandleFunc("GET /workflows/{id}/audit", h.GetAudit)

	mux.HandleFunc("GET /traces", h.ListTraces)
	mux.HandleFunc("GET /traces/{message_id}", h.GetTrace)

	mux.HandleFunc("GET /events", h.StreamProgress)

	mux.HandleFunc("GET /agents", h.ListAgents)
	mux.HandleFunc("GET /dlq", h.ListDeadLetters)
	mux.HandleFunc("POST /dlq/{message_id}/requeue", h.RequeueDeadLetter)

	mux.HandleFunc("GET /health", h.Health)
	mux.HandleFunc("GET /stats", h.Stats)
	if h.metrics != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(h.metrics.Registry(), promhttp.HandlerOpts{}))
	}

	return mux
}

// === Request/Response Types ===

// SubmitRFPRequest is the request body for submitting an RFP.
type SubmitRFPRequest struct {
	// TemplateID pins a template; empty lets selection predicates choose.
	TemplateID string `json:"template_id,omitempty"`
	// Document is the RFP content: raw_text plus any pre-extracted fields.
	Document map[string]any `json:"document"`
}

// SubmitRFPResponse is the response body for a submission.
type SubmitRFPResponse struct {
	WorkflowID string `json:"workflow_id"`
}

// ApprovalRequestBody is the request body for an approval decision.
type ApprovalRequestBody struct {
	ApprovalID string `json:"approval_id,omitempty"`
	Decision   string `json:"decision"`
	Approver   string `json:"approver"`
	Comment    string `json:"comment,omitempty"`
}

// CancelRequestBody is the request body for cancel and pause.
type CancelRequestBody struct {
	Reason string `json:"reason,omitempty"`
}

// ListWorkflowsResponse is the response body for listing workflows.
type ListWorkflowsResponse struct {
	Workflows []*workflow.State `json:"workflows"`
	Total     int               `json:"total"`
}

// ListAgentsResponse is the response body for the agent directory.
type ListAgentsResponse struct {
	Agents []AgentResponse `json:"agents"`
	Total  int             `json:"total"`
}

// AgentResponse is one directory entry plus queue depth.
type AgentResponse struct {
	AgentID       string    `json:"agent_id"`
	AgentType     string    `json:"agent_type"`
	Capabilities  []string  `json:"capabilities"`
	Status        string    `json:"status"`
	QueueDepth    int       `json:"queue_depth"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// ErrorResponse is the response body for errors.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// === Handlers ===

// SubmitRFP accepts an RFP document and starts a workflow.
// POST /rfps
func (h *Handler) SubmitRFP(w http.ResponseWriter, r *http.Request) {
	var req SubmitRFPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON body: "+err.Error())
		return
	}
	if len(req.Document) == 0 {
		h.writeError(w, http.StatusBadRequest, "validation_error", "document is required")
		return
	}

	id, err := h.engine.Submit(r.Context(), req.Document, req.TemplateID)
	if err != nil {
		h.writeFault(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, SubmitRFPResponse{WorkflowID: id})
}

// ListTemplates returns the loaded workflow templates.
// GET /templates
func (h *Handler) ListTemplates(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.engine.Templates())
}

// ListWorkflows returns all persisted workflows, optionally filtered by status.
// GET /workflows?status=running
func (h *Handler) ListWorkflows(w http.ResponseWriter, r *http.Request) {
	states, err := h.engine.List()
	if err != nil {
		h.writeFault(w, err)
		return
	}
	if status := r.URL.Query().Get("status"); status != "" {
		filtered := states[:0]
		for _, st := range states {
			if string(st.Status) == status {
				filtered = append(filtered, st)
			}
		}
		states = filtered
	}
	h.writeJSON(w, http.StatusOK, ListWorkflowsResponse{Workflows: states, Total: len(states)})
}

// GetWorkflow returns one workflow's full state record.
// GET /workflows/{id}
func (h *Handler) GetWorkflow(w http.ResponseWriter, r *http.Request) {
	st, err := h.engine.Get(r.PathValue("id"))
	if err != nil {
		h.writeFault(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, st)
}

// CancelWorkflow stops a running workflow.
// POST /workflows/{id}/cancel
func (h *Handler) CancelWorkflow(w http.ResponseWriter, r *http.Request) {
	req := h.readReason(r)
	if req.Reason == "" {
		req.Reason = "cancelled via API"
	}
	if err := h.engine.Cancel(r.Context(), r.PathValue("id"), req.Reason); err != nil {
		h.writeFault(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// PauseWorkflow suspends a running workflow at the next stage boundary.
// POST /workflows/{id}/pause
func (h *Handler) PauseWorkflow(w http.ResponseWriter, r *http.Request) {
	req := h.readReason(r)
	if req.Reason == "" {
		req.Reason = "paused via API"
	}
	if err := h.engine.Pause(r.Context(), r.PathValue("id"), req.Reason); err != nil {
		h.writeFault(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ResumeWorkflow releases a paused workflow.
// POST /workflows/{id}/resume
func (h *Handler) ResumeWorkflow(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.Resume(r.Context(), r.PathValue("id")); err != nil {
		h.writeFault(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SubmitApproval delivers an approval decision to a waiting workflow.
// POST /workflows/{id}/approvals
func (h *Handler) SubmitApproval(w http.ResponseWriter, r *http.Request) {
	var req ApprovalRequestBody
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON body: "+err.Error())
		return
	}
	if req.Decision == "" || req.Approver == "" {
		h.writeError(w, http.StatusBadRequest, "validation_error", "decision and approver are required")
		return
	}
	if err := h.engine.SubmitApproval(r.Context(), r.PathValue("id"), req.ApprovalID, req.Decision, req.Approver, req.Comment); err != nil {
		h.writeFault(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetAudit returns the workflow's audit trail in sequence order.
// GET /workflows/{id}/audit
func (h *Handler) GetAudit(w http.ResponseWriter, r *http.Request) {
	events, err := h.trail.For(r.PathValue("id"))
	if err != nil {
		h.writeFault(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, events)
}

// ListTraces returns the most recent message journeys.
// GET /traces?limit=100
func (h *Handler) ListTraces(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if s := r.URL.Query().Get("limit"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			limit = n
		}
	}
	h.writeJSON(w, http.StatusOK, h.fab.Tracer().Recent(limit))
}

// GetTrace returns one message's journey.
// GET /traces/{message_id}
func (h *Handler) GetTrace(w http.ResponseWriter, r *http.Request) {
	tr, ok := h.fab.Tracer().Get(r.PathValue("message_id"))
	if !ok {
		h.writeError(w, http.StatusNotFound, "not_found", "trace not found")
		return
	}
	h.writeJSON(w, http.StatusOK, tr)
}

// StreamProgress streams progress events via SSE, optionally filtered to one
// workflow.
// GET /events?workflow_id=...
func (h *Handler) StreamProgress(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "streaming_unsupported", "streaming not supported")
		return
	}

	only := r.URL.Query().Get("workflow_id")
	events := h.tracker.Subscribe(r.Context())

	_, _ = fmt.Fprintf(w, "event: connected\ndata: {}\n\n")
	flusher.Flush()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			_, _ = fmt.Fprintf(w, ": heartbeat\n\n")
			flusher.Flush()
		case ev, ok := <-events:
			if !ok {
				return
			}
			if only != "" && ev.Payload.WorkflowID != only {
				continue
			}
			data, err := json.Marshal(ev.Payload)
			if err != nil {
				log.ErrorErr(log.CatAPI, "progress event marshal failed", err)
				continue
			}
			_, _ = fmt.Fprintf(w, "event: progress\ndata: %s\n\n", data)
			flusher.Flush()
		}
	}
}

// ListAgents returns the agent directory with queue depths.
// GET /agents
func (h *Handler) ListAgents(w http.ResponseWriter, r *http.Request) {
	entries := h.fab.Registry().List()
	resp := ListAgentsResponse{Agents: make([]AgentResponse, 0, len(entries)), Total: len(entries)}
	for _, e := range entries {
		resp.Agents = append(resp.Agents, AgentResponse{
			AgentID:       e.AgentID,
			AgentType:     e.AgentType,
			Capabilities:  e.Capabilities,
			Status:        string(e.Status),
			QueueDepth:    h.fab.QueueDepth(e.AgentID),
			LastHeartbeat: e.LastHeartbeat,
		})
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// ListDeadLetters returns dead-lettered envelopes for operator inspection.
// GET /dlq
func (h *Handler) ListDeadLetters(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.fab.DeadLetters().List())
}

// RequeueDeadLetter re-submits a dead letter to its original destination.
// POST /dlq/{message_id}/requeue
func (h *Handler) RequeueDeadLetter(w http.ResponseWriter, r *http.Request) {
	if err := h.fab.RequeueDeadLetter(r.Context(), r.PathValue("message_id")); err != nil {
		h.writeFault(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Health returns the component health rollup.
// GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	health := h.fab.Health()
	status := http.StatusOK
	if health.Status == fabric.Unhealthy {
		status = http.StatusServiceUnavailable
	}
	h.writeJSON(w, status, health)
}

// Stats returns the fabric's counters, latency quantiles, and queue gauges.
// GET /stats
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.fab.Stats())
}

// === Helpers ===

func (h *Handler) readReason(r *http.Request) CancelRequestBody {
	var req CancelRequestBody
	if r.Body != nil && r.ContentLength > 0 {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	return req
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.ErrorErr(log.CatAPI, "response encode failed", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, code, message string) {
	h.writeJSON(w, status, ErrorResponse{Error: message, Code: code})
}

// writeFault maps fault kinds onto HTTP statuses.
func (h *Handler) writeFault(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	code := "internal"
	if f, ok := err.(*faults.Fault); ok {
		code = string(f.Kind)
		switch f.Kind {
		case faults.NoRoute:
			status = http.StatusNotFound
		case faults.Malformed:
			status = http.StatusBadRequest
		case faults.StateConflict:
			status = http.StatusConflict
		case faults.Unavailable, faults.BreakerOpen, faults.QueueFull:
			status = http.StatusServiceUnavailable
		case faults.Timeout:
			status = http.StatusGatewayTimeout
		}
	}
	h.writeError(w, status, code, err.Error())
}
