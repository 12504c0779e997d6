package workflow

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/bidfabric/bidfabric/internal/config"
	"github.com/bidfabric/bidfabric/internal/envelope"
	"github.com/bidfabric/bidfabric/internal/fabric"
	"github.com/bidfabric/bidfabric/internal/faults"
	"github.com/bidfabric/bidfabric/internal/kvstore"
	"github.com/bidfabric/bidfabric/internal/log"
	"github.com/bidfabric/bidfabric/internal/progress"
	"github.com/bidfabric/bidfabric/internal/registry"
	"github.com/bidfabric/bidfabric/internal/tracing"
)

// EngineAgentID is the identity the engine registers under; stage requests
// and progress events carry it as sender.
const EngineAgentID = "workflow-engine"

// defaultStageTimeout applies when a stage declares no timeout_ms.
const defaultStageTimeout = 30 * time.Second

// stageRerunLimit bounds retry_stage and request_revision re-executions of a
// single stage within one workflow run.
const stageRerunLimit = 3

// Engine runs workflows: it selects a template per submission, walks its
// stage groups, dispatches each stage as a fabric request, and persists the
// full state record on every transition.
type Engine struct {
	cfg    config.WorkflowConfig
	fab    *fabric.Manager
	lib    *Library
	store  kvstore.Store
	trail  *progress.Trail
	pub    *progress.Publisher
	hist   *Histogram
	tracer oteltrace.Tracer

	mu   sync.RWMutex
	runs map[string]*run

	closed atomic.Bool
	wg     sync.WaitGroup
}

// Deps carries the engine's collaborators.
type Deps struct {
	Fabric    *fabric.Manager
	Library   *Library
	Store     kvstore.Store
	Trail     *progress.Trail
	Publisher *progress.Publisher
	// Tracer is optional; nil disables stage spans.
	Tracer oteltrace.Tracer
}

// NewEngine wires the workflow engine.
func NewEngine(cfg config.WorkflowConfig, deps Deps) *Engine {
	tracer := deps.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("workflow")
	}
	return &Engine{
		cfg:    cfg,
		fab:    deps.Fabric,
		lib:    deps.Library,
		store:  deps.Store,
		trail:  deps.Trail,
		pub:    deps.Publisher,
		hist:   NewHistogram(cfg.StageHistogramWindow),
		tracer: tracer,
		runs:   make(map[string]*run),
	}
}

// Histogram exposes stage and agent duration stats.
func (e *Engine) Histogram() *Histogram {
	return e.hist
}

// Templates returns the loaded template set.
func (e *Engine) Templates() []*Template {
	return e.lib.List()
}

// Start registers the engine agent and resumes persisted non-terminal
// workflows from their last snapshot.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.fab.RegisterAgent(EngineAgentID, "orchestrator", []string{"workflow"}, nil); err != nil {
		return err
	}

	keys, err := e.store.Keys(kvstore.NSWorkflows, "")
	if err != nil {
		return err
	}
	resumed := 0
	for _, key := range keys {
		var st State
		ok, err := kvstore.GetJSON(e.store, kvstore.NSWorkflows, key, &st)
		if err != nil || !ok {
			continue
		}
		if st.Status.Terminal() {
			continue
		}
		tpl, found := e.lib.Get(st.TemplateID)
		if !found {
			log.Warn(log.CatEngine, "cannot resume workflow, template missing", "workflow", st.WorkflowID, "template", st.TemplateID)
			continue
		}
		st.Status = StatusRunning
		r := e.newRun(&st, tpl)
		_ = e.trail.Record(ctx, progress.AuditEvent{
			WorkflowID:  st.WorkflowID,
			Type:        progress.AuditWorkflowResumed,
			Component:   EngineAgentID,
			Description: "resumed from persisted snapshot",
			Data:        map[string]any{"stage_cursor": st.StageCursor},
		})
		e.launch(r)
		resumed++
	}
	if resumed > 0 {
		log.Info(log.CatEngine, "workflows resumed", "count", resumed)
	}
	return nil
}

// Submit accepts an RFP document, selects a template, and starts the run.
// templateID may be empty; selection predicates then pick one.
func (e *Engine) Submit(ctx context.Context, doc map[string]any, templateID string) (string, error) {
	if e.closed.Load() {
		return "", faults.New(faults.Unavailable, "engine is shut down")
	}
	tpl, err := e.lib.Select(doc, templateID)
	if err != nil {
		return "", faults.Wrap(faults.Malformed, err, "template selection failed")
	}

	id := uuid.New().String()
	ctxDoc := make(map[string]any, len(doc))
	for k, v := range doc {
		ctxDoc[k] = v
	}
	st := &State{
		WorkflowID:   id,
		TemplateID:   tpl.TemplateID,
		Status:       StatusPending,
		Context:      ctxDoc,
		StageResults: make(map[string]*StageResult),
		SubmittedAt:  time.Now(),
		UpdatedAt:    time.Now(),
	}
	r := e.newRun(st, tpl)
	if err := r.persist(); err != nil {
		return "", err
	}
	_ = e.trail.Record(ctx, progress.AuditEvent{
		WorkflowID:  id,
		Type:        progress.AuditWorkflowStart,
		Component:   EngineAgentID,
		Description: fmt.Sprintf("workflow started with template %s", tpl.TemplateID),
		Data:        map[string]any{"template_id": tpl.TemplateID},
	})
	log.Info(log.CatEngine, "workflow submitted", "workflow", id, "template", tpl.TemplateID)
	e.launch(r)
	return id, nil
}

// Get returns the workflow state, preferring the live run over the store.
func (e *Engine) Get(workflowID string) (*State, error) {
	e.mu.RLock()
	r, ok := e.runs[workflowID]
	e.mu.RUnlock()
	if ok {
		return r.snapshot(), nil
	}
	var st State
	found, err := kvstore.GetJSON(e.store, kvstore.NSWorkflows, workflowID, &st)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, faults.New(faults.NoRoute, "workflow %s not found", workflowID)
	}
	return &st, nil
}

// List returns every persisted workflow state, newest submission first.
func (e *Engine) List() ([]*State, error) {
	keys, err := e.store.Keys(kvstore.NSWorkflows, "")
	if err != nil {
		return nil, err
	}
	out := make([]*State, 0, len(keys))
	for _, key := range keys {
		var st State
		ok, err := kvstore.GetJSON(e.store, kvstore.NSWorkflows, key, &st)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, &st)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubmittedAt.After(out[j].SubmittedAt) })
	return out, nil
}

// Cancel stops the workflow with the given reason. Terminal workflows return
// a state_conflict fault.
func (e *Engine) Cancel(ctx context.Context, workflowID, reason string) error {
	e.mu.RLock()
	r, ok := e.runs[workflowID]
	e.mu.RUnlock()
	if !ok {
		st, err := e.Get(workflowID)
		if err != nil {
			return err
		}
		return faults.New(faults.StateConflict, "workflow %s is already %s", workflowID, st.Status)
	}
	return r.cancelWith(ctx, reason)
}

// Pause suspends the workflow between stage groups. The in-flight stage, if
// any, runs to completion first.
func (e *Engine) Pause(ctx context.Context, workflowID, reason string) error {
	r, err := e.liveRun(workflowID)
	if err != nil {
		return err
	}
	return r.pause(ctx, reason)
}

// Resume releases a paused workflow.
func (e *Engine) Resume(ctx context.Context, workflowID string) error {
	r, err := e.liveRun(workflowID)
	if err != nil {
		return err
	}
	return r.resumeRun(ctx)
}

// SubmitApproval delivers a human decision to a workflow waiting on a gate.
func (e *Engine) SubmitApproval(ctx context.Context, workflowID, approvalID, dec, approver, comment string) error {
	switch dec {
	case DecisionApprove, DecisionReject, DecisionRequestRevision:
	default:
		return faults.New(faults.Malformed, "unknown approval decision %q", dec)
	}
	r, err := e.liveRun(workflowID)
	if err != nil {
		return err
	}
	return r.decide(ctx, approvalID, dec, approver, comment)
}

// Shutdown stops all runs without marking them terminal; they resume on the
// next Start from their persisted snapshots.
func (e *Engine) Shutdown() {
	if e.closed.Swap(true) {
		return
	}
	e.mu.RLock()
	for _, r := range e.runs {
		r.cancel()
	}
	e.mu.RUnlock()
	e.wg.Wait()
	log.Info(log.CatEngine, "engine shut down")
}

func (e *Engine) liveRun(workflowID string) (*run, error) {
	e.mu.RLock()
	r, ok := e.runs[workflowID]
	e.mu.RUnlock()
	if !ok {
		if _, err := e.Get(workflowID); err != nil {
			return nil, err
		}
		return nil, faults.New(faults.StateConflict, "workflow %s is not running", workflowID)
	}
	return r, nil
}

func (e *Engine) newRun(st *State, tpl *Template) *run {
	ctx, cancel := context.WithCancel(context.Background())
	return &run{
		engine:    e,
		tpl:       tpl,
		groups:    tpl.Groups(),
		state:     st,
		ctx:       ctx,
		cancel:    cancel,
		decisions: make(chan decision, 1),
	}
}

func (e *Engine) launch(r *run) {
	e.mu.Lock()
	e.runs[r.state.WorkflowID] = r
	e.mu.Unlock()
	e.wg.Add(1)
	log.SafeGo("workflow-run", func() {
		defer e.wg.Done()
		defer func() {
			e.mu.Lock()
			delete(e.runs, r.state.WorkflowID)
			e.mu.Unlock()
		}()
		r.loop()
	})
}

// pickAgent chooses the handler instance for a stage: lowest queue depth
// first, then lowest observed p95 duration, then registration order.
func (e *Engine) pickAgent(agentType string) (registry.Entry, error) {
	cands := e.fab.Registry().LookupByType(agentType)
	if len(cands) == 0 {
		return registry.Entry{}, faults.New(faults.NoRoute, "no %s agents available", agentType)
	}
	best := cands[0]
	bestDepth := e.fab.QueueDepth(best.AgentID)
	bestP95 := e.hist.P95("agent:" + best.AgentID)
	for _, c := range cands[1:] {
		depth := e.fab.QueueDepth(c.AgentID)
		p95 := e.hist.P95("agent:" + c.AgentID)
		if depth < bestDepth || (depth == bestDepth && p95 < bestP95) {
			best, bestDepth, bestP95 = c, depth, p95
		}
	}
	return best, nil
}

// decision is one approval verdict in flight to a waiting run.
type decision struct {
	approvalID string
	decision   string
	approver   string
	comment    string
}

// run is one workflow execution: a goroutine walking the template's groups
// against the current State.
type run struct {
	engine *Engine
	tpl    *Template
	groups [][]Stage

	mu    sync.Mutex
	state *State

	ctx    context.Context
	cancel context.CancelFunc

	decisions chan decision

	pauseMu  sync.Mutex
	paused   bool
	resumeCh chan struct{}
}

// snapshot returns a deep-enough copy of the state for read-side callers.
func (r *run) snapshot() *State {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *r.state
	cp.StageResults = make(map[string]*StageResult, len(r.state.StageResults))
	for k, v := range r.state.StageResults {
		res := *v
		cp.StageResults[k] = &res
	}
	return &cp
}

// persist writes the full state record. Called inside mutate().
func (r *run) persist() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.persistLocked()
}

func (r *run) persistLocked() error {
	r.state.UpdatedAt = time.Now()
	if err := kvstore.SetJSON(r.engine.store, kvstore.NSWorkflows, r.state.WorkflowID, r.state, kvstore.NoTTL); err != nil {
		log.ErrorErr(log.CatEngine, "workflow persist failed", err, "workflow", r.state.WorkflowID)
		return err
	}
	return nil
}

// mutate applies fn under the state lock and persists the result.
func (r *run) mutate(fn func(*State)) {
	r.mu.Lock()
	fn(r.state)
	_ = r.persistLocked()
	r.mu.Unlock()
}

func (r *run) progress(stage, status, message string) {
	st := r.snapshot()
	r.engine.pub.Publish(r.ctx, progress.Event{
		WorkflowID: st.WorkflowID,
		Stage:      stage,
		Status:     status,
		Percent:    st.Percent(len(r.tpl.Stages)),
		Message:    message,
	})
}

func (r *run) audit(ev progress.AuditEvent) {
	ev.WorkflowID = r.state.WorkflowID
	if ev.Component == "" {
		ev.Component = EngineAgentID
	}
	if err := r.engine.trail.Record(context.Background(), ev); err != nil {
		log.Warn(log.CatEngine, "audit record failed", "workflow", ev.WorkflowID, "err", err)
	}
}

// loop is the run's main routine: resume any pending approval gate, then walk
// stage groups from the cursor.
func (r *run) loop() {
	r.mutate(func(s *State) { s.Status = StatusRunning })
	r.progress("", string(StatusRunning), "")

	// A restart while waiting on an approval re-enters the gate first.
	if pending := r.pendingApproval(); pending != nil {
		if st := r.stageByName(pending.Stage); st != nil {
			r.mutate(func(s *State) { s.Status = StatusWaitingApproval })
			r.progress(st.Name, string(StatusWaitingApproval), "")
			if !r.awaitApproval(*st, pending) {
				return
			}
			r.advanceCursor()
		}
	}

	for {
		if r.ctx.Err() != nil {
			r.onInterrupted()
			return
		}
		if !r.gate() {
			r.onInterrupted()
			return
		}
		cursor := r.cursor()
		if cursor >= len(r.groups) {
			break
		}
		group := r.groups[cursor]

		var failure error
		if len(group) == 1 {
			routed, err := r.runSequential(group[0])
			if err != nil {
				failure = err
			} else if routed >= 0 {
				r.setCursor(routed)
				continue
			}
		} else {
			failure = r.runParallel(group)
		}
		if failure != nil {
			if r.ctx.Err() != nil {
				r.onInterrupted()
				return
			}
			r.fail(failure)
			return
		}
		r.advanceCursor()
	}

	if rb := r.tpl.ResponseBuilder; rb != nil {
		if err := r.runResponseBuilder(*rb); err != nil {
			if r.ctx.Err() != nil {
				r.onInterrupted()
				return
			}
			r.fail(err)
			return
		}
	}

	r.mutate(func(s *State) {
		s.Status = StatusCompleted
		s.CurrentStage = ""
		s.FinishedAt = time.Now()
	})
	r.audit(progress.AuditEvent{Type: progress.AuditWorkflowComplete, Description: "all stages completed"})
	r.progress("", string(StatusCompleted), "")
	log.Info(log.CatEngine, "workflow completed", "workflow", r.state.WorkflowID)
}

// runSequential executes one ungrouped stage, applying its error policy.
// Returns the group index to jump to for route_to, or -1 to advance.
func (r *run) runSequential(st Stage) (int, error) {
	res := r.executeStage(st)
	if res.Status == StageCompleted || res.Status == StageSkipped {
		if res.Status == StageCompleted && st.RequiresApproval {
			if !r.gateApproval(st) {
				return -1, r.ctx.Err()
			}
		}
		return -1, nil
	}

	switch st.OnError {
	case OnErrorSkipStage:
		r.markSkipped(st, "skipped after failure: "+res.Error)
		return -1, nil
	case OnErrorRouteTo:
		target := r.groupIndexOf(st.RouteTo)
		if target < 0 {
			return -1, fmt.Errorf("stage %s routes to unknown stage %s", st.Name, st.RouteTo)
		}
		r.audit(progress.AuditEvent{
			Type:        progress.AuditErrorOccurred,
			Severity:    progress.SeverityWarning,
			Description: fmt.Sprintf("stage %s failed, routing to %s", st.Name, st.RouteTo),
			Data:        map[string]any{"stage": st.Name, "route_to": st.RouteTo, "error": res.Error},
		})
		return target, nil
	default: // fail_workflow; retry_stage exhaustion lands here too
		return -1, fmt.Errorf("stage %s failed: %s", st.Name, res.Error)
	}
}

// runParallel dispatches the group members concurrently and waits for all of
// them. A member failing with a fail-the-workflow policy fails the group
// after every member settles.
func (r *run) runParallel(group []Stage) error {
	results := make([]*StageResult, len(group))
	var wg sync.WaitGroup
	for i := range group {
		wg.Add(1)
		i := i
		log.SafeGo("workflow-parallel-stage", func() {
			defer wg.Done()
			results[i] = r.executeStage(group[i])
		})
	}
	wg.Wait()

	var failed []string
	for i, res := range results {
		if res.Status == StageFailed {
			st := group[i]
			if st.OnError == OnErrorSkipStage {
				r.markSkipped(st, "skipped after failure: "+res.Error)
				continue
			}
			failed = append(failed, fmt.Sprintf("%s: %s", st.Name, res.Error))
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("parallel group %s failed: %v", group[0].ParallelGroup, failed)
	}
	for i, res := range results {
		if res.Status == StageCompleted && group[i].RequiresApproval {
			if !r.gateApproval(group[i]) {
				return r.ctx.Err()
			}
		}
	}
	return nil
}

// executeStage runs one stage end to end: skip check, agent selection,
// dispatch, output merge, telemetry. retry_stage re-runs with fresh agent
// selection up to the rerun limit.
func (r *run) executeStage(st Stage) *StageResult {
	if reason, skip := r.shouldSkip(st); skip {
		return r.markSkipped(st, reason)
	}

	reruns := 1
	if st.OnError == OnErrorRetryStage {
		reruns = stageRerunLimit
	}
	var res *StageResult
	for i := 0; i < reruns; i++ {
		res = r.dispatchStage(st)
		if res.Status != StageFailed || r.ctx.Err() != nil {
			return res
		}
		if i < reruns-1 {
			r.audit(progress.AuditEvent{
				Type:        progress.AuditErrorOccurred,
				Severity:    progress.SeverityWarning,
				Description: fmt.Sprintf("stage %s failed, re-running", st.Name),
				Data:        map[string]any{"stage": st.Name, "error": res.Error, "rerun": i + 1},
			})
		}
	}
	return res
}

// dispatchStage performs a single stage execution attempt group: one agent
// selection plus one fabric request (which itself may retry deliveries).
func (r *run) dispatchStage(st Stage) *StageResult {
	started := time.Now()
	result := &StageResult{Status: StageRunning, StartedAt: started}
	r.mutate(func(s *State) {
		s.CurrentStage = st.Name
		s.StageResults[st.Name] = result
	})
	r.audit(progress.AuditEvent{Type: progress.AuditStageStart, Description: "stage started", Data: map[string]any{"stage": st.Name}})
	r.progress(st.Name, string(StageRunning), "")

	finish := func(status StageStatus, output any, attempts int, errMsg, agentID string) *StageResult {
		now := time.Now()
		r.mutate(func(s *State) {
			res := s.StageResults[st.Name]
			res.Status = status
			res.Output = output
			res.AgentID = agentID
			res.FinishedAt = now
			res.DurationMs = now.Sub(started).Milliseconds()
			res.Attempts = attempts
			res.Error = errMsg
			if status == StageCompleted {
				s.markCompleted(st.Name)
			}
			result = res
		})
		return result
	}

	agent, err := r.engine.pickAgent(st.HandlerAgentType)
	if err != nil {
		res := finish(StageFailed, nil, 0, err.Error(), "")
		r.audit(progress.AuditEvent{
			Type: progress.AuditErrorOccurred, Severity: progress.SeverityError,
			Description: fmt.Sprintf("no handler for stage %s", st.Name),
			Data:        map[string]any{"stage": st.Name, "agent_type": st.HandlerAgentType},
		})
		return res
	}

	spanCtx, span := tracing.StartStage(r.ctx, r.engine.tracer, r.state.WorkflowID, st.Name, agent.AgentID)

	payload := map[string]any{
		"workflow_id": r.state.WorkflowID,
		"stage":       st.Name,
		"input":       r.stageInput(st),
	}
	opts := []envelope.Option{}
	if p := envelope.Priority(st.Priority); p.IsValid() {
		opts = append(opts, envelope.WithPriority(p))
	}
	if st.RetryPolicy != nil {
		opts = append(opts, envelope.WithRetryPolicy(*st.RetryPolicy))
	}
	env := envelope.NewRequest(EngineAgentID, agent.AgentID, payload, opts...)

	timeout := defaultStageTimeout
	if st.TimeoutMs > 0 {
		timeout = time.Duration(st.TimeoutMs) * time.Millisecond
	}
	reqRes, err := r.engine.fab.RequestDetailed(spanCtx, env, timeout)
	tracing.End(span, err)
	if err != nil {
		attempts := 0
		if f, ok := err.(*faults.Fault); ok {
			attempts = len(f.History)
		}
		res := finish(StageFailed, nil, attempts, err.Error(), agent.AgentID)
		r.audit(progress.AuditEvent{
			Type: progress.AuditErrorOccurred, Severity: progress.SeverityError,
			Description: fmt.Sprintf("stage %s failed", st.Name),
			Data:        map[string]any{"stage": st.Name, "agent_id": agent.AgentID, "error": err.Error()},
		})
		r.progress(st.Name, string(StageFailed), err.Error())
		return res
	}

	output := decodeOutput(reqRes.Response.Payload)
	r.mergeOutputs(st, output)
	res := finish(StageCompleted, output, reqRes.Attempts, "", agent.AgentID)

	d := time.Since(started)
	r.engine.hist.Observe("stage:"+st.Name, d)
	r.engine.hist.Observe("agent:"+agent.AgentID, d)
	r.audit(progress.AuditEvent{
		Type:        progress.AuditStageFinish,
		Description: "stage completed",
		Data:        map[string]any{"stage": st.Name, "agent_id": agent.AgentID, "duration_ms": d.Milliseconds(), "attempts": reqRes.Attempts},
	})
	r.progress(st.Name, string(StageCompleted), "")
	return res
}

// runResponseBuilder assembles the final response document from the full
// context.
func (r *run) runResponseBuilder(st Stage) error {
	res := r.executeStage(st)
	if res.Status == StageFailed {
		return fmt.Errorf("response builder %s failed: %s", st.Name, res.Error)
	}
	r.mutate(func(s *State) { s.Response = res.Output })
	r.audit(progress.AuditEvent{Type: progress.AuditDocumentGeneration, Description: "response document assembled"})
	return nil
}

func (r *run) shouldSkip(st Stage) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range st.SkipConditions {
		if c.Matches(r.state.Context) {
			return fmt.Sprintf("condition %s %s matched", c.Field, c.Op), true
		}
	}
	return "", false
}

func (r *run) markSkipped(st Stage, reason string) *StageResult {
	now := time.Now()
	res := &StageResult{Status: StageSkipped, StartedAt: now, FinishedAt: now, SkipReason: reason}
	r.mutate(func(s *State) { s.StageResults[st.Name] = res })
	r.audit(progress.AuditEvent{Type: progress.AuditStageSkipped, Description: reason, Data: map[string]any{"stage": st.Name}})
	r.progress(st.Name, string(StageSkipped), reason)
	return res
}

// stageInput projects the context through the stage's declared inputs.
func (r *run) stageInput(st Stage) map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(st.Inputs) == 0 {
		out := make(map[string]any, len(r.state.Context))
		for k, v := range r.state.Context {
			out[k] = v
		}
		return out
	}
	out := make(map[string]any, len(st.Inputs))
	for _, k := range st.Inputs {
		if v, ok := r.state.Context[k]; ok {
			out[k] = v
		}
	}
	return out
}

// mergeOutputs folds the stage's declared outputs back into the context.
func (r *run) mergeOutputs(st Stage, output map[string]any) {
	if len(st.Outputs) == 0 || output == nil {
		return
	}
	r.mutate(func(s *State) {
		for _, k := range st.Outputs {
			if v, ok := output[k]; ok {
				s.Context[k] = v
			}
		}
	})
}

// gateApproval opens the approval gate for a completed stage. Returns false
// when the run must stop (rejection, cancellation, or shutdown).
func (r *run) gateApproval(st Stage) bool {
	policy := st.OnApprovalTimeout
	if policy == "" {
		policy = r.engine.cfg.OnApprovalTimeout
	}
	if policy == "" {
		policy = ApprovalTimeoutReject
	}
	req := &ApprovalRequest{
		ApprovalID:    uuid.New().String(),
		Stage:         st.Name,
		ApproverRoles: st.ApproverRoles,
		RequestedAt:   time.Now(),
		ExpiresAt:     time.Now().Add(r.engine.cfg.ApprovalDefaultTimeout()),
		TimeoutPolicy: policy,
	}
	r.mutate(func(s *State) {
		s.Status = StatusWaitingApproval
		s.PendingApproval = req
	})
	r.audit(progress.AuditEvent{
		Type:        progress.AuditApprovalRequest,
		Description: fmt.Sprintf("approval required after stage %s", st.Name),
		Data:        map[string]any{"approval_id": req.ApprovalID, "stage": st.Name, "roles": st.ApproverRoles},
	})
	r.audit(progress.AuditEvent{Type: progress.AuditWorkflowPaused, Description: "awaiting approval", Data: map[string]any{"stage": st.Name}})
	r.progress(st.Name, string(StatusWaitingApproval), "")

	return r.awaitApproval(st, req)
}

// awaitApproval blocks on the decision channel until a verdict, the deadline,
// or cancellation. An escalate timeout re-arms the wait once at error
// severity before rejecting.
func (r *run) awaitApproval(st Stage, req *ApprovalRequest) bool {
	escalated := false
	for {
		wait := time.Until(req.ExpiresAt)
		if wait < 0 {
			wait = 0
		}
		timer := time.NewTimer(wait)
		select {
		case <-r.ctx.Done():
			timer.Stop()
			return false
		case dec := <-r.decisions:
			timer.Stop()
			if dec.approvalID != req.ApprovalID {
				continue
			}
			return r.applyDecision(st, req, dec)
		case <-timer.C:
			switch req.TimeoutPolicy {
			case ApprovalTimeoutAutoApprove:
				r.recordGateWait(st, req)
				r.audit(progress.AuditEvent{
					Type: progress.AuditApprovalDecision, Severity: progress.SeverityWarning,
					Description: "approval timed out, auto-approved",
					Data:        map[string]any{"approval_id": req.ApprovalID, "stage": st.Name},
				})
				r.clearApproval()
				return true
			case ApprovalTimeoutEscalate:
				if !escalated {
					escalated = true
					req.ExpiresAt = time.Now().Add(r.engine.cfg.ApprovalDefaultTimeout())
					r.mutate(func(s *State) { s.PendingApproval = req })
					r.audit(progress.AuditEvent{
						Type: progress.AuditApprovalRequest, Severity: progress.SeverityError,
						Description: "approval escalated after timeout",
						Data:        map[string]any{"approval_id": req.ApprovalID, "stage": st.Name},
					})
					continue
				}
				fallthrough
			default: // reject
				r.audit(progress.AuditEvent{
					Type: progress.AuditApprovalDecision, Severity: progress.SeverityWarning,
					Description: "approval timed out, rejected",
					Data:        map[string]any{"approval_id": req.ApprovalID, "stage": st.Name},
				})
				r.fail(fmt.Errorf("approval for stage %s timed out", st.Name))
				return false
			}
		}
	}
}

func (r *run) applyDecision(st Stage, req *ApprovalRequest, dec decision) bool {
	r.recordGateWait(st, req)
	r.audit(progress.AuditEvent{
		Type:        progress.AuditApprovalDecision,
		Description: fmt.Sprintf("decision %s by %s", dec.decision, dec.approver),
		Data:        map[string]any{"approval_id": req.ApprovalID, "stage": st.Name, "decision": dec.decision, "approver": dec.approver, "comment": dec.comment},
	})
	switch dec.decision {
	case DecisionApprove:
		r.clearApproval()
		r.audit(progress.AuditEvent{Type: progress.AuditWorkflowResumed, Description: "approval granted"})
		return true
	case DecisionRequestRevision:
		r.clearApproval()
		// Re-run the gated stage, then gate again.
		for i := 0; i < stageRerunLimit; i++ {
			res := r.executeStage(st)
			if r.ctx.Err() != nil {
				return false
			}
			if res.Status != StageFailed {
				return r.gateApproval(st)
			}
		}
		r.fail(fmt.Errorf("stage %s failed during requested revision", st.Name))
		return false
	default: // reject
		r.fail(fmt.Errorf("approval for stage %s rejected by %s", st.Name, dec.approver))
		return false
	}
}

func (r *run) clearApproval() {
	r.mutate(func(s *State) {
		s.PendingApproval = nil
		s.Status = StatusRunning
	})
	r.progress("", string(StatusRunning), "")
}

func (r *run) decide(ctx context.Context, approvalID, dec, approver, comment string) error {
	r.mu.Lock()
	pending := r.state.PendingApproval
	r.mu.Unlock()
	if pending == nil {
		return faults.New(faults.StateConflict, "workflow %s has no pending approval", r.state.WorkflowID)
	}
	if approvalID != "" && approvalID != pending.ApprovalID {
		return faults.New(faults.StateConflict, "approval %s is not pending", approvalID)
	}
	d := decision{approvalID: pending.ApprovalID, decision: dec, approver: approver, comment: comment}
	select {
	case r.decisions <- d:
		return nil
	case <-ctx.Done():
		return faults.Wrap(faults.Cancelled, ctx.Err(), "approval submission cancelled")
	case <-r.ctx.Done():
		return faults.New(faults.StateConflict, "workflow %s stopped before the decision landed", r.state.WorkflowID)
	}
}

// pause flags the run; the loop blocks at the next group boundary.
func (r *run) pause(ctx context.Context, reason string) error {
	r.pauseMu.Lock()
	if r.paused {
		r.pauseMu.Unlock()
		return faults.New(faults.StateConflict, "workflow %s is already paused", r.state.WorkflowID)
	}
	r.paused = true
	r.resumeCh = make(chan struct{})
	r.pauseMu.Unlock()

	r.mutate(func(s *State) {
		s.Status = StatusPaused
		s.PauseReason = reason
	})
	r.audit(progress.AuditEvent{Type: progress.AuditWorkflowPaused, Description: reason})
	r.progress("", string(StatusPaused), reason)
	return nil
}

func (r *run) resumeRun(ctx context.Context) error {
	r.pauseMu.Lock()
	if !r.paused {
		r.pauseMu.Unlock()
		return faults.New(faults.StateConflict, "workflow %s is not paused", r.state.WorkflowID)
	}
	r.paused = false
	close(r.resumeCh)
	r.pauseMu.Unlock()

	r.mutate(func(s *State) {
		s.Status = StatusRunning
		s.PauseReason = ""
	})
	r.audit(progress.AuditEvent{Type: progress.AuditWorkflowResumed, Description: "resumed by operator"})
	r.progress("", string(StatusRunning), "")
	return nil
}

// gate blocks while paused. Returns false when the run was cancelled.
func (r *run) gate() bool {
	for {
		r.pauseMu.Lock()
		paused := r.paused
		ch := r.resumeCh
		r.pauseMu.Unlock()
		if !paused {
			return true
		}
		select {
		case <-ch:
		case <-r.ctx.Done():
			return false
		}
	}
}

func (r *run) cancelWith(ctx context.Context, reason string) error {
	r.mu.Lock()
	if r.state.Status.Terminal() {
		status := r.state.Status
		r.mu.Unlock()
		return faults.New(faults.StateConflict, "workflow %s is already %s", r.state.WorkflowID, status)
	}
	r.state.Status = StatusCancelled
	r.state.Error = reason
	r.state.FinishedAt = time.Now()
	_ = r.persistLocked()
	r.mu.Unlock()

	r.audit(progress.AuditEvent{Type: progress.AuditWorkflowCancelled, Severity: progress.SeverityWarning, Description: reason})
	r.progress("", string(StatusCancelled), reason)
	r.cancel()
	log.Info(log.CatEngine, "workflow cancelled", "workflow", r.state.WorkflowID, "reason", reason)
	return nil
}

// onInterrupted handles a run stopping for a reason decided elsewhere:
// cancellation already wrote the terminal state, shutdown leaves the
// persisted snapshot for resumption.
func (r *run) onInterrupted() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.state.Status.Terminal() {
		_ = r.persistLocked()
	}
}

func (r *run) fail(err error) {
	r.mutate(func(s *State) {
		s.Status = StatusFailed
		s.Error = err.Error()
		s.FinishedAt = time.Now()
	})
	r.audit(progress.AuditEvent{Type: progress.AuditErrorOccurred, Severity: progress.SeverityError, Description: err.Error()})
	r.progress("", string(StatusFailed), err.Error())
	log.Warn(log.CatEngine, "workflow failed", "workflow", r.state.WorkflowID, "err", err)
	// Terminal state is persisted; cancelling the context unwinds the loop
	// through onInterrupted, which leaves terminal states untouched. Without
	// this, a rejection inside an approval gate would let the loop keep
	// walking stages and rewrite failed as completed.
	r.cancel()
}

func (r *run) cursor() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.StageCursor
}

func (r *run) setCursor(i int) {
	r.mutate(func(s *State) { s.StageCursor = i })
}

func (r *run) advanceCursor() {
	r.mutate(func(s *State) { s.StageCursor++ })
}

// recordGateWait folds the time parked at the approval gate into the
// stage's telemetry once the gate resolves. A revision loop accumulates
// one segment per gate.
func (r *run) recordGateWait(st Stage, req *ApprovalRequest) {
	waited := time.Since(req.RequestedAt).Milliseconds()
	r.mutate(func(s *State) {
		if res := s.StageResults[st.Name]; res != nil {
			res.ApprovalWaitMs += waited
		}
	})
}

func (r *run) pendingApproval() *ApprovalRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state.PendingApproval == nil {
		return nil
	}
	cp := *r.state.PendingApproval
	return &cp
}

func (r *run) stageByName(name string) *Stage {
	if i := r.tpl.StageIndex(name); i >= 0 {
		st := r.tpl.Stages[i]
		return &st
	}
	if rb := r.tpl.ResponseBuilder; rb != nil && rb.Name == name {
		st := *rb
		return &st
	}
	return nil
}

// groupIndexOf maps a stage name to its execution group index.
func (r *run) groupIndexOf(name string) int {
	for i, g := range r.groups {
		for _, st := range g {
			if st.Name == name {
				return i
			}
		}
	}
	return -1
}

// decodeOutput normalizes a response payload into a map: handlers that wrap
// their result in an "output" field get unwrapped.
func decodeOutput(payload any) map[string]any {
	var doc map[string]any
	if err := progress.DecodePayload(payload, &doc); err != nil || doc == nil {
		return nil
	}
	if inner, ok := doc["output"].(map[string]any); ok {
		return inner
	}
	return doc
}
