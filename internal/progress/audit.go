package progress

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bidfabric/bidfabric/internal/fabric"
	"github.com/bidfabric/bidfabric/internal/kvstore"
	"github.com/bidfabric/bidfabric/internal/log"
)

// AuditTopic is the well-known audit trail topic.
const AuditTopic = "workflow/audit"

// AuditType enumerates audited workflow events.
type AuditType string

const (
	AuditWorkflowStart      AuditType = "workflow_start"
	AuditStageStart         AuditType = "stage_start"
	AuditStageFinish        AuditType = "stage_finish"
	AuditStageSkipped       AuditType = "stage_skipped"
	AuditValidation         AuditType = "validation"
	AuditApprovalRequest    AuditType = "approval_request"
	AuditApprovalDecision   AuditType = "approval_decision"
	AuditDocumentGeneration AuditType = "document_generation"
	AuditErrorOccurred      AuditType = "error_occurred"
	AuditWorkflowComplete   AuditType = "workflow_complete"
	AuditWorkflowPaused     AuditType = "workflow_paused"
	AuditWorkflowResumed    AuditType = "workflow_resumed"
	AuditWorkflowCancelled  AuditType = "workflow_cancelled"
)

// Severity tags an audit event's weight.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// AuditEvent is one append-only audit record.
type AuditEvent struct {
	WorkflowID  string         `json:"workflow_id"`
	Seq         int            `json:"seq"`
	Type        AuditType      `json:"event_type"`
	Severity    Severity       `json:"severity"`
	Component   string         `json:"component"`
	Description string         `json:"description"`
	At          time.Time      `json:"at"`
	Data        map[string]any `json:"data,omitempty"`
}

// Trail is the append-only audit log. Events persist in the audit KV
// namespace keyed workflow_id:seq and fan out on the audit topic.
type Trail struct {
	fab   *fabric.Manager
	store kvstore.Store

	mu   sync.Mutex
	seqs map[string]int
}

// NewTrail creates an audit trail over the given store. Sequence counters
// for existing workflows are rebuilt lazily from stored keys.
func NewTrail(fab *fabric.Manager, store kvstore.Store) *Trail {
	return &Trail{fab: fab, store: store, seqs: make(map[string]int)}
}

// Record appends the event, assigning the next sequence number for its
// workflow. Persistence failures are surfaced; topic fan-out is best-effort.
func (t *Trail) Record(ctx context.Context, ev AuditEvent) error {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	if ev.Severity == "" {
		ev.Severity = SeverityInfo
	}

	t.mu.Lock()
	seq, ok := t.seqs[ev.WorkflowID]
	if !ok {
		seq = t.storedSeq(ev.WorkflowID)
	}
	seq++
	t.seqs[ev.WorkflowID] = seq
	t.mu.Unlock()

	ev.Seq = seq
	key := auditKey(ev.WorkflowID, seq)
	if err := kvstore.SetJSON(t.store, kvstore.NSAudit, key, ev, kvstore.NoTTL); err != nil {
		return err
	}
	if err := t.fab.PublishPayload(ctx, "audit-trail", AuditTopic, ev); err != nil {
		log.Debug(log.CatEngine, "audit publish skipped", "workflow", ev.WorkflowID, "err", err)
	}
	return nil
}

// storedSeq recovers the highest persisted sequence for a workflow, used
// after restart. Caller holds the lock.
func (t *Trail) storedSeq(workflowID string) int {
	keys, err := t.store.Keys(kvstore.NSAudit, workflowID+":")
	if err != nil || len(keys) == 0 {
		return 0
	}
	// Keys are zero-padded, so lexical order is numeric order.
	last := keys[len(keys)-1]
	if idx := strings.LastIndexByte(last, ':'); idx >= 0 {
		if n, err := strconv.Atoi(last[idx+1:]); err == nil {
			return n
		}
	}
	return len(keys)
}

// For returns the workflow's audit events in sequence order.
func (t *Trail) For(workflowID string) ([]AuditEvent, error) {
	keys, err := t.store.Keys(kvstore.NSAudit, workflowID+":")
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)
	events := make([]AuditEvent, 0, len(keys))
	for _, key := range keys {
		var ev AuditEvent
		ok, err := kvstore.GetJSON(t.store, kvstore.NSAudit, key, &ev)
		if err != nil {
			return nil, err
		}
		if ok {
			events = append(events, ev)
		}
	}
	sort.Slice(events, func(i, j int) bool { return events[i].Seq < events[j].Seq })
	return events, nil
}

// auditKey builds the zero-padded workflow_id:seq key.
func auditKey(workflowID string, seq int) string {
	return fmt.Sprintf("%s:%08d", workflowID, seq)
}
