package workflow

import (
	"time"
)

// Status is a workflow's lifecycle state.
type Status string

const (
	StatusPending         Status = "pending"
	StatusRunning         Status = "running"
	StatusWaitingApproval Status = "waiting_approval"
	StatusPaused          Status = "paused"
	StatusCompleted       Status = "completed"
	StatusFailed          Status = "failed"
	StatusCancelled       Status = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// StageStatus is a single stage's outcome within a workflow run.
type StageStatus string

const (
	StageRunning   StageStatus = "running"
	StageCompleted StageStatus = "completed"
	StageSkipped   StageStatus = "skipped"
	StageFailed    StageStatus = "failed"
)

// StageResult records one stage execution.
type StageResult struct {
	Status     StageStatus `json:"status"`
	Output     any         `json:"output,omitempty"`
	AgentID    string      `json:"agent_id,omitempty"`
	StartedAt  time.Time   `json:"started_at"`
	FinishedAt time.Time   `json:"finished_at,omitempty"`
	// DurationMs covers handler execution only. Wall time parked at an
	// approval gate accrues in ApprovalWaitMs instead, surviving restarts.
	DurationMs     int64  `json:"duration_ms"`
	ApprovalWaitMs int64  `json:"approval_wait_ms,omitempty"`
	Attempts       int    `json:"attempts,omitempty"`
	Error          string `json:"error,omitempty"`
	SkipReason     string `json:"skip_reason,omitempty"`
}

// ApprovalRequest is an open gate awaiting a human decision.
type ApprovalRequest struct {
	ApprovalID    string    `json:"approval_id"`
	Stage         string    `json:"stage"`
	ApproverRoles []string  `json:"approver_roles,omitempty"`
	RequestedAt   time.Time `json:"requested_at"`
	ExpiresAt     time.Time `json:"expires_at"`
	TimeoutPolicy string    `json:"timeout_policy"`
}

// Approval decisions.
const (
	DecisionApprove         = "approve"
	DecisionReject          = "reject"
	DecisionRequestRevision = "request_revision"
)

// State is the persisted workflow record. Every transition writes the whole
// record to the workflows namespace so a restarted process resumes from the
// last consistent point.
type State struct {
	WorkflowID string `json:"workflow_id"`
	TemplateID string `json:"template_id"`
	Status     Status `json:"status"`

	// Context is the accumulating document: the submission merged with each
	// stage's declared outputs.
	Context map[string]any `json:"context"`

	// CurrentStage names the stage in flight (or awaiting approval).
	CurrentStage string `json:"current_stage,omitempty"`
	// StageCursor is the index of the next execution group.
	StageCursor int `json:"stage_cursor"`

	// CompletedStages lists stage names in the order they finished. The
	// results map alone cannot recover completion order.
	CompletedStages []string `json:"completed_stages"`

	StageResults map[string]*StageResult `json:"stage_results"`

	PendingApproval *ApprovalRequest `json:"pending_approval,omitempty"`

	// Response is the assembled output of the response_builder stage.
	Response any `json:"response,omitempty"`

	Error       string    `json:"error,omitempty"`
	PauseReason string    `json:"pause_reason,omitempty"`
	SubmittedAt time.Time `json:"submitted_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	FinishedAt  time.Time `json:"finished_at,omitempty"`
}

// settledStages counts stages with a terminal stage status.
func (s *State) settledStages() int {
	n := 0
	for _, r := range s.StageResults {
		if r.Status == StageCompleted || r.Status == StageSkipped {
			n++
		}
	}
	return n
}

// Percent computes completion as terminal stages over total.
func (s *State) Percent(total int) float64 {
	if total == 0 {
		return 0
	}
	p := float64(s.settledStages()) / float64(total) * 100
	if p > 100 {
		p = 100
	}
	return p
}

// markCompleted appends the stage to the ordered completion list, once.
func (s *State) markCompleted(name string) {
	for _, n := range s.CompletedStages {
		if n == name {
			return
		}
	}
	s.CompletedStages = append(s.CompletedStages, name)
}
