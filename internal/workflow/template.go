// Package workflow implements the template-driven RFP orchestrator: stage
// execution with skip conditions and parallel groups, approval gates,
// KV-snapshot persistence, and resume-on-start.
package workflow

import (
	"fmt"
	"strings"

	"github.com/bidfabric/bidfabric/internal/envelope"
)

// DefaultTemplateID is the fallback template when submission names none and
// no selection predicate matches.
const DefaultTemplateID = "standard"

// Template is a named, ordered collection of stages with branching and
// approval annotations.
type Template struct {
	TemplateID  string `yaml:"template_id"`
	Name        string `yaml:"name"`
	Description string `yaml:"description,omitempty"`

	// Selection holds the predicates used when a submission does not name a
	// template explicitly.
	Selection *Selection `yaml:"selection,omitempty"`

	Stages []Stage `yaml:"stages"`

	// ResponseBuilder, when declared, runs after the last stage to assemble
	// the commercial response document.
	ResponseBuilder *Stage `yaml:"response_builder,omitempty"`
}

// Stage is one unit of the template: one request/response round-trip against
// an agent of the stage's handler type.
type Stage struct {
	Name             string `yaml:"name"`
	HandlerAgentType string `yaml:"handler_agent_type"`
	TimeoutMs        int    `yaml:"timeout_ms,omitempty"`

	SkipConditions []SkipCondition `yaml:"skip_conditions,omitempty"`

	// ParallelGroup groups consecutive stages for concurrent dispatch.
	ParallelGroup string `yaml:"parallel_group,omitempty"`

	RequiresApproval  bool     `yaml:"requires_approval,omitempty"`
	ApproverRoles     []string `yaml:"approver_roles,omitempty"`
	OnApprovalTimeout string   `yaml:"on_approval_timeout,omitempty"` // reject, auto_approve, escalate

	// OnError selects the failure policy: fail_workflow (default),
	// skip_stage, retry_stage, or route_to.
	OnError string `yaml:"on_error,omitempty"`
	// RouteTo names the alternate stage for the route_to policy.
	RouteTo string `yaml:"route_to,omitempty"`

	// Inputs lists the context fields carried into the request payload.
	// Empty means the whole context.
	Inputs []string `yaml:"inputs,omitempty"`
	// Outputs lists the response payload fields merged back into the
	// workflow context. Empty means merge nothing beyond the stored result.
	Outputs []string `yaml:"outputs,omitempty"`

	// Priority overrides the request priority for this stage's dispatch.
	Priority string `yaml:"priority,omitempty"`

	// RetryPolicy overrides the fabric's default policy for this stage.
	RetryPolicy *envelope.RetryPolicy `yaml:"retry_policy,omitempty"`
}

// Error policy names.
const (
	OnErrorFailWorkflow = "fail_workflow"
	OnErrorSkipStage    = "skip_stage"
	OnErrorRetryStage   = "retry_stage"
	OnErrorRouteTo      = "route_to"
)

// Approval timeout policy names.
const (
	ApprovalTimeoutReject      = "reject"
	ApprovalTimeoutAutoApprove = "auto_approve"
	ApprovalTimeoutEscalate    = "escalate"
)

// SkipCondition is one predicate over the workflow context. Operators form
// a small fixed set; anything richer belongs in the handler.
type SkipCondition struct {
	Field string `yaml:"field"`
	// Op is one of equals, not_equals, exists, absent, truthy.
	Op    string `yaml:"op"`
	Value any    `yaml:"value,omitempty"`
}

// Matches evaluates the condition against the workflow context.
func (c SkipCondition) Matches(ctx map[string]any) bool {
	v, present := ctx[c.Field]
	switch c.Op {
	case "exists":
		return present
	case "absent":
		return !present
	case "truthy":
		return present && isTruthy(v)
	case "not_equals":
		return !present || !looseEqual(v, c.Value)
	default: // equals
		return present && looseEqual(v, c.Value)
	}
}

func isTruthy(v any) bool {
	switch x := v.(type) {
	case bool:
		return x
	case string:
		return x != "" && !strings.EqualFold(x, "false")
	case float64:
		return x != 0
	case int:
		return x != 0
	case nil:
		return false
	default:
		return true
	}
}

// looseEqual compares context values against YAML-declared ones, bridging
// the int/float64 split JSON decoding introduces.
func looseEqual(a, b any) bool {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint64:
		return float64(x), true
	}
	return 0, false
}

// Selection is the fixed predicate set applied to the submitted document
// when choosing a template.
type Selection struct {
	Priority          string   `yaml:"priority,omitempty"`
	Complexity        string   `yaml:"complexity,omitempty"`
	MinEstimatedValue *float64 `yaml:"min_estimated_value,omitempty"`
	MaxEstimatedValue *float64 `yaml:"max_estimated_value,omitempty"`
	IsStandardProduct *bool    `yaml:"is_standard_product,omitempty"`
}

// Matches reports whether the document satisfies every declared predicate.
// An empty selection matches nothing (only explicit template ids reach it).
func (s *Selection) Matches(doc map[string]any) bool {
	if s == nil {
		return false
	}
	declared := false
	if s.Priority != "" {
		declared = true
		if v, _ := doc["priority"].(string); v != s.Priority {
			return false
		}
	}
	if s.Complexity != "" {
		declared = true
		if v, _ := doc["complexity"].(string); v != s.Complexity {
			return false
		}
	}
	if s.MinEstimatedValue != nil || s.MaxEstimatedValue != nil {
		declared = true
		v, ok := toFloat(doc["estimated_value"])
		if !ok {
			return false
		}
		if s.MinEstimatedValue != nil && v < *s.MinEstimatedValue {
			return false
		}
		if s.MaxEstimatedValue != nil && v > *s.MaxEstimatedValue {
			return false
		}
	}
	if s.IsStandardProduct != nil {
		declared = true
		v, _ := doc["is_standard_product"].(bool)
		if v != *s.IsStandardProduct {
			return false
		}
	}
	return declared
}

// Validate checks structural template invariants.
func (t *Template) Validate() error {
	if t.TemplateID == "" {
		return fmt.Errorf("template missing template_id")
	}
	if len(t.Stages) == 0 {
		return fmt.Errorf("template %s has no stages", t.TemplateID)
	}
	seen := make(map[string]bool, len(t.Stages))
	for _, st := range t.Stages {
		if st.Name == "" {
			return fmt.Errorf("template %s has a nameless stage", t.TemplateID)
		}
		if st.HandlerAgentType == "" {
			return fmt.Errorf("stage %s in template %s has no handler_agent_type", st.Name, t.TemplateID)
		}
		if seen[st.Name] {
			return fmt.Errorf("duplicate stage name %s in template %s", st.Name, t.TemplateID)
		}
		seen[st.Name] = true

		switch st.OnError {
		case "", OnErrorFailWorkflow, OnErrorSkipStage, OnErrorRetryStage:
		case OnErrorRouteTo:
			if st.RouteTo == "" {
				return fmt.Errorf("stage %s uses route_to without a target", st.Name)
			}
		default:
			return fmt.Errorf("stage %s has unknown on_error policy %q", st.Name, st.OnError)
		}
		switch st.OnApprovalTimeout {
		case "", ApprovalTimeoutReject, ApprovalTimeoutAutoApprove, ApprovalTimeoutEscalate:
		default:
			return fmt.Errorf("stage %s has unknown on_approval_timeout %q", st.Name, st.OnApprovalTimeout)
		}
	}
	for _, st := range t.Stages {
		if st.RouteTo != "" && !seen[st.RouteTo] {
			return fmt.Errorf("stage %s routes to unknown stage %s", st.Name, st.RouteTo)
		}
	}
	if rb := t.ResponseBuilder; rb != nil {
		if rb.Name == "" || rb.HandlerAgentType == "" {
			return fmt.Errorf("template %s response_builder needs a name and handler_agent_type", t.TemplateID)
		}
	}
	return nil
}

// StageIndex returns the position of the named stage, or -1.
func (t *Template) StageIndex(name string) int {
	for i, st := range t.Stages {
		if st.Name == name {
			return i
		}
	}
	return -1
}

// Groups partitions the stage list into execution steps: consecutive stages
// sharing a parallel_group form one concurrent step, everything else runs
// alone.
func (t *Template) Groups() [][]Stage {
	var groups [][]Stage
	for i := 0; i < len(t.Stages); {
		st := t.Stages[i]
		if st.ParallelGroup == "" {
			groups = append(groups, []Stage{st})
			i++
			continue
		}
		j := i
		for j < len(t.Stages) && t.Stages[j].ParallelGroup == st.ParallelGroup {
			j++
		}
		groups = append(groups, t.Stages[i:j])
		i = j
	}
	return groups
}
