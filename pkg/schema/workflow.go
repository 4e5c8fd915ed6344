package schema

import (
	"encoding/json"
	"time"
)

// WorkflowDefinition is the immutable definition of a repeatable business
// process: an ordered list of typed steps. Runs snapshot the step list at
// creation, so a definition is never mutated after a run starts.
type WorkflowDefinition struct {
	Name     string         `json:"name"`
	Steps    []Step         `json:"steps"`
	Metadata map[string]any `json:"metadata,omitempty"`

	// OnRejection controls what happens when an approval gate is rejected:
	// "continue" (default) advances past the failed gate, "abort" fails
	// the whole run.
	OnRejection RejectionPolicy `json:"on_rejection,omitempty"`
}

// RejectionPolicy selects the behavior after a rejected approval gate.
type RejectionPolicy string

const (
	RejectionContinue RejectionPolicy = "continue"
	RejectionAbort    RejectionPolicy = "abort"
)

// StepKind enumerates the kinds of steps in a workflow.
type StepKind string

const (
	StepKindAgent    StepKind = "agent"
	StepKindApproval StepKind = "approval"
	StepKindDelay    StepKind = "delay"
	StepKindBranch   StepKind = "branch"
)

// Step describes a single step in a workflow definition. Config holds the
// kind-specific configuration and is decoded (and validated) against the
// matching *Config type at workflow-creation time, never at execution time.
type Step struct {
	Kind   StepKind        `json:"kind"`
	Title  string          `json:"title"`
	Config json.RawMessage `json:"config,omitempty"`
}

// AgentConfig is the config block for agent-type steps.
type AgentConfig struct {
	AgentID        string         `json:"agent_id"`
	Params         map[string]any `json:"params,omitempty"`
	RequiresReview bool           `json:"requires_review,omitempty"`
	Timeout        string         `json:"timeout,omitempty"` // e.g. "30s"; caps the executor call
}

// ApprovalConfig is the config block for approval-type steps.
type ApprovalConfig struct {
	AssigneeID   string `json:"assignee_id,omitempty"`
	AssigneeRole string `json:"assignee_role,omitempty"`
	Priority     string `json:"priority,omitempty"` // low | normal | high | urgent
	Message      string `json:"message,omitempty"`
}

// DelayConfig is the config block for delay-type steps.
type DelayConfig struct {
	Duration string `json:"duration"` // e.g. "15m", "2h"
}

// BranchConfig is the config block for branch-type steps. The condition is
// evaluated against run-scoped data; the edge taken decides which of the
// two step indexes stays pending, the other is completed as skipped.
type BranchConfig struct {
	Condition string `json:"condition"`
	Language  string `json:"language,omitempty"` // cel (default) | expr
	IfTrue    int    `json:"if_true"`
	IfFalse   int    `json:"if_false"`
}

// DecodeAgentConfig decodes a step config as AgentConfig.
func DecodeAgentConfig(raw json.RawMessage) (*AgentConfig, error) {
	cfg := &AgentConfig{}
	if err := decodeConfig(raw, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DecodeApprovalConfig decodes a step config as ApprovalConfig.
func DecodeApprovalConfig(raw json.RawMessage) (*ApprovalConfig, error) {
	cfg := &ApprovalConfig{}
	if err := decodeConfig(raw, cfg); err != nil {
		return nil, err
	}
	if cfg.Priority == "" {
		cfg.Priority = "normal"
	}
	return cfg, nil
}

// DecodeDelayConfig decodes a step config as DelayConfig and parses the duration.
func DecodeDelayConfig(raw json.RawMessage) (*DelayConfig, time.Duration, error) {
	cfg := &DelayConfig{}
	if err := decodeConfig(raw, cfg); err != nil {
		return nil, 0, err
	}
	d, err := time.ParseDuration(cfg.Duration)
	if err != nil {
		return nil, 0, NewErrorf(ErrCodeValidation, "invalid delay duration %q", cfg.Duration).WithCause(err)
	}
	if d <= 0 {
		return nil, 0, NewErrorf(ErrCodeValidation, "delay duration must be positive, got %q", cfg.Duration)
	}
	return cfg, d, nil
}

// DecodeBranchConfig decodes a step config as BranchConfig.
func DecodeBranchConfig(raw json.RawMessage) (*BranchConfig, error) {
	cfg := &BranchConfig{}
	if err := decodeConfig(raw, cfg); err != nil {
		return nil, err
	}
	if cfg.Condition == "" {
		return nil, NewError(ErrCodeValidation, "branch step requires a condition")
	}
	if cfg.Language == "" {
		cfg.Language = "cel"
	}
	return cfg, nil
}

func decodeConfig(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return NewErrorf(ErrCodeValidation, "decode step config: %s", err.Error()).WithCause(err)
	}
	return nil
}

// RunSummary aggregates step outcomes for a finished (or in-flight) run.
// A run can complete with failed steps; only exhaustion of pending steps
// ends it.
type RunSummary struct {
	TotalSteps     int `json:"total_steps"`
	CompletedSteps int `json:"completed_steps"`
	FailedSteps    int `json:"failed_steps"`
}
