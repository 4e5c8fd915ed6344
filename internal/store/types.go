package store

import (
	"encoding/json"
	"time"

	"github.com/averoa/flowcore/pkg/schema"
)

// Workflow is the persisted representation of a workflow definition.
type Workflow struct {
	ID         string                    `json:"id"`
	TenantID   string                    `json:"tenant_id"`
	Definition schema.WorkflowDefinition `json:"definition"`
	Active     bool                      `json:"active"`
	CreatedAt  time.Time                 `json:"created_at"`
	UpdatedAt  time.Time                 `json:"updated_at"`
}

// Run is one execution attempt of a workflow. Terminal runs are never
// reopened; retries create a new run.
type Run struct {
	ID             string           `json:"id"`
	WorkflowID     string           `json:"workflow_id"`
	TenantID       string           `json:"tenant_id"`
	Status         schema.RunStatus `json:"status"`
	StartedBy      string           `json:"started_by"`
	StartedAt      time.Time        `json:"started_at"`
	FinishedAt     *time.Time       `json:"finished_at,omitempty"`
	TotalSteps     int              `json:"total_steps"`
	CompletedSteps int              `json:"completed_steps"`
	FailedSteps    int              `json:"failed_steps"`
}

// Summary returns the run's aggregated step counts.
func (r *Run) Summary() schema.RunSummary {
	return schema.RunSummary{
		TotalSteps:     r.TotalSteps,
		CompletedSteps: r.CompletedSteps,
		FailedSteps:    r.FailedSteps,
	}
}

// RunStep is one step's execution record within a run. The definition
// fields (Kind, Title, Config) are snapshotted from the workflow at run
// creation so later workflow edits cannot affect an in-flight run.
type RunStep struct {
	ID         string            `json:"id"`
	RunID      string            `json:"run_id"`
	StepIndex  int               `json:"step_index"`
	Kind       schema.StepKind   `json:"kind"`
	Title      string            `json:"title"`
	Config     json.RawMessage   `json:"config,omitempty"`
	Status     schema.StepStatus `json:"status"`
	StartedAt  *time.Time        `json:"started_at,omitempty"`
	FinishedAt *time.Time        `json:"finished_at,omitempty"`
	Output     json.RawMessage   `json:"output,omitempty"`
	Error      string            `json:"error,omitempty"`
	ResumeAt   *time.Time        `json:"resume_at,omitempty"` // delay steps: when the scheduler wakes them
}

// Approval is a human decision gate, correlated to a run step when the
// gate belongs to a run. SLADeadline is set once at creation and never
// recomputed.
type Approval struct {
	ID           string                `json:"id"`
	TenantID     string                `json:"tenant_id"`
	WorkflowID   string                `json:"workflow_id,omitempty"`
	RunID        string                `json:"run_id,omitempty"`
	RunStepID    string                `json:"run_step_id,omitempty"`
	StepIndex    int                   `json:"step_index"`
	AssigneeID   string                `json:"assignee_id,omitempty"`
	AssigneeRole string                `json:"assignee_role,omitempty"`
	RequestedBy  string                `json:"requested_by,omitempty"`
	Status       schema.ApprovalStatus `json:"status"`
	Priority     string                `json:"priority"`
	Message      string                `json:"message,omitempty"`
	SLADeadline  time.Time             `json:"sla_deadline"`
	ReviewedBy   string                `json:"reviewed_by,omitempty"`
	Comments     string                `json:"comments,omitempty"`
	ReviewedAt   *time.Time            `json:"reviewed_at,omitempty"`
	CreatedAt    time.Time             `json:"created_at"`
}

// Webhook is an outbound event subscription owned by a tenant.
type Webhook struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	URL       string    `json:"url"`
	Secret    string    `json:"-"` // HMAC key, never serialized
	Events    []string  `json:"events"`
	Transform string    `json:"transform,omitempty"` // optional jq expression applied to the payload
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// WebhookDelivery is one delivery record for one (webhook, event) pair.
// Attempts increments on every try; the record becomes terminal success
// on a 2xx response or terminal failed once attempts reach the cap.
type WebhookDelivery struct {
	ID             string                `json:"id"`
	WebhookID      string                `json:"webhook_id"`
	Event          string                `json:"event"`
	Payload        json.RawMessage       `json:"payload"`
	Status         schema.DeliveryStatus `json:"status"`
	Attempts       int                   `json:"attempts"`
	LastAttemptAt  *time.Time            `json:"last_attempt_at,omitempty"`
	NextRetryAt    *time.Time            `json:"next_retry_at,omitempty"`
	ResponseStatus int                   `json:"response_status,omitempty"`
	ErrorMessage   string                `json:"error_message,omitempty"`
	CreatedAt      time.Time             `json:"created_at"`
	UpdatedAt      time.Time             `json:"updated_at"`
}

// Notification is a persisted message for a user. RefID carries the
// correlated entity ID (e.g. an approval ID) so sweeps can check for an
// existing notification before inserting a duplicate.
type Notification struct {
	ID        string          `json:"id"`
	TenantID  string          `json:"tenant_id"`
	UserID    string          `json:"user_id,omitempty"`
	Kind      string          `json:"kind"`
	Title     string          `json:"title"`
	Message   string          `json:"message"`
	Data      json.RawMessage `json:"data,omitempty"`
	RefID     string          `json:"ref_id,omitempty"`
	Priority  string          `json:"priority,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// AuditEntry is an immutable record of a state transition or actor decision.
type AuditEntry struct {
	ID         int64           `json:"id"`
	TenantID   string          `json:"tenant_id"`
	Actor      string          `json:"actor,omitempty"`
	Action     string          `json:"action"`
	EntityType string          `json:"entity_type"`
	EntityID   string          `json:"entity_id,omitempty"`
	Details    json.RawMessage `json:"details,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}

// --- Filter and update types ---

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	WorkflowID string            `json:"workflow_id,omitempty"`
	TenantID   string            `json:"tenant_id,omitempty"`
	Status     *schema.RunStatus `json:"status,omitempty"`
	Limit      int               `json:"limit,omitempty"`
	Offset     int               `json:"offset,omitempty"`
}

// RunUpdate specifies mutable fields of a run.
type RunUpdate struct {
	Status         *schema.RunStatus `json:"status,omitempty"`
	FinishedAt     *time.Time        `json:"finished_at,omitempty"`
	CompletedSteps *int              `json:"completed_steps,omitempty"`
	FailedSteps    *int              `json:"failed_steps,omitempty"`
}

// RunStepUpdate specifies mutable fields of a run step.
type RunStepUpdate struct {
	Status     *schema.StepStatus `json:"status,omitempty"`
	StartedAt  *time.Time         `json:"started_at,omitempty"`
	FinishedAt *time.Time         `json:"finished_at,omitempty"`
	Output     json.RawMessage    `json:"output,omitempty"`
	Error      *string            `json:"error,omitempty"`
	ResumeAt   *time.Time         `json:"resume_at,omitempty"`
}

// ApprovalFilter specifies criteria for listing approvals.
type ApprovalFilter struct {
	TenantID       string                 `json:"tenant_id,omitempty"`
	RunID          string                 `json:"run_id,omitempty"`
	Status         *schema.ApprovalStatus `json:"status,omitempty"`
	DeadlineBefore *time.Time             `json:"deadline_before,omitempty"`
	DeadlineAfter  *time.Time             `json:"deadline_after,omitempty"`
	CreatedAfter   *time.Time             `json:"created_after,omitempty"`
	CreatedBefore  *time.Time             `json:"created_before,omitempty"`
	Limit          int                    `json:"limit,omitempty"`
}

// DeliveryUpdate specifies mutable fields of a webhook delivery.
type DeliveryUpdate struct {
	Status         *schema.DeliveryStatus `json:"status,omitempty"`
	Attempts       *int                   `json:"attempts,omitempty"`
	LastAttemptAt  *time.Time             `json:"last_attempt_at,omitempty"`
	NextRetryAt    *time.Time             `json:"next_retry_at,omitempty"`
	ClearNextRetry bool                   `json:"clear_next_retry,omitempty"`
	ResponseStatus *int                   `json:"response_status,omitempty"`
	ErrorMessage   *string                `json:"error_message,omitempty"`
}

// DeliveryFilter specifies criteria for listing webhook deliveries.
type DeliveryFilter struct {
	WebhookID string                 `json:"webhook_id,omitempty"`
	Event     string                 `json:"event,omitempty"`
	Status    *schema.DeliveryStatus `json:"status,omitempty"`
	Limit     int                    `json:"limit,omitempty"`
}

// DeliveryStats aggregates delivery outcomes for one webhook.
type DeliveryStats struct {
	Total   int `json:"total"`
	Success int `json:"success"`
	Failed  int `json:"failed"`
	Pending int `json:"pending"`
}
