package store

import (
	"context"
	"time"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Workflows
	CreateWorkflow(ctx context.Context, wf *Workflow) error
	GetWorkflow(ctx context.Context, id string) (*Workflow, error)
	ListWorkflows(ctx context.Context, tenantID string) ([]*Workflow, error)
	SetWorkflowActive(ctx context.Context, id string, active bool) error

	// Runs
	CreateRun(ctx context.Context, run *Run, steps []*RunStep) error
	GetRun(ctx context.Context, id string) (*Run, error)
	UpdateRun(ctx context.Context, id string, update RunUpdate) error
	ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error)

	// Run steps
	GetRunStep(ctx context.Context, id string) (*RunStep, error)
	ListRunSteps(ctx context.Context, runID string) ([]*RunStep, error)
	UpdateRunStep(ctx context.Context, id string, update RunStepUpdate) error
	ListDueDelaySteps(ctx context.Context, now time.Time, limit int) ([]*RunStep, error)

	// Approvals
	CreateApproval(ctx context.Context, a *Approval) error
	GetApproval(ctx context.Context, id string) (*Approval, error)
	// DecideApproval atomically moves a pending approval to the given
	// terminal status. Returns ALREADY_PROCESSED if the approval exists
	// but is no longer pending.
	DecideApproval(ctx context.Context, id string, status string, reviewedBy, comments string, reviewedAt time.Time) error
	CancelPendingApprovalsForRun(ctx context.Context, runID string) error
	ListApprovals(ctx context.Context, filter ApprovalFilter) ([]*Approval, error)

	// Webhooks
	CreateWebhook(ctx context.Context, w *Webhook) error
	GetWebhook(ctx context.Context, id string) (*Webhook, error)
	ListWebhooks(ctx context.Context, tenantID, event string) ([]*Webhook, error)
	SetWebhookActive(ctx context.Context, id string, active bool) error

	// Webhook deliveries
	CreateDelivery(ctx context.Context, d *WebhookDelivery) error
	GetDelivery(ctx context.Context, id string) (*WebhookDelivery, error)
	UpdateDelivery(ctx context.Context, id string, update DeliveryUpdate) error
	ListDueDeliveries(ctx context.Context, now time.Time, limit int) ([]*WebhookDelivery, error)
	ListDeliveries(ctx context.Context, filter DeliveryFilter) ([]*WebhookDelivery, error)
	GetDeliveryStats(ctx context.Context, webhookID string) (*DeliveryStats, error)

	// Notifications
	CreateNotification(ctx context.Context, n *Notification) error
	// HasNotificationRef reports whether a notification of the given kind
	// already references the entity. Sweeps use this to stay idempotent.
	HasNotificationRef(ctx context.Context, kind, refID string) (bool, error)
	ListNotifications(ctx context.Context, tenantID string, limit int) ([]*Notification, error)

	// Audit
	AppendAudit(ctx context.Context, e *AuditEntry) error
	ListAudit(ctx context.Context, entityType, entityID string, limit int) ([]*AuditEntry, error)

	// Maintenance
	Migrate(ctx context.Context) error

	// Lifecycle
	Close() error
}
