package sla

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/averoa/flowcore/internal/engine"
	"github.com/averoa/flowcore/internal/logging"
	"github.com/averoa/flowcore/internal/notify"
	"github.com/averoa/flowcore/internal/store"
	"github.com/averoa/flowcore/pkg/schema"
)

// Tier deadline table. Fixed by contract, not configurable per workflow.
var tierDeadlines = map[string]time.Duration{
	"enterprise":  12 * time.Hour,
	"sme":         24 * time.Hour,
	"startup":     48 * time.Hour,
	"solopreneur": 72 * time.Hour,
}

// defaultDeadline applies to unknown tiers.
const defaultDeadline = 48 * time.Hour

// warningWindow is how far ahead of the deadline SweepWarnings looks.
const warningWindow = 2 * time.Hour

// ComputeDeadline returns the SLA duration for a tenant tier.
func ComputeDeadline(tier string) time.Duration {
	if d, ok := tierDeadlines[tier]; ok {
		return d
	}
	return defaultDeadline
}

// RunResumer resumes a parked run step once its approval is decided.
// Implemented by the orchestrator.
type RunResumer interface {
	ApproveRunStep(ctx context.Context, runStepID string, approved bool, note, actor string) error
}

// Gateway tracks deadline-bound human decisions: it creates approvals with
// tier-derived deadlines, applies decisions exactly once, and sweeps for
// breaches and near-breaches idempotently.
type Gateway struct {
	store         store.Store
	tenants       notify.TenantDirectory
	notifications notify.NotificationSink
	audit         notify.AuditSink
	resumer       RunResumer
	logger        *slog.Logger
}

// NewGateway wires a gateway. The resumer is bound separately because the
// orchestrator and the gateway reference each other.
func NewGateway(
	s store.Store,
	tenants notify.TenantDirectory,
	notifications notify.NotificationSink,
	audit notify.AuditSink,
	logger *slog.Logger,
) *Gateway {
	return &Gateway{
		store:         s,
		tenants:       tenants,
		notifications: notifications,
		audit:         audit,
		logger:        logger,
	}
}

// BindResumer attaches the run resumer after construction.
func (g *Gateway) BindResumer(r RunResumer) {
	g.resumer = r
}

// CreateApprovalRequest carries the fields for a standalone approval.
type CreateApprovalRequest struct {
	TenantID     string
	WorkflowID   string
	RunID        string
	RunStepID    string
	StepIndex    int
	AssigneeID   string
	AssigneeRole string
	RequestedBy  string
	Priority     string
	Message      string
}

// CreateApproval persists an approval with slaDeadline = now + tier SLA.
// The deadline is computed once here and never recomputed.
func (g *Gateway) CreateApproval(ctx context.Context, req CreateApprovalRequest) (*store.Approval, error) {
	tier, err := g.tenants.GetTier(ctx, req.TenantID)
	if err != nil {
		g.logger.WarnContext(ctx, "tier lookup failed, using default SLA",
			slog.String("tenant_id", req.TenantID), slog.String("error", err.Error()))
		tier = ""
	}

	priority := req.Priority
	if priority == "" {
		priority = "normal"
	}

	now := time.Now().UTC()
	approval := &store.Approval{
		ID:           uuid.NewString(),
		TenantID:     req.TenantID,
		WorkflowID:   req.WorkflowID,
		RunID:        req.RunID,
		RunStepID:    req.RunStepID,
		StepIndex:    req.StepIndex,
		AssigneeID:   req.AssigneeID,
		AssigneeRole: req.AssigneeRole,
		RequestedBy:  req.RequestedBy,
		Status:       schema.ApprovalStatusPending,
		Priority:     priority,
		Message:      req.Message,
		SLADeadline:  now.Add(ComputeDeadline(tier)),
		CreatedAt:    now,
	}

	if err := g.store.CreateApproval(ctx, approval); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "create approval: %s", err.Error()).WithCause(err)
	}

	g.audit.Write(ctx, req.TenantID, req.RequestedBy, schema.AuditApprovalCreated, "approval", approval.ID,
		map[string]any{"run_id": req.RunID, "sla_deadline": approval.SLADeadline, "tier": tier})
	g.notifications.Send(ctx, notify.Notification{
		TenantID: req.TenantID,
		UserID:   req.AssigneeID,
		Kind:     schema.NotificationApprovalRequested,
		Title:    "Approval requested",
		Message:  req.Message,
		Data:     map[string]any{"approval_id": approval.ID, "run_id": req.RunID},
		RefID:    approval.ID,
		Priority: priority,
	})

	return approval, nil
}

// OpenApproval implements the orchestrator's ApprovalOpener: it creates the
// approval correlated to the parked run step.
func (g *Gateway) OpenApproval(ctx context.Context, req engine.OpenApprovalRequest) (string, error) {
	approval, err := g.CreateApproval(ctx, CreateApprovalRequest{
		TenantID:     req.TenantID,
		WorkflowID:   req.WorkflowID,
		RunID:        req.RunID,
		RunStepID:    req.RunStepID,
		StepIndex:    req.StepIndex,
		AssigneeID:   req.Config.AssigneeID,
		AssigneeRole: req.Config.AssigneeRole,
		RequestedBy:  req.RequestedBy,
		Priority:     req.Config.Priority,
		Message:      req.Config.Message,
	})
	if err != nil {
		return "", err
	}
	return approval.ID, nil
}

// Decide applies a decision to a pending approval. The store's guard update
// makes concurrent decisions lose with ALREADY_PROCESSED. A decided
// approval that correlates to a run step resumes that run.
//
// The decision itself commits before the run is resumed. If resuming fails
// (say the run was cancelled concurrently), the returned error reflects the
// resume only: the approval stays durably decided, and a retried Decide
// reports ALREADY_PROCESSED rather than re-applying it.
func (g *Gateway) Decide(ctx context.Context, approvalID string, approved bool, actor, comments string) error {
	approval, err := g.store.GetApproval(ctx, approvalID)
	if err != nil {
		return err
	}

	ctx = logging.WithTenantID(ctx, approval.TenantID)

	status := schema.ApprovalStatusApproved
	if !approved {
		status = schema.ApprovalStatusRejected
	}
	now := time.Now().UTC()

	if err := g.store.DecideApproval(ctx, approvalID, string(status), actor, comments, now); err != nil {
		return err
	}

	g.audit.Write(ctx, approval.TenantID, actor, schema.AuditApprovalDecided, "approval", approvalID,
		map[string]any{"decision": string(status), "run_id": approval.RunID})
	g.notifications.Send(ctx, notify.Notification{
		TenantID: approval.TenantID,
		UserID:   approval.RequestedBy,
		Kind:     schema.NotificationApprovalDecided,
		Title:    fmt.Sprintf("Approval %s", status),
		Message:  comments,
		Data:     map[string]any{"approval_id": approvalID, "decision": string(status)},
		RefID:    approvalID,
		Priority: approval.Priority,
	})

	if approval.RunStepID != "" && g.resumer != nil {
		if err := g.resumer.ApproveRunStep(ctx, approval.RunStepID, approved, comments, actor); err != nil {
			return err
		}
	}

	g.logger.InfoContext(ctx, "approval decided",
		slog.String("approval_id", approvalID), slog.String("decision", string(status)))
	return nil
}

// SweepBreaches emits at most one overdue notification and one audit entry
// per breached approval. Re-running the sweep within the same breach is a
// no-op thanks to the notification-ref check.
func (g *Gateway) SweepBreaches(ctx context.Context, now time.Time) (int, error) {
	pending := schema.ApprovalStatusPending
	breached, err := g.store.ListApprovals(ctx, store.ApprovalFilter{
		Status:         &pending,
		DeadlineBefore: &now,
	})
	if err != nil {
		return 0, err
	}

	emitted := 0
	for _, a := range breached {
		exists, err := g.store.HasNotificationRef(ctx, schema.NotificationApprovalOverdue, a.ID)
		if err != nil {
			g.logger.WarnContext(ctx, "notification ref lookup failed",
				slog.String("approval_id", a.ID), slog.String("error", err.Error()))
			continue
		}
		if exists {
			continue
		}

		overdue := now.Sub(a.SLADeadline).Round(time.Minute)
		g.notifications.Send(ctx, notify.Notification{
			TenantID: a.TenantID,
			UserID:   a.AssigneeID,
			Kind:     schema.NotificationApprovalOverdue,
			Title:    "Approval overdue",
			Message:  fmt.Sprintf("Approval has been pending %s past its SLA deadline", overdue),
			Data:     map[string]any{"approval_id": a.ID, "sla_deadline": a.SLADeadline},
			RefID:    a.ID,
			Priority: "urgent",
		})
		g.audit.Write(ctx, a.TenantID, "", schema.AuditApprovalOverdue, "approval", a.ID,
			map[string]any{"sla_deadline": a.SLADeadline, "overdue_by": overdue.String()})
		emitted++
	}

	if emitted > 0 {
		g.logger.InfoContext(ctx, "breach sweep emitted notifications", slog.Int("count", emitted))
	}
	return emitted, nil
}

// SweepWarnings emits at most one near-breach notification per approval
// whose deadline falls inside the warning window.
func (g *Gateway) SweepWarnings(ctx context.Context, now time.Time) (int, error) {
	horizon := now.Add(warningWindow)
	pending := schema.ApprovalStatusPending
	closing, err := g.store.ListApprovals(ctx, store.ApprovalFilter{
		Status:         &pending,
		DeadlineAfter:  &now,
		DeadlineBefore: &horizon,
	})
	if err != nil {
		return 0, err
	}

	emitted := 0
	for _, a := range closing {
		exists, err := g.store.HasNotificationRef(ctx, schema.NotificationApprovalWarning, a.ID)
		if err != nil {
			g.logger.WarnContext(ctx, "notification ref lookup failed",
				slog.String("approval_id", a.ID), slog.String("error", err.Error()))
			continue
		}
		if exists {
			continue
		}

		remaining := a.SLADeadline.Sub(now).Round(time.Minute)
		g.notifications.Send(ctx, notify.Notification{
			TenantID: a.TenantID,
			UserID:   a.AssigneeID,
			Kind:     schema.NotificationApprovalWarning,
			Title:    "Approval deadline approaching",
			Message:  fmt.Sprintf("Approval must be decided within %s", remaining),
			Data:     map[string]any{"approval_id": a.ID, "sla_deadline": a.SLADeadline},
			RefID:    a.ID,
			Priority: "high",
		})
		g.audit.Write(ctx, a.TenantID, "", schema.AuditApprovalWarning, "approval", a.ID,
			map[string]any{"sla_deadline": a.SLADeadline, "remaining": remaining.String()})
		emitted++
	}

	return emitted, nil
}
