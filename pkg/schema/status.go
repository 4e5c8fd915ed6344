package schema

// RunStatus represents the lifecycle state of a run.
type RunStatus string

const (
	RunStatusRunning          RunStatus = "running"
	RunStatusAwaitingApproval RunStatus = "awaiting_approval"
	RunStatusCompleted        RunStatus = "completed"
	RunStatusFailed           RunStatus = "failed"
	RunStatusCancelled        RunStatus = "cancelled"
)

// Terminal reports whether the run status is final. Terminal runs are
// never reopened; retrying means starting a new run.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed || s == RunStatusCancelled
}

// StepStatus represents the lifecycle state of a run step.
type StepStatus string

const (
	StepStatusPending          StepStatus = "pending"
	StepStatusRunning          StepStatus = "running"
	StepStatusAwaitingApproval StepStatus = "awaiting_approval"
	StepStatusCompleted        StepStatus = "completed"
	StepStatusFailed           StepStatus = "failed"
)

// Terminal reports whether the step status is final.
func (s StepStatus) Terminal() bool {
	return s == StepStatusCompleted || s == StepStatusFailed
}

// ApprovalStatus represents the lifecycle state of an approval request.
// Transitions are monotonic: pending -> approved | rejected, never back.
type ApprovalStatus string

const (
	ApprovalStatusPending   ApprovalStatus = "pending"
	ApprovalStatusApproved  ApprovalStatus = "approved"
	ApprovalStatusRejected  ApprovalStatus = "rejected"
	ApprovalStatusCancelled ApprovalStatus = "cancelled"
)

// DeliveryStatus represents the lifecycle state of a webhook delivery.
type DeliveryStatus string

const (
	DeliveryStatusPending DeliveryStatus = "pending"
	DeliveryStatusSuccess DeliveryStatus = "success"
	DeliveryStatusFailed  DeliveryStatus = "failed"
)

// Audit action constants recorded on state transitions and decisions.
const (
	AuditRunStarted       = "run_started"
	AuditRunCompleted     = "run_completed"
	AuditRunFailed        = "run_failed"
	AuditRunCancelled     = "run_cancelled"
	AuditStepStarted      = "step_started"
	AuditStepCompleted    = "step_completed"
	AuditStepFailed       = "step_failed"
	AuditStepParked       = "step_awaiting_approval"
	AuditApprovalCreated  = "approval_created"
	AuditApprovalDecided  = "approval_decided"
	AuditApprovalOverdue  = "approval_overdue"
	AuditApprovalWarning  = "approval_deadline_warning"
	AuditDeliveryAttempt  = "webhook_delivery_attempt"
	AuditDeliveryDead     = "webhook_delivery_dead_letter"
)

// Notification kinds emitted by the SLA gateway.
const (
	NotificationApprovalRequested = "approval_requested"
	NotificationApprovalDecided   = "approval_decided"
	NotificationApprovalOverdue   = "approval_overdue"
	NotificationApprovalWarning   = "approval_deadline_warning"
)
