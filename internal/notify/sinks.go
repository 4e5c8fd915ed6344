package notify

import (
	"context"
	"encoding/json"
)

// Notification is the sink-facing message shape. Sinks receive it
// fire-and-forget: a failed write must never fail the state transition
// that produced it.
type Notification struct {
	TenantID string
	UserID   string
	Kind     string
	Title    string
	Message  string
	Data     map[string]any
	RefID    string
	Priority string
}

// NotificationSink delivers user-facing notifications.
type NotificationSink interface {
	Send(ctx context.Context, n Notification)
}

// AuditSink records state transitions and actor decisions.
type AuditSink interface {
	Write(ctx context.Context, tenantID, actor, action, entityType, entityID string, details map[string]any)
}

// TenantDirectory resolves tenant subscription tiers for SLA computation.
type TenantDirectory interface {
	GetTier(ctx context.Context, tenantID string) (string, error)
}

func marshalDetails(details map[string]any) json.RawMessage {
	if len(details) == 0 {
		return nil
	}
	b, err := json.Marshal(details)
	if err != nil {
		return nil
	}
	return b
}
