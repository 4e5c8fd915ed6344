package notify

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/averoa/flowcore/internal/store"
)

// StoreNotificationSink persists notifications in the store. Writes are
// best-effort: errors are logged and swallowed.
type StoreNotificationSink struct {
	store  store.Store
	logger *slog.Logger
}

// NewStoreNotificationSink creates a store-backed notification sink.
func NewStoreNotificationSink(s store.Store, logger *slog.Logger) *StoreNotificationSink {
	return &StoreNotificationSink{store: s, logger: logger}
}

func (s *StoreNotificationSink) Send(ctx context.Context, n Notification) {
	rec := &store.Notification{
		ID:       uuid.NewString(),
		TenantID: n.TenantID,
		UserID:   n.UserID,
		Kind:     n.Kind,
		Title:    n.Title,
		Message:  n.Message,
		Data:     marshalDetails(n.Data),
		RefID:    n.RefID,
		Priority: n.Priority,
	}
	if err := s.store.CreateNotification(ctx, rec); err != nil {
		s.logger.WarnContext(ctx, "notification write failed",
			slog.String("kind", n.Kind), slog.String("error", err.Error()))
	}
}

// StoreAuditSink appends audit entries to the store. Same best-effort
// contract as notifications.
type StoreAuditSink struct {
	store  store.Store
	logger *slog.Logger
}

// NewStoreAuditSink creates a store-backed audit sink.
func NewStoreAuditSink(s store.Store, logger *slog.Logger) *StoreAuditSink {
	return &StoreAuditSink{store: s, logger: logger}
}

func (s *StoreAuditSink) Write(ctx context.Context, tenantID, actor, action, entityType, entityID string, details map[string]any) {
	entry := &store.AuditEntry{
		TenantID:   tenantID,
		Actor:      actor,
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		Details:    marshalDetails(details),
	}
	if err := s.store.AppendAudit(ctx, entry); err != nil {
		s.logger.WarnContext(ctx, "audit write failed",
			slog.String("action", action), slog.String("error", err.Error()))
	}
}

// StaticTenantDirectory maps tenant IDs to tiers from a fixed table, with
// a default for unknown tenants. Production deployments replace this with
// a directory backed by the billing system.
type StaticTenantDirectory struct {
	tiers       map[string]string
	defaultTier string
}

// NewStaticTenantDirectory creates a directory with the given tier table.
func NewStaticTenantDirectory(tiers map[string]string, defaultTier string) *StaticTenantDirectory {
	if tiers == nil {
		tiers = map[string]string{}
	}
	return &StaticTenantDirectory{tiers: tiers, defaultTier: defaultTier}
}

func (d *StaticTenantDirectory) GetTier(ctx context.Context, tenantID string) (string, error) {
	if tier, ok := d.tiers[tenantID]; ok {
		return tier, nil
	}
	return d.defaultTier, nil
}

var (
	_ NotificationSink = (*StoreNotificationSink)(nil)
	_ AuditSink        = (*StoreAuditSink)(nil)
	_ TenantDirectory  = (*StaticTenantDirectory)(nil)
)
