package webhook

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/averoa/flowcore/internal/store"
	"github.com/averoa/flowcore/pkg/schema"
)

// Service owns webhook subscription management and operator-facing
// delivery operations. Delivery mechanics live in the Dispatcher.
type Service struct {
	store      store.Store
	dispatcher *Dispatcher
	logger     *slog.Logger
}

// NewService creates a webhook service.
func NewService(s store.Store, dispatcher *Dispatcher, logger *slog.Logger) *Service {
	return &Service{store: s, dispatcher: dispatcher, logger: logger}
}

// CreateWebhookRequest carries the fields for a new subscription.
type CreateWebhookRequest struct {
	TenantID  string   `json:"tenant_id"`
	URL       string   `json:"url"`
	Events    []string `json:"events"`
	Transform string   `json:"transform,omitempty"`
}

// CreateWebhook registers a subscription with a freshly generated signing
// secret. The secret is returned once here; it is never serialized again.
func (s *Service) CreateWebhook(ctx context.Context, req CreateWebhookRequest) (*store.Webhook, string, error) {
	if req.URL == "" {
		return nil, "", schema.NewError(schema.ErrCodeValidation, "webhook url is required")
	}
	if !strings.HasPrefix(req.URL, "http://") && !strings.HasPrefix(req.URL, "https://") {
		return nil, "", schema.NewErrorf(schema.ErrCodeValidation, "webhook url %q must be http(s)", req.URL)
	}
	if len(req.Events) == 0 {
		return nil, "", schema.NewError(schema.ErrCodeValidation, "webhook needs at least one event")
	}

	secret := newSecret()
	hook := &store.Webhook{
		ID:        uuid.NewString(),
		TenantID:  req.TenantID,
		URL:       req.URL,
		Secret:    secret,
		Events:    req.Events,
		Transform: req.Transform,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.CreateWebhook(ctx, hook); err != nil {
		return nil, "", schema.NewErrorf(schema.ErrCodeStore, "create webhook: %s", err.Error()).WithCause(err)
	}

	s.logger.InfoContext(ctx, "webhook created",
		slog.String("webhook_id", hook.ID), slog.String("url", hook.URL))
	return hook, secret, nil
}

// TestWebhook sends a synthetic event through the normal delivery path so
// operators can verify connectivity and signature handling.
func (s *Service) TestWebhook(ctx context.Context, webhookID string) (*store.WebhookDelivery, error) {
	return s.dispatcher.Deliver(ctx, webhookID, "webhook.test", map[string]any{
		"message": "flowcore test delivery",
	})
}

// RetryDelivery manually re-queues a dead-lettered delivery. The attempt
// counter restarts so the delivery gets a full retry budget.
func (s *Service) RetryDelivery(ctx context.Context, deliveryID string) error {
	delivery, err := s.store.GetDelivery(ctx, deliveryID)
	if err != nil {
		return err
	}
	if delivery.Status != schema.DeliveryStatusFailed {
		return schema.NewErrorf(schema.ErrCodeInvalidState,
			"delivery %q is %s, only failed deliveries can be re-queued", deliveryID, delivery.Status)
	}

	pending := schema.DeliveryStatusPending
	zero := 0
	empty := ""
	now := time.Now().UTC()
	err = s.store.UpdateDelivery(ctx, deliveryID, store.DeliveryUpdate{
		Status:       &pending,
		Attempts:     &zero,
		NextRetryAt:  &now,
		ErrorMessage: &empty,
	})
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "re-queue delivery: %s", err.Error()).WithCause(err)
	}

	return s.dispatcher.ExecuteRetry(ctx, deliveryID)
}

// GetWebhookStats returns aggregate delivery outcomes for one webhook.
func (s *Service) GetWebhookStats(ctx context.Context, webhookID string) (*store.DeliveryStats, error) {
	if _, err := s.store.GetWebhook(ctx, webhookID); err != nil {
		return nil, err
	}
	return s.store.GetDeliveryStats(ctx, webhookID)
}

// ListDeliveries returns delivery records matching the filter.
func (s *Service) ListDeliveries(ctx context.Context, filter store.DeliveryFilter) ([]*store.WebhookDelivery, error) {
	return s.store.ListDeliveries(ctx, filter)
}

// SetActive toggles a subscription without deleting its history.
func (s *Service) SetActive(ctx context.Context, webhookID string, active bool) error {
	return s.store.SetWebhookActive(ctx, webhookID, active)
}

func newSecret() string {
	return "whsec_" + strings.ReplaceAll(uuid.NewString(), "-", "") + strings.ReplaceAll(uuid.NewString(), "-", "")
}
