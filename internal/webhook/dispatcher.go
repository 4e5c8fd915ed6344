package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/averoa/flowcore/internal/expressions"
	"github.com/averoa/flowcore/internal/logging"
	"github.com/averoa/flowcore/internal/notify"
	"github.com/averoa/flowcore/internal/store"
	"github.com/averoa/flowcore/pkg/schema"
)

const (
	// MaxAttempts is the delivery cap. Once attempts reach it, the next
	// failure (or retry pickup) dead-letters the record.
	MaxAttempts = 5

	// deadLetterMessage is the terminal error recorded on exhausted deliveries.
	deadLetterMessage = "Max retries exceeded"

	// maxRetryDelay caps the exponential backoff at one hour.
	maxRetryDelay = time.Hour

	// baseRetryDelay is the delay before the first retry.
	baseRetryDelay = time.Second

	// maxResponseBody bounds how much of a subscriber's response is read.
	maxResponseBody = 64 * 1024

	signatureHeader = "X-Flowcore-Signature"
	eventHeader     = "X-Flowcore-Event"
	deliveryHeader  = "X-Flowcore-Delivery"
)

// ComputeRetryDelay returns the backoff before retry n+1, where n is the
// attempt count before the failed try: 1s, 2s, 4s, 8s, ... capped at 1h.
func ComputeRetryDelay(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	d := baseRetryDelay << uint(attempts)
	if d <= 0 || d > maxRetryDelay {
		return maxRetryDelay
	}
	return d
}

// Sign computes the signature header value for a request body:
// "sha256=" + hex(HMAC-SHA256(secret, body)).
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Options tunes dispatcher behavior.
type Options struct {
	// AttemptTimeout bounds one HTTP attempt. Zero means 10s.
	AttemptTimeout time.Duration

	// RetryClientErrors keeps the uniform retry policy: 4xx responses are
	// retried exactly like 5xx and network errors. Turning it off
	// dead-letters a delivery on the first 4xx, since a client error
	// rarely heals on its own.
	RetryClientErrors bool
}

// Dispatcher delivers outbound events to subscriber URLs with bounded
// exponential backoff and terminal dead-lettering.
type Dispatcher struct {
	store  store.Store
	client *http.Client
	jq     *expressions.GoJQEngine
	audit  notify.AuditSink
	logger *slog.Logger
	opts   Options
}

// NewDispatcher creates a dispatcher. A nil client gets a default one.
func NewDispatcher(s store.Store, client *http.Client, jq *expressions.GoJQEngine, audit notify.AuditSink, logger *slog.Logger, opts Options) *Dispatcher {
	if opts.AttemptTimeout <= 0 {
		opts.AttemptTimeout = 10 * time.Second
	}
	if client == nil {
		client = &http.Client{}
	}
	return &Dispatcher{
		store:  s,
		client: client,
		jq:     jq,
		audit:  audit,
		logger: logger,
		opts:   opts,
	}
}

// Publish fans an event out to every active subscribed webhook of the
// tenant. Implements the orchestrator's EventPublisher; failures become
// delivery records, never errors.
func (d *Dispatcher) Publish(ctx context.Context, tenantID, event string, payload map[string]any) {
	hooks, err := d.store.ListWebhooks(ctx, tenantID, event)
	if err != nil {
		d.logger.WarnContext(ctx, "webhook lookup failed",
			slog.String("event", event), slog.String("error", err.Error()))
		return
	}
	for _, hook := range hooks {
		if !hook.Active {
			continue
		}
		if _, err := d.Deliver(ctx, hook.ID, event, payload); err != nil {
			d.logger.WarnContext(ctx, "webhook delivery setup failed",
				slog.String("webhook_id", hook.ID), slog.String("error", err.Error()))
		}
	}
}

// Deliver creates a delivery record for (webhook, event) and performs the
// first attempt immediately. The returned delivery reflects the outcome of
// that attempt.
func (d *Dispatcher) Deliver(ctx context.Context, webhookID, event string, payload map[string]any) (*store.WebhookDelivery, error) {
	hook, err := d.store.GetWebhook(ctx, webhookID)
	if err != nil {
		return nil, err
	}

	body, err := d.renderPayload(ctx, hook, event, payload)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	delivery := &store.WebhookDelivery{
		ID:        uuid.NewString(),
		WebhookID: webhookID,
		Event:     event,
		Payload:   body,
		Status:    schema.DeliveryStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := d.store.CreateDelivery(ctx, delivery); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "create delivery: %s", err.Error()).WithCause(err)
	}

	if err := d.attempt(ctx, hook, delivery); err != nil {
		return nil, err
	}
	return d.store.GetDelivery(ctx, delivery.ID)
}

// ExecuteRetry re-runs a pending delivery picked up by the scheduler. A
// delivery already at the attempt cap is dead-lettered without another try.
func (d *Dispatcher) ExecuteRetry(ctx context.Context, deliveryID string) error {
	delivery, err := d.store.GetDelivery(ctx, deliveryID)
	if err != nil {
		return err
	}
	if delivery.Status != schema.DeliveryStatusPending {
		return nil
	}

	hook, err := d.store.GetWebhook(ctx, delivery.WebhookID)
	if err != nil {
		return err
	}
	if delivery.Attempts >= MaxAttempts {
		return d.deadLetterWith(ctx, hook.TenantID, delivery, delivery.Attempts, time.Now().UTC(), delivery.ResponseStatus)
	}
	return d.attempt(ctx, hook, delivery)
}

// RetryDue picks up and retries every delivery whose nextRetryAt has
// passed. Invoked by the scheduler poller.
func (d *Dispatcher) RetryDue(ctx context.Context, now time.Time, limit int) error {
	due, err := d.store.ListDueDeliveries(ctx, now, limit)
	if err != nil {
		return err
	}
	for _, delivery := range due {
		if err := d.ExecuteRetry(ctx, delivery.ID); err != nil {
			d.logger.WarnContext(ctx, "webhook retry failed",
				slog.String("delivery_id", delivery.ID), slog.String("error", err.Error()))
		}
	}
	return nil
}

// attempt performs one HTTP try and persists the outcome: terminal success
// on 2xx, dead-letter once attempts are exhausted, otherwise a scheduled
// retry per the backoff formula.
func (d *Dispatcher) attempt(ctx context.Context, hook *store.Webhook, delivery *store.WebhookDelivery) error {
	ctx = logging.WithTenantID(ctx, hook.TenantID)

	// Backoff is driven by the attempt count before this try.
	n := delivery.Attempts
	attempts := n + 1
	now := time.Now().UTC()

	status, attemptErr := d.post(ctx, hook, delivery)

	d.audit.Write(ctx, hook.TenantID, "", schema.AuditDeliveryAttempt, "webhook_delivery", delivery.ID,
		map[string]any{"attempt": attempts, "response_status": status})

	if attemptErr == nil {
		success := schema.DeliveryStatusSuccess
		empty := ""
		err := d.store.UpdateDelivery(ctx, delivery.ID, store.DeliveryUpdate{
			Status:         &success,
			Attempts:       &attempts,
			LastAttemptAt:  &now,
			ClearNextRetry: true,
			ResponseStatus: &status,
			ErrorMessage:   &empty,
		})
		if err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "record delivery success: %s", err.Error()).WithCause(err)
		}
		d.logger.InfoContext(ctx, "webhook delivered",
			slog.String("delivery_id", delivery.ID), slog.Int("attempts", attempts))
		return nil
	}

	errMsg := attemptErr.Error()

	if !d.opts.RetryClientErrors && status >= 400 && status < 500 {
		return d.terminate(ctx, delivery, attempts, now, status, errMsg)
	}

	if attempts >= MaxAttempts {
		return d.deadLetterWith(ctx, hook.TenantID, delivery, attempts, now, status)
	}

	retryAt := now.Add(ComputeRetryDelay(n))
	pending := schema.DeliveryStatusPending
	err := d.store.UpdateDelivery(ctx, delivery.ID, store.DeliveryUpdate{
		Status:         &pending,
		Attempts:       &attempts,
		LastAttemptAt:  &now,
		NextRetryAt:    &retryAt,
		ResponseStatus: &status,
		ErrorMessage:   &errMsg,
	})
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "schedule retry: %s", err.Error()).WithCause(err)
	}

	d.logger.WarnContext(ctx, "webhook attempt failed, retry scheduled",
		slog.String("delivery_id", delivery.ID),
		slog.Int("attempt", attempts),
		slog.Time("next_retry_at", retryAt),
		slog.String("error", errMsg))
	return nil
}

// post performs the HTTP POST. A non-2xx status comes back as an error with
// the status code; network errors have status 0.
func (d *Dispatcher) post(ctx context.Context, hook *store.Webhook, delivery *store.WebhookDelivery) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, d.opts.AttemptTimeout)
	defer cancel()

	body := []byte(delivery.Payload)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(signatureHeader, Sign(hook.Secret, body))
	req.Header.Set(eventHeader, delivery.Event)
	req.Header.Set(deliveryHeader, delivery.ID)

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBody))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, fmt.Errorf("subscriber returned HTTP %d", resp.StatusCode)
	}
	return resp.StatusCode, nil
}

func (d *Dispatcher) deadLetterWith(ctx context.Context, tenantID string, delivery *store.WebhookDelivery, attempts int, now time.Time, status int) error {
	failed := schema.DeliveryStatusFailed
	msg := deadLetterMessage
	update := store.DeliveryUpdate{
		Status:         &failed,
		Attempts:       &attempts,
		LastAttemptAt:  &now,
		ClearNextRetry: true,
		ErrorMessage:   &msg,
	}
	if status != 0 {
		update.ResponseStatus = &status
	}
	if err := d.store.UpdateDelivery(ctx, delivery.ID, update); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "dead-letter delivery: %s", err.Error()).WithCause(err)
	}

	d.audit.Write(ctx, tenantID, "", schema.AuditDeliveryDead, "webhook_delivery", delivery.ID,
		map[string]any{"attempts": attempts})
	d.logger.WarnContext(ctx, "webhook delivery dead-lettered",
		slog.String("delivery_id", delivery.ID), slog.Int("attempts", attempts))
	return nil
}

// terminate records a non-retried client-error failure.
func (d *Dispatcher) terminate(ctx context.Context, delivery *store.WebhookDelivery, attempts int, now time.Time, status int, errMsg string) error {
	failed := schema.DeliveryStatusFailed
	err := d.store.UpdateDelivery(ctx, delivery.ID, store.DeliveryUpdate{
		Status:         &failed,
		Attempts:       &attempts,
		LastAttemptAt:  &now,
		ClearNextRetry: true,
		ResponseStatus: &status,
		ErrorMessage:   &errMsg,
	})
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "terminate delivery: %s", err.Error()).WithCause(err)
	}
	d.logger.WarnContext(ctx, "webhook delivery not retried on client error",
		slog.String("delivery_id", delivery.ID), slog.Int("status", status))
	return nil
}

// renderPayload marshals the event envelope, applying the webhook's jq
// transform when one is configured.
func (d *Dispatcher) renderPayload(ctx context.Context, hook *store.Webhook, event string, payload map[string]any) (json.RawMessage, error) {
	envelope := map[string]any{
		"event":     event,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"data":      payload,
	}

	if hook.Transform != "" && d.jq != nil {
		transformed, err := d.jq.Evaluate(ctx, hook.Transform, envelope)
		if err != nil {
			return nil, err
		}
		if transformed != nil {
			b, err := json.Marshal(transformed)
			if err != nil {
				return nil, schema.NewErrorf(schema.ErrCodeValidation, "marshal transformed payload: %s", err.Error()).WithCause(err)
			}
			return b, nil
		}
	}

	b, err := json.Marshal(envelope)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "marshal payload: %s", err.Error()).WithCause(err)
	}
	return b, nil
}
