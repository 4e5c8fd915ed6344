package webhook

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/averoa/flowcore/pkg/schema"
)

func newTestService(t *testing.T, opts Options) (*Service, *Dispatcher) {
	t.Helper()
	st := newTestStore(t)
	d := newTestDispatcher(t, st, opts)
	return NewService(st, d, slog.New(slog.DiscardHandler)), d
}

func TestCreateWebhookGeneratesSecret(t *testing.T) {
	svc, _ := newTestService(t, Options{RetryClientErrors: true})
	ctx := context.Background()

	hook, secret, err := svc.CreateWebhook(ctx, CreateWebhookRequest{
		TenantID: "tenant-1",
		URL:      "https://example.com/hook",
		Events:   []string{"run.completed"},
	})
	require.NoError(t, err)
	assert.True(t, hook.Active)
	assert.True(t, strings.HasPrefix(secret, "whsec_"))
	assert.Greater(t, len(secret), 40)

	// A second webhook gets a different secret.
	_, other, err := svc.CreateWebhook(ctx, CreateWebhookRequest{
		TenantID: "tenant-1",
		URL:      "https://example.com/hook2",
		Events:   []string{"*"},
	})
	require.NoError(t, err)
	assert.NotEqual(t, secret, other)
}

func TestCreateWebhookValidation(t *testing.T) {
	svc, _ := newTestService(t, Options{RetryClientErrors: true})
	ctx := context.Background()

	_, _, err := svc.CreateWebhook(ctx, CreateWebhookRequest{TenantID: "tenant-1", Events: []string{"*"}})
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	_, _, err = svc.CreateWebhook(ctx, CreateWebhookRequest{TenantID: "tenant-1", URL: "ftp://example.com", Events: []string{"*"}})
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	_, _, err = svc.CreateWebhook(ctx, CreateWebhookRequest{TenantID: "tenant-1", URL: "https://example.com/hook"})
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestTestWebhookDelivers(t *testing.T) {
	st := newTestStore(t)
	d := newTestDispatcher(t, st, Options{RetryClientErrors: true})
	svc := NewService(st, d, slog.New(slog.DiscardHandler))
	ctx := context.Background()

	var gotEvent string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotEvent = r.Header.Get("X-Flowcore-Event")
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	hook := createHook(t, st, ts.URL, "")
	delivery, err := svc.TestWebhook(ctx, hook.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.DeliveryStatusSuccess, delivery.Status)
	assert.Equal(t, "webhook.test", gotEvent)
}

func TestRetryDeliveryResetsAttemptBudget(t *testing.T) {
	st := newTestStore(t)
	d := newTestDispatcher(t, st, Options{RetryClientErrors: true})
	svc := NewService(st, d, slog.New(slog.DiscardHandler))
	ctx := context.Background()

	srv := &flakyServer{failStatus: http.StatusInternalServerError, succeedAfter: 5}
	ts := httptest.NewServer(http.HandlerFunc(srv.handler))
	defer ts.Close()

	hook := createHook(t, st, ts.URL, "")
	delivery, err := d.Deliver(ctx, hook.ID, "run.completed", nil)
	require.NoError(t, err)

	// Exhaust the budget: 5 failures, dead-lettered.
	for i := 0; i < 4; i++ {
		require.NoError(t, d.ExecuteRetry(ctx, delivery.ID))
	}
	dead, err := st.GetDelivery(ctx, delivery.ID)
	require.NoError(t, err)
	require.Equal(t, schema.DeliveryStatusFailed, dead.Status)

	// Manual retry resets the counter; the sixth server response is a 200.
	require.NoError(t, svc.RetryDelivery(ctx, delivery.ID))

	final, err := st.GetDelivery(ctx, delivery.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.DeliveryStatusSuccess, final.Status)
	assert.Equal(t, 1, final.Attempts)
}

func TestRetryDeliveryRejectsNonFailed(t *testing.T) {
	st := newTestStore(t)
	d := newTestDispatcher(t, st, Options{RetryClientErrors: true})
	svc := NewService(st, d, slog.New(slog.DiscardHandler))
	ctx := context.Background()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	hook := createHook(t, st, ts.URL, "")
	delivery, err := d.Deliver(ctx, hook.ID, "run.completed", nil)
	require.NoError(t, err)
	require.Equal(t, schema.DeliveryStatusSuccess, delivery.Status)

	err = svc.RetryDelivery(ctx, delivery.ID)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeInvalidState))
}

func TestGetWebhookStats(t *testing.T) {
	st := newTestStore(t)
	d := newTestDispatcher(t, st, Options{RetryClientErrors: true})
	svc := NewService(st, d, slog.New(slog.DiscardHandler))
	ctx := context.Background()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	hook := createHook(t, st, ts.URL, "")
	_, err := d.Deliver(ctx, hook.ID, "run.completed", nil)
	require.NoError(t, err)
	_, err = d.Deliver(ctx, hook.ID, "run.failed", nil)
	require.NoError(t, err)

	stats, err := svc.GetWebhookStats(ctx, hook.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 2, stats.Success)

	_, err = svc.GetWebhookStats(ctx, "missing")
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}
