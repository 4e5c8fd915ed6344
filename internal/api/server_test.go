package api

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/averoa/flowcore/internal/engine"
	"github.com/averoa/flowcore/internal/expressions"
	"github.com/averoa/flowcore/internal/notify"
	"github.com/averoa/flowcore/internal/sla"
	"github.com/averoa/flowcore/internal/store"
	"github.com/averoa/flowcore/internal/validation"
	"github.com/averoa/flowcore/internal/webhook"
	"github.com/averoa/flowcore/pkg/schema"
)

func newTestServer(t *testing.T) (*Server, *store.LibSQLStore) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := store.NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.Migrate(context.Background()))

	logger := slog.New(slog.DiscardHandler)
	notifications := notify.NewStoreNotificationSink(st, logger)
	audit := notify.NewStoreAuditSink(st, logger)
	tenants := notify.NewStaticTenantDirectory(map[string]string{"tenant-1": "enterprise"}, "startup")

	cel, err := expressions.NewCELEngine()
	require.NoError(t, err)
	engines := map[string]expressions.Engine{"cel": cel, "expr": expressions.NewExprEngine()}

	dispatcher := webhook.NewDispatcher(st, nil, expressions.NewGoJQEngine(), audit, logger, webhook.Options{RetryClientErrors: true})
	webhookService := webhook.NewService(st, dispatcher, logger)

	gateway := sla.NewGateway(st, tenants, notifications, audit, logger)
	orch := engine.NewOrchestrator(st, engine.EchoExecutor{}, gateway, dispatcher, audit, engines, logger, engine.Options{})
	gateway.BindResumer(orch)

	validator, err := validation.NewJSONSchemaValidator()
	require.NoError(t, err)

	return New(Config{Port: 0}, st, validator, orch, gateway, webhookService, logger), st
}

func doJSON(t *testing.T, srv *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Actor-Id", "user-1")
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	return rec
}

func decodeResponse(t *testing.T, rec *httptest.ResponseRecorder, dst any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), dst))
}

func createTestWorkflow(t *testing.T, srv *Server, steps []map[string]any) string {
	t.Helper()
	rec := doJSON(t, srv, http.MethodPost, "/api/v1/workflows", map[string]any{
		"tenant_id": "tenant-1",
		"definition": map[string]any{
			"name":  "api-test-flow",
			"steps": steps,
		},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var wf store.Workflow
	decodeResponse(t, rec, &wf)
	return wf.ID
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doJSON(t, srv, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"healthy"}`, rec.Body.String())
}

func TestCreateWorkflowValidationError(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/workflows", map[string]any{
		"tenant_id": "tenant-1",
		"definition": map[string]any{
			"name":  "bad",
			"steps": []map[string]any{{"kind": "agent", "config": map[string]any{}}},
		},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var resp struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	decodeResponse(t, rec, &resp)
	assert.Equal(t, string(schema.ErrCodeValidation), resp.Error.Code)
	assert.Contains(t, resp.Error.Message, "agent_id")
}

func TestCreateWorkflowRequiresTenant(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doJSON(t, srv, http.MethodPost, "/api/v1/workflows", map[string]any{
		"definition": map[string]any{
			"name":  "flow",
			"steps": []map[string]any{{"kind": "agent", "config": map[string]any{"agent_id": "a"}}},
		},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStartRunCompletesThroughAPI(t *testing.T) {
	srv, _ := newTestServer(t)
	wfID := createTestWorkflow(t, srv, []map[string]any{
		{"kind": "agent", "title": "a", "config": map[string]any{"agent_id": "worker"}},
		{"kind": "agent", "title": "b", "config": map[string]any{"agent_id": "worker"}},
	})

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/workflows/"+wfID+"/runs", nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var run store.Run
	decodeResponse(t, rec, &run)
	assert.Equal(t, schema.RunStatusCompleted, run.Status)
	assert.Equal(t, "user-1", run.StartedBy)
	assert.Equal(t, 2, run.CompletedSteps)

	rec = doJSON(t, srv, http.MethodGet, "/api/v1/runs/"+run.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var detail struct {
		Run     store.Run         `json:"run"`
		Steps   []*store.RunStep  `json:"steps"`
		Summary schema.RunSummary `json:"summary"`
	}
	decodeResponse(t, rec, &detail)
	assert.Len(t, detail.Steps, 2)
	assert.Equal(t, 2, detail.Summary.CompletedSteps)
}

func TestStartRunDryRunThroughAPI(t *testing.T) {
	srv, st := newTestServer(t)
	wfID := createTestWorkflow(t, srv, []map[string]any{
		{"kind": "agent", "title": "a", "config": map[string]any{"agent_id": "worker"}},
	})

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/workflows/"+wfID+"/runs", map[string]any{"dry_run": true})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		DryRun bool `json:"dry_run"`
		Plan   struct {
			Steps []schema.Step `json:"steps"`
		} `json:"plan"`
	}
	decodeResponse(t, rec, &resp)
	assert.True(t, resp.DryRun)
	assert.Len(t, resp.Plan.Steps, 1)

	runs, err := st.ListRuns(context.Background(), store.RunFilter{WorkflowID: wfID})
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestApprovalFlowThroughAPI(t *testing.T) {
	srv, st := newTestServer(t)
	wfID := createTestWorkflow(t, srv, []map[string]any{
		{"kind": "approval", "title": "gate", "config": map[string]any{"assignee_role": "finance"}},
		{"kind": "agent", "title": "after", "config": map[string]any{"agent_id": "worker"}},
	})

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/workflows/"+wfID+"/runs", nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	var run store.Run
	decodeResponse(t, rec, &run)
	require.Equal(t, schema.RunStatusAwaitingApproval, run.Status)

	pending := schema.ApprovalStatusPending
	approvals, err := st.ListApprovals(context.Background(), store.ApprovalFilter{RunID: run.ID, Status: &pending})
	require.NoError(t, err)
	require.Len(t, approvals, 1)

	rec = doJSON(t, srv, http.MethodPost, "/api/v1/approvals/"+approvals[0].ID+"/decide",
		map[string]any{"approved": true, "comments": "ok"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	final, err := st.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompleted, final.Status)

	// Deciding again conflicts.
	rec = doJSON(t, srv, http.MethodPost, "/api/v1/approvals/"+approvals[0].ID+"/decide",
		map[string]any{"approved": false})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestCancelRunThroughAPI(t *testing.T) {
	srv, st := newTestServer(t)
	wfID := createTestWorkflow(t, srv, []map[string]any{
		{"kind": "approval", "title": "gate", "config": map[string]any{"assignee_role": "ops"}},
	})

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/workflows/"+wfID+"/runs", nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	var run store.Run
	decodeResponse(t, rec, &run)

	rec = doJSON(t, srv, http.MethodPost, "/api/v1/runs/"+run.ID+"/cancel", map[string]any{"reason": "obsolete"})
	require.Equal(t, http.StatusOK, rec.Code)

	final, err := st.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCancelled, final.Status)

	// Cancelling again is a conflict.
	rec = doJSON(t, srv, http.MethodPost, "/api/v1/runs/"+run.ID+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestGetMissingRunIs404(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doJSON(t, srv, http.MethodGet, "/api/v1/runs/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestInactiveWorkflowRunIs409(t *testing.T) {
	srv, _ := newTestServer(t)
	wfID := createTestWorkflow(t, srv, []map[string]any{
		{"kind": "agent", "title": "a", "config": map[string]any{"agent_id": "worker"}},
	})

	rec := doJSON(t, srv, http.MethodPatch, "/api/v1/workflows/"+wfID+"/active", map[string]any{"active": false})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, srv, http.MethodPost, "/api/v1/workflows/"+wfID+"/runs", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestWebhookLifecycleThroughAPI(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/webhooks", map[string]any{
		"tenant_id": "tenant-1",
		"url":       "https://example.com/hook",
		"events":    []string{"run.completed"},
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp struct {
		Webhook store.Webhook `json:"webhook"`
		Secret  string        `json:"secret"`
	}
	decodeResponse(t, rec, &resp)
	assert.NotEmpty(t, resp.Secret)
	assert.NotEmpty(t, resp.Webhook.ID)

	// The webhook record itself never serializes the secret.
	var raw struct {
		Webhook map[string]any `json:"webhook"`
	}
	decodeResponse(t, rec, &raw)
	assert.NotContains(t, raw.Webhook, "secret")

	rec = doJSON(t, srv, http.MethodGet, "/api/v1/webhooks/"+resp.Webhook.ID+"/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var stats store.DeliveryStats
	decodeResponse(t, rec, &stats)
	assert.Equal(t, 0, stats.Total)

	rec = doJSON(t, srv, http.MethodPatch, "/api/v1/webhooks/"+resp.Webhook.ID+"/active", map[string]any{"active": false})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestApprovalAnalyticsThroughAPI(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doJSON(t, srv, http.MethodGet, "/api/v1/approvals/analytics?tenant_id=tenant-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var analytics sla.Analytics
	decodeResponse(t, rec, &analytics)
	assert.Equal(t, float64(100), analytics.ComplianceRate)

	rec = doJSON(t, srv, http.MethodGet, "/api/v1/approvals/analytics", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, srv, http.MethodGet, "/api/v1/approvals/analytics?tenant_id=tenant-1&from=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
