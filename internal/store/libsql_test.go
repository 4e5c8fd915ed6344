package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/averoa/flowcore/pkg/schema"
)

func newTestStore(t *testing.T) *LibSQLStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func testWorkflow(tenantID string) *Workflow {
	return &Workflow{
		ID:       uuid.NewString(),
		TenantID: tenantID,
		Definition: schema.WorkflowDefinition{
			Name: "invoice-processing",
			Steps: []schema.Step{
				{Kind: schema.StepKindAgent, Title: "extract", Config: json.RawMessage(`{"agent_id":"extractor"}`)},
				{Kind: schema.StepKindApproval, Title: "review", Config: json.RawMessage(`{"assignee_role":"finance"}`)},
			},
		},
		Active: true,
	}
}

func TestWorkflowRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	wf := testWorkflow("tenant-1")
	require.NoError(t, s.CreateWorkflow(ctx, wf))

	got, err := s.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, wf.ID, got.ID)
	assert.Equal(t, "invoice-processing", got.Definition.Name)
	assert.Len(t, got.Definition.Steps, 2)
	assert.True(t, got.Active)

	require.NoError(t, s.SetWorkflowActive(ctx, wf.ID, false))
	got, err = s.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	assert.False(t, got.Active)

	list, err := s.ListWorkflows(ctx, "tenant-1")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestGetWorkflowNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetWorkflow(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

func TestCreateRunWithSteps(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	wf := testWorkflow("tenant-1")
	require.NoError(t, s.CreateWorkflow(ctx, wf))

	run := &Run{
		ID:         uuid.NewString(),
		WorkflowID: wf.ID,
		TenantID:   "tenant-1",
		Status:     schema.RunStatusRunning,
		StartedBy:  "user-1",
		StartedAt:  time.Now().UTC(),
		TotalSteps: 2,
	}
	steps := []*RunStep{
		{ID: uuid.NewString(), RunID: run.ID, StepIndex: 0, Kind: schema.StepKindAgent, Status: schema.StepStatusPending},
		{ID: uuid.NewString(), RunID: run.ID, StepIndex: 1, Kind: schema.StepKindApproval, Status: schema.StepStatusPending},
	}
	require.NoError(t, s.CreateRun(ctx, run, steps))

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusRunning, got.Status)
	assert.Equal(t, "user-1", got.StartedBy)

	gotSteps, err := s.ListRunSteps(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, gotSteps, 2)
	assert.Equal(t, 0, gotSteps[0].StepIndex)
	assert.Equal(t, 1, gotSteps[1].StepIndex)
}

func TestUpdateRunStepAndRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	wf := testWorkflow("tenant-1")
	require.NoError(t, s.CreateWorkflow(ctx, wf))

	run := &Run{ID: uuid.NewString(), WorkflowID: wf.ID, TenantID: "tenant-1", Status: schema.RunStatusRunning, StartedAt: time.Now().UTC(), TotalSteps: 1}
	step := &RunStep{ID: uuid.NewString(), RunID: run.ID, StepIndex: 0, Kind: schema.StepKindAgent, Status: schema.StepStatusPending}
	require.NoError(t, s.CreateRun(ctx, run, []*RunStep{step}))

	now := time.Now().UTC()
	completed := schema.StepStatusCompleted
	require.NoError(t, s.UpdateRunStep(ctx, step.ID, RunStepUpdate{
		Status:     &completed,
		FinishedAt: &now,
		Output:     json.RawMessage(`{"ok":true}`),
	}))

	gotStep, err := s.GetRunStep(ctx, step.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.StepStatusCompleted, gotStep.Status)
	assert.JSONEq(t, `{"ok":true}`, string(gotStep.Output))
	require.NotNil(t, gotStep.FinishedAt)

	done := schema.RunStatusCompleted
	one := 1
	require.NoError(t, s.UpdateRun(ctx, run.ID, RunUpdate{Status: &done, FinishedAt: &now, CompletedSteps: &one}))

	gotRun, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompleted, gotRun.Status)
	assert.Equal(t, 1, gotRun.CompletedSteps)
	require.NotNil(t, gotRun.FinishedAt)
}

func TestListDueDelaySteps(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	wf := testWorkflow("tenant-1")
	require.NoError(t, s.CreateWorkflow(ctx, wf))

	run := &Run{ID: uuid.NewString(), WorkflowID: wf.ID, TenantID: "tenant-1", Status: schema.RunStatusRunning, StartedAt: time.Now().UTC(), TotalSteps: 2}
	past := time.Now().UTC().Add(-time.Minute)
	future := time.Now().UTC().Add(time.Hour)
	steps := []*RunStep{
		{ID: uuid.NewString(), RunID: run.ID, StepIndex: 0, Kind: schema.StepKindDelay, Status: schema.StepStatusRunning, ResumeAt: &past},
		{ID: uuid.NewString(), RunID: run.ID, StepIndex: 1, Kind: schema.StepKindDelay, Status: schema.StepStatusRunning, ResumeAt: &future},
	}
	require.NoError(t, s.CreateRun(ctx, run, steps))

	due, err := s.ListDueDelaySteps(ctx, time.Now().UTC(), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, steps[0].ID, due[0].ID)
}

func TestDecideApprovalGuard(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := &Approval{
		ID:          uuid.NewString(),
		TenantID:    "tenant-1",
		Status:      schema.ApprovalStatusPending,
		Priority:    "normal",
		SLADeadline: time.Now().UTC().Add(24 * time.Hour),
		CreatedAt:   time.Now().UTC(),
	}
	require.NoError(t, s.CreateApproval(ctx, a))

	now := time.Now().UTC()
	require.NoError(t, s.DecideApproval(ctx, a.ID, "approved", "reviewer-1", "looks good", now))

	got, err := s.GetApproval(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ApprovalStatusApproved, got.Status)
	assert.Equal(t, "reviewer-1", got.ReviewedBy)
	require.NotNil(t, got.ReviewedAt)

	// Second decision loses with ALREADY_PROCESSED.
	err = s.DecideApproval(ctx, a.ID, "rejected", "reviewer-2", "", now)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeAlreadyProcessed))

	// Missing approval is NOT_FOUND, not ALREADY_PROCESSED.
	err = s.DecideApproval(ctx, "missing", "approved", "reviewer-1", "", now)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

func TestApprovalFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	overdue := &Approval{ID: uuid.NewString(), TenantID: "tenant-1", Status: schema.ApprovalStatusPending, Priority: "normal", SLADeadline: now.Add(-time.Hour), CreatedAt: now.Add(-25 * time.Hour)}
	closing := &Approval{ID: uuid.NewString(), TenantID: "tenant-1", Status: schema.ApprovalStatusPending, Priority: "high", SLADeadline: now.Add(time.Hour), CreatedAt: now.Add(-23 * time.Hour)}
	require.NoError(t, s.CreateApproval(ctx, overdue))
	require.NoError(t, s.CreateApproval(ctx, closing))

	pending := schema.ApprovalStatusPending
	breached, err := s.ListApprovals(ctx, ApprovalFilter{Status: &pending, DeadlineBefore: &now})
	require.NoError(t, err)
	require.Len(t, breached, 1)
	assert.Equal(t, overdue.ID, breached[0].ID)

	horizon := now.Add(2 * time.Hour)
	warnings, err := s.ListApprovals(ctx, ApprovalFilter{Status: &pending, DeadlineAfter: &now, DeadlineBefore: &horizon})
	require.NoError(t, err)
	require.Len(t, warnings, 1)
	assert.Equal(t, closing.ID, warnings[0].ID)
}

func TestWebhookSubscriptionMatching(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	hook := &Webhook{
		ID:       uuid.NewString(),
		TenantID: "tenant-1",
		URL:      "https://example.com/hook",
		Secret:   "whsec_test",
		Events:   []string{"run.completed"},
		Active:   true,
	}
	star := &Webhook{
		ID:       uuid.NewString(),
		TenantID: "tenant-1",
		URL:      "https://example.com/all",
		Secret:   "whsec_all",
		Events:   []string{"*"},
		Active:   true,
	}
	require.NoError(t, s.CreateWebhook(ctx, hook))
	require.NoError(t, s.CreateWebhook(ctx, star))

	matched, err := s.ListWebhooks(ctx, "tenant-1", "run.completed")
	require.NoError(t, err)
	assert.Len(t, matched, 2)

	matched, err = s.ListWebhooks(ctx, "tenant-1", "run.cancelled")
	require.NoError(t, err)
	require.Len(t, matched, 1)
	assert.Equal(t, star.ID, matched[0].ID)
}

func TestDeliveryLifecycleAndStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	hook := &Webhook{ID: uuid.NewString(), TenantID: "tenant-1", URL: "https://example.com/hook", Secret: "sec", Events: []string{"*"}, Active: true}
	require.NoError(t, s.CreateWebhook(ctx, hook))

	past := time.Now().UTC().Add(-time.Minute)
	d := &WebhookDelivery{
		ID:        uuid.NewString(),
		WebhookID: hook.ID,
		Event:     "run.completed",
		Payload:   json.RawMessage(`{"event":"run.completed"}`),
		Status:    schema.DeliveryStatusPending,
		Attempts:  1,
		NextRetryAt: func() *time.Time {
			return &past
		}(),
	}
	require.NoError(t, s.CreateDelivery(ctx, d))

	due, err := s.ListDueDeliveries(ctx, time.Now().UTC(), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)

	success := schema.DeliveryStatusSuccess
	two := 2
	code := 200
	require.NoError(t, s.UpdateDelivery(ctx, d.ID, DeliveryUpdate{
		Status:         &success,
		Attempts:       &two,
		ClearNextRetry: true,
		ResponseStatus: &code,
	}))

	got, err := s.GetDelivery(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.DeliveryStatusSuccess, got.Status)
	assert.Equal(t, 2, got.Attempts)
	assert.Nil(t, got.NextRetryAt)
	assert.Equal(t, 200, got.ResponseStatus)

	due, err = s.ListDueDeliveries(ctx, time.Now().UTC(), 10)
	require.NoError(t, err)
	assert.Empty(t, due)

	stats, err := s.GetDeliveryStats(ctx, hook.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Total)
	assert.Equal(t, 1, stats.Success)
	assert.Equal(t, 0, stats.Pending)
}

func TestNotificationRefIdempotencyLookup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	exists, err := s.HasNotificationRef(ctx, "approval_overdue", "approval-1")
	require.NoError(t, err)
	assert.False(t, exists)

	n := &Notification{
		ID:       uuid.NewString(),
		TenantID: "tenant-1",
		Kind:     "approval_overdue",
		Title:    "Approval overdue",
		RefID:    "approval-1",
	}
	require.NoError(t, s.CreateNotification(ctx, n))

	exists, err = s.HasNotificationRef(ctx, "approval_overdue", "approval-1")
	require.NoError(t, err)
	assert.True(t, exists)

	// Different kind with the same ref is still absent.
	exists, err = s.HasNotificationRef(ctx, "approval_deadline_warning", "approval-1")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestAuditAppendAndList(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AppendAudit(ctx, &AuditEntry{
		TenantID:   "tenant-1",
		Actor:      "user-1",
		Action:     schema.AuditRunStarted,
		EntityType: "run",
		EntityID:   "run-1",
	}))
	require.NoError(t, s.AppendAudit(ctx, &AuditEntry{
		TenantID:   "tenant-1",
		Action:     schema.AuditRunCompleted,
		EntityType: "run",
		EntityID:   "run-1",
	}))

	entries, err := s.ListAudit(ctx, "run", "run-1", 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	// Newest first.
	assert.Equal(t, schema.AuditRunCompleted, entries[0].Action)
}
