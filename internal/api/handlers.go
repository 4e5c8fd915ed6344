package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/averoa/flowcore/internal/sla"
	"github.com/averoa/flowcore/internal/store"
	"github.com/averoa/flowcore/internal/webhook"
	"github.com/averoa/flowcore/pkg/schema"
)

// --- Workflows ---

type createWorkflowRequest struct {
	TenantID   string                    `json:"tenant_id"`
	Definition schema.WorkflowDefinition `json:"definition"`
}

func (s *Server) handleCreateWorkflow(w http.ResponseWriter, r *http.Request) {
	var req createWorkflowRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.TenantID == "" {
		writeError(w, schema.NewError(schema.ErrCodeValidation, "tenant_id is required"))
		return
	}
	if err := s.validator.ValidateDefinition(&req.Definition); err != nil {
		writeError(w, err)
		return
	}

	wf := &store.Workflow{
		ID:         uuid.NewString(),
		TenantID:   req.TenantID,
		Definition: req.Definition,
		Active:     true,
		CreatedAt:  time.Now().UTC(),
		UpdatedAt:  time.Now().UTC(),
	}
	if err := s.store.CreateWorkflow(r.Context(), wf); err != nil {
		writeError(w, schema.NewErrorf(schema.ErrCodeStore, "create workflow: %s", err.Error()).WithCause(err))
		return
	}
	writeJSON(w, http.StatusCreated, wf)
}

func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenant_id")
	if tenantID == "" {
		writeError(w, schema.NewError(schema.ErrCodeValidation, "tenant_id query parameter is required"))
		return
	}
	workflows, err := s.store.ListWorkflows(r.Context(), tenantID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"workflows": workflows})
}

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := s.store.GetWorkflow(r.Context(), chi.URLParam(r, "workflowID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

type setActiveRequest struct {
	Active bool `json:"active"`
}

func (s *Server) handleSetWorkflowActive(w http.ResponseWriter, r *http.Request) {
	var req setActiveRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.store.SetWorkflowActive(r.Context(), chi.URLParam(r, "workflowID"), req.Active); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"active": req.Active})
}

// --- Runs ---

type startRunRequest struct {
	DryRun bool `json:"dry_run,omitempty"`
}

func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	var req startRunRequest
	if r.ContentLength > 0 {
		if err := decodeBody(r, &req); err != nil {
			writeError(w, err)
			return
		}
	}

	run, plan, err := s.orch.StartRun(r.Context(), chi.URLParam(r, "workflowID"), actor(r), req.DryRun)
	if err != nil {
		writeError(w, err)
		return
	}
	if plan != nil {
		writeJSON(w, http.StatusOK, map[string]any{"dry_run": true, "plan": plan})
		return
	}
	writeJSON(w, http.StatusCreated, run)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.RunFilter{
		TenantID:   q.Get("tenant_id"),
		WorkflowID: q.Get("workflow_id"),
		Limit:      queryInt(q.Get("limit"), 50),
		Offset:     queryInt(q.Get("offset"), 0),
	}
	if raw := q.Get("status"); raw != "" {
		status := schema.RunStatus(raw)
		filter.Status = &status
	}

	runs, err := s.store.ListRuns(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	run, err := s.store.GetRun(r.Context(), runID)
	if err != nil {
		writeError(w, err)
		return
	}
	steps, err := s.store.ListRunSteps(r.Context(), runID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"run":     run,
		"steps":   steps,
		"summary": run.Summary(),
	})
}

type cancelRunRequest struct {
	Reason string `json:"reason,omitempty"`
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	var req cancelRunRequest
	if r.ContentLength > 0 {
		if err := decodeBody(r, &req); err != nil {
			writeError(w, err)
			return
		}
	}
	if err := s.orch.CancelRun(r.Context(), chi.URLParam(r, "runID"), req.Reason); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": string(schema.RunStatusCancelled)})
}

type approveStepRequest struct {
	Approved bool   `json:"approved"`
	Note     string `json:"note,omitempty"`
}

func (s *Server) handleApproveRunStep(w http.ResponseWriter, r *http.Request) {
	var req approveStepRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.orch.ApproveRunStep(r.Context(), chi.URLParam(r, "runStepID"), req.Approved, req.Note, actor(r)); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"approved": req.Approved})
}

// --- Approvals ---

type createApprovalRequest struct {
	TenantID     string `json:"tenant_id"`
	WorkflowID   string `json:"workflow_id,omitempty"`
	RunID        string `json:"run_id,omitempty"`
	AssigneeID   string `json:"assignee_id,omitempty"`
	AssigneeRole string `json:"assignee_role,omitempty"`
	Priority     string `json:"priority,omitempty"`
	Message      string `json:"message,omitempty"`
}

func (s *Server) handleCreateApproval(w http.ResponseWriter, r *http.Request) {
	var req createApprovalRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.TenantID == "" {
		writeError(w, schema.NewError(schema.ErrCodeValidation, "tenant_id is required"))
		return
	}

	approval, err := s.gateway.CreateApproval(r.Context(), sla.CreateApprovalRequest{
		TenantID:     req.TenantID,
		WorkflowID:   req.WorkflowID,
		RunID:        req.RunID,
		AssigneeID:   req.AssigneeID,
		AssigneeRole: req.AssigneeRole,
		RequestedBy:  actor(r),
		Priority:     req.Priority,
		Message:      req.Message,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, approval)
}

func (s *Server) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.ApprovalFilter{
		TenantID: q.Get("tenant_id"),
		RunID:    q.Get("run_id"),
		Limit:    queryInt(q.Get("limit"), 50),
	}
	if raw := q.Get("status"); raw != "" {
		status := schema.ApprovalStatus(raw)
		filter.Status = &status
	}

	approvals, err := s.store.ListApprovals(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"approvals": approvals})
}

type decideApprovalRequest struct {
	Approved bool   `json:"approved"`
	Comments string `json:"comments,omitempty"`
}

func (s *Server) handleDecideApproval(w http.ResponseWriter, r *http.Request) {
	var req decideApprovalRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.gateway.Decide(r.Context(), chi.URLParam(r, "approvalID"), req.Approved, actor(r), req.Comments); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"approved": req.Approved})
}

func (s *Server) handleApprovalAnalytics(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	tenantID := q.Get("tenant_id")
	if tenantID == "" {
		writeError(w, schema.NewError(schema.ErrCodeValidation, "tenant_id query parameter is required"))
		return
	}

	to := time.Now().UTC()
	from := to.AddDate(0, 0, -30)
	if raw := q.Get("from"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, schema.NewErrorf(schema.ErrCodeValidation, "invalid from timestamp %q", raw))
			return
		}
		from = t
	}
	if raw := q.Get("to"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, schema.NewErrorf(schema.ErrCodeValidation, "invalid to timestamp %q", raw))
			return
		}
		to = t
	}

	analytics, err := s.gateway.GetApprovalAnalytics(r.Context(), tenantID, from, to)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, analytics)
}

// --- Webhooks ---

func (s *Server) handleCreateWebhook(w http.ResponseWriter, r *http.Request) {
	var req webhook.CreateWebhookRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.TenantID == "" {
		writeError(w, schema.NewError(schema.ErrCodeValidation, "tenant_id is required"))
		return
	}

	hook, secret, err := s.webhooks.CreateWebhook(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	// The secret appears in this response only.
	writeJSON(w, http.StatusCreated, map[string]any{"webhook": hook, "secret": secret})
}

func (s *Server) handleTestWebhook(w http.ResponseWriter, r *http.Request) {
	delivery, err := s.webhooks.TestWebhook(r.Context(), chi.URLParam(r, "webhookID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, delivery)
}

func (s *Server) handleSetWebhookActive(w http.ResponseWriter, r *http.Request) {
	var req setActiveRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.webhooks.SetActive(r.Context(), chi.URLParam(r, "webhookID"), req.Active); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"active": req.Active})
}

func (s *Server) handleWebhookStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.webhooks.GetWebhookStats(r.Context(), chi.URLParam(r, "webhookID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleListDeliveries(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.DeliveryFilter{
		WebhookID: chi.URLParam(r, "webhookID"),
		Event:     q.Get("event"),
		Limit:     queryInt(q.Get("limit"), 50),
	}
	if raw := q.Get("status"); raw != "" {
		status := schema.DeliveryStatus(raw)
		filter.Status = &status
	}

	deliveries, err := s.webhooks.ListDeliveries(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deliveries": deliveries})
}

func (s *Server) handleRetryDelivery(w http.ResponseWriter, r *http.Request) {
	if err := s.webhooks.RetryDelivery(r.Context(), chi.URLParam(r, "deliveryID")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"requeued": true})
}

func queryInt(raw string, def int) int {
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}
