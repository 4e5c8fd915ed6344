package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/averoa/flowcore/internal/expressions"
	"github.com/averoa/flowcore/internal/logging"
	"github.com/averoa/flowcore/internal/notify"
	"github.com/averoa/flowcore/internal/store"
	"github.com/averoa/flowcore/pkg/schema"
)

// Run lifecycle events published to webhook subscribers.
const (
	EventRunCompleted = "run.completed"
	EventRunFailed    = "run.failed"
	EventRunCancelled = "run.cancelled"
)

// ApprovalOpener creates the approval record when a run parks at a human
// gate. Implemented by the SLA gateway, which owns deadline computation.
type ApprovalOpener interface {
	OpenApproval(ctx context.Context, req OpenApprovalRequest) (string, error)
}

// OpenApprovalRequest carries the run-step correlation for a new approval.
type OpenApprovalRequest struct {
	TenantID    string
	WorkflowID  string
	RunID       string
	RunStepID   string
	StepIndex   int
	RequestedBy string
	Config      *schema.ApprovalConfig
}

// EventPublisher fans a run lifecycle event out to webhook subscribers.
// Fire-and-forget: failures surface as delivery records, not errors here.
type EventPublisher interface {
	Publish(ctx context.Context, tenantID, event string, payload map[string]any)
}

// Options tunes orchestrator behavior.
type Options struct {
	// AgentTimeout bounds executor calls lacking a per-step timeout.
	// Zero means DefaultAgentTimeout.
	AgentTimeout time.Duration
}

// Orchestrator drives runs forward one step at a time. Each transition is
// persisted before the next step is attempted; parked runs resume via
// ApproveRunStep or the scheduler's due-delay poller, never via an
// in-process wait.
type Orchestrator struct {
	store     store.Store
	executor  AgentExecutor
	approvals ApprovalOpener
	publisher EventPublisher
	audit     notify.AuditSink
	engines   map[string]expressions.Engine
	logger    *slog.Logger
	opts      Options

	locks *runLocks
}

// NewOrchestrator wires an orchestrator. The engines map is keyed by branch
// condition language ("cel", "expr").
func NewOrchestrator(
	s store.Store,
	executor AgentExecutor,
	approvals ApprovalOpener,
	publisher EventPublisher,
	audit notify.AuditSink,
	engines map[string]expressions.Engine,
	logger *slog.Logger,
	opts Options,
) *Orchestrator {
	if opts.AgentTimeout <= 0 {
		opts.AgentTimeout = DefaultAgentTimeout
	}
	return &Orchestrator{
		store:     s,
		executor:  executor,
		approvals: approvals,
		publisher: publisher,
		audit:     audit,
		engines:   engines,
		logger:    logger,
		opts:      opts,
		locks:     newRunLocks(),
	}
}

// DryRunPlan is the result of a dry-run start: the step plan that would
// execute, with nothing persisted.
type DryRunPlan struct {
	RunID      string        `json:"run_id"`
	WorkflowID string        `json:"workflow_id"`
	Steps      []schema.Step `json:"steps"`
}

// StartRun snapshots the workflow's steps into a new run and advances it.
// With dryRun set, it validates and returns the plan without persisting.
func (o *Orchestrator) StartRun(ctx context.Context, workflowID, startedBy string, dryRun bool) (*store.Run, *DryRunPlan, error) {
	wf, err := o.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, nil, err
	}
	if !wf.Active {
		return nil, nil, schema.NewErrorf(schema.ErrCodeInvalidState, "workflow %q is inactive", workflowID)
	}

	if dryRun {
		return nil, &DryRunPlan{
			RunID:      uuid.NewString(),
			WorkflowID: workflowID,
			Steps:      wf.Definition.Steps,
		}, nil
	}

	now := time.Now().UTC()
	run := &store.Run{
		ID:         uuid.NewString(),
		WorkflowID: workflowID,
		TenantID:   wf.TenantID,
		Status:     schema.RunStatusRunning,
		StartedBy:  startedBy,
		StartedAt:  now,
		TotalSteps: len(wf.Definition.Steps),
	}

	steps := make([]*store.RunStep, len(wf.Definition.Steps))
	for i, def := range wf.Definition.Steps {
		steps[i] = &store.RunStep{
			ID:        uuid.NewString(),
			RunID:     run.ID,
			StepIndex: i,
			Kind:      def.Kind,
			Title:     def.Title,
			Config:    def.Config,
			Status:    schema.StepStatusPending,
		}
	}

	if err := o.store.CreateRun(ctx, run, steps); err != nil {
		return nil, nil, schema.NewErrorf(schema.ErrCodeStore, "create run: %s", err.Error()).WithCause(err)
	}

	ctx = logging.WithRunID(logging.WithTenantID(ctx, run.TenantID), run.ID)
	o.audit.Write(ctx, run.TenantID, startedBy, schema.AuditRunStarted, "run", run.ID,
		map[string]any{"workflow_id": workflowID, "total_steps": run.TotalSteps})
	o.logger.InfoContext(ctx, "run started", slog.String("workflow_id", workflowID))

	if err := o.AdvanceRun(ctx, run.ID); err != nil {
		return nil, nil, err
	}

	final, err := o.store.GetRun(ctx, run.ID)
	return final, nil, err
}

// AdvanceRun is the re-entrant continuation: it advances the run until it
// parks (approval, delay) or terminates. No-ops when the run is not
// running. Safe to call concurrently; a per-run lock serializes it against
// ApproveRunStep and CancelRun.
func (o *Orchestrator) AdvanceRun(ctx context.Context, runID string) error {
	release := o.locks.acquire(runID)
	defer release()
	return o.advanceLocked(ctx, runID)
}

// advanceLocked is the advance loop body. Callers must hold the run lock.
func (o *Orchestrator) advanceLocked(ctx context.Context, runID string) error {
	ctx = logging.WithRunID(ctx, runID)

	for {
		run, err := o.store.GetRun(ctx, runID)
		if err != nil {
			return err
		}
		if run.Status != schema.RunStatusRunning {
			return nil
		}

		steps, err := o.store.ListRunSteps(ctx, runID)
		if err != nil {
			return err
		}

		next := firstPending(steps)
		if next == nil {
			return o.finalizeRun(ctx, run, steps)
		}

		parked, err := o.dispatchStep(ctx, run, steps, next)
		if err != nil {
			return err
		}
		if parked {
			return nil
		}
	}
}

// dispatchStep executes one pending step according to its kind. It returns
// parked=true when the run must wait for an external event (approval
// decision, delay expiry) before advancing further.
func (o *Orchestrator) dispatchStep(ctx context.Context, run *store.Run, steps []*store.RunStep, step *store.RunStep) (bool, error) {
	ctx = logging.WithStepID(ctx, step.ID)

	switch step.Kind {
	case schema.StepKindAgent:
		return o.dispatchAgent(ctx, run, step)
	case schema.StepKindApproval:
		return o.parkForApproval(ctx, run, step, nil)
	case schema.StepKindDelay:
		return o.dispatchDelay(ctx, run, step)
	case schema.StepKindBranch:
		return o.dispatchBranch(ctx, run, steps, step)
	default:
		// Unknown kinds are structural errors: fail the step and the run.
		if err := o.failStep(ctx, run, step, fmt.Sprintf("unknown step kind %q", step.Kind)); err != nil {
			return false, err
		}
		return true, o.failRun(ctx, run, fmt.Sprintf("unknown step kind %q", step.Kind))
	}
}

func (o *Orchestrator) dispatchAgent(ctx context.Context, run *store.Run, step *store.RunStep) (bool, error) {
	cfg, err := schema.DecodeAgentConfig(step.Config)
	if err != nil {
		return false, o.failStep(ctx, run, step, err.Error())
	}

	if cfg.RequiresReview {
		approvalCfg := &schema.ApprovalConfig{Priority: "normal", Message: "Agent step requires human review"}
		return o.parkForApproval(ctx, run, step, approvalCfg)
	}

	if err := o.startStep(ctx, run, step); err != nil {
		return false, err
	}

	output, execErr := executeAgent(ctx, o.executor, cfg, o.opts.AgentTimeout)
	if execErr != nil {
		// Executor failures are data, not fatal errors. The run keeps going.
		o.logger.WarnContext(ctx, "agent step failed",
			slog.String("agent_id", cfg.AgentID), slog.String("error", execErr.Error()))
		return false, o.failStep(ctx, run, step, execErr.Error())
	}

	return false, o.completeStep(ctx, run, step, output)
}

// parkForApproval moves the step and run into awaiting_approval and opens
// the correlated approval. cfg may come from an approval step's own config
// or be synthesized for a review-flagged agent step.
func (o *Orchestrator) parkForApproval(ctx context.Context, run *store.Run, step *store.RunStep, cfg *schema.ApprovalConfig) (bool, error) {
	if cfg == nil {
		decoded, err := schema.DecodeApprovalConfig(step.Config)
		if err != nil {
			return false, o.failStep(ctx, run, step, err.Error())
		}
		cfg = decoded
	}

	if err := ValidateStepTransition(step.ID, step.Status, schema.StepStatusAwaitingApproval); err != nil {
		return false, err
	}
	now := time.Now().UTC()
	awaiting := schema.StepStatusAwaitingApproval
	if err := o.store.UpdateRunStep(ctx, step.ID, store.RunStepUpdate{Status: &awaiting, StartedAt: &now}); err != nil {
		return false, schema.NewErrorf(schema.ErrCodeStore, "park step: %s", err.Error()).WithCause(err)
	}

	if err := ValidateRunTransition(run.ID, run.Status, schema.RunStatusAwaitingApproval); err != nil {
		return false, err
	}
	runAwaiting := schema.RunStatusAwaitingApproval
	if err := o.store.UpdateRun(ctx, run.ID, store.RunUpdate{Status: &runAwaiting}); err != nil {
		return false, schema.NewErrorf(schema.ErrCodeStore, "park run: %s", err.Error()).WithCause(err)
	}

	approvalID, err := o.approvals.OpenApproval(ctx, OpenApprovalRequest{
		TenantID:    run.TenantID,
		WorkflowID:  run.WorkflowID,
		RunID:       run.ID,
		RunStepID:   step.ID,
		StepIndex:   step.StepIndex,
		RequestedBy: run.StartedBy,
		Config:      cfg,
	})
	if err != nil {
		return false, err
	}

	o.audit.Write(ctx, run.TenantID, "", schema.AuditStepParked, "run_step", step.ID,
		map[string]any{"approval_id": approvalID, "step_index": step.StepIndex})
	o.logger.InfoContext(ctx, "run parked for approval", slog.String("approval_id", approvalID))
	return true, nil
}

func (o *Orchestrator) dispatchDelay(ctx context.Context, run *store.Run, step *store.RunStep) (bool, error) {
	_, duration, err := schema.DecodeDelayConfig(step.Config)
	if err != nil {
		return false, o.failStep(ctx, run, step, err.Error())
	}

	if err := ValidateStepTransition(step.ID, step.Status, schema.StepStatusRunning); err != nil {
		return false, err
	}
	now := time.Now().UTC()
	resumeAt := now.Add(duration)
	running := schema.StepStatusRunning
	err = o.store.UpdateRunStep(ctx, step.ID, store.RunStepUpdate{
		Status:    &running,
		StartedAt: &now,
		ResumeAt:  &resumeAt,
	})
	if err != nil {
		return false, schema.NewErrorf(schema.ErrCodeStore, "schedule delay: %s", err.Error()).WithCause(err)
	}

	o.logger.InfoContext(ctx, "delay step scheduled",
		slog.Time("resume_at", resumeAt), slog.Duration("duration", duration))
	// The due-delay poller completes the step once resume_at passes.
	return true, nil
}

func (o *Orchestrator) dispatchBranch(ctx context.Context, run *store.Run, steps []*store.RunStep, step *store.RunStep) (bool, error) {
	cfg, err := schema.DecodeBranchConfig(step.Config)
	if err != nil {
		return false, o.failStep(ctx, run, step, err.Error())
	}

	engine, ok := o.engines[cfg.Language]
	if !ok {
		return false, o.failStep(ctx, run, step, fmt.Sprintf("no engine for language %q", cfg.Language))
	}

	if err := o.startStep(ctx, run, step); err != nil {
		return false, err
	}

	result, err := engine.Evaluate(ctx, cfg.Condition, branchScope(run, steps))
	if err != nil {
		return false, o.failStep(ctx, run, step, err.Error())
	}

	taken, skipped := cfg.IfTrue, cfg.IfFalse
	if !expressions.Truthy(result) {
		taken, skipped = cfg.IfFalse, cfg.IfTrue
	}

	// The untaken edge and everything pending before the taken edge is
	// completed as skipped, so the next pending step is the taken target.
	skippedOutput := json.RawMessage(`{"skipped":true}`)
	for _, s := range steps {
		if s.StepIndex <= step.StepIndex || s.Status.Terminal() {
			continue
		}
		if s.StepIndex == skipped || s.StepIndex < taken {
			if err := o.completeStep(ctx, run, s, skippedOutput); err != nil {
				return false, err
			}
		}
	}

	output, _ := json.Marshal(map[string]any{"condition": cfg.Condition, "result": result, "taken": taken})
	return false, o.completeStep(ctx, run, step, output)
}

// branchScope assembles the evaluation data for branch conditions:
// run metadata, prior step outputs keyed by index, and the running summary.
func branchScope(run *store.Run, steps []*store.RunStep) map[string]any {
	stepOutputs := make(map[string]any, len(steps))
	completed, failed := 0, 0
	for _, s := range steps {
		switch s.Status {
		case schema.StepStatusCompleted:
			completed++
		case schema.StepStatusFailed:
			failed++
		}
		entry := map[string]any{"status": string(s.Status)}
		if len(s.Output) > 0 {
			var out any
			if json.Unmarshal(s.Output, &out) == nil {
				entry["output"] = out
			}
		}
		stepOutputs[fmt.Sprintf("%d", s.StepIndex)] = entry
	}

	return map[string]any{
		"run": map[string]any{
			"id":          run.ID,
			"workflow_id": run.WorkflowID,
			"tenant_id":   run.TenantID,
			"status":      string(run.Status),
		},
		"steps": stepOutputs,
		"summary": map[string]any{
			"total_steps":     run.TotalSteps,
			"completed_steps": completed,
			"failed_steps":    failed,
		},
	}
}

// ApproveRunStep is the sole exit from awaiting_approval. Approval marks
// the step completed; rejection marks it failed and, under the abort
// policy, fails the whole run. Either way the run resumes advancing.
func (o *Orchestrator) ApproveRunStep(ctx context.Context, runStepID string, approved bool, note, actor string) error {
	step, err := o.store.GetRunStep(ctx, runStepID)
	if err != nil {
		return err
	}

	release := o.locks.acquire(step.RunID)
	defer release()

	// Re-read under the lock; a concurrent decision may have moved it.
	step, err = o.store.GetRunStep(ctx, runStepID)
	if err != nil {
		return err
	}
	if step.Status != schema.StepStatusAwaitingApproval {
		return schema.NewErrorf(schema.ErrCodeInvalidState,
			"run step %q is %s, not awaiting approval", runStepID, step.Status).WithStep(runStepID)
	}

	run, err := o.store.GetRun(ctx, step.RunID)
	if err != nil {
		return err
	}

	ctx = logging.WithStepID(logging.WithRunID(logging.WithTenantID(ctx, run.TenantID), run.ID), step.ID)

	if approved {
		output, _ := json.Marshal(map[string]any{"approved": true, "note": note, "actor": actor})
		if err := o.completeStep(ctx, run, step, output); err != nil {
			return err
		}
	} else {
		reason := "approval rejected"
		if note != "" {
			reason = fmt.Sprintf("approval rejected: %s", note)
		}
		if err := o.failStep(ctx, run, step, reason); err != nil {
			return err
		}
		policy, perr := o.rejectionPolicy(ctx, run)
		if perr != nil {
			// Fall back to continue semantics, but leave a trace: an abort
			// workflow that keeps running on a store hiccup should be visible.
			o.logger.WarnContext(ctx, "rejection policy lookup failed, continuing run",
				slog.String("workflow_id", run.WorkflowID),
				slog.String("error", perr.Error()))
		}
		if policy == schema.RejectionAbort {
			return o.abortAfterRejection(ctx, run, step)
		}
	}

	// Resume: awaiting_approval -> running, then continue the loop.
	if run.Status == schema.RunStatusAwaitingApproval {
		running := schema.RunStatusRunning
		if err := o.store.UpdateRun(ctx, run.ID, store.RunUpdate{Status: &running}); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "resume run: %s", err.Error()).WithCause(err)
		}
	}

	return o.advanceLocked(ctx, run.ID)
}

func (o *Orchestrator) rejectionPolicy(ctx context.Context, run *store.Run) (schema.RejectionPolicy, error) {
	wf, err := o.store.GetWorkflow(ctx, run.WorkflowID)
	if err != nil {
		return schema.RejectionContinue, err
	}
	if wf.Definition.OnRejection == schema.RejectionAbort {
		return schema.RejectionAbort, nil
	}
	return schema.RejectionContinue, nil
}

// abortAfterRejection fails all remaining non-terminal steps and the run.
func (o *Orchestrator) abortAfterRejection(ctx context.Context, run *store.Run, rejected *store.RunStep) error {
	steps, err := o.store.ListRunSteps(ctx, run.ID)
	if err != nil {
		return err
	}
	for _, s := range steps {
		if s.Status.Terminal() || s.ID == rejected.ID {
			continue
		}
		if err := o.failStep(ctx, run, s, "run aborted after rejected approval"); err != nil {
			return err
		}
	}
	return o.failRun(ctx, run, "approval rejected")
}

// CancelRun terminates a non-terminal run: every non-terminal step fails
// with reason cancelled, correlated pending approvals are cancelled, and
// the run lands in cancelled.
func (o *Orchestrator) CancelRun(ctx context.Context, runID, reason string) error {
	release := o.locks.acquire(runID)
	defer release()

	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return schema.NewErrorf(schema.ErrCodeInvalidState, "run %q is already %s", runID, run.Status)
	}

	ctx = logging.WithRunID(logging.WithTenantID(ctx, run.TenantID), runID)

	steps, err := o.store.ListRunSteps(ctx, runID)
	if err != nil {
		return err
	}
	msg := "cancelled"
	if reason != "" {
		msg = fmt.Sprintf("cancelled: %s", reason)
	}
	for _, s := range steps {
		if s.Status.Terminal() {
			continue
		}
		if err := o.failStep(ctx, run, s, msg); err != nil {
			return err
		}
	}

	if err := o.store.CancelPendingApprovalsForRun(ctx, runID); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "cancel approvals: %s", err.Error()).WithCause(err)
	}

	if err := ValidateRunTransition(runID, run.Status, schema.RunStatusCancelled); err != nil {
		return err
	}
	now := time.Now().UTC()
	cancelled := schema.RunStatusCancelled
	completedCount, failedCount := o.countSteps(ctx, runID)
	err = o.store.UpdateRun(ctx, runID, store.RunUpdate{
		Status:         &cancelled,
		FinishedAt:     &now,
		CompletedSteps: &completedCount,
		FailedSteps:    &failedCount,
	})
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "cancel run: %s", err.Error()).WithCause(err)
	}

	o.audit.Write(ctx, run.TenantID, "", schema.AuditRunCancelled, "run", runID,
		map[string]any{"reason": reason})
	o.publisher.Publish(ctx, run.TenantID, EventRunCancelled, map[string]any{
		"run_id": runID, "workflow_id": run.WorkflowID, "reason": reason,
	})
	o.logger.InfoContext(ctx, "run cancelled", slog.String("reason", reason))
	return nil
}

// CompleteDueDelays completes delay steps whose resume_at has passed and
// advances their runs. Invoked by the scheduler poller.
func (o *Orchestrator) CompleteDueDelays(ctx context.Context, now time.Time, limit int) error {
	due, err := o.store.ListDueDelaySteps(ctx, now, limit)
	if err != nil {
		return err
	}

	for _, step := range due {
		if err := o.completeDueDelay(ctx, step.ID, step.RunID); err != nil {
			o.logger.WarnContext(ctx, "delay completion failed",
				slog.String("run_step_id", step.ID), slog.String("error", err.Error()))
		}
	}
	return nil
}

func (o *Orchestrator) completeDueDelay(ctx context.Context, stepID, runID string) error {
	release := o.locks.acquire(runID)
	defer release()

	// Re-read under the lock; the run may have been cancelled meanwhile.
	step, err := o.store.GetRunStep(ctx, stepID)
	if err != nil {
		return err
	}
	if step.Status != schema.StepStatusRunning || step.ResumeAt == nil {
		return nil
	}
	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status != schema.RunStatusRunning {
		return nil
	}

	ctx = logging.WithStepID(logging.WithRunID(logging.WithTenantID(ctx, run.TenantID), runID), stepID)
	output, _ := json.Marshal(map[string]any{"resumed_at": time.Now().UTC()})
	if err := o.completeStep(ctx, run, step, output); err != nil {
		return err
	}
	return o.advanceLocked(ctx, runID)
}

// --- Step transition helpers ---

func (o *Orchestrator) startStep(ctx context.Context, run *store.Run, step *store.RunStep) error {
	if err := ValidateStepTransition(step.ID, step.Status, schema.StepStatusRunning); err != nil {
		return err
	}
	now := time.Now().UTC()
	running := schema.StepStatusRunning
	if err := o.store.UpdateRunStep(ctx, step.ID, store.RunStepUpdate{Status: &running, StartedAt: &now}); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "start step: %s", err.Error()).WithCause(err)
	}
	step.Status = running
	o.audit.Write(ctx, run.TenantID, "", schema.AuditStepStarted, "run_step", step.ID,
		map[string]any{"step_index": step.StepIndex, "kind": string(step.Kind)})
	return nil
}

func (o *Orchestrator) completeStep(ctx context.Context, run *store.Run, step *store.RunStep, output json.RawMessage) error {
	if err := ValidateStepTransition(step.ID, step.Status, schema.StepStatusCompleted); err != nil {
		return err
	}
	now := time.Now().UTC()
	completed := schema.StepStatusCompleted
	update := store.RunStepUpdate{Status: &completed, FinishedAt: &now, Output: output}
	if step.StartedAt == nil {
		update.StartedAt = &now
	}
	if err := o.store.UpdateRunStep(ctx, step.ID, update); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "complete step: %s", err.Error()).WithCause(err)
	}
	step.Status = completed
	o.audit.Write(ctx, run.TenantID, "", schema.AuditStepCompleted, "run_step", step.ID,
		map[string]any{"step_index": step.StepIndex})
	return nil
}

func (o *Orchestrator) failStep(ctx context.Context, run *store.Run, step *store.RunStep, reason string) error {
	if err := ValidateStepTransition(step.ID, step.Status, schema.StepStatusFailed); err != nil {
		return err
	}
	now := time.Now().UTC()
	failed := schema.StepStatusFailed
	update := store.RunStepUpdate{Status: &failed, FinishedAt: &now, Error: &reason}
	if step.StartedAt == nil {
		update.StartedAt = &now
	}
	if err := o.store.UpdateRunStep(ctx, step.ID, update); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "fail step: %s", err.Error()).WithCause(err)
	}
	step.Status = failed
	o.audit.Write(ctx, run.TenantID, "", schema.AuditStepFailed, "run_step", step.ID,
		map[string]any{"step_index": step.StepIndex, "reason": reason})
	return nil
}

// finalizeRun transitions a run with no pending steps to completed,
// aggregating the summary from its steps. Failed steps do not block
// completion; they show up in the counts.
func (o *Orchestrator) finalizeRun(ctx context.Context, run *store.Run, steps []*store.RunStep) error {
	completed, failed := 0, 0
	for _, s := range steps {
		switch s.Status {
		case schema.StepStatusCompleted:
			completed++
		case schema.StepStatusFailed:
			failed++
		}
	}

	if err := ValidateRunTransition(run.ID, run.Status, schema.RunStatusCompleted); err != nil {
		return err
	}
	now := time.Now().UTC()
	done := schema.RunStatusCompleted
	err := o.store.UpdateRun(ctx, run.ID, store.RunUpdate{
		Status:         &done,
		FinishedAt:     &now,
		CompletedSteps: &completed,
		FailedSteps:    &failed,
	})
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "finalize run: %s", err.Error()).WithCause(err)
	}

	o.audit.Write(ctx, run.TenantID, "", schema.AuditRunCompleted, "run", run.ID,
		map[string]any{"completed_steps": completed, "failed_steps": failed})
	o.publisher.Publish(ctx, run.TenantID, EventRunCompleted, map[string]any{
		"run_id":          run.ID,
		"workflow_id":     run.WorkflowID,
		"total_steps":     run.TotalSteps,
		"completed_steps": completed,
		"failed_steps":    failed,
	})
	o.logger.InfoContext(ctx, "run completed",
		slog.Int("completed_steps", completed), slog.Int("failed_steps", failed))
	return nil
}

func (o *Orchestrator) failRun(ctx context.Context, run *store.Run, reason string) error {
	if err := ValidateRunTransition(run.ID, run.Status, schema.RunStatusFailed); err != nil {
		return err
	}
	now := time.Now().UTC()
	failed := schema.RunStatusFailed
	completedCount, failedCount := o.countSteps(ctx, run.ID)
	err := o.store.UpdateRun(ctx, run.ID, store.RunUpdate{
		Status:         &failed,
		FinishedAt:     &now,
		CompletedSteps: &completedCount,
		FailedSteps:    &failedCount,
	})
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "fail run: %s", err.Error()).WithCause(err)
	}

	o.audit.Write(ctx, run.TenantID, "", schema.AuditRunFailed, "run", run.ID,
		map[string]any{"reason": reason})
	o.publisher.Publish(ctx, run.TenantID, EventRunFailed, map[string]any{
		"run_id": run.ID, "workflow_id": run.WorkflowID, "reason": reason,
	})
	return nil
}

func (o *Orchestrator) countSteps(ctx context.Context, runID string) (completed, failed int) {
	steps, err := o.store.ListRunSteps(ctx, runID)
	if err != nil {
		return 0, 0
	}
	for _, s := range steps {
		switch s.Status {
		case schema.StepStatusCompleted:
			completed++
		case schema.StepStatusFailed:
			failed++
		}
	}
	return completed, failed
}

func firstPending(steps []*store.RunStep) *store.RunStep {
	for _, s := range steps {
		if s.Status == schema.StepStatusPending {
			return s
		}
	}
	return nil
}
