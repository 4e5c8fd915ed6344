package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/averoa/flowcore/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// --- Workflows ---

func (s *LibSQLStore) CreateWorkflow(ctx context.Context, wf *Workflow) error {
	def, err := json.Marshal(wf.Definition)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflows (id, tenant_id, definition, active, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		wf.ID, wf.TenantID, string(def), boolInt(wf.Active),
		timeOrNow(wf.CreatedAt), timeOrNow(wf.UpdatedAt),
	)
	return err
}

func (s *LibSQLStore) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	wf := &Workflow{}
	var defJSON string
	var active int
	err := s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, definition, active, created_at, updated_at FROM workflows WHERE id = ?`, id,
	).Scan(&wf.ID, &wf.TenantID, &defJSON, &active, &wf.CreatedAt, &wf.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("workflow", id)
	}
	if err != nil {
		return nil, err
	}
	wf.Active = active != 0
	if err := json.Unmarshal([]byte(defJSON), &wf.Definition); err != nil {
		return nil, fmt.Errorf("unmarshal definition: %w", err)
	}
	return wf, nil
}

func (s *LibSQLStore) ListWorkflows(ctx context.Context, tenantID string) ([]*Workflow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant_id, definition, active, created_at, updated_at
		 FROM workflows WHERE tenant_id = ? ORDER BY created_at DESC`, tenantID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var workflows []*Workflow
	for rows.Next() {
		wf := &Workflow{}
		var defJSON string
		var active int
		if err := rows.Scan(&wf.ID, &wf.TenantID, &defJSON, &active, &wf.CreatedAt, &wf.UpdatedAt); err != nil {
			return nil, err
		}
		wf.Active = active != 0
		if err := json.Unmarshal([]byte(defJSON), &wf.Definition); err != nil {
			return nil, fmt.Errorf("unmarshal definition: %w", err)
		}
		workflows = append(workflows, wf)
	}
	return workflows, rows.Err()
}

func (s *LibSQLStore) SetWorkflowActive(ctx context.Context, id string, active bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE workflows SET active = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		boolInt(active), id,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "workflow", id)
}

// --- Runs ---

// CreateRun inserts the run and its snapshotted steps in one transaction,
// so a run is never visible without its step records.
func (s *LibSQLStore) CreateRun(ctx context.Context, run *Run, steps []*RunStep) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO runs (id, workflow_id, tenant_id, status, started_by, started_at, finished_at, total_steps, completed_steps, failed_steps)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.WorkflowID, run.TenantID, string(run.Status), nullStr(run.StartedBy),
		timeOrNow(run.StartedAt), nullTime(run.FinishedAt),
		run.TotalSteps, run.CompletedSteps, run.FailedSteps,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	for _, st := range steps {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO run_steps (id, run_id, step_index, kind, title, config, status, started_at, finished_at, output, error, resume_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			st.ID, st.RunID, st.StepIndex, string(st.Kind), nullStr(st.Title), nullRaw(st.Config),
			string(st.Status), nullTime(st.StartedAt), nullTime(st.FinishedAt),
			nullRaw(st.Output), nullStr(st.Error), nullTime(st.ResumeAt),
		)
		if err != nil {
			return fmt.Errorf("insert run step %d: %w", st.StepIndex, err)
		}
	}

	return tx.Commit()
}

func (s *LibSQLStore) GetRun(ctx context.Context, id string) (*Run, error) {
	r := &Run{}
	var status string
	var startedBy sql.NullString
	var finishedAt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT id, workflow_id, tenant_id, status, started_by, started_at, finished_at, total_steps, completed_steps, failed_steps
		 FROM runs WHERE id = ?`, id,
	).Scan(&r.ID, &r.WorkflowID, &r.TenantID, &status, &startedBy, &r.StartedAt, &finishedAt,
		&r.TotalSteps, &r.CompletedSteps, &r.FailedSteps)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("run", id)
	}
	if err != nil {
		return nil, err
	}
	r.Status = schema.RunStatus(status)
	r.StartedBy = startedBy.String
	if finishedAt.Valid {
		r.FinishedAt = &finishedAt.Time
	}
	return r, nil
}

func (s *LibSQLStore) UpdateRun(ctx context.Context, id string, update RunUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.FinishedAt != nil {
		sets = append(sets, "finished_at = ?")
		args = append(args, *update.FinishedAt)
	}
	if update.CompletedSteps != nil {
		sets = append(sets, "completed_steps = ?")
		args = append(args, *update.CompletedSteps)
	}
	if update.FailedSteps != nil {
		sets = append(sets, "failed_steps = ?")
		args = append(args, *update.FailedSteps)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	query := fmt.Sprintf("UPDATE runs SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "run", id)
}

func (s *LibSQLStore) ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error) {
	var where []string
	var args []any

	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.TenantID != "" {
		where = append(where, "tenant_id = ?")
		args = append(args, filter.TenantID)
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}

	query := `SELECT id, workflow_id, tenant_id, status, started_by, started_at, finished_at, total_steps, completed_steps, failed_steps FROM runs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		r := &Run{}
		var status string
		var startedBy sql.NullString
		var finishedAt sql.NullTime
		if err := rows.Scan(&r.ID, &r.WorkflowID, &r.TenantID, &status, &startedBy, &r.StartedAt,
			&finishedAt, &r.TotalSteps, &r.CompletedSteps, &r.FailedSteps); err != nil {
			return nil, err
		}
		r.Status = schema.RunStatus(status)
		r.StartedBy = startedBy.String
		if finishedAt.Valid {
			r.FinishedAt = &finishedAt.Time
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// --- Run steps ---

const runStepColumns = `id, run_id, step_index, kind, title, config, status, started_at, finished_at, output, error, resume_at`

func (s *LibSQLStore) GetRunStep(ctx context.Context, id string) (*RunStep, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+runStepColumns+` FROM run_steps WHERE id = ?`, id,
	)
	st, err := scanRunStep(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("run_step", id)
	}
	return st, err
}

func (s *LibSQLStore) ListRunSteps(ctx context.Context, runID string) ([]*RunStep, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runStepColumns+` FROM run_steps WHERE run_id = ? ORDER BY step_index ASC`, runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var steps []*RunStep
	for rows.Next() {
		st, err := scanRunStep(rows)
		if err != nil {
			return nil, err
		}
		steps = append(steps, st)
	}
	return steps, rows.Err()
}

func (s *LibSQLStore) UpdateRunStep(ctx context.Context, id string, update RunStepUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, *update.StartedAt)
	}
	if update.FinishedAt != nil {
		sets = append(sets, "finished_at = ?")
		args = append(args, *update.FinishedAt)
	}
	if update.Output != nil {
		sets = append(sets, "output = ?")
		args = append(args, string(update.Output))
	}
	if update.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, *update.Error)
	}
	if update.ResumeAt != nil {
		sets = append(sets, "resume_at = ?")
		args = append(args, *update.ResumeAt)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	query := fmt.Sprintf("UPDATE run_steps SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "run_step", id)
}

func (s *LibSQLStore) ListDueDelaySteps(ctx context.Context, now time.Time, limit int) ([]*RunStep, error) {
	query := `SELECT ` + runStepColumns + ` FROM run_steps
		 WHERE kind = 'delay' AND status = 'running' AND resume_at IS NOT NULL AND resume_at <= ?
		 ORDER BY resume_at ASC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.QueryContext(ctx, query, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var steps []*RunStep
	for rows.Next() {
		st, err := scanRunStep(rows)
		if err != nil {
			return nil, err
		}
		steps = append(steps, st)
	}
	return steps, rows.Err()
}

// scannable is satisfied by *sql.Row and *sql.Rows.
type scannable interface {
	Scan(dest ...any) error
}

func scanRunStep(row scannable) (*RunStep, error) {
	st := &RunStep{}
	var kind, status string
	var title, config, output, errMsg sql.NullString
	var startedAt, finishedAt, resumeAt sql.NullTime
	err := row.Scan(&st.ID, &st.RunID, &st.StepIndex, &kind, &title, &config, &status,
		&startedAt, &finishedAt, &output, &errMsg, &resumeAt)
	if err != nil {
		return nil, err
	}
	st.Kind = schema.StepKind(kind)
	st.Status = schema.StepStatus(status)
	st.Title = title.String
	st.Config = rawOrNil(config)
	st.Output = rawOrNil(output)
	st.Error = errMsg.String
	if startedAt.Valid {
		st.StartedAt = &startedAt.Time
	}
	if finishedAt.Valid {
		st.FinishedAt = &finishedAt.Time
	}
	if resumeAt.Valid {
		st.ResumeAt = &resumeAt.Time
	}
	return st, nil
}

// --- Approvals ---

const approvalColumns = `id, tenant_id, workflow_id, run_id, run_step_id, step_index, assignee_id, assignee_role, requested_by, status, priority, message, sla_deadline, reviewed_by, comments, reviewed_at, created_at`

func (s *LibSQLStore) CreateApproval(ctx context.Context, a *Approval) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO approvals (`+approvalColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.TenantID, nullStr(a.WorkflowID), nullStr(a.RunID), nullStr(a.RunStepID), a.StepIndex,
		nullStr(a.AssigneeID), nullStr(a.AssigneeRole), nullStr(a.RequestedBy),
		string(a.Status), a.Priority, nullStr(a.Message), a.SLADeadline,
		nullStr(a.ReviewedBy), nullStr(a.Comments), nullTime(a.ReviewedAt), timeOrNow(a.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) GetApproval(ctx context.Context, id string) (*Approval, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+approvalColumns+` FROM approvals WHERE id = ?`, id,
	)
	a, err := scanApproval(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("approval", id)
	}
	return a, err
}

// DecideApproval moves a pending approval to a terminal status with a
// guard on the current status, making concurrent decisions lose cleanly.
func (s *LibSQLStore) DecideApproval(ctx context.Context, id string, status string, reviewedBy, comments string, reviewedAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE approvals SET status = ?, reviewed_by = ?, comments = ?, reviewed_at = ?
		 WHERE id = ? AND status = 'pending'`,
		status, nullStr(reviewedBy), nullStr(comments), reviewedAt, id,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	// Distinguish "missing" from "already decided".
	var existing string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM approvals WHERE id = ?`, id).Scan(&existing)
	if err == sql.ErrNoRows {
		return storeNotFound("approval", id)
	}
	if err != nil {
		return err
	}
	return schema.NewErrorf(schema.ErrCodeAlreadyProcessed, "approval %q already %s", id, existing)
}

func (s *LibSQLStore) CancelPendingApprovalsForRun(ctx context.Context, runID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE approvals SET status = 'cancelled', reviewed_at = CURRENT_TIMESTAMP
		 WHERE run_id = ? AND status = 'pending'`, runID,
	)
	return err
}

func (s *LibSQLStore) ListApprovals(ctx context.Context, filter ApprovalFilter) ([]*Approval, error) {
	var where []string
	var args []any

	if filter.TenantID != "" {
		where = append(where, "tenant_id = ?")
		args = append(args, filter.TenantID)
	}
	if filter.RunID != "" {
		where = append(where, "run_id = ?")
		args = append(args, filter.RunID)
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.DeadlineBefore != nil {
		where = append(where, "sla_deadline < ?")
		args = append(args, *filter.DeadlineBefore)
	}
	if filter.DeadlineAfter != nil {
		where = append(where, "sla_deadline > ?")
		args = append(args, *filter.DeadlineAfter)
	}
	if filter.CreatedAfter != nil {
		where = append(where, "created_at >= ?")
		args = append(args, *filter.CreatedAfter)
	}
	if filter.CreatedBefore != nil {
		where = append(where, "created_at <= ?")
		args = append(args, *filter.CreatedBefore)
	}

	query := `SELECT ` + approvalColumns + ` FROM approvals`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var approvals []*Approval
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		approvals = append(approvals, a)
	}
	return approvals, rows.Err()
}

func scanApproval(row scannable) (*Approval, error) {
	a := &Approval{}
	var status string
	var workflowID, runID, runStepID, assigneeID, assigneeRole, requestedBy, message, reviewedBy, comments sql.NullString
	var reviewedAt sql.NullTime
	err := row.Scan(&a.ID, &a.TenantID, &workflowID, &runID, &runStepID, &a.StepIndex,
		&assigneeID, &assigneeRole, &requestedBy, &status, &a.Priority, &message,
		&a.SLADeadline, &reviewedBy, &comments, &reviewedAt, &a.CreatedAt)
	if err != nil {
		return nil, err
	}
	a.Status = schema.ApprovalStatus(status)
	a.WorkflowID = workflowID.String
	a.RunID = runID.String
	a.RunStepID = runStepID.String
	a.AssigneeID = assigneeID.String
	a.AssigneeRole = assigneeRole.String
	a.RequestedBy = requestedBy.String
	a.Message = message.String
	a.ReviewedBy = reviewedBy.String
	a.Comments = comments.String
	if reviewedAt.Valid {
		a.ReviewedAt = &reviewedAt.Time
	}
	return a, nil
}

// --- Webhooks ---

func (s *LibSQLStore) CreateWebhook(ctx context.Context, w *Webhook) error {
	events, err := json.Marshal(w.Events)
	if err != nil {
		return fmt.Errorf("marshal events: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO webhooks (id, tenant_id, url, secret, events, transform, active, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		w.ID, w.TenantID, w.URL, w.Secret, string(events), nullStr(w.Transform),
		boolInt(w.Active), timeOrNow(w.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) GetWebhook(ctx context.Context, id string) (*Webhook, error) {
	w := &Webhook{}
	var events string
	var transform sql.NullString
	var active int
	err := s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, url, secret, events, transform, active, created_at FROM webhooks WHERE id = ?`, id,
	).Scan(&w.ID, &w.TenantID, &w.URL, &w.Secret, &events, &transform, &active, &w.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("webhook", id)
	}
	if err != nil {
		return nil, err
	}
	w.Transform = transform.String
	w.Active = active != 0
	if err := json.Unmarshal([]byte(events), &w.Events); err != nil {
		return nil, fmt.Errorf("unmarshal events: %w", err)
	}
	return w, nil
}

// ListWebhooks returns a tenant's webhooks, filtered to those subscribed
// to the given event when event is non-empty. Event matching is done in
// Go since events are stored as a JSON array.
func (s *LibSQLStore) ListWebhooks(ctx context.Context, tenantID, event string) ([]*Webhook, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant_id, url, secret, events, transform, active, created_at
		 FROM webhooks WHERE tenant_id = ? ORDER BY created_at DESC`, tenantID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var webhooks []*Webhook
	for rows.Next() {
		w := &Webhook{}
		var events string
		var transform sql.NullString
		var active int
		if err := rows.Scan(&w.ID, &w.TenantID, &w.URL, &w.Secret, &events, &transform, &active, &w.CreatedAt); err != nil {
			return nil, err
		}
		w.Transform = transform.String
		w.Active = active != 0
		if err := json.Unmarshal([]byte(events), &w.Events); err != nil {
			return nil, fmt.Errorf("unmarshal events: %w", err)
		}
		if event != "" && !subscribed(w.Events, event) {
			continue
		}
		webhooks = append(webhooks, w)
	}
	return webhooks, rows.Err()
}

func subscribed(events []string, event string) bool {
	for _, e := range events {
		if e == event || e == "*" {
			return true
		}
	}
	return false
}

func (s *LibSQLStore) SetWebhookActive(ctx context.Context, id string, active bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE webhooks SET active = ? WHERE id = ?`, boolInt(active), id,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "webhook", id)
}

// --- Webhook deliveries ---

const deliveryColumns = `id, webhook_id, event, payload, status, attempts, last_attempt_at, next_retry_at, response_status, error_message, created_at, updated_at`

func (s *LibSQLStore) CreateDelivery(ctx context.Context, d *WebhookDelivery) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO webhook_deliveries (`+deliveryColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.WebhookID, d.Event, string(d.Payload), string(d.Status), d.Attempts,
		nullTime(d.LastAttemptAt), nullTime(d.NextRetryAt),
		nullInt(d.ResponseStatus), nullStr(d.ErrorMessage),
		timeOrNow(d.CreatedAt), timeOrNow(d.UpdatedAt),
	)
	return err
}

func (s *LibSQLStore) GetDelivery(ctx context.Context, id string) (*WebhookDelivery, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+deliveryColumns+` FROM webhook_deliveries WHERE id = ?`, id,
	)
	d, err := scanDelivery(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("webhook_delivery", id)
	}
	return d, err
}

func (s *LibSQLStore) UpdateDelivery(ctx context.Context, id string, update DeliveryUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.Attempts != nil {
		sets = append(sets, "attempts = ?")
		args = append(args, *update.Attempts)
	}
	if update.LastAttemptAt != nil {
		sets = append(sets, "last_attempt_at = ?")
		args = append(args, *update.LastAttemptAt)
	}
	if update.NextRetryAt != nil {
		sets = append(sets, "next_retry_at = ?")
		args = append(args, *update.NextRetryAt)
	} else if update.ClearNextRetry {
		sets = append(sets, "next_retry_at = NULL")
	}
	if update.ResponseStatus != nil {
		sets = append(sets, "response_status = ?")
		args = append(args, *update.ResponseStatus)
	}
	if update.ErrorMessage != nil {
		sets = append(sets, "error_message = ?")
		args = append(args, *update.ErrorMessage)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = CURRENT_TIMESTAMP")
	args = append(args, id)

	query := fmt.Sprintf("UPDATE webhook_deliveries SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "webhook_delivery", id)
}

func (s *LibSQLStore) ListDueDeliveries(ctx context.Context, now time.Time, limit int) ([]*WebhookDelivery, error) {
	query := `SELECT ` + deliveryColumns + ` FROM webhook_deliveries
		 WHERE status = 'pending' AND next_retry_at IS NOT NULL AND next_retry_at <= ?
		 ORDER BY next_retry_at ASC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.QueryContext(ctx, query, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectDeliveries(rows)
}

func (s *LibSQLStore) ListDeliveries(ctx context.Context, filter DeliveryFilter) ([]*WebhookDelivery, error) {
	var where []string
	var args []any

	if filter.WebhookID != "" {
		where = append(where, "webhook_id = ?")
		args = append(args, filter.WebhookID)
	}
	if filter.Event != "" {
		where = append(where, "event = ?")
		args = append(args, filter.Event)
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}

	query := `SELECT ` + deliveryColumns + ` FROM webhook_deliveries`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectDeliveries(rows)
}

func (s *LibSQLStore) GetDeliveryStats(ctx context.Context, webhookID string) (*DeliveryStats, error) {
	stats := &DeliveryStats{}
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*),
		        COALESCE(SUM(CASE WHEN status = 'success' THEN 1 ELSE 0 END), 0),
		        COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0),
		        COALESCE(SUM(CASE WHEN status = 'pending' THEN 1 ELSE 0 END), 0)
		 FROM webhook_deliveries WHERE webhook_id = ?`, webhookID,
	).Scan(&stats.Total, &stats.Success, &stats.Failed, &stats.Pending)
	if err != nil {
		return nil, err
	}
	return stats, nil
}

func collectDeliveries(rows *sql.Rows) ([]*WebhookDelivery, error) {
	var deliveries []*WebhookDelivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		deliveries = append(deliveries, d)
	}
	return deliveries, rows.Err()
}

func scanDelivery(row scannable) (*WebhookDelivery, error) {
	d := &WebhookDelivery{}
	var status, payload string
	var lastAttemptAt, nextRetryAt sql.NullTime
	var responseStatus sql.NullInt64
	var errMsg sql.NullString
	err := row.Scan(&d.ID, &d.WebhookID, &d.Event, &payload, &status, &d.Attempts,
		&lastAttemptAt, &nextRetryAt, &responseStatus, &errMsg, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}
	d.Payload = json.RawMessage(payload)
	d.Status = schema.DeliveryStatus(status)
	d.ErrorMessage = errMsg.String
	d.ResponseStatus = int(responseStatus.Int64)
	if lastAttemptAt.Valid {
		d.LastAttemptAt = &lastAttemptAt.Time
	}
	if nextRetryAt.Valid {
		d.NextRetryAt = &nextRetryAt.Time
	}
	return d, nil
}

// --- Notifications ---

func (s *LibSQLStore) CreateNotification(ctx context.Context, n *Notification) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO notifications (id, tenant_id, user_id, kind, title, message, data, ref_id, priority, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		n.ID, n.TenantID, nullStr(n.UserID), n.Kind, n.Title, nullStr(n.Message),
		nullRaw(n.Data), nullStr(n.RefID), nullStr(n.Priority), timeOrNow(n.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) HasNotificationRef(ctx context.Context, kind, refID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM notifications WHERE kind = ? AND ref_id = ? LIMIT 1`, kind, refID,
	).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *LibSQLStore) ListNotifications(ctx context.Context, tenantID string, limit int) ([]*Notification, error) {
	query := `SELECT id, tenant_id, user_id, kind, title, message, data, ref_id, priority, created_at
		 FROM notifications WHERE tenant_id = ? ORDER BY created_at DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.QueryContext(ctx, query, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var notifications []*Notification
	for rows.Next() {
		n := &Notification{}
		var userID, message, refID, priority sql.NullString
		var data sql.NullString
		if err := rows.Scan(&n.ID, &n.TenantID, &userID, &n.Kind, &n.Title, &message,
			&data, &refID, &priority, &n.CreatedAt); err != nil {
			return nil, err
		}
		n.UserID = userID.String
		n.Message = message.String
		n.RefID = refID.String
		n.Priority = priority.String
		n.Data = rawOrNil(data)
		notifications = append(notifications, n)
	}
	return notifications, rows.Err()
}

// --- Audit ---

func (s *LibSQLStore) AppendAudit(ctx context.Context, e *AuditEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_log (tenant_id, actor, action, entity_type, entity_id, details, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.TenantID, nullStr(e.Actor), e.Action, e.EntityType, nullStr(e.EntityID),
		nullRaw(e.Details), timeOrNow(e.Timestamp),
	)
	return err
}

func (s *LibSQLStore) ListAudit(ctx context.Context, entityType, entityID string, limit int) ([]*AuditEntry, error) {
	var where []string
	var args []any
	if entityType != "" {
		where = append(where, "entity_type = ?")
		args = append(args, entityType)
	}
	if entityID != "" {
		where = append(where, "entity_id = ?")
		args = append(args, entityID)
	}

	query := `SELECT id, tenant_id, actor, action, entity_type, entity_id, details, timestamp FROM audit_log`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id DESC"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*AuditEntry
	for rows.Next() {
		e := &AuditEntry{}
		var actor, entityID sql.NullString
		var details sql.NullString
		if err := rows.Scan(&e.ID, &e.TenantID, &actor, &e.Action, &e.EntityType, &entityID, &details, &e.Timestamp); err != nil {
			return nil, err
		}
		e.Actor = actor.String
		e.EntityID = entityID.String
		e.Details = rawOrNil(details)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullInt(n int) any {
	if n == 0 {
		return nil
	}
	return n
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
