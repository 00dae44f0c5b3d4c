package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/courier/pkg/models"
	"github.com/dukex/courier/pkg/persistence"
)

const executionColumns = `
	id, automation_id, flow_id, schedule_id, triggered_by, status, recipient_total,
	recipient_succeeded, recipient_failed, recipient_cancelled, recipient_pending,
	override_config, created_at, started_at, finished_at`

const taskColumns = `
	id, execution_id, contact_ref, variables, status, retry_count, max_retries,
	last_error, conversation_id, flow_state, receipts, next_attempt_at, created_at,
	updated_at, finished_at`

// ExecutionRepository handles automation run persistence.
type ExecutionRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewExecutionRepository(db *sql.DB, logger *slog.Logger) *ExecutionRepository {
	return &ExecutionRepository{db: db, logger: logger}
}

// Create inserts the run and its recipient tasks in one transaction.
func (r *ExecutionRepository) Create(ctx context.Context, execution *models.Execution, tasks []*models.RecipientTask) error {
	now := time.Now().UTC()
	if execution.CreatedAt.IsZero() {
		execution.CreatedAt = now
	}

	override, err := nullableJSON(execution.OverrideConfig, execution.OverrideConfig == nil)
	if err != nil {
		return err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer rollback(ctx, r.logger, tx)

	_, err = tx.ExecContext(ctx, `
		INSERT INTO executions (`+executionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		execution.ID,
		emptyToNull(execution.AutomationID),
		execution.FlowID,
		emptyToNull(execution.ScheduleID),
		execution.Trigger,
		execution.Status,
		execution.RecipientTotal,
		execution.RecipientSucceeded,
		execution.RecipientFailed,
		execution.RecipientCancelled,
		execution.RecipientPending,
		override,
		execution.CreatedAt,
		execution.StartedAt,
		execution.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert execution: %w", err)
	}

	for _, task := range tasks {
		if task.CreatedAt.IsZero() {
			task.CreatedAt = now
		}

		task.UpdatedAt = now

		if err := upsertTask(ctx, tx, task); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit execution: %w", err)
	}

	return nil
}

func (r *ExecutionRepository) GetByID(ctx context.Context, id string) (*models.Execution, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM executions WHERE id = $1`, id)

	execution, err := scanExecution(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrExecutionNotFound
		}

		return nil, persistence.NewRecordError("GetByID", "execution", id, err)
	}

	return execution, nil
}

func (r *ExecutionRepository) ListByAutomation(ctx context.Context, automationID string) ([]*models.Execution, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+executionColumns+` FROM executions WHERE automation_id = $1 ORDER BY created_at DESC`, automationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query executions: %w", err)
	}

	return collect(ctx, r.logger, rows, scanExecution)
}

func (r *ExecutionRepository) Cancel(ctx context.Context, id string) (*models.Execution, error) {
	row := r.db.QueryRowContext(ctx, `
		UPDATE executions SET status = $2
		WHERE id = $1 AND status NOT IN ('completed', 'partial_failure', 'failed', 'cancelled')
		RETURNING `+executionColumns, id, models.ExecutionCancelled)

	execution, err := scanExecution(row)
	if err == nil {
		return execution, nil
	}

	if !errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.NewRecordError("Cancel", "execution", id, err)
	}

	current, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	return current, persistence.ErrExecutionFinished
}

// RecordOutcome increments the outcome counter and decrements the pending
// counter in a single UPDATE, so concurrent workers see consistent totals.
func (r *ExecutionRepository) RecordOutcome(ctx context.Context, id string, outcome models.RecipientOutcome) (*models.Execution, error) {
	var column string

	switch outcome {
	case models.OutcomeSucceeded:
		column = "recipient_succeeded"
	case models.OutcomeFailed:
		column = "recipient_failed"
	case models.OutcomeCancelled:
		column = "recipient_cancelled"
	default:
		return nil, fmt.Errorf("unknown recipient outcome %q", outcome)
	}

	row := r.db.QueryRowContext(ctx, `
		UPDATE executions
		SET `+column+` = `+column+` + 1, recipient_pending = GREATEST(recipient_pending - 1, 0)
		WHERE id = $1
		RETURNING `+executionColumns, id)

	execution, err := scanExecution(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrExecutionNotFound
		}

		return nil, persistence.NewRecordError("RecordOutcome", "execution", id, err)
	}

	return execution, nil
}

func (r *ExecutionRepository) Finalize(ctx context.Context, id string, status models.ExecutionStatus, finishedAt time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE executions SET status = $2, finished_at = $3
		WHERE id = $1 AND finished_at IS NULL`, id, status, finishedAt)
	if err != nil {
		return false, persistence.NewRecordError("Finalize", "execution", id, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return affected == 1, nil
}

func scanExecution(row scanner) (*models.Execution, error) {
	var (
		execution                models.Execution
		automationID, scheduleID sql.NullString
		override                 []byte
		startedAt, finishedAt    sql.NullTime
	)

	err := row.Scan(
		&execution.ID,
		&automationID,
		&execution.FlowID,
		&scheduleID,
		&execution.Trigger,
		&execution.Status,
		&execution.RecipientTotal,
		&execution.RecipientSucceeded,
		&execution.RecipientFailed,
		&execution.RecipientCancelled,
		&execution.RecipientPending,
		&override,
		&execution.CreatedAt,
		&startedAt,
		&finishedAt,
	)
	if err != nil {
		return nil, err
	}

	execution.AutomationID = automationID.String
	execution.ScheduleID = scheduleID.String
	execution.StartedAt = timePtr(startedAt)
	execution.FinishedAt = timePtr(finishedAt)

	if err := fromJSON(override, &execution.OverrideConfig); err != nil {
		return nil, err
	}

	return &execution, nil
}

// RecipientTaskRepository handles recipient task persistence.
type RecipientTaskRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewRecipientTaskRepository(db *sql.DB, logger *slog.Logger) *RecipientTaskRepository {
	return &RecipientTaskRepository{db: db, logger: logger}
}

func (r *RecipientTaskRepository) GetByID(ctx context.Context, id string) (*models.RecipientTask, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM recipient_tasks WHERE id = $1`, id)

	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrRecipientTaskNotFound
		}

		return nil, persistence.NewRecordError("GetByID", "recipient task", id, err)
	}

	return task, nil
}

func (r *RecipientTaskRepository) ListByExecution(ctx context.Context, executionID string) ([]*models.RecipientTask, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM recipient_tasks WHERE execution_id = $1 ORDER BY created_at, id`, executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query recipient tasks: %w", err)
	}

	return collect(ctx, r.logger, rows, scanTask)
}

// Claim is a conditional UPDATE: only one worker can move a given task out
// of pending or waiting.
func (r *RecipientTaskRepository) Claim(ctx context.Context, id string, now time.Time) (*models.RecipientTask, bool, error) {
	row := r.db.QueryRowContext(ctx, `
		UPDATE recipient_tasks SET status = $2, updated_at = $3
		WHERE id = $1 AND status IN ('pending', 'waiting')
		RETURNING `+taskColumns, id, models.TaskProcessing, now)

	task, err := scanTask(row)
	if err == nil {
		return task, true, nil
	}

	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, persistence.NewRecordError("Claim", "recipient task", id, err)
	}

	current, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, false, err
	}

	return current, false, nil
}

func (r *RecipientTaskRepository) Update(ctx context.Context, task *models.RecipientTask) error {
	task.UpdatedAt = time.Now().UTC()

	return upsertTask(ctx, r.db, task)
}

// ReleaseStale locks the stale rows with SKIP LOCKED so concurrent reapers
// never hand back the same task twice.
func (r *RecipientTaskRepository) ReleaseStale(ctx context.Context, claimedBefore, now time.Time, limit int) ([]*models.RecipientTask, error) {
	rows, err := r.db.QueryContext(ctx, `
		UPDATE recipient_tasks SET status = $1, updated_at = $2
		WHERE id IN (
			SELECT id FROM recipient_tasks
			WHERE status IN ($3, $4, $5) AND updated_at < $6
			ORDER BY updated_at, id
			LIMIT $7
			FOR UPDATE SKIP LOCKED)
		RETURNING `+taskColumns,
		models.TaskPending, now,
		models.TaskProcessing, models.TaskSent, models.TaskDelivered,
		claimedBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to release stale tasks: %w", err)
	}

	return collect(ctx, r.logger, rows, scanTask)
}

func upsertTask(ctx context.Context, q querier, task *models.RecipientTask) error {
	variables, err := nullableJSON(task.Variables, task.Variables == nil)
	if err != nil {
		return err
	}

	flowState, err := toJSON(task.FlowState)
	if err != nil {
		return err
	}

	receipts := task.Receipts
	if receipts == nil {
		receipts = []models.DeliveryReceipt{}
	}

	receiptsJSON, err := toJSON(receipts)
	if err != nil {
		return err
	}

	_, err = q.ExecContext(ctx, `
		INSERT INTO recipient_tasks (`+taskColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (id) DO UPDATE SET
			variables = EXCLUDED.variables,
			status = EXCLUDED.status,
			retry_count = EXCLUDED.retry_count,
			max_retries = EXCLUDED.max_retries,
			last_error = EXCLUDED.last_error,
			conversation_id = EXCLUDED.conversation_id,
			flow_state = EXCLUDED.flow_state,
			receipts = EXCLUDED.receipts,
			next_attempt_at = EXCLUDED.next_attempt_at,
			updated_at = EXCLUDED.updated_at,
			finished_at = EXCLUDED.finished_at`,
		task.ID,
		task.ExecutionID,
		task.ContactRef,
		variables,
		task.Status,
		task.RetryCount,
		task.MaxRetries,
		task.LastError,
		task.ConversationID,
		flowState,
		receiptsJSON,
		task.NextAttemptAt,
		task.CreatedAt,
		task.UpdatedAt,
		task.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save recipient task %s: %w", task.ID, err)
	}

	return nil
}

func scanTask(row scanner) (*models.RecipientTask, error) {
	var (
		task                       models.RecipientTask
		variables, state, receipts []byte
		nextAttempt, finishedAt    sql.NullTime
	)

	err := row.Scan(
		&task.ID,
		&task.ExecutionID,
		&task.ContactRef,
		&variables,
		&task.Status,
		&task.RetryCount,
		&task.MaxRetries,
		&task.LastError,
		&task.ConversationID,
		&state,
		&receipts,
		&nextAttempt,
		&task.CreatedAt,
		&task.UpdatedAt,
		&finishedAt,
	)
	if err != nil {
		return nil, err
	}

	task.NextAttemptAt = timePtr(nextAttempt)
	task.FinishedAt = timePtr(finishedAt)

	if err := fromJSON(variables, &task.Variables); err != nil {
		return nil, err
	}

	if err := fromJSON(state, &task.FlowState); err != nil {
		return nil, err
	}

	if err := fromJSON(receipts, &task.Receipts); err != nil {
		return nil, err
	}

	return &task, nil
}
