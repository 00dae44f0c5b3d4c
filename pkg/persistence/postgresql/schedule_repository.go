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
	"github.com/lib/pq"
)

const foreignKeyViolation = "23503"

const scheduleColumns = `
	id, automation_id, name, recurrence, time_of_day, timezone, start_date, end_date,
	execution_window, skip_weekends, skip_holidays, blackout_ranges, next_scheduled_at,
	last_executed_at, active, unsatisfiable, created_at, updated_at`

// ScheduleRepository handles schedule and schedule exception persistence.
type ScheduleRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewScheduleRepository(db *sql.DB, logger *slog.Logger) *ScheduleRepository {
	return &ScheduleRepository{db: db, logger: logger}
}

// Save upserts a schedule.
func (r *ScheduleRepository) Save(ctx context.Context, schedule *models.Schedule) error {
	now := time.Now().UTC()
	if schedule.CreatedAt.IsZero() {
		schedule.CreatedAt = now
	}

	schedule.UpdatedAt = now

	recurrence, err := toJSON(schedule.Recurrence)
	if err != nil {
		return err
	}

	window, err := nullableJSON(schedule.ExecutionWindow, schedule.ExecutionWindow == nil)
	if err != nil {
		return err
	}

	blackouts := schedule.BlackoutRanges
	if blackouts == nil {
		blackouts = []models.DateRange{}
	}

	blackoutJSON, err := toJSON(blackouts)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO schedules (` + scheduleColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		ON CONFLICT (id) DO UPDATE SET
			automation_id = EXCLUDED.automation_id,
			name = EXCLUDED.name,
			recurrence = EXCLUDED.recurrence,
			time_of_day = EXCLUDED.time_of_day,
			timezone = EXCLUDED.timezone,
			start_date = EXCLUDED.start_date,
			end_date = EXCLUDED.end_date,
			execution_window = EXCLUDED.execution_window,
			skip_weekends = EXCLUDED.skip_weekends,
			skip_holidays = EXCLUDED.skip_holidays,
			blackout_ranges = EXCLUDED.blackout_ranges,
			next_scheduled_at = EXCLUDED.next_scheduled_at,
			last_executed_at = EXCLUDED.last_executed_at,
			active = EXCLUDED.active,
			unsatisfiable = EXCLUDED.unsatisfiable,
			updated_at = EXCLUDED.updated_at
	`

	_, err = r.db.ExecContext(ctx, query,
		schedule.ID,
		schedule.AutomationID,
		schedule.Name,
		recurrence,
		schedule.TimeOfDay.String(),
		schedule.Timezone,
		dateValue(schedule.StartDate),
		dateValue(schedule.EndDate),
		window,
		schedule.SkipWeekends,
		schedule.SkipHolidays,
		blackoutJSON,
		schedule.NextScheduledAt,
		schedule.LastExecutedAt,
		schedule.Active,
		schedule.Unsatisfiable,
		schedule.CreatedAt,
		schedule.UpdatedAt,
	)
	if err != nil {
		r.logger.ErrorContext(ctx, "failed to save schedule", "schedule_id", schedule.ID, "error", err)

		return fmt.Errorf("failed to save schedule: %w", err)
	}

	return nil
}

func (r *ScheduleRepository) GetByID(ctx context.Context, id string) (*models.Schedule, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE id = $1`, id)

	schedule, err := scanSchedule(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrScheduleNotFound
		}

		return nil, persistence.NewRecordError("GetByID", "schedule", id, err)
	}

	return schedule, nil
}

func (r *ScheduleRepository) List(ctx context.Context) ([]*models.Schedule, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+scheduleColumns+` FROM schedules ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query schedules: %w", err)
	}

	return collect(ctx, r.logger, rows, scanSchedule)
}

func (r *ScheduleRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete schedule: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if affected == 0 {
		return persistence.ErrScheduleNotFound
	}

	return nil
}

// ClaimDue locks the earliest due schedule with FOR UPDATE SKIP LOCKED so
// concurrent scheduler instances never claim the same row, then stores the
// advanced state in the same transaction.
func (r *ScheduleRepository) ClaimDue(ctx context.Context, now time.Time, advance persistence.AdvanceFunc) (*persistence.Claim, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin claim transaction: %w", err)
	}

	defer rollback(ctx, r.logger, tx)

	row := tx.QueryRowContext(ctx, `
		SELECT `+scheduleColumns+`
		FROM schedules
		WHERE active = true AND next_scheduled_at <= $1
		ORDER BY next_scheduled_at ASC, id ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED`, now)

	schedule, err := scanSchedule(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to select due schedule: %w", err)
	}

	exceptions, err := listExceptions(ctx, r.logger, tx, schedule.ID)
	if err != nil {
		return nil, err
	}

	snapshot := *schedule
	next := advance(schedule, exceptions, now)

	active := snapshot.Active
	if next.Unsatisfiable {
		active = false
		next.Next = nil
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE schedules
		SET next_scheduled_at = $2, last_executed_at = $3, active = $4, unsatisfiable = $5, updated_at = $6
		WHERE id = $1`,
		snapshot.ID, next.Next, now, active, snapshot.Unsatisfiable || next.Unsatisfiable, time.Now().UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to advance schedule %s: %w", snapshot.ID, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}

	return &persistence.Claim{Schedule: &snapshot, Exceptions: exceptions}, nil
}

func (r *ScheduleRepository) SaveException(ctx context.Context, exception *models.ScheduleException) error {
	if exception.CreatedAt.IsZero() {
		exception.CreatedAt = time.Now().UTC()
	}

	override, err := nullableJSON(exception.OverrideConfig, exception.OverrideConfig == nil)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO schedule_exceptions (id, schedule_id, kind, applies_from, applies_to, replacement_time, override_config, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			kind = EXCLUDED.kind,
			applies_from = EXCLUDED.applies_from,
			applies_to = EXCLUDED.applies_to,
			replacement_time = EXCLUDED.replacement_time,
			override_config = EXCLUDED.override_config,
			reason = EXCLUDED.reason`,
		exception.ID,
		exception.ScheduleID,
		exception.Kind,
		dateValue(exception.AppliesTo.Start),
		dateValue(exception.AppliesTo.End),
		exception.ReplacementTime,
		override,
		exception.Reason,
		exception.CreatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == foreignKeyViolation {
			return persistence.ErrScheduleNotFound
		}

		return fmt.Errorf("failed to save schedule exception: %w", err)
	}

	return nil
}

func (r *ScheduleRepository) DeleteException(ctx context.Context, scheduleID, exceptionID string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM schedule_exceptions WHERE schedule_id = $1 AND id = $2`, scheduleID, exceptionID)
	if err != nil {
		return fmt.Errorf("failed to delete schedule exception: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if affected == 0 {
		return persistence.ErrExceptionNotFound
	}

	return nil
}

func (r *ScheduleRepository) Exceptions(ctx context.Context, scheduleID string) ([]models.ScheduleException, error) {
	return listExceptions(ctx, r.logger, r.db, scheduleID)
}

func listExceptions(ctx context.Context, logger *slog.Logger, q querier, scheduleID string) ([]models.ScheduleException, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, schedule_id, kind, applies_from, applies_to, replacement_time, override_config, reason, created_at
		FROM schedule_exceptions
		WHERE schedule_id = $1
		ORDER BY created_at, id`, scheduleID)
	if err != nil {
		return nil, fmt.Errorf("failed to query schedule exceptions: %w", err)
	}

	return collect(ctx, logger, rows, scanException)
}

func scanSchedule(row scanner) (*models.Schedule, error) {
	var (
		schedule                   models.Schedule
		recurrence, blackouts      []byte
		window                     []byte
		timeOfDay                  string
		startDate, endDate         sql.NullTime
		nextScheduled, lastExecute sql.NullTime
	)

	err := row.Scan(
		&schedule.ID,
		&schedule.AutomationID,
		&schedule.Name,
		&recurrence,
		&timeOfDay,
		&schedule.Timezone,
		&startDate,
		&endDate,
		&window,
		&schedule.SkipWeekends,
		&schedule.SkipHolidays,
		&blackouts,
		&nextScheduled,
		&lastExecute,
		&schedule.Active,
		&schedule.Unsatisfiable,
		&schedule.CreatedAt,
		&schedule.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := fromJSON(recurrence, &schedule.Recurrence); err != nil {
		return nil, err
	}

	if err := fromJSON(blackouts, &schedule.BlackoutRanges); err != nil {
		return nil, err
	}

	if len(window) > 0 {
		schedule.ExecutionWindow = &models.ExecutionWindow{}
		if err := fromJSON(window, schedule.ExecutionWindow); err != nil {
			return nil, err
		}
	}

	schedule.TimeOfDay, err = models.ParseClock(timeOfDay)
	if err != nil {
		return nil, err
	}

	schedule.StartDate = dateFrom(startDate)
	schedule.EndDate = dateFrom(endDate)
	schedule.NextScheduledAt = timePtr(nextScheduled)
	schedule.LastExecutedAt = timePtr(lastExecute)

	return &schedule, nil
}

func scanException(row scanner) (models.ScheduleException, error) {
	var (
		exception   models.ScheduleException
		from, to    sql.NullTime
		replacement sql.NullTime
		override    []byte
	)

	err := row.Scan(
		&exception.ID,
		&exception.ScheduleID,
		&exception.Kind,
		&from,
		&to,
		&replacement,
		&override,
		&exception.Reason,
		&exception.CreatedAt,
	)
	if err != nil {
		return exception, fmt.Errorf("failed to scan schedule exception: %w", err)
	}

	exception.AppliesTo = models.DateRange{Start: dateFrom(from), End: dateFrom(to)}
	exception.ReplacementTime = timePtr(replacement)

	if err := fromJSON(override, &exception.OverrideConfig); err != nil {
		return exception, err
	}

	return exception, nil
}
