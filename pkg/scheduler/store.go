// Package scheduler owns schedule records and the periodic tick that fires
// due schedules.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dukex/courier/pkg/models"
	"github.com/dukex/courier/pkg/persistence"
	"github.com/dukex/courier/pkg/recurrence"
)

// MaxPreview caps the number of fire times Preview returns.
const MaxPreview = 100

// Store keeps next_scheduled_at consistent with the recurrence calculator on
// every write, and claims due schedules atomically.
type Store struct {
	schedules  persistence.ScheduleRepository
	calculator *recurrence.Calculator
	logger     *slog.Logger
	now        func() time.Time
}

func NewStore(schedules persistence.ScheduleRepository, calculator *recurrence.Calculator, logger *slog.Logger, now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}

	return &Store{
		schedules:  schedules,
		calculator: calculator,
		logger:     logger.With("module", "schedule_store"),
		now:        now,
	}
}

func (s *Store) Get(ctx context.Context, id string) (*models.Schedule, error) {
	return s.schedules.GetByID(ctx, id)
}

// Create validates the schedule and computes its first fire time.
func (s *Store) Create(ctx context.Context, schedule *models.Schedule) (*models.Schedule, error) {
	if schedule.ID == "" {
		schedule.ID = uuid.NewString()
	}

	if err := schedule.Validate(); err != nil {
		return nil, err
	}

	s.recompute(ctx, schedule, nil)

	if err := s.schedules.Save(ctx, schedule); err != nil {
		return nil, err
	}

	return schedule, nil
}

// Update replaces the schedule's configuration and recomputes its next fire
// time. Execution history is kept.
func (s *Store) Update(ctx context.Context, id string, schedule *models.Schedule) (*models.Schedule, error) {
	current, err := s.schedules.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	schedule.ID = id
	schedule.LastExecutedAt = current.LastExecutedAt
	schedule.CreatedAt = current.CreatedAt

	if err := schedule.Validate(); err != nil {
		return nil, err
	}

	exceptions, err := s.schedules.Exceptions(ctx, id)
	if err != nil {
		return nil, err
	}

	s.recompute(ctx, schedule, exceptions)

	if err := s.schedules.Save(ctx, schedule); err != nil {
		return nil, err
	}

	return schedule, nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	return s.schedules.Delete(ctx, id)
}

// AddException stores the exception and re-plans the schedule around it.
func (s *Store) AddException(ctx context.Context, exception *models.ScheduleException) (*models.ScheduleException, error) {
	if exception.ID == "" {
		exception.ID = uuid.NewString()
	}

	if err := exception.Validate(); err != nil {
		return nil, err
	}

	if err := s.schedules.SaveException(ctx, exception); err != nil {
		return nil, err
	}

	if err := s.replan(ctx, exception.ScheduleID); err != nil {
		return exception, err
	}

	return exception, nil
}

func (s *Store) RemoveException(ctx context.Context, scheduleID, exceptionID string) error {
	if err := s.schedules.DeleteException(ctx, scheduleID, exceptionID); err != nil {
		return err
	}

	return s.replan(ctx, scheduleID)
}

func (s *Store) Exceptions(ctx context.Context, scheduleID string) ([]models.ScheduleException, error) {
	if _, err := s.schedules.GetByID(ctx, scheduleID); err != nil {
		return nil, err
	}

	return s.schedules.Exceptions(ctx, scheduleID)
}

// Preview returns the next count fire times without changing the schedule,
// starting at the stored next_scheduled_at. Claiming the schedule at each
// returned instant reproduces the same sequence.
func (s *Store) Preview(ctx context.Context, id string, count int) ([]time.Time, error) {
	schedule, err := s.schedules.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	count = min(max(count, 0), MaxPreview)
	if count == 0 || schedule.NextScheduledAt == nil {
		return []time.Time{}, nil
	}

	exceptions, err := s.schedules.Exceptions(ctx, id)
	if err != nil {
		return nil, err
	}

	first := *schedule.NextScheduledAt

	rest, err := s.calculator.Upcoming(schedule, exceptions, first, count-1)
	if err != nil && !errors.Is(err, recurrence.ErrUnsatisfiable) {
		return nil, err
	}

	return append([]time.Time{first}, rest...), nil
}

// ClaimDue claims one due schedule, advancing it in the same step. It returns
// nil when nothing is due. The returned advance tells the caller whether the
// schedule finished or became unsatisfiable.
func (s *Store) ClaimDue(ctx context.Context, now time.Time) (*persistence.Claim, persistence.Advance, error) {
	var advance persistence.Advance

	claim, err := s.schedules.ClaimDue(ctx, now, func(schedule *models.Schedule, exceptions []models.ScheduleException, at time.Time) persistence.Advance {
		advance = s.advance(ctx, schedule, exceptions, at)

		return advance
	})

	return claim, advance, err
}

func (s *Store) advance(ctx context.Context, schedule *models.Schedule, exceptions []models.ScheduleException, after time.Time) persistence.Advance {
	next, ok, err := s.calculator.Next(schedule, exceptions, after)
	if err != nil {
		s.logger.WarnContext(ctx, "schedule cannot produce a future time, disabling",
			"schedule_id", schedule.ID, "error", err)

		return persistence.Advance{Unsatisfiable: true}
	}

	if !ok {
		return persistence.Advance{}
	}

	return persistence.Advance{Next: &next}
}

func (s *Store) replan(ctx context.Context, scheduleID string) error {
	schedule, err := s.schedules.GetByID(ctx, scheduleID)
	if err != nil {
		return err
	}

	exceptions, err := s.schedules.Exceptions(ctx, scheduleID)
	if err != nil {
		return err
	}

	s.recompute(ctx, schedule, exceptions)

	return s.schedules.Save(ctx, schedule)
}

// recompute sets next_scheduled_at from now. An unsatisfiable schedule is
// stored disabled and flagged rather than rejected.
func (s *Store) recompute(ctx context.Context, schedule *models.Schedule, exceptions []models.ScheduleException) {
	schedule.NextScheduledAt = nil

	if !schedule.Active {
		return
	}

	schedule.Unsatisfiable = false

	advance := s.advance(ctx, schedule, exceptions, s.now())
	schedule.NextScheduledAt = advance.Next

	if advance.Unsatisfiable {
		schedule.Active = false
		schedule.Unsatisfiable = true
	}
}
