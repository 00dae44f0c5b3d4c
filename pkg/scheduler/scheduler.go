package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/dukex/courier/pkg/dispatcher"
	"github.com/dukex/courier/pkg/eventbus"
	"github.com/dukex/courier/pkg/events"
	"github.com/dukex/courier/pkg/models"
	"github.com/dukex/courier/pkg/persistence"
	"github.com/dukex/courier/pkg/recurrence"
	"github.com/dukex/courier/pkg/trigger"
)

const (
	DefaultTickInterval = 15 * time.Second
	DefaultSLAInterval  = time.Minute
	DefaultReapInterval = time.Minute
)

// Dispatcher starts automation runs.
type Dispatcher interface {
	Dispatch(ctx context.Context, req dispatcher.Request) (*models.Execution, error)
}

// EventHandler receives schedule events for schedule triggers.
type EventHandler interface {
	Handle(ctx context.Context, event *models.Event) (*trigger.Result, error)
}

// SLASweeper reports SLA violations of every queue.
type SLASweeper interface {
	SweepSLA(ctx context.Context) (int, error)
}

// TaskReaper hands back recipient tasks abandoned by dead workers.
type TaskReaper interface {
	ReclaimStale(ctx context.Context, lease time.Duration) (int, error)
}

// Scheduler is the periodic tick. Several instances may run at once; the
// store's atomic claim keeps each due schedule firing exactly once.
type Scheduler struct {
	store        *Store
	dispatcher   Dispatcher
	publisher    eventbus.EventPublisher
	triggers     EventHandler
	sla          SLASweeper
	reaper       TaskReaper
	logger       *slog.Logger
	tickInterval time.Duration
	slaInterval  time.Duration
	reapInterval time.Duration
	taskLease    time.Duration
	now          func() time.Time
}

type Option func(*Scheduler)

func WithTickInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.tickInterval = d
		}
	}
}

func WithSLASweep(sweeper SLASweeper, interval time.Duration) Option {
	return func(s *Scheduler) {
		s.sla = sweeper

		if interval > 0 {
			s.slaInterval = interval
		}
	}
}

// WithTaskReaper reclaims tasks held longer than lease, checking every
// interval.
func WithTaskReaper(reaper TaskReaper, lease, interval time.Duration) Option {
	return func(s *Scheduler) {
		s.reaper = reaper
		s.taskLease = lease

		if interval > 0 {
			s.reapInterval = interval
		}
	}
}

func WithTriggers(handler EventHandler) Option {
	return func(s *Scheduler) {
		s.triggers = handler
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		s.now = now
	}
}

func New(store *Store, d Dispatcher, publisher eventbus.EventPublisher, logger *slog.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:        store,
		dispatcher:   d,
		publisher:    publisher,
		logger:       logger.With("module", "scheduler"),
		tickInterval: DefaultTickInterval,
		slaInterval:  DefaultSLAInterval,
		reapInterval: DefaultReapInterval,
		now:          time.Now,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Run ticks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.InfoContext(ctx, "starting scheduler", "tick_interval", s.tickInterval)

	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	var slaTick <-chan time.Time

	if s.sla != nil {
		slaTicker := time.NewTicker(s.slaInterval)
		defer slaTicker.Stop()

		slaTick = slaTicker.C
	}

	var reapTick <-chan time.Time

	if s.reaper != nil {
		reapTicker := time.NewTicker(s.reapInterval)
		defer reapTicker.Stop()

		reapTick = reapTicker.C
	}

	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.InfoContext(ctx, "scheduler stopped")

			return nil
		case <-ticker.C:
			s.tick(ctx)
		case <-slaTick:
			if n, err := s.sla.SweepSLA(ctx); err != nil {
				s.logger.ErrorContext(ctx, "sla sweep failed", "error", err)
			} else if n > 0 {
				s.logger.InfoContext(ctx, "sla violations reported", "count", n)
			}
		case <-reapTick:
			if n, err := s.reaper.ReclaimStale(ctx, s.taskLease); err != nil {
				s.logger.ErrorContext(ctx, "task reclaim failed", "error", err)
			} else if n > 0 {
				s.logger.WarnContext(ctx, "stale tasks reclaimed", "count", n)
			}
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	fired, err := s.Tick(ctx, s.now())
	if err != nil {
		s.logger.ErrorContext(ctx, "scheduler tick failed", "error", err)
	}

	if fired > 0 {
		s.logger.InfoContext(ctx, "scheduler tick", "fired", fired)
	}
}

// Tick claims and fires schedules until nothing is due at now. A failure to
// start one run does not stop the others.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) (int, error) {
	fired := 0

	var errs []error

	for {
		if err := ctx.Err(); err != nil {
			return fired, err
		}

		claim, advance, err := s.store.ClaimDue(ctx, now)
		if err != nil {
			return fired, errors.Join(append(errs, err)...)
		}

		if claim == nil {
			return fired, errors.Join(errs...)
		}

		fired++

		if err := s.fire(ctx, claim, advance, now); err != nil {
			errs = append(errs, err)
		}
	}
}

func (s *Scheduler) fire(ctx context.Context, claim *persistence.Claim, advance persistence.Advance, now time.Time) error {
	schedule := claim.Schedule
	firedAt := now

	if schedule.NextScheduledAt != nil {
		firedAt = *schedule.NextScheduledAt
	}

	logger := s.logger.With("schedule_id", schedule.ID, "automation_id", schedule.AutomationID, "fired_at", firedAt)

	if advance.Unsatisfiable {
		logger.WarnContext(ctx, "schedule disabled as unsatisfiable")
		s.publish(ctx, schedule.ID, events.ScheduleUnsatisfiable{
			BaseEvent:    events.NewBaseEvent(events.ScheduleUnsatisfiableEvent),
			ScheduleID:   schedule.ID,
			AutomationID: schedule.AutomationID,
		})
	}

	execution, err := s.dispatcher.Dispatch(ctx, dispatcher.Request{
		AutomationID:   schedule.AutomationID,
		ScheduleID:     schedule.ID,
		Trigger:        models.TriggeredBySchedule,
		OverrideConfig: recurrence.OverrideFor(schedule, claim.Exceptions, firedAt),
	})
	if err != nil {
		logger.ErrorContext(ctx, "failed to dispatch scheduled run", "error", err)

		return err
	}

	logger.InfoContext(ctx, "schedule fired", "execution_id", execution.ID, "next_at", advance.Next)
	s.publish(ctx, schedule.ID, events.ScheduleFired{
		BaseEvent:    events.NewBaseEvent(events.ScheduleFiredEvent),
		ScheduleID:   schedule.ID,
		AutomationID: schedule.AutomationID,
		ExecutionID:  execution.ID,
		FiredAt:      firedAt,
		NextAt:       advance.Next,
	})

	if s.triggers != nil {
		_, err := s.triggers.Handle(ctx, &models.Event{
			Type:    models.TriggerSchedule,
			Payload: map[string]any{"schedule_id": schedule.ID},
		})
		if err != nil && !errors.Is(err, trigger.ErrNoMatch) {
			logger.ErrorContext(ctx, "schedule trigger failed", "error", err)
		}
	}

	return nil
}

func (s *Scheduler) publish(ctx context.Context, key string, event eventbus.Event) {
	if s.publisher == nil {
		return
	}

	if err := s.publisher.Publish(ctx, key, event); err != nil {
		s.logger.ErrorContext(ctx, "failed to publish schedule event", "event_type", event.GetType(), "error", err)
	}
}
