package scheduler_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukex/courier/pkg/events"
	"github.com/dukex/courier/pkg/log"
	"github.com/dukex/courier/pkg/mocks"
	"github.com/dukex/courier/pkg/models"
	"github.com/dukex/courier/pkg/scheduler"
)

func TestScheduler_TickFiresDueSchedules(t *testing.T) {
	store, _ := newStore(t)
	ctx := context.Background()
	bus := mocks.NewPublishingEventBus()
	d := &fakeDispatcher{}
	s := scheduler.New(store, d, bus, log.Discard())

	first, err := store.Create(ctx, daily(true))
	require.NoError(t, err)

	second := daily(true)
	second.TimeOfDay = models.MustClock("12:00")
	second, err = store.Create(ctx, second)
	require.NoError(t, err)

	_, err = store.AddException(ctx, &models.ScheduleException{
		ScheduleID:     first.ID,
		Kind:           models.ExceptionModify,
		AppliesTo:      models.SingleDay(models.MustDate("2026-10-16")),
		OverrideConfig: map[string]any{"coupon": "FRIDAY"},
	})
	require.NoError(t, err)

	fired, err := s.Tick(ctx, at(16))
	require.NoError(t, err)
	assert.Equal(t, 2, fired)
	require.Len(t, d.requests, 2)

	// the 12:00 schedule was due since yesterday and is claimed first
	assert.Equal(t, second.ID, d.requests[0].ScheduleID)
	assert.Nil(t, d.requests[0].OverrideConfig)

	req := d.requests[1]
	assert.Equal(t, "auto-1", req.AutomationID)
	assert.Equal(t, first.ID, req.ScheduleID)
	assert.Equal(t, models.TriggeredBySchedule, req.Trigger)
	assert.Equal(t, map[string]any{"coupon": "FRIDAY"}, req.OverrideConfig)

	firedEvents := bus.PublishedOfType(events.ScheduleFiredEvent)
	require.Len(t, firedEvents, 2)

	event, ok := firedEvents[1].(events.ScheduleFired)
	require.True(t, ok)
	assert.Equal(t, first.ID, event.ScheduleID)
	assert.Equal(t, at(16), event.FiredAt)
	require.NotNil(t, event.NextAt)
	assert.Equal(t, at(17), *event.NextAt)
	assert.Equal(t, "exec-"+first.ID, event.ExecutionID)

	fired, err = s.Tick(ctx, at(16))
	require.NoError(t, err)
	assert.Zero(t, fired)

	fired, err = s.Tick(ctx, time.Date(2026, 10, 17, 13, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, 2, fired)
	require.Len(t, d.requests, 4)
	assert.Nil(t, d.requests[2].OverrideConfig)
	assert.Nil(t, d.requests[3].OverrideConfig)
}

func TestScheduler_DispatchFailureStillAdvances(t *testing.T) {
	store, p := newStore(t)
	ctx := context.Background()
	bus := mocks.NewPublishingEventBus()
	s := scheduler.New(store, &fakeDispatcher{err: errDispatch}, bus, log.Discard())

	created, err := store.Create(ctx, daily(true))
	require.NoError(t, err)

	fired, err := s.Tick(ctx, at(16))
	require.ErrorIs(t, err, errDispatch)
	assert.Equal(t, 1, fired)
	assert.Empty(t, bus.PublishedOfType(events.ScheduleFiredEvent))

	stored, err := p.ScheduleRepository().GetByID(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, at(17), *stored.NextScheduledAt)
}

func TestScheduler_OnceScheduleFinishes(t *testing.T) {
	store, p := newStore(t)
	ctx := context.Background()
	bus := mocks.NewPublishingEventBus()
	d := &fakeDispatcher{}
	s := scheduler.New(store, d, bus, log.Discard())

	runAt := at(20)
	once := daily(true)
	once.Recurrence = models.Recurrence{Type: models.RecurrenceOnce, RunAt: &runAt}

	created, err := store.Create(ctx, once)
	require.NoError(t, err)
	require.Equal(t, runAt, *created.NextScheduledAt)

	fired, err := s.Tick(ctx, runAt.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, fired)

	stored, err := p.ScheduleRepository().GetByID(ctx, created.ID)
	require.NoError(t, err)
	assert.Nil(t, stored.NextScheduledAt)
	assert.False(t, stored.Unsatisfiable)
	assert.Empty(t, bus.PublishedOfType(events.ScheduleUnsatisfiableEvent))

	fired, err = s.Tick(ctx, runAt.AddDate(1, 0, 0))
	require.NoError(t, err)
	assert.Zero(t, fired)
}

func TestScheduler_UnsatisfiableAfterFire(t *testing.T) {
	store, p := newStore(t)
	ctx := context.Background()
	bus := mocks.NewPublishingEventBus()
	s := scheduler.New(store, &fakeDispatcher{}, bus, log.Discard())

	created, err := store.Create(ctx, daily(true))
	require.NoError(t, err)

	// stored directly so the store does not replan before the claim
	require.NoError(t, p.ScheduleRepository().SaveException(ctx, &models.ScheduleException{
		ID:         "blocked",
		ScheduleID: created.ID,
		Kind:       models.ExceptionSkip,
		AppliesTo:  models.DateRange{Start: models.MustDate("2026-10-17"), End: models.MustDate("2028-12-31")},
	}))

	fired, err := s.Tick(ctx, at(16))
	require.NoError(t, err)
	assert.Equal(t, 1, fired)
	assert.Len(t, bus.PublishedOfType(events.ScheduleFiredEvent), 1)
	assert.Len(t, bus.PublishedOfType(events.ScheduleUnsatisfiableEvent), 1)

	stored, err := p.ScheduleRepository().GetByID(ctx, created.ID)
	require.NoError(t, err)
	assert.False(t, stored.Active)
	assert.True(t, stored.Unsatisfiable)
}

type countingSweeper struct {
	calls chan struct{}
}

func (c *countingSweeper) SweepSLA(context.Context) (int, error) {
	c.calls <- struct{}{}

	return 0, nil
}

func TestScheduler_RunSweepsSLA(t *testing.T) {
	store, _ := newStore(t)
	sweeper := &countingSweeper{calls: make(chan struct{}, 8)}
	s := scheduler.New(store, &fakeDispatcher{}, mocks.NewPublishingEventBus(), log.Discard(),
		scheduler.WithTickInterval(time.Hour),
		scheduler.WithSLASweep(sweeper, 10*time.Millisecond),
		scheduler.WithClock(func() time.Time { return now }))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() { done <- s.Run(ctx) }()

	select {
	case <-sweeper.calls:
	case <-time.After(2 * time.Second):
		t.Fatal("sla sweep never ran")
	}

	cancel()
	require.NoError(t, <-done)
}

type countingReaper struct {
	leases chan time.Duration
}

func (c *countingReaper) ReclaimStale(_ context.Context, lease time.Duration) (int, error) {
	c.leases <- lease

	return 1, nil
}

func TestScheduler_RunReclaimsStaleTasks(t *testing.T) {
	store, _ := newStore(t)
	reaper := &countingReaper{leases: make(chan time.Duration, 8)}
	s := scheduler.New(store, &fakeDispatcher{}, mocks.NewPublishingEventBus(), log.Discard(),
		scheduler.WithTickInterval(time.Hour),
		scheduler.WithTaskReaper(reaper, 5*time.Minute, 10*time.Millisecond),
		scheduler.WithClock(func() time.Time { return now }))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() { done <- s.Run(ctx) }()

	select {
	case lease := <-reaper.leases:
		assert.Equal(t, 5*time.Minute, lease)
	case <-time.After(2 * time.Second):
		t.Fatal("task reaper never ran")
	}

	cancel()
	require.NoError(t, <-done)
}
