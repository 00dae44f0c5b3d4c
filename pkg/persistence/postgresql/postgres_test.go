//go:build integration

package postgresql_test

import (
	"context"
	"database/sql"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/dukex/courier/pkg/models"
	"github.com/dukex/courier/pkg/persistence"
	"github.com/dukex/courier/pkg/persistence/postgresql"
	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

var postgresContainer *postgres.PostgresContainer

var tables = []string{
	"schedule_exceptions", "schedules", "recipient_tasks", "executions", "automations",
	"flows", "conversations", "queues", "triggers", "contacts", "schema_migrations",
}

func dropDb(ctx context.Context, t *testing.T, databaseURL string) {
	t.Helper()

	db, err := sql.Open("postgres", databaseURL)
	require.NoError(t, err)

	for _, table := range tables {
		_, err = db.ExecContext(ctx, "DROP TABLE IF EXISTS "+table+" CASCADE")
		require.NoError(t, err)
	}

	require.NoError(t, db.Close())
}

func setupTestDB(t *testing.T) (*postgresql.Persistence, context.Context) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)

	if postgresContainer == nil || !postgresContainer.IsRunning() {
		var err error

		postgresContainer, err = postgres.Run(ctx,
			"postgres:16-alpine",
			postgres.WithDatabase("courier_test"),
			postgres.WithUsername("courier"),
			postgres.WithPassword("courier"),
			postgres.BasicWaitStrategies(),
		)
		require.NoError(t, err)
	}

	databaseURL, err := postgresContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	dropDb(ctx, t, databaseURL)

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	p, err := postgresql.NewPersistence(ctx, logger, databaseURL)
	require.NoError(t, err)

	t.Cleanup(func() {
		dropDb(ctx, t, databaseURL)
		require.NoError(t, p.Close(ctx))
		cancel()
	})

	return p, ctx
}

func dailySchedule(next time.Time) *models.Schedule {
	return &models.Schedule{
		ID:              uuid.NewString(),
		AutomationID:    "automation-1",
		Recurrence:      models.Recurrence{Type: models.RecurrenceDaily, IntervalDays: 1},
		TimeOfDay:       models.MustClock("09:00"),
		Timezone:        "UTC",
		StartDate:       models.MustDate("2026-01-01"),
		BlackoutRanges:  []models.DateRange{{Start: models.MustDate("2026-12-24"), End: models.MustDate("2026-12-26")}},
		NextScheduledAt: &next,
		Active:          true,
	}
}

func TestNewPersistence_Migrations(t *testing.T) {
	p, ctx := setupTestDB(t)

	require.NoError(t, p.HealthCheck(ctx))
}

func TestScheduleRepository_RoundTrip(t *testing.T) {
	p, ctx := setupTestDB(t)
	repo := p.ScheduleRepository()

	schedule := dailySchedule(time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC))
	require.NoError(t, repo.Save(ctx, schedule))

	got, err := repo.GetByID(ctx, schedule.ID)
	require.NoError(t, err)
	assert.Equal(t, schedule.Recurrence.Type, got.Recurrence.Type)
	assert.Equal(t, schedule.TimeOfDay, got.TimeOfDay)
	assert.Equal(t, schedule.StartDate, got.StartDate)
	assert.True(t, got.EndDate.IsZero())
	assert.Equal(t, schedule.BlackoutRanges, got.BlackoutRanges)
	assert.True(t, schedule.NextScheduledAt.Equal(*got.NextScheduledAt))

	_, err = repo.GetByID(ctx, "missing")
	assert.ErrorIs(t, err, persistence.ErrScheduleNotFound)
	assert.True(t, persistence.IsNotFound(err))

	require.NoError(t, repo.Delete(ctx, schedule.ID))
	assert.ErrorIs(t, repo.Delete(ctx, schedule.ID), persistence.ErrScheduleNotFound)
}

func TestScheduleRepository_ClaimDueOnce(t *testing.T) {
	p, ctx := setupTestDB(t)
	repo := p.ScheduleRepository()

	due := time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC)
	schedule := dailySchedule(due)
	require.NoError(t, repo.Save(ctx, schedule))

	next := due.AddDate(0, 0, 1)
	advance := func(*models.Schedule, []models.ScheduleException, time.Time) persistence.Advance {
		return persistence.Advance{Next: &next}
	}

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		claims int
	)

	for range 8 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			claim, err := repo.ClaimDue(ctx, due.Add(time.Minute), advance)
			assert.NoError(t, err)

			if claim != nil {
				mu.Lock()
				claims++
				mu.Unlock()
			}
		}()
	}

	wg.Wait()
	assert.Equal(t, 1, claims)

	got, err := repo.GetByID(ctx, schedule.ID)
	require.NoError(t, err)
	assert.True(t, next.Equal(*got.NextScheduledAt))
	require.NotNil(t, got.LastExecutedAt)
}

func TestScheduleRepository_ClaimDueUnsatisfiable(t *testing.T) {
	p, ctx := setupTestDB(t)
	repo := p.ScheduleRepository()

	due := time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC)
	schedule := dailySchedule(due)
	require.NoError(t, repo.Save(ctx, schedule))

	claim, err := repo.ClaimDue(ctx, due, func(*models.Schedule, []models.ScheduleException, time.Time) persistence.Advance {
		return persistence.Advance{Unsatisfiable: true}
	})
	require.NoError(t, err)
	require.NotNil(t, claim)

	got, err := repo.GetByID(ctx, schedule.ID)
	require.NoError(t, err)
	assert.False(t, got.Active)
	assert.True(t, got.Unsatisfiable)
	assert.Nil(t, got.NextScheduledAt)
}

func TestScheduleRepository_Exceptions(t *testing.T) {
	p, ctx := setupTestDB(t)
	repo := p.ScheduleRepository()

	schedule := dailySchedule(time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC))
	require.NoError(t, repo.Save(ctx, schedule))

	replacement := time.Date(2026, 10, 20, 14, 0, 0, 0, time.UTC)
	exception := &models.ScheduleException{
		ID:              uuid.NewString(),
		ScheduleID:      schedule.ID,
		Kind:            models.ExceptionReschedule,
		AppliesTo:       models.SingleDay(models.MustDate("2026-10-19")),
		ReplacementTime: &replacement,
	}
	require.NoError(t, repo.SaveException(ctx, exception))

	orphan := *exception
	orphan.ID = uuid.NewString()
	orphan.ScheduleID = "missing"
	assert.ErrorIs(t, repo.SaveException(ctx, &orphan), persistence.ErrScheduleNotFound)

	exceptions, err := repo.Exceptions(ctx, schedule.ID)
	require.NoError(t, err)
	require.Len(t, exceptions, 1)
	assert.Equal(t, models.ExceptionReschedule, exceptions[0].Kind)
	assert.Equal(t, models.MustDate("2026-10-19"), exceptions[0].AppliesTo.Start)
	assert.True(t, replacement.Equal(*exceptions[0].ReplacementTime))

	require.NoError(t, repo.DeleteException(ctx, schedule.ID, exception.ID))

	exceptions, err = repo.Exceptions(ctx, schedule.ID)
	require.NoError(t, err)
	assert.Empty(t, exceptions)
}

func TestExecutionRepository_Counters(t *testing.T) {
	p, ctx := setupTestDB(t)
	executions := p.ExecutionRepository()
	tasks := p.RecipientTaskRepository()

	execution := &models.Execution{
		ID:               uuid.NewString(),
		FlowID:           "flow-1",
		Trigger:          models.TriggeredManually,
		Status:           models.ExecutionRunning,
		RecipientTotal:   3,
		RecipientPending: 3,
		CreatedAt:        time.Now().UTC(),
	}

	batch := make([]*models.RecipientTask, 0, 3)
	for _, contact := range []string{"c1", "c2", "c3"} {
		batch = append(batch, &models.RecipientTask{
			ID:          uuid.NewString(),
			ExecutionID: execution.ID,
			ContactRef:  contact,
			Status:      models.TaskPending,
			CreatedAt:   time.Now().UTC(),
		})
	}

	require.NoError(t, executions.Create(ctx, execution, batch))

	for _, outcome := range []models.RecipientOutcome{models.OutcomeSucceeded, models.OutcomeFailed, models.OutcomeSucceeded} {
		_, err := executions.RecordOutcome(ctx, execution.ID, outcome)
		require.NoError(t, err)
	}

	got, err := executions.GetByID(ctx, execution.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.RecipientSucceeded)
	assert.Equal(t, 1, got.RecipientFailed)
	assert.Equal(t, 0, got.RecipientPending)
	assert.Equal(t, models.ExecutionPartialFailure, got.TerminalStatus())

	finished, err := executions.Finalize(ctx, execution.ID, got.TerminalStatus(), time.Now().UTC())
	require.NoError(t, err)
	assert.True(t, finished)

	finished, err = executions.Finalize(ctx, execution.ID, models.ExecutionCompleted, time.Now().UTC())
	require.NoError(t, err)
	assert.False(t, finished)

	_, err = executions.Cancel(ctx, execution.ID)
	assert.ErrorIs(t, err, persistence.ErrExecutionFinished)

	task, claimed, err := tasks.Claim(ctx, batch[0].ID, time.Now().UTC())
	require.NoError(t, err)
	assert.True(t, claimed)
	assert.Equal(t, models.TaskProcessing, task.Status)

	_, claimed, err = tasks.Claim(ctx, batch[0].ID, time.Now().UTC())
	require.NoError(t, err)
	assert.False(t, claimed)
}

func TestRecipientTaskRepository_ReleaseStale(t *testing.T) {
	p, ctx := setupTestDB(t)
	tasks := p.RecipientTaskRepository()

	execution := &models.Execution{
		ID:               uuid.NewString(),
		FlowID:           "flow-1",
		Trigger:          models.TriggeredManually,
		Status:           models.ExecutionRunning,
		RecipientTotal:   2,
		RecipientPending: 2,
		CreatedAt:        time.Now().UTC(),
	}

	abandoned := &models.RecipientTask{ID: uuid.NewString(), ExecutionID: execution.ID, ContactRef: "c1", Status: models.TaskPending}
	busy := &models.RecipientTask{ID: uuid.NewString(), ExecutionID: execution.ID, ContactRef: "c2", Status: models.TaskPending}
	require.NoError(t, p.ExecutionRepository().Create(ctx, execution, []*models.RecipientTask{abandoned, busy}))

	base := time.Date(2026, 10, 15, 10, 0, 0, 0, time.UTC)

	_, claimed, err := tasks.Claim(ctx, abandoned.ID, base)
	require.NoError(t, err)
	require.True(t, claimed)

	_, claimed, err = tasks.Claim(ctx, busy.ID, base.Add(9*time.Minute))
	require.NoError(t, err)
	require.True(t, claimed)

	released, err := tasks.ReleaseStale(ctx, base.Add(5*time.Minute), base.Add(10*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, released, 1)
	assert.Equal(t, abandoned.ID, released[0].ID)
	assert.Equal(t, models.TaskPending, released[0].Status)

	released, err = tasks.ReleaseStale(ctx, base.Add(5*time.Minute), base.Add(10*time.Minute), 10)
	require.NoError(t, err)
	assert.Empty(t, released)
}

func TestConversationRepository_Queue(t *testing.T) {
	p, ctx := setupTestDB(t)
	conversations := p.ConversationRepository()

	require.NoError(t, p.QueueRepository().Save(ctx, &models.Queue{ID: "support", Name: "Support", MaxQueueSize: 2, Active: true}))

	base := time.Date(2026, 10, 15, 10, 0, 0, 0, time.UTC)

	for _, id := range []string{"conv-1", "conv-2", "conv-3"} {
		require.NoError(t, conversations.Save(ctx, &models.Conversation{
			ID:          id,
			ContactRef:  "contact-" + id,
			Status:      models.ConversationBotActive,
			IsBotActive: true,
		}))
	}

	ok, err := conversations.TryEnqueue(ctx, "conv-1", "support", 2, 2, base)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = conversations.TryEnqueue(ctx, "conv-2", "support", 4, 2, base.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = conversations.TryEnqueue(ctx, "conv-3", "support", 4, 2, base.Add(2*time.Minute))
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, conversations.ForceEnqueue(ctx, "conv-3", "support", 4, base.Add(2*time.Minute)))

	queued, err := conversations.ListQueued(ctx, "support")
	require.NoError(t, err)
	require.Len(t, queued, 3)
	assert.Equal(t, "conv-2", queued[0].ID)
	assert.Equal(t, "conv-3", queued[1].ID)
	assert.Equal(t, "conv-1", queued[2].ID)
	assert.False(t, queued[0].IsBotActive)

	claimed, err := conversations.ClaimNext(ctx, "support", "agent-1", base.Add(time.Hour))
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, "conv-2", claimed.ID)
	assert.Equal(t, models.ConversationActive, claimed.Status)

	active, err := conversations.CountActiveByAgent(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, 1, active)

	count, err := conversations.CountQueued(ctx, "support")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestConversationRepository_MarkSLABreached(t *testing.T) {
	p, ctx := setupTestDB(t)
	conversations := p.ConversationRepository()

	base := time.Date(2026, 10, 15, 10, 0, 0, 0, time.UTC)

	require.NoError(t, conversations.Save(ctx, &models.Conversation{
		ID: "conv-1", ContactRef: "contact-1", Status: models.ConversationBotActive, IsBotActive: true,
	}))
	require.NoError(t, conversations.ForceEnqueue(ctx, "conv-1", "support", 2, base))

	marked, err := conversations.MarkSLABreached(ctx, "conv-1", base, base.Add(11*time.Minute))
	require.NoError(t, err)
	assert.True(t, marked)

	marked, err = conversations.MarkSLABreached(ctx, "conv-1", base, base.Add(12*time.Minute))
	require.NoError(t, err)
	assert.False(t, marked)

	requeued := base.Add(20 * time.Minute)
	require.NoError(t, conversations.ForceEnqueue(ctx, "conv-1", "billing", 2, requeued))

	conversation, err := conversations.GetByID(ctx, "conv-1")
	require.NoError(t, err)
	assert.Nil(t, conversation.SLABreachedAt)

	marked, err = conversations.MarkSLABreached(ctx, "conv-1", requeued, base.Add(31*time.Minute))
	require.NoError(t, err)
	assert.True(t, marked)
}

func TestTriggerRepository_ListActive(t *testing.T) {
	p, ctx := setupTestDB(t)
	repo := p.TriggerRepository()

	for _, trigger := range []*models.Trigger{
		{ID: "a", Name: "a", Type: models.TriggerKeyword, Priority: 1, Active: true, Keywords: []string{"hi"}, Target: models.TriggerTarget{FlowID: "f"}},
		{ID: "b", Name: "b", Type: models.TriggerKeyword, Priority: 1, Active: true, Keywords: []string{"hi"}, Target: models.TriggerTarget{FlowID: "f"}},
		{ID: "c", Name: "c", Type: models.TriggerKeyword, Priority: 5, Active: true, Keywords: []string{"hi"}, Target: models.TriggerTarget{FlowID: "f"}},
		{ID: "d", Name: "d", Type: models.TriggerKeyword, Priority: 9, Active: false, Keywords: []string{"hi"}, Target: models.TriggerTarget{FlowID: "f"}},
	} {
		require.NoError(t, repo.Save(ctx, trigger))
	}

	active, err := repo.ListActive(ctx, models.TriggerKeyword)
	require.NoError(t, err)

	ids := make([]string, 0, len(active))
	for _, trigger := range active {
		ids = append(ids, trigger.ID)
	}

	assert.Equal(t, []string{"c", "a", "b"}, ids)
	assert.Equal(t, []string{"hi"}, active[0].Keywords)
}
