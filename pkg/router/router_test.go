package router_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukex/courier/pkg/events"
	"github.com/dukex/courier/pkg/log"
	"github.com/dukex/courier/pkg/mocks"
	"github.com/dukex/courier/pkg/models"
	"github.com/dukex/courier/pkg/persistence/memory"
	"github.com/dukex/courier/pkg/router"
)

type fixture struct {
	ctx    context.Context
	store  *memory.Persistence
	bus    *mocks.MockEventBus
	router *router.Router
	now    time.Time
}

func setup(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		ctx:   context.Background(),
		store: memory.NewPersistence(),
		bus:   mocks.NewPublishingEventBus(),
		now:   time.Date(2026, 10, 15, 10, 0, 0, 0, time.UTC),
	}

	f.router = router.New(f.store, log.Discard(),
		router.WithPublisher(f.bus),
		router.WithClock(func() time.Time { return f.now }))

	return f
}

func (f *fixture) queue(t *testing.T, q *models.Queue) {
	t.Helper()

	q.Active = true
	require.NoError(t, f.store.QueueRepository().Save(f.ctx, q))
}

func (f *fixture) conversations(t *testing.T, ids ...string) {
	t.Helper()

	for _, id := range ids {
		require.NoError(t, f.store.ConversationRepository().Save(f.ctx, &models.Conversation{
			ID:          id,
			ContactRef:  "contact-" + id,
			Status:      models.ConversationBotActive,
			IsBotActive: true,
		}))
	}
}

func (f *fixture) fill(t *testing.T, queueID string, n int) {
	t.Helper()

	for i := range n {
		id := fmt.Sprintf("%s-filler-%d", queueID, i)
		f.conversations(t, id)
		require.NoError(t, f.store.ConversationRepository().ForceEnqueue(f.ctx, id, queueID, 1, f.now))
	}
}

func TestAssign_DirectWhenCapacityRemains(t *testing.T) {
	f := setup(t)
	f.queue(t, &models.Queue{ID: "support", MaxQueueSize: 2})
	f.conversations(t, "conv-1")

	final, err := f.router.Assign(f.ctx, "conv-1", "support", 3)
	require.NoError(t, err)
	assert.Equal(t, "support", final)

	conv, err := f.store.ConversationRepository().GetByID(f.ctx, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, models.ConversationQueued, conv.Status)
	assert.False(t, conv.IsBotActive)
	assert.Equal(t, 3, conv.QueuePriority)
	require.NotNil(t, conv.QueuedAt)
	assert.Equal(t, f.now, *conv.QueuedAt)
}

func TestAssign_FollowsOverflow(t *testing.T) {
	f := setup(t)
	f.queue(t, &models.Queue{ID: "a", MaxQueueSize: 1, OverflowQueueID: "b"})
	f.queue(t, &models.Queue{ID: "b", MaxQueueSize: 1, OverflowQueueID: "c"})
	f.queue(t, &models.Queue{ID: "c", MaxQueueSize: 1})
	f.fill(t, "a", 1)
	f.fill(t, "b", 1)
	f.conversations(t, "conv-1")

	final, err := f.router.Assign(f.ctx, "conv-1", "a", 2)
	require.NoError(t, err)
	assert.Equal(t, "c", final)
	assert.Empty(t, f.bus.PublishedOfType(events.QueueOverflowDegradedEvent))
}

func TestAssign_FullChainDegradesToOriginalQueue(t *testing.T) {
	tests := []struct {
		name   string
		queues []*models.Queue
	}{
		{
			name: "linear chain",
			queues: []*models.Queue{
				{ID: "a", MaxQueueSize: 1, OverflowQueueID: "b"},
				{ID: "b", MaxQueueSize: 1, OverflowQueueID: "c"},
				{ID: "c", MaxQueueSize: 1},
			},
		},
		{
			name: "cyclic chain",
			queues: []*models.Queue{
				{ID: "a", MaxQueueSize: 1, OverflowQueueID: "b"},
				{ID: "b", MaxQueueSize: 1, OverflowQueueID: "c"},
				{ID: "c", MaxQueueSize: 1, OverflowQueueID: "a"},
			},
		},
		{
			name:   "no overflow configured",
			queues: []*models.Queue{{ID: "a", MaxQueueSize: 1}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setup(t)

			for _, q := range tt.queues {
				f.queue(t, q)
				f.fill(t, q.ID, 1)
			}

			f.conversations(t, "conv-1")

			final, err := f.router.Assign(f.ctx, "conv-1", "a", 2)
			require.NoError(t, err)
			assert.Equal(t, "a", final)

			queued, err := f.router.ListQueued(f.ctx, "a")
			require.NoError(t, err)
			assert.Len(t, queued, 2)

			degraded := f.bus.PublishedOfType(events.QueueOverflowDegradedEvent)
			require.Len(t, degraded, 1)

			event := degraded[0].(events.QueueOverflowDegraded)
			assert.Equal(t, "conv-1", event.ConversationID)
			assert.Len(t, event.Chain, len(tt.queues))
		})
	}
}

func TestAssign_UnknownQueue(t *testing.T) {
	f := setup(t)
	f.conversations(t, "conv-1")

	_, err := f.router.Assign(f.ctx, "conv-1", "missing", 2)
	require.Error(t, err)
}

func TestCapacityError(t *testing.T) {
	err := &router.CapacityError{ConversationID: "c", QueueID: "a", Chain: []string{"a", "b"}}

	assert.ErrorIs(t, err, router.ErrCapacity)
	assert.Contains(t, err.Error(), "a -> b")
}

func TestListQueued_Order(t *testing.T) {
	f := setup(t)
	f.queue(t, &models.Queue{ID: "support"})
	f.conversations(t, "low", "urgent-late", "urgent-early")

	_, err := f.router.Assign(f.ctx, "low", "support", models.PriorityLow.Value())
	require.NoError(t, err)

	f.now = f.now.Add(time.Minute)
	_, err = f.router.Assign(f.ctx, "urgent-early", "support", models.PriorityUrgent.Value())
	require.NoError(t, err)

	f.now = f.now.Add(time.Minute)
	_, err = f.router.Assign(f.ctx, "urgent-late", "support", models.PriorityUrgent.Value())
	require.NoError(t, err)

	queued, err := f.router.ListQueued(f.ctx, "support")
	require.NoError(t, err)

	ids := make([]string, 0, len(queued))
	for _, c := range queued {
		ids = append(ids, c.ID)
	}

	assert.Equal(t, []string{"urgent-early", "urgent-late", "low"}, ids)
}

func TestPull(t *testing.T) {
	f := setup(t)
	f.queue(t, &models.Queue{ID: "support", MaxConversationsPerAgent: 1})
	f.conversations(t, "conv-1", "conv-2")

	_, err := f.router.Assign(f.ctx, "conv-1", "support", 2)
	require.NoError(t, err)
	_, err = f.router.Assign(f.ctx, "conv-2", "support", 2)
	require.NoError(t, err)

	conv, err := f.router.Pull(f.ctx, "support", "agent-1")
	require.NoError(t, err)
	require.NotNil(t, conv)
	assert.Equal(t, "conv-1", conv.ID)
	assert.Equal(t, models.ConversationActive, conv.Status)
	assert.Equal(t, "agent-1", conv.AssignedAgentID)

	_, err = f.router.Pull(f.ctx, "support", "agent-1")
	require.ErrorIs(t, err, router.ErrAgentAtCapacity)

	require.NoError(t, f.router.Close(f.ctx, "conv-1"))

	conv, err = f.router.Pull(f.ctx, "support", "agent-1")
	require.NoError(t, err)
	require.NotNil(t, conv)
	assert.Equal(t, "conv-2", conv.ID)

	require.NoError(t, f.router.Close(f.ctx, "conv-2"))

	conv, err = f.router.Pull(f.ctx, "support", "agent-1")
	require.NoError(t, err)
	assert.Nil(t, conv)
}

func TestPull_BusinessHours(t *testing.T) {
	f := setup(t)
	f.queue(t, &models.Queue{
		ID: "support",
		BusinessHours: &models.BusinessHours{
			Timezone: "UTC",
			Windows: []models.BusinessHoursWindow{
				{Weekday: time.Thursday, Start: models.MustClock("09:00"), End: models.MustClock("18:00")},
			},
		},
	})

	_, err := f.router.Pull(f.ctx, "support", "agent-1")
	require.NoError(t, err)

	f.now = time.Date(2026, 10, 15, 19, 0, 0, 0, time.UTC)

	_, err = f.router.Pull(f.ctx, "support", "agent-1")
	require.ErrorIs(t, err, router.ErrQueueClosed)
}

func TestDistribute_RoundRobin(t *testing.T) {
	f := setup(t)
	f.queue(t, &models.Queue{
		ID:                       "support",
		RoutingMode:              models.RoutingRoundRobin,
		AgentIDs:                 []string{"ana", "bia"},
		MaxConversationsPerAgent: 2,
	})

	ids := []string{"c1", "c2", "c3", "c4", "c5"}
	f.conversations(t, ids...)

	for _, id := range ids {
		f.now = f.now.Add(time.Second)
		_, err := f.router.Assign(f.ctx, id, "support", 2)
		require.NoError(t, err)
	}

	assignments, err := f.router.Distribute(f.ctx, "support")
	require.NoError(t, err)
	assert.Equal(t, []router.Assignment{
		{ConversationID: "c1", AgentID: "ana"},
		{ConversationID: "c2", AgentID: "bia"},
		{ConversationID: "c3", AgentID: "ana"},
		{ConversationID: "c4", AgentID: "bia"},
	}, assignments)

	queued, err := f.router.ListQueued(f.ctx, "support")
	require.NoError(t, err)
	require.Len(t, queued, 1)
	assert.Equal(t, "c5", queued[0].ID)
}

func TestRelease(t *testing.T) {
	f := setup(t)
	f.queue(t, &models.Queue{ID: "support"})
	f.queue(t, &models.Queue{ID: "billing"})
	f.conversations(t, "conv-1")

	_, err := f.router.Assign(f.ctx, "conv-1", "support", 3)
	require.NoError(t, err)

	_, err = f.router.Pull(f.ctx, "support", "agent-1")
	require.NoError(t, err)

	conv, err := f.router.Release(f.ctx, "conv-1", router.ReleaseTarget{QueueID: "billing"})
	require.NoError(t, err)
	assert.Equal(t, models.ConversationQueued, conv.Status)
	assert.Equal(t, "billing", conv.QueueID)
	assert.Equal(t, 3, conv.QueuePriority)
	assert.Empty(t, conv.AssignedAgentID)

	conv, err = f.router.Release(f.ctx, "conv-1", router.ReleaseTarget{AgentID: "agent-2"})
	require.NoError(t, err)
	assert.Equal(t, models.ConversationActive, conv.Status)
	assert.Equal(t, "agent-2", conv.AssignedAgentID)

	require.NoError(t, f.router.Close(f.ctx, "conv-1"))

	_, err = f.router.Release(f.ctx, "conv-1", router.ReleaseTarget{})
	require.ErrorIs(t, err, router.ErrConversationClosed)
}

func TestRelease_QueuedConversationKeepsItsSlot(t *testing.T) {
	f := setup(t)
	f.queue(t, &models.Queue{ID: "support", MaxQueueSize: 1, OverflowQueueID: "spill"})
	f.queue(t, &models.Queue{ID: "spill"})
	f.conversations(t, "conv-1")

	queuedAt := f.now

	_, err := f.router.Assign(f.ctx, "conv-1", "support", 2)
	require.NoError(t, err)

	f.now = f.now.Add(5 * time.Minute)

	conv, err := f.router.Release(f.ctx, "conv-1", router.ReleaseTarget{})
	require.NoError(t, err)
	assert.Equal(t, models.ConversationQueued, conv.Status)
	assert.Equal(t, "support", conv.QueueID)
	require.NotNil(t, conv.QueuedAt)
	assert.True(t, queuedAt.Equal(*conv.QueuedAt))

	spilled, err := f.router.ListQueued(f.ctx, "spill")
	require.NoError(t, err)
	assert.Empty(t, spilled)
	assert.Empty(t, f.bus.PublishedOfType(events.QueueOverflowDegradedEvent))
}

func TestSLAViolations(t *testing.T) {
	f := setup(t)
	f.queue(t, &models.Queue{ID: "support", SLAMinutes: 10})
	f.conversations(t, "old", "fresh")

	_, err := f.router.Assign(f.ctx, "old", "support", 2)
	require.NoError(t, err)

	f.now = f.now.Add(8 * time.Minute)
	_, err = f.router.Assign(f.ctx, "fresh", "support", 2)
	require.NoError(t, err)

	f.now = f.now.Add(5 * time.Minute)

	violations, err := f.router.SLAViolations(f.ctx, "support", f.now)
	require.NoError(t, err)
	require.Len(t, violations, 1)
	assert.Equal(t, "old", violations[0].ConversationID)
	assert.Equal(t, 13*time.Minute, violations[0].Waited)

	total, err := f.router.SweepSLA(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Len(t, f.bus.PublishedOfType(events.QueueSLAViolatedEvent), 1)
}

func TestSweepSLA_ReportsOncePerWait(t *testing.T) {
	f := setup(t)
	f.queue(t, &models.Queue{ID: "support", SLAMinutes: 10})
	f.queue(t, &models.Queue{ID: "billing", SLAMinutes: 10})
	f.conversations(t, "conv-1")

	_, err := f.router.Assign(f.ctx, "conv-1", "support", 2)
	require.NoError(t, err)

	f.now = f.now.Add(11 * time.Minute)

	for _, want := range []int{1, 0, 0} {
		total, err := f.router.SweepSLA(f.ctx)
		require.NoError(t, err)
		assert.Equal(t, want, total)

		f.now = f.now.Add(time.Minute)
	}

	assert.Len(t, f.bus.PublishedOfType(events.QueueSLAViolatedEvent), 1)

	violations, err := f.router.SLAViolations(f.ctx, "support", f.now)
	require.NoError(t, err)
	assert.Len(t, violations, 1)

	_, err = f.router.Release(f.ctx, "conv-1", router.ReleaseTarget{QueueID: "billing"})
	require.NoError(t, err)

	f.now = f.now.Add(11 * time.Minute)

	total, err := f.router.SweepSLA(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Len(t, f.bus.PublishedOfType(events.QueueSLAViolatedEvent), 2)
}

func TestQueueForDepartment(t *testing.T) {
	f := setup(t)
	f.queue(t, &models.Queue{ID: "sales-1", DepartmentID: "sales"})

	id, err := f.router.QueueForDepartment(f.ctx, "sales")
	require.NoError(t, err)
	assert.Equal(t, "sales-1", id)

	_, err = f.router.QueueForDepartment(f.ctx, "legal")
	require.Error(t, err)
}
