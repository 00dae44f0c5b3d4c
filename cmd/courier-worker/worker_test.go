package main

import (
	"context"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukex/courier/pkg/channels/gochannel"
	"github.com/dukex/courier/pkg/deferral"
	"github.com/dukex/courier/pkg/dispatcher"
	"github.com/dukex/courier/pkg/eventbus"
	"github.com/dukex/courier/pkg/log"
	"github.com/dukex/courier/pkg/models"
	"github.com/dukex/courier/pkg/otelhelper"
	"github.com/dukex/courier/pkg/persistence/memory"
)

type harness struct {
	store     *memory.Persistence
	bus       eventbus.EventBus
	deferrals *deferral.MemoryStore
	cancel    context.CancelFunc
	done      chan error
}

func startWorker(t *testing.T) *harness {
	t.Helper()

	pub, sub, err := gochannel.CreateChannel(watermill.NopLogger{})
	require.NoError(t, err)

	h := &harness{
		store:     memory.NewPersistence(),
		bus:       eventbus.NewWatermillEventBus(pub, sub, log.Discard()),
		deferrals: deferral.NewMemoryStore(),
		done:      make(chan error, 1),
	}

	require.NoError(t, h.store.FlowRepository().Save(context.Background(), &models.Flow{
		ID:          "welcome",
		Name:        "welcome",
		StartNodeID: "start",
		Nodes: []*models.Node{
			{ID: "start", Type: models.NodeTypeStart, Config: &models.StartConfig{NextNodeID: "hello"}},
			{ID: "hello", Type: models.NodeTypeMessage, Config: &models.MessageConfig{Content: "Hello", NextNodeID: "end"}},
			{ID: "end", Type: models.NodeTypeEnd, Config: &models.EndConfig{}},
		},
	}))

	w := NewWorker("test", h.store, h.bus, h.deferrals, otelhelper.NoopTracer(), log.Discard(),
		WithConcurrency(2),
		WithPumpOptions(deferral.WithInterval(10*time.Millisecond)))

	var ctx context.Context
	ctx, h.cancel = context.WithCancel(context.Background())

	go func() { h.done <- w.Start(ctx) }()

	t.Cleanup(func() {
		h.cancel()
		_ = h.bus.Close()
	})

	return h
}

func (h *harness) completed(executionID string) bool {
	execution, err := h.store.ExecutionRepository().GetByID(context.Background(), executionID)
	if err != nil {
		return false
	}

	return execution.Status == models.ExecutionCompleted
}

func TestWorker_RunsPublishedTasks(t *testing.T) {
	h := startWorker(t)
	d := dispatcher.New(h.store, h.bus, h.deferrals, log.Discard())

	// the subscription starts asynchronously, so keep starting runs until
	// one of them lands
	var executionID string

	require.Eventually(t, func() bool {
		execution, err := d.StartFlow(context.Background(), "welcome", "contact-1", nil, models.TriggeredManually)
		if err != nil {
			return false
		}

		executionID = execution.ID

		time.Sleep(20 * time.Millisecond)

		return h.completed(executionID)
	}, 2*time.Second, 10*time.Millisecond)

	execution, err := h.store.ExecutionRepository().GetByID(context.Background(), executionID)
	require.NoError(t, err)
	assert.Equal(t, 1, execution.RecipientSucceeded)
	assert.Zero(t, execution.RecipientPending)
}

func TestWorker_PumpsDueDeferrals(t *testing.T) {
	h := startWorker(t)
	ctx := context.Background()

	now := time.Now()
	execution := &models.Execution{
		ID:               "exec-deferred",
		FlowID:           "welcome",
		Trigger:          models.TriggeredManually,
		Status:           models.ExecutionRunning,
		RecipientTotal:   1,
		RecipientPending: 1,
		StartedAt:        &now,
	}
	task := &models.RecipientTask{
		ID:          "task-deferred",
		ExecutionID: execution.ID,
		ContactRef:  "contact-2",
		Status:      models.TaskPending,
	}
	require.NoError(t, h.store.ExecutionRepository().Create(ctx, execution, []*models.RecipientTask{task}))

	// re-deferred on every check until the subscription is up
	require.Eventually(t, func() bool {
		if err := h.deferrals.Defer(ctx, deferral.Entry{ExecutionID: execution.ID, TaskID: task.ID}, time.Now()); err != nil {
			return false
		}

		time.Sleep(30 * time.Millisecond)

		return h.completed(execution.ID)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWorker_StopsOnCancel(t *testing.T) {
	h := startWorker(t)

	h.cancel()

	select {
	case err := <-h.done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("worker did not stop")
	}
}
