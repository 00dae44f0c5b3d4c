package eventbus_test

import (
	"context"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukex/courier/pkg/channels/gochannel"
	"github.com/dukex/courier/pkg/eventbus"
	"github.com/dukex/courier/pkg/events"
	"github.com/dukex/courier/pkg/log"
)

func newBus(t *testing.T) *eventbus.WatermillEventBus {
	t.Helper()

	pub, sub, err := gochannel.CreateChannel(watermill.NopLogger{})
	require.NoError(t, err)

	bus := eventbus.NewWatermillEventBus(pub, sub, log.Discard())
	t.Cleanup(func() { _ = bus.Close() })

	return bus
}

func TestWatermillEventBus_RoutesByType(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := newBus(t)

	tasks := make(chan *events.RecipientTaskReady, 1)
	finals := make(chan *events.ExecutionFinalized, 1)

	require.NoError(t, bus.Handle(events.RecipientTaskReadyEvent, func(_ context.Context, event any) error {
		tasks <- event.(*events.RecipientTaskReady)

		return nil
	}))
	require.NoError(t, bus.Handle(events.ExecutionFinalizedEvent, func(_ context.Context, event any) error {
		finals <- event.(*events.ExecutionFinalized)

		return nil
	}))
	require.NoError(t, bus.Subscribe(ctx))

	require.NoError(t, bus.Publish(ctx, "exec-1", events.RecipientTaskReady{
		BaseEvent:   events.NewBaseEvent(events.RecipientTaskReadyEvent),
		TaskID:      "task-1",
		ExecutionID: "exec-1",
	}))
	require.NoError(t, bus.Publish(ctx, "exec-1", events.ExecutionFinalized{
		BaseEvent:   events.NewBaseEvent(events.ExecutionFinalizedEvent),
		ExecutionID: "exec-1",
		Status:      "partial_failure",
	}))

	select {
	case got := <-tasks:
		assert.Equal(t, "task-1", got.TaskID)
	case <-time.After(2 * time.Second):
		t.Fatal("task event not delivered")
	}

	select {
	case got := <-finals:
		assert.Equal(t, "partial_failure", got.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("finalized event not delivered")
	}
}
