package deferral_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/dukex/courier/pkg/deferral"
	"github.com/dukex/courier/pkg/events"
	"github.com/dukex/courier/pkg/log"
	"github.com/dukex/courier/pkg/mocks"
)

var base = time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)

func TestMemoryStore_DueOrderAndRemoval(t *testing.T) {
	ctx := context.Background()
	store := deferral.NewMemoryStore()

	require.NoError(t, store.Defer(ctx, deferral.Entry{ExecutionID: "e", TaskID: "late"}, base.Add(2*time.Minute)))
	require.NoError(t, store.Defer(ctx, deferral.Entry{ExecutionID: "e", TaskID: "early"}, base.Add(time.Minute)))
	require.NoError(t, store.Defer(ctx, deferral.Entry{ExecutionID: "e", TaskID: "future"}, base.Add(time.Hour)))

	due, err := store.Due(ctx, base.Add(5*time.Minute), 10)
	require.NoError(t, err)
	assert.Equal(t, []deferral.Entry{
		{ExecutionID: "e", TaskID: "early"},
		{ExecutionID: "e", TaskID: "late"},
	}, due)

	again, err := store.Due(ctx, base.Add(5*time.Minute), 10)
	require.NoError(t, err)
	assert.Empty(t, again)

	n, err := store.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestMemoryStore_DeferMovesExistingEntry(t *testing.T) {
	ctx := context.Background()
	store := deferral.NewMemoryStore()
	entry := deferral.Entry{ExecutionID: "e", TaskID: "t"}

	require.NoError(t, store.Defer(ctx, entry, base))
	require.NoError(t, store.Defer(ctx, entry, base.Add(time.Hour)))

	due, err := store.Due(ctx, base.Add(time.Minute), 10)
	require.NoError(t, err)
	assert.Empty(t, due)

	n, err := store.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestMemoryStore_Limit(t *testing.T) {
	ctx := context.Background()
	store := deferral.NewMemoryStore()

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, store.Defer(ctx, deferral.Entry{TaskID: id}, base))
	}

	due, err := store.Due(ctx, base, 2)
	require.NoError(t, err)
	assert.Len(t, due, 2)

	due, err = store.Due(ctx, base, 2)
	require.NoError(t, err)
	assert.Equal(t, []deferral.Entry{{TaskID: "c"}}, due)
}

func TestPump_FlushPublishesDueTasks(t *testing.T) {
	ctx := context.Background()
	store := deferral.NewMemoryStore()
	bus := mocks.NewPublishingEventBus()

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, store.Defer(ctx, deferral.Entry{ExecutionID: "exec", TaskID: id}, base))
	}

	require.NoError(t, store.Defer(ctx, deferral.Entry{ExecutionID: "exec", TaskID: "later"}, base.Add(time.Hour)))

	pump := deferral.NewPump(store, bus, log.Discard(),
		deferral.WithBatch(2),
		deferral.WithPumpClock(func() time.Time { return base }))

	n, err := pump.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	published := bus.PublishedOfType(events.RecipientTaskReadyEvent)
	require.Len(t, published, 3)

	ready := published[0].(events.RecipientTaskReady)
	assert.Equal(t, "a", ready.TaskID)
	assert.Equal(t, "exec", ready.ExecutionID)

	left, err := store.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, left)
}

func TestPump_FailedPublishKeepsEntries(t *testing.T) {
	ctx := context.Background()
	store := deferral.NewMemoryStore()

	bus := &mocks.MockEventBus{}
	bus.On("Publish", mock.Anything, "a", mock.Anything).Return(nil)
	bus.On("Publish", mock.Anything, "b", mock.Anything).Return(errors.New("broker down"))

	require.NoError(t, store.Defer(ctx, deferral.Entry{TaskID: "a"}, base))
	require.NoError(t, store.Defer(ctx, deferral.Entry{TaskID: "b"}, base.Add(time.Second)))
	require.NoError(t, store.Defer(ctx, deferral.Entry{TaskID: "c"}, base.Add(2*time.Second)))

	pump := deferral.NewPump(store, bus, log.Discard(),
		deferral.WithPumpClock(func() time.Time { return base.Add(time.Minute) }))

	n, err := pump.Flush(ctx)
	require.Error(t, err)
	assert.Equal(t, 1, n)

	due, err := store.Due(ctx, base.Add(time.Minute), 10)
	require.NoError(t, err)
	assert.ElementsMatch(t, []deferral.Entry{{TaskID: "b"}, {TaskID: "c"}}, due)
}
