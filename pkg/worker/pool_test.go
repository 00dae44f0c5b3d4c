package worker_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukex/courier/pkg/channels/gochannel"
	"github.com/dukex/courier/pkg/eventbus"
	"github.com/dukex/courier/pkg/events"
	"github.com/dukex/courier/pkg/log"
	"github.com/dukex/courier/pkg/models"
	"github.com/dukex/courier/pkg/worker"
)

type countingProcessor struct {
	mu        sync.Mutex
	seen      []string
	running   atomic.Int32
	maxActive atomic.Int32
	delay     time.Duration
}

func (p *countingProcessor) Process(_ context.Context, taskID string) (*models.RecipientTask, error) {
	active := p.running.Add(1)
	defer p.running.Add(-1)

	for {
		peak := p.maxActive.Load()
		if active <= peak || p.maxActive.CompareAndSwap(peak, active) {
			break
		}
	}

	time.Sleep(p.delay)

	p.mu.Lock()
	p.seen = append(p.seen, taskID)
	p.mu.Unlock()

	if taskID == "broken" {
		return nil, errors.New("boom")
	}

	return &models.RecipientTask{ID: taskID, Status: models.TaskCompleted}, nil
}

func TestPool_BoundsConcurrency(t *testing.T) {
	processor := &countingProcessor{delay: 20 * time.Millisecond}
	pool := worker.NewPool(context.Background(), processor, log.Discard(), worker.WithConcurrency(2))

	for _, id := range []string{"a", "b", "broken", "c", "d"} {
		require.NoError(t, pool.Handle(context.Background(), &events.RecipientTaskReady{TaskID: id}))
	}

	require.NoError(t, pool.Wait())
	assert.Len(t, processor.seen, 5)
	assert.LessOrEqual(t, processor.maxActive.Load(), int32(2))
}

func TestPool_RejectsUnexpectedEvent(t *testing.T) {
	pool := worker.NewPool(context.Background(), &countingProcessor{}, log.Discard())

	err := pool.Handle(context.Background(), &events.ExecutionStarted{})
	require.Error(t, err)
}

func TestPool_ConsumesFromBus(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pub, sub, err := gochannel.CreateChannel(watermill.NopLogger{})
	require.NoError(t, err)

	bus := eventbus.NewWatermillEventBus(pub, sub, log.Discard())

	processor := &countingProcessor{}
	pool := worker.NewPool(ctx, processor, log.Discard())
	require.NoError(t, pool.Register(bus))
	require.NoError(t, bus.Subscribe(ctx))

	require.NoError(t, bus.Publish(ctx, "t-1", events.RecipientTaskReady{
		BaseEvent: events.NewBaseEvent(events.RecipientTaskReadyEvent),
		TaskID:    "t-1",
	}))

	assert.Eventually(t, func() bool {
		processor.mu.Lock()
		defer processor.mu.Unlock()

		return len(processor.seen) == 1
	}, time.Second, 10*time.Millisecond)
}

type shutdownProcessor struct {
	mu       sync.Mutex
	finished []string
	started  chan struct{}
}

func (p *shutdownProcessor) Process(ctx context.Context, taskID string) (*models.RecipientTask, error) {
	p.started <- struct{}{}

	time.Sleep(30 * time.Millisecond)

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.finished = append(p.finished, taskID)
	p.mu.Unlock()

	return &models.RecipientTask{ID: taskID, Status: models.TaskCompleted}, nil
}

func TestPool_ShutdownFinishesAdmittedTasks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	processor := &shutdownProcessor{started: make(chan struct{}, 8)}
	pool := worker.NewPool(ctx, processor, log.Discard(), worker.WithConcurrency(8), worker.WithRateLimit(1))

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		admitted []string
		rejected int
	)

	for _, id := range []string{"t1", "t2", "t3", "t4", "t5"} {
		wg.Add(1)

		go func() {
			defer wg.Done()

			err := pool.Handle(context.Background(), &events.RecipientTaskReady{TaskID: id})

			mu.Lock()
			defer mu.Unlock()

			if err != nil {
				rejected++

				return
			}

			admitted = append(admitted, id)
		}()
	}

	<-processor.started
	cancel()
	wg.Wait()

	require.NoError(t, pool.Wait())

	assert.Len(t, admitted, 1)
	assert.Equal(t, 4, rejected)
	assert.ElementsMatch(t, admitted, processor.finished)
}
