// Package worker runs recipient tasks received from the event bus on a
// bounded pool of goroutines.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/dukex/courier/pkg/eventbus"
	"github.com/dukex/courier/pkg/events"
	"github.com/dukex/courier/pkg/models"
)

const DefaultConcurrency = 16

// TaskProcessor runs one recipient task.
type TaskProcessor interface {
	Process(ctx context.Context, taskID string) (*models.RecipientTask, error)
}

type Pool struct {
	processor TaskProcessor
	group     *errgroup.Group
	ctx       context.Context
	limiter   *rate.Limiter
	logger    *slog.Logger
}

type Option func(*poolConfig)

type poolConfig struct {
	concurrency int
	perSecond   float64
}

func WithConcurrency(n int) Option {
	return func(c *poolConfig) {
		if n > 0 {
			c.concurrency = n
		}
	}
}

// WithRateLimit caps tasks started per second across the pool. Zero means
// unlimited.
func WithRateLimit(perSecond float64) Option {
	return func(c *poolConfig) {
		c.perSecond = perSecond
	}
}

func NewPool(ctx context.Context, processor TaskProcessor, logger *slog.Logger, opts ...Option) *Pool {
	cfg := poolConfig{concurrency: DefaultConcurrency}
	for _, opt := range opts {
		opt(&cfg)
	}

	limit := rate.Inf
	burst := 0

	if cfg.perSecond > 0 {
		limit = rate.Limit(cfg.perSecond)
		burst = max(1, int(cfg.perSecond))
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(cfg.concurrency)

	return &Pool{
		processor: processor,
		group:     group,
		ctx:       groupCtx,
		limiter:   rate.NewLimiter(limit, burst),
		logger:    logger.With("module", "worker_pool", "concurrency", cfg.concurrency),
	}
}

// Register subscribes the pool to recipient task events.
func (p *Pool) Register(bus eventbus.EventSubscriber) error {
	return bus.Handle(events.RecipientTaskReadyEvent, p.Handle)
}

// Handle admits the task to the pool and returns once it holds a slot and a
// rate token. It blocks while every slot is busy, so the bus consumer applies
// backpressure instead of buffering. An error leaves the event unacked for
// redelivery; an admitted task runs to completion even if the pool is
// shutting down.
func (p *Pool) Handle(ctx context.Context, event any) error {
	ready, ok := event.(*events.RecipientTaskReady)
	if !ok {
		return fmt.Errorf("unexpected event %T", event)
	}

	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	stop := context.AfterFunc(p.ctx, cancel)
	defer stop()

	if err := p.limiter.Wait(waitCtx); err != nil {
		return fmt.Errorf("task %s not admitted: %w", ready.TaskID, err)
	}

	if err := waitCtx.Err(); err != nil {
		return fmt.Errorf("task %s not admitted: %w", ready.TaskID, err)
	}

	runCtx := context.WithoutCancel(p.ctx)

	p.group.Go(func() error {
		p.run(runCtx, ready.TaskID)

		return nil
	})

	return nil
}

func (p *Pool) run(ctx context.Context, taskID string) {
	task, err := p.processor.Process(ctx, taskID)
	if err != nil {
		p.logger.ErrorContext(ctx, "task processing failed", "task_id", taskID, "error", err)

		return
	}

	p.logger.DebugContext(ctx, "task processed", "task_id", taskID, "status", task.Status)
}

// Wait blocks until every submitted task has returned.
func (p *Pool) Wait() error {
	err := p.group.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}

	return err
}
