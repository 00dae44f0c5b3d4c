package main

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/dukex/courier/pkg/cmd"
	"github.com/dukex/courier/pkg/deferral"
	"github.com/dukex/courier/pkg/dispatcher"
	"github.com/dukex/courier/pkg/eventbus"
	"github.com/dukex/courier/pkg/flow"
	"github.com/dukex/courier/pkg/persistence"
	"github.com/dukex/courier/pkg/processor"
	"github.com/dukex/courier/pkg/router"
	"github.com/dukex/courier/pkg/worker"
)

type Worker struct {
	id          string
	logger      *slog.Logger
	persistence persistence.Persistence
	eventBus    eventbus.EventBus
	deferrals   deferral.Store
	tracer      trace.Tracer
	concurrency int
	rateLimit   float64
	flowTTL     time.Duration
	pumpOpts    []deferral.PumpOption
}

type Option func(*Worker)

func WithConcurrency(n int) Option {
	return func(w *Worker) {
		w.concurrency = n
	}
}

// WithRateLimit caps recipient tasks started per second. Zero is unlimited.
func WithRateLimit(perSecond float64) Option {
	return func(w *Worker) {
		w.rateLimit = perSecond
	}
}

// WithFlowCacheTTL bounds how stale a cached flow definition may get.
func WithFlowCacheTTL(ttl time.Duration) Option {
	return func(w *Worker) {
		w.flowTTL = ttl
	}
}

func WithPumpOptions(opts ...deferral.PumpOption) Option {
	return func(w *Worker) {
		w.pumpOpts = append(w.pumpOpts, opts...)
	}
}

func NewWorker(
	id string,
	persistence persistence.Persistence,
	eventBus eventbus.EventBus,
	deferrals deferral.Store,
	tracer trace.Tracer,
	logger *slog.Logger,
	opts ...Option,
) *Worker {
	w := &Worker{
		id:          id,
		logger:      logger.With("module", "courier-worker", "worker_id", id),
		persistence: persistence,
		eventBus:    eventBus,
		deferrals:   deferrals,
		tracer:      tracer,
		concurrency: worker.DefaultConcurrency,
		flowTTL:     processor.DefaultFlowCacheTTL,
	}

	for _, opt := range opts {
		opt(w)
	}

	return w
}

// Start consumes recipient tasks and pumps due deferrals until ctx is done,
// then waits for in-flight tasks to return.
func (w *Worker) Start(ctx context.Context) error {
	w.logger.InfoContext(ctx, "Starting worker", "concurrency", w.concurrency, "rate_limit", w.rateLimit)

	r := router.New(w.persistence, w.logger, router.WithPublisher(w.eventBus))
	engine := flow.NewEngine(cmd.NewRegistry(w.logger, r), w.logger)
	d := dispatcher.New(w.persistence, w.eventBus, w.deferrals, w.logger, dispatcher.WithTracer(w.tracer))
	proc := processor.New(w.persistence, engine, w.deferrals, d, w.logger,
		processor.WithTracer(w.tracer),
		processor.WithFlowCacheTTL(w.flowTTL))

	pool := worker.NewPool(ctx, proc, w.logger,
		worker.WithConcurrency(w.concurrency),
		worker.WithRateLimit(w.rateLimit))

	if err := pool.Register(w.eventBus); err != nil {
		return err
	}

	if err := w.eventBus.Subscribe(ctx); err != nil {
		w.logger.ErrorContext(ctx, "Failed to subscribe to event bus", "error", err)

		return err
	}

	w.logger.InfoContext(ctx, "Worker started successfully")

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return deferral.NewPump(w.deferrals, w.eventBus, w.logger, w.pumpOpts...).Run(groupCtx)
	})

	<-ctx.Done()
	w.logger.InfoContext(ctx, "Shutting down worker...")

	pumpErr := group.Wait()
	if err := pool.Wait(); err != nil {
		return err
	}

	return pumpErr
}
