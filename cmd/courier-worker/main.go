// Package main runs courier recipient workers.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	cli "github.com/urfave/cli/v3"

	"github.com/dukex/courier/pkg/cmd"
	"github.com/dukex/courier/pkg/log"
	"github.com/dukex/courier/pkg/processor"
	"github.com/dukex/courier/pkg/worker"
)

func main() {
	_ = godotenv.Load()

	command := &cli.Command{
		Name:                  "courier-worker",
		Usage:                 "Run recipient tasks and release deferred retries",
		EnableShellCompletion: true,
		Flags: append(cmd.CommonFlags(),
			&cli.StringFlag{
				Name:    "worker-id",
				Usage:   "Identifier attached to this worker's logs",
				Sources: cli.EnvVars("WORKER_ID"),
			},
			&cli.IntFlag{
				Name:    "concurrency",
				Usage:   "Recipient tasks run in parallel",
				Value:   worker.DefaultConcurrency,
				Sources: cli.EnvVars("WORKER_CONCURRENCY"),
			},
			&cli.FloatFlag{
				Name:    "rate-limit",
				Usage:   "Recipient tasks started per second, 0 for unlimited",
				Value:   0,
				Sources: cli.EnvVars("WORKER_RATE_LIMIT"),
			},
			&cli.DurationFlag{
				Name:    "flow-cache-ttl",
				Usage:   "How long flow definitions are cached before reloading",
				Value:   processor.DefaultFlowCacheTTL,
				Sources: cli.EnvVars("FLOW_CACHE_TTL"),
			},
		),
		Action: func(ctx context.Context, command *cli.Command) error {
			log.SetupWithFormat(command.String("log-level"), command.String("log-format"))

			workerID := command.String("worker-id")
			if workerID == "" {
				workerID = "courier-worker-" + uuid.NewString()[:8]
			}

			logger := log.WithModule("courier-worker")
			logger.InfoContext(ctx, "Initializing Courier Worker", "worker_id", workerID)

			ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			tracer, shutdown := cmd.NewTracer(ctx, logger, command.Bool("tracing"), "courier-worker")
			defer func() {
				if err := shutdown(context.Background()); err != nil {
					logger.ErrorContext(ctx, "Failed to shut down tracer", "error", err)
				}
			}()

			persistence := cmd.NewPersistence(ctx, logger, command.String("database-url"))
			defer func() {
				if err := persistence.Close(context.Background()); err != nil {
					logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
				}
			}()

			eventBus := cmd.NewEventBus(command.String("event-bus"), command.String("kafka-brokers"), "courier-worker", logger)
			defer func() {
				if err := eventBus.Close(); err != nil {
					logger.ErrorContext(ctx, "Failed to close event bus", "error", err)
				}
			}()

			deferrals := cmd.NewDeferralStore(ctx, logger, command.String("deferral-url"))
			defer func() {
				if err := deferrals.Close(); err != nil {
					logger.ErrorContext(ctx, "Failed to close deferral store", "error", err)
				}
			}()

			w := NewWorker(workerID, persistence, eventBus, deferrals, tracer, logger,
				WithConcurrency(command.Int("concurrency")),
				WithRateLimit(command.Float("rate-limit")),
				WithFlowCacheTTL(command.Duration("flow-cache-ttl")))

			return w.Start(ctx)
		},
	}

	if err := command.Run(context.Background(), os.Args); err != nil {
		panic(err)
	}
}
