// Package main runs the courier schedule tick.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	cli "github.com/urfave/cli/v3"

	"github.com/dukex/courier/pkg/cmd"
	"github.com/dukex/courier/pkg/dispatcher"
	"github.com/dukex/courier/pkg/log"
	"github.com/dukex/courier/pkg/router"
	"github.com/dukex/courier/pkg/scheduler"
	"github.com/dukex/courier/pkg/trigger"
)

func main() {
	_ = godotenv.Load()

	command := &cli.Command{
		Name:                  "courier-scheduler",
		Usage:                 "Fire due schedules, report queue SLA violations and reclaim abandoned tasks",
		EnableShellCompletion: true,
		Flags: append(cmd.CommonFlags(),
			&cli.DurationFlag{
				Name:    "tick-interval",
				Usage:   "How often due schedules are claimed",
				Value:   scheduler.DefaultTickInterval,
				Sources: cli.EnvVars("TICK_INTERVAL"),
			},
			&cli.DurationFlag{
				Name:    "sla-interval",
				Usage:   "How often queues are swept for SLA violations",
				Value:   scheduler.DefaultSLAInterval,
				Sources: cli.EnvVars("SLA_INTERVAL"),
			},
			&cli.DurationFlag{
				Name:    "task-lease",
				Usage:   "How long a worker may hold a recipient task before it is reclaimed",
				Value:   dispatcher.DefaultTaskLease,
				Sources: cli.EnvVars("TASK_LEASE"),
			},
		),
		Action: func(ctx context.Context, command *cli.Command) error {
			log.SetupWithFormat(command.String("log-level"), command.String("log-format"))

			logger := log.WithModule("courier-scheduler")
			logger.InfoContext(ctx, "Initializing Courier Scheduler")

			ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			tracer, shutdown := cmd.NewTracer(ctx, logger, command.Bool("tracing"), "courier-scheduler")
			defer func() {
				if err := shutdown(context.Background()); err != nil {
					logger.ErrorContext(ctx, "Failed to shut down tracer", "error", err)
				}
			}()

			calculator, err := cmd.NewCalculator(command.String("holidays"))
			if err != nil {
				return err
			}

			persistence := cmd.NewPersistence(ctx, logger, command.String("database-url"))
			defer func() {
				if err := persistence.Close(context.Background()); err != nil {
					logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
				}
			}()

			eventBus := cmd.NewEventBus(command.String("event-bus"), command.String("kafka-brokers"), "courier-scheduler", logger)
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

			d := dispatcher.New(persistence, eventBus, deferrals, logger,
				dispatcher.WithTracer(tracer), dispatcher.WithCalculator(calculator))
			r := router.New(persistence, logger, router.WithPublisher(eventBus))
			store := scheduler.NewStore(persistence.ScheduleRepository(), calculator, logger, nil)

			s := scheduler.New(store, d, eventBus, logger,
				scheduler.WithTickInterval(command.Duration("tick-interval")),
				scheduler.WithSLASweep(r, command.Duration("sla-interval")),
				scheduler.WithTaskReaper(d, command.Duration("task-lease"), scheduler.DefaultReapInterval),
				scheduler.WithTriggers(trigger.NewEngine(persistence.TriggerRepository(), d, eventBus, logger)),
			)

			return s.Run(ctx)
		},
	}

	if err := command.Run(context.Background(), os.Args); err != nil {
		panic(err)
	}
}
