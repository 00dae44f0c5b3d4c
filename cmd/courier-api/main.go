// Package main runs the courier HTTP API.
package main

import (
	"context"
	"os"

	"github.com/joho/godotenv"
	cli "github.com/urfave/cli/v3"

	"github.com/dukex/courier/pkg/cmd"
	"github.com/dukex/courier/pkg/log"
)

const defaultPort = 9091

func main() {
	_ = godotenv.Load()

	command := &cli.Command{
		Name:                  "courier-api",
		Usage:                 "Manage schedules, flows, runs and queues",
		EnableShellCompletion: true,
		Flags: append(cmd.CommonFlags(),
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port to run the API server on",
				Value:   defaultPort,
				Sources: cli.EnvVars("PORT"),
			},
		),
		Action: func(ctx context.Context, command *cli.Command) error {
			log.SetupWithFormat(command.String("log-level"), command.String("log-format"))

			logger := log.WithModule("courier-api")
			logger.InfoContext(ctx, "Initializing Courier API")

			tracer, shutdown := cmd.NewTracer(ctx, logger, command.Bool("tracing"), "courier-api")
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
				if err := persistence.Close(ctx); err != nil {
					logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
				}
			}()

			eventBus := cmd.NewEventBus(command.String("event-bus"), command.String("kafka-brokers"), "courier-api", logger)
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

			api := NewAPI(logger, persistence, eventBus, deferrals, calculator, tracer)

			return api.Start(command.Int("port"))
		},
	}

	if err := command.Run(context.Background(), os.Args); err != nil {
		panic(err)
	}
}
