package main

import (
	"log/slog"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	"github.com/gofiber/fiber/v3/middleware/logger"
	"go.opentelemetry.io/otel/trace"

	"github.com/dukex/courier/pkg/deferral"
	"github.com/dukex/courier/pkg/dispatcher"
	"github.com/dukex/courier/pkg/eventbus"
	"github.com/dukex/courier/pkg/models"
	"github.com/dukex/courier/pkg/persistence"
	"github.com/dukex/courier/pkg/recurrence"
	"github.com/dukex/courier/pkg/registry"
	"github.com/dukex/courier/pkg/router"
	"github.com/dukex/courier/pkg/scheduler"
	"github.com/dukex/courier/pkg/services"
	"github.com/dukex/courier/pkg/trigger"
	"github.com/dukex/courier/pkg/web"
)

type API struct {
	logger      *slog.Logger
	persistence persistence.Persistence
	publisher   eventbus.EventPublisher
	deferrals   deferral.Store
	calculator  *recurrence.Calculator
	tracer      trace.Tracer
	now         func() time.Time
}

func NewAPI(
	logger *slog.Logger,
	persistence persistence.Persistence,
	publisher eventbus.EventPublisher,
	deferrals deferral.Store,
	calculator *recurrence.Calculator,
	tracer trace.Tracer,
) *API {
	return &API{
		logger:      logger,
		persistence: persistence,
		publisher:   publisher,
		deferrals:   deferrals,
		calculator:  calculator,
		tracer:      tracer,
		now:         time.Now,
	}
}

func (a *API) App() *fiber.App {
	d := dispatcher.New(a.persistence, a.publisher, a.deferrals, a.logger,
		dispatcher.WithClock(a.now), dispatcher.WithTracer(a.tracer), dispatcher.WithCalculator(a.calculator))
	r := router.New(a.persistence, a.logger, router.WithPublisher(a.publisher))

	// flow saves are checked against the same node set the workers run
	reg := registry.NewRegistry(a.logger)
	reg.RegisterDefaultNodes(registry.Dependencies{Router: r})

	handlers := web.NewAPIHandlers(
		scheduler.NewStore(a.persistence.ScheduleRepository(), a.calculator, a.logger, a.now),
		services.NewFlow(a.persistence, reg),
		services.NewExecution(d),
		services.NewRouting(r, a.now),
		trigger.NewEngine(a.persistence.TriggerRepository(), d, a.publisher, a.logger),
		models.Validator(),
	)

	app := fiber.New()
	app.Use(cors.New())
	app.Use(logger.New(logger.Config{
		DisableColors: true,
	}))

	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultReadinessEndpoint, healthcheck.NewHealthChecker())

	app.Get("/", func(c fiber.Ctx) error {
		return c.SendString("Courier API")
	})

	handlers.Mount(app)

	return app
}

func (a *API) Start(port int) error {
	return a.App().Listen(":" + strconv.Itoa(port))
}
