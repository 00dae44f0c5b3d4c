// Package web provides the HTTP handlers of the courier API.
package web

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"

	"github.com/dukex/courier/pkg/models"
	"github.com/dukex/courier/pkg/router"
	"github.com/dukex/courier/pkg/scheduler"
	"github.com/dukex/courier/pkg/services"
	"github.com/dukex/courier/pkg/trigger"
)

const defaultPreviewCount = 10

// EventHandler ingests inbound events for trigger matching.
type EventHandler interface {
	Handle(ctx context.Context, event *models.Event) (*trigger.Result, error)
}

type APIHandlers struct {
	schedules  *scheduler.Store
	flows      *services.Flow
	executions *services.Execution
	routing    *services.Routing
	triggers   EventHandler
	validator  *validator.Validate
}

func NewAPIHandlers(
	schedules *scheduler.Store,
	flows *services.Flow,
	executions *services.Execution,
	routing *services.Routing,
	triggers EventHandler,
	validator *validator.Validate,
) *APIHandlers {
	return &APIHandlers{
		schedules:  schedules,
		flows:      flows,
		executions: executions,
		routing:    routing,
		triggers:   triggers,
		validator:  validator,
	}
}

// Mount registers every route on the router.
func (h *APIHandlers) Mount(app fiber.Router) {
	s := app.Group("/schedules")
	s.Post("/", h.CreateSchedule)
	s.Get("/:id", h.GetSchedule)
	s.Put("/:id", h.UpdateSchedule)
	s.Delete("/:id", h.DeleteSchedule)
	s.Get("/:id/preview", h.PreviewSchedule)
	s.Post("/:id/exceptions", h.AddException)
	s.Delete("/:id/exceptions/:eid", h.RemoveException)

	f := app.Group("/flows")
	f.Post("/", h.SaveFlow)
	f.Get("/:id", h.GetFlow)

	app.Post("/automations/:id/executions", h.StartExecution)

	e := app.Group("/executions")
	e.Get("/:id", h.GetExecution)
	e.Post("/:id/stop", h.StopExecution)

	q := app.Group("/queues")
	q.Get("/:id/conversations", h.ListQueued)
	q.Post("/:id/pull", h.PullConversation)
	q.Get("/:id/sla-violations", h.SLAViolations)
	q.Post("/:id/distribute", h.DistributeQueue)

	app.Post("/conversations/:id/release", h.ReleaseConversation)
	app.Post("/conversations/:id/close", h.CloseConversation)
	app.Post("/events", h.IngestEvent)
	app.Get("/health", h.HealthCheck)
}

func (h *APIHandlers) CreateSchedule(c fiber.Ctx) error {
	var req ScheduleRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	created, err := h.schedules.Create(c.Context(), req.toModel())
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(created)
}

func (h *APIHandlers) GetSchedule(c fiber.Ctx) error {
	schedule, err := h.schedules.Get(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(schedule)
}

func (h *APIHandlers) UpdateSchedule(c fiber.Ctx) error {
	var req ScheduleRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	updated, err := h.schedules.Update(c.Context(), c.Params("id"), req.toModel())
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(updated)
}

func (h *APIHandlers) DeleteSchedule(c fiber.Ctx) error {
	if err := h.schedules.Delete(c.Context(), c.Params("id")); err != nil {
		return handleServiceError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

func (h *APIHandlers) PreviewSchedule(c fiber.Ctx) error {
	count := defaultPreviewCount

	if countStr := c.Query("count"); countStr != "" {
		n, err := strconv.Atoi(countStr)
		if err != nil || n < 0 {
			return badRequest(c, "count must be a non-negative integer")
		}

		count = n
	}

	id := c.Params("id")

	times, err := h.schedules.Preview(c.Context(), id, count)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(PreviewResponse{ScheduleID: id, FireTimes: times})
}

func (h *APIHandlers) AddException(c fiber.Ctx) error {
	var req ExceptionRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	exception, err := h.schedules.AddException(c.Context(), &models.ScheduleException{
		ScheduleID:      c.Params("id"),
		Kind:            req.Kind,
		AppliesTo:       req.AppliesTo,
		ReplacementTime: req.ReplacementTime,
		OverrideConfig:  req.OverrideConfig,
		Reason:          req.Reason,
		CreatedAt:       time.Now().UTC(),
	})
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(exception)
}

func (h *APIHandlers) RemoveException(c fiber.Ctx) error {
	if err := h.schedules.RemoveException(c.Context(), c.Params("id"), c.Params("eid")); err != nil {
		return handleServiceError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

func (h *APIHandlers) SaveFlow(c fiber.Ctx) error {
	var flow models.Flow
	if err := c.Bind().JSON(&flow); err != nil {
		return badRequest(c, "Invalid flow: "+err.Error())
	}

	saved, err := h.flows.Save(c.Context(), &flow)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(saved)
}

func (h *APIHandlers) GetFlow(c fiber.Ctx) error {
	flow, err := h.flows.FetchByID(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(flow)
}

func (h *APIHandlers) StartExecution(c fiber.Ctx) error {
	status, err := h.executions.Start(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(TransformExecutionResponse(status))
}

func (h *APIHandlers) GetExecution(c fiber.Ctx) error {
	status, err := h.executions.Status(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(TransformExecutionResponse(status))
}

func (h *APIHandlers) StopExecution(c fiber.Ctx) error {
	execution, err := h.executions.Stop(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(execution)
}

func (h *APIHandlers) ListQueued(c fiber.Ctx) error {
	conversations, err := h.routing.Queued(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(conversations)
}

func (h *APIHandlers) PullConversation(c fiber.Ctx) error {
	var req PullRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	conversation, err := h.routing.Pull(c.Context(), c.Params("id"), req.AgentID)
	if err != nil {
		return handleServiceError(c, err)
	}

	if conversation == nil {
		return c.SendStatus(fiber.StatusNoContent)
	}

	return c.JSON(conversation)
}

func (h *APIHandlers) SLAViolations(c fiber.Ctx) error {
	violations, err := h.routing.SLAViolations(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(violations)
}

func (h *APIHandlers) ReleaseConversation(c fiber.Ctx) error {
	var req ReleaseRequest

	if len(c.Body()) > 0 {
		if err := c.Bind().JSON(&req); err != nil {
			return badRequest(c, "Invalid JSON format")
		}
	}

	conversation, err := h.routing.Release(c.Context(), c.Params("id"), router.ReleaseTarget{
		QueueID: req.QueueID,
		AgentID: req.AgentID,
	})
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(conversation)
}

func (h *APIHandlers) DistributeQueue(c fiber.Ctx) error {
	assignments, err := h.routing.Distribute(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(assignments)
}

func (h *APIHandlers) CloseConversation(c fiber.Ctx) error {
	if err := h.routing.Close(c.Context(), c.Params("id")); err != nil {
		return handleServiceError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

// IngestEvent offers an inbound event to the trigger engine. An event that
// matches nothing is accepted and reported unmatched.
func (h *APIHandlers) IngestEvent(c fiber.Ctx) error {
	var event models.Event
	if err := c.Bind().JSON(&event); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	result, err := h.triggers.Handle(c.Context(), &event)
	if errors.Is(err, trigger.ErrNoMatch) {
		return c.JSON(EventResponse{Matched: false})
	}

	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(EventResponse{
		Matched:     true,
		TriggerID:   result.Trigger.ID,
		ExecutionID: result.Execution.ID,
	})
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	repositoryCheck, ok := h.flows.HealthCheck(c.Context())

	status := "unhealthy"
	message := "Courier API is unhealthy"
	httpStatus := http.StatusInternalServerError

	if ok {
		status = "healthy"
		message = "Courier API is healthy"
		httpStatus = http.StatusOK
	}

	return c.Status(httpStatus).JSON(fiber.Map{
		"status":  status,
		"message": message,
		"checkers": fiber.Map{
			"repository": repositoryCheck,
		},
		"timestamp": time.Now().UTC(),
	})
}
