// Package trigger matches inbound events against registered triggers and
// starts the flow or automation of the best match.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"

	"github.com/dukex/courier/pkg/dispatcher"
	"github.com/dukex/courier/pkg/eventbus"
	"github.com/dukex/courier/pkg/events"
	"github.com/dukex/courier/pkg/models"
	"github.com/dukex/courier/pkg/persistence"
)

var (
	ErrNoMatch      = errors.New("no trigger matched the event")
	ErrNoContactRef = errors.New("flow triggers require a contact_ref")
)

// Starter starts what a trigger targets.
type Starter interface {
	StartFlow(ctx context.Context, flowID, contactRef string, variables map[string]any, trigger models.ExecutionTrigger) (*models.Execution, error)
	Dispatch(ctx context.Context, req dispatcher.Request) (*models.Execution, error)
}

type Engine struct {
	triggers  persistence.TriggerRepository
	starter   Starter
	publisher eventbus.EventPublisher
	logger    *slog.Logger
}

func NewEngine(triggers persistence.TriggerRepository, starter Starter, publisher eventbus.EventPublisher, logger *slog.Logger) *Engine {
	return &Engine{
		triggers:  triggers,
		starter:   starter,
		publisher: publisher,
		logger:    logger.With("module", "trigger_engine"),
	}
}

// Match returns the first active trigger accepting the event, by priority
// descending and then trigger id.
func (e *Engine) Match(ctx context.Context, event *models.Event) (*models.Trigger, error) {
	candidates, err := e.triggers.ListActive(ctx, event.Type)
	if err != nil {
		return nil, err
	}

	for _, t := range candidates {
		ok, err := Matches(t, event)
		if err != nil {
			e.logger.DebugContext(ctx, "trigger rejected event", "trigger_id", t.ID, "error", err)

			continue
		}

		if ok {
			return t, nil
		}
	}

	return nil, ErrNoMatch
}

// Result is what a handled event started.
type Result struct {
	Trigger   *models.Trigger   `json:"trigger"`
	Execution *models.Execution `json:"execution"`
}

// Handle matches the event and starts the winning trigger's target.
func (e *Engine) Handle(ctx context.Context, event *models.Event) (*Result, error) {
	if err := event.Validate(); err != nil {
		return nil, err
	}

	t, err := e.Match(ctx, event)
	if err != nil {
		return nil, err
	}

	logger := e.logger.With("trigger_id", t.ID, "event_type", event.Type, "contact_ref", event.ContactRef)

	var execution *models.Execution

	switch {
	case t.Target.FlowID != "":
		if event.ContactRef == "" {
			return nil, ErrNoContactRef
		}

		execution, err = e.starter.StartFlow(ctx, t.Target.FlowID, event.ContactRef, variablesFor(t, event), models.TriggeredByEvent)
	case t.Target.AutomationID != "":
		execution, err = e.starter.Dispatch(ctx, dispatcher.Request{
			AutomationID: t.Target.AutomationID,
			Trigger:      models.TriggeredByEvent,
		})
	default:
		return nil, fmt.Errorf("trigger %s has no target", t.ID)
	}

	if err != nil {
		logger.ErrorContext(ctx, "failed to start trigger target", "error", err)

		return nil, err
	}

	logger.InfoContext(ctx, "trigger matched", "execution_id", execution.ID)

	if e.publisher != nil {
		err := e.publisher.Publish(ctx, t.ID, events.TriggerMatched{
			BaseEvent:    events.NewBaseEvent(events.TriggerMatchedEvent),
			TriggerID:    t.ID,
			ContactRef:   event.ContactRef,
			FlowID:       t.Target.FlowID,
			AutomationID: t.Target.AutomationID,
			ExecutionID:  execution.ID,
		})
		if err != nil {
			logger.ErrorContext(ctx, "failed to publish trigger match", "error", err)
		}
	}

	return &Result{Trigger: t, Execution: execution}, nil
}

func variablesFor(t *models.Trigger, event *models.Event) map[string]any {
	vars := map[string]any{
		"trigger_id":   t.ID,
		"trigger_type": string(t.Type),
	}

	switch event.Type {
	case models.TriggerKeyword:
		vars["message_text"] = event.Text()
	case models.TriggerWebhook:
		vars["payload"] = maps.Clone(event.Payload)
	case models.TriggerSchedule:
	}

	return vars
}
