// Package flow interprets flow definitions one recipient at a time. The
// engine walks nodes sequentially, persists its position in a FlowState and
// suspends on delays instead of blocking.
package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/dukex/courier/pkg/models"
)

// DefaultMaxSteps bounds node transitions per recipient so a cyclic flow
// always terminates.
const DefaultMaxSteps = 500

// Status is how a Run ended.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusSuspended Status = "suspended"
	StatusHandedOff Status = "handed_off"
)

// Outcome reports where the flow stopped. State is always safe to persist:
// on error it points at the failing node so a retry re-executes only that node.
type Outcome struct {
	Status   Status
	State    models.FlowState
	ResumeAt time.Time
	Receipts []models.DeliveryReceipt
}

type Engine struct {
	handlers Handlers
	maxSteps int
	logger   *slog.Logger
}

type Option func(*Engine)

func WithMaxSteps(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxSteps = n
		}
	}
}

func NewEngine(handlers Handlers, logger *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		handlers: handlers,
		maxSteps: DefaultMaxSteps,
		logger:   logger.With("module", "flow_engine"),
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// Run advances the flow from state until it ends, suspends, hands off or fails.
// An empty CurrentNodeID starts at the start node, unless steps were already
// taken, in which case the flow has finished.
func (e *Engine) Run(ctx context.Context, flow *models.Flow, state models.FlowState, fc *Context) (Outcome, error) {
	if fc.Now.IsZero() {
		fc.Now = time.Now().UTC()
	}

	fc.FlowID = flow.ID

	vars := make(map[string]any, len(state.Variables)+len(fc.Variables))
	maps.Copy(vars, fc.Variables)
	maps.Copy(vars, state.Variables)
	fc.Variables = vars

	outcome := Outcome{State: models.FlowState{Variables: vars, Steps: state.Steps}}

	current := state.CurrentNodeID
	if current == "" {
		if state.Steps > 0 {
			outcome.Status = StatusCompleted

			return outcome, nil
		}

		start, ok := flow.StartNode()
		if !ok {
			return outcome, e.configError(flow, "", "start node not found", nil)
		}

		current = start.ID
	}

	for {
		outcome.State.CurrentNodeID = current

		if current == "" {
			outcome.Status = StatusCompleted

			return outcome, nil
		}

		if outcome.State.Steps >= e.maxSteps {
			return outcome, e.configError(flow, current, "step limit exceeded", ErrStepLimit)
		}

		node, ok := flow.NodeByID(current)
		if !ok {
			return outcome, e.configError(flow, current, "node not found", nil)
		}

		handler, ok := e.handlers.Handler(node.Type)
		if !ok {
			return outcome, e.configError(flow, current, "unsupported node type "+string(node.Type), ErrHandlerNotFound)
		}

		e.logger.DebugContext(ctx, "executing node",
			"flow_id", flow.ID, "node_id", node.ID, "node_type", node.Type, "task_id", fc.TaskID)

		result, err := handler.Execute(ctx, node, fc)
		if err != nil {
			var cfgErr *ConfigError
			if errors.As(err, &cfgErr) && cfgErr.FlowID == "" {
				cfgErr.FlowID = flow.ID
			}

			return outcome, fmt.Errorf("node %s: %w", node.ID, err)
		}

		outcome.State.Steps++
		maps.Copy(vars, result.Variables)

		if result.Receipt != nil {
			outcome.Receipts = append(outcome.Receipts, *result.Receipt)
		}

		outcome.State.CurrentNodeID = result.NextNodeID

		switch {
		case node.Type == models.NodeTypeEnd:
			outcome.State.CurrentNodeID = ""
			outcome.Status = StatusCompleted

			return outcome, nil
		case result.Halt:
			outcome.Status = StatusHandedOff

			return outcome, nil
		case result.Wait > 0 && result.NextNodeID != "":
			outcome.Status = StatusSuspended
			outcome.ResumeAt = fc.Now.Add(result.Wait)

			return outcome, nil
		}

		current = result.NextNodeID
	}
}

func (e *Engine) configError(flow *models.Flow, nodeID, reason string, err error) error {
	return &ConfigError{FlowID: flow.ID, NodeID: nodeID, Reason: reason, Err: err}
}
