package services

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/dukex/courier/pkg/models"
	"github.com/dukex/courier/pkg/persistence"
)

// HandlerSet reports which node types have a registered handler.
type HandlerSet interface {
	Types() []models.NodeType
}

type Flow struct {
	persistence persistence.Persistence
	handlers    HandlerSet
}

func NewFlow(persistence persistence.Persistence, handlers HandlerSet) *Flow {
	return &Flow{
		persistence: persistence,
		handlers:    handlers,
	}
}

// HealthCheck checks the health of the persistence layer.
func (f *Flow) HealthCheck(ctx context.Context) (string, bool) {
	if f.persistence == nil {
		return "Persistence layer not initialized", false
	}

	if err := f.persistence.HealthCheck(ctx); err != nil {
		return "Persistence layer is unhealthy: " + err.Error(), false
	}

	return "Persistence layer is healthy", true
}

func (f *Flow) FetchByID(ctx context.Context, id string) (*models.Flow, error) {
	return f.persistence.FlowRepository().GetByID(ctx, id)
}

// Save validates the flow graph and stores it. Every node type must have a
// handler, so a flow that saves is a flow the engine can walk.
func (f *Flow) Save(ctx context.Context, flow *models.Flow) (*models.Flow, error) {
	if flow == nil {
		return nil, ErrFlowNil
	}

	if flow.ID == "" {
		flow.ID = uuid.NewString()
	}

	if err := flow.Validate(); err != nil {
		return nil, err
	}

	known := map[models.NodeType]bool{}
	for _, t := range f.handlers.Types() {
		known[t] = true
	}

	for _, node := range flow.Nodes {
		if !known[node.Type] {
			return nil, NewValidationError("save_flow", "unknown_node_type",
				fmt.Sprintf("node %s has type %q", node.ID, node.Type), ErrUnknownNodeType)
		}
	}

	if err := f.persistence.FlowRepository().Save(ctx, flow); err != nil {
		return nil, fmt.Errorf("failed to save flow: %w", err)
	}

	return flow, nil
}
