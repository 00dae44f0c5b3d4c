// Package handoff deactivates the bot on a conversation and routes it to a
// queue, a department's first active queue, or a specific agent.
package handoff

import (
	"context"
	"fmt"

	"github.com/dukex/courier/pkg/flow"
	"github.com/dukex/courier/pkg/models"
	"github.com/dukex/courier/pkg/persistence"
)

// Router is the part of the queue router a handoff needs.
type Router interface {
	Assign(ctx context.Context, conversationID, queueID string, priority int) (string, error)
	AssignToAgent(ctx context.Context, conversationID, agentID string) error
	QueueForDepartment(ctx context.Context, departmentID string) (string, error)
}

type Node struct {
	router Router
}

func NewNode(router Router) *Node {
	return &Node{router: router}
}

func (n *Node) Type() models.NodeType {
	return models.NodeTypeHandoff
}

func (n *Node) Execute(ctx context.Context, node *models.Node, fc *flow.Context) (flow.Result, error) {
	cfg, ok := node.Config.(*models.HandoffConfig)
	if !ok {
		return flow.Result{}, flow.NewConfigError(node.ID, "handoff config missing", nil)
	}

	if fc.ConversationID == "" {
		return flow.Result{}, flow.NewConfigError(node.ID, "handoff without conversation", flow.ErrNoConversation)
	}

	priority := cfg.Priority.Value()
	vars := map[string]any{"handoff_priority": priority}

	switch cfg.Target {
	case models.HandoffToAgent:
		if cfg.AgentID == "" {
			return flow.Result{}, flow.NewConfigError(node.ID, "agent_id is required", nil)
		}

		if err := n.router.AssignToAgent(ctx, fc.ConversationID, cfg.AgentID); err != nil {
			return flow.Result{}, fmt.Errorf("assign to agent %s: %w", cfg.AgentID, err)
		}

		vars["assigned_agent_id"] = cfg.AgentID
	case models.HandoffToQueue, models.HandoffToDepartment:
		queueID := cfg.QueueID

		if cfg.Target == models.HandoffToDepartment {
			if cfg.DepartmentID == "" {
				return flow.Result{}, flow.NewConfigError(node.ID, "department_id is required", nil)
			}

			resolved, err := n.router.QueueForDepartment(ctx, cfg.DepartmentID)
			if persistence.IsNotFound(err) {
				return flow.Result{}, flow.NewConfigError(node.ID, "no active queue for department "+cfg.DepartmentID, err)
			}

			if err != nil {
				return flow.Result{}, fmt.Errorf("resolve department %s: %w", cfg.DepartmentID, err)
			}

			queueID = resolved
		}

		if queueID == "" {
			return flow.Result{}, flow.NewConfigError(node.ID, "queue_id is required", nil)
		}

		final, err := n.router.Assign(ctx, fc.ConversationID, queueID, priority)
		if err != nil {
			return flow.Result{}, fmt.Errorf("assign to queue %s: %w", queueID, err)
		}

		vars["queue_id"] = final
	default:
		return flow.Result{}, flow.NewConfigError(node.ID, "unknown handoff target "+string(cfg.Target), nil)
	}

	return flow.Result{
		NextNodeID: node.LinearNext(cfg.NextNodeID),
		Variables:  vars,
		Halt:       true,
	}, nil
}
