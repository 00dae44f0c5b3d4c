// Package start provides the entry node of a flow.
package start

import (
	"context"

	"github.com/dukex/courier/pkg/flow"
	"github.com/dukex/courier/pkg/models"
)

type Node struct{}

func NewNode() *Node {
	return &Node{}
}

func (n *Node) Type() models.NodeType {
	return models.NodeTypeStart
}

func (n *Node) Execute(_ context.Context, node *models.Node, _ *flow.Context) (flow.Result, error) {
	cfg, ok := node.Config.(*models.StartConfig)
	if !ok {
		cfg = &models.StartConfig{}
	}

	return flow.Result{NextNodeID: node.LinearNext(cfg.NextNodeID)}, nil
}
