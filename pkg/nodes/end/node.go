// Package end provides the terminal node of a flow.
package end

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
	return models.NodeTypeEnd
}

func (n *Node) Execute(_ context.Context, _ *models.Node, _ *flow.Context) (flow.Result, error) {
	return flow.Result{}, nil
}
