// Package delay suspends a flow for a configured duration. The engine turns
// the wait into a deferred resumption instead of sleeping.
package delay

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
	return models.NodeTypeDelay
}

func (n *Node) Execute(_ context.Context, node *models.Node, _ *flow.Context) (flow.Result, error) {
	cfg, ok := node.Config.(*models.DelayConfig)
	if !ok {
		return flow.Result{}, flow.NewConfigError(node.ID, "delay config missing", nil)
	}

	if err := cfg.Validate(); err != nil {
		return flow.Result{}, flow.NewConfigError(node.ID, "invalid delay config", err)
	}

	return flow.Result{
		NextNodeID: node.LinearNext(cfg.NextNodeID),
		Wait:       cfg.Duration(),
	}, nil
}
