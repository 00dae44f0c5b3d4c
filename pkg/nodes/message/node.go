// Package message sends rendered content to the recipient through the
// send capability.
package message

import (
	"context"
	"fmt"

	"github.com/dukex/courier/pkg/flow"
	"github.com/dukex/courier/pkg/models"
	"github.com/dukex/courier/pkg/send"
	"github.com/dukex/courier/pkg/template"
)

type Node struct {
	sender send.Sender
}

func NewNode(sender send.Sender) *Node {
	return &Node{sender: sender}
}

func (n *Node) Type() models.NodeType {
	return models.NodeTypeMessage
}

// Execute renders and sends the message. Delivery errors are returned as-is
// so the caller can tell transient from permanent failures.
func (n *Node) Execute(ctx context.Context, node *models.Node, fc *flow.Context) (flow.Result, error) {
	cfg, ok := node.Config.(*models.MessageConfig)
	if !ok {
		return flow.Result{}, flow.NewConfigError(node.ID, "message config missing", nil)
	}

	if cfg.Content == "" {
		return flow.Result{}, flow.NewConfigError(node.ID, "message content is required", nil)
	}

	content, err := template.Render(cfg.Content, fc.Data())
	if err != nil {
		return flow.Result{}, flow.NewConfigError(node.ID, "invalid message template", err)
	}

	receipt, err := n.sender.Send(ctx, send.Message{
		To:             fc.ContactRef,
		Content:        content,
		MediaURL:       cfg.MediaURL,
		NodeID:         node.ID,
		ConversationID: fc.ConversationID,
		ExecutionID:    fc.ExecutionID,
	})
	if err != nil {
		return flow.Result{}, fmt.Errorf("send failed: %w", err)
	}

	if receipt.NodeID == "" {
		receipt.NodeID = node.ID
	}

	return flow.Result{
		NextNodeID: node.LinearNext(cfg.NextNodeID),
		Variables:  map[string]any{"last_message_id": receipt.MessageID},
		Receipt:    &receipt,
	}, nil
}
