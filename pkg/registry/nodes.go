package registry

import (
	"github.com/dukex/courier/pkg/nodes/condition"
	"github.com/dukex/courier/pkg/nodes/delay"
	"github.com/dukex/courier/pkg/nodes/end"
	"github.com/dukex/courier/pkg/nodes/handoff"
	"github.com/dukex/courier/pkg/nodes/message"
	"github.com/dukex/courier/pkg/nodes/start"
	"github.com/dukex/courier/pkg/send"
)

// Dependencies are the collaborators built-in nodes call out to.
type Dependencies struct {
	Sender send.Sender
	Router handoff.Router
}

// RegisterDefaultNodes registers all built-in node handlers with the registry.
func (r *Registry) RegisterDefaultNodes(deps Dependencies) {
	r.RegisterNode(start.NewNode())
	r.RegisterNode(message.NewNode(deps.Sender))
	r.RegisterNode(condition.NewNode())
	r.RegisterNode(delay.NewNode())
	r.RegisterNode(handoff.NewNode(deps.Router))
	r.RegisterNode(end.NewNode())
}
