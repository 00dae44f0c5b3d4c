// Package registry maps node types to their handlers. It is the explicit
// dispatch table the flow engine consults for every node.
package registry

import (
	"log/slog"
	"slices"

	"github.com/dukex/courier/pkg/flow"
	"github.com/dukex/courier/pkg/models"
)

// Node is a handler that knows its own type.
type Node interface {
	flow.Handler
	Type() models.NodeType
}

type Registry struct {
	logger   *slog.Logger
	handlers map[models.NodeType]flow.Handler
}

func NewRegistry(log *slog.Logger) *Registry {
	return &Registry{
		logger:   log.With("module", "registry"),
		handlers: make(map[models.NodeType]flow.Handler),
	}
}

// RegisterNode adds or replaces the handler for the node's type.
func (r *Registry) RegisterNode(node Node) {
	r.Register(node.Type(), node)
}

func (r *Registry) Register(nodeType models.NodeType, handler flow.Handler) {
	if _, exists := r.handlers[nodeType]; exists {
		r.logger.Warn("replacing node handler", "node_type", nodeType)
	}

	r.handlers[nodeType] = handler
}

// Handler implements flow.Handlers.
func (r *Registry) Handler(nodeType models.NodeType) (flow.Handler, bool) {
	h, ok := r.handlers[nodeType]

	return h, ok
}

// Types lists the registered node types in sorted order.
func (r *Registry) Types() []models.NodeType {
	types := make([]models.NodeType, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}

	slices.Sort(types)

	return types
}
