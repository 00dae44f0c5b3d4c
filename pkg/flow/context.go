package flow

import (
	"context"
	"strings"
	"time"

	"github.com/dukex/courier/pkg/models"
)

// Context is the per-recipient state a node executes against.
type Context struct {
	FlowID         string
	ExecutionID    string
	TaskID         string
	ContactRef     string
	ConversationID string
	Variables      map[string]any
	Now            time.Time
}

// Builtins returns the variables every node sees in addition to the
// recipient's own.
func (c *Context) Builtins() map[string]any {
	now := c.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	return map[string]any{
		"contact_id":      c.ContactRef,
		"contact_ref":     c.ContactRef,
		"conversation_id": c.ConversationID,
		"execution_id":    c.ExecutionID,
		"task_id":         c.TaskID,
		"flow_id":         c.FlowID,
		"current_time":    now.Format(time.RFC3339),
		"current_date":    now.Format(time.DateOnly),
		"current_hour":    now.Hour(),
		"day_of_week":     strings.ToLower(now.Weekday().String()),
		"timestamp":       now.Unix(),
	}
}

// Lookup resolves a variable name. Recipient variables win over built-ins;
// dotted names walk nested maps.
func (c *Context) Lookup(name string) (any, bool) {
	if v, ok := lookupPath(c.Variables, name); ok {
		return v, true
	}

	v, ok := c.Builtins()[name]

	return v, ok
}

// Data is the template data for message rendering.
func (c *Context) Data() map[string]any {
	data := c.Builtins()
	for k, v := range c.Variables {
		data[k] = v
	}

	data["vars"] = c.Variables

	return data
}

func lookupPath(vars map[string]any, name string) (any, bool) {
	if v, ok := vars[name]; ok {
		return v, true
	}

	parts := strings.Split(name, ".")
	if len(parts) == 1 {
		return nil, false
	}

	var current any = vars

	for _, part := range parts {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}

		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}

	return current, true
}

// Result is what a node hands back to the engine.
type Result struct {
	NextNodeID string
	Variables  map[string]any
	// Wait suspends the flow; it resumes at NextNodeID once Wait has elapsed.
	Wait time.Duration
	// Halt stops the flow after this node without completing it, e.g. after
	// the conversation is handed to a human.
	Halt    bool
	Receipt *models.DeliveryReceipt
}

// Handler executes one node type.
type Handler interface {
	Execute(ctx context.Context, node *models.Node, fc *Context) (Result, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, node *models.Node, fc *Context) (Result, error)

func (f HandlerFunc) Execute(ctx context.Context, node *models.Node, fc *Context) (Result, error) {
	return f(ctx, node, fc)
}

// Handlers resolves a node type to its handler.
type Handlers interface {
	Handler(nodeType models.NodeType) (Handler, bool)
}
