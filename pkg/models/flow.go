package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// NodeType tags a flow node and selects its config variant and handler.
type NodeType string

const (
	NodeTypeStart     NodeType = "start"
	NodeTypeMessage   NodeType = "message"
	NodeTypeCondition NodeType = "condition"
	NodeTypeDelay     NodeType = "delay"
	NodeTypeHandoff   NodeType = "handoff"
	NodeTypeEnd       NodeType = "end"
)

// Flow is a node graph interpreted once per conversation. Back-edges are allowed.
type Flow struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"          validate:"required"`
	StartNodeID string    `json:"start_node_id"`
	Nodes       []*Node   `json:"nodes"         validate:"required,min=1"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Node is a flow node. Config holds the variant matching Type.
type Node struct {
	ID          string     `json:"id"`
	Type        NodeType   `json:"type"`
	Name        string     `json:"name,omitempty"`
	Connections []string   `json:"connections,omitempty"`
	Config      NodeConfig `json:"config"`
}

// NodeConfig is implemented by every node config variant.
type NodeConfig interface {
	NodeType() NodeType
	Validate() error
}

type StartConfig struct {
	NextNodeID string `json:"next_node_id,omitempty"`
}

type MessageConfig struct {
	Content    string `json:"content"                validate:"required"`
	MediaURL   string `json:"media_url,omitempty"    validate:"omitempty,url"`
	NextNodeID string `json:"next_node_id,omitempty"`
}

// ConditionLogic selects how condition rules combine.
type ConditionLogic string

const (
	LogicOr  ConditionLogic = "OR"
	LogicAnd ConditionLogic = "AND"
)

// Operator is a condition rule comparison.
type Operator string

const (
	OpEquals         Operator = "equals"
	OpNotEquals      Operator = "not_equals"
	OpGreaterThan    Operator = "greater_than"
	OpLessThan       Operator = "less_than"
	OpGreaterOrEqual Operator = "greater_or_equal"
	OpLessOrEqual    Operator = "less_or_equal"
	OpContains       Operator = "contains"
	OpNotContains    Operator = "not_contains"
	OpStartsWith     Operator = "starts_with"
	OpEndsWith       Operator = "ends_with"
	OpIsEmpty        Operator = "is_empty"
	OpIsNotEmpty     Operator = "is_not_empty"
	OpInList         Operator = "in_list"
	OpNotInList      Operator = "not_in_list"
	OpIsTrue         Operator = "is_true"
	OpIsFalse        Operator = "is_false"
)

var knownOperators = map[Operator]bool{
	OpEquals: true, OpNotEquals: true, OpGreaterThan: true, OpLessThan: true,
	OpGreaterOrEqual: true, OpLessOrEqual: true, OpContains: true, OpNotContains: true,
	OpStartsWith: true, OpEndsWith: true, OpIsEmpty: true, OpIsNotEmpty: true,
	OpInList: true, OpNotInList: true, OpIsTrue: true, OpIsFalse: true,
}

// IsKnownOperator reports whether op is supported by condition nodes.
func IsKnownOperator(op Operator) bool {
	return knownOperators[op]
}

type ConditionRule struct {
	Variable   string   `json:"variable"     validate:"required"`
	Operator   Operator `json:"operator"     validate:"required"`
	Value      any      `json:"value,omitempty"`
	NextNodeID string   `json:"next_node_id" validate:"required"`
}

type ConditionConfig struct {
	Logic       ConditionLogic  `json:"logic,omitempty"`
	Rules       []ConditionRule `json:"rules"        validate:"required,min=1,dive"`
	DefaultPath string          `json:"default_path" validate:"required"`
}

// DelayUnit is the unit of a DelayConfig amount.
type DelayUnit string

const (
	DelaySeconds DelayUnit = "seconds"
	DelayMinutes DelayUnit = "minutes"
	DelayHours   DelayUnit = "hours"
	DelayDays    DelayUnit = "days"
)

type DelayConfig struct {
	Amount     int       `json:"amount"                 validate:"gt=0"`
	Unit       DelayUnit `json:"unit"                   validate:"required,oneof=seconds minutes hours days"`
	NextNodeID string    `json:"next_node_id,omitempty"`
}

// Duration converts the configured amount into a time.Duration.
func (c *DelayConfig) Duration() time.Duration {
	unit := time.Second

	switch c.Unit {
	case DelayMinutes:
		unit = time.Minute
	case DelayHours:
		unit = time.Hour
	case DelayDays:
		unit = 24 * time.Hour
	case DelaySeconds:
	}

	return time.Duration(c.Amount) * unit
}

// HandoffTarget selects where a handoff routes the conversation.
type HandoffTarget string

const (
	HandoffToQueue      HandoffTarget = "queue"
	HandoffToDepartment HandoffTarget = "department"
	HandoffToAgent      HandoffTarget = "agent"
)

// Priority is the symbolic handoff priority.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Value maps a priority level to its numeric queue ordering weight.
func (p Priority) Value() int {
	switch p {
	case PriorityLow:
		return 1
	case PriorityHigh:
		return 3
	case PriorityUrgent:
		return 4
	default:
		return 2
	}
}

type HandoffConfig struct {
	Target       HandoffTarget `json:"target"                  validate:"required,oneof=queue department agent"`
	QueueID      string        `json:"queue_id,omitempty"      validate:"required_if=Target queue"`
	DepartmentID string        `json:"department_id,omitempty" validate:"required_if=Target department"`
	AgentID      string        `json:"agent_id,omitempty"      validate:"required_if=Target agent"`
	Priority     Priority      `json:"priority,omitempty"      validate:"omitempty,oneof=low normal high urgent"`
	NextNodeID   string        `json:"next_node_id,omitempty"`
}

type EndConfig struct{}

func (StartConfig) NodeType() NodeType     { return NodeTypeStart }
func (MessageConfig) NodeType() NodeType   { return NodeTypeMessage }
func (ConditionConfig) NodeType() NodeType { return NodeTypeCondition }
func (DelayConfig) NodeType() NodeType     { return NodeTypeDelay }
func (HandoffConfig) NodeType() NodeType   { return NodeTypeHandoff }
func (EndConfig) NodeType() NodeType       { return NodeTypeEnd }

func (c *StartConfig) Validate() error { return nil }
func (c *EndConfig) Validate() error   { return nil }

func (c *MessageConfig) Validate() error { return validateStruct(c) }
func (c *DelayConfig) Validate() error   { return validateStruct(c) }
func (c *HandoffConfig) Validate() error { return validateStruct(c) }

func (c *ConditionConfig) Validate() error {
	if err := validateStruct(c); err != nil {
		return err
	}

	if c.Logic != "" && c.Logic != LogicOr && c.Logic != LogicAnd {
		return NewValidationError("logic", "must be AND or OR")
	}

	for i, rule := range c.Rules {
		if !IsKnownOperator(rule.Operator) {
			return NewValidationError(fmt.Sprintf("rules[%d].operator", i), "unknown operator "+string(rule.Operator))
		}
	}

	return nil
}

// newConfig returns an empty config variant for a node type.
func newConfig(t NodeType) (NodeConfig, error) {
	switch t {
	case NodeTypeStart:
		return &StartConfig{}, nil
	case NodeTypeMessage:
		return &MessageConfig{}, nil
	case NodeTypeCondition:
		return &ConditionConfig{}, nil
	case NodeTypeDelay:
		return &DelayConfig{}, nil
	case NodeTypeHandoff:
		return &HandoffConfig{}, nil
	case NodeTypeEnd:
		return &EndConfig{}, nil
	default:
		return nil, NewValidationError("type", "unknown node type "+string(t))
	}
}

type nodeJSON struct {
	ID          string          `json:"id"`
	Type        NodeType        `json:"type"`
	Name        string          `json:"name,omitempty"`
	Connections []string        `json:"connections,omitempty"`
	Config      json.RawMessage `json:"config,omitempty"`
}

// UnmarshalJSON decodes the config variant selected by the node type.
func (n *Node) UnmarshalJSON(data []byte) error {
	var raw nodeJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	config, err := newConfig(raw.Type)
	if err != nil {
		return err
	}

	if len(raw.Config) > 0 && string(raw.Config) != "null" {
		if err := json.Unmarshal(raw.Config, config); err != nil {
			return fmt.Errorf("node %s: invalid %s config: %w", raw.ID, raw.Type, err)
		}
	}

	n.ID = raw.ID
	n.Type = raw.Type
	n.Name = raw.Name
	n.Connections = raw.Connections
	n.Config = config

	return nil
}

// LinearNext returns the successor of a single-exit node: the configured
// next_node_id, else the first connection, else "" (end of flow).
func (n *Node) LinearNext(configured string) string {
	if configured != "" {
		return configured
	}

	if len(n.Connections) > 0 {
		return n.Connections[0]
	}

	return ""
}

// NodeByID finds a node in the flow.
func (f *Flow) NodeByID(id string) (*Node, bool) {
	for _, n := range f.Nodes {
		if n.ID == id {
			return n, true
		}
	}

	return nil, false
}

// StartNode returns the designated start node.
func (f *Flow) StartNode() (*Node, bool) {
	if f.StartNodeID != "" {
		return f.NodeByID(f.StartNodeID)
	}

	for _, n := range f.Nodes {
		if n.Type == NodeTypeStart {
			return n, true
		}
	}

	return nil, false
}

// Validate checks every node config and that all edges point at existing nodes.
func (f *Flow) Validate() error {
	if err := validateStruct(f); err != nil {
		return err
	}

	ids := make(map[string]bool, len(f.Nodes))
	starts := 0

	for i, n := range f.Nodes {
		if n == nil || n.ID == "" {
			return NewValidationError(fmt.Sprintf("nodes[%d].id", i), "node id is required")
		}

		if ids[n.ID] {
			return NewValidationError(fmt.Sprintf("nodes[%d].id", i), "duplicate node id "+n.ID)
		}

		ids[n.ID] = true

		if n.Type == NodeTypeStart {
			starts++
		}

		if n.Config == nil {
			config, err := newConfig(n.Type)
			if err != nil {
				return err
			}

			n.Config = config
		}

		if n.Config.NodeType() != n.Type {
			return NewValidationError("nodes."+n.ID+".config", "config does not match node type "+string(n.Type))
		}

		if err := n.Config.Validate(); err != nil {
			return fmt.Errorf("node %s: %w", n.ID, err)
		}
	}

	if starts != 1 {
		return NewValidationError("nodes", "flow must have exactly one start node")
	}

	start, ok := f.StartNode()
	if !ok || start.Type != NodeTypeStart {
		return NewValidationError("start_node_id", "start node not found")
	}

	for _, n := range f.Nodes {
		for _, target := range edgesOf(n) {
			if target != "" && !ids[target] {
				return NewValidationError("nodes."+n.ID, "references missing node "+target)
			}
		}
	}

	return nil
}

func edgesOf(n *Node) []string {
	edges := append([]string{}, n.Connections...)

	switch c := n.Config.(type) {
	case *StartConfig:
		edges = append(edges, c.NextNodeID)
	case *MessageConfig:
		edges = append(edges, c.NextNodeID)
	case *DelayConfig:
		edges = append(edges, c.NextNodeID)
	case *HandoffConfig:
		edges = append(edges, c.NextNodeID)
	case *ConditionConfig:
		edges = append(edges, c.DefaultPath)
		for _, r := range c.Rules {
			edges = append(edges, r.NextNodeID)
		}
	}

	return edges
}
