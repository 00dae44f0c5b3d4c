// Package condition routes a flow by evaluating an ordered rule list against
// the recipient's variables and the built-in ones.
package condition

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
	return models.NodeTypeCondition
}

// Execute picks the next node. OR: the first matching rule wins. AND: the
// first failing rule sends the flow to the default path; if every rule
// matches the last rule's target is used.
func (n *Node) Execute(_ context.Context, node *models.Node, fc *flow.Context) (flow.Result, error) {
	cfg, ok := node.Config.(*models.ConditionConfig)
	if !ok {
		return flow.Result{}, flow.NewConfigError(node.ID, "condition config missing", nil)
	}

	if len(cfg.Rules) == 0 {
		return flow.Result{}, flow.NewConfigError(node.ID, "condition has no rules", nil)
	}

	next, matched, err := Evaluate(cfg, fc)
	if err != nil {
		return flow.Result{}, flow.NewConfigError(node.ID, "invalid condition rule", err)
	}

	return flow.Result{
		NextNodeID: next,
		Variables:  map[string]any{"last_condition_matched": matched},
	}, nil
}

// Evaluate returns the chosen next node id and whether a rule path (not the
// default path) was taken.
func Evaluate(cfg *models.ConditionConfig, fc *flow.Context) (string, bool, error) {
	if cfg.Logic == models.LogicAnd {
		for _, rule := range cfg.Rules {
			ok, err := matchRule(rule, fc)
			if err != nil {
				return "", false, err
			}

			if !ok {
				return cfg.DefaultPath, false, nil
			}
		}

		return cfg.Rules[len(cfg.Rules)-1].NextNodeID, true, nil
	}

	for _, rule := range cfg.Rules {
		ok, err := matchRule(rule, fc)
		if err != nil {
			return "", false, err
		}

		if ok {
			return rule.NextNodeID, true, nil
		}
	}

	return cfg.DefaultPath, false, nil
}

func matchRule(rule models.ConditionRule, fc *flow.Context) (bool, error) {
	actual, _ := fc.Lookup(rule.Variable)

	return Match(rule.Operator, actual, rule.Value)
}
