package flow

import (
	"errors"
	"fmt"
)

var (
	ErrFlowConfig      = errors.New("flow config error")
	ErrStepLimit       = errors.New("flow step limit exceeded")
	ErrNoConversation  = errors.New("conversation required")
	ErrHandlerNotFound = errors.New("no handler for node type")
)

// ConfigError aborts one recipient's flow. It is never retried and never
// affects sibling recipients.
type ConfigError struct {
	FlowID string
	NodeID string
	Reason string
	Err    error
}

func (e *ConfigError) Error() string {
	msg := fmt.Sprintf("flow %s node %s: %s", e.FlowID, e.NodeID, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}

	return msg
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

func (e *ConfigError) Is(target error) bool {
	return target == ErrFlowConfig
}

// NewConfigError builds a ConfigError for a node. The engine fills FlowID.
func NewConfigError(nodeID, reason string, err error) *ConfigError {
	return &ConfigError{NodeID: nodeID, Reason: reason, Err: err}
}

func IsConfigError(err error) bool {
	return errors.Is(err, ErrFlowConfig)
}
