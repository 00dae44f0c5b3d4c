// Package services provides the operations behind the HTTP API and the error
// classification the handlers map to status codes.
package services

import (
	"errors"
	"fmt"

	"github.com/dukex/courier/pkg/dispatcher"
	"github.com/dukex/courier/pkg/flow"
	"github.com/dukex/courier/pkg/models"
	"github.com/dukex/courier/pkg/persistence"
	"github.com/dukex/courier/pkg/router"
	"github.com/dukex/courier/pkg/trigger"
)

// Business Logic Errors - These indicate client errors (4xx responses).
var (
	// Validation Errors (400 Bad Request).
	ErrInvalidRequest    = errors.New("invalid request")
	ErrFlowNil           = errors.New("flow cannot be nil")
	ErrUnknownNodeType   = errors.New("flow uses a node type with no handler")
	ErrAgentIDRequired   = errors.New("agent_id is required")
	ErrConflictingTarget = errors.New("release takes either queue_id or agent_id, not both")
)

// ServiceError wraps service-level errors with additional context.
type ServiceError struct {
	Op      string // Operation name
	Code    string // Error code for API responses
	Message string // Human-readable message
	Err     error  // Underlying error
}

func (e *ServiceError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}

	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

func (e *ServiceError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// IsValidationError checks if an error is a validation error that should return HTTP 400.
func IsValidationError(err error) bool {
	return models.IsValidationError(err) ||
		flow.IsConfigError(err) ||
		errors.Is(err, ErrInvalidRequest) ||
		errors.Is(err, ErrFlowNil) ||
		errors.Is(err, ErrUnknownNodeType) ||
		errors.Is(err, ErrAgentIDRequired) ||
		errors.Is(err, ErrConflictingTarget) ||
		errors.Is(err, trigger.ErrNoContactRef)
}

// IsConflictError checks if an error is a state conflict that should return HTTP 409.
func IsConflictError(err error) bool {
	return persistence.IsExecutionFinished(err) ||
		errors.Is(err, dispatcher.ErrAutomationInactive) ||
		errors.Is(err, dispatcher.ErrNoFlow) ||
		errors.Is(err, router.ErrQueueClosed) ||
		errors.Is(err, router.ErrQueueInactive) ||
		errors.Is(err, router.ErrAgentAtCapacity) ||
		errors.Is(err, router.ErrAgentNotMember) ||
		errors.Is(err, router.ErrConversationClosed) ||
		errors.Is(err, router.ErrNoReleaseTarget)
}

// NewValidationError creates a new validation error with context.
func NewValidationError(op, code, message string, err error) *ServiceError {
	return &ServiceError{
		Op:      op,
		Code:    code,
		Message: message,
		Err:     err,
	}
}
