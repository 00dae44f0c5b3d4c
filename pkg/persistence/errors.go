// Package persistence provides standardized error types for persistence operations.
package persistence

import (
	"errors"
	"fmt"
)

// ErrNotFound is wrapped by every record-specific not-found error.
var ErrNotFound = errors.New("not found")

// Standard persistence error types that all implementations should use.
var (
	ErrScheduleNotFound      = fmt.Errorf("schedule %w", ErrNotFound)
	ErrExceptionNotFound     = fmt.Errorf("schedule exception %w", ErrNotFound)
	ErrAutomationNotFound    = fmt.Errorf("automation %w", ErrNotFound)
	ErrExecutionNotFound     = fmt.Errorf("execution %w", ErrNotFound)
	ErrRecipientTaskNotFound = fmt.Errorf("recipient task %w", ErrNotFound)
	ErrFlowNotFound          = fmt.Errorf("flow %w", ErrNotFound)
	ErrQueueNotFound         = fmt.Errorf("queue %w", ErrNotFound)
	ErrConversationNotFound  = fmt.Errorf("conversation %w", ErrNotFound)
	ErrTriggerNotFound       = fmt.Errorf("trigger %w", ErrNotFound)
	ErrContactNotFound       = fmt.Errorf("contact %w", ErrNotFound)

	// ErrExecutionFinished indicates a run already reached a terminal status.
	ErrExecutionFinished = errors.New("execution already finished")
)

// RecordError wraps a repository failure with the operation and record.
type RecordError struct {
	Op     string // Operation being performed (e.g., "GetByID", "Save", "Claim")
	Record string // Record kind (e.g., "schedule")
	ID     string
	Err    error
}

func (e *RecordError) Error() string {
	return fmt.Sprintf("%s operation failed for %s %s: %v", e.Op, e.Record, e.ID, e.Err)
}

func (e *RecordError) Unwrap() error {
	return e.Err
}

func (e *RecordError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

func NewRecordError(op, record, id string, err error) *RecordError {
	return &RecordError{Op: op, Record: record, ID: id, Err: err}
}

// IsNotFound checks if an error indicates any record was not found.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsScheduleNotFound checks if an error indicates a schedule was not found.
func IsScheduleNotFound(err error) bool {
	return errors.Is(err, ErrScheduleNotFound)
}

// IsExecutionFinished checks if an error indicates a run already finished.
func IsExecutionFinished(err error) bool {
	return errors.Is(err, ErrExecutionFinished)
}
