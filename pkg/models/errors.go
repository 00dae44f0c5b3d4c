package models

import (
	"errors"
	"fmt"
)

// ErrValidation is the sentinel every ValidationError matches with errors.Is.
var ErrValidation = errors.New("validation error")

// ValidationError reports a malformed schedule, flow, queue or trigger
// configuration. It is raised synchronously when the record is saved.
type ValidationError struct {
	Field   string
	Message string
}

func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}

	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// IsValidationError reports whether err carries a ValidationError.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrValidation)
}
