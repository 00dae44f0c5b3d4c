package models

import (
	"errors"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validator exposes the shared struct validator so request DTOs are checked
// with the same rules as the domain models.
func Validator() *validator.Validate {
	return validate
}

// validateStruct runs the struct tag rules and converts the first failure
// into a ValidationError.
func validateStruct(s any) error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}

	var fieldErrors validator.ValidationErrors
	if errors.As(err, &fieldErrors) && len(fieldErrors) > 0 {
		fe := fieldErrors[0]

		return NewValidationError(strings.ToLower(fe.Field()), "failed '"+fe.Tag()+"' rule")
	}

	return NewValidationError("", err.Error())
}

// LoadLocation resolves an IANA timezone name, treating empty as UTC.
func LoadLocation(name string) (*time.Location, error) {
	if name == "" {
		return time.UTC, nil
	}

	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, NewValidationError("timezone", "unknown timezone "+name)
	}

	return loc, nil
}
