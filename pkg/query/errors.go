package query

import (
	"errors"
	"fmt"
)

// ErrValidation classifies every rejection produced by this package.
var ErrValidation = errors.New("query validation error")

// ValidationError reports a malformed or disallowed query parameter.
type ValidationError struct {
	Field   string
	Message string
	Details map[string]any
}

func newValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e == nil {
		return ErrValidation.Error()
	}
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Is lets errors.Is(err, ErrValidation) match any ValidationError.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}
