// Package apperr defines the application error contract shared by every layer:
// a stable code, a human-readable fallback message, optional structured details,
// the HTTP status it maps to and the wrapped cause.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
)

// Stable error codes.
const (
	CodeValidation      = "validation.failed"
	CodeNotFound        = "resource.not_found"
	CodeConflict        = "resource.conflict"
	CodeUnauthenticated = "auth.unauthorized"
	CodeForbidden       = "auth.forbidden"
	CodeInternal        = "internal.error"
)

// Params carries values interpolated into a message template.
type Params map[string]any

// AppError is an error with a stable code, params and an optional wrapped cause.
type AppError struct {
	Code            string
	FallbackMessage string
	Params          Params
	Details         map[string]any
	HTTPStatus      int
	Cause           error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e == nil {
		return ""
	}
	label := e.Code
	if e.FallbackMessage != "" {
		label = e.FallbackMessage
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", label, e.Cause)
	}
	return label
}

// Unwrap exposes the wrapped cause for errors.Is / errors.As.
func (e *AppError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// New creates an AppError with a stable code.
func New(code string, params Params, cause error) *AppError {
	return &AppError{
		Code:   code,
		Params: cloneParams(params),
		Cause:  cause,
	}
}

// WithMessage sets the non-localized message returned to callers.
func (e *AppError) WithMessage(message string) *AppError {
	if e == nil {
		return nil
	}
	e.FallbackMessage = message
	return e
}

// WithHTTPStatus sets an explicit HTTP status for this error.
func (e *AppError) WithHTTPStatus(status int) *AppError {
	if e == nil {
		return nil
	}
	e.HTTPStatus = status
	return e
}

// WithDetails sets structured error details.
func (e *AppError) WithDetails(details map[string]any) *AppError {
	if e == nil {
		return nil
	}
	e.Details = details
	return e
}

// Validation reports a malformed request (422).
func Validation(message string, details map[string]any, cause error) *AppError {
	return New(CodeValidation, nil, cause).
		WithMessage(message).
		WithHTTPStatus(http.StatusUnprocessableEntity).
		WithDetails(details)
}

// NotFound reports a missing entity (404).
func NotFound(message string, cause error) *AppError {
	return New(CodeNotFound, nil, cause).
		WithMessage(message).
		WithHTTPStatus(http.StatusNotFound)
}

// Conflict reports a uniqueness violation (409).
func Conflict(message string, cause error) *AppError {
	return New(CodeConflict, nil, cause).
		WithMessage(message).
		WithHTTPStatus(http.StatusConflict)
}

// Unauthenticated reports a missing or invalid principal (401).
func Unauthenticated(message string, cause error) *AppError {
	return New(CodeUnauthenticated, nil, cause).
		WithMessage(message).
		WithHTTPStatus(http.StatusUnauthorized)
}

// Forbidden reports a principal without rights on the target (403).
func Forbidden(message string, cause error) *AppError {
	return New(CodeForbidden, nil, cause).
		WithMessage(message).
		WithHTTPStatus(http.StatusForbidden)
}

// Internal reports an unexpected failure (500). The message must not carry driver text.
func Internal(message string, cause error) *AppError {
	return New(CodeInternal, nil, cause).
		WithMessage(message).
		WithHTTPStatus(http.StatusInternalServerError)
}

// As returns err as an *AppError when it is one.
func As(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// CanonicalParams returns the param keys in deterministic order.
func CanonicalParams(params Params) []string {
	keys := make([]string, 0, len(params))
	for key := range params {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func cloneParams(params Params) Params {
	if len(params) == 0 {
		return nil
	}
	out := make(Params, len(params))
	for key, value := range params {
		out[key] = value
	}
	return out
}
