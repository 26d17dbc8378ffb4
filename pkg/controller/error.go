package controller

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/nimburion/places/pkg/apperr"
	"github.com/nimburion/places/pkg/middleware"
	"github.com/nimburion/places/pkg/query"
)

const unexpectedMessage = "an unexpected error occurred"

// ErrorResponse is the JSON body of every error answer.
type ErrorResponse struct {
	Error     string         `json:"error"`
	Code      string         `json:"code,omitempty"`
	Message   string         `json:"message"`
	RequestID string         `json:"request_id,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// MapError maps an error to its HTTP status and response body.
// Query validation errors become 422; anything that is not an AppError is a
// 500 whose message never includes the underlying error text.
func MapError(ctx context.Context, err error) (int, ErrorResponse) {
	requestID := getRequestID(ctx)

	appErr, ok := apperr.As(err)
	if !ok {
		var verr *query.ValidationError
		if errors.As(err, &verr) {
			appErr = FromValidation(verr)
		}
	}
	if appErr == nil {
		return http.StatusInternalServerError, ErrorResponse{
			Error:     "internal_server_error",
			Code:      apperr.CodeInternal,
			Message:   unexpectedMessage,
			RequestID: requestID,
		}
	}

	status := appErr.HTTPStatus
	if status == 0 {
		status = inferStatusFromCode(appErr.Code)
	}

	message := appErr.FallbackMessage
	if message == "" {
		message = unexpectedMessage
	}

	return status, ErrorResponse{
		Error:     errorCategory(status, appErr.Code),
		Code:      appErr.Code,
		Message:   message,
		RequestID: requestID,
		Details:   appErr.Details,
	}
}

// FromValidation converts a query validation error into a 422 AppError.
func FromValidation(verr *query.ValidationError) *apperr.AppError {
	details := map[string]any{"field": verr.Field}
	for k, v := range verr.Details {
		details[k] = v
	}
	return apperr.Validation(verr.Error(), details, verr)
}

func getRequestID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if id, ok := ctx.Value(middleware.RequestIDKey).(string); ok {
		return id
	}
	return ""
}

func errorCategory(status int, code string) string {
	if strings.HasPrefix(strings.ToLower(code), "validation.") {
		return "validation_error"
	}

	switch status {
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return "validation_error"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	default:
		if status >= 500 {
			return "internal_server_error"
		}
		return "application_error"
	}
}

func inferStatusFromCode(code string) int {
	lowerCode := strings.ToLower(strings.TrimSpace(code))
	switch {
	case strings.HasPrefix(lowerCode, "validation."):
		return http.StatusUnprocessableEntity
	case strings.Contains(lowerCode, "unauthorized"):
		return http.StatusUnauthorized
	case strings.Contains(lowerCode, "forbidden"):
		return http.StatusForbidden
	case strings.Contains(lowerCode, "not_found"):
		return http.StatusNotFound
	case strings.Contains(lowerCode, "conflict"):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
