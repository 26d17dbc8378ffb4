package controller

import (
	"net/http"

	"github.com/nimburion/places/pkg/server/router"
)

// SuccessResponse wraps a single resource.
type SuccessResponse struct {
	Data      any    `json:"data"`
	RequestID string `json:"request_id,omitempty"`
}

// PageResponse is the paginated search envelope.
type PageResponse struct {
	Page       int    `json:"page"`
	TotalPages int    `json:"totalPages"`
	TotalCount int64  `json:"totalCount"`
	Data       any    `json:"data"`
	RequestID  string `json:"request_id,omitempty"`
}

// Success sends data with 200 OK.
func Success(c router.Context, data any) error {
	return c.JSON(http.StatusOK, SuccessResponse{
		Data:      data,
		RequestID: getRequestID(c.Request().Context()),
	})
}

// Created sends data with 201 Created.
func Created(c router.Context, data any) error {
	return c.JSON(http.StatusCreated, SuccessResponse{
		Data:      data,
		RequestID: getRequestID(c.Request().Context()),
	})
}

// Paginated sends a search page with 200 OK.
func Paginated(c router.Context, page PageResponse) error {
	page.RequestID = getRequestID(c.Request().Context())
	return c.JSON(http.StatusOK, page)
}

// NoContent sends 204 with no body.
func NoContent(c router.Context) error {
	return c.JSON(http.StatusNoContent, nil)
}

// Error writes err through MapError.
func Error(c router.Context, err error) error {
	statusCode, errorResponse := MapError(c.Request().Context(), err)
	return c.JSON(statusCode, errorResponse)
}
