// Package requestid assigns every request an id, propagated in the
// X-Request-ID header and the request context.
package requestid

import (
	"context"
	"regexp"

	"github.com/google/uuid"

	"github.com/nimburion/places/pkg/middleware"
	"github.com/nimburion/places/pkg/server/router"
)

// RequestIDHeader is the HTTP header name for request ID.
const RequestIDHeader = "X-Request-ID"

// Incoming ids are kept only when they look like ids; anything else is
// replaced so log lines cannot be forged through the header.
var acceptable = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)

// RequestID generates or extracts the request id and stores it in the
// response headers and the request context.
func RequestID() router.MiddlewareFunc {
	return func(next router.HandlerFunc) router.HandlerFunc {
		return func(c router.Context) error {
			requestID := c.Request().Header.Get(RequestIDHeader)
			if !acceptable.MatchString(requestID) {
				requestID = uuid.NewString()
			}

			c.Set(string(middleware.RequestIDKey), requestID)
			c.Response().Header().Set(RequestIDHeader, requestID)

			ctx := context.WithValue(c.Request().Context(), middleware.RequestIDKey, requestID)
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	}
}

// GetRequestID extracts the request ID from a context.
func GetRequestID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if requestID, ok := ctx.Value(middleware.RequestIDKey).(string); ok {
		return requestID
	}
	return ""
}
