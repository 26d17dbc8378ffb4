// Package recovery turns handler panics into logged 500 responses.
package recovery

import (
	"fmt"
	"runtime/debug"

	"github.com/nimburion/places/pkg/apperr"
	"github.com/nimburion/places/pkg/controller"
	"github.com/nimburion/places/pkg/observability/logger"
	"github.com/nimburion/places/pkg/server/router"
)

// Recovery recovers panics, logs them with a stack trace and answers 500
// through the regular error envelope. The panic value never reaches the client.
func Recovery(log logger.Logger) router.MiddlewareFunc {
	return func(next router.HandlerFunc) router.HandlerFunc {
		return func(c router.Context) (err error) {
			defer func() {
				r := recover()
				if r == nil {
					return
				}
				log.WithContext(c.Request().Context()).Error("panic recovered",
					"panic", r,
					"stack", string(debug.Stack()),
				)
				if c.Response().Written() {
					return
				}
				err = controller.Error(c, apperr.Internal("an unexpected error occurred", fmt.Errorf("panic: %v", r)))
			}()
			return next(c)
		}
	}
}
