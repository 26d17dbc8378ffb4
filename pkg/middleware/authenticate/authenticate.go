// Package authenticate resolves the bearer token of a request into an
// auth.Principal stored in the request context.
package authenticate

import (
	"strings"

	"github.com/nimburion/places/pkg/apperr"
	"github.com/nimburion/places/pkg/auth"
	"github.com/nimburion/places/pkg/controller"
	"github.com/nimburion/places/pkg/server/router"
)

// PrincipalKey is the router context key holding the *auth.Principal.
const PrincipalKey = "principal"

// Optional verifies a bearer token when one is sent. Requests without an
// Authorization header continue anonymously; a malformed or invalid token
// is rejected with 401 rather than silently downgraded.
func Optional(verifier auth.Verifier) router.MiddlewareFunc {
	return middleware(verifier, false)
}

// Required rejects requests without a valid bearer token.
func Required(verifier auth.Verifier) router.MiddlewareFunc {
	return middleware(verifier, true)
}

func middleware(verifier auth.Verifier, required bool) router.MiddlewareFunc {
	return func(next router.HandlerFunc) router.HandlerFunc {
		return func(c router.Context) error {
			header := c.Request().Header.Get("Authorization")
			if header == "" {
				if required {
					return controller.Error(c, apperr.Unauthenticated("missing authorization header", nil))
				}
				return next(c)
			}

			scheme, token, ok := strings.Cut(header, " ")
			if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
				return controller.Error(c, apperr.Unauthenticated("invalid authorization header format", nil))
			}

			principal, err := verifier.Verify(c.Request().Context(), strings.TrimSpace(token))
			if err != nil {
				return controller.Error(c, apperr.Unauthenticated("invalid token", err))
			}

			c.Set(PrincipalKey, principal)
			c.SetRequest(c.Request().WithContext(auth.WithPrincipal(c.Request().Context(), principal)))
			return next(c)
		}
	}
}
