package crud

import "errors"

// Sentinel errors returned by stores and policies. The engine classifies them
// into apperr values before they leave Engine methods.
var (
	ErrNotFound        = errors.New("record not found")
	ErrConflict        = errors.New("record conflicts with an existing one")
	ErrUnauthenticated = errors.New("authentication required")
	ErrForbidden       = errors.New("operation not permitted")
)
