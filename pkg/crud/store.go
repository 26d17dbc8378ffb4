// Package crud composes a storage backend, a field schema, an authorization
// policy and optional hooks into one CRUD engine per entity.
package crud

import (
	"context"

	"github.com/nimburion/places/pkg/query"
)

// Store is the capability set a storage backend provides to the engine.
//
// Find and Count receive a validated query whose Projection is already
// resolved. Get with nil fields returns every stored field. Update applies a
// partial patch. Get, Update and Delete return ErrNotFound for unknown ids;
// Insert and Update return ErrConflict on uniqueness violations.
type Store interface {
	Count(ctx context.Context, q *query.Query) (int64, error)
	Find(ctx context.Context, q *query.Query) ([]Record, error)
	Get(ctx context.Context, id string, fields []string) (Record, error)
	Insert(ctx context.Context, rec Record) error
	Update(ctx context.Context, id string, patch Record) error
	Delete(ctx context.Context, id string) error
}
