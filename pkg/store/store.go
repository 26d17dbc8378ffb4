// Package store opens the configured record database and object storage
// and hands out per-entity crud.Store values.
package store

import (
	"context"
	"errors"
)

// Adapter is anything the service must health check and close on shutdown.
type Adapter interface {
	HealthCheck(ctx context.Context) error
	Close() error
}

// CloseAll closes adapters in order and joins the errors. Nil entries are
// skipped.
func CloseAll(adapters ...Adapter) error {
	var errs []error
	for _, a := range adapters {
		if a == nil {
			continue
		}
		if err := a.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
