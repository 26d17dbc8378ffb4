package crud

import (
	"context"
	"fmt"

	"github.com/nimburion/places/pkg/auth"
	"github.com/nimburion/places/pkg/query"
)

// Policy authorizes each engine operation before storage is touched.
// AuthSearch may narrow q in place. AuthUpdate may drop fields from patch.
type Policy interface {
	AuthCreate(ctx context.Context, p *auth.Principal, rec Record) error
	AuthRead(ctx context.Context, p *auth.Principal, rec Record) error
	AuthUpdate(ctx context.Context, p *auth.Principal, existing, patch Record) error
	AuthDelete(ctx context.Context, p *auth.Principal, existing Record) error
	AuthSearch(ctx context.Context, p *auth.Principal, q *query.Query) error
}

// OwnershipPolicy lets admins do anything and restricts everyone else to the
// records whose OwnerField equals their principal id.
type OwnershipPolicy struct {
	// OwnerField holds the owning principal id ("creatorId", or "id" for self access).
	OwnerField string
	// StampOwner sets OwnerField to the caller's id on create.
	StampOwner bool
	// AnonymousCreate allows create without a principal (signup).
	AnonymousCreate bool
}

// AuthCreate requires a principal unless AnonymousCreate is set.
func (o OwnershipPolicy) AuthCreate(_ context.Context, p *auth.Principal, rec Record) error {
	if p == nil {
		if o.AnonymousCreate {
			return nil
		}
		return ErrUnauthenticated
	}
	if o.StampOwner {
		if _, set := rec[o.OwnerField]; !set || !p.IsAdmin {
			rec[o.OwnerField] = p.ID
		}
	}
	return nil
}

// AuthRead allows admins and the owner.
func (o OwnershipPolicy) AuthRead(_ context.Context, p *auth.Principal, rec Record) error {
	return o.owns(p, rec)
}

// AuthUpdate allows admins and the owner. Non-admins cannot reassign ownership.
func (o OwnershipPolicy) AuthUpdate(_ context.Context, p *auth.Principal, existing, patch Record) error {
	if err := o.owns(p, existing); err != nil {
		return err
	}
	if !p.IsAdmin {
		delete(patch, o.OwnerField)
	}
	return nil
}

// AuthDelete allows admins and the owner.
func (o OwnershipPolicy) AuthDelete(_ context.Context, p *auth.Principal, existing Record) error {
	return o.owns(p, existing)
}

// AuthSearch forces an OwnerField eq filter for non-admins, replacing any
// owner filter supplied by the caller.
func (o OwnershipPolicy) AuthSearch(_ context.Context, p *auth.Principal, q *query.Query) error {
	if p == nil {
		return ErrUnauthenticated
	}
	if p.IsAdmin {
		return nil
	}
	if q.Filters == nil {
		q.Filters = query.FilterSet{}
	}
	q.Filters.Set(o.OwnerField, query.FieldFilter{Operator: query.OpEq, Value: p.ID})
	return nil
}

func (o OwnershipPolicy) owns(p *auth.Principal, rec Record) error {
	if p == nil {
		return ErrUnauthenticated
	}
	if p.IsAdmin {
		return nil
	}
	if owner, ok := rec[o.OwnerField]; ok && fmt.Sprint(owner) == p.ID {
		return nil
	}
	return ErrForbidden
}

// Public allows every operation, including anonymous ones.
type Public struct{}

func (Public) AuthCreate(context.Context, *auth.Principal, Record) error         { return nil }
func (Public) AuthRead(context.Context, *auth.Principal, Record) error           { return nil }
func (Public) AuthUpdate(context.Context, *auth.Principal, Record, Record) error { return nil }
func (Public) AuthDelete(context.Context, *auth.Principal, Record) error         { return nil }
func (Public) AuthSearch(context.Context, *auth.Principal, *query.Query) error   { return nil }
