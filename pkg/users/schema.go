// Package users defines the users entity, signup with bcrypt password
// hashing and login with signed bearer tokens.
package users

import (
	"github.com/nimburion/places/pkg/query"
	"github.com/nimburion/places/pkg/repository/document"
	"github.com/nimburion/places/pkg/repository/memory"
	"github.com/nimburion/places/pkg/repository/relational"
	"github.com/nimburion/places/pkg/store"
)

// Entity is the resource name used in routes, tables and messages.
const Entity = "users"

// NewSchema returns a validated schema. passwordHash is stored but never
// selectable, so no read path can return it.
func NewSchema(maxPageSize int) *query.Schema {
	return (&query.Schema{
		Entity:     Entity,
		Selectable: []string{"id", "name", "email", "image", "isAdmin", "createdAt", "updatedAt"},
		Sortable:   []string{"name", "email", "createdAt"},
		Searchable: map[string]query.FieldSpec{
			"id":        {Type: query.TypeIdentifier},
			"name":      {Type: query.TypeString, FullText: true},
			"email":     {Type: query.TypeString},
			"isAdmin":   {Type: query.TypeBoolean},
			"createdAt": {Type: query.TypeDate},
		},
		MaxPageSize: maxPageSize,
	}).MustValidate()
}

// StorageEntity maps users onto every supported backend. Email is unique on
// all of them.
func StorageEntity() store.Entity {
	return store.Entity{
		Table: relational.Table{
			Name:   "users",
			Fields: []string{"id", "name", "email", "passwordHash", "image", "isAdmin", "createdAt", "updatedAt"},
		},
		Collection: document.Collection{Name: "users", IDField: "id", TextIndexed: []string{"name"}},
		Memory:     memory.Options{Name: "users", Unique: []string{"email"}},
	}
}
