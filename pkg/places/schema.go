// Package places defines the places entity: its query schema, how it is
// stored on each backend and the hooks that handle its image and tasks.
package places

import (
	"github.com/nimburion/places/pkg/query"
	"github.com/nimburion/places/pkg/repository/document"
	"github.com/nimburion/places/pkg/repository/memory"
	"github.com/nimburion/places/pkg/repository/relational"
	"github.com/nimburion/places/pkg/store"
)

// Entity is the resource name used in routes, tables and messages.
const Entity = "places"

const (
	latExpr = "CAST(places.location->>'lat' AS float)"
	lngExpr = "CAST(places.location->>'lng' AS float)"
)

var creatorJoin = relational.Join{
	Table: "users",
	Alias: "creator",
	On:    "creator.id = places.creator_id",
	Level: 1,
}

// NewSchema returns a validated schema. Each engine gets its own copy.
func NewSchema(maxPageSize int) *query.Schema {
	return (&query.Schema{
		Entity: Entity,
		Selectable: []string{
			"id", "title", "description", "address", "location", "location.lat", "location.lng",
			"imageKey", "imageUrl", "creatorId", "creatorName", "createdAt", "updatedAt",
		},
		Sortable: []string{"title", "createdAt", "updatedAt", "locationLat", "locationLng", "creatorName"},
		Searchable: map[string]query.FieldSpec{
			"title":       {Type: query.TypeString, FullText: true},
			"description": {Type: query.TypeString, FullText: true},
			"address":     {Type: query.TypeString},
			"creatorId":   {Type: query.TypeIdentifier},
			"creatorName": {Type: query.TypeString},
			"locationLat": {Type: query.TypeNumeric, Validate: within(-90, 90)},
			"locationLng": {Type: query.TypeNumeric, Validate: within(-180, 180)},
			"createdAt":   {Type: query.TypeDate},
		},
		DefaultFields: []string{
			"id", "title", "description", "address", "location",
			"imageUrl", "creatorId", "createdAt", "updatedAt",
		},
		Computed:    map[string][]string{"imageUrl": {"imageKey"}},
		DefaultSort: []query.SortField{{Field: "createdAt", Desc: true}},
		MaxPageSize: maxPageSize,
	}).MustValidate()
}

// StorageEntity maps places onto every supported backend.
func StorageEntity() store.Entity {
	return store.Entity{
		Table: relational.Table{
			Name: "places",
			Fields: []string{
				"id", "title", "description", "address", "location",
				"imageKey", "creatorId", "createdAt", "updatedAt",
			},
			Columns: map[string]relational.Column{
				"location":     {Name: "location", JSON: true},
				"locationLat":  {Expr: latExpr},
				"locationLng":  {Expr: lngExpr},
				"location.lat": {Expr: latExpr},
				"location.lng": {Expr: lngExpr},
				"creatorName":  {Expr: "creator.name", Joins: []relational.Join{creatorJoin}},
			},
		},
		Collection: document.Collection{
			Name:        "places",
			IDField:     "id",
			Paths:       map[string]string{"locationLat": "location.lat", "locationLng": "location.lng"},
			TextIndexed: []string{"title", "description"},
			Lookups: []document.Lookup{
				{As: "creatorName", From: "users", LocalField: "creatorId", Field: "name"},
			},
		},
		Memory: memory.Options{
			Name:  "places",
			Paths: map[string]string{"locationLat": "location.lat", "locationLng": "location.lng"},
			Lookups: []memory.Lookup{
				{As: "creatorName", From: "users", LocalField: "creatorId", Field: "name"},
			},
		},
	}
}

func within(min, max float64) func(any) error {
	return func(v any) error {
		f, ok := v.(float64)
		if !ok || f < min || f > max {
			return errOutOfRange(min, max)
		}
		return nil
	}
}
