package query

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// DefaultMaxPageSize caps page size when a schema does not set its own.
const DefaultMaxPageSize = 100

// Schema is the closed set of field names an entity exposes to queries.
type Schema struct {
	Entity     string
	Selectable []string
	Sortable   []string
	Searchable map[string]FieldSpec
	// DefaultFields is the projection used when a request names no fields.
	// Empty means every selectable field without a dot.
	DefaultFields []string
	DefaultSort   []SortField
	MaxPageSize   int
	// Computed maps selectable fields that post-processing derives to the
	// stored top-level fields they are built from, e.g. imageUrl -> imageKey.
	// Computed fields are never sent to a store.
	Computed map[string][]string

	selectable map[string]struct{}
	sortable   map[string]struct{}
}

// Validate checks the schema for internal consistency and indexes its sets.
func (s *Schema) Validate() error {
	if s == nil {
		return errors.New("schema is nil")
	}
	if strings.TrimSpace(s.Entity) == "" {
		return errors.New("schema entity is required")
	}
	s.selectable = make(map[string]struct{}, len(s.Selectable))
	for _, name := range s.Selectable {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("%s: empty selectable field", s.Entity)
		}
		s.selectable[name] = struct{}{}
	}
	s.sortable = make(map[string]struct{}, len(s.Sortable))
	for _, name := range s.Sortable {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("%s: empty sortable field", s.Entity)
		}
		s.sortable[name] = struct{}{}
	}
	for name, spec := range s.Searchable {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("%s: empty searchable field", s.Entity)
		}
		if _, ok := operatorsByType[spec.Type]; !ok {
			return fmt.Errorf("%s: searchable field %q has unknown type %q", s.Entity, name, spec.Type)
		}
		if isReserved(name) {
			return fmt.Errorf("%s: searchable field %q shadows a reserved parameter", s.Entity, name)
		}
	}
	for name, sources := range s.Computed {
		if _, ok := s.selectable[name]; !ok {
			return fmt.Errorf("%s: computed field %q is not selectable", s.Entity, name)
		}
		if _, ok := s.sortable[name]; ok {
			return fmt.Errorf("%s: computed field %q cannot be sortable", s.Entity, name)
		}
		if _, ok := s.Searchable[name]; ok {
			return fmt.Errorf("%s: computed field %q cannot be searchable", s.Entity, name)
		}
		if len(sources) == 0 {
			return fmt.Errorf("%s: computed field %q has no source fields", s.Entity, name)
		}
		for _, src := range sources {
			if _, computed := s.Computed[src]; computed || strings.Contains(src, ".") {
				return fmt.Errorf("%s: computed field %q needs a stored top-level source, got %q", s.Entity, name, src)
			}
			if _, ok := s.selectable[src]; !ok {
				return fmt.Errorf("%s: source %q of computed field %q is not selectable", s.Entity, src, name)
			}
		}
	}
	for _, name := range s.DefaultFields {
		if _, ok := s.selectable[name]; !ok {
			return fmt.Errorf("%s: default field %q is not selectable", s.Entity, name)
		}
	}
	if s.DefaultSort == nil {
		s.DefaultSort = []SortField{{Field: "createdAt", Desc: true}}
	}
	for _, sf := range s.DefaultSort {
		if _, ok := s.sortable[sf.Field]; !ok {
			return fmt.Errorf("%s: default sort field %q is not sortable", s.Entity, sf.Field)
		}
	}
	if s.MaxPageSize <= 0 {
		s.MaxPageSize = DefaultMaxPageSize
	}
	return nil
}

// Validated reports whether Validate has succeeded on s.
func (s *Schema) Validated() bool {
	return s != nil && s.selectable != nil
}

// MustValidate panics if the schema is invalid. Meant for package-level schemas.
func (s *Schema) MustValidate() *Schema {
	if err := s.Validate(); err != nil {
		panic(err)
	}
	return s
}

// IsSelectable reports whether name may appear in a projection.
func (s *Schema) IsSelectable(name string) bool {
	_, ok := s.selectable[name]
	return ok
}

// IsSortable reports whether name may appear in a sort.
func (s *Schema) IsSortable(name string) bool {
	_, ok := s.sortable[name]
	return ok
}

// Field returns the spec of a searchable field.
func (s *Schema) Field(name string) (FieldSpec, bool) {
	spec, ok := s.Searchable[name]
	return spec, ok
}

// Projection returns fields, or the default projection when fields is empty.
func (s *Schema) Projection(fields []string) []string {
	if len(fields) > 0 {
		return fields
	}
	if len(s.DefaultFields) > 0 {
		return append([]string(nil), s.DefaultFields...)
	}
	out := make([]string, 0, len(s.Selectable))
	for _, name := range s.Selectable {
		if !strings.Contains(name, ".") {
			out = append(out, name)
		}
	}
	return out
}

// StorageFields replaces the computed fields in fields with their sources.
// Each name appears once, in first-seen order.
func (s *Schema) StorageFields(fields []string) []string {
	if len(s.Computed) == 0 {
		return fields
	}
	out := make([]string, 0, len(fields))
	seen := make(map[string]struct{}, len(fields))
	add := func(name string) {
		if _, dup := seen[name]; !dup {
			seen[name] = struct{}{}
			out = append(out, name)
		}
	}
	for _, field := range fields {
		sources, computed := s.Computed[field]
		if !computed {
			add(field)
			continue
		}
		for _, src := range sources {
			add(src)
		}
	}
	return out
}

// SearchableFields returns the searchable field names in sorted order.
func (s *Schema) SearchableFields() []string {
	out := make([]string, 0, len(s.Searchable))
	for name := range s.Searchable {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
