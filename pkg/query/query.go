package query

import "sort"

// SortField is one entry of an ordered sort specification.
type SortField struct {
	Field string
	Desc  bool
}

// Pagination is a validated page request.
type Pagination struct {
	Page int
	Size int
}

// Skip returns the number of records preceding the page.
func (p Pagination) Skip() int {
	if p.Page <= 1 {
		return 0
	}
	return (p.Page - 1) * p.Size
}

// Limit returns the page size.
func (p Pagination) Limit() int {
	return p.Size
}

// FilterSet maps a searchable field to its filters. Filters on one field are ANDed.
type FilterSet map[string][]FieldFilter

// Add appends a filter for field.
func (fs FilterSet) Add(field string, f FieldFilter) {
	fs[field] = append(fs[field], f)
}

// Set replaces every filter on field with f.
func (fs FilterSet) Set(field string, f FieldFilter) {
	fs[field] = []FieldFilter{f}
}

// Has reports whether field carries at least one filter.
func (fs FilterSet) Has(field string) bool {
	return len(fs[field]) > 0
}

// Fields returns the filtered field names in lexicographic order.
func (fs FilterSet) Fields() []string {
	out := make([]string, 0, len(fs))
	for name, filters := range fs {
		if len(filters) > 0 {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// Clone returns a copy that can be narrowed without touching the original.
func (fs FilterSet) Clone() FilterSet {
	out := make(FilterSet, len(fs))
	for name, filters := range fs {
		out[name] = append([]FieldFilter(nil), filters...)
	}
	return out
}

// Query is the normalized, storage-agnostic form of a search request.
type Query struct {
	Pagination Pagination
	Sort       []SortField
	Filters    FilterSet
	// Projection lists requested fields; empty means the schema default.
	Projection []string
}

// Clone returns a deep copy of q.
func (q *Query) Clone() *Query {
	if q == nil {
		return nil
	}
	return &Query{
		Pagination: q.Pagination,
		Sort:       append([]SortField(nil), q.Sort...),
		Filters:    q.Filters.Clone(),
		Projection: append([]string(nil), q.Projection...),
	}
}

// TotalPages returns ceil(count/size), or 0 when count is 0.
func TotalPages(count int64, size int) int {
	if count <= 0 || size <= 0 {
		return 0
	}
	return int((count + int64(size) - 1) / int64(size))
}
