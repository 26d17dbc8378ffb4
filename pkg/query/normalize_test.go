package query

import (
	"errors"
	"reflect"
	"strings"
	"testing"
)

func testSchema() *Schema {
	return (&Schema{
		Entity:     "places",
		Selectable: []string{"id", "title", "address", "location", "location.lat", "location.lng", "createdAt"},
		Sortable:   []string{"title", "createdAt", "locationLat"},
		Searchable: map[string]FieldSpec{
			"title":       {Type: TypeString, FullText: true},
			"address":     {Type: TypeString},
			"creatorId":   {Type: TypeIdentifier},
			"locationLat": {Type: TypeNumeric},
			"createdAt":   {Type: TypeDate},
		},
		MaxPageSize: 25,
	}).MustValidate()
}

func TestNormalize_Defaults(t *testing.T) {
	q, err := Normalize(map[string][]string{}, testSchema())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if q.Pagination != (Pagination{Page: 1, Size: 25}) {
		t.Fatalf("pagination = %+v", q.Pagination)
	}
	if !reflect.DeepEqual(q.Sort, []SortField{{Field: "createdAt", Desc: true}}) {
		t.Fatalf("sort = %+v", q.Sort)
	}
	if len(q.Projection) != 0 || len(q.Filters) != 0 {
		t.Fatalf("expected empty projection and filters, got %+v", q)
	}
}

func TestNormalize_PaginationClampAndErrors(t *testing.T) {
	q, err := Normalize(map[string][]string{"page": {"3"}, "size": {"500"}}, testSchema())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if q.Pagination.Size != 25 || q.Pagination.Page != 3 || q.Pagination.Skip() != 50 {
		t.Fatalf("pagination = %+v skip=%d", q.Pagination, q.Pagination.Skip())
	}

	for _, raw := range []map[string][]string{
		{"page": {"0"}},
		{"page": {"x"}},
		{"size": {"-1"}},
	} {
		if _, err := Normalize(raw, testSchema()); !errors.Is(err, ErrValidation) {
			t.Errorf("Normalize(%v) error = %v, want validation error", raw, err)
		}
	}
}

func TestNormalize_SortAndFields(t *testing.T) {
	q, err := Normalize(map[string][]string{
		"sort":   {"-title,createdAt", "title"},
		"fields": {"title", "location.lat,title"},
	}, testSchema())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	wantSort := []SortField{{Field: "title", Desc: true}, {Field: "createdAt"}}
	if !reflect.DeepEqual(q.Sort, wantSort) {
		t.Fatalf("sort = %+v, want %+v", q.Sort, wantSort)
	}
	if !reflect.DeepEqual(q.Projection, []string{"title", "location.lat"}) {
		t.Fatalf("projection = %v", q.Projection)
	}

	if _, err := Normalize(map[string][]string{"sort": {"-password"}}, testSchema()); err == nil || !strings.Contains(err.Error(), "password") {
		t.Fatalf("expected unknown sort rejection, got %v", err)
	}
	if _, err := Normalize(map[string][]string{"fields": {"password"}}, testSchema()); err == nil {
		t.Fatal("expected unknown field rejection")
	}
}

func TestNormalize_UnknownFilterField(t *testing.T) {
	_, err := Normalize(map[string][]string{"password": {"x"}}, testSchema())
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if verr.Field != "password" || verr.Message != "Unknown filter field" {
		t.Fatalf("unexpected error: %+v", verr)
	}
}

func TestNormalize_Filters(t *testing.T) {
	q, err := Normalize(map[string][]string{
		"title":       {"eq:Stamford Bridge"},
		"locationLat": {"gte:51", "lt:52"},
		"creatorId":   {"u-1"},
	}, testSchema())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := q.Filters.Fields(); !reflect.DeepEqual(got, []string{"creatorId", "locationLat", "title"}) {
		t.Fatalf("fields = %v", got)
	}
	if len(q.Filters["locationLat"]) != 2 || q.Filters["locationLat"][1].Operator != OpLt {
		t.Fatalf("locationLat filters = %+v", q.Filters["locationLat"])
	}
}

func TestNormalize_Exclusivity(t *testing.T) {
	tests := []struct {
		name   string
		values []string
		field  string
		want   string
	}{
		{name: "eq with like", field: "title", values: []string{"eq:Foo", "like:Bar"}, want: "eq cannot be combined"},
		{name: "gt with gte", field: "locationLat", values: []string{"gt:1", "gte:2"}, want: "gt and gte"},
		{name: "lt with lte", field: "locationLat", values: []string{"lt:1", "lte:2"}, want: "lt and lte"},
		{name: "like with ilike", field: "title", values: []string{"like:a", "ilike:b"}, want: "like and ilike"},
		{name: "regex with like", field: "title", values: []string{"regex:a", "like:b"}, want: "regex and like"},
		{name: "regex with ilike", field: "title", values: []string{"ilike:b", "regex:a"}, want: "regex and ilike"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Normalize(map[string][]string{tt.field: tt.values}, testSchema())
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("error = %v, want substring %q", err, tt.want)
			}
		})
	}

	if _, err := Normalize(map[string][]string{"locationLat": {"gt:1", "lte:5"}}, testSchema()); err != nil {
		t.Fatalf("gt with lte must be accepted: %v", err)
	}
}

func TestNormalize_Deterministic(t *testing.T) {
	raw := map[string][]string{
		"title":       {"like:Bridge"},
		"locationLat": {"gt:10", "lte:70"},
		"address":     {"ilike:london"},
		"sort":        {"title"},
	}
	first, err := Normalize(raw, testSchema())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for i := 0; i < 20; i++ {
		again, err := Normalize(raw, testSchema())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !reflect.DeepEqual(first, again) {
			t.Fatalf("normalization is not deterministic: %+v vs %+v", first, again)
		}
	}
}

func TestNormalizeBody(t *testing.T) {
	q, err := NormalizeBody(map[string]any{
		"page":        float64(2),
		"size":        float64(10),
		"sort":        []any{"-createdAt"},
		"fields":      []any{"id", "title"},
		"title":       "ilike:bridge",
		"locationLat": []any{"gt:10", "lt:60"},
	}, testSchema())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if q.Pagination != (Pagination{Page: 2, Size: 10}) {
		t.Fatalf("pagination = %+v", q.Pagination)
	}
	if len(q.Filters["locationLat"]) != 2 {
		t.Fatalf("locationLat filters = %+v", q.Filters["locationLat"])
	}

	if _, err := NormalizeBody(map[string]any{"title": map[string]any{"$ne": "x"}}, testSchema()); err == nil {
		t.Fatal("expected nested object rejection")
	}
	if _, err := NormalizeBody(map[string]any{"title": nil}, testSchema()); err == nil {
		t.Fatal("expected null rejection")
	}
}

func TestNormalize_RequiresValidatedSchema(t *testing.T) {
	if _, err := Normalize(nil, &Schema{Entity: "raw"}); err == nil {
		t.Fatal("expected error for unvalidated schema")
	}
}

func TestSchema_Validate(t *testing.T) {
	bad := &Schema{Entity: "x", Sortable: []string{"name"}}
	if err := bad.Validate(); err == nil {
		t.Fatal("expected default sort createdAt to be rejected when not sortable")
	}
	reserved := &Schema{Entity: "x", Sortable: []string{"createdAt"}, Searchable: map[string]FieldSpec{"page": {Type: TypeNumeric}}}
	if err := reserved.Validate(); err == nil {
		t.Fatal("expected reserved searchable name to be rejected")
	}
}

func TestSchema_Projection(t *testing.T) {
	s := testSchema()
	if got := s.Projection(nil); !reflect.DeepEqual(got, []string{"id", "title", "address", "location", "createdAt"}) {
		t.Fatalf("default projection = %v", got)
	}
	if got := s.Projection([]string{"title"}); !reflect.DeepEqual(got, []string{"title"}) {
		t.Fatalf("explicit projection = %v", got)
	}
}

func TestTotalPages(t *testing.T) {
	tests := []struct {
		count int64
		size  int
		want  int
	}{
		{101, 25, 5},
		{100, 25, 4},
		{0, 25, 0},
		{1, 100, 1},
	}
	for _, tt := range tests {
		if got := TotalPages(tt.count, tt.size); got != tt.want {
			t.Errorf("TotalPages(%d, %d) = %d, want %d", tt.count, tt.size, got, tt.want)
		}
	}
}

func TestSchema_ComputedFields(t *testing.T) {
	s := (&Schema{
		Entity:        "places",
		Selectable:    []string{"id", "title", "imageKey", "imageUrl"},
		Sortable:      []string{"createdAt"},
		DefaultFields: []string{"id", "title", "imageUrl"},
		Computed:      map[string][]string{"imageUrl": {"imageKey"}},
	}).MustValidate()

	if got := s.StorageFields([]string{"title", "imageUrl"}); !reflect.DeepEqual(got, []string{"title", "imageKey"}) {
		t.Fatalf("storage fields = %v", got)
	}
	if got := s.StorageFields([]string{"imageKey", "imageUrl"}); !reflect.DeepEqual(got, []string{"imageKey"}) {
		t.Fatalf("storage fields with explicit source = %v", got)
	}
	if got := s.StorageFields(s.Projection(nil)); !reflect.DeepEqual(got, []string{"id", "title", "imageKey"}) {
		t.Fatalf("default storage fields = %v", got)
	}
}

func TestSchema_ComputedFieldsValidate(t *testing.T) {
	tests := map[string]*Schema{
		"not selectable": {Entity: "x", Sortable: []string{"createdAt"}, Selectable: []string{"imageKey"},
			Computed: map[string][]string{"imageUrl": {"imageKey"}}},
		"sortable": {Entity: "x", Sortable: []string{"createdAt", "imageUrl"}, Selectable: []string{"imageKey", "imageUrl"},
			Computed: map[string][]string{"imageUrl": {"imageKey"}}},
		"searchable": {Entity: "x", Sortable: []string{"createdAt"}, Selectable: []string{"imageKey", "imageUrl"},
			Searchable: map[string]FieldSpec{"imageUrl": {Type: TypeString}},
			Computed:   map[string][]string{"imageUrl": {"imageKey"}}},
		"no sources": {Entity: "x", Sortable: []string{"createdAt"}, Selectable: []string{"imageUrl"},
			Computed: map[string][]string{"imageUrl": nil}},
		"unselectable source": {Entity: "x", Sortable: []string{"createdAt"}, Selectable: []string{"imageUrl"},
			Computed: map[string][]string{"imageUrl": {"imageKey"}}},
		"nested source": {Entity: "x", Sortable: []string{"createdAt"}, Selectable: []string{"imageUrl", "image.key"},
			Computed: map[string][]string{"imageUrl": {"image.key"}}},
	}
	for name, s := range tests {
		t.Run(name, func(t *testing.T) {
			if err := s.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}
