package relational

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/nimburion/places/pkg/crud"
	"github.com/nimburion/places/pkg/query"
)

const latExpr = "CAST(places.location->>'lat' AS float)"

func placesTable() Table {
	creator := Join{Table: "users", Alias: "creator", On: "creator.id = places.creator_id", Level: 1}
	company := Join{Table: "companies", Alias: "company", On: "company.id = creator.company_id", Level: 2}
	return Table{
		Name:   "places",
		Fields: []string{"id", "title", "creatorId", "location", "createdAt"},
		Columns: map[string]Column{
			"location":     {Name: "location", JSON: true},
			"locationLat":  {Expr: latExpr},
			"location.lat": {Expr: latExpr},
			"creatorName":  {Expr: "creator.name", Joins: []Join{creator}},
			"creatorEmail": {Expr: "creator.email", Joins: []Join{creator}},
			"companyName":  {Expr: "company.name", Joins: []Join{company, creator}},
		},
	}
}

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	store, err := NewStore(sqlx.NewDb(db, "postgres"), placesTable())
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	return store, mock
}

func newCompiler(t *testing.T) *Compiler {
	t.Helper()
	c, err := NewCompiler(placesTable())
	if err != nil {
		t.Fatalf("NewCompiler() error = %v", err)
	}
	return c
}

func TestCompiler_CountParamsAndDistinct(t *testing.T) {
	c := newCompiler(t)
	q := &query.Query{Filters: query.FilterSet{
		"title":       {{Operator: query.OpNe, Value: "x"}, {Operator: query.OpNe, Value: "y"}},
		"locationLat": {{Operator: query.OpGte, Value: 50.0}},
		"creatorId":   {{Operator: query.OpIn, Value: []any{"u1", "u2"}}},
	}}

	stmt, err := c.Count(q)
	if err != nil {
		t.Fatalf("Count() error = %v", err)
	}
	want := "SELECT COUNT(DISTINCT places.id) FROM places WHERE places.creator_id IN ($1, $2) AND " +
		latExpr + " >= $3 AND places.title <> $4 AND places.title <> $5"
	if stmt.SQL != want {
		t.Fatalf("SQL =\n%s\nwant\n%s", stmt.SQL, want)
	}
	wantArgs := []any{"u1", "u2", 50.0, "x", "y"}
	if len(stmt.Args) != len(wantArgs) {
		t.Fatalf("args = %v", stmt.Args)
	}
	for i := range wantArgs {
		if stmt.Args[i] != wantArgs[i] {
			t.Fatalf("arg %d = %v, want %v", i, stmt.Args[i], wantArgs[i])
		}
	}
}

func TestCompiler_ParameterNames(t *testing.T) {
	p := newParams()
	got := []string{p.add("title_ne", 1), p.add("title_ne", 2), p.add("location_lat_gte", 3), p.add("title_ne", 4)}
	want := []string{"title_ne", "title_ne_2", "location_lat_gte", "title_ne_3"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("param %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestCompiler_Operators(t *testing.T) {
	c := newCompiler(t)
	tests := []struct {
		name    string
		filter  query.FieldFilter
		wantSQL string
		wantArg any
	}{
		{"eq", query.FieldFilter{Operator: query.OpEq, Value: "a"}, "places.title = $1", "a"},
		{"nin", query.FieldFilter{Operator: query.OpNin, Value: []any{"a"}}, "places.title NOT IN ($1)", "a"},
		{"like escapes wildcards", query.FieldFilter{Operator: query.OpLike, Value: "50%_off"}, "places.title LIKE $1", `%50\%\_off%`},
		{"ilike", query.FieldFilter{Operator: query.OpIlike, Value: "bridge"}, "places.title ILIKE $1", "%bridge%"},
		{"startsWith", query.FieldFilter{Operator: query.OpStartsWith, Value: "Old"}, "places.title LIKE $1", "Old%"},
		{"endsWith", query.FieldFilter{Operator: query.OpEndsWith, Value: "Road"}, "places.title LIKE $1", "%Road"},
		{"regex", query.FieldFilter{Operator: query.OpRegex, Value: "^S"}, "places.title ~ $1", "^S"},
		{"text", query.FieldFilter{Operator: query.OpText, Value: "stamford"}, "to_tsvector('simple', places.title) @@ plainto_tsquery('simple', $1)", "stamford"},
		{"exists", query.FieldFilter{Operator: query.OpExists, Value: true}, "places.title IS NOT NULL", nil},
		{"null", query.FieldFilter{Operator: query.OpNull, Value: true}, "places.title IS NULL", nil},
		{"not null", query.FieldFilter{Operator: query.OpNull, Value: false}, "places.title IS NOT NULL", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stmt, err := c.Count(&query.Query{Filters: query.FilterSet{"title": {tt.filter}}})
			if err != nil {
				t.Fatalf("Count() error = %v", err)
			}
			want := "SELECT COUNT(DISTINCT places.id) FROM places WHERE " + tt.wantSQL
			if stmt.SQL != want {
				t.Fatalf("SQL = %s, want %s", stmt.SQL, want)
			}
			if tt.wantArg == nil {
				if len(stmt.Args) != 0 {
					t.Fatalf("unexpected args %v", stmt.Args)
				}
				return
			}
			if len(stmt.Args) != 1 || stmt.Args[0] != tt.wantArg {
				t.Fatalf("args = %v, want [%v]", stmt.Args, tt.wantArg)
			}
		})
	}
}

func TestCompiler_JoinsDedupedAndOrderedByLevel(t *testing.T) {
	c := newCompiler(t)
	q := &query.Query{
		Projection: []string{"companyName", "creatorName", "creatorEmail"},
		Sort:       []query.SortField{{Field: "createdAt", Desc: true}},
	}
	stmt, err := c.Rows(q, []any{"p1", "p2"})
	if err != nil {
		t.Fatalf("Rows() error = %v", err)
	}
	want := `SELECT places.id AS "id", company.name AS "companyName", creator.name AS "creatorName", creator.email AS "creatorEmail" ` +
		`FROM places LEFT JOIN users AS creator ON creator.id = places.creator_id ` +
		`LEFT JOIN companies AS company ON company.id = creator.company_id ` +
		`WHERE places.id IN ($1, $2) ORDER BY places.created_at DESC, places.id`
	if stmt.SQL != want {
		t.Fatalf("SQL =\n%s\nwant\n%s", stmt.SQL, want)
	}
}

func TestCompiler_KeysPhase(t *testing.T) {
	c := newCompiler(t)
	q := &query.Query{
		Pagination: query.Pagination{Page: 2, Size: 25},
		Sort:       []query.SortField{{Field: "creatorName"}, {Field: "createdAt", Desc: true}},
		Filters:    query.FilterSet{"title": {{Operator: query.OpIlike, Value: "bridge"}}},
	}
	stmt, err := c.Keys(q)
	if err != nil {
		t.Fatalf("Keys() error = %v", err)
	}
	want := "SELECT DISTINCT places.id AS pk, creator.name AS sort_0, places.created_at AS sort_1 " +
		"FROM places LEFT JOIN users AS creator ON creator.id = places.creator_id " +
		"WHERE places.title ILIKE $1 ORDER BY sort_0 ASC, sort_1 DESC, pk LIMIT 25 OFFSET 25"
	if stmt.SQL != want {
		t.Fatalf("SQL =\n%s\nwant\n%s", stmt.SQL, want)
	}
}

func TestCompiler_WriteStatements(t *testing.T) {
	c := newCompiler(t)

	stmt, err := c.Insert(map[string]any{"id": "p1", "title": "Stamford Bridge", "location": map[string]any{"lat": 51.5}})
	if err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	if stmt.SQL != "INSERT INTO places (id, location, title) VALUES ($1, $2, $3)" {
		t.Fatalf("insert SQL = %s", stmt.SQL)
	}
	if stmt.Args[1] != `{"lat":51.5}` {
		t.Fatalf("json arg = %v", stmt.Args[1])
	}

	if _, err := c.Insert(map[string]any{"creatorName": "x"}); !errors.Is(err, query.ErrValidation) {
		t.Fatalf("computed field insert error = %v", err)
	}

	stmt, err = c.Update("p1", map[string]any{"title": "New title", "id": "ignored"})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if stmt.SQL != "UPDATE places SET title = $1 WHERE id = $2" || stmt.Args[1] != "p1" {
		t.Fatalf("update = %s %v", stmt.SQL, stmt.Args)
	}
}

func TestStore_FindTwoPhase(t *testing.T) {
	store, mock := newMockStore(t)
	created := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery("SELECT DISTINCT places.id AS pk, places.created_at AS sort_0 FROM places WHERE places.creator_id = $1 ORDER BY sort_0 DESC, pk LIMIT 2 OFFSET 0").
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"pk", "sort_0"}).AddRow("p2", created).AddRow("p1", created))
	mock.ExpectQuery(`SELECT places.id AS "id", places.title AS "title", `+latExpr+` AS "location.lat" FROM places WHERE places.id IN ($1, $2) ORDER BY places.created_at DESC, places.id`).
		WithArgs("p2", "p1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "title", "location.lat"}).
			AddRow("p2", []byte("Anfield Road"), 53.4).
			AddRow("p1", "Stamford Bridge", 51.5))

	records, err := store.Find(context.Background(), &query.Query{
		Pagination: query.Pagination{Page: 1, Size: 2},
		Sort:       []query.SortField{{Field: "createdAt", Desc: true}},
		Filters:    query.FilterSet{"creatorId": {{Operator: query.OpEq, Value: "u1"}}},
		Projection: []string{"id", "title", "location.lat"},
	})
	if err != nil {
		t.Fatalf("Find() error = %v", err)
	}
	if len(records) != 2 || records[0]["title"] != "Anfield Road" {
		t.Fatalf("records = %v", records)
	}
	loc, ok := records[1]["location"].(map[string]any)
	if !ok || loc["lat"] != 51.5 {
		t.Fatalf("nested projection = %v", records[1])
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestStore_FindSkipsSecondPhaseWithoutKeys(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery("SELECT DISTINCT places.id AS pk FROM places ORDER BY pk LIMIT 10 OFFSET 0").
		WillReturnRows(sqlmock.NewRows([]string{"pk"}))

	records, err := store.Find(context.Background(), &query.Query{Pagination: query.Pagination{Page: 1, Size: 10}, Projection: []string{"id"}})
	if err != nil || len(records) != 0 {
		t.Fatalf("Find() = %v, %v", records, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestStore_Count(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery("SELECT COUNT(DISTINCT places.id) FROM places").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(101)))

	n, err := store.Count(context.Background(), &query.Query{})
	if err != nil || n != 101 {
		t.Fatalf("Count() = %d, %v", n, err)
	}
}

func TestStore_GetDecodesJSON(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery(`SELECT places.id AS "id", places.title AS "title", places.creator_id AS "creatorId", places.location AS "location", places.created_at AS "createdAt" FROM places WHERE places.id = $1`).
		WithArgs("p1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "title", "creatorId", "location", "createdAt"}).
			AddRow("p1", "Stamford Bridge", "u1", []byte(`{"lat":51.5,"lng":-0.19}`), time.Now()))

	rec, err := store.Get(context.Background(), "p1", nil)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	loc, ok := rec["location"].(map[string]any)
	if !ok || loc["lng"] != -0.19 {
		t.Fatalf("location = %#v", rec["location"])
	}

	mock.ExpectQuery(`SELECT places.id AS "id", places.title AS "title", places.creator_id AS "creatorId", places.location AS "location", places.created_at AS "createdAt" FROM places WHERE places.id = $1`).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	if _, err := store.Get(context.Background(), "missing", nil); !errors.Is(err, crud.ErrNotFound) {
		t.Fatalf("Get(missing) error = %v", err)
	}
}

func TestStore_WriteErrors(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectExec("INSERT INTO places (id, title) VALUES ($1, $2)").
		WithArgs("p1", "Stamford Bridge").
		WillReturnError(&pq.Error{Code: "23505", Constraint: "places_title_key"})
	err := store.Insert(ctx, crud.Record{"id": "p1", "title": "Stamford Bridge"})
	if !errors.Is(err, crud.ErrConflict) {
		t.Fatalf("Insert() error = %v, want ErrConflict", err)
	}

	mock.ExpectExec("UPDATE places SET title = $1 WHERE id = $2").
		WithArgs("x", "missing").
		WillReturnResult(sqlmock.NewResult(0, 0))
	if err := store.Update(ctx, "missing", crud.Record{"title": "x"}); !errors.Is(err, crud.ErrNotFound) {
		t.Fatalf("Update() error = %v, want ErrNotFound", err)
	}

	mock.ExpectExec("DELETE FROM places WHERE id = $1").
		WithArgs("p1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	if err := store.Delete(ctx, "p1"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	driverErr := errors.New("connection reset")
	mock.ExpectExec("DELETE FROM places WHERE id = $1").WithArgs("p2").WillReturnError(driverErr)
	if err := store.Delete(ctx, "p2"); !errors.Is(err, driverErr) || errors.Is(err, crud.ErrConflict) {
		t.Fatalf("Delete() error = %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestSnakeCase(t *testing.T) {
	for in, want := range map[string]string{
		"creatorId":    "creator_id",
		"locationLat":  "location_lat",
		"location.lat": "location_lat",
		"title":        "title",
		"imageURL":     "image_url",
	} {
		if got := snakeCase(in); got != want {
			t.Errorf("snakeCase(%q) = %q, want %q", in, got, want)
		}
	}
}
