package document

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/nimburion/places/pkg/crud"
	"github.com/nimburion/places/pkg/query"
)

func places() Collection {
	return Collection{
		Name:    "places",
		IDField: "id",
		Paths:   map[string]string{"locationLat": "location.lat"},
	}
}

func TestCompile_Filters(t *testing.T) {
	coll := places()
	tests := []struct {
		name    string
		filters query.FilterSet
		want    bson.D
	}{
		{
			name:    "lone eq is a bare equality",
			filters: query.FilterSet{"title": {{Operator: query.OpEq, Value: "Stamford Bridge"}}},
			want:    bson.D{{Key: "title", Value: "Stamford Bridge"}},
		},
		{
			name: "range merges into one operator document",
			filters: query.FilterSet{"locationLat": {
				{Operator: query.OpGt, Value: 50.0},
				{Operator: query.OpLte, Value: 60.0},
			}},
			want: bson.D{{Key: "location.lat", Value: bson.D{{Key: "$gt", Value: 50.0}, {Key: "$lte", Value: 60.0}}}},
		},
		{
			name: "repeated operator moves to $and",
			filters: query.FilterSet{"title": {
				{Operator: query.OpNe, Value: "x"},
				{Operator: query.OpNe, Value: "y"},
			}},
			want: bson.D{
				{Key: "title", Value: bson.D{{Key: "$ne", Value: "x"}}},
				{Key: "$and", Value: bson.A{bson.D{{Key: "title", Value: bson.D{{Key: "$ne", Value: "y"}}}}}},
			},
		},
		{
			name:    "id maps to _id",
			filters: query.FilterSet{"id": {{Operator: query.OpIn, Value: []any{"a", "b"}}}},
			want:    bson.D{{Key: "_id", Value: bson.D{{Key: "$in", Value: []any{"a", "b"}}}}},
		},
		{
			name:    "ilike is a quoted case-insensitive regex",
			filters: query.FilterSet{"title": {{Operator: query.OpIlike, Value: "a.b"}}},
			want:    bson.D{{Key: "title", Value: bson.D{{Key: "$regex", Value: primitive.Regex{Pattern: `a\.b`, Options: "i"}}}}},
		},
		{
			name:    "startsWith anchors",
			filters: query.FilterSet{"title": {{Operator: query.OpStartsWith, Value: "Old"}}},
			want:    bson.D{{Key: "title", Value: bson.D{{Key: "$regex", Value: primitive.Regex{Pattern: "^Old"}}}}},
		},
		{
			name:    "null true",
			filters: query.FilterSet{"description": {{Operator: query.OpNull, Value: true}}},
			want:    bson.D{{Key: "description", Value: bson.D{{Key: "$eq", Value: nil}}}},
		},
		{
			name:    "text matches whole words of its own field",
			filters: query.FilterSet{"title": {{Operator: query.OpText, Value: "Riverside, bench"}}},
			want: bson.D{{Key: "$and", Value: bson.A{
				bson.D{{Key: "title", Value: primitive.Regex{Pattern: `\briverside\b`, Options: "i"}}},
				bson.D{{Key: "title", Value: primitive.Regex{Pattern: `\bbench\b`, Options: "i"}}},
			}}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := coll.Compile(&query.Query{Filters: tt.filters})
			if err != nil {
				t.Fatalf("Compile() error = %v", err)
			}
			if !reflect.DeepEqual(got.Filter, tt.want) {
				t.Fatalf("filter =\n%#v\nwant\n%#v", got.Filter, tt.want)
			}
		})
	}
}

func TestCompile_SortProjectionPagination(t *testing.T) {
	coll := places()
	got, err := coll.Compile(&query.Query{
		Pagination: query.Pagination{Page: 3, Size: 10},
		Sort:       []query.SortField{{Field: "createdAt", Desc: true}, {Field: "title"}},
		Projection: []string{"title", "location", "location.lat", "id"},
	})
	if err != nil {
		t.Fatal(err)
	}
	wantSort := bson.D{{Key: "createdAt", Value: -1}, {Key: "title", Value: 1}, {Key: "_id", Value: 1}}
	if !reflect.DeepEqual(got.Sort, wantSort) {
		t.Fatalf("sort = %v", got.Sort)
	}
	wantProj := bson.M{"title": 1, "location": 1, "_id": 1}
	if !reflect.DeepEqual(got.Projection, wantProj) {
		t.Fatalf("projection = %v", got.Projection)
	}
	if got.Skip != 20 || got.Limit != 10 {
		t.Fatalf("skip/limit = %d/%d", got.Skip, got.Limit)
	}
}

func TestCompile_TextFiltersStayPerField(t *testing.T) {
	coll := places()
	coll.TextIndexed = []string{"title", "description"}

	got, err := coll.Compile(&query.Query{Filters: query.FilterSet{
		"title":       {{Operator: query.OpText, Value: "bench"}},
		"description": {{Operator: query.OpText, Value: "quiet river"}},
	}})
	if err != nil {
		t.Fatal(err)
	}
	want := bson.D{{Key: "$and", Value: bson.A{
		bson.D{{Key: "description", Value: primitive.Regex{Pattern: `\bquiet\b`, Options: "i"}}},
		bson.D{{Key: "description", Value: primitive.Regex{Pattern: `\briver\b`, Options: "i"}}},
		bson.D{{Key: "title", Value: primitive.Regex{Pattern: `\bbench\b`, Options: "i"}}},
	}}}
	if !reflect.DeepEqual(got.Filter, want) {
		t.Fatalf("filter =\n%#v\nwant\n%#v", got.Filter, want)
	}
	if got.Search != `"quiet" "river" "bench"` {
		t.Fatalf("search = %q", got.Search)
	}
	match := got.Match()
	if last := match[len(match)-1]; last.Key != "$text" {
		t.Fatalf("match = %v", match)
	}

	// A text filter outside the index cannot use the $text prefilter.
	got, err = coll.Compile(&query.Query{Filters: query.FilterSet{
		"title":   {{Operator: query.OpText, Value: "bench"}},
		"address": {{Operator: query.OpText, Value: "road"}},
	}})
	if err != nil {
		t.Fatal(err)
	}
	if got.Search != "" || len(got.Match()) != 1 {
		t.Fatalf("search = %q, match = %v", got.Search, got.Match())
	}
}

func withCreator() Collection {
	coll := places()
	coll.TextIndexed = []string{"title"}
	coll.Lookups = []Lookup{{As: "creatorName", From: "users", LocalField: "creatorId", Field: "name"}}
	return coll
}

func stageNames(p mongo.Pipeline) []string {
	out := make([]string, len(p))
	for i, stage := range p {
		out[i] = stage[0].Key
	}
	return out
}

func TestCompile_LookupPipeline(t *testing.T) {
	coll := withCreator()

	plain, err := coll.Compile(&query.Query{Pagination: query.Pagination{Page: 1, Size: 10}, Projection: []string{"id", "title"}})
	if err != nil {
		t.Fatal(err)
	}
	if len(plain.Lookups) != 0 {
		t.Fatalf("unreferenced lookup joined: %v", plain.Lookups)
	}

	got, err := coll.Compile(&query.Query{
		Pagination: query.Pagination{Page: 2, Size: 10},
		Filters: query.FilterSet{
			"title":       {{Operator: query.OpText, Value: "bench"}},
			"creatorName": {{Operator: query.OpIlike, Value: "ali"}},
		},
		Sort:       []query.SortField{{Field: "creatorName"}},
		Projection: []string{"id", "creatorName"},
	})
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"$match", "$lookup", "$set", "$unset", "$match", "$sort", "$skip", "$limit", "$project"}
	if names := stageNames(got.Pipeline(false)); !reflect.DeepEqual(names, want) {
		t.Fatalf("stages = %v, want %v", names, want)
	}
	if names := stageNames(got.Pipeline(true)); !reflect.DeepEqual(names, []string{"$match", "$lookup", "$set", "$unset", "$match", "$count"}) {
		t.Fatalf("count stages = %v", names)
	}
	lookup := got.Pipeline(false)[1][0].Value.(bson.D)
	wantLookup := bson.D{
		{Key: "from", Value: "users"},
		{Key: "localField", Value: "creatorId"},
		{Key: "foreignField", Value: "_id"},
		{Key: "as", Value: "_lookup_creatorName"},
	}
	if !reflect.DeepEqual(lookup, wantLookup) {
		t.Fatalf("lookup = %v", lookup)
	}
}

type fakeExecutor struct {
	docs       []bson.M
	aggregated []mongo.Pipeline
	lastFilter bson.D
	lastOpts   FindOptions
	lastUpdate bson.D
	inserted   bson.M
	matched    int64
	err        error
}

func (f *fakeExecutor) Find(_ context.Context, _ string, filter bson.D, opts FindOptions) ([]bson.M, error) {
	f.lastFilter, f.lastOpts = filter, opts
	return f.docs, f.err
}

func (f *fakeExecutor) CountDocuments(_ context.Context, _ string, filter bson.D) (int64, error) {
	f.lastFilter = filter
	return int64(len(f.docs)), f.err
}

func (f *fakeExecutor) FindOne(_ context.Context, _ string, filter bson.D, _ bson.M) (bson.M, error) {
	f.lastFilter = filter
	if f.err != nil {
		return nil, f.err
	}
	if len(f.docs) == 0 {
		return nil, mongo.ErrNoDocuments
	}
	return f.docs[0], nil
}

func (f *fakeExecutor) InsertOne(_ context.Context, _ string, doc bson.M) error {
	f.inserted = doc
	return f.err
}

func (f *fakeExecutor) UpdateOne(_ context.Context, _ string, filter bson.D, update bson.D) (int64, error) {
	f.lastFilter, f.lastUpdate = filter, update
	return f.matched, f.err
}

func (f *fakeExecutor) DeleteOne(_ context.Context, _ string, filter bson.D) (int64, error) {
	f.lastFilter = filter
	return f.matched, f.err
}

func (f *fakeExecutor) Aggregate(_ context.Context, _ string, pipeline mongo.Pipeline) ([]bson.M, error) {
	f.aggregated = append(f.aggregated, pipeline)
	if f.err != nil {
		return nil, f.err
	}
	if last := pipeline[len(pipeline)-1]; last[0].Key == "$count" {
		if len(f.docs) == 0 {
			return []bson.M{}, nil
		}
		return []bson.M{{"n": int32(len(f.docs))}}, nil
	}
	return f.docs, nil
}

func TestStore_LookupFieldsUseAggregation(t *testing.T) {
	exec := &fakeExecutor{docs: []bson.M{
		{"_id": "p1", "title": "Riverside bench", "creatorName": "Alice"},
		{"_id": "p2", "title": "Hilltop bench", "creatorName": "Alice"},
	}}
	store, err := NewStore(exec, withCreator())
	if err != nil {
		t.Fatal(err)
	}
	q := &query.Query{
		Pagination: query.Pagination{Page: 1, Size: 10},
		Filters:    query.FilterSet{"creatorName": {{Operator: query.OpEq, Value: "Alice"}}},
		Projection: []string{"id", "title", "creatorName"},
	}
	ctx := context.Background()

	n, err := store.Count(ctx, q)
	if err != nil || n != 2 {
		t.Fatalf("Count() = %d, %v", n, err)
	}
	records, err := store.Find(ctx, q)
	if err != nil {
		t.Fatalf("Find() error = %v", err)
	}
	if len(records) != 2 || records[0]["id"] != "p1" || records[0]["creatorName"] != "Alice" {
		t.Fatalf("records = %v", records)
	}
	if len(exec.aggregated) != 2 || exec.lastFilter != nil {
		t.Fatalf("expected aggregation only, got %d pipelines and find filter %v", len(exec.aggregated), exec.lastFilter)
	}
	match := exec.aggregated[1][3]
	if !reflect.DeepEqual(match, bson.D{{Key: "$match", Value: bson.D{{Key: "creatorName", Value: "Alice"}}}}) {
		t.Fatalf("match stage = %v", match)
	}

	empty := &fakeExecutor{}
	store, _ = NewStore(empty, withCreator())
	if n, err := store.Count(ctx, q); err != nil || n != 0 {
		t.Fatalf("Count() on no matches = %d, %v", n, err)
	}
}

func TestStore_FindDecodesDocuments(t *testing.T) {
	created := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	exec := &fakeExecutor{docs: []bson.M{{
		"_id":       "p1",
		"title":     "Stamford Bridge",
		"location":  bson.M{"lat": 51.5, "lng": -0.19},
		"createdAt": primitive.NewDateTimeFromTime(created),
		"visits":    int32(3),
	}}}
	store, err := NewStore(exec, places())
	if err != nil {
		t.Fatal(err)
	}

	records, err := store.Find(context.Background(), &query.Query{
		Pagination: query.Pagination{Page: 1, Size: 10},
		Filters:    query.FilterSet{"creatorId": {{Operator: query.OpEq, Value: "u1"}}},
		Projection: []string{"id", "title", "location.lat", "createdAt"},
	})
	if err != nil {
		t.Fatalf("Find() error = %v", err)
	}
	rec := records[0]
	if got, _ := rec["createdAt"].(time.Time); rec["id"] != "p1" || !got.Equal(created) {
		t.Fatalf("record = %v", rec)
	}
	loc := rec["location"].(map[string]any)
	if loc["lat"] != 51.5 || loc["lng"] != nil {
		t.Fatalf("location = %v", loc)
	}
	if _, ok := rec["visits"]; ok {
		t.Fatalf("unprojected field kept: %v", rec)
	}
	if !reflect.DeepEqual(exec.lastFilter, bson.D{{Key: "creatorId", Value: "u1"}}) {
		t.Fatalf("filter = %v", exec.lastFilter)
	}
}

func TestStore_Writes(t *testing.T) {
	exec := &fakeExecutor{}
	store, _ := NewStore(exec, places())
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	if err := store.Insert(ctx, crud.Record{"id": "p1", "title": "Stamford Bridge", "createdAt": now}); err != nil {
		t.Fatal(err)
	}
	if exec.inserted["_id"] != "p1" || exec.inserted["createdAt"] != primitive.NewDateTimeFromTime(now) {
		t.Fatalf("inserted = %v", exec.inserted)
	}

	exec.matched = 0
	if err := store.Update(ctx, "missing", crud.Record{"title": "x"}); !errors.Is(err, crud.ErrNotFound) {
		t.Fatalf("Update() error = %v", err)
	}
	wantUpdate := bson.D{{Key: "$set", Value: bson.D{{Key: "title", Value: "x"}}}}
	if !reflect.DeepEqual(exec.lastUpdate, wantUpdate) {
		t.Fatalf("update = %v", exec.lastUpdate)
	}

	exec.matched = 1
	if err := store.Delete(ctx, "p1"); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(exec.lastFilter, bson.D{{Key: "_id", Value: "p1"}}) {
		t.Fatalf("delete filter = %v", exec.lastFilter)
	}

	if _, err := store.Get(ctx, "p1", nil); !errors.Is(err, crud.ErrNotFound) {
		t.Fatalf("Get() error = %v", err)
	}
}

func TestStore_DuplicateKeyIsConflict(t *testing.T) {
	exec := &fakeExecutor{err: mongo.WriteException{WriteErrors: []mongo.WriteError{{Code: 11000, Message: "E11000 duplicate key"}}}}
	store, _ := NewStore(exec, places())
	err := store.Insert(context.Background(), crud.Record{"id": "p1"})
	if !errors.Is(err, crud.ErrConflict) {
		t.Fatalf("Insert() error = %v, want ErrConflict", err)
	}
}
