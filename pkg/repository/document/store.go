package document

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/nimburion/places/pkg/crud"
	"github.com/nimburion/places/pkg/query"
)

// FindOptions carries sort, projection and pagination for Find.
type FindOptions struct {
	Sort       bson.D
	Projection bson.M
	Skip       int64
	Limit      int64
}

// Executor is the MongoDB surface the store needs. The mongodb store adapter
// implements it. FindOne returns mongo.ErrNoDocuments when nothing matches.
type Executor interface {
	Find(ctx context.Context, collection string, filter bson.D, opts FindOptions) ([]bson.M, error)
	CountDocuments(ctx context.Context, collection string, filter bson.D) (int64, error)
	FindOne(ctx context.Context, collection string, filter bson.D, projection bson.M) (bson.M, error)
	InsertOne(ctx context.Context, collection string, doc bson.M) error
	UpdateOne(ctx context.Context, collection string, filter bson.D, update bson.D) (matched int64, err error)
	DeleteOne(ctx context.Context, collection string, filter bson.D) (deleted int64, err error)
	Aggregate(ctx context.Context, collection string, pipeline mongo.Pipeline) ([]bson.M, error)
}

// Store implements crud.Store on a MongoDB collection.
type Store struct {
	exec Executor
	coll Collection
}

var _ crud.Store = (*Store)(nil)

// NewStore creates a Store for coll.
func NewStore(exec Executor, coll Collection) (*Store, error) {
	if exec == nil {
		return nil, errors.New("document: executor is required")
	}
	if coll.Name == "" {
		return nil, errors.New("document: collection name is required")
	}
	if coll.IDField == "" {
		coll.IDField = "id"
	}
	return &Store{exec: exec, coll: coll}, nil
}

// Count counts the documents matching q's filters.
func (s *Store) Count(ctx context.Context, q *query.Query) (int64, error) {
	compiled, err := s.coll.Compile(q)
	if err != nil {
		return 0, err
	}
	if len(compiled.Lookups) > 0 {
		docs, err := s.exec.Aggregate(ctx, s.coll.Name, compiled.Pipeline(true))
		if err != nil {
			return 0, s.wrap("count", err)
		}
		if len(docs) == 0 {
			return 0, nil
		}
		n, _ := fromBSON(docs[0]["n"]).(float64)
		return int64(n), nil
	}
	n, err := s.exec.CountDocuments(ctx, s.coll.Name, compiled.Match())
	if err != nil {
		return 0, s.wrap("count", err)
	}
	return n, nil
}

// Find returns the requested page. Lookups yield at most one value per
// document, so a single paginated query is exact.
func (s *Store) Find(ctx context.Context, q *query.Query) ([]crud.Record, error) {
	compiled, err := s.coll.Compile(q)
	if err != nil {
		return nil, err
	}
	var docs []bson.M
	if len(compiled.Lookups) > 0 {
		docs, err = s.exec.Aggregate(ctx, s.coll.Name, compiled.Pipeline(false))
	} else {
		docs, err = s.exec.Find(ctx, s.coll.Name, compiled.Match(), FindOptions{
			Sort:       compiled.Sort,
			Projection: compiled.Projection,
			Skip:       compiled.Skip,
			Limit:      compiled.Limit,
		})
	}
	if err != nil {
		return nil, s.wrap("find", err)
	}
	out := make([]crud.Record, 0, len(docs))
	for _, doc := range docs {
		rec := s.toRecord(doc)
		if len(q.Projection) > 0 {
			rec = crud.Project(rec, q.Projection)
		}
		out = append(out, rec)
	}
	return out, nil
}

// Get loads one document by id.
func (s *Store) Get(ctx context.Context, id string, fields []string) (crud.Record, error) {
	doc, err := s.exec.FindOne(ctx, s.coll.Name, s.byID(id), s.coll.projection(fields))
	if err != nil {
		return nil, s.wrap("get", err)
	}
	rec := s.toRecord(doc)
	if len(fields) > 0 {
		rec = crud.Project(rec, fields)
	}
	return rec, nil
}

// Insert stores rec with its id as _id.
func (s *Store) Insert(ctx context.Context, rec crud.Record) error {
	doc := bson.M{}
	for field, value := range rec {
		doc[s.coll.path(field)] = toBSON(value)
	}
	if err := s.exec.InsertOne(ctx, s.coll.Name, doc); err != nil {
		return s.wrap("insert", err)
	}
	return nil
}

// Update sets the patched fields.
func (s *Store) Update(ctx context.Context, id string, patch crud.Record) error {
	set := bson.D{}
	for _, field := range sortedKeys(patch) {
		if field == s.coll.IDField {
			continue
		}
		set = append(set, bson.E{Key: s.coll.path(field), Value: toBSON(patch[field])})
	}
	if len(set) == 0 {
		return &query.ValidationError{Message: "update has no fields"}
	}
	matched, err := s.exec.UpdateOne(ctx, s.coll.Name, s.byID(id), bson.D{{Key: "$set", Value: set}})
	if err != nil {
		return s.wrap("update", err)
	}
	if matched == 0 {
		return crud.ErrNotFound
	}
	return nil
}

// Delete removes one document by id.
func (s *Store) Delete(ctx context.Context, id string) error {
	deleted, err := s.exec.DeleteOne(ctx, s.coll.Name, s.byID(id))
	if err != nil {
		return s.wrap("delete", err)
	}
	if deleted == 0 {
		return crud.ErrNotFound
	}
	return nil
}

func (s *Store) byID(id string) bson.D {
	return bson.D{{Key: "_id", Value: id}}
}

func (s *Store) wrap(op string, err error) error {
	switch {
	case errors.Is(err, mongo.ErrNoDocuments):
		return crud.ErrNotFound
	case mongo.IsDuplicateKeyError(err):
		return fmt.Errorf("%s %s: %w", op, s.coll.Name, crud.ErrConflict)
	default:
		return fmt.Errorf("%s %s: %w", op, s.coll.Name, err)
	}
}

func (s *Store) toRecord(doc bson.M) crud.Record {
	rec := crud.Record{}
	for key, value := range doc {
		if key == "_id" {
			key = s.coll.IDField
		}
		rec[key] = fromBSON(value)
	}
	return rec
}

// fromBSON converts driver types into plain Go values.
func fromBSON(v any) any {
	switch t := v.(type) {
	case bson.M:
		out := make(map[string]any, len(t))
		for k, item := range t {
			out[k] = fromBSON(item)
		}
		return out
	case bson.D:
		out := make(map[string]any, len(t))
		for _, e := range t {
			out[e.Key] = fromBSON(e.Value)
		}
		return out
	case bson.A:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = fromBSON(item)
		}
		return out
	case primitive.DateTime:
		return t.Time().UTC()
	case primitive.ObjectID:
		return t.Hex()
	case int32:
		return float64(t)
	case int64:
		return float64(t)
	default:
		return v
	}
}

func toBSON(v any) any {
	switch t := v.(type) {
	case crud.Record:
		return bson.M(t)
	case time.Time:
		return primitive.NewDateTimeFromTime(t)
	default:
		return v
	}
}

func sortedKeys(m crud.Record) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
