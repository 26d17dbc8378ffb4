// Package document compiles normalized queries into MongoDB filter, sort and
// projection documents and executes them as a crud.Store.
package document

import (
	"fmt"
	"regexp"
	"slices"
	"sort"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/nimburion/places/pkg/query"
)

// Collection describes how an entity is stored.
type Collection struct {
	Name string
	// IDField is the record field stored as _id; defaults to "id".
	IDField string
	// Paths maps record or query field names to document paths,
	// e.g. locationLat -> location.lat.
	Paths map[string]string
	// TextIndexed lists the fields covered by the collection's text index.
	// When every text filter targets one of them, a $text stage narrows the
	// scan before the per-field match.
	TextIndexed []string
	// Lookups expose fields joined from other collections.
	Lookups []Lookup
}

// Lookup exposes Field of the document in collection From whose
// ForeignField equals LocalField, under the name As.
type Lookup struct {
	As         string
	From       string
	LocalField string
	// ForeignField defaults to "_id".
	ForeignField string
	Field        string
}

func (c *Collection) lookup(field string) (Lookup, bool) {
	for _, l := range c.Lookups {
		if l.As == field {
			return l, true
		}
	}
	return Lookup{}, false
}

func (c *Collection) path(field string) string {
	if field == c.IDField {
		return "_id"
	}
	if p, ok := c.Paths[field]; ok {
		return p
	}
	return field
}

// Compiled is the executable form of a query.
type Compiled struct {
	Filter bson.D
	// Search is the $text prefilter, empty when not usable.
	Search     string
	Sort       bson.D
	Projection bson.M
	Skip       int64
	Limit      int64
	// Lookups are the joins the query references; non-empty means the
	// query runs as an aggregation pipeline.
	Lookups []Lookup
}

// Match returns the find filter, with the $text prefilter when present.
func (c Compiled) Match() bson.D {
	if c.Search == "" {
		return c.Filter
	}
	out := append(bson.D{}, c.Filter...)
	return append(out, bson.E{Key: "$text", Value: bson.D{{Key: "$search", Value: c.Search}}})
}

// Pipeline renders the query as aggregation stages. $text must open the
// pipeline, lookups resolve before the filter that may reference them.
func (c Compiled) Pipeline(count bool) mongo.Pipeline {
	var stages mongo.Pipeline
	if c.Search != "" {
		stages = append(stages, bson.D{{Key: "$match", Value: bson.D{{Key: "$text", Value: bson.D{{Key: "$search", Value: c.Search}}}}}})
	}
	for _, l := range c.Lookups {
		tmp := "_lookup_" + l.As
		stages = append(stages,
			bson.D{{Key: "$lookup", Value: bson.D{
				{Key: "from", Value: l.From},
				{Key: "localField", Value: l.LocalField},
				{Key: "foreignField", Value: l.ForeignField},
				{Key: "as", Value: tmp},
			}}},
			bson.D{{Key: "$set", Value: bson.D{{Key: l.As, Value: bson.D{{Key: "$arrayElemAt", Value: bson.A{"$" + tmp + "." + l.Field, 0}}}}}}},
			bson.D{{Key: "$unset", Value: tmp}},
		)
	}
	if len(c.Filter) > 0 {
		stages = append(stages, bson.D{{Key: "$match", Value: c.Filter}})
	}
	if count {
		return append(stages, bson.D{{Key: "$count", Value: "n"}})
	}
	stages = append(stages, bson.D{{Key: "$sort", Value: c.Sort}})
	if c.Skip > 0 {
		stages = append(stages, bson.D{{Key: "$skip", Value: c.Skip}})
	}
	if c.Limit > 0 {
		stages = append(stages, bson.D{{Key: "$limit", Value: c.Limit}})
	}
	if len(c.Projection) > 0 {
		stages = append(stages, bson.D{{Key: "$project", Value: c.Projection}})
	}
	return stages
}

// Compile translates q. A lone eq compiles to a bare equality; other
// operators on a field share one operator document, and an operator that
// repeats on the same field moves into a top-level $and. Each text filter
// matches whole words of its own field, case-insensitively.
func (c *Collection) Compile(q *query.Query) (Compiled, error) {
	filter, search, err := c.filter(q.Filters)
	if err != nil {
		return Compiled{}, err
	}
	return Compiled{
		Filter:     filter,
		Search:     search,
		Sort:       c.sort(q.Sort),
		Projection: c.projection(q.Projection),
		Skip:       int64(q.Pagination.Skip()),
		Limit:      int64(q.Pagination.Limit()),
		Lookups:    c.referenced(q),
	}, nil
}

// referenced returns the lookups q filters, sorts or projects on.
func (c *Collection) referenced(q *query.Query) []Lookup {
	if len(c.Lookups) == 0 {
		return nil
	}
	names := append([]string{}, q.Filters.Fields()...)
	for _, sf := range q.Sort {
		names = append(names, sf.Field)
	}
	names = append(names, q.Projection...)

	var out []Lookup
	seen := map[string]struct{}{}
	for _, name := range names {
		l, ok := c.lookup(name)
		if !ok {
			continue
		}
		if _, dup := seen[l.As]; dup {
			continue
		}
		seen[l.As] = struct{}{}
		if l.ForeignField == "" {
			l.ForeignField = "_id"
		}
		l.LocalField = c.path(l.LocalField)
		out = append(out, l)
	}
	return out
}

func (c *Collection) filter(filters query.FilterSet) (bson.D, string, error) {
	out := bson.D{}
	var and bson.A
	var phrases []string
	indexed := true

	for _, field := range filters.Fields() {
		path := c.path(field)
		list := filters[field]
		if len(list) == 1 && list[0].Operator == query.OpEq {
			out = append(out, bson.E{Key: path, Value: list[0].Value})
			continue
		}

		ops := bson.D{}
		used := map[string]struct{}{}
		for _, f := range list {
			if f.Operator == query.OpText {
				for _, w := range query.TextTerms(fmt.Sprint(f.Value)) {
					and = append(and, bson.D{{Key: path, Value: wordPattern(w)}})
					phrases = append(phrases, `"`+w+`"`)
				}
				indexed = indexed && slices.Contains(c.TextIndexed, field)
				continue
			}
			key, value, err := operator(f)
			if err != nil {
				return nil, "", fmt.Errorf("document: %s: %w", field, err)
			}
			if _, dup := used[key]; dup {
				and = append(and, bson.D{{Key: path, Value: bson.D{{Key: key, Value: value}}}})
				continue
			}
			used[key] = struct{}{}
			ops = append(ops, bson.E{Key: key, Value: value})
		}
		if len(ops) > 0 {
			out = append(out, bson.E{Key: path, Value: ops})
		}
	}

	if len(and) > 0 {
		out = append(out, bson.E{Key: "$and", Value: and})
	}
	if len(phrases) == 0 || !indexed {
		return out, "", nil
	}
	return out, strings.Join(phrases, " "), nil
}

// wordPattern matches w as a whole word, ignoring case.
func wordPattern(w string) primitive.Regex {
	return primitive.Regex{Pattern: `\b` + regexp.QuoteMeta(w) + `\b`, Options: "i"}
}

func operator(f query.FieldFilter) (string, any, error) {
	switch f.Operator {
	case query.OpEq:
		return "$eq", f.Value, nil
	case query.OpNe:
		return "$ne", f.Value, nil
	case query.OpGt:
		return "$gt", f.Value, nil
	case query.OpGte:
		return "$gte", f.Value, nil
	case query.OpLt:
		return "$lt", f.Value, nil
	case query.OpLte:
		return "$lte", f.Value, nil
	case query.OpIn:
		return "$in", f.Value, nil
	case query.OpNin:
		return "$nin", f.Value, nil
	case query.OpExists:
		return "$exists", f.Value, nil
	case query.OpNull:
		if f.Value == true {
			return "$eq", nil, nil
		}
		return "$ne", nil, nil
	case query.OpLike:
		return "$regex", primitive.Regex{Pattern: regexp.QuoteMeta(fmt.Sprint(f.Value))}, nil
	case query.OpIlike:
		return "$regex", primitive.Regex{Pattern: regexp.QuoteMeta(fmt.Sprint(f.Value)), Options: "i"}, nil
	case query.OpStartsWith:
		return "$regex", primitive.Regex{Pattern: "^" + regexp.QuoteMeta(fmt.Sprint(f.Value))}, nil
	case query.OpEndsWith:
		return "$regex", primitive.Regex{Pattern: regexp.QuoteMeta(fmt.Sprint(f.Value)) + "$"}, nil
	case query.OpRegex:
		return "$regex", primitive.Regex{Pattern: fmt.Sprint(f.Value)}, nil
	default:
		return "", nil, fmt.Errorf("unsupported operator %q", f.Operator)
	}
}

func (c *Collection) sort(sorts []query.SortField) bson.D {
	out := bson.D{}
	hasID := false
	for _, sf := range sorts {
		dir := 1
		if sf.Desc {
			dir = -1
		}
		path := c.path(sf.Field)
		hasID = hasID || path == "_id"
		out = append(out, bson.E{Key: path, Value: dir})
	}
	if !hasID {
		out = append(out, bson.E{Key: "_id", Value: 1})
	}
	return out
}

// projection includes each field by path. Dotted names stay nested paths and
// are dropped when their parent is already included.
func (c *Collection) projection(fields []string) bson.M {
	if len(fields) == 0 {
		return nil
	}
	paths := make([]string, len(fields))
	for i, field := range fields {
		paths[i] = c.path(field)
	}
	sort.Strings(paths)

	out := bson.M{}
	var kept []string
	for _, p := range paths {
		covered := false
		for _, k := range kept {
			if p == k || strings.HasPrefix(p, k+".") {
				covered = true
				break
			}
		}
		if !covered {
			kept = append(kept, p)
			out[p] = 1
		}
	}
	return out
}
