package query

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Reserved query parameter names.
const (
	ParamPage   = "page"
	ParamSize   = "size"
	ParamSort   = "sort"
	ParamFields = "fields"
)

func isReserved(name string) bool {
	switch name {
	case ParamPage, ParamSize, ParamSort, ParamFields:
		return true
	}
	return false
}

// exclusivePairs lists operators that cannot be combined on one field.
var exclusivePairs = [][2]Operator{
	{OpGt, OpGte},
	{OpLt, OpLte},
	{OpLike, OpIlike},
	{OpRegex, OpLike},
	{OpRegex, OpIlike},
}

// Normalize validates raw query-string parameters against schema.
// The result depends only on raw and schema.
func Normalize(raw map[string][]string, schema *Schema) (*Query, error) {
	if !schema.Validated() {
		return nil, fmt.Errorf("schema must be validated before use")
	}

	q := &Query{Filters: FilterSet{}}

	page, err := intParam(raw, ParamPage, 1)
	if err != nil {
		return nil, err
	}
	size, err := intParam(raw, ParamSize, schema.MaxPageSize)
	if err != nil {
		return nil, err
	}
	if size > schema.MaxPageSize {
		size = schema.MaxPageSize
	}
	q.Pagination = Pagination{Page: page, Size: size}

	sortTokens := splitList(raw[ParamSort])
	if len(sortTokens) == 0 {
		q.Sort = append([]SortField(nil), schema.DefaultSort...)
	}
	seenSort := map[string]struct{}{}
	for _, token := range sortTokens {
		sf := SortField{Field: token}
		if strings.HasPrefix(token, "-") {
			sf = SortField{Field: token[1:], Desc: true}
		}
		if !schema.IsSortable(sf.Field) {
			return nil, &ValidationError{
				Field:   ParamSort,
				Message: fmt.Sprintf("unknown sort field %q", sf.Field),
				Details: map[string]any{"allowed": schema.Sortable},
			}
		}
		if _, dup := seenSort[sf.Field]; dup {
			continue
		}
		seenSort[sf.Field] = struct{}{}
		q.Sort = append(q.Sort, sf)
	}

	seenField := map[string]struct{}{}
	for _, name := range splitList(raw[ParamFields]) {
		if !schema.IsSelectable(name) {
			return nil, &ValidationError{
				Field:   ParamFields,
				Message: fmt.Sprintf("unknown field %q", name),
				Details: map[string]any{"allowed": schema.Selectable},
			}
		}
		if _, dup := seenField[name]; dup {
			continue
		}
		seenField[name] = struct{}{}
		q.Projection = append(q.Projection, name)
	}

	keys := make([]string, 0, len(raw))
	for key := range raw {
		if !isReserved(key) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	for _, key := range keys {
		spec, ok := schema.Field(key)
		if !ok {
			return nil, &ValidationError{
				Field:   key,
				Message: "Unknown filter field",
				Details: map[string]any{"allowed": schema.SearchableFields()},
			}
		}
		for _, value := range raw[key] {
			f, err := ParseToken(key, spec, value)
			if err != nil {
				return nil, err
			}
			q.Filters.Add(key, f)
		}
		if err := CheckExclusivity(key, q.Filters[key]); err != nil {
			return nil, err
		}
	}

	return q, nil
}

// CheckExclusivity rejects operator combinations that cannot share a field.
func CheckExclusivity(field string, filters []FieldFilter) error {
	if len(filters) < 2 {
		return nil
	}
	present := map[Operator]bool{}
	ordered := make([]string, 0, len(filters))
	for _, f := range filters {
		if !present[f.Operator] {
			ordered = append(ordered, string(f.Operator))
		}
		present[f.Operator] = true
	}
	if present[OpEq] {
		return &ValidationError{
			Field:   field,
			Message: fmt.Sprintf("eq cannot be combined with other filters on the same field (got %s)", strings.Join(ordered, ", ")),
			Details: map[string]any{"operators": ordered},
		}
	}
	for _, pair := range exclusivePairs {
		if present[pair[0]] && present[pair[1]] {
			return &ValidationError{
				Field:   field,
				Message: fmt.Sprintf("%s and %s are mutually exclusive", pair[0], pair[1]),
				Details: map[string]any{"operators": []string{string(pair[0]), string(pair[1])}},
			}
		}
	}
	return nil
}

// NormalizeBody validates a decoded POST search body. Each top-level value may
// be a scalar or an array of scalars; both map onto the query-string grammar.
func NormalizeBody(body map[string]any, schema *Schema) (*Query, error) {
	raw := make(map[string][]string, len(body))
	for key, value := range body {
		values, err := bodyValues(key, value)
		if err != nil {
			return nil, err
		}
		raw[key] = values
	}
	return Normalize(raw, schema)
}

func bodyValues(key string, value any) ([]string, error) {
	switch v := value.(type) {
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, err := bodyScalar(key, item)
			if err != nil {
				return nil, err
			}
			out = append(out, s)
		}
		return out, nil
	default:
		s, err := bodyScalar(key, v)
		if err != nil {
			return nil, err
		}
		return []string{s}, nil
	}
}

func bodyScalar(key string, value any) (string, error) {
	switch v := value.(type) {
	case string:
		return v, nil
	case bool:
		return strconv.FormatBool(v), nil
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	case json.Number:
		return v.String(), nil
	case int:
		return strconv.Itoa(v), nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	case nil:
		return "", newValidationError(key, "null is not a valid filter value, use null:true")
	default:
		return "", newValidationError(key, fmt.Sprintf("unsupported value of type %T", value))
	}
}

func intParam(raw map[string][]string, name string, def int) (int, error) {
	values := raw[name]
	if len(values) == 0 || strings.TrimSpace(values[len(values)-1]) == "" {
		return def, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(values[len(values)-1]))
	if err != nil {
		return 0, newValidationError(name, fmt.Sprintf("expected an integer, got %q", values[len(values)-1]))
	}
	if n < 1 {
		return 0, newValidationError(name, fmt.Sprintf("must be at least 1, got %d", n))
	}
	return n, nil
}

// splitList flattens repeated and comma-separated values, dropping blanks.
func splitList(values []string) []string {
	var out []string
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
