// Package query implements the request-level filter, sort, projection and
// pagination grammar shared by every storage backend.
package query

import (
	"fmt"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"
	"unicode"
)

// Operator is a filter comparison operator.
type Operator string

// Supported operators.
const (
	OpEq         Operator = "eq"
	OpNe         Operator = "ne"
	OpGt         Operator = "gt"
	OpGte        Operator = "gte"
	OpLt         Operator = "lt"
	OpLte        Operator = "lte"
	OpIn         Operator = "in"
	OpNin        Operator = "nin"
	OpExists     Operator = "exists"
	OpNull       Operator = "null"
	OpLike       Operator = "like"
	OpIlike      Operator = "ilike"
	OpRegex      Operator = "regex"
	OpText       Operator = "text"
	OpStartsWith Operator = "startsWith"
	OpEndsWith   Operator = "endsWith"
)

// FieldType is the declared scalar type of a searchable field.
type FieldType string

// Field types.
const (
	TypeNumeric    FieldType = "numeric"
	TypeString     FieldType = "string"
	TypeBoolean    FieldType = "boolean"
	TypeDate       FieldType = "date"
	TypeIdentifier FieldType = "identifier"
)

var operatorsByType = map[FieldType][]Operator{
	TypeNumeric:    {OpEq, OpNe, OpGt, OpGte, OpLt, OpLte, OpIn, OpNin, OpExists, OpNull},
	TypeDate:       {OpEq, OpNe, OpGt, OpGte, OpLt, OpLte, OpIn, OpNin, OpExists, OpNull},
	TypeString:     {OpEq, OpNe, OpGt, OpGte, OpLt, OpLte, OpIn, OpNin, OpExists, OpNull, OpLike, OpIlike, OpRegex, OpText, OpStartsWith, OpEndsWith},
	TypeBoolean:    {OpEq, OpNe, OpExists, OpNull},
	TypeIdentifier: {OpEq, OpNe, OpIn, OpNin, OpExists, OpNull},
}

// Operators returns the operators accepted for a field type.
func Operators(t FieldType) []Operator {
	ops := operatorsByType[t]
	out := make([]Operator, len(ops))
	copy(out, ops)
	return out
}

// TextTerms splits s into the lowercased words a text filter matches on.
// Any rune that is neither a letter nor a digit separates words.
func TextTerms(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// FieldFilter is one operator/value constraint on a single field.
//
// Value is a []any for in/nin, a bool for exists/null and a single scalar
// otherwise. Scalars are float64 (numeric), string (string, identifier),
// bool (boolean) or time.Time (date).
type FieldFilter struct {
	Operator Operator
	Value    any
}

// String renders the filter back into its "op:value" token.
func (f FieldFilter) String() string {
	switch v := f.Value.(type) {
	case []any:
		parts := make([]string, len(v))
		for i, item := range v {
			parts[i] = formatScalar(item)
		}
		return string(f.Operator) + ":" + strings.Join(parts, ",")
	default:
		return string(f.Operator) + ":" + formatScalar(v)
	}
}

func formatScalar(v any) string {
	switch t := v.(type) {
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	case string:
		return t
	default:
		return fmt.Sprint(t)
	}
}

// FieldSpec declares how a searchable field is parsed.
type FieldSpec struct {
	Type FieldType
	// FullText marks the field as backed by a full-text index; required for "text".
	FullText bool
	// Validate optionally checks a coerced scalar further (ranges, formats).
	Validate func(value any) error
}

// Allows reports whether op is accepted for this field.
func (s FieldSpec) Allows(op Operator) bool {
	for _, candidate := range operatorsByType[s.Type] {
		if candidate == op {
			return op != OpText || s.FullText
		}
	}
	return false
}

func knownOperator(op Operator) bool {
	for _, ops := range operatorsByType {
		if slices.Contains(ops, op) {
			return true
		}
	}
	return false
}

// ParseToken parses one raw query value for field into a FieldFilter.
// A value without ':' is an implicit eq. Otherwise the text before the first
// ':' must name an operator the field accepts.
func ParseToken(field string, spec FieldSpec, raw string) (FieldFilter, error) {
	op, rest, found := strings.Cut(raw, ":")
	if !found {
		value, err := coerce(field, spec, raw)
		if err != nil {
			return FieldFilter{}, err
		}
		return FieldFilter{Operator: OpEq, Value: value}, nil
	}

	operator := Operator(op)
	if !spec.Allows(operator) {
		if operator == OpText && spec.Type == TypeString {
			return FieldFilter{}, newValidationError(field, "text search requires a full-text indexed field")
		}
		if operator == OpRegex && spec.Type == TypeIdentifier {
			return FieldFilter{}, newValidationError(field, "regex is not allowed on identifier fields")
		}
		msg := fmt.Sprintf("unsupported operator %q, allowed: %s", op, joinOperators(allowedFor(spec)))
		if !knownOperator(operator) && spec.Allows(OpEq) {
			// Bare values such as 2024-01-01T10:00:00Z contain ':' themselves.
			msg += fmt.Sprintf("; to match a value containing ':' write eq:%s", raw)
		}
		return FieldFilter{}, newValidationError(field, msg)
	}

	switch operator {
	case OpIn, OpNin:
		items := strings.Split(rest, ",")
		values := make([]any, 0, len(items))
		for _, item := range items {
			value, err := coerce(field, spec, item)
			if err != nil {
				return FieldFilter{}, err
			}
			values = append(values, value)
		}
		return FieldFilter{Operator: operator, Value: values}, nil
	case OpExists, OpNull:
		b, err := parseBool(rest)
		if err != nil {
			return FieldFilter{}, newValidationError(field, fmt.Sprintf("%s expects true or false, got %q", op, rest))
		}
		return FieldFilter{Operator: operator, Value: b}, nil
	case OpRegex:
		if _, err := regexp.Compile(rest); err != nil {
			return FieldFilter{}, newValidationError(field, fmt.Sprintf("invalid regular expression: %v", err))
		}
		return FieldFilter{Operator: operator, Value: rest}, nil
	case OpLike, OpIlike, OpText, OpStartsWith, OpEndsWith:
		if rest == "" {
			return FieldFilter{}, newValidationError(field, fmt.Sprintf("%s expects a non-empty value", op))
		}
		if operator == OpText && len(TextTerms(rest)) == 0 {
			return FieldFilter{}, newValidationError(field, "text expects at least one word")
		}
		return FieldFilter{Operator: operator, Value: rest}, nil
	default:
		value, err := coerce(field, spec, rest)
		if err != nil {
			return FieldFilter{}, err
		}
		return FieldFilter{Operator: operator, Value: value}, nil
	}
}

func allowedFor(spec FieldSpec) []Operator {
	out := make([]Operator, 0, len(operatorsByType[spec.Type]))
	for _, op := range operatorsByType[spec.Type] {
		if spec.Allows(op) {
			out = append(out, op)
		}
	}
	return out
}

func joinOperators(ops []Operator) string {
	parts := make([]string, len(ops))
	for i, op := range ops {
		parts[i] = string(op)
	}
	return strings.Join(parts, ", ")
}

func coerce(field string, spec FieldSpec, raw string) (any, error) {
	var value any
	switch spec.Type {
	case TypeNumeric:
		f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			return nil, newValidationError(field, fmt.Sprintf("expected a number, got %q", raw))
		}
		value = f
	case TypeBoolean:
		b, err := parseBool(raw)
		if err != nil {
			return nil, newValidationError(field, fmt.Sprintf("expected true or false, got %q", raw))
		}
		value = b
	case TypeDate:
		t, err := parseDate(raw)
		if err != nil {
			return nil, newValidationError(field, fmt.Sprintf("expected an ISO-8601 date, got %q", raw))
		}
		value = t
	case TypeIdentifier:
		if strings.TrimSpace(raw) == "" {
			return nil, newValidationError(field, "expected a non-empty identifier")
		}
		value = raw
	case TypeString:
		value = raw
	default:
		return nil, newValidationError(field, fmt.Sprintf("field has unknown type %q", spec.Type))
	}

	if spec.Validate != nil {
		if err := spec.Validate(value); err != nil {
			return nil, newValidationError(field, err.Error())
		}
	}
	return value, nil
}

func parseBool(raw string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "true":
		return true, nil
	case "false":
		return false, nil
	default:
		return false, fmt.Errorf("not a boolean: %q", raw)
	}
}

var dateLayouts = []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02"}

func parseDate(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("not a date: %q", raw)
}
