package memory

import (
	"fmt"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/nimburion/places/pkg/query"
)

func evaluate(f query.FieldFilter, value any, present bool) (bool, error) {
	switch f.Operator {
	case query.OpExists:
		want, _ := f.Value.(bool)
		return present == want, nil
	case query.OpNull:
		want, _ := f.Value.(bool)
		return (value == nil) == want, nil
	case query.OpEq:
		return value != nil && compare(value, f.Value) == 0, nil
	case query.OpNe:
		return value == nil || compare(value, f.Value) != 0, nil
	case query.OpGt:
		return value != nil && compare(value, f.Value) > 0, nil
	case query.OpGte:
		return value != nil && compare(value, f.Value) >= 0, nil
	case query.OpLt:
		return value != nil && compare(value, f.Value) < 0, nil
	case query.OpLte:
		return value != nil && compare(value, f.Value) <= 0, nil
	case query.OpIn:
		return value != nil && contains(f.Value, value), nil
	case query.OpNin:
		return value == nil || !contains(f.Value, value), nil
	}

	s, ok := value.(string)
	if !ok {
		return false, nil
	}
	pattern, _ := f.Value.(string)
	switch f.Operator {
	case query.OpLike:
		return strings.Contains(s, pattern), nil
	case query.OpIlike:
		return strings.Contains(strings.ToLower(s), strings.ToLower(pattern)), nil
	case query.OpStartsWith:
		return strings.HasPrefix(s, pattern), nil
	case query.OpEndsWith:
		return strings.HasSuffix(s, pattern), nil
	case query.OpRegex:
		re, err := regexp.Compile(pattern)
		if err != nil {
			return false, err
		}
		return re.MatchString(s), nil
	case query.OpText:
		words := query.TextTerms(s)
		for _, term := range query.TextTerms(pattern) {
			if !slices.Contains(words, term) {
				return false, nil
			}
		}
		return true, nil
	default:
		return false, fmt.Errorf("unsupported operator %q", f.Operator)
	}
}

func contains(list any, value any) bool {
	items, _ := list.([]any)
	for _, item := range items {
		if compare(value, item) == 0 {
			return true
		}
	}
	return false
}

// compareNullsLast orders nil after every other value.
func compareNullsLast(a, b any) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return 1
	case b == nil:
		return -1
	}
	return compare(a, b)
}

// compare orders two scalars of compatible kinds. Incomparable kinds fall back
// to their string forms.
func compare(a, b any) int {
	if af, ok := toFloat(a); ok {
		if bf, ok := toFloat(b); ok {
			switch {
			case af < bf:
				return -1
			case af > bf:
				return 1
			}
			return 0
		}
	}
	if at, ok := toTime(a); ok {
		if bt, ok := toTime(b); ok {
			return at.Compare(bt)
		}
	}
	if ab, ok := a.(bool); ok {
		if bb, ok := b.(bool); ok {
			switch {
			case ab == bb:
				return 0
			case !ab:
				return -1
			}
			return 1
		}
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func toTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, t)
		return parsed, err == nil
	default:
		return time.Time{}, false
	}
}
