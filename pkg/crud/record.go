package crud

import "strings"

// Record is one entity as a field map. Nested documents are map[string]any.
type Record map[string]any

// Clone returns a deep copy of the nested maps of r. Leaf values are shared.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	return Record(cloneMap(r))
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		switch t := v.(type) {
		case map[string]any:
			out[k] = cloneMap(t)
		case Record:
			out[k] = cloneMap(t)
		default:
			out[k] = v
		}
	}
	return out
}

// Lookup resolves a dot-notation path such as "location.lat".
func (r Record) Lookup(path string) (any, bool) {
	var cur any = map[string]any(r)
	for _, part := range strings.Split(path, ".") {
		m, ok := asMap(cur)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// SetPath assigns value at a dot-notation path, creating nested maps.
func (r Record) SetPath(path string, value any) {
	parts := strings.Split(path, ".")
	cur := map[string]any(r)
	for _, part := range parts[:len(parts)-1] {
		next, ok := asMap(cur[part])
		if !ok {
			next = map[string]any{}
			cur[part] = next
		}
		cur = next
	}
	cur[parts[len(parts)-1]] = value
}

// Project keeps only fields. A dotted name keeps the nested leaf and
// rebuilds its parents. An empty fields list returns a copy of r.
func Project(r Record, fields []string) Record {
	if len(fields) == 0 {
		return r.Clone()
	}
	out := Record{}
	for _, field := range fields {
		value, ok := r.Lookup(field)
		if !ok {
			continue
		}
		if m, isMap := asMap(value); isMap {
			value = cloneMap(m)
		}
		out.SetPath(field, value)
	}
	return out
}

func asMap(v any) (map[string]any, bool) {
	switch t := v.(type) {
	case map[string]any:
		return t, true
	case Record:
		return t, true
	default:
		return nil, false
	}
}
