// Package relational compiles normalized queries into PostgreSQL statements
// and executes them as a crud.Store.
package relational

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"unicode"
)

// Join is a LEFT JOIN a column needs. Joins with the same alias are applied
// once; lower levels are applied first.
type Join struct {
	Table string
	Alias string
	On    string
	Level int
}

// Column maps one record field onto SQL.
type Column struct {
	// Name is the physical column. Empty means the field is computed and read-only.
	Name string
	// Expr is the read expression. Defaults to <table>.<Name>.
	Expr string
	// Joins are required to evaluate Expr.
	Joins []Join
	// JSON marks a jsonb column holding a nested document.
	JSON bool
}

// Table describes how an entity is stored.
type Table struct {
	Name string
	// PrimaryKey is the key column; defaults to "id".
	PrimaryKey string
	// IDField is the record field holding the key; defaults to "id".
	IDField string
	// Fields lists the record fields returned when no projection is given.
	Fields []string
	// Columns overrides the default snake_case mapping per field.
	Columns map[string]Column
}

func (t *Table) normalize() error {
	if strings.TrimSpace(t.Name) == "" {
		return errors.New("relational: table name is required")
	}
	if t.PrimaryKey == "" {
		t.PrimaryKey = "id"
	}
	if t.IDField == "" {
		t.IDField = "id"
	}
	if len(t.Fields) == 0 {
		return fmt.Errorf("relational: table %s lists no fields", t.Name)
	}
	for field, col := range t.Columns {
		if col.Name == "" && col.Expr == "" {
			return fmt.Errorf("relational: column for %q needs a name or an expression", field)
		}
	}
	return nil
}

// column returns the mapping of field, falling back to <table>.<snake(field)>.
func (t *Table) column(field string) Column {
	col, ok := t.Columns[field]
	if !ok {
		col = Column{Name: snakeCase(field)}
	}
	if col.Expr == "" {
		col.Expr = t.Name + "." + col.Name
	}
	return col
}

func (t *Table) writable(field string) (Column, bool) {
	col := t.column(field)
	return col, col.Name != "" && len(col.Joins) == 0
}

func (t *Table) pk() string {
	return t.Name + "." + t.PrimaryKey
}

// joinsFor collects the joins of fields, deduplicated by alias and ordered
// by level. Ties keep first-seen order.
func (t *Table) joinsFor(fields ...[]string) []Join {
	seen := map[string]struct{}{}
	var out []Join
	for _, group := range fields {
		for _, field := range group {
			for _, j := range t.column(field).Joins {
				if _, dup := seen[j.Alias]; dup {
					continue
				}
				seen[j.Alias] = struct{}{}
				out = append(out, j)
			}
		}
	}
	sort.SliceStable(out, func(i, k int) bool { return out[i].Level < out[k].Level })
	return out
}

func renderJoins(joins []Join) string {
	var b strings.Builder
	for _, j := range joins {
		fmt.Fprintf(&b, " LEFT JOIN %s AS %s ON %s", j.Table, j.Alias, j.On)
	}
	return b.String()
}

// snakeCase converts camelCase and dotted names: locationLat -> location_lat.
func snakeCase(s string) string {
	var b strings.Builder
	runes := []rune(s)
	for i, r := range runes {
		switch {
		case r == '.' || r == '-':
			b.WriteByte('_')
		case unicode.IsUpper(r):
			if i > 0 && (unicode.IsLower(runes[i-1]) || unicode.IsDigit(runes[i-1])) {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
