package relational

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/nimburion/places/pkg/query"
)

// Statement is a positional PostgreSQL statement and its arguments.
type Statement struct {
	SQL  string
	Args []any
}

// Compiler turns normalized queries into statements against one Table.
// Predicates use named parameters called snake_case(field)_operator, with a
// numeric suffix when the same pair repeats.
type Compiler struct {
	table Table
}

// NewCompiler validates t and returns a Compiler for it.
func NewCompiler(t Table) (*Compiler, error) {
	if err := t.normalize(); err != nil {
		return nil, err
	}
	return &Compiler{table: t}, nil
}

// Table returns the compiler's table description.
func (c *Compiler) Table() Table { return c.table }

type params struct {
	values map[string]any
	seen   map[string]int
}

func newParams() *params {
	return &params{values: map[string]any{}, seen: map[string]int{}}
}

func (p *params) add(base string, value any) string {
	p.seen[base]++
	name := base
	if n := p.seen[base]; n > 1 {
		name = fmt.Sprintf("%s_%d", base, n)
	}
	p.values[name] = value
	return name
}

// Count compiles COUNT(DISTINCT pk) so one-to-many joins cannot inflate totals.
func (c *Compiler) Count(q *query.Query) (Statement, error) {
	p := newParams()
	where, err := c.where(q.Filters, p)
	if err != nil {
		return Statement{}, err
	}
	joins := c.table.joinsFor(q.Filters.Fields())
	sql := fmt.Sprintf("SELECT COUNT(DISTINCT %s) FROM %s%s%s", c.table.pk(), c.table.Name, renderJoins(joins), where)
	return bind(sql, p.values)
}

// Keys compiles the first pagination phase: the distinct primary keys of the
// requested page, with filters, sort and LIMIT/OFFSET applied.
func (c *Compiler) Keys(q *query.Query) (Statement, error) {
	p := newParams()
	where, err := c.where(q.Filters, p)
	if err != nil {
		return Statement{}, err
	}
	joins := c.table.joinsFor(q.Filters.Fields(), sortFields(q.Sort))

	selects := []string{c.table.pk() + " AS pk"}
	order := make([]string, 0, len(q.Sort)+1)
	for i, sf := range q.Sort {
		alias := fmt.Sprintf("sort_%d", i)
		selects = append(selects, c.table.column(sf.Field).Expr+" AS "+alias)
		order = append(order, alias+direction(sf))
	}
	order = append(order, "pk")

	sql := fmt.Sprintf("SELECT DISTINCT %s FROM %s%s%s ORDER BY %s LIMIT %d OFFSET %d",
		strings.Join(selects, ", "), c.table.Name, renderJoins(joins), where,
		strings.Join(order, ", "), q.Pagination.Limit(), q.Pagination.Skip())
	return bind(sql, p.values)
}

// Rows compiles the second pagination phase: the projected rows whose keys
// were resolved by Keys, ordered again but not paginated.
func (c *Compiler) Rows(q *query.Query, keys []any) (Statement, error) {
	if len(keys) == 0 {
		return Statement{}, fmt.Errorf("relational: no keys to fetch")
	}
	fields := withID(q.Projection, c.table.IDField)
	joins := c.table.joinsFor(fields, sortFields(q.Sort))

	order := make([]string, 0, len(q.Sort)+1)
	for _, sf := range q.Sort {
		order = append(order, c.table.column(sf.Field).Expr+direction(sf))
	}
	order = append(order, c.table.pk())

	sql := fmt.Sprintf("SELECT %s FROM %s%s WHERE %s IN (:keys) ORDER BY %s",
		c.selectList(fields), c.table.Name, renderJoins(joins), c.table.pk(), strings.Join(order, ", "))
	return bind(sql, map[string]any{"keys": keys})
}

// Get compiles a primary-key lookup. Nil fields selects Table.Fields.
func (c *Compiler) Get(id string, fields []string) (Statement, error) {
	if len(fields) == 0 {
		fields = c.table.Fields
	}
	joins := c.table.joinsFor(fields)
	sql := fmt.Sprintf("SELECT %s FROM %s%s WHERE %s = :id",
		c.selectList(fields), c.table.Name, renderJoins(joins), c.table.pk())
	return bind(sql, map[string]any{"id": id})
}

// Insert compiles an INSERT of every writable field present in rec.
func (c *Compiler) Insert(rec map[string]any) (Statement, error) {
	cols, values, err := c.assignments(rec)
	if err != nil {
		return Statement{}, err
	}
	names := make([]string, len(cols))
	placeholders := make([]string, len(cols))
	for i, col := range cols {
		names[i] = col
		placeholders[i] = ":" + col
	}
	sql := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		c.table.Name, strings.Join(names, ", "), strings.Join(placeholders, ", "))
	return bind(sql, values)
}

// Update compiles an UPDATE of the patched fields.
func (c *Compiler) Update(id string, patch map[string]any) (Statement, error) {
	delete(patch, c.table.IDField)
	cols, values, err := c.assignments(patch)
	if err != nil {
		return Statement{}, err
	}
	if len(cols) == 0 {
		return Statement{}, &query.ValidationError{Message: "update has no writable fields"}
	}
	sets := make([]string, len(cols))
	for i, col := range cols {
		sets[i] = col + " = :" + col
	}
	values["pk_id"] = id
	sql := fmt.Sprintf("UPDATE %s SET %s WHERE %s = :pk_id", c.table.Name, strings.Join(sets, ", "), c.table.PrimaryKey)
	return bind(sql, values)
}

// Delete compiles a DELETE by primary key.
func (c *Compiler) Delete(id string) (Statement, error) {
	return bind(fmt.Sprintf("DELETE FROM %s WHERE %s = :id", c.table.Name, c.table.PrimaryKey), map[string]any{"id": id})
}

func (c *Compiler) assignments(rec map[string]any) ([]string, map[string]any, error) {
	fields := make([]string, 0, len(rec))
	for field := range rec {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	cols := make([]string, 0, len(fields))
	values := make(map[string]any, len(fields))
	for _, field := range fields {
		col, ok := c.table.writable(field)
		if !ok {
			return nil, nil, &query.ValidationError{Field: field, Message: "field is not writable"}
		}
		value := rec[field]
		if col.JSON && value != nil {
			raw, err := json.Marshal(value)
			if err != nil {
				return nil, nil, fmt.Errorf("relational: encode %s: %w", field, err)
			}
			value = string(raw)
		}
		cols = append(cols, col.Name)
		values[col.Name] = value
	}
	return cols, values, nil
}

func (c *Compiler) selectList(fields []string) string {
	parts := make([]string, len(fields))
	for i, field := range fields {
		parts[i] = fmt.Sprintf(`%s AS "%s"`, c.table.column(field).Expr, field)
	}
	return strings.Join(parts, ", ")
}

// where renders one predicate per filter; the first opens WHERE and the rest
// are joined with AND.
func (c *Compiler) where(filters query.FilterSet, p *params) (string, error) {
	var preds []string
	for _, field := range filters.Fields() {
		expr := c.table.column(field).Expr
		for _, f := range filters[field] {
			pred, err := predicate(expr, snakeCase(field), f, p)
			if err != nil {
				return "", fmt.Errorf("relational: %s: %w", field, err)
			}
			preds = append(preds, pred)
		}
	}
	if len(preds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(preds, " AND "), nil
}

func predicate(expr, base string, f query.FieldFilter, p *params) (string, error) {
	name := func(value any) string {
		return ":" + p.add(base+"_"+string(f.Operator), value)
	}
	switch f.Operator {
	case query.OpEq:
		return expr + " = " + name(f.Value), nil
	case query.OpNe:
		return expr + " <> " + name(f.Value), nil
	case query.OpGt:
		return expr + " > " + name(f.Value), nil
	case query.OpGte:
		return expr + " >= " + name(f.Value), nil
	case query.OpLt:
		return expr + " < " + name(f.Value), nil
	case query.OpLte:
		return expr + " <= " + name(f.Value), nil
	case query.OpIn:
		return expr + " IN (" + name(f.Value) + ")", nil
	case query.OpNin:
		return expr + " NOT IN (" + name(f.Value) + ")", nil
	case query.OpExists:
		if f.Value == true {
			return expr + " IS NOT NULL", nil
		}
		return expr + " IS NULL", nil
	case query.OpNull:
		if f.Value == true {
			return expr + " IS NULL", nil
		}
		return expr + " IS NOT NULL", nil
	case query.OpLike:
		return expr + " LIKE " + name("%"+escapeLike(f.Value)+"%"), nil
	case query.OpIlike:
		return expr + " ILIKE " + name("%"+escapeLike(f.Value)+"%"), nil
	case query.OpStartsWith:
		return expr + " LIKE " + name(escapeLike(f.Value)+"%"), nil
	case query.OpEndsWith:
		return expr + " LIKE " + name("%"+escapeLike(f.Value)), nil
	case query.OpRegex:
		return expr + " ~ " + name(f.Value), nil
	case query.OpText:
		return "to_tsvector('simple', " + expr + ") @@ plainto_tsquery('simple', " + name(f.Value) + ")", nil
	default:
		return "", fmt.Errorf("unsupported operator %q", f.Operator)
	}
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(v any) string {
	return likeEscaper.Replace(fmt.Sprint(v))
}

func direction(sf query.SortField) string {
	if sf.Desc {
		return " DESC"
	}
	return " ASC"
}

func sortFields(sorts []query.SortField) []string {
	out := make([]string, len(sorts))
	for i, sf := range sorts {
		out[i] = sf.Field
	}
	return out
}

func withID(fields []string, idField string) []string {
	for _, f := range fields {
		if f == idField {
			return fields
		}
	}
	return append([]string{idField}, fields...)
}

// bind resolves named parameters, expands IN lists and rebinds to $n.
func bind(named string, values map[string]any) (Statement, error) {
	sql, args, err := sqlx.Named(named, values)
	if err != nil {
		return Statement{}, fmt.Errorf("relational: bind: %w", err)
	}
	sql, args, err = sqlx.In(sql, args...)
	if err != nil {
		return Statement{}, fmt.Errorf("relational: expand: %w", err)
	}
	return Statement{SQL: sqlx.Rebind(sqlx.DOLLAR, sql), Args: args}, nil
}
