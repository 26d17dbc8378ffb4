package relational

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/nimburion/places/pkg/crud"
	"github.com/nimburion/places/pkg/query"
)

// uniqueViolation is the PostgreSQL SQLSTATE for a unique constraint failure.
const uniqueViolation = "23505"

// Executor runs statements. *sqlx.DB, *sqlx.Tx and the postgres store adapter
// satisfy it.
type Executor interface {
	QueryxContext(ctx context.Context, query string, args ...any) (*sqlx.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Store implements crud.Store on PostgreSQL.
type Store struct {
	exec     Executor
	compiler *Compiler
}

var _ crud.Store = (*Store)(nil)

// NewStore creates a Store for table.
func NewStore(exec Executor, table Table) (*Store, error) {
	if exec == nil {
		return nil, errors.New("relational: executor is required")
	}
	compiler, err := NewCompiler(table)
	if err != nil {
		return nil, err
	}
	return &Store{exec: exec, compiler: compiler}, nil
}

// Count returns the number of distinct records matching q.
func (s *Store) Count(ctx context.Context, q *query.Query) (int64, error) {
	stmt, err := s.compiler.Count(q)
	if err != nil {
		return 0, err
	}
	rows, err := s.exec.QueryxContext(ctx, stmt.SQL, stmt.Args...)
	if err != nil {
		return 0, s.wrap("count", err)
	}
	defer rows.Close()

	var count int64
	if rows.Next() {
		if err := rows.Scan(&count); err != nil {
			return 0, s.wrap("count", err)
		}
	}
	return count, s.wrap("count", rows.Err())
}

// Find resolves the page keys first, then loads the projected rows for them.
func (s *Store) Find(ctx context.Context, q *query.Query) ([]crud.Record, error) {
	keys, err := s.keys(ctx, q)
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return []crud.Record{}, nil
	}

	stmt, err := s.compiler.Rows(q, keys)
	if err != nil {
		return nil, err
	}
	records, err := s.queryRecords(ctx, stmt)
	if err != nil {
		return nil, s.wrap("find", err)
	}
	if len(q.Projection) > 0 {
		for i, rec := range records {
			records[i] = crud.Project(rec, q.Projection)
		}
	}
	return records, nil
}

func (s *Store) keys(ctx context.Context, q *query.Query) ([]any, error) {
	stmt, err := s.compiler.Keys(q)
	if err != nil {
		return nil, err
	}
	rows, err := s.exec.QueryxContext(ctx, stmt.SQL, stmt.Args...)
	if err != nil {
		return nil, s.wrap("resolve keys", err)
	}
	defer rows.Close()

	var keys []any
	for rows.Next() {
		cols, err := rows.SliceScan()
		if err != nil {
			return nil, s.wrap("resolve keys", err)
		}
		keys = append(keys, normalizeValue(cols[0]))
	}
	return keys, s.wrap("resolve keys", rows.Err())
}

// Get loads one record by primary key.
func (s *Store) Get(ctx context.Context, id string, fields []string) (crud.Record, error) {
	stmt, err := s.compiler.Get(id, fields)
	if err != nil {
		return nil, err
	}
	records, err := s.queryRecords(ctx, stmt)
	if err != nil {
		return nil, s.wrap("get", err)
	}
	if len(records) == 0 {
		return nil, crud.ErrNotFound
	}
	return records[0], nil
}

// Insert writes rec.
func (s *Store) Insert(ctx context.Context, rec crud.Record) error {
	stmt, err := s.compiler.Insert(rec)
	if err != nil {
		return err
	}
	if _, err := s.exec.ExecContext(ctx, stmt.SQL, stmt.Args...); err != nil {
		return s.wrap("insert", err)
	}
	return nil
}

// Update applies patch to the record with id.
func (s *Store) Update(ctx context.Context, id string, patch crud.Record) error {
	stmt, err := s.compiler.Update(id, patch.Clone())
	if err != nil {
		return err
	}
	return s.execAffecting(ctx, "update", stmt)
}

// Delete removes the record with id.
func (s *Store) Delete(ctx context.Context, id string) error {
	stmt, err := s.compiler.Delete(id)
	if err != nil {
		return err
	}
	return s.execAffecting(ctx, "delete", stmt)
}

func (s *Store) execAffecting(ctx context.Context, op string, stmt Statement) error {
	result, err := s.exec.ExecContext(ctx, stmt.SQL, stmt.Args...)
	if err != nil {
		return s.wrap(op, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return s.wrap(op, err)
	}
	if affected == 0 {
		return crud.ErrNotFound
	}
	return nil
}

func (s *Store) queryRecords(ctx context.Context, stmt Statement) ([]crud.Record, error) {
	rows, err := s.exec.QueryxContext(ctx, stmt.SQL, stmt.Args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := []crud.Record{}
	for rows.Next() {
		row := map[string]any{}
		if err := rows.MapScan(row); err != nil {
			return nil, err
		}
		rec, err := s.decode(row)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// decode nests dotted column aliases and unmarshals JSON columns.
func (s *Store) decode(row map[string]any) (crud.Record, error) {
	rec := crud.Record{}
	for field, value := range row {
		value = normalizeValue(value)
		col := s.compiler.table.column(field)
		if col.JSON && value != nil {
			var doc any
			raw, _ := value.(string)
			if err := json.Unmarshal([]byte(raw), &doc); err != nil {
				return nil, fmt.Errorf("decode %s: %w", field, err)
			}
			value = doc
		}
		if strings.Contains(field, ".") {
			rec.SetPath(field, value)
			continue
		}
		rec[field] = value
	}
	return rec, nil
}

func normalizeValue(v any) any {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}

// wrap maps unique violations to crud.ErrConflict and keeps the driver error
// as context.
func (s *Store) wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return fmt.Errorf("%s %s: %w: %s", op, s.compiler.table.Name, crud.ErrConflict, pqErr.Constraint)
	}
	if errors.Is(err, sql.ErrNoRows) {
		return crud.ErrNotFound
	}
	return fmt.Errorf("%s %s: %w", op, s.compiler.table.Name, err)
}
