// Package memory is an in-process crud.Store that evaluates normalized
// queries directly over records. It backs tests and local development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/nimburion/places/pkg/crud"
	"github.com/nimburion/places/pkg/query"
)

// Options configures a Store.
type Options struct {
	// Name registers the store in a Catalog so other stores can look it up.
	Name string
	// IDField defaults to "id".
	IDField string
	// Paths maps query field names to record paths, e.g. locationLat -> location.lat.
	Paths map[string]string
	// Unique lists fields whose values must not repeat across records.
	Unique []string
	// Lookups resolve fields from other stores of the same Catalog.
	Lookups []Lookup
}

// Lookup exposes Field of the record in store From whose id equals the
// LocalField value, under the name As. An unresolved lookup leaves As unset.
type Lookup struct {
	As         string
	From       string
	LocalField string
	Field      string
}

// Store keeps records in a map guarded by a RWMutex.
type Store struct {
	mu      sync.RWMutex
	opts    Options
	catalog *Catalog
	records map[string]crud.Record
}

// Catalog holds the named stores of one process so lookups can join them.
type Catalog struct {
	mu     sync.Mutex
	stores map[string]*Store
}

// NewCatalog creates an empty Catalog.
func NewCatalog() *Catalog {
	return &Catalog{stores: map[string]*Store{}}
}

// Store returns the store registered under opts.Name, creating it on first
// use. Unnamed options always get a new store that can still use lookups.
func (c *Catalog) Store(opts Options) *Store {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.stores[opts.Name]; ok && opts.Name != "" {
		return s
	}
	s := NewStore(opts)
	s.catalog = c
	if opts.Name != "" {
		c.stores[opts.Name] = s
	}
	return s
}

func (c *Catalog) named(name string) (*Store, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.stores[name]
	return s, ok
}

var _ crud.Store = (*Store)(nil)

// NewStore creates an empty Store.
func NewStore(opts Options) *Store {
	if opts.IDField == "" {
		opts.IDField = "id"
	}
	return &Store{opts: opts, records: map[string]crud.Record{}}
}

func (s *Store) path(field string) string {
	if p, ok := s.opts.Paths[field]; ok {
		return p
	}
	return field
}

// Count returns the number of records matching q's filters.
func (s *Store) Count(ctx context.Context, q *query.Query) (int64, error) {
	matched, err := s.match(ctx, q)
	if err != nil {
		return 0, err
	}
	return int64(len(matched)), nil
}

// Find returns the sorted, paginated and projected page of q.
func (s *Store) Find(ctx context.Context, q *query.Query) ([]crud.Record, error) {
	matched, err := s.match(ctx, q)
	if err != nil {
		return nil, err
	}
	s.sortRecords(matched, q.Sort)

	start := q.Pagination.Skip()
	if start >= len(matched) {
		return []crud.Record{}, nil
	}
	end := len(matched)
	if q.Pagination.Size > 0 && start+q.Pagination.Size < end {
		end = start + q.Pagination.Size
	}

	out := make([]crud.Record, 0, end-start)
	for _, rec := range matched[start:end] {
		out = append(out, s.project(rec, q.Projection))
	}
	return out, nil
}

// Get returns a copy of the record with id.
func (s *Store) Get(ctx context.Context, id string, fields []string) (crud.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, crud.ErrNotFound
	}
	return s.project(s.view(rec), fields), nil
}

// Insert stores a copy of rec.
func (s *Store) Insert(ctx context.Context, rec crud.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	id := fmt.Sprint(rec[s.opts.IDField])
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[id]; exists {
		return fmt.Errorf("insert %s: %w", id, crud.ErrConflict)
	}
	if err := s.checkUnique(id, rec); err != nil {
		return err
	}
	s.records[id] = rec.Clone()
	return nil
}

// Update merges patch into the record with id.
func (s *Store) Update(ctx context.Context, id string, patch crud.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.records[id]
	if !ok {
		return crud.ErrNotFound
	}
	next := existing.Clone()
	for k, v := range patch.Clone() {
		next[k] = v
	}
	if err := s.checkUnique(id, next); err != nil {
		return err
	}
	s.records[id] = next
	return nil
}

// Delete removes the record with id.
func (s *Store) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[id]; !ok {
		return crud.ErrNotFound
	}
	delete(s.records, id)
	return nil
}

// Len returns the number of stored records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

func (s *Store) checkUnique(id string, rec crud.Record) error {
	for _, field := range s.opts.Unique {
		value, ok := rec.Lookup(field)
		if !ok || value == nil {
			continue
		}
		for otherID, other := range s.records {
			if otherID == id {
				continue
			}
			if ov, ok := other.Lookup(field); ok && ov == value {
				return fmt.Errorf("%s %v: %w", field, value, crud.ErrConflict)
			}
		}
	}
	return nil
}

func (s *Store) project(rec crud.Record, fields []string) crud.Record {
	if len(fields) == 0 {
		return rec.Clone()
	}
	out := crud.Record{}
	for _, field := range fields {
		if value, ok := rec.Lookup(s.path(field)); ok {
			if m, nested := value.(map[string]any); nested {
				value = map[string]any(crud.Record(m).Clone())
			}
			out.SetPath(field, value)
		}
	}
	return out
}

// view returns rec with its lookup fields resolved. Stored records are
// replaced, never mutated, so the shallow copy is safe to read.
func (s *Store) view(rec crud.Record) crud.Record {
	if s.catalog == nil || len(s.opts.Lookups) == 0 {
		return rec
	}
	out := make(crud.Record, len(rec)+len(s.opts.Lookups))
	for k, v := range rec {
		out[k] = v
	}
	for _, l := range s.opts.Lookups {
		if l.From == s.opts.Name {
			continue
		}
		local, ok := rec.Lookup(l.LocalField)
		if !ok || local == nil {
			continue
		}
		foreign, ok := s.catalog.named(l.From)
		if !ok {
			continue
		}
		if value, ok := foreign.field(fmt.Sprint(local), l.Field); ok {
			out[l.As] = value
		}
	}
	return out
}

func (s *Store) field(id, path string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, false
	}
	return rec.Lookup(path)
}

func (s *Store) match(ctx context.Context, q *query.Query) ([]crud.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	fields := q.Filters.Fields()
	out := make([]crud.Record, 0, len(s.records))
	for _, stored := range s.records {
		rec := s.view(stored)
		ok := true
		for _, field := range fields {
			value, present := rec.Lookup(s.path(field))
			for _, f := range q.Filters[field] {
				matched, err := evaluate(f, value, present)
				if err != nil {
					return nil, fmt.Errorf("filter %s: %w", field, err)
				}
				if !matched {
					ok = false
					break
				}
			}
			if !ok {
				break
			}
		}
		if ok {
			out = append(out, rec)
		}
	}
	return out, nil
}

// sortRecords orders by sorts with nulls as the largest value, then by id.
func (s *Store) sortRecords(records []crud.Record, sorts []query.SortField) {
	sort.SliceStable(records, func(i, j int) bool {
		for _, sf := range sorts {
			a, _ := records[i].Lookup(s.path(sf.Field))
			b, _ := records[j].Lookup(s.path(sf.Field))
			c := compareNullsLast(a, b)
			if c == 0 {
				continue
			}
			if sf.Desc {
				return c > 0
			}
			return c < 0
		}
		return fmt.Sprint(records[i][s.opts.IDField]) < fmt.Sprint(records[j][s.opts.IDField])
	})
}
