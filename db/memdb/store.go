// Package memdb is an in-process transactional row store. It backs tests and
// servers started without a database DSN.
package memdb

import (
	"fmt"
	"sort"
	"sync"

	"github.com/cyberinferno/go-remotedb/db"
	"github.com/cyberinferno/go-remotedb/model"
)

// TableOption configures a table at creation.
type TableOption func(*table)

// Unique adds a single-field uniqueness constraint.
func Unique(field string) TableOption {
	return func(t *table) { t.unique = append(t.unique, field) }
}

// Check adds a validation run before every insert and update. Its error is
// returned as is and is not a conflict.
func Check(fn func(fields map[string]any) error) TableOption {
	return func(t *table) { t.checks = append(t.checks, fn) }
}

type table struct {
	name   string
	nextID int64
	rows   map[int64]model.Row
	unique []string
	checks []func(map[string]any) error
}

// Store holds all tables. Tables not created explicitly are created without
// constraints on first use.
type Store struct {
	mu     sync.Mutex
	tables map[string]*table
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{tables: make(map[string]*table)}
}

// CreateTable defines name with the given constraints. Defining an existing
// table is an error.
func (s *Store) CreateTable(name string, opts ...TableOption) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tables[name]; ok {
		return fmt.Errorf("memdb: table %s already exists", name)
	}
	t := &table{name: name, rows: make(map[int64]model.Row)}
	for _, opt := range opts {
		opt(t)
	}
	s.tables[name] = t
	return nil
}

// Tables returns the table names in sorted order.
func (s *Store) Tables() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.tables))
	for name := range s.tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// tableLocked returns name, creating it if needed. s.mu must be held.
func (s *Store) tableLocked(name string) *table {
	t, ok := s.tables[name]
	if !ok {
		t = &table{name: name, rows: make(map[int64]model.Row)}
		s.tables[name] = t
	}
	return t
}

func (t *table) validate(id int64, fields map[string]any) error {
	for _, check := range t.checks {
		if err := check(fields); err != nil {
			return fmt.Errorf("memdb: %s: %w", t.name, err)
		}
	}

	for _, field := range t.unique {
		v, ok := fields[field]
		if !ok || v == nil {
			continue
		}
		key := fmt.Sprint(v)
		for otherID, row := range t.rows {
			if otherID == id {
				continue
			}
			if ov, ok := row.Fields[field]; ok && fmt.Sprint(ov) == key {
				return fmt.Errorf("memdb: %s.%s %q already used by row %d: %w", t.name, field, key, otherID, db.ErrConflict)
			}
		}
	}
	return nil
}

func copyFields(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	return out
}

func copyRow(r model.Row) model.Row {
	r.Fields = copyFields(r.Fields)
	return r
}
