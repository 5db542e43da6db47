package schema

import (
	"sort"

	"github.com/cockroachdb/errors"
)

// Reference names the target of a foreign key declaration.
type Reference struct {
	Table string
	Field string
}

// Hooks is the migration callback record a table extension may attach.
// The synchronizer runs hooks in declaration order after the table schema
// is in shape; any drop keys they contribute cause Prepare to run again
// with the accumulated list.
type Hooks struct {
	// Before gates the hook. When it returns false the hook is skipped.
	Before func() bool

	// After runs once the schema is synchronized and returns column names
	// that are now safe to drop.
	After func() ([]string, error)

	// Error receives a failure from After.
	Error func(error)

	// Finalize runs after the drop pass completes.
	Finalize func() error
}

// Options carries the index and hook declarations of a table.
type Options struct {
	Primary []string
	AutoInc bool
	Unique  [][]string
	Foreign map[string]Reference

	// Format rewrites an in-memory object before it is dumped to a row.
	Format func(map[string]any) map[string]any

	// Parse rewrites a loaded object before it is returned to the caller.
	Parse func(map[string]any) map[string]any

	Hooks []Hooks
}

// Model is the immutable-after-registration schema of one table.
type Model struct {
	Name    string
	Fields  map[string]*Field
	Primary []string
	AutoInc bool
	Unique  [][]string
	Foreign map[string]Reference

	Format func(map[string]any) map[string]any
	Parse  func(map[string]any) map[string]any
	Hooks  []Hooks
}

func newModel(name string, fields map[string]*Field, opts Options) (*Model, error) {
	m := &Model{
		Name:    name,
		Fields:  fields,
		Primary: opts.Primary,
		AutoInc: opts.AutoInc,
		Unique:  opts.Unique,
		Foreign: opts.Foreign,
		Format:  opts.Format,
		Parse:   opts.Parse,
		Hooks:   opts.Hooks,
	}
	for fname, field := range fields {
		if field == nil || !field.Type.Valid() {
			return nil, errors.Newf("table %s: field %s has no valid type", name, fname)
		}
		if field.Type == Primary && len(m.Primary) == 0 {
			m.Primary = []string{fname}
			m.AutoInc = true
		}
	}
	if m.AutoInc && len(m.Primary) != 1 {
		return nil, errors.Newf("table %s: auto-increment requires a scalar primary key", name)
	}
	for _, pk := range m.Primary {
		if fields[pk] == nil {
			return nil, errors.Newf("table %s: primary key %s is not a declared field", name, pk)
		}
	}
	for _, group := range m.Unique {
		for _, fname := range group {
			if fields[fname] == nil {
				return nil, errors.Newf("table %s: unique group references unknown field %s", name, fname)
			}
		}
	}
	for fname := range m.Foreign {
		if fields[fname] == nil {
			return nil, errors.Newf("table %s: foreign key references unknown field %s", name, fname)
		}
	}
	return m, nil
}

// FieldNames returns the non-deprecated field names in stable order.
func (m *Model) FieldNames() []string {
	names := make([]string, 0, len(m.Fields))
	for name, field := range m.Fields {
		if field.Deprecated {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Field returns the descriptor for name, or nil.
func (m *Model) Field(name string) *Field {
	return m.Fields[name]
}

// PrimaryKey returns the scalar primary field name. It is empty when the
// table declares a composite primary key.
func (m *Model) PrimaryKey() string {
	if len(m.Primary) == 1 {
		return m.Primary[0]
	}
	return ""
}

// Create returns a fresh row with every non-deprecated field set to its
// declared initial value. The auto-increment primary key is left out so
// the engine assigns it.
func (m *Model) Create() map[string]any {
	row := make(map[string]any, len(m.Fields))
	for _, name := range m.FieldNames() {
		field := m.Fields[name]
		if m.AutoInc && name == m.PrimaryKey() {
			continue
		}
		if field.Initial != nil {
			row[name] = field.Initial
		} else {
			row[name] = nil
		}
	}
	return row
}
