// Package migrator diffs the live columns of a table against its
// declared model and plans the operations that bring the schema in
// shape. The plan is dialect-neutral; each driver renders its own DDL.
package migrator

import (
	"slices"

	"github.com/oakdb/oak/internal/errs"
	"github.com/oakdb/oak/internal/schema"
)

// Column is one live column as reported by the engine.
type Column struct {
	Name     string
	DataType string
	NotNull  bool
	Default  string
	Primary  bool
}

// Plan is the outcome of diffing live columns against a model.
type Plan struct {
	Table string

	// Create is set when the table does not exist yet.
	Create bool

	// Missing lists declared fields with no live column; they are added.
	Missing []string

	// Renamed maps a live column name to the declared field it matched
	// through a legacy alias.
	Renamed map[string]string

	// Changed lists declared fields whose live column type differs.
	Changed []string

	// Mapping maps each declared field that has a live column to that
	// column's name (identity unless renamed).
	Mapping map[string]string

	// Unmapped lists live columns matching no declared field. They are
	// preserved through migrations unless listed in the drop keys.
	Unmapped []Column

	// Dropped lists live columns removed because the caller declared
	// them safe to drop.
	Dropped []string
}

// Dirty reports whether the plan requires any DDL.
func (p *Plan) Dirty() bool {
	return p.Create || len(p.Missing) > 0 || p.NeedsRebuild()
}

// NeedsRebuild reports whether the plan requires a column rename, a type
// change or a column drop, which additive ALTER cannot express everywhere.
func (p *Plan) NeedsRebuild() bool {
	return len(p.Renamed) > 0 || len(p.Changed) > 0 || len(p.Dropped) > 0
}

// TypeFunc maps a declared field to the dialect column type used for
// comparison against live columns. It fails on unmappable types.
type TypeFunc func(name string, field *schema.Field) (string, error)

// Diff computes the plan for model against the live columns. dropKeys
// lists live columns the caller knows are safe to drop.
func Diff(model *schema.Model, live []Column, typeOf TypeFunc, dropKeys []string) (*Plan, error) {
	plan := &Plan{
		Table:   model.Name,
		Renamed: make(map[string]string),
		Mapping: make(map[string]string),
	}
	if len(live) == 0 {
		plan.Create = true
		return plan, nil
	}
	byName := make(map[string]Column, len(live))
	for _, column := range live {
		byName[column.Name] = column
	}
	claimed := make(map[string]bool)
	for _, name := range model.FieldNames() {
		field := model.Field(name)
		declaredType, err := typeOf(name, field)
		if err != nil {
			return nil, errs.SchemaMismatch("table %s field %s: %v", model.Name, name, err)
		}
		column, ok := byName[name]
		if !ok {
			for _, legacy := range field.Legacy {
				if column, ok = byName[legacy]; ok {
					break
				}
			}
		}
		if !ok {
			plan.Missing = append(plan.Missing, name)
			continue
		}
		claimed[column.Name] = true
		plan.Mapping[name] = column.Name
		if column.Name != name {
			plan.Renamed[column.Name] = name
		}
		if !typesEqual(column.DataType, declaredType) {
			plan.Changed = append(plan.Changed, name)
		}
	}
	for _, column := range live {
		if claimed[column.Name] {
			continue
		}
		if slices.Contains(dropKeys, column.Name) {
			plan.Dropped = append(plan.Dropped, column.Name)
			continue
		}
		plan.Unmapped = append(plan.Unmapped, column)
	}
	return plan, nil
}

func typesEqual(a, b string) bool {
	return normalizeType(a) == normalizeType(b)
}

func normalizeType(t string) string {
	out := make([]byte, 0, len(t))
	for i := 0; i < len(t); i++ {
		c := t[i]
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		if c == ' ' {
			continue
		}
		out = append(out, c)
	}
	return string(out)
}
