package builder

import (
	"fmt"
	"sort"
	"strings"

	"github.com/oakdb/oak/internal/schema"
)

// Context is the transient compilation state threaded through recursive
// calls. SQLType flows bottom-up (what the last compiled fragment
// yields); Group flows top-down (whether plain SQL aggregates apply).
type Context struct {
	SQLType string // "raw", "json" or "list"
	Group   bool
}

// Builder compiles expressions against a table registry snapshot. A
// Builder is private to one operation; it is not safe for concurrent use.
type Builder struct {
	dialect Dialect
	tables  map[string]*schema.Model
	ref     string
	counter int
}

// New returns a builder for the selection's table registry. ref is the
// alias of the primary table of the selection.
func New(dialect Dialect, tables map[string]*schema.Model, ref string) *Builder {
	return &Builder{dialect: dialect, tables: tables, ref: ref}
}

// Dialect returns the dialect the builder compiles for.
func (b *Builder) Dialect() Dialect {
	return b.dialect
}

// Model returns the model bound to alias, or the primary table's model
// when alias is empty.
func (b *Builder) Model(alias string) *schema.Model {
	if alias == "" {
		alias = b.ref
	}
	return b.tables[alias]
}

func (b *Builder) uniqueAlias() string {
	b.counter++
	return fmt.Sprintf("t%d", b.counter)
}

// SortSpec is one ORDER BY term.
type SortSpec struct {
	Expr any
	Desc bool
}

// GetOptions describes a single-table SELECT.
type GetOptions struct {
	Table  string
	Ref    string
	Query  map[string]any
	Fields map[string]any // nil selects *
	Sort   []SortSpec
	Limit  int // <= 0 means no limit
	Offset int // emitted only alongside a limit
}

// Get compiles a full SELECT statement. It returns the empty string when
// the filter reduces to the constant "0": the caller must short-circuit
// to an empty result without touching the database.
func (b *Builder) Get(opts GetOptions) (string, error) {
	filter, err := b.ParseQuery(opts.Query)
	if err != nil {
		return "", err
	}
	if filter == "0" {
		return "", nil
	}
	projection := "*"
	if len(opts.Fields) > 0 {
		var parts []string
		for _, key := range sortedKeys(opts.Fields) {
			frag, err := b.ParseEval(opts.Fields[key])
			if err != nil {
				return "", err
			}
			parts = append(parts, frag+" AS "+b.dialect.EscapeID(key))
		}
		projection = strings.Join(parts, ", ")
	}
	var sql strings.Builder
	sql.WriteString("SELECT ")
	sql.WriteString(projection)
	sql.WriteString(" FROM ")
	sql.WriteString(b.dialect.EscapeID(opts.Table))
	if opts.Ref != "" && opts.Ref != opts.Table {
		sql.WriteString(" ")
		sql.WriteString(b.dialect.EscapeID(opts.Ref))
	}
	if filter != "1" {
		sql.WriteString(" WHERE ")
		sql.WriteString(filter)
	}
	if len(opts.Sort) > 0 {
		var terms []string
		for _, spec := range opts.Sort {
			frag, err := b.ParseEval(spec.Expr)
			if err != nil {
				return "", err
			}
			if spec.Desc {
				frag += " DESC"
			} else {
				frag += " ASC"
			}
			terms = append(terms, frag)
		}
		sql.WriteString(" ORDER BY ")
		sql.WriteString(strings.Join(terms, ", "))
	}
	if opts.Limit > 0 {
		fmt.Fprintf(&sql, " LIMIT %d", opts.Limit)
		if opts.Offset > 0 {
			fmt.Fprintf(&sql, " OFFSET %d", opts.Offset)
		}
	}
	return sql.String(), nil
}

// Eval compiles a scalar evaluation over the selection: the selection is
// wrapped as a subquery and expr is computed over it in aggregation
// context. Returns the empty string when the filter reduces to "0".
func (b *Builder) Eval(opts GetOptions, expr any) (string, error) {
	opts.Fields = nil
	inner, err := b.Get(opts)
	if err != nil || inner == "" {
		return "", err
	}
	ctx := &Context{Group: true}
	frag, err := b.parseEval(expr, ctx)
	if err != nil {
		return "", err
	}
	return "SELECT " + frag + " AS value FROM (" + inner + ") " + b.uniqueAlias(), nil
}

// logicalAnd reduces a conjunction: any false child collapses the whole
// expression, true children drop out, and an empty conjunction is true.
func logicalAnd(parts []string) string {
	var kept []string
	for _, part := range parts {
		if part == "0" {
			return "0"
		}
		if part == "1" {
			continue
		}
		kept = append(kept, part)
	}
	if len(kept) == 0 {
		return "1"
	}
	if len(kept) == 1 {
		return kept[0]
	}
	return strings.Join(kept, " AND ")
}

// logicalOr reduces a disjunction: any true child collapses the whole
// expression, false children drop out, and an empty disjunction is
// false.
func logicalOr(parts []string) string {
	var kept []string
	for _, part := range parts {
		if part == "1" {
			return "1"
		}
		if part == "0" {
			continue
		}
		kept = append(kept, part)
	}
	if len(kept) == 0 {
		return "0"
	}
	if len(kept) == 1 {
		return kept[0]
	}
	return "(" + strings.Join(kept, " OR ") + ")"
}

func logicalNot(part string) string {
	switch part {
	case "0":
		return "1"
	case "1":
		return "0"
	}
	return "NOT(" + part + ")"
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
