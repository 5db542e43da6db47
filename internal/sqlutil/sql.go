// Package sqlutil holds the SQL plumbing shared by the concrete
// drivers: row scanning, update-assignment compilation and the dry-run
// aware statement executor.
package sqlutil

import (
	"context"
	"database/sql"
	"encoding/json"
	"sort"
	"strings"

	"github.com/oakdb/oak/internal/builder"
	"github.com/oakdb/oak/internal/caster"
	"github.com/oakdb/oak/internal/errs"
	"github.com/oakdb/oak/internal/schema"
	"github.com/shopmonkeyus/go-common/logger"
)

// SQLExecuter returns a wrapper around a SQL database connection that can
// execute SQL statements or log them in dry-run mode.
func SQLExecuter(ctx context.Context, log logger.Logger, db *sql.DB, dryRun bool) func(sql string) error {
	return func(stmt string) error {
		if dryRun {
			log.Info("[dry-run] %s", stmt)
			return nil
		}
		log.Debug("executing: %s", strings.TrimRight(stmt, "\n"))
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
		return nil
	}
}

// ScanRows reads every row into a map keyed by column name. Byte slices
// are converted to strings; other driver values pass through.
func ScanRows(rows *sql.Rows) ([]map[string]any, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var out []map[string]any
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(map[string]any, len(columns))
		for i, name := range columns {
			if buf, ok := values[i].([]byte); ok {
				row[name] = string(buf)
			} else {
				row[name] = values[i]
			}
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// RootField strips any dotted JSON tail from an update key.
func RootField(key string) string {
	if idx := strings.IndexByte(key, '.'); idx > 0 {
		return key[:idx]
	}
	return key
}

// UpdateRoots returns the sorted distinct top-level fields touched by an
// update object.
func UpdateRoots(update map[string]any) []string {
	seen := make(map[string]bool)
	var roots []string
	for key := range update {
		root := RootField(key)
		if !seen[root] {
			seen[root] = true
			roots = append(roots, root)
		}
	}
	sort.Strings(roots)
	return roots
}

// IsEvalExpr reports whether v is an evaluation expression rather than a
// constant: a map whose keys all carry the operator prefix.
func IsEvalExpr(v any) bool {
	m, ok := v.(map[string]any)
	if !ok || len(m) == 0 {
		return false
	}
	for key := range m {
		if !strings.HasPrefix(key, "$") {
			return false
		}
	}
	return true
}

// Assignments compiles an update object to "column = expr" fragments.
// Dotted keys collapse into a json_set over their root column.
func Assignments(b *builder.Builder, c *caster.Caster, model *schema.Model, update map[string]any) ([]string, error) {
	d := b.Dialect()
	type pair struct {
		path string
		expr string
	}
	plain := make(map[string]string)
	nested := make(map[string][]pair)
	var keys []string
	for key := range update {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		value := update[key]
		root := RootField(key)
		field := model.Field(root)
		if field == nil {
			return nil, errs.QueryMalformed("table %s has no field %s", model.Name, root)
		}
		if key == root {
			expr, err := compileValue(b, c, field, value, false)
			if err != nil {
				return nil, err
			}
			plain[root] = expr
			continue
		}
		if field.Type != schema.JSON {
			return nil, errs.QueryMalformed("field %s.%s is not a json column", model.Name, root)
		}
		expr, err := compileValue(b, c, nil, value, true)
		if err != nil {
			return nil, err
		}
		nested[root] = append(nested[root], pair{path: jsonPath(key[len(root)+1:]), expr: expr})
	}
	var roots []string
	for root := range plain {
		roots = append(roots, root)
	}
	for root := range nested {
		if _, ok := plain[root]; !ok {
			roots = append(roots, root)
		}
	}
	sort.Strings(roots)
	var out []string
	for _, root := range roots {
		id := d.EscapeID(root)
		if expr, ok := plain[root]; ok {
			out = append(out, id+" = "+expr)
			continue
		}
		args := []string{d.IfNull(id, "'{}'")}
		for _, p := range nested[root] {
			args = append(args, d.EscapeValue(p.path, nil), p.expr)
		}
		out = append(out, id+" = json_set("+strings.Join(args, ", ")+")")
	}
	return out, nil
}

func compileValue(b *builder.Builder, c *caster.Caster, field *schema.Field, value any, nested bool) (string, error) {
	if IsEvalExpr(value) {
		return b.ParseEval(value)
	}
	d := b.Dialect()
	if field != nil && value != nil {
		if plugin := c.Plugin(field.Type); plugin != nil {
			stored, err := plugin.Dump(value)
			if err != nil {
				return "", err
			}
			return d.EscapeValue(stored, field), nil
		}
	}
	if nested {
		switch value.(type) {
		case map[string]any, []any, []string:
			return d.AsJSON(d.EscapeValue(jsonText(value), nil)), nil
		}
	}
	return d.EscapeValue(value, field), nil
}

// jsonPath renders a dotted tail as a quoted JSON selector: a.b -> $."a"."b"
func jsonPath(tail string) string {
	parts := strings.Split(tail, ".")
	var path strings.Builder
	path.WriteString("$")
	for _, part := range parts {
		path.WriteString(`."`)
		path.WriteString(part)
		path.WriteString(`"`)
	}
	return path.String()
}

// ApplyPath sets a possibly dotted key in a row, materializing nested
// maps along the way.
func ApplyPath(row map[string]any, key string, value any) {
	parts := strings.Split(key, ".")
	for len(parts) > 1 {
		child, ok := row[parts[0]].(map[string]any)
		if !ok {
			child = make(map[string]any)
			row[parts[0]] = child
		}
		row = child
		parts = parts[1:]
	}
	row[parts[0]] = value
}

// SameValue compares two values through the dialect's literal rendering,
// which normalizes numeric widths, times and list representations.
func SameValue(d builder.Dialect, field *schema.Field, a, b any) bool {
	return d.EscapeValue(a, field) == d.EscapeValue(b, field)
}

func jsonText(v any) string {
	buf, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(buf)
}
