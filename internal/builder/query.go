package builder

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/oakdb/oak/internal/errs"
	"github.com/oakdb/oak/internal/schema"
)

// ParseQuery compiles a query expression to a boolean SQL fragment. The
// constants "1" and "0" are the fully-reduced true and false filters;
// callers must short-circuit on "0" without reaching the database.
func (b *Builder) ParseQuery(query map[string]any) (string, error) {
	ctx := &Context{}
	return b.parseQuery(query, ctx)
}

func (b *Builder) parseQuery(query map[string]any, ctx *Context) (string, error) {
	if len(query) == 0 {
		return "1", nil
	}
	var parts []string
	for _, key := range sortedKeys(query) {
		value := query[key]
		var frag string
		var err error
		switch key {
		case "$and":
			frag, err = b.parseQueryList(value, ctx, logicalAnd)
		case "$or":
			frag, err = b.parseQueryList(value, ctx, logicalOr)
		case "$not":
			child, ok := value.(map[string]any)
			if !ok {
				return "", errs.QueryMalformed("$not expects a query expression, got %T", value)
			}
			frag, err = b.parseQuery(child, ctx)
			frag = logicalNot(frag)
		case "$expr":
			frag, err = b.parseEval(value, ctx)
		default:
			if strings.HasPrefix(key, "$") {
				return "", errs.QueryMalformed("unknown query operator %s", key)
			}
			frag, err = b.parseFieldQuery(key, value, ctx)
		}
		if err != nil {
			return "", err
		}
		parts = append(parts, frag)
	}
	return logicalAnd(parts), nil
}

func (b *Builder) parseQueryList(value any, ctx *Context, reduce func([]string) string) (string, error) {
	items, ok := toAnySlice(value)
	if !ok {
		return "", errs.QueryMalformed("logical operator expects a list, got %T", value)
	}
	var parts []string
	for _, item := range items {
		child, ok := item.(map[string]any)
		if !ok {
			return "", errs.QueryMalformed("logical operator expects query expressions, got %T", item)
		}
		frag, err := b.parseQuery(child, ctx)
		if err != nil {
			return "", err
		}
		parts = append(parts, frag)
	}
	return reduce(parts), nil
}

// compileKey resolves a field path to a SQL expression. Dotted tails
// beyond the longest declared field prefix extract into JSON columns.
func (b *Builder) compileKey(key string) (string, *schema.Field, string, error) {
	alias := b.ref
	rest := key
	qualified := false
	if idx := strings.IndexByte(key, '.'); idx > 0 {
		if b.tables[key[:idx]] != nil {
			alias = key[:idx]
			rest = key[idx+1:]
			qualified = true
		}
	}
	model := b.tables[alias]
	if model == nil {
		return "", nil, "", errs.QueryMalformed("unknown table alias %s", alias)
	}
	parts := strings.Split(rest, ".")
	for n := len(parts); n >= 1; n-- {
		name := strings.Join(parts[:n], ".")
		field := model.Field(name)
		if field == nil {
			continue
		}
		id := name
		if qualified {
			id = alias + "." + name
		}
		if n == len(parts) {
			return b.dialect.EscapeID(id), field, sqlTypeOf(field), nil
		}
		if field.Type != schema.JSON {
			return "", nil, "", errs.QueryMalformed("field %s.%s is not a json column", model.Name, name)
		}
		path := "$." + strings.Join(parts[n:], ".")
		return b.dialect.JSONExtract(b.dialect.EscapeID(id), path), nil, "json", nil
	}
	return "", nil, "", errs.QueryMalformed("unknown field %s in table %s", rest, model.Name)
}

func sqlTypeOf(field *schema.Field) string {
	switch field.Type {
	case schema.JSON:
		return "json"
	case schema.List:
		return "list"
	}
	return "raw"
}

func (b *Builder) parseFieldQuery(key string, q any, ctx *Context) (string, error) {
	expr, field, typ, err := b.compileKey(key)
	if err != nil {
		return "", err
	}
	return b.compileFieldCond(expr, field, typ, q)
}

func (b *Builder) compileFieldCond(expr string, field *schema.Field, typ string, q any) (string, error) {
	switch value := q.(type) {
	case nil:
		return expr + " IS NULL", nil
	case *regexp.Regexp:
		return b.dialect.Regexp(expr, b.dialect.EscapeValue(value.String(), nil)), nil
	case map[string]any:
		var parts []string
		for _, op := range sortedKeys(value) {
			frag, err := b.compileFieldOp(expr, field, typ, op, value[op])
			if err != nil {
				return "", err
			}
			parts = append(parts, frag)
		}
		return logicalAnd(parts), nil
	}
	if items, ok := toAnySlice(q); ok {
		return b.inList(expr, field, items, false), nil
	}
	return expr + " = " + b.dialect.EscapeValue(q, field), nil
}

func (b *Builder) compileFieldOp(expr string, field *schema.Field, typ string, op string, v any) (string, error) {
	switch op {
	case "$eq":
		return expr + " = " + b.dialect.EscapeValue(v, field), nil
	case "$ne":
		return expr + " != " + b.dialect.EscapeValue(v, field), nil
	case "$gt":
		return expr + " > " + b.dialect.EscapeValue(v, field), nil
	case "$gte":
		return expr + " >= " + b.dialect.EscapeValue(v, field), nil
	case "$lt":
		return expr + " < " + b.dialect.EscapeValue(v, field), nil
	case "$lte":
		return expr + " <= " + b.dialect.EscapeValue(v, field), nil
	case "$in":
		items, ok := toAnySlice(v)
		if !ok {
			return "", errs.QueryMalformed("$in expects a list, got %T", v)
		}
		return b.inList(expr, field, items, false), nil
	case "$nin":
		items, ok := toAnySlice(v)
		if !ok {
			return "", errs.QueryMalformed("$nin expects a list, got %T", v)
		}
		return b.inList(expr, field, items, true), nil
	case "$regex":
		pattern, err := patternOf(v)
		if err != nil {
			return "", err
		}
		return b.dialect.Regexp(expr, b.dialect.EscapeValue(pattern, nil)), nil
	case "$regexFor":
		return b.dialect.Regexp(b.dialect.EscapeValue(v, nil), expr), nil
	case "$exists":
		exists, ok := v.(bool)
		if !ok {
			return "", errs.QueryMalformed("$exists expects a bool, got %T", v)
		}
		if exists {
			return expr + " IS NOT NULL", nil
		}
		return expr + " IS NULL", nil
	case "$bitsAllSet":
		ev := b.dialect.EscapeValue(v, field)
		return fmt.Sprintf("%s & %s = %s", expr, ev, ev), nil
	case "$bitsAllClear":
		return fmt.Sprintf("%s & %s = 0", expr, b.dialect.EscapeValue(v, field)), nil
	case "$bitsAnySet":
		return fmt.Sprintf("%s & %s != 0", expr, b.dialect.EscapeValue(v, field)), nil
	case "$bitsAnyClear":
		ev := b.dialect.EscapeValue(v, field)
		return fmt.Sprintf("%s & %s != %s", expr, ev, ev), nil
	case "$el":
		return b.compileElement(expr, typ, v)
	case "$size":
		return b.compileSize(expr, typ, v)
	case "$and":
		return b.compileFieldLogical(expr, field, typ, v, logicalAnd)
	case "$or":
		return b.compileFieldLogical(expr, field, typ, v, logicalOr)
	case "$not":
		frag, err := b.compileFieldCond(expr, field, typ, v)
		if err != nil {
			return "", err
		}
		return logicalNot(frag), nil
	}
	return "", errs.QueryMalformed("unknown field operator %s", op)
}

func (b *Builder) compileFieldLogical(expr string, field *schema.Field, typ string, v any, reduce func([]string) string) (string, error) {
	items, ok := toAnySlice(v)
	if !ok {
		return "", errs.QueryMalformed("logical field operator expects a list, got %T", v)
	}
	var parts []string
	for _, item := range items {
		frag, err := b.compileFieldCond(expr, field, typ, item)
		if err != nil {
			return "", err
		}
		parts = append(parts, frag)
	}
	return reduce(parts), nil
}

// compileElement implements $el. JSON columns use native containment;
// list columns are comma-joined text, matched with a wrapped LIKE.
func (b *Builder) compileElement(expr string, typ string, v any) (string, error) {
	if items, ok := toAnySlice(v); ok {
		var parts []string
		for _, item := range items {
			frag, err := b.compileElement(expr, typ, item)
			if err != nil {
				return "", err
			}
			parts = append(parts, frag)
		}
		return logicalOr(parts), nil
	}
	switch v.(type) {
	case map[string]any:
		return "", errs.QueryMalformed("$el expects a scalar or a list of scalars, got %T", v)
	}
	if typ == "json" {
		return b.dialect.JSONContains(expr, b.dialect.EscapeValue(jsonRepr(v), nil)), nil
	}
	wrapped := b.dialect.Concat([]string{"','", expr, "','"})
	needle := b.dialect.EscapeValue("%,"+plainString(v)+",%", nil)
	return wrapped + " LIKE " + needle, nil
}

func (b *Builder) compileSize(expr string, typ string, v any) (string, error) {
	n, ok := intOf(v)
	if !ok {
		return "", errs.QueryMalformed("$size expects an integer, got %T", v)
	}
	if n == 0 {
		return "NOT(" + expr + ")", nil
	}
	if typ == "json" {
		return fmt.Sprintf("%s = %d", b.dialect.JSONLength(expr), n), nil
	}
	// comma count over the joined representation
	return fmt.Sprintf("%s AND length(%s) - length(replace(%s, ',', '')) = %d", expr, expr, expr, n-1), nil
}

func (b *Builder) inList(expr string, field *schema.Field, items []any, negate bool) string {
	if len(items) == 0 {
		if negate {
			return "1"
		}
		return "0"
	}
	vals := make([]string, len(items))
	for i, item := range items {
		vals[i] = b.dialect.EscapeValue(item, field)
	}
	op := " IN ("
	if negate {
		op = " NOT IN ("
	}
	return expr + op + strings.Join(vals, ", ") + ")"
}

func patternOf(v any) (string, error) {
	switch p := v.(type) {
	case string:
		return p, nil
	case *regexp.Regexp:
		return p.String(), nil
	}
	return "", errs.QueryMalformed("$regex expects a pattern, got %T", v)
}

func intOf(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint:
		return int64(n), true
	case float64:
		return int64(n), true
	}
	return 0, false
}

func toAnySlice(v any) ([]any, bool) {
	switch list := v.(type) {
	case []any:
		return list, true
	case []string:
		out := make([]any, len(list))
		for i, item := range list {
			out[i] = item
		}
		return out, true
	case []int:
		out := make([]any, len(list))
		for i, item := range list {
			out[i] = item
		}
		return out, true
	case []int64:
		out := make([]any, len(list))
		for i, item := range list {
			out[i] = item
		}
		return out, true
	case []float64:
		out := make([]any, len(list))
		for i, item := range list {
			out[i] = item
		}
		return out, true
	case []time.Time:
		out := make([]any, len(list))
		for i, item := range list {
			out[i] = item
		}
		return out, true
	}
	return nil, false
}
