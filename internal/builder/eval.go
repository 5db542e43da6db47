package builder

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/oakdb/oak/internal/errs"
)

// ParseEval compiles an evaluation expression to a SQL fragment outside
// any aggregation context.
func (b *Builder) ParseEval(expr any) (string, error) {
	ctx := &Context{}
	return b.parseEval(expr, ctx)
}

func (b *Builder) parseEval(expr any, ctx *Context) (string, error) {
	switch e := expr.(type) {
	case nil:
		ctx.SQLType = "raw"
		return "NULL", nil
	case bool, int, int32, int64, uint, uint64, float32, float64, string, time.Time:
		ctx.SQLType = "raw"
		return b.dialect.EscapeValue(e, nil), nil
	case map[string]any:
		return b.parseEvalObject(e, ctx)
	}
	return "", errs.QueryMalformed("unsupported eval expression %T", expr)
}

func (b *Builder) parseEvalObject(expr map[string]any, ctx *Context) (string, error) {
	if len(expr) != 1 {
		return "", errs.QueryMalformed("eval expression expects exactly one operator, got %d", len(expr))
	}
	var op string
	for key := range expr {
		op = key
	}
	v := expr[op]
	switch op {
	case "$":
		return b.parseAccessor(v, ctx)
	case "$add":
		return b.parseInfix(v, "+", ctx)
	case "$multiply":
		return b.parseInfix(v, "*", ctx)
	case "$subtract":
		return b.parseInfix(v, "-", ctx)
	case "$divide":
		return b.parseInfix(v, "/", ctx)
	case "$eq":
		return b.parseInfix(v, "=", ctx)
	case "$ne":
		return b.parseInfix(v, "!=", ctx)
	case "$gt":
		return b.parseInfix(v, ">", ctx)
	case "$gte":
		return b.parseInfix(v, ">=", ctx)
	case "$lt":
		return b.parseInfix(v, "<", ctx)
	case "$lte":
		return b.parseInfix(v, "<=", ctx)
	case "$and":
		return b.parseInfix(v, "AND", ctx)
	case "$or":
		return b.parseInfix(v, "OR", ctx)
	case "$not":
		inner, err := b.parseEval(v, ctx)
		if err != nil {
			return "", err
		}
		ctx.SQLType = "raw"
		return "NOT(" + inner + ")", nil
	case "$concat":
		args, err := b.parseArgs(v, ctx)
		if err != nil {
			return "", err
		}
		ctx.SQLType = "raw"
		return b.dialect.Concat(args), nil
	case "$if":
		args, err := b.parseArgs(v, ctx)
		if err != nil {
			return "", err
		}
		if len(args) != 3 {
			return "", errs.QueryMalformed("$if expects [cond, then, else]")
		}
		ctx.SQLType = "raw"
		return b.dialect.If(args[0], args[1], args[2]), nil
	case "$ifNull":
		args, err := b.parseArgs(v, ctx)
		if err != nil {
			return "", err
		}
		if len(args) != 2 {
			return "", errs.QueryMalformed("$ifNull expects two operands")
		}
		ctx.SQLType = "raw"
		return b.dialect.IfNull(args[0], args[1]), nil
	case "$sum", "$avg", "$min", "$max", "$count":
		return b.parseAggregation(op, v, ctx)
	case "$length":
		return b.parseLength(v, ctx)
	}
	return "", errs.QueryMalformed("unknown eval operator %s", op)
}

// parseAccessor compiles a field path accessor: {$: "field"} or
// {$: [alias, "field.sub.path"]}.
func (b *Builder) parseAccessor(v any, ctx *Context) (string, error) {
	var key string
	switch path := v.(type) {
	case string:
		key = path
	case []any:
		if len(path) != 2 {
			return "", errs.QueryMalformed("path accessor expects [alias, path]")
		}
		alias, ok1 := path[0].(string)
		rest, ok2 := path[1].(string)
		if !ok1 || !ok2 {
			return "", errs.QueryMalformed("path accessor expects string parts")
		}
		key = alias + "." + rest
	case []string:
		if len(path) != 2 {
			return "", errs.QueryMalformed("path accessor expects [alias, path]")
		}
		key = path[0] + "." + path[1]
	default:
		return "", errs.QueryMalformed("path accessor expects a string or [alias, path], got %T", v)
	}
	expr, _, typ, err := b.compileKey(key)
	if err != nil {
		return "", err
	}
	ctx.SQLType = typ
	return expr, nil
}

func (b *Builder) parseInfix(v any, op string, ctx *Context) (string, error) {
	args, err := b.parseArgs(v, ctx)
	if err != nil {
		return "", err
	}
	if len(args) < 2 {
		return "", errs.QueryMalformed("operator %s expects at least two operands", op)
	}
	ctx.SQLType = "raw"
	return "(" + strings.Join(args, " "+op+" ") + ")", nil
}

func (b *Builder) parseArgs(v any, ctx *Context) ([]string, error) {
	items, ok := toAnySlice(v)
	if !ok {
		// single operand shorthand
		frag, err := b.parseEval(v, ctx)
		if err != nil {
			return nil, err
		}
		return []string{frag}, nil
	}
	args := make([]string, len(items))
	for i, item := range items {
		frag, err := b.parseEval(item, ctx)
		if err != nil {
			return nil, err
		}
		args[i] = frag
	}
	return args, nil
}

// parseAggregation compiles $sum and friends. Inside a group the plain
// SQL aggregate applies; outside, the operand is treated as a JSON array
// and aggregated through a correlated subquery over its elements.
func (b *Builder) parseAggregation(op string, v any, ctx *Context) (string, error) {
	inner, err := b.parseAggrOperand(v, ctx)
	if err != nil {
		return "", err
	}
	name := strings.TrimPrefix(op, "$")
	if ctx.Group {
		ctx.SQLType = "raw"
		switch op {
		case "$sum":
			return b.dialect.IfNull("sum("+inner+")", "0"), nil
		case "$avg":
			return b.dialect.IfNull("avg("+inner+")", "0"), nil
		case "$count":
			return "count(distinct " + inner + ")", nil
		}
		return name + "(" + inner + ")", nil
	}
	aggr := name + "(value)"
	if op == "$count" {
		aggr = "count(distinct value)"
	}
	ctx.SQLType = "raw"
	return b.dialect.AggregateEach(aggr, inner, b.uniqueAlias()), nil
}

// parseAggrOperand resolves the operand of an aggregation; a bare string
// is a field path, anything else an eval expression.
func (b *Builder) parseAggrOperand(v any, ctx *Context) (string, error) {
	child := &Context{Group: false}
	defer func() { ctx.SQLType = child.SQLType }()
	if path, ok := v.(string); ok {
		return b.parseAccessor(path, child)
	}
	return b.parseEval(v, child)
}

func (b *Builder) parseLength(v any, ctx *Context) (string, error) {
	if ctx.Group {
		inner, err := b.parseAggrOperand(v, ctx)
		if err != nil {
			return "", err
		}
		ctx.SQLType = "raw"
		return "count(" + inner + ")", nil
	}
	child := &Context{}
	var inner string
	var err error
	if path, ok := v.(string); ok {
		inner, err = b.parseAccessor(path, child)
	} else {
		inner, err = b.parseEval(v, child)
	}
	if err != nil {
		return "", err
	}
	ctx.SQLType = "raw"
	switch child.SQLType {
	case "json":
		return b.dialect.JSONLength(inner), nil
	case "list":
		count := fmt.Sprintf("length(%s) - length(replace(%s, ',', '')) + 1", inner, inner)
		return b.dialect.If(inner, count, "0"), nil
	}
	return "length(" + inner + ")", nil
}

// jsonRepr returns the JSON text of v, for containment checks against
// native JSON columns.
func jsonRepr(v any) string {
	buf, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(buf)
}

// plainString renders a scalar the way the list caster stores elements.
func plainString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	}
	return jsonRepr(v)
}
