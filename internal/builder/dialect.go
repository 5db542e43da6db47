// Package builder compiles structured filter and evaluation expressions
// into SQL fragments and full statements. Dialect differences are kept
// behind the Dialect interface; one implementation lives in each driver.
package builder

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/oakdb/oak/internal/schema"
)

// Dialect is the per-backend extension surface of the compiler.
type Dialect interface {
	// EscapeValue renders v as a SQL literal. field carries the declared
	// metadata of the target column when known.
	EscapeValue(v any, field *schema.Field) string

	// EscapeID quotes an identifier. Qualified names ("a.b") have each
	// part quoted separately.
	EscapeID(name string) string

	// Concat renders string concatenation of the argument fragments.
	Concat(args []string) string

	// If renders a conditional expression.
	If(cond, then, els string) string

	// IfNull renders a null-coalescing expression.
	IfNull(a, b string) string

	// JSONExtract renders extraction of path (a "$.a.b" selector) from a
	// JSON column, unquoted to its scalar form.
	JSONExtract(field, path string) string

	// JSONContains renders element containment on a JSON array expression.
	JSONContains(expr, value string) string

	// JSONLength renders the element count of a JSON array expression.
	JSONLength(expr string) string

	// AsJSON coerces a JSON-text expression to the native JSON type so
	// it nests as a document rather than a string.
	AsJSON(expr string) string

	// Regexp renders a regular-expression match of rhs pattern applied to
	// lhs... the operand order is lhs REGEXP rhs, matching the engines.
	Regexp(lhs, rhs string) string

	// AggregateEach wraps an aggregate over the elements of a JSON array
	// expression as a correlated subquery. aggr references the column
	// "value"; alias must be unique within the statement.
	AggregateEach(aggr, inner, alias string) string
}

// Escaper holds the dialect-neutral part of literal escaping. Dialects
// embed it and supply the date rendering and backslash discipline.
type Escaper struct {
	// Backslash doubles backslashes inside string literals (MySQL).
	Backslash bool

	// Date renders a time value as a SQL literal.
	Date func(t time.Time) string
}

// Value renders v as a SQL literal.
func (e Escaper) Value(v any, field *schema.Field) string {
	switch val := v.(type) {
	case nil:
		return "NULL"
	case bool:
		if val {
			return "1"
		}
		return "0"
	case int:
		return strconv.Itoa(val)
	case int32:
		return strconv.FormatInt(int64(val), 10)
	case int64:
		return strconv.FormatInt(val, 10)
	case uint:
		return strconv.FormatUint(uint64(val), 10)
	case uint64:
		return strconv.FormatUint(val, 10)
	case float32:
		return strconv.FormatFloat(float64(val), 'g', -1, 32)
	case float64:
		return strconv.FormatFloat(val, 'g', -1, 64)
	case string:
		return e.String(val)
	case []byte:
		return e.String(string(val))
	case time.Time:
		return e.Date(val)
	case []string:
		if field != nil && field.Type == schema.List {
			return e.String(strings.Join(val, ","))
		}
	}
	// everything else takes the JSON-safe representation
	buf, err := json.Marshal(v)
	if err != nil {
		return "NULL"
	}
	return e.String(string(buf))
}

// String renders a quoted string literal.
func (e Escaper) String(s string) string {
	if e.Backslash {
		s = strings.ReplaceAll(s, `\`, `\\`)
	}
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// QuoteID backtick-quotes an identifier, quoting each part of a
// qualified name separately.
func QuoteID(name string) string {
	parts := strings.Split(name, ".")
	for i, part := range parts {
		parts[i] = "`" + strings.ReplaceAll(part, "`", "``") + "`"
	}
	return strings.Join(parts, ".")
}
