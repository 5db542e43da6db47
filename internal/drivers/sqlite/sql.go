package sqlite

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/oakdb/oak/internal/builder"
	"github.com/oakdb/oak/internal/errs"
	"github.com/oakdb/oak/internal/schema"
)

// dialect implements builder.Dialect for the embedded engine. Dates are
// stored as epoch milliseconds; json and list fields as TEXT.
type dialect struct {
	builder.Escaper
}

var _ builder.Dialect = (*dialect)(nil)

func newDialect() *dialect {
	return &dialect{Escaper: builder.Escaper{
		Date: func(t time.Time) string {
			return strconv.FormatInt(t.UnixMilli(), 10)
		},
	}}
}

func (d *dialect) EscapeValue(v any, field *schema.Field) string {
	return d.Value(v, field)
}

func (d *dialect) EscapeID(name string) string {
	return builder.QuoteID(name)
}

func (d *dialect) Concat(args []string) string {
	return "(" + strings.Join(args, " || ") + ")"
}

func (d *dialect) If(cond, then, els string) string {
	return "iif(" + cond + ", " + then + ", " + els + ")"
}

func (d *dialect) IfNull(a, b string) string {
	return "ifnull(" + a + ", " + b + ")"
}

func (d *dialect) JSONExtract(field, path string) string {
	return "json_extract(" + field + ", " + d.String(path) + ")"
}

// JSONContains relies on the json_array_contains function registered at
// process init.
func (d *dialect) JSONContains(expr, value string) string {
	return "json_array_contains(" + expr + ", " + value + ")"
}

func (d *dialect) JSONLength(expr string) string {
	return "json_array_length(" + expr + ")"
}

func (d *dialect) AsJSON(expr string) string {
	return "json(" + expr + ")"
}

// Regexp relies on the regexp function registered at process init; the
// engine rewrites "x REGEXP y" to regexp(y, x).
func (d *dialect) Regexp(lhs, rhs string) string {
	return lhs + " REGEXP " + rhs
}

func (d *dialect) AggregateEach(aggr, inner, alias string) string {
	return "(SELECT " + aggr + " FROM json_each(" + inner + ") " + alias + ")"
}

// columnType maps a declared field to its column type.
func columnType(name string, field *schema.Field) (string, error) {
	switch field.Type {
	case schema.Primary, schema.Boolean, schema.Integer, schema.Unsigned,
		schema.Date, schema.Time, schema.Timestamp:
		return "INTEGER", nil
	case schema.Float, schema.Double:
		return "REAL", nil
	case schema.Decimal:
		precision, scale := field.Precision, field.Scale
		if precision == 0 {
			precision = 10
		}
		return fmt.Sprintf("DECIMAL(%d, %d)", precision, scale), nil
	case schema.Char:
		length := field.Length
		if length == 0 {
			length = 64
		}
		return fmt.Sprintf("CHAR(%d)", length), nil
	case schema.String:
		length := field.Length
		if length == 0 {
			length = 255
		}
		return fmt.Sprintf("VARCHAR(%d)", length), nil
	case schema.Text, schema.List, schema.JSON:
		return "TEXT", nil
	}
	return "", errs.SchemaMismatch("field %s has unmappable type %s", name, field.Type)
}

// columnDef renders one declared column definition.
func (p *sqliteDriver) columnDef(model *schema.Model, name string) (string, error) {
	field := model.Field(name)
	typedef, err := columnType(name, field)
	if err != nil {
		return "", err
	}
	var def strings.Builder
	def.WriteString(p.dialect.EscapeID(name))
	def.WriteString(" ")
	def.WriteString(typedef)
	if model.AutoInc && name == model.PrimaryKey() {
		def.WriteString(" PRIMARY KEY AUTOINCREMENT")
		return def.String(), nil
	}
	if field.NotNull {
		def.WriteString(" NOT NULL")
	}
	if initial, ok := defaultLiteral(p, field); ok {
		def.WriteString(" DEFAULT ")
		def.WriteString(initial)
	}
	return def.String(), nil
}

// defaultLiteral renders a DEFAULT clause for scalar initial values.
func defaultLiteral(p *sqliteDriver, field *schema.Field) (string, bool) {
	if field.Initial == nil {
		return "", false
	}
	switch field.Initial.(type) {
	case bool, int, int32, int64, uint, uint64, float32, float64, string, time.Time:
		if plugin := p.caster.Plugin(field.Type); plugin != nil {
			stored, err := plugin.Dump(field.Initial)
			if err != nil {
				return "", false
			}
			return p.dialect.EscapeValue(stored, field), true
		}
		return p.dialect.EscapeValue(field.Initial, field), true
	}
	return "", false
}

// tableConstraints renders composite PK, unique and foreign declarations.
func (p *sqliteDriver) tableConstraints(model *schema.Model) []string {
	var defs []string
	if !model.AutoInc && len(model.Primary) > 0 {
		defs = append(defs, "PRIMARY KEY ("+p.idList(model.Primary)+")")
	}
	for _, group := range model.Unique {
		defs = append(defs, "UNIQUE ("+p.idList(group)+")")
	}
	for _, name := range sortedForeign(model) {
		ref := model.Foreign[name]
		defs = append(defs, fmt.Sprintf("FOREIGN KEY (%s) REFERENCES %s (%s)",
			p.dialect.EscapeID(name), p.dialect.EscapeID(ref.Table), p.dialect.EscapeID(ref.Field)))
	}
	return defs
}

func (p *sqliteDriver) idList(names []string) string {
	quoted := make([]string, len(names))
	for i, name := range names {
		quoted[i] = p.dialect.EscapeID(name)
	}
	return strings.Join(quoted, ", ")
}

func sortedForeign(model *schema.Model) []string {
	names := make([]string, 0, len(model.Foreign))
	for name := range model.Foreign {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
