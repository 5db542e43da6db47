// Package schema holds the declarative table model: field descriptors,
// index declarations and the in-memory registry shared between the
// database facade, drivers and query builders.
package schema

// FieldType is the semantic type of a declared field. Drivers map each
// type to a native column type of their dialect.
type FieldType string

const (
	Primary   FieldType = "primary"
	Boolean   FieldType = "boolean"
	Integer   FieldType = "integer"
	Unsigned  FieldType = "unsigned"
	Float     FieldType = "float"
	Double    FieldType = "double"
	Decimal   FieldType = "decimal"
	Char      FieldType = "char"
	String    FieldType = "string"
	Text      FieldType = "text"
	List      FieldType = "list"
	JSON      FieldType = "json"
	Date      FieldType = "date"
	Time      FieldType = "time"
	Timestamp FieldType = "timestamp"
)

var fieldTypes = map[FieldType]bool{
	Primary: true, Boolean: true, Integer: true, Unsigned: true,
	Float: true, Double: true, Decimal: true, Char: true, String: true,
	Text: true, List: true, JSON: true, Date: true, Time: true,
	Timestamp: true,
}

// Valid reports whether t is one of the declared field types.
func (t FieldType) Valid() bool {
	return fieldTypes[t]
}

// IsString reports whether values of t are stored as text.
func (t FieldType) IsString() bool {
	switch t {
	case Char, String, Text, List:
		return true
	}
	return false
}

// IsDate reports whether t is one of the date-like types.
func (t FieldType) IsDate() bool {
	switch t {
	case Date, Time, Timestamp:
		return true
	}
	return false
}

// IsNumeric reports whether t is stored as a number.
func (t FieldType) IsNumeric() bool {
	switch t {
	case Primary, Boolean, Integer, Unsigned, Float, Double, Decimal:
		return true
	}
	return false
}

// Field describes a single declared column.
type Field struct {
	Type       FieldType
	Length     int
	Precision  int
	Scale      int
	NotNull    bool
	Initial    any
	Legacy     []string
	Deprecated bool
}

// NewField returns a field of the given type with no extra descriptors.
func NewField(t FieldType) *Field {
	return &Field{Type: t}
}
