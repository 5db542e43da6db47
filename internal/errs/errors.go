// Package errs defines the error kinds surfaced by drivers and the
// query compiler.
package errs

import (
	"github.com/cockroachdb/errors"
)

// Error kinds surfaced by drivers and the query compiler. Callers match
// them with errors.Is.
var (
	// ErrSchemaMismatch means a declared field type cannot be mapped to a
	// column type of the target dialect. Fatal at Prepare.
	ErrSchemaMismatch = errors.New("schema mismatch")

	// ErrDuplicateEntry is a primary or unique key conflict on insert.
	ErrDuplicateEntry = errors.New("duplicate entry")

	// ErrQueryMalformed is an unsupported operator or operand shape,
	// raised at compile time before any I/O.
	ErrQueryMalformed = errors.New("malformed query")

	// ErrStorage wraps an underlying engine or transport error.
	ErrStorage = errors.New("storage error")
)

// SchemaMismatch tags an error as a schema mismatch.
func SchemaMismatch(format string, args ...any) error {
	return errors.Mark(errors.Newf(format, args...), ErrSchemaMismatch)
}

// QueryMalformed tags an error as a malformed query.
func QueryMalformed(format string, args ...any) error {
	return errors.Mark(errors.Newf(format, args...), ErrQueryMalformed)
}

// StorageError wraps an engine error, attaching the offending SQL as a
// diagnostic detail so it never leaks into the user-visible message.
func StorageError(err error, sql string) error {
	if err == nil {
		return nil
	}
	return errors.Mark(errors.WithDetail(err, "sql: "+sql), ErrStorage)
}

// IsDuplicateEntry reports whether err is a primary/unique key conflict.
func IsDuplicateEntry(err error) bool {
	return errors.Is(err, ErrDuplicateEntry)
}

// IsQueryMalformed reports whether err was raised by the query compiler.
func IsQueryMalformed(err error) bool {
	return errors.Is(err, ErrQueryMalformed)
}
