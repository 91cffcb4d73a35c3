// Package errs defines the error taxonomy shared across the replication
// core. Every exported error is backed by one kind-tagged struct so callers
// can branch on kind with errors.As instead of string matching.
package errs

import (
	"errors"
	"fmt"
)

// Kind identifies which of the seven taxonomy buckets an error belongs to.
type Kind string

const (
	KindValidation         Kind = "validation"
	KindSchema             Kind = "schema"
	KindBundle             Kind = "bundle"
	KindConflict           Kind = "conflict"
	KindOperation          Kind = "operation"
	KindDatabase           Kind = "database"
	KindInvariantViolation Kind = "invariant_violation"
)

// SyncError is the common shape behind every exported error constructor
// below. Callers should match on the exported wrapper types (ValidationError
// etc.), not on SyncError directly.
type SyncError struct {
	kind    Kind
	message string
	context map[string]any
	cause   error
}

func (e *SyncError) Error() string {
	if len(e.context) == 0 {
		return e.message
	}
	return fmt.Sprintf("%s %v", e.message, e.context)
}

func (e *SyncError) Unwrap() error { return e.cause }

// Kind reports which taxonomy bucket this error belongs to.
func (e *SyncError) Kind() Kind { return e.kind }

// Context returns the structured fields attached to this error.
func (e *SyncError) Context() map[string]any {
	out := make(map[string]any, len(e.context))
	for k, v := range e.context {
		out[k] = v
	}
	return out
}

func newSyncError(kind Kind, message string, cause error, context map[string]any) *SyncError {
	if context == nil {
		context = map[string]any{}
	}
	return &SyncError{kind: kind, message: message, context: context, cause: cause}
}

// ValidationError reports malformed input: wrong id length, unknown op_type,
// a reserved table name, a missing primary key, and similar caller mistakes.
type ValidationError struct{ *SyncError }

// NewValidationError builds a ValidationError for the given field/value.
func NewValidationError(message, field string, value any) *ValidationError {
	ctx := map[string]any{}
	if field != "" {
		ctx["field"] = field
	}
	if value != nil {
		ctx["value"] = value
	}
	return &ValidationError{newSyncError(KindValidation, message, nil, ctx)}
}

// SchemaError reports an uninitialized replica, a schema_version mismatch,
// or an unsafe remote migration.
type SchemaError struct{ *SyncError }

func NewSchemaError(message string, expected, actual any) *SchemaError {
	ctx := map[string]any{}
	if expected != nil {
		ctx["expected"] = expected
	}
	if actual != nil {
		ctx["actual"] = actual
	}
	return &SchemaError{newSyncError(KindSchema, message, nil, ctx)}
}

// BundleError reports an integrity failure, a missing or duplicated
// metadata row, a content-hash mismatch, or a malformed operation in a
// bundle.
type BundleError struct {
	*SyncError
	Reason string
}

func NewBundleError(message, bundlePath, reason string) *BundleError {
	ctx := map[string]any{}
	if bundlePath != "" {
		ctx["bundle_path"] = bundlePath
	}
	if reason != "" {
		ctx["reason"] = reason
	}
	return &BundleError{newSyncError(KindBundle, message, nil, ctx), reason}
}

// ConflictError reports an attempt to resolve a conflict that does not
// exist or has already been resolved. The existence of a conflict itself is
// never an error.
type ConflictError struct{ *SyncError }

func NewConflictError(message string, conflictID []byte, tableName string) *ConflictError {
	ctx := map[string]any{}
	if conflictID != nil {
		ctx["conflict_id"] = fmt.Sprintf("%x", conflictID)
	}
	if tableName != "" {
		ctx["table_name"] = tableName
	}
	return &ConflictError{newSyncError(KindConflict, message, nil, ctx)}
}

// OperationError reports that an operation cannot be applied, e.g. an
// INSERT with an empty values map.
type OperationError struct{ *SyncError }

func NewOperationError(message string, opID []byte, opType, tableName string) *OperationError {
	ctx := map[string]any{}
	if opID != nil {
		ctx["op_id"] = fmt.Sprintf("%x", opID)
	}
	if opType != "" {
		ctx["op_type"] = opType
	}
	if tableName != "" {
		ctx["table_name"] = tableName
	}
	return &OperationError{newSyncError(KindOperation, message, nil, ctx)}
}

// DatabaseError wraps an underlying storage failure with the operation that
// was being attempted.
type DatabaseError struct{ *SyncError }

func NewDatabaseError(message, operation string, cause error) *DatabaseError {
	ctx := map[string]any{}
	if operation != "" {
		ctx["operation"] = operation
	}
	return &DatabaseError{newSyncError(KindDatabase, message, cause, ctx)}
}

// InvariantViolation reports a core system invariant being violated: a bug
// in the system, or an attempt to corrupt data. The current operation must
// halt; the process is not required to.
type InvariantViolation struct{ *SyncError }

func NewInvariantViolation(invariant, details string) *InvariantViolation {
	ctx := map[string]any{"invariant": invariant, "details": details}
	return &InvariantViolation{newSyncError(KindInvariantViolation, fmt.Sprintf("invariant violation: %s. %s", invariant, details), nil, ctx)}
}

// KindOf extracts the taxonomy Kind from any error produced by this
// package, walking the Unwrap chain. The zero Kind is returned if err does
// not originate here.
func KindOf(err error) (Kind, bool) {
	var se *SyncError
	if errors.As(err, &se) {
		return se.kind, true
	}
	return "", false
}
