package paradedb

import (
	"errors"
	"fmt"
)

var (
	// ErrWriterConsumed is returned when a writer session is used after commit.
	ErrWriterConsumed = errors.New("writer session already consumed by commit")

	// ErrPendingOperations is returned by Vacuum when inserts or deletes are still queued.
	ErrPendingOperations = errors.New("writer has pending operations")

	// ErrSessionAborted is returned when the storage worker of a writer session died.
	// The session must be discarded.
	ErrSessionAborted = errors.New("writer session aborted")
)

// KeyFieldNullError indicates a row whose key column is NULL.
type KeyFieldNullError struct {
	Field string
}

func (e *KeyFieldNullError) Error() string {
	return fmt.Sprintf("key_field column '%s' cannot be NULL", e.Field)
}

// ValueError indicates a column value that cannot be represented in an index field.
//
// The original underlying error (if any) can be accessed via errors.Unwrap.
type ValueError struct {
	Field string
	Value any
	cause error
}

// NewValueError creates a ValueError.
func NewValueError(field string, value any, cause error) *ValueError {
	return &ValueError{Field: field, Value: value, cause: cause}
}

func (e *ValueError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("cannot convert value %v for field %q: %v", e.Value, e.Field, e.cause)
	}
	return fmt.Sprintf("cannot convert value %v for field %q", e.Value, e.Field)
}

func (e *ValueError) Unwrap() error { return e.cause }

// MetadataError indicates a failure to (de)serialize persisted index metadata.
//
// The original underlying error (if any) can be accessed via errors.Unwrap.
type MetadataError struct {
	Op    string
	cause error
}

// NewMetadataError creates a MetadataError.
func NewMetadataError(op string, cause error) *MetadataError {
	return &MetadataError{Op: op, cause: cause}
}

func (e *MetadataError) Error() string {
	return fmt.Sprintf("metadata %s: %v", e.Op, e.cause)
}

func (e *MetadataError) Unwrap() error { return e.cause }
