// Package dberr defines the typed errors shared by adapters, storage
// backends and the task runner, plus the classification used for
// retry decisions.
package dberr

import (
	"context"
	"errors"
	"fmt"
)

// ConnectionError indicates a network or authentication failure while
// reaching a database engine. Transient: the dispatcher auto-retries.
type ConnectionError struct {
	Engine string
	Addr   string
	Err    error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%s: connecting to %s: %v", e.Engine, e.Addr, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// SchemaMismatchError indicates that an import file does not line up
// with the destination table. Never auto-retried.
type SchemaMismatchError struct {
	Table  string
	Detail string
}

func (e *SchemaMismatchError) Error() string {
	return fmt.Sprintf("schema mismatch on %s: %s", e.Table, e.Detail)
}

// DestinationNotEmptyError indicates a restore pre-flight found data in
// the destination and overwrite was not requested.
type DestinationNotEmptyError struct {
	Database string
}

func (e *DestinationNotEmptyError) Error() string {
	return fmt.Sprintf("destination %s is not empty (use overwrite mode to replace it)", e.Database)
}

// RestoreError indicates an artifact is incompatible with the
// destination engine or tool version.
type RestoreError struct {
	Detail string
}

func (e *RestoreError) Error() string {
	return "restore: " + e.Detail
}

// StorageError wraps a storage backend failure. NotFound marks a
// missing object; Transient marks failures worth retrying (timeouts,
// dropped FTP control connections, 5xx object-store responses).
type StorageError struct {
	Backend   string
	Path      string
	NotFound  bool
	Transient bool
	Err       error
}

func (e *StorageError) Error() string {
	if e.NotFound {
		return fmt.Sprintf("%s: %s not found", e.Backend, e.Path)
	}
	return fmt.Sprintf("%s: %s: %v", e.Backend, e.Path, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// CancelledError marks a cooperative cancellation observed at a batch
// boundary. Not a failure: the task ends in state cancelled with the
// last committed offset recorded.
type CancelledError struct {
	CommittedOffset int64
}

func (e *CancelledError) Error() string {
	return fmt.Sprintf("cancelled after offset %d", e.CommittedOffset)
}

// Class buckets an error for the retry policy.
type Class int

const (
	// ClassUnknown is any error outside the taxonomy. Not retried.
	ClassUnknown Class = iota
	// ClassTransient errors are retried with backoff.
	ClassTransient
	// ClassIntegrity errors (schema mismatch) surface immediately.
	ClassIntegrity
	// ClassPrecondition errors (destination not empty) surface immediately.
	ClassPrecondition
	// ClassIncompatible errors (restore artifact mismatch) surface immediately.
	ClassIncompatible
	// ClassCancelled is cooperative cancellation, never a failure.
	ClassCancelled
)

func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassIntegrity:
		return "integrity"
	case ClassPrecondition:
		return "precondition"
	case ClassIncompatible:
		return "incompatible"
	case ClassCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Classify maps an error onto the retry taxonomy.
func Classify(err error) Class {
	var (
		connErr     *ConnectionError
		schemaErr   *SchemaMismatchError
		notEmptyErr *DestinationNotEmptyError
		restoreErr  *RestoreError
		storageErr  *StorageError
		cancelErr   *CancelledError
	)
	switch {
	case err == nil:
		return ClassUnknown
	case errors.As(err, &cancelErr), errors.Is(err, context.Canceled):
		return ClassCancelled
	case errors.As(err, &schemaErr):
		return ClassIntegrity
	case errors.As(err, &notEmptyErr):
		return ClassPrecondition
	case errors.As(err, &restoreErr):
		return ClassIncompatible
	case errors.As(err, &connErr), errors.Is(err, context.DeadlineExceeded):
		return ClassTransient
	case errors.As(err, &storageErr):
		if storageErr.Transient {
			return ClassTransient
		}
		return ClassUnknown
	default:
		return ClassUnknown
	}
}

// IsTransient reports whether err should be auto-retried.
func IsTransient(err error) bool {
	return Classify(err) == ClassTransient
}

// IsNotFound reports whether err is a storage not-found.
func IsNotFound(err error) bool {
	var se *StorageError
	return errors.As(err, &se) && se.NotFound
}
