package persistence

import (
	"context"
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

var (
	ErrStorageUnavailable = errors.New("storage is unavailable")
	ErrStorageFault       = errors.New("storage fault")
	ErrConcurrency        = errors.New("concurrency conflict")
	ErrDuplicateCommit    = errors.New("duplicate commit")
	ErrSerialization      = errors.New("serialization error")
	ErrSnapshotsDisabled  = errors.New("snapshots are disabled")
	ErrDisposed           = errors.New("persistence engine is disposed")
	ErrInvalidAttempt     = errors.New("invalid commit attempt")
)

// StorageError wraps a backend error. It matches ErrStorageUnavailable when the backend
// could not be reached and ErrStorageFault otherwise.
type StorageError struct {
	Op          string
	Unavailable bool
	Err         error
}

func (e *StorageError) Error() string {
	if e.Unavailable {
		return fmt.Sprintf("%s: storage unavailable: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s: storage fault: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func (e *StorageError) Is(target error) bool {
	if e.Unavailable {
		return target == ErrStorageUnavailable
	}
	return target == ErrStorageFault
}

// Unavailable is used by backends to report connectivity faults.
func Unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Unavailable: true, Err: err}
}

// DuplicateKeyError is returned by Backend.InsertCommit when a unique index rejected the
// document. Index names the violated constraint as reported by the backend.
type DuplicateKeyError struct {
	Index string
	Err   error
}

func (e *DuplicateKeyError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("duplicate key on %s: %v", e.Index, e.Err)
	}
	return "duplicate key on " + e.Index
}

func (e *DuplicateKeyError) Unwrap() error {
	return e.Err
}

// Violates reports whether the violated constraint is the given index.
// Drivers decorate constraint names (table prefixes, quotes), hence the substring match.
func (e *DuplicateKeyError) Violates(index string) bool {
	return strings.Contains(e.Index, index)
}

// ConcurrencyError is returned when another writer already owns the stream position.
type ConcurrencyError struct {
	BucketID       string
	StreamID       string
	CommitSequence int
}

func (e *ConcurrencyError) Error() string {
	return fmt.Sprintf("concurrency conflict: commit sequence %d of stream %s/%s is taken",
		e.CommitSequence, e.BucketID, e.StreamID)
}

func (e *ConcurrencyError) Is(target error) bool {
	return target == ErrConcurrency
}

// DuplicateCommitError is returned when the commit was already applied.
type DuplicateCommitError struct {
	BucketID string
	StreamID string
	CommitID CommitID
}

func (e *DuplicateCommitError) Error() string {
	return fmt.Sprintf("duplicate commit %s on stream %s/%s", e.CommitID, e.BucketID, e.StreamID)
}

func (e *DuplicateCommitError) Is(target error) bool {
	return target == ErrDuplicateCommit
}

// SerializationError reports a document that could not be encoded or decoded.
type SerializationError struct {
	Field string
	Err   error
}

func (e *SerializationError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("serialization error: %s", e.Field)
	}
	return fmt.Sprintf("serialization error: %s: %v", e.Field, e.Err)
}

func (e *SerializationError) Unwrap() error {
	return e.Err
}

func (e *SerializationError) Is(target error) bool {
	return target == ErrSerialization
}

func serializationError(field string, err error) error {
	return &SerializationError{Field: field, Err: err}
}

// wrapStorage classifies an error coming from the backend. Errors that already carry a
// classification pass through untouched.
func wrapStorage(op string, err error) error {
	if err == nil {
		return nil
	}
	var storageErr *StorageError
	var serErr *SerializationError
	switch {
	case errors.As(err, &storageErr), errors.As(err, &serErr):
		return err
	case errors.Is(err, ErrDisposed), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	}
	return &StorageError{Op: op, Err: err}
}
