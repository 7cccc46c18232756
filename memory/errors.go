package memory

import (
	"errors"
	"fmt"
)

// ErrNotFound reports an operation that referenced an unknown memory ID.
// It is always surfaced to the caller, never retried.
var ErrNotFound = errors.New("memory not found")

// ErrCapacity reports a vector index that cannot take another live vector.
var ErrCapacity = errors.New("vector index at capacity")

// ErrIndexInvalid reports a persisted index artifact that is missing,
// corrupt, or was built with a different dimension or capacity. Callers
// recover by rebuilding from the record store.
var ErrIndexInvalid = errors.New("vector index artifact invalid")

// EmbeddingError wraps a failure of the embedding provider. Recoverable:
// creation stores the memory without a vector, search degrades to the
// lexical fallback.
type EmbeddingError struct {
	Err error
}

func (e *EmbeddingError) Error() string {
	return fmt.Sprintf("embedding failed: %v", e.Err)
}

func (e *EmbeddingError) Unwrap() error { return e.Err }

// IndexError wraps a vector index failure. Recoverable: the Manager degrades
// to a linear scan over the record store.
type IndexError struct {
	Op  string
	Err error
}

func (e *IndexError) Error() string {
	return fmt.Sprintf("index %s failed: %v", e.Op, e.Err)
}

func (e *IndexError) Unwrap() error { return e.Err }

// StorageError wraps a record store failure on an explicitly requested
// write or read. Surfaced to the caller: a requested write is never
// silently dropped.
type StorageError struct {
	Op  string
	ID  string
	Err error
}

func (e *StorageError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("storage %s %s failed: %v", e.Op, e.ID, e.Err)
	}
	return fmt.Sprintf("storage %s failed: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }
