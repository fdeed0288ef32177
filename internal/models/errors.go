package models

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrSequenceViolation = errors.New("chunk sequence violation")
	ErrDuplicateName     = errors.New("duplicate file name")
	ErrCorruptBlob       = errors.New("corrupt blob")
)

// StorageError wraps a failure of the underlying persistence layer
type StorageError struct {
	Op  string
	Err error
}

// Error implements error
func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

// Unwrap returns the backend error
func (e *StorageError) Unwrap() error {
	return e.Err
}

// NewStorageError returns nil when err is nil so call sites can wrap unconditionally.
func NewStorageError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Err: err}
}

// UploadError is returned by the blob writer when an upload was aborted.
// Its chunks have been cleaned up and no file record exists for FileID.
type UploadError struct {
	FileID string
	Err    error
}

// Error implements error
func (e *UploadError) Error() string {
	return fmt.Sprintf("upload %s failed: %v", e.FileID, e.Err)
}

// Unwrap returns the cause of the abort
func (e *UploadError) Unwrap() error {
	return e.Err
}

// CorruptBlobError carries detail about an integrity failure found while reading
type CorruptBlobError struct {
	FileID string
	Reason string
}

// Error implements error
func (e *CorruptBlobError) Error() string {
	return fmt.Sprintf("corrupt blob %s: %s", e.FileID, e.Reason)
}

// Is reports true for ErrCorruptBlob
func (e *CorruptBlobError) Is(target error) bool {
	return target == ErrCorruptBlob
}
