// Package ctmerrors defines the CTM error taxonomy (spec.md §7): a small set
// of closed, wrapped error kinds that every component returns instead of ad
// hoc errors, so callers can classify failures with errors.As without
// string matching.
package ctmerrors

import (
	"errors"
	"fmt"
)

// NotFoundError means the referenced task id does not exist.
type NotFoundError struct {
	TaskID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("task %q not found", e.TaskID)
}

func NewNotFound(taskID string) error {
	return &NotFoundError{TaskID: taskID}
}

// IllegalTransitionError means a status change was rejected.
type IllegalTransitionError struct {
	TaskID   string
	From, To string
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("task %q: illegal transition %s -> %s", e.TaskID, e.From, e.To)
}

func NewIllegalTransition(taskID, from, to string) error {
	return &IllegalTransitionError{TaskID: taskID, From: from, To: to}
}

// ConcurrentModificationError means an optimistic write lost a race; the
// caller is expected to retry.
type ConcurrentModificationError struct {
	TaskID          string
	ExpectedVersion int
	ActualVersion   int
}

func (e *ConcurrentModificationError) Error() string {
	return fmt.Sprintf("task %q: concurrent modification (expected version %d, found %d)",
		e.TaskID, e.ExpectedVersion, e.ActualVersion)
}

func NewConcurrentModification(taskID string, expected, actual int) error {
	return &ConcurrentModificationError{TaskID: taskID, ExpectedVersion: expected, ActualVersion: actual}
}

// ConflictAbandonedError means retries on a ConcurrentModificationError
// were exhausted.
type ConflictAbandonedError struct {
	TaskID   string
	Attempts int
	Err      error
}

func (e *ConflictAbandonedError) Error() string {
	return fmt.Sprintf("task %q: conflict abandoned after %d attempts: %v", e.TaskID, e.Attempts, e.Err)
}

func (e *ConflictAbandonedError) Unwrap() error { return e.Err }

func NewConflictAbandoned(taskID string, attempts int, err error) error {
	return &ConflictAbandonedError{TaskID: taskID, Attempts: attempts, Err: err}
}

// StorageFailureError wraps an underlying I/O error. Callers must degrade,
// not crash (§7).
type StorageFailureError struct {
	Op  string
	Err error
}

func (e *StorageFailureError) Error() string {
	return fmt.Sprintf("storage failure during %s: %v", e.Op, e.Err)
}

func (e *StorageFailureError) Unwrap() error { return e.Err }

func NewStorageFailure(op string, err error) error {
	return &StorageFailureError{Op: op, Err: err}
}

// InvalidInputError means a CLI/hook argument was rejected.
type InvalidInputError struct {
	Field, Reason string
}

func (e *InvalidInputError) Error() string {
	return fmt.Sprintf("invalid input %q: %s", e.Field, e.Reason)
}

func NewInvalidInput(field, reason string) error {
	return &InvalidInputError{Field: field, Reason: reason}
}

// SchemaMismatchError means a record is from a newer/unknown schema.
type SchemaMismatchError struct {
	TaskID           string
	RecordVersion    int
	SupportedVersion int
}

func (e *SchemaMismatchError) Error() string {
	return fmt.Sprintf("task %q: schema version %d unsupported (supports up to %d)",
		e.TaskID, e.RecordVersion, e.SupportedVersion)
}

func NewSchemaMismatch(taskID string, recordVersion, supportedVersion int) error {
	return &SchemaMismatchError{TaskID: taskID, RecordVersion: recordVersion, SupportedVersion: supportedVersion}
}

// Classifier helpers, mirroring the teacher's Is*/GetErrorType idiom.

func IsNotFound(err error) bool {
	var e *NotFoundError
	return errors.As(err, &e)
}

func IsIllegalTransition(err error) bool {
	var e *IllegalTransitionError
	return errors.As(err, &e)
}

func IsConcurrentModification(err error) bool {
	var e *ConcurrentModificationError
	return errors.As(err, &e)
}

func IsConflictAbandoned(err error) bool {
	var e *ConflictAbandonedError
	return errors.As(err, &e)
}

func IsStorageFailure(err error) bool {
	var e *StorageFailureError
	return errors.As(err, &e)
}

func IsInvalidInput(err error) bool {
	var e *InvalidInputError
	return errors.As(err, &e)
}

func IsSchemaMismatch(err error) bool {
	var e *SchemaMismatchError
	return errors.As(err, &e)
}
