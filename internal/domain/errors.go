package domain

import (
	"errors"
	"fmt"
)

// ErrBatchNotFound is returned when no batch exists for an id.
var ErrBatchNotFound = errors.New("batch not found")

// ValidationError rejects bad input synchronously; nothing is persisted.
type ValidationError struct {
	Field  string
	Reason string
}

// NewValidationError builds a ValidationError.
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s %s", e.Field, e.Reason)
}

// IsValidation reports whether err is or wraps a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// TransientJobError is a job failure that the queue retries with backoff.
type TransientJobError struct {
	Attempt int
	Err     error
}

func (e *TransientJobError) Error() string {
	return fmt.Sprintf("attempt %d failed: %v", e.Attempt, e.Err)
}

func (e *TransientJobError) Unwrap() error { return e.Err }

// TerminalJobError is a job failure after the retry budget was exhausted.
type TerminalJobError struct {
	Attempts int
	Err      error
}

func (e *TerminalJobError) Error() string {
	return fmt.Sprintf("job dead-lettered after %d attempts: %v", e.Attempts, e.Err)
}

func (e *TerminalJobError) Unwrap() error { return e.Err }

// NotificationError is a failed completion delivery. It is logged, never propagated.
type NotificationError struct {
	BatchID    string
	StatusCode int
	Err        error
}

func (e *NotificationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("notify batch %s: %v", e.BatchID, e.Err)
	}
	return fmt.Sprintf("notify batch %s: unexpected status %d", e.BatchID, e.StatusCode)
}

func (e *NotificationError) Unwrap() error { return e.Err }

// TransformErrorKind classifies failures of the image transform collaborator.
type TransformErrorKind string

const (
	TransformTimeout      TransformErrorKind = "timeout"
	TransformFetchFailed  TransformErrorKind = "fetch_failed"
	TransformDecodeFailed TransformErrorKind = "decode_failed"
)

// TransformError is returned by the image transformer.
type TransformError struct {
	Kind TransformErrorKind
	URL  string
	Err  error
}

func (e *TransformError) Error() string {
	return fmt.Sprintf("transform %s (%s): %v", e.URL, e.Kind, e.Err)
}

func (e *TransformError) Unwrap() error { return e.Err }

// UploadError is returned by the object store collaborator.
type UploadError struct {
	Key string
	Err error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("upload %s: %v", e.Key, e.Err)
}

func (e *UploadError) Unwrap() error { return e.Err }
