package harmonic

import (
	"errors"
	"fmt"
)

// SyncErrorCode categorizes sync failures.
type SyncErrorCode string

const (
	// ErrCodeTransient indicates a transport failure (network error,
	// timeout). Retried with backoff, never terminal until the retry
	// budget is exhausted.
	ErrCodeTransient SyncErrorCode = "TRANSIENT"

	// ErrCodeValidation indicates bad input shape or an authorization
	// failure. Terminal, surfaced immediately, never retried.
	ErrCodeValidation SyncErrorCode = "VALIDATION"

	// ErrCodeRejected indicates a server-side business rule rejected an
	// otherwise well-formed write. Terminal, triggers optimistic rollback.
	ErrCodeRejected SyncErrorCode = "REJECTED"

	// ErrCodeSchemaMismatch indicates the local schema version differs
	// from the declared one. Triggers store rebuild plus resnapshot.
	ErrCodeSchemaMismatch SyncErrorCode = "SCHEMA_MISMATCH"

	// ErrCodeOrderingViolation indicates a feed entry was not contiguous
	// with the channel cursor. Resolved by resnapshot.
	ErrCodeOrderingViolation SyncErrorCode = "ORDERING_VIOLATION"

	// ErrCodeCursorTruncated indicates a catch-up cursor predates the
	// earliest retained log entry. Resolved by resnapshot.
	ErrCodeCursorTruncated SyncErrorCode = "CURSOR_TRUNCATED"

	// ErrCodeRetriesExhausted indicates a queued write burned through its
	// retry budget without reaching the server. Distinct from a
	// server-issued rejection so callers can show a "could not sync" state.
	ErrCodeRetriesExhausted SyncErrorCode = "RETRIES_EXHAUSTED"

	// ErrCodeOfflineNotAllowed indicates a write was attempted offline for
	// an action that does not support offline queuing. Rejected, not queued.
	ErrCodeOfflineNotAllowed SyncErrorCode = "OFFLINE_NOT_ALLOWED"
)

// SyncError is a structured sync failure with enough context to route it
// through the error taxonomy without string matching.
type SyncError struct {
	Code     SyncErrorCode
	Message  string
	Table    string
	RecordID string
	Err      error
}

// Error implements the error interface.
func (e *SyncError) Error() string {
	switch {
	case e.Table != "" && e.RecordID != "":
		return fmt.Sprintf("%s: %s (table=%s, record=%s)", e.Code, e.Message, e.Table, e.RecordID)
	case e.Table != "":
		return fmt.Sprintf("%s: %s (table=%s)", e.Code, e.Message, e.Table)
	default:
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
}

// Unwrap exposes the underlying cause for errors.Is / errors.As.
func (e *SyncError) Unwrap() error {
	return e.Err
}

// NewSyncError creates a SyncError with the given code and message.
func NewSyncError(code SyncErrorCode, message string) *SyncError {
	return &SyncError{Code: code, Message: message}
}

// WrapTransient wraps a transport failure as a retryable error.
func WrapTransient(message string, err error) *SyncError {
	return &SyncError{Code: ErrCodeTransient, Message: message, Err: err}
}

// CodeOf extracts the SyncErrorCode from err, or "" if err carries none.
func CodeOf(err error) SyncErrorCode {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}

// IsTransient reports whether err should be retried with backoff.
func IsTransient(err error) bool {
	return CodeOf(err) == ErrCodeTransient
}

// IsRejection reports whether err is terminal for a write: a validation
// failure or a server-side business rejection. Both trigger rollback and are
// never retried.
func IsRejection(err error) bool {
	switch CodeOf(err) {
	case ErrCodeValidation, ErrCodeRejected:
		return true
	}
	return false
}

// IsCursorTruncated reports whether err means the catch-up cursor is older
// than the retained log, forcing a snapshot fetch.
func IsCursorTruncated(err error) bool {
	return CodeOf(err) == ErrCodeCursorTruncated
}

// IsSchemaMismatch reports whether err is a schema version mismatch.
func IsSchemaMismatch(err error) bool {
	return CodeOf(err) == ErrCodeSchemaMismatch
}
