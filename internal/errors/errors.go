package errors

import "fmt"

// ErrorCode identifies a named Holdfast error condition.
type ErrorCode string

const (
	ErrInvalidRequest        ErrorCode = "INVALID_REQUEST"
	ErrNotFound              ErrorCode = "NOT_FOUND"
	ErrAlreadyStaged         ErrorCode = "ALREADY_STAGED"
	ErrInvalidTransition     ErrorCode = "INVALID_TRANSITION"
	ErrConcurrentStateChange ErrorCode = "CONCURRENT_STATE_CHANGE"
	ErrHashAlreadyBound      ErrorCode = "HASH_ALREADY_BOUND"
	ErrDedupUnavailable      ErrorCode = "DEDUP_UNAVAILABLE"
	ErrIdentifierConflict    ErrorCode = "IDENTIFIER_CONFLICT"
	ErrBackupVerification    ErrorCode = "BACKUP_VERIFICATION_FAILED"
	ErrTransient             ErrorCode = "TRANSIENT"
	ErrInternal              ErrorCode = "INTERNAL"
)

// HoldfastError is a structured error with a code, message, and details.
type HoldfastError struct {
	Code    ErrorCode
	Message string
	Details map[string]any
}

// Error implements the error interface.
func (e *HoldfastError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewInvalidRequest creates an error for invalid operation parameters.
func NewInvalidRequest(msg string) *HoldfastError {
	return &HoldfastError{
		Code:    ErrInvalidRequest,
		Message: msg,
	}
}

// NewNotFound creates an error for a capture that does not exist.
func NewNotFound(id string) *HoldfastError {
	return &HoldfastError{
		Code:    ErrNotFound,
		Message: fmt.Sprintf("capture not found: %s", id),
		Details: map[string]any{"id": id},
	}
}

// NewAlreadyStaged creates the layer-1 dedup condition: the same physical
// item (channel + native id) is already in the ledger. Callers treat this
// as "no-op", not as a failure.
func NewAlreadyStaged(channel, nativeID string) *HoldfastError {
	return &HoldfastError{
		Code:    ErrAlreadyStaged,
		Message: fmt.Sprintf("item %q already staged on channel %q", nativeID, channel),
		Details: map[string]any{"channel": channel, "native_id": nativeID},
	}
}

// NewInvalidTransition creates an error for a status transition that is not
// in the allowed-successor set of the current status.
func NewInvalidTransition(id, from, to string) *HoldfastError {
	return &HoldfastError{
		Code:    ErrInvalidTransition,
		Message: fmt.Sprintf("capture %s: invalid transition %s -> %s", id, from, to),
		Details: map[string]any{"id": id, "from": from, "to": to},
	}
}

// NewConcurrentStateChange creates an error for a conditional status update
// that affected zero rows: another transition raced ahead of the caller.
// Must not be retried blindly.
func NewConcurrentStateChange(id, expected, actual string) *HoldfastError {
	return &HoldfastError{
		Code:    ErrConcurrentStateChange,
		Message: fmt.Sprintf("capture %s: status changed concurrently (expected %s, now %s)", id, expected, actual),
		Details: map[string]any{"id": id, "expected": expected, "actual": actual},
	}
}

// NewHashAlreadyBound creates an error for a second attempt to set a
// capture's content hash (the hash is write-once).
func NewHashAlreadyBound(id string) *HoldfastError {
	return &HoldfastError{
		Code:    ErrHashAlreadyBound,
		Message: fmt.Sprintf("capture %s: content hash already bound", id),
		Details: map[string]any{"id": id},
	}
}

// NewDedupUnavailable wraps a store error raised during a layer-2 duplicate
// check. Callers must treat this as "do not export yet", never as unique.
func NewDedupUnavailable(err error) *HoldfastError {
	return &HoldfastError{
		Code:    ErrDedupUnavailable,
		Message: fmt.Sprintf("duplicate check unavailable: %v", err),
	}
}

// NewIdentifierConflict creates the fatal collision condition: the capture's
// destination path exists with different content. Requires operator
// intervention, never auto-resolved.
func NewIdentifierConflict(id, path string) *HoldfastError {
	return &HoldfastError{
		Code:    ErrIdentifierConflict,
		Message: fmt.Sprintf("capture %s: destination %s exists with different content", id, path),
		Details: map[string]any{"id": id, "path": path},
	}
}

// NewBackupVerification creates an error for a backup snapshot that failed
// its integrity check. Blocks pruning for the cycle.
func NewBackupVerification(path, detail string) *HoldfastError {
	return &HoldfastError{
		Code:    ErrBackupVerification,
		Message: fmt.Sprintf("backup %s failed verification: %s", path, detail),
		Details: map[string]any{"path": path},
	}
}

// NewTransient wraps an environment error (permission denied, disk full)
// that a layer above this core may retry with backoff.
func NewTransient(err error) *HoldfastError {
	return &HoldfastError{
		Code:    ErrTransient,
		Message: err.Error(),
	}
}

// NewInternal creates an error for unexpected internal failures.
func NewInternal(err error) *HoldfastError {
	msg := "internal error"
	if err != nil {
		msg = err.Error()
	}
	return &HoldfastError{
		Code:    ErrInternal,
		Message: msg,
	}
}

// Is checks if an error is a HoldfastError with the given code.
func Is(err error, code ErrorCode) bool {
	if hErr, ok := err.(*HoldfastError); ok {
		return hErr.Code == code
	}
	return false
}
