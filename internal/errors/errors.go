// Package errors provides structured error types for the capsync system.
// All errors include a category, code, message, and retryable flag for
// consistent error handling across components.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies errors by system component.
type ErrorCategory string

const (
	ErrCategoryDownload   ErrorCategory = "DOWNLOAD"
	ErrCategoryEngine     ErrorCategory = "ENGINE"
	ErrCategoryLock       ErrorCategory = "LOCK"
	ErrCategoryPermission ErrorCategory = "PERMISSION"
	ErrCategorySync       ErrorCategory = "SYNC"
	ErrCategoryQuery      ErrorCategory = "QUERY"
	ErrCategoryInternal   ErrorCategory = "INTERNAL"
)

// Error codes for each category.
const (
	// Download codes
	CodeDownloadFailed = "DOWNLOAD_FAILED"
	CodeImageNotFound  = "IMAGE_NOT_FOUND"
	CodeChecksumFailed = "CHECKSUM_FAILED"

	// Engine codes
	CodeCorruptImage = "CORRUPT_IMAGE"
	CodeExecFailed   = "EXEC_FAILED"
	CodeApplyFailed  = "APPLY_CHANGES_FAILED"
	CodeEngineClosed = "ENGINE_CLOSED"

	// Lock codes
	CodeLockDenied  = "LOCK_DENIED"
	CodeLockRevoked = "LOCK_REVOKED"
	CodeLockRequest = "LOCK_REQUEST_FAILED"

	// Permission codes
	CodePermissionDenied = "PERMISSION_DENIED"

	// Sync codes
	CodeConnectFailed = "CONNECT_FAILED"
	CodeProtocol      = "PROTOCOL_ERROR"

	// Query codes
	CodeQueryFailed = "QUERY_FAILED"

	// Internal codes
	CodeInstanceClosed = "INSTANCE_CLOSED"
	CodeUnexpected     = "UNEXPECTED"
)

// CapsyncError is the structured error type used throughout the system.
type CapsyncError struct {
	Category  ErrorCategory
	Code      string
	Message   string
	Details   map[string]interface{}
	Cause     error
	Retryable bool
}

// Error returns a formatted error string.
func (e *CapsyncError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *CapsyncError) Unwrap() error {
	return e.Cause
}

// Is reports whether the target matches this error's category and code.
func (e *CapsyncError) Is(target error) bool {
	var t *CapsyncError
	if errors.As(target, &t) {
		return e.Category == t.Category && e.Code == t.Code
	}
	return false
}

// New creates a new CapsyncError.
func New(category ErrorCategory, code, message string) *CapsyncError {
	return &CapsyncError{
		Category:  category,
		Code:      code,
		Message:   message,
		Retryable: isRetryable(category, code),
	}
}

// Wrap creates a new CapsyncError wrapping an existing error.
func Wrap(category ErrorCategory, code, message string, cause error) *CapsyncError {
	return &CapsyncError{
		Category:  category,
		Code:      code,
		Message:   message,
		Cause:     cause,
		Retryable: isRetryable(category, code),
	}
}

// WithDetails returns a copy of the error with additional details.
func (e *CapsyncError) WithDetails(details map[string]interface{}) *CapsyncError {
	cp := *e
	cp.Details = details
	return &cp
}

// IsRetryable checks whether an error (or its chain) is retryable.
func IsRetryable(err error) bool {
	var ce *CapsyncError
	if errors.As(err, &ce) {
		return ce.Retryable
	}
	return false
}

// GetCategory extracts the error category from an error chain.
// Returns empty string if the error is not a CapsyncError.
func GetCategory(err error) ErrorCategory {
	var ce *CapsyncError
	if errors.As(err, &ce) {
		return ce.Category
	}
	return ""
}

// GetCode extracts the error code from an error chain.
// Returns empty string if the error is not a CapsyncError.
func GetCode(err error) string {
	var ce *CapsyncError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ""
}

// isRetryable determines if an error code is retryable. Download and sync
// failures are retried with backoff; lock denial is non-fatal and callers
// may retry or proceed read-only. Permission and corruption failures are
// never retried.
func isRetryable(category ErrorCategory, code string) bool {
	switch {
	case category == ErrCategoryDownload && code == CodeDownloadFailed:
		return true
	case category == ErrCategorySync && code == CodeConnectFailed:
		return true
	case category == ErrCategoryLock && code == CodeLockDenied:
		return true
	case category == ErrCategoryLock && code == CodeLockRequest:
		return true
	default:
		return false
	}
}

// Convenience constructors for common errors.

func NewDownloadError(code, message string, cause error) *CapsyncError {
	return Wrap(ErrCategoryDownload, code, message, cause)
}

func NewCorruptImageError(message string, cause error) *CapsyncError {
	return Wrap(ErrCategoryEngine, CodeCorruptImage, message, cause)
}

func NewLockError(code, message string, cause error) *CapsyncError {
	return Wrap(ErrCategoryLock, code, message, cause)
}

func NewPermissionError(message string) *CapsyncError {
	return New(ErrCategoryPermission, CodePermissionDenied, message)
}

func NewSyncError(code, message string, cause error) *CapsyncError {
	return Wrap(ErrCategorySync, code, message, cause)
}

func NewQueryError(message string, cause error) *CapsyncError {
	return Wrap(ErrCategoryQuery, CodeQueryFailed, message, cause)
}

func NewApplyChangesError(message string, cause error) *CapsyncError {
	return Wrap(ErrCategoryEngine, CodeApplyFailed, message, cause)
}

func NewInternalError(message string, cause error) *CapsyncError {
	return Wrap(ErrCategoryInternal, CodeUnexpected, message, cause)
}
