// Package errors provides the structured error system for querycache: error codes,
// categories, retry hints and the typed QueryError surfaced by query execution.
package errors

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ErrorCode represents a structured error code.
type ErrorCode string

// Error code constants grouped by category.
const (
	// Configuration
	ErrCodeInvalidConfig    ErrorCode = "INVALID_CONFIG"
	ErrCodeMissingConfig    ErrorCode = "MISSING_CONFIG"
	ErrCodeConfigValidation ErrorCode = "CONFIG_VALIDATION"
	ErrCodeConfigLoad       ErrorCode = "CONFIG_LOAD"
	ErrCodeConfigSave       ErrorCode = "CONFIG_SAVE"

	// Connection
	ErrCodeConnectionFailed  ErrorCode = "CONNECTION_FAILED"
	ErrCodeConnectionTimeout ErrorCode = "CONNECTION_TIMEOUT"
	ErrCodeNetworkError      ErrorCode = "NETWORK_ERROR"
	ErrCodeCircuitOpen       ErrorCode = "CIRCUIT_OPEN"

	// Cache
	ErrCodeCacheRead      ErrorCode = "CACHE_READ"
	ErrCodeCacheWrite     ErrorCode = "CACHE_WRITE"
	ErrCodeCacheCorrupted ErrorCode = "CACHE_CORRUPTED"
	ErrCodeQuotaExceeded  ErrorCode = "QUOTA_EXCEEDED"

	// Query
	ErrCodeQueryFailed   ErrorCode = "QUERY_FAILED"
	ErrCodeQueryNotFound ErrorCode = "QUERY_NOT_FOUND"
	ErrCodeQueryInvalid  ErrorCode = "QUERY_INVALID"

	// Batch
	ErrCodeBatchNotFound     ErrorCode = "BATCH_NOT_FOUND"
	ErrCodeBatchNotRunning   ErrorCode = "BATCH_NOT_RUNNING"
	ErrCodeTransactionFailed ErrorCode = "BATCH_TRANSACTION_FAILED"

	// Operation
	ErrCodeOperationTimeout  ErrorCode = "OPERATION_TIMEOUT"
	ErrCodeOperationCanceled ErrorCode = "OPERATION_CANCELED"
	ErrCodeOperationFailed   ErrorCode = "OPERATION_FAILED"
	ErrCodeRetryExhausted    ErrorCode = "RETRY_EXHAUSTED"
	ErrCodeValidationFailed  ErrorCode = "VALIDATION_FAILED"

	// State
	ErrCodeNotInitialized     ErrorCode = "NOT_INITIALIZED"
	ErrCodeComponentStopped   ErrorCode = "COMPONENT_STOPPED"
	ErrCodeServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"

	// Internal
	ErrCodeInternalError ErrorCode = "INTERNAL_ERROR"
	ErrCodeUnknownError  ErrorCode = "UNKNOWN_ERROR"
)

// ErrorCategory represents the general category of an error.
type ErrorCategory string

const (
	CategoryConfiguration ErrorCategory = "configuration"
	CategoryConnection    ErrorCategory = "connection"
	CategoryCache         ErrorCategory = "cache"
	CategoryQuery         ErrorCategory = "query"
	CategoryBatch         ErrorCategory = "batch"
	CategoryOperation     ErrorCategory = "operation"
	CategoryState         ErrorCategory = "state"
	CategoryInternal      ErrorCategory = "internal"
)

// Error represents a structured error with context and metadata.
type Error struct {
	Code     ErrorCode              `json:"code"`
	Category ErrorCategory          `json:"category"`
	Message  string                 `json:"message"`
	Details  map[string]interface{} `json:"details,omitempty"`

	Context   map[string]string `json:"context,omitempty"`
	Cause     error             `json:"-"`
	Timestamp time.Time         `json:"timestamp"`

	Component string `json:"component,omitempty"`
	Operation string `json:"operation,omitempty"`

	Retryable  bool `json:"retryable"`
	HTTPStatus int  `json:"http_status,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Component != "" {
		if e.Operation != "" {
			msg = fmt.Sprintf("[%s:%s] %s", e.Component, e.Operation, msg)
		} else {
			msg = fmt.Sprintf("[%s] %s", e.Component, msg)
		}
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches errors by code so errors.Is(err, NewError(code, "")) works.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// String returns a detailed representation for logging.
func (e *Error) String() string {
	parts := []string{
		fmt.Sprintf("Code=%s", e.Code),
		fmt.Sprintf("Category=%s", e.Category),
		fmt.Sprintf("Message=%q", e.Message),
	}
	if e.Component != "" {
		parts = append(parts, fmt.Sprintf("Component=%s", e.Component))
	}
	if e.Operation != "" {
		parts = append(parts, fmt.Sprintf("Operation=%s", e.Operation))
	}
	if e.Retryable {
		parts = append(parts, "Retryable=true")
	}
	if len(e.Details) > 0 {
		details, _ := json.Marshal(e.Details)
		parts = append(parts, fmt.Sprintf("Details=%s", details))
	}
	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("Cause=%q", e.Cause.Error()))
	}
	return fmt.Sprintf("Error{%s}", strings.Join(parts, ", "))
}

// NewError creates a new error with defaults derived from the code.
func NewError(code ErrorCode, message string) *Error {
	return &Error{
		Code:       code,
		Category:   GetCategory(code),
		Message:    message,
		Timestamp:  time.Now(),
		Details:    make(map[string]interface{}),
		Context:    make(map[string]string),
		Retryable:  IsRetryableByDefault(code),
		HTTPStatus: GetDefaultHTTPStatus(code),
	}
}

// Newf creates a new error with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *Error {
	return NewError(code, fmt.Sprintf(format, args...))
}

// Wrap creates a new error with the given cause.
func Wrap(cause error, code ErrorCode, message string) *Error {
	return NewError(code, message).WithCause(cause)
}

// GetCategory determines the category based on the error code.
func GetCategory(code ErrorCode) ErrorCategory {
	c := string(code)
	switch {
	case strings.HasPrefix(c, "INVALID_CONFIG") || strings.HasPrefix(c, "MISSING_CONFIG") ||
		strings.HasPrefix(c, "CONFIG_"):
		return CategoryConfiguration
	case strings.HasPrefix(c, "CONNECTION_") || strings.HasPrefix(c, "NETWORK_") ||
		strings.HasPrefix(c, "CIRCUIT_"):
		return CategoryConnection
	case strings.HasPrefix(c, "CACHE_") || strings.HasPrefix(c, "QUOTA_"):
		return CategoryCache
	case strings.HasPrefix(c, "QUERY_"):
		return CategoryQuery
	case strings.HasPrefix(c, "BATCH_"):
		return CategoryBatch
	case strings.HasPrefix(c, "OPERATION_") || strings.HasPrefix(c, "RETRY_") ||
		strings.HasPrefix(c, "VALIDATION_"):
		return CategoryOperation
	case strings.HasPrefix(c, "NOT_INITIALIZED") || strings.HasPrefix(c, "COMPONENT_") ||
		strings.HasPrefix(c, "SERVICE_"):
		return CategoryState
	default:
		return CategoryInternal
	}
}

// IsRetryableByDefault determines if an error code is retryable by default.
func IsRetryableByDefault(code ErrorCode) bool {
	switch code {
	case ErrCodeConnectionTimeout, ErrCodeConnectionFailed, ErrCodeNetworkError,
		ErrCodeOperationTimeout, ErrCodeServiceUnavailable, ErrCodeInternalError:
		return true
	}
	return false
}

// GetDefaultHTTPStatus returns the default HTTP status for an error code.
func GetDefaultHTTPStatus(code ErrorCode) int {
	switch code {
	case ErrCodeInvalidConfig, ErrCodeConfigValidation, ErrCodeValidationFailed, ErrCodeQueryInvalid:
		return 400
	case ErrCodeQueryNotFound, ErrCodeBatchNotFound:
		return 404
	case ErrCodeBatchNotRunning:
		return 409
	case ErrCodeQuotaExceeded:
		return 429
	case ErrCodeServiceUnavailable, ErrCodeCircuitOpen:
		return 503
	case ErrCodeOperationTimeout, ErrCodeConnectionTimeout:
		return 504
	}
	return 500
}

// WithContext adds contextual information to an error.
func (e *Error) WithContext(key, value string) *Error {
	if e.Context == nil {
		e.Context = make(map[string]string)
	}
	e.Context[key] = value
	return e
}

// WithDetail adds detailed information to an error.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithComponent sets the component for an error.
func (e *Error) WithComponent(component string) *Error {
	e.Component = component
	return e
}

// WithOperation sets the operation for an error.
func (e *Error) WithOperation(operation string) *Error {
	e.Operation = operation
	return e
}

// WithCause sets the underlying cause.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithRetryable overrides the retry hint.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// HasCode reports whether err (or anything it wraps) is an *Error with the given code.
func HasCode(err error, code ErrorCode) bool {
	for err != nil {
		if e, ok := err.(*Error); ok && e.Code == code {
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
