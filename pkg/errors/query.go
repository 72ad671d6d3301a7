package errors

import (
	stderr "errors"
	"fmt"
)

// PostgREST code returned when single-row semantics find no row.
const CodeNoRows = "PGRST116"

// QueryError is returned by query execution once retries are exhausted or the
// data source rejects a request. Callers branch on Code.
type QueryError struct {
	Message  string `json:"message"`
	Code     string `json:"code,omitempty"`
	Details  string `json:"details,omitempty"`
	Hint     string `json:"hint,omitempty"`
	Table    string `json:"table,omitempty"`
	Attempts int    `json:"attempts,omitempty"`
	Cause    error  `json:"-"`
}

// Error implements the error interface.
func (e *QueryError) Error() string {
	msg := e.Message
	if e.Code != "" {
		msg = fmt.Sprintf("(%s) %s", e.Code, msg)
	}
	if e.Table != "" {
		msg = fmt.Sprintf("query on %s failed: %s", e.Table, msg)
	}
	return msg
}

// Unwrap returns the last underlying failure.
func (e *QueryError) Unwrap() error {
	return e.Cause
}

// NotFound reports whether the error signals a missing row.
func (e *QueryError) NotFound() bool {
	return e.Code == CodeNoRows
}

// RemoteError is implemented by data-source errors that carry PostgREST style fields.
type RemoteError interface {
	error
	ErrorCode() string
	ErrorDetails() string
	ErrorHint() string
}

// NewQueryError builds a QueryError from the last failure of a query.
func NewQueryError(table string, attempts int, cause error) *QueryError {
	qe := &QueryError{
		Table:    table,
		Attempts: attempts,
		Cause:    cause,
	}
	if cause == nil {
		qe.Message = "unknown query failure"
		return qe
	}

	var existing *QueryError
	if stderr.As(cause, &existing) {
		cp := *existing
		cp.Table = table
		cp.Attempts = attempts
		return &cp
	}

	qe.Message = cause.Error()
	var remote RemoteError
	if stderr.As(cause, &remote) {
		qe.Message = remote.Error()
		qe.Code = remote.ErrorCode()
		qe.Details = remote.ErrorDetails()
		qe.Hint = remote.ErrorHint()
		return qe
	}
	var e *Error
	if stderr.As(cause, &e) {
		qe.Code = string(e.Code)
		qe.Message = e.Message
	}
	return qe
}
