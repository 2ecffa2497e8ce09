// Package errors provides standardized error types for the query execution layer.
package errors

import (
	"errors"
	"fmt"
)

// Error codes for the execution layer.
const (
	CodeInvalidRequest      = "INVALID_REQUEST"
	CodePoolExhausted       = "POOL_EXHAUSTED"
	CodeConnectionFailed    = "CONNECTION_FAILED"
	CodeConnectionUnhealthy = "CONNECTION_UNHEALTHY"
	CodeQueryFailed         = "QUERY_FAILED"
	CodeStatementFailed     = "STATEMENT_FAILED"
	CodeTransactionFailed   = "TRANSACTION_FAILED"
	CodeTransactionPartial  = "TRANSACTION_PARTIAL"
	CodeDeadlineExceeded    = "DEADLINE_EXCEEDED"
	CodeCanceled            = "CANCELED"
	CodeInternal            = "INTERNAL_ERROR"
	CodeUnavailable         = "UNAVAILABLE"
)

// Error represents an execution-layer error with code, message, and optional details.
type Error struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
	Cause   error                  `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is implements error comparison by code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// WithDetail adds a single detail to the error.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// Common errors
var (
	ErrPoolExhausted       = &Error{Code: CodePoolExhausted, Message: "connection pool exhausted"}
	ErrPoolClosed          = &Error{Code: CodeUnavailable, Message: "connection pool is closed"}
	ErrConnectionFailed    = &Error{Code: CodeConnectionFailed, Message: "database connection failed"}
	ErrConnectionUnhealthy = &Error{Code: CodeConnectionUnhealthy, Message: "connection retired after repeated failures"}
	ErrInvalidQuery        = &Error{Code: CodeInvalidRequest, Message: "invalid query"}
	ErrQueryTimeout        = &Error{Code: CodeDeadlineExceeded, Message: "query execution timeout"}
	ErrStatementFailed     = &Error{Code: CodeStatementFailed, Message: "statement preparation failed"}
	ErrTransactionPartial  = &Error{Code: CodeTransactionPartial, Message: "transaction partially applied"}
)

// New creates a new Error with the given code and message.
func New(code, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an error with an execution-layer error.
func Wrap(err error, code, message string) *Error {
	if err == nil {
		return nil
	}
	return &Error{
		Code:    code,
		Message: message,
		Cause:   err,
	}
}

// Wrapf wraps an error with a formatted message.
func Wrapf(err error, code, format string, args ...interface{}) *Error {
	if err == nil {
		return nil
	}
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Cause:   err,
	}
}

// IsPoolExhausted checks if an error is a pool exhaustion error.
func IsPoolExhausted(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == CodePoolExhausted
	}
	return false
}

// IsDeadlineExceeded checks if an error is an execution timeout error.
func IsDeadlineExceeded(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == CodeDeadlineExceeded
	}
	return false
}

// IsTransactionPartial checks if an error reports a partially applied transaction.
func IsTransactionPartial(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == CodeTransactionPartial
	}
	return false
}

// GetCode extracts the error code from an error.
func GetCode(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// GetMessage extracts the error message from an error.
func GetMessage(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return err.Error()
}
