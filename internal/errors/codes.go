package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents internal error codes for lake operations.
// Codes travel on the wire inside failure responses, so values are stable.
type ErrorCode uint32

const (
	// Success
	ErrCodeOK ErrorCode = 0

	// Client errors
	ErrCodeInvalidArgument ErrorCode = 1000
	ErrCodeNotFound        ErrorCode = 1001
	ErrCodeAlreadyExists   ErrorCode = 1002

	// Server errors
	ErrCodeInternal          ErrorCode = 2000
	ErrCodeUnavailable       ErrorCode = 2001
	ErrCodeStorageFailed     ErrorCode = 2002
	ErrCodeCommitFailed      ErrorCode = 2003
	ErrCodeProtocolViolation ErrorCode = 2004
)

var codeNames = map[ErrorCode]string{
	ErrCodeOK:                "ok",
	ErrCodeInvalidArgument:   "invalid_argument",
	ErrCodeNotFound:          "not_found",
	ErrCodeAlreadyExists:     "already_exists",
	ErrCodeInternal:          "internal",
	ErrCodeUnavailable:       "unavailable",
	ErrCodeStorageFailed:     "storage_failed",
	ErrCodeCommitFailed:      "commit_failed",
	ErrCodeProtocolViolation: "protocol_violation",
}

// String returns the snake_case name of the code
func (c ErrorCode) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("code_%d", uint32(c))
}

// LakeError represents a structured error with code and context
type LakeError struct {
	Code    ErrorCode
	Message string
	Details map[string]interface{}
	Cause   error
}

// Error implements the error interface
func (e *LakeError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *LakeError) Unwrap() error {
	return e.Cause
}

// Is matches another LakeError by code, so sentinel comparisons work
// across the wire where causes are lost.
func (e *LakeError) Is(target error) bool {
	t, ok := target.(*LakeError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// NewLakeError creates a new LakeError
func NewLakeError(code ErrorCode, message string, cause error) *LakeError {
	return &LakeError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
		Cause:   cause,
	}
}

// WithDetail adds a detail to the error
func (e *LakeError) WithDetail(key string, value interface{}) *LakeError {
	e.Details[key] = value
	return e
}

// Sentinels for errors.Is checks. Only the code is compared.
var (
	ErrNotFound      = &LakeError{Code: ErrCodeNotFound, Message: "not found"}
	ErrAlreadyExists = &LakeError{Code: ErrCodeAlreadyExists, Message: "already exists"}
	ErrInvalid       = &LakeError{Code: ErrCodeInvalidArgument, Message: "invalid argument"}
)

// Convenience constructors for common errors

func InvalidArgument(message string, cause error) *LakeError {
	return NewLakeError(ErrCodeInvalidArgument, message, cause)
}

func TableNotFound(table string) *LakeError {
	return NewLakeError(ErrCodeNotFound, fmt.Sprintf("table not found: %s", table), nil).
		WithDetail("table", table)
}

func TableAlreadyExists(table, location string) *LakeError {
	return NewLakeError(ErrCodeAlreadyExists, fmt.Sprintf("table already exists: %s at %s", table, location), nil).
		WithDetail("table", table).
		WithDetail("location", location)
}

func InternalError(message string, cause error) *LakeError {
	return NewLakeError(ErrCodeInternal, message, cause)
}

func Unavailable(message string, cause error) *LakeError {
	return NewLakeError(ErrCodeUnavailable, message, cause)
}

func StorageFailed(message string, cause error) *LakeError {
	return NewLakeError(ErrCodeStorageFailed, message, cause)
}

func CommitFailed(message string, cause error) *LakeError {
	return NewLakeError(ErrCodeCommitFailed, message, cause)
}

func ProtocolViolation(message string, cause error) *LakeError {
	return NewLakeError(ErrCodeProtocolViolation, message, cause)
}

// IsLakeError checks if an error is, or wraps, a LakeError
func IsLakeError(err error) bool {
	var le *LakeError
	return stderrors.As(err, &le)
}

// GetCode extracts the error code from an error chain
func GetCode(err error) ErrorCode {
	if err == nil {
		return ErrCodeOK
	}
	var le *LakeError
	if stderrors.As(err, &le) {
		return le.Code
	}
	return ErrCodeInternal
}
