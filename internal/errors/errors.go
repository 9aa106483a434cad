package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents a Margin error code.
type ErrorCode string

const (
	ErrInvalidRequest       ErrorCode = "INVALID_REQUEST"        // 400
	ErrUnauthorized         ErrorCode = "UNAUTHORIZED"           // 401
	ErrNotFound             ErrorCode = "NOT_FOUND"              // 404
	ErrConflict             ErrorCode = "CONFLICT"               // 409
	ErrMalformedOutput      ErrorCode = "MALFORMED_OUTPUT"       // 422
	ErrOverviewShapeInvalid ErrorCode = "OVERVIEW_SHAPE_INVALID" // 422
	ErrInternal             ErrorCode = "INTERNAL"               // 500
	ErrCaptureFailed        ErrorCode = "CAPTURE_FAILED"         // 502
	ErrOracleUnavailable    ErrorCode = "ORACLE_UNAVAILABLE"     // 503
)

// MarginError represents a structured error with code, status, and details.
type MarginError struct {
	Code    ErrorCode
	Status  int
	Message string
	Details map[string]any
	Cause   error
}

// Error implements the error interface.
func (e *MarginError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the underlying cause, if any.
func (e *MarginError) Unwrap() error {
	return e.Cause
}

// NewInvalidRequest creates a 400 error for invalid request parameters.
func NewInvalidRequest(msg string) *MarginError {
	return &MarginError{
		Code:    ErrInvalidRequest,
		Status:  400,
		Message: msg,
	}
}

// NewUnauthorized creates a 401 error for senders that are not allowed in.
func NewUnauthorized(msg string) *MarginError {
	return &MarginError{
		Code:    ErrUnauthorized,
		Status:  401,
		Message: msg,
	}
}

// NewNotFound creates a 404 error for a missing record.
func NewNotFound(kind, identifier string) *MarginError {
	return &MarginError{
		Code:    ErrNotFound,
		Status:  404,
		Message: fmt.Sprintf("%s not found: %s", kind, identifier),
		Details: map[string]any{"kind": kind, "identifier": identifier},
	}
}

// NewConflict creates a 409 error when a write raced another writer and
// lost, e.g. an overview swap whose base revision is stale.
func NewConflict(msg string) *MarginError {
	return &MarginError{
		Code:    ErrConflict,
		Status:  409,
		Message: msg,
	}
}

// NewMalformedOutput creates a 422 error for oracle output that does not fit
// the expected schema. field names the first violated field ("" when the
// payload could not be parsed at all).
func NewMalformedOutput(field, reason string) *MarginError {
	msg := reason
	if field != "" {
		msg = fmt.Sprintf("%s: %s", field, reason)
	}
	return &MarginError{
		Code:    ErrMalformedOutput,
		Status:  422,
		Message: msg,
		Details: map[string]any{"field": field},
	}
}

// NewOverviewShapeInvalid creates a 422 error for an overview replacement that
// fails the four-section structure check.
func NewOverviewShapeInvalid(reason string, details map[string]any) *MarginError {
	return &MarginError{
		Code:    ErrOverviewShapeInvalid,
		Status:  422,
		Message: reason,
		Details: details,
	}
}

// NewCaptureFailed creates a 502 error when the capture stage produced nothing usable.
func NewCaptureFailed(cause error) *MarginError {
	msg := "capture produced no usable result"
	if cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, cause)
	}
	return &MarginError{
		Code:    ErrCaptureFailed,
		Status:  502,
		Message: msg,
		Cause:   cause,
	}
}

// NewOracleUnavailable creates a 503 error for transport failures and timeouts.
func NewOracleUnavailable(provider string, cause error) *MarginError {
	msg := provider + " unavailable"
	if cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, cause)
	}
	return &MarginError{
		Code:    ErrOracleUnavailable,
		Status:  503,
		Message: msg,
		Details: map[string]any{"provider": provider},
		Cause:   cause,
	}
}

// NewInternal creates a 500 error for unexpected internal errors.
func NewInternal(err error) *MarginError {
	msg := "internal error"
	if err != nil {
		msg = err.Error()
	}
	return &MarginError{
		Code:    ErrInternal,
		Status:  500,
		Message: msg,
		Cause:   err,
	}
}

// Is reports whether any MarginError in err's chain carries the given code.
func Is(err error, code ErrorCode) bool {
	for err != nil {
		var mErr *MarginError
		if !stderrors.As(err, &mErr) {
			return false
		}
		if mErr.Code == code {
			return true
		}
		err = mErr.Cause
	}
	return false
}

// CodeOf returns the code of the outermost MarginError in err's chain, or
// ErrInternal for foreign errors.
func CodeOf(err error) ErrorCode {
	var mErr *MarginError
	if stderrors.As(err, &mErr) {
		return mErr.Code
	}
	return ErrInternal
}
