// Package errors provides coded application errors shared by every layer of
// the onboarding service. Business-rule codes are returned to callers as-is
// and are never retried; PERSISTENCE is surfaced to infrastructure.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// Code classifies an application error.
type Code string

const (
	ErrCodeNotFound             Code = "NOT_FOUND"
	ErrCodeInvalidInput         Code = "INVALID_INPUT"
	ErrCodeUnauthorized         Code = "UNAUTHORIZED"
	ErrCodeStaleStage           Code = "STALE_STAGE"
	ErrCodeDuplicateApplication Code = "DUPLICATE_APPLICATION"
	ErrCodeConflict             Code = "CONFLICT"
	ErrCodeStepExecution        Code = "STEP_EXECUTION"
	ErrCodeStepExhausted        Code = "STEP_EXHAUSTED"
	ErrCodePersistence          Code = "PERSISTENCE"
	ErrCodeInternal             Code = "INTERNAL"
)

// Error is the concrete error type returned by services and repositories.
type Error struct {
	Code    Code
	Message string
	Field   string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Field != "" {
		msg = fmt.Sprintf("%s: %s", e.Field, msg)
	}
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, msg, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error carrying the same code, so callers can compare
// against the sentinel values below.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code && t.Message == "" && t.Field == ""
}

// Sentinels for errors.Is comparisons.
var (
	ErrNotFound             = &Error{Code: ErrCodeNotFound}
	ErrValidation           = &Error{Code: ErrCodeInvalidInput}
	ErrAuthorization        = &Error{Code: ErrCodeUnauthorized}
	ErrStaleStage           = &Error{Code: ErrCodeStaleStage}
	ErrDuplicateApplication = &Error{Code: ErrCodeDuplicateApplication}
	ErrStepExecution        = &Error{Code: ErrCodeStepExecution}
	ErrStepExhausted        = &Error{Code: ErrCodeStepExhausted}
	ErrPersistence          = &Error{Code: ErrCodePersistence}
)

// New creates an error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap annotates err with a code and message. Returns nil when err is nil.
func Wrap(err error, code Code, message string) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: message, Err: err}
}

// NotFound reports a missing resource.
func NotFound(resource, id string) *Error {
	return &Error{Code: ErrCodeNotFound, Message: fmt.Sprintf("%s '%s' not found", resource, id)}
}

// InvalidInput reports a malformed request field.
func InvalidInput(field, message string) *Error {
	return &Error{Code: ErrCodeInvalidInput, Field: field, Message: message}
}

// Persistence wraps a store failure.
func Persistence(err error, message string) error {
	return Wrap(err, ErrCodePersistence, message)
}

// CodeOf returns the code of the first *Error in err's chain, or INTERNAL.
func CodeOf(err error) Code {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Code
	}
	return ErrCodeInternal
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool { return stderrors.Is(err, target) }

// As finds the first error in err's chain that matches target.
func As(err error, target any) bool { return stderrors.As(err, target) }

// HTTPStatus maps an error to the status code the HTTP handler returns.
func HTTPStatus(err error) int {
	switch CodeOf(err) {
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeInvalidInput:
		return http.StatusBadRequest
	case ErrCodeUnauthorized:
		return http.StatusForbidden
	case ErrCodeStaleStage, ErrCodeDuplicateApplication, ErrCodeConflict:
		return http.StatusConflict
	case ErrCodePersistence:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
