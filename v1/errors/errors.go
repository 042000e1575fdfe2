// Package errors defines the sentinel errors shared by every solves package
// and a small typed error used to carry the failing field or resource up to
// the transport layer.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrTimeout          = errors.New("timeout")
	ErrConnectionClosed = errors.New("connection closed")

	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrInvalid      = errors.New("invalid input")
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
	ErrLockHeld     = errors.New("lock held by another owner")
)

// Error wraps one of the sentinel kinds with context about what failed.
type Error struct {
	Kind    error
	Field   string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	switch {
	case e.Field != "" && e.Message != "":
		return fmt.Sprintf("%s: %s", e.Field, e.Message)
	case e.Message != "":
		return e.Message
	case e.Cause != nil:
		return fmt.Sprintf("%v: %v", e.Kind, e.Cause)
	default:
		return e.Kind.Error()
	}
}

// Unwrap exposes both the kind and the cause to errors.Is / errors.As.
func (e *Error) Unwrap() []error {
	if e.Cause != nil {
		return []error{e.Kind, e.Cause}
	}
	return []error{e.Kind}
}

// NotFound reports a missing resource.
func NotFound(resource, id string) *Error {
	msg := resource + " not found"
	if id != "" {
		msg = fmt.Sprintf("%s '%s' not found", resource, id)
	}
	return &Error{Kind: ErrNotFound, Message: msg}
}

// Invalid reports a validation failure on a single field.
func Invalid(field, message string) *Error {
	return &Error{Kind: ErrInvalid, Field: field, Message: message}
}

// Conflict reports a uniqueness or state conflict.
func Conflict(resource, field, value string) *Error {
	if field == "" {
		return &Error{Kind: ErrConflict, Message: resource + " already exists"}
	}
	return &Error{Kind: ErrConflict, Message: fmt.Sprintf("%s already exists with %s='%s'", resource, field, value)}
}

func Unauthorized(reason string) *Error {
	if reason == "" {
		reason = "unauthorized"
	}
	return &Error{Kind: ErrUnauthorized, Message: reason}
}

func Forbidden(action, resource string) *Error {
	return &Error{Kind: ErrForbidden, Message: fmt.Sprintf("permission denied: cannot %s %s", action, resource)}
}

func Internal(message string, cause error) *Error {
	return &Error{Kind: errors.New("internal error"), Message: message, Cause: cause}
}

// HTTPStatus maps an error to the status code the REST layer responds with.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalid):
		return http.StatusBadRequest
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrLockHeld):
		return http.StatusLocked
	case errors.Is(err, ErrTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// Code returns a stable machine readable code for err.
func Code(err error) string {
	switch HTTPStatus(err) {
	case http.StatusOK:
		return ""
	case http.StatusNotFound:
		return "NOT_FOUND"
	case http.StatusBadRequest:
		return "VALIDATION_ERROR"
	case http.StatusConflict:
		return "CONFLICT"
	case http.StatusUnauthorized:
		return "UNAUTHORIZED"
	case http.StatusForbidden:
		return "PERMISSION_DENIED"
	case http.StatusLocked:
		return "LOCKED"
	case http.StatusGatewayTimeout:
		return "TIMEOUT"
	default:
		return "INTERNAL_ERROR"
	}
}

// FieldOf returns the offending field of a validation error, if any.
func FieldOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Field
	}
	return ""
}
