package models

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind is the closed set of error categories the platform surfaces.
type ErrorKind string

const (
	KindNotFound      ErrorKind = "not_found"
	KindValidation    ErrorKind = "validation"
	KindPermission    ErrorKind = "permission"
	KindConflict      ErrorKind = "conflict"
	KindProviderError ErrorKind = "provider_error"
	KindTokenRefresh  ErrorKind = "token_refresh"
	KindRateLimit     ErrorKind = "rate_limit"
	KindCancelled     ErrorKind = "cancelled"
)

// Error is the machine-readable error carried across component boundaries.
// Fields enumerates per-field validation reasons when Kind is validation.
type Error struct {
	Kind    ErrorKind         `json:"code"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
	Err     error             `json:"-"`
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// HTTPStatus maps the error kind to an HTTP status code.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindNotFound:
		return http.StatusNotFound
	case KindValidation:
		return http.StatusUnprocessableEntity
	case KindPermission:
		return http.StatusForbidden
	case KindConflict:
		return http.StatusConflict
	case KindRateLimit:
		return http.StatusTooManyRequests
	case KindTokenRefresh:
		return http.StatusUnauthorized
	default:
		return http.StatusBadGateway
	}
}

// NotFound builds a not-found error for the given resource.
func NotFound(resource, id string) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf("%s not found: %s", resource, id)}
}

// Validationf builds a validation error.
func Validationf(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

// ValidationFields builds a validation error with per-field reasons.
func ValidationFields(msg string, fields map[string]string) *Error {
	return &Error{Kind: KindValidation, Message: msg, Fields: fields}
}

// Permissionf builds a permission error.
func Permissionf(format string, args ...any) *Error {
	return &Error{Kind: KindPermission, Message: fmt.Sprintf(format, args...)}
}

// Conflictf builds an illegal-state-transition error.
func Conflictf(format string, args ...any) *Error {
	return &Error{Kind: KindConflict, Message: fmt.Sprintf(format, args...)}
}

// ProviderErrorf builds a non-retryable third-party failure.
func ProviderErrorf(err error, format string, args ...any) *Error {
	return &Error{Kind: KindProviderError, Message: fmt.Sprintf(format, args...), Err: err}
}

// TokenRefreshf builds a token-refresh failure.
func TokenRefreshf(err error, format string, args ...any) *Error {
	return &Error{Kind: KindTokenRefresh, Message: fmt.Sprintf(format, args...), Err: err}
}

// RateLimitf builds a retry-budget-exceeded 429 error.
func RateLimitf(format string, args ...any) *Error {
	return &Error{Kind: KindRateLimit, Message: fmt.Sprintf(format, args...)}
}

// KindOf extracts the error kind, or empty string for unclassified errors.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// ErrFileSkipped is the distinguished non-error outcome of the file
// downloader: the file was deliberately not downloaded (too large,
// unsupported type). Drivers treat it as a skip, never as a failure.
var ErrFileSkipped = errors.New("file skipped")
