// Package errs defines the closed set of API error codes and a typed
// Error that services return. The HTTP layer is the only place that
// translates an Error into a response envelope.
package errs

import (
	"fmt"
	"net/http"
)

// Code is one of the closed set of error codes the API surfaces.
type Code string

const (
	CodeValidation        Code = "VALIDATION_ERROR"
	CodeInvalidEmail      Code = "INVALID_EMAIL"
	CodeWeakPassword      Code = "WEAK_PASSWORD"
	CodeInvalidTransition Code = "INVALID_TRANSITION"

	CodeInvalidCredentials Code = "INVALID_CREDENTIALS"
	CodeMissingToken       Code = "MISSING_TOKEN"
	CodeInvalidTokenFormat Code = "INVALID_TOKEN_FORMAT"
	CodeInvalidToken       Code = "INVALID_TOKEN"
	CodeTokenExpired       Code = "TOKEN_EXPIRED"
	CodeTokenRevoked       Code = "TOKEN_REVOKED"

	CodeForbidden   Code = "FORBIDDEN"
	CodeUnauthorized Code = "UNAUTHORIZED"

	CodeNotFound        Code = "NOT_FOUND"
	CodeEmailExists     Code = "EMAIL_EXISTS"
	CodeDuplicateClient Code = "DUPLICATE_CLIENT"

	CodeRateLimitExceeded Code = "RATE_LIMIT_EXCEEDED"

	CodeGeocodingError    Code = "GEOCODING_ERROR"
	CodeOutsideServiceArea Code = "OUTSIDE_SERVICE_AREA"

	CodeInternal           Code = "INTERNAL_ERROR"
	CodeServiceUnavailable Code = "SERVICE_UNAVAILABLE"
)

// statusByCode is the stable HTTP status for each closed error code (§7).
var statusByCode = map[Code]int{
	CodeValidation:         http.StatusBadRequest,
	CodeInvalidEmail:       http.StatusBadRequest,
	CodeWeakPassword:       http.StatusBadRequest,
	CodeInvalidTransition:  http.StatusBadRequest,
	CodeInvalidCredentials: http.StatusUnauthorized,
	CodeMissingToken:       http.StatusUnauthorized,
	CodeInvalidTokenFormat: http.StatusUnauthorized,
	CodeInvalidToken:       http.StatusUnauthorized,
	CodeTokenExpired:       http.StatusUnauthorized,
	CodeTokenRevoked:       http.StatusUnauthorized,
	CodeForbidden:          http.StatusForbidden,
	CodeUnauthorized:       http.StatusForbidden,
	CodeNotFound:           http.StatusNotFound,
	CodeEmailExists:        http.StatusConflict,
	CodeDuplicateClient:    http.StatusConflict,
	CodeRateLimitExceeded:  http.StatusTooManyRequests,
	CodeGeocodingError:     http.StatusBadRequest,
	CodeOutsideServiceArea: http.StatusBadRequest,
	CodeInternal:           http.StatusInternalServerError,
	CodeServiceUnavailable: http.StatusServiceUnavailable,
}

// Status returns the stable HTTP status for a code, defaulting to 500 for
// any code not in the closed set (should not happen for values minted via
// New/Wrap below).
func (c Code) Status() int {
	if s, ok := statusByCode[c]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// Error is a typed service error carrying a closed-set code, a message
// safe to return to clients, and optional field-level details.
type Error struct {
	Code    Code
	Message string
	Details map[string]any
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New creates an Error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates an Error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithDetails attaches field-level details (e.g. validation errors) and
// returns the same Error for chaining.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// Wrap attaches an internal cause to an Error without leaking it in
// Message; HTTP handlers log the cause and never return it to the client.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, cause: cause}
}

// Internal wraps an unexpected error as CodeInternal; HTTP handlers log
// the underlying cause and respond with a generic message.
func Internal(cause error) *Error {
	return &Error{Code: CodeInternal, Message: "internal server error", cause: cause}
}

// As extracts an *Error from err, or returns a generic internal error
// wrapping err if it is not already typed.
func As(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if ok := asError(err, &e); ok {
		return e
	}
	return Internal(err)
}

func asError(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
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
