// Package apperrors defines the classified error taxonomy shared by every
// layer. An Error is created exactly once, at the boundary where a raw
// failure is first observed, and never re-wrapped further up the call chain.
package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is a namespaced, stable error identifier. The namespace before the
// slash groups errors by origin: AUTH for identity-provider outcomes,
// NETWORK for transport failures, VALIDATION for rejected input, INTERNAL
// for programming faults.
type Code string

const (
	CodeInvalidCredentials Code = "AUTH/INVALID_CREDENTIALS"
	CodeEmailAlreadyInUse  Code = "AUTH/EMAIL_ALREADY_IN_USE"
	CodeEmailNotConfirmed  Code = "AUTH/EMAIL_NOT_CONFIRMED"
	CodeWeakPassword       Code = "AUTH/WEAK_PASSWORD"
	CodeRateLimited        Code = "AUTH/RATE_LIMITED"
	CodeSessionExpired     Code = "AUTH/SESSION_EXPIRED"
	CodeUserNotFound       Code = "AUTH/USER_NOT_FOUND"
	CodeUnknownAuth        Code = "AUTH/UNKNOWN"

	CodeNetworkTimeout     Code = "NETWORK/TIMEOUT"
	CodeNetworkUnavailable Code = "NETWORK/UNAVAILABLE"

	CodeInvalidInput Code = "VALIDATION/INVALID_INPUT"
	CodeInvalidLink  Code = "VALIDATION/INVALID_LINK"

	CodeInternal Code = "INTERNAL/UNEXPECTED"
)

// Error carries a classified failure. Message is safe for end-user display;
// diagnostic detail (raw provider payloads, stack fragments, internal IDs)
// belongs only in Context.
type Error struct {
	Code        Code
	Message     string
	Context     map[string]any
	StatusCode  int
	Operational bool

	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New builds an operational error: an expected, user-facing outcome rather
// than a bug.
func New(code Code, message string) *Error {
	return &Error{
		Code:        code,
		Message:     message,
		StatusCode:  ToHTTPStatus(code),
		Operational: true,
	}
}

// Wrap attaches a code and display message to an underlying cause. The cause
// stays reachable through errors.Is/As but never leaks into Message.
func Wrap(err error, code Code, message string) *Error {
	return &Error{
		Code:        code,
		Message:     message,
		StatusCode:  ToHTTPStatus(code),
		Operational: true,
		cause:       err,
	}
}

// Unexpected marks a defensive catch: a programming or infrastructure fault
// that should be reported to monitoring and shown to the user only as a
// generic message.
func Unexpected(err error, message string) *Error {
	return &Error{
		Code:        CodeInternal,
		Message:     message,
		StatusCode:  http.StatusInternalServerError,
		Operational: false,
		cause:       err,
	}
}

// WithContext returns e with a context entry set. Intended for use in the
// same expression that constructs the error; classified errors are not
// mutated after they leave their construction site.
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// As extracts an *Error from anywhere in err's chain.
func As(err error) (*Error, bool) {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code Code) bool {
	if appErr, ok := As(err); ok {
		return appErr.Code == code
	}
	return false
}

// ToHTTPStatus maps a code to its HTTP-equivalent status.
func ToHTTPStatus(code Code) int {
	switch code {
	case CodeInvalidCredentials, CodeSessionExpired:
		return http.StatusUnauthorized
	case CodeEmailAlreadyInUse:
		return http.StatusConflict
	case CodeEmailNotConfirmed:
		return http.StatusForbidden
	case CodeUserNotFound:
		return http.StatusNotFound
	case CodeWeakPassword, CodeInvalidInput, CodeInvalidLink:
		return http.StatusBadRequest
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeNetworkTimeout:
		return http.StatusGatewayTimeout
	case CodeNetworkUnavailable:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
