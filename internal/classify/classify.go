// Package classify maps raw failures into the apperrors taxonomy. Every raw
// error is classified exactly once, at the boundary where it is first
// caught; classification is idempotent so a double pass cannot re-wrap.
//
// Matching is adapter-first: the provider's machine-readable error codes are
// consulted before any message-pattern fallback, so the brittle substring
// matching only runs for legacy responses that carry no code.
package classify

import (
	"context"
	"errors"
	"net"
	"strings"

	"passage/internal/identity"
	"passage/pkg/apperrors"
)

// Classify normalizes err into a classified error. A nil err yields nil; an
// err that already carries an *apperrors.Error is returned unchanged.
// Provider-originated failures are always operational: they are expected
// outcomes, not bugs.
func Classify(err error) *apperrors.Error {
	if err == nil {
		return nil
	}
	if appErr, ok := apperrors.As(err); ok {
		return appErr
	}

	var provErr *identity.ProviderError
	if errors.As(err, &provErr) {
		return fromProvider(provErr)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return apperrors.Wrap(err, apperrors.CodeNetworkTimeout, "the request timed out, please try again")
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		code := apperrors.CodeNetworkUnavailable
		if netErr.Timeout() {
			code = apperrors.CodeNetworkTimeout
		}
		return apperrors.Wrap(err, code, "could not reach the authentication service")
	}

	return fromMessage(err, err.Error())
}

// fromProvider matches on the provider's error code, falling back to the
// message patterns when the code is absent or unknown.
func fromProvider(provErr *identity.ProviderError) *apperrors.Error {
	switch provErr.ErrorCode {
	case "invalid_credentials", "invalid_grant":
		return apperrors.Wrap(provErr, apperrors.CodeInvalidCredentials, provErr.Message)
	case "user_already_exists", "email_exists":
		return duplicateRegistration(provErr)
	case "email_not_confirmed":
		return apperrors.Wrap(provErr, apperrors.CodeEmailNotConfirmed, provErr.Message)
	case "weak_password":
		return apperrors.Wrap(provErr, apperrors.CodeWeakPassword, provErr.Message)
	case "over_request_rate_limit", "over_email_send_rate_limit":
		return apperrors.Wrap(provErr, apperrors.CodeRateLimited, provErr.Message).
			WithContext("retryable", true)
	case "refresh_token_not_found", "refresh_token_already_used":
		return refreshFailure(provErr, provErr.Message)
	case "user_not_found":
		return apperrors.Wrap(provErr, apperrors.CodeUserNotFound, provErr.Message)
	}

	return fromMessage(provErr, provErr.Message)
}

// fromMessage is the last-resort substring matcher for error shapes that
// carry no structured code.
func fromMessage(cause error, message string) *apperrors.Error {
	lower := strings.ToLower(message)

	if strings.Contains(lower, "refresh token") &&
		(strings.Contains(lower, "not found") ||
			strings.Contains(lower, "expired") ||
			strings.Contains(lower, "already used") ||
			strings.Contains(lower, "invalid")) {
		return refreshFailure(cause, message)
	}

	switch {
	case strings.Contains(lower, "invalid login credentials"),
		strings.Contains(lower, "invalid email"),
		strings.Contains(lower, "invalid password"),
		strings.Contains(lower, "invalid credentials"):
		return apperrors.Wrap(cause, apperrors.CodeInvalidCredentials, message)
	case strings.Contains(lower, "already registered"),
		strings.Contains(lower, "already exists"),
		strings.Contains(lower, "already in use"):
		return duplicateRegistration(cause)
	case strings.Contains(lower, "rate limit"),
		strings.Contains(lower, "too many requests"):
		return apperrors.Wrap(cause, apperrors.CodeRateLimited, message).
			WithContext("retryable", true)
	case strings.Contains(lower, "email not confirmed"):
		return apperrors.Wrap(cause, apperrors.CodeEmailNotConfirmed, message)
	}

	return apperrors.Wrap(cause, apperrors.CodeUnknownAuth, message)
}

func duplicateRegistration(cause error) *apperrors.Error {
	return apperrors.Wrap(cause, apperrors.CodeEmailAlreadyInUse, "this email is already registered").
		WithContext("should_switch_to_login", true)
}

func refreshFailure(cause error, message string) *apperrors.Error {
	return apperrors.Wrap(cause, apperrors.CodeSessionExpired, "your session has expired, please sign in again").
		WithContext("refresh_failure", true).
		WithContext("provider_message", message)
}

// IsRefreshFailure reports whether err is a failed refresh-token exchange.
// These are recovered silently: local state is cleared and no error reaches
// the UI, since the remedial action is self-evident from the absent session.
func IsRefreshFailure(err error) bool {
	appErr := Classify(err)
	if appErr == nil {
		return false
	}
	if appErr.Code != apperrors.CodeSessionExpired {
		return false
	}
	flagged, ok := appErr.Context["refresh_failure"].(bool)
	return ok && flagged
}
