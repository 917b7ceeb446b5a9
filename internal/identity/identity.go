// Package identity defines the contract with the external identity provider:
// the session and user models it issues, the change events it pushes, and the
// IdentitySource interface every consumer depends on. Sessions are only ever
// constructed from provider responses, never by hand.
package identity

import (
	"context"
	"time"
)

// User is the identity record backing a session.
type User struct {
	ID             string         `json:"id"`
	Email          string         `json:"email"`
	EmailConfirmed bool           `json:"email_confirmed"`
	Provider       string         `json:"provider"`
	CreatedAt      time.Time      `json:"created_at"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// Session is a server-issued authentication grant. AccessToken and
// RefreshToken are opaque to this service; ExpiresAt drives the refresher.
type Session struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
	User         User      `json:"user"`
}

// Expired reports whether the access token is past its expiry.
func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && now.After(s.ExpiresAt)
}

// SignUpProfile carries the optional profile fields accepted at registration.
type SignUpProfile struct {
	DisplayName string `json:"display_name,omitempty"`
}

// EventType enumerates session change notifications pushed by the provider.
type EventType string

const (
	EventSignedIn       EventType = "SIGNED_IN"
	EventTokenRefreshed EventType = "TOKEN_REFRESHED"
	EventSignedOut      EventType = "SIGNED_OUT"
	EventUserUpdated    EventType = "USER_UPDATED"
)

// Event is a session change notification. Session is nil for SIGNED_OUT.
type Event struct {
	Type    EventType
	Session *Session
}

//go:generate mockgen -source=identity.go -destination=mocks/identity_mocks.go -package=mocks IdentitySource

// IdentitySource is the full surface this service consumes from the identity
// provider. Session-returning calls either succeed with a provider-issued
// session or fail with a *ProviderError (wrapped as needed); they never
// return partial state.
type IdentitySource interface {
	// CurrentSession returns the session the source currently holds, or
	// (nil, nil) when signed out.
	CurrentSession(ctx context.Context) (*Session, error)

	// GetUser resolves the user behind an access token. Returns
	// sentinel.ErrNotFound (wrapped) when the token is valid but the account
	// record no longer exists.
	GetUser(ctx context.Context, accessToken string) (*User, error)

	SignInWithPassword(ctx context.Context, email, password string) (*Session, error)
	SignInWithProviderToken(ctx context.Context, provider, providerToken string) (*Session, error)
	SignUp(ctx context.Context, email, password string, profile SignUpProfile) (*Session, error)

	RequestPasswordReset(ctx context.Context, email string) error

	// UpdatePassword sets a new password for the session behind accessToken.
	// Used by the recovery flow, where no current password exists.
	UpdatePassword(ctx context.Context, accessToken, newPassword string) (*User, error)

	// ChangePassword rotates the password for an authenticated user and
	// requires the current password. Deliberately a separate contract from
	// UpdatePassword.
	ChangePassword(ctx context.Context, accessToken, currentPassword, newPassword string) (*User, error)

	// VerifyRecoveryToken exchanges a one-time email token for a session.
	VerifyRecoveryToken(ctx context.Context, tokenHash, tokenType string) (*Session, error)

	RefreshSession(ctx context.Context, refreshToken string) (*Session, error)
	SignOut(ctx context.Context, accessToken string) error

	// Subscribe registers for change events and returns an unsubscribe
	// function that is safe to call more than once.
	Subscribe(fn func(Event)) (unsubscribe func())
}
