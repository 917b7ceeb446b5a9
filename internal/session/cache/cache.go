// Package cache stores server-side session snapshots keyed by the sid
// cookie, so browser requests can be associated with the provider session
// without shipping tokens to the client.
package cache

import (
	"context"
	"time"
)

// Entry is the server-side view of one browser session.
type Entry struct {
	SID          string    `json:"sid"`
	UserID       string    `json:"user_id"`
	Email        string    `json:"email"`
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Store defines how session entries are persisted. Implementations must
// treat entries as opaque and expire them at ExpiresAt.
type Store interface {
	Create(ctx context.Context, entry Entry) error
	// Get returns sentinel.ErrNotFound (wrapped) for unknown or expired sids.
	Get(ctx context.Context, sid string) (*Entry, error)
	Delete(ctx context.Context, sid string) error
}
