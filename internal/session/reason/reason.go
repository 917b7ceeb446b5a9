// Package reason persists sign-out reasons for a few seconds so the next
// page render can explain why the user is signed out. Entries are consumed
// on first read and expire on their own either way.
package reason

import (
	"context"
	"net/http"
	"sync"
	"time"

	"passage/pkg/sentinel"
)

// TTL bounds how long a recorded reason survives. The sign-out and the
// redirect that follows happen in different request cycles, but never more
// than a few seconds apart.
const TTL = 5 * time.Second

// CookieName is the transient cookie carrying the reason to the next render.
const CookieName = "signout-reason"

// Store records and consumes sign-out reasons keyed by user ID.
type Store interface {
	Record(ctx context.Context, userID, reason string) error
	// Consume returns the recorded reason and deletes it. Returns
	// sentinel.ErrNotFound when nothing is recorded or it already expired.
	Consume(ctx context.Context, userID string) (string, error)
}

type memoryEntry struct {
	reason    string
	expiresAt time.Time
}

// MemoryStore is the in-process implementation, used when redis is not
// configured and in tests.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]memoryEntry)}
}

func (s *MemoryStore) Record(_ context.Context, userID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[userID] = memoryEntry{reason: reason, expiresAt: time.Now().Add(TTL)}
	return nil
}

func (s *MemoryStore) Consume(_ context.Context, userID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[userID]
	if !ok {
		return "", sentinel.ErrNotFound
	}
	delete(s.entries, userID)
	if time.Now().After(entry.expiresAt) {
		return "", sentinel.ErrNotFound
	}
	return entry.reason, nil
}

// SetCookie writes the transient reason cookie.
func SetCookie(w http.ResponseWriter, reason string, secure bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    reason,
		Path:     "/",
		MaxAge:   int(TTL.Seconds()),
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// ReadAndClearCookie returns the reason from the request cookie, if any, and
// instructs the client to drop it so the explanation shows exactly once.
func ReadAndClearCookie(w http.ResponseWriter, r *http.Request) (string, bool) {
	cookie, err := r.Cookie(CookieName)
	if err != nil || cookie.Value == "" {
		return "", false
	}
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	return cookie.Value, true
}
