package sentinel

import "errors"

// Sentinel errors for infrastructure facts. Stores and clients return these
// (optionally wrapped) so callers can translate them into classified errors.
//
// These represent factual states about resources, not validation failures:
// - ErrNotFound: entity does not exist (user record, cached session, reason key)
// - ErrExpired: token or session has passed its expiry
// - ErrAlreadyUsed: one-time credential (recovery token) already consumed
// - ErrUnavailable: backing service temporarily unreachable
var (
	ErrNotFound    = errors.New("not found")
	ErrExpired     = errors.New("expired")
	ErrAlreadyUsed = errors.New("already used")
	ErrUnavailable = errors.New("unavailable")
)
