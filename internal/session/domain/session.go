package domain

import "time"

// State is the lifecycle state of a refresh session.
// Consumed, Expired and Invalidated are terminal; no transition leaves them.
type State string

const (
	StateIssued      State = "issued"
	StateConsumed    State = "consumed"
	StateExpired     State = "expired"
	StateInvalidated State = "invalidated"
)

// Session is the server-side record of one refresh token. Only the SHA-256 hash of
// the token is stored; the raw token is never persisted.
type Session struct {
	ID         string
	UserID     string
	TokenHash  string
	ExpiresAt  time.Time
	CreatedAt  time.Time
	ConsumedAt *time.Time // set once by a successful rotation
	RevokedAt  *time.Time // set by logout or a security response
	UserAgent  string
	IPAddress  string
}

// State returns the lifecycle state at now. Revocation takes precedence over
// consumption, and both over expiry.
func (s *Session) State(now time.Time) State {
	switch {
	case s.RevokedAt != nil:
		return StateInvalidated
	case s.ConsumedAt != nil:
		return StateConsumed
	case !now.Before(s.ExpiresAt):
		return StateExpired
	default:
		return StateIssued
	}
}

// Active reports whether the session can still be rotated at now.
func (s *Session) Active(now time.Time) bool {
	return s.State(now) == StateIssued
}

// HashPrefix returns a short prefix of the token hash, safe for logs.
func (s *Session) HashPrefix() string {
	if len(s.TokenHash) <= 8 {
		return s.TokenHash
	}
	return s.TokenHash[:8]
}
