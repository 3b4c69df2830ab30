// Package claims turns a bearer access token into an authenticated Principal.
// It performs no I/O and holds no mutable state.
package claims

import (
	"errors"
	"strings"
	"time"

	"constellation/backend/internal/security"
)

// Rejection reasons. They are exposed to logs and metrics only; clients see a single 401.
const (
	ReasonMissing          = "missing"
	ReasonMalformed        = "malformed"
	ReasonExpired          = "expired"
	ReasonInvalidSignature = "invalid_signature"
)

const bearerPrefix = "bearer "

// ErrMissingToken is wrapped by a Rejection when no bearer token was presented.
var ErrMissingToken = errors.New("bearer token missing")

// Rejection is the only error type returned by Validate.
type Rejection struct {
	Reason string
	Err    error
}

func (r *Rejection) Error() string {
	return "token rejected: " + r.Reason
}

func (r *Rejection) Unwrap() error {
	return r.Err
}

// ReasonOf returns the rejection reason carried by err, or "" when err is not a Rejection.
func ReasonOf(err error) string {
	var r *Rejection
	if errors.As(err, &r) {
		return r.Reason
	}
	return ""
}

// Principal is the authenticated identity extracted from a valid access token.
type Principal struct {
	UserID    string    `json:"user_id"`
	Email     string    `json:"email,omitempty"`
	Verified  bool      `json:"verified"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Validator validates access tokens against the process signing configuration.
type Validator struct {
	tokens *security.TokenProvider
	now    func() time.Time
}

// NewValidator returns a Validator. If now is nil, time.Now is used.
func NewValidator(tokens *security.TokenProvider, now func() time.Time) *Validator {
	if now == nil {
		now = time.Now
	}
	return &Validator{tokens: tokens, now: now}
}

// Validate checks a raw bearer token and returns its Principal.
func (v *Validator) Validate(bearer string) (*Principal, error) {
	bearer = strings.TrimSpace(bearer)
	if bearer == "" {
		return nil, &Rejection{Reason: ReasonMissing, Err: ErrMissingToken}
	}
	c, err := v.tokens.ValidateAccess(bearer, v.now())
	if err != nil {
		return nil, &Rejection{Reason: reasonFor(err), Err: err}
	}
	p := &Principal{
		UserID:   c.Subject,
		Email:    c.Email,
		Verified: c.Verified,
	}
	if c.IssuedAt != nil {
		p.IssuedAt = c.IssuedAt.Time
	}
	if c.ExpiresAt != nil {
		p.ExpiresAt = c.ExpiresAt.Time
	}
	return p, nil
}

// ValidateAuthorization validates the value of an Authorization header.
// The "Bearer" scheme is matched case-insensitively; any other scheme is malformed.
func (v *Validator) ValidateAuthorization(header string) (*Principal, error) {
	header = strings.TrimSpace(header)
	if header == "" || strings.EqualFold(header, strings.TrimSpace(bearerPrefix)) {
		return nil, &Rejection{Reason: ReasonMissing, Err: ErrMissingToken}
	}
	token, ok := BearerToken(header)
	if !ok {
		return nil, &Rejection{Reason: ReasonMalformed, Err: security.ErrTokenMalformed}
	}
	return v.Validate(token)
}

// BearerToken strips the "Bearer " scheme from an Authorization header value.
func BearerToken(header string) (string, bool) {
	header = strings.TrimSpace(header)
	if len(header) < len(bearerPrefix) || !strings.EqualFold(header[:len(bearerPrefix)], bearerPrefix) {
		return "", false
	}
	return strings.TrimSpace(header[len(bearerPrefix):]), true
}

func reasonFor(err error) string {
	switch {
	case errors.Is(err, security.ErrTokenExpired):
		return ReasonExpired
	case errors.Is(err, security.ErrTokenSignature):
		return ReasonInvalidSignature
	default:
		return ReasonMalformed
	}
}
