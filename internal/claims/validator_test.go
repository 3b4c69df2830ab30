package claims

import (
	"errors"
	"testing"
	"time"

	"constellation/backend/internal/security"
)

var t0 = time.Unix(1_700_000_000, 0).UTC()

func newTestValidator(t *testing.T, now *time.Time) (*Validator, *security.TokenProvider) {
	t.Helper()
	tokens, err := security.NewTokenProvider(security.SigningConfig{
		Algorithm: security.AlgHS256,
		Secret:    []byte("claims-test-secret-0123456789abcdef"),
		Issuer:    "claims-test",
		AccessTTL: 10 * time.Minute,
	})
	if err != nil {
		t.Fatalf("NewTokenProvider: %v", err)
	}
	return NewValidator(tokens, func() time.Time { return *now }), tokens
}

func TestValidator_Valid(t *testing.T) {
	now := t0
	v, tokens := newTestValidator(t, &now)
	tok, exp, err := tokens.IssueAccess(security.AccessSubject{UserID: "u-1", Email: "a@x.com", Verified: true}, t0)
	if err != nil {
		t.Fatalf("IssueAccess: %v", err)
	}
	p, err := v.Validate(tok)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if p.UserID != "u-1" || p.Email != "a@x.com" || !p.Verified {
		t.Errorf("principal = %+v", p)
	}
	if !p.IssuedAt.Equal(t0) || !p.ExpiresAt.Equal(exp) {
		t.Errorf("iat/exp = %v/%v, want %v/%v", p.IssuedAt, p.ExpiresAt, t0, exp)
	}

	p, err = v.ValidateAuthorization("bEaReR " + tok)
	if err != nil {
		t.Fatalf("ValidateAuthorization: %v", err)
	}
	if p.UserID != "u-1" {
		t.Errorf("UserID = %q, want u-1", p.UserID)
	}
}

func TestValidator_Reasons(t *testing.T) {
	now := t0
	v, tokens := newTestValidator(t, &now)
	tok, _, err := tokens.IssueAccess(security.AccessSubject{UserID: "u-1"}, t0)
	if err != nil {
		t.Fatalf("IssueAccess: %v", err)
	}

	other, err := security.NewTokenProvider(security.SigningConfig{
		Algorithm: security.AlgHS256,
		Secret:    []byte("another-secret-entirely-0123456789"),
		Issuer:    "claims-test",
		AccessTTL: 10 * time.Minute,
	})
	if err != nil {
		t.Fatalf("NewTokenProvider: %v", err)
	}
	forged, _, err := other.IssueAccess(security.AccessSubject{UserID: "u-1"}, t0)
	if err != nil {
		t.Fatalf("IssueAccess: %v", err)
	}

	cases := []struct {
		name   string
		header string
		at     time.Time
		want   string
	}{
		{"empty header", "", t0, ReasonMissing},
		{"blank header", "   ", t0, ReasonMissing},
		{"scheme only", "Bearer ", t0, ReasonMissing},
		{"basic scheme", "Basic dXNlcjpwYXNz", t0, ReasonMalformed},
		{"garbage", "Bearer not-a-jwt", t0, ReasonMalformed},
		{"expired at exp", "Bearer " + tok, t0.Add(10 * time.Minute), ReasonExpired},
		{"wrong key", "Bearer " + forged, t0, ReasonInvalidSignature},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			now = tc.at
			_, err := v.ValidateAuthorization(tc.header)
			var rej *Rejection
			if !errors.As(err, &rej) {
				t.Fatalf("want *Rejection, got %T %v", err, err)
			}
			if rej.Reason != tc.want {
				t.Errorf("reason = %q, want %q", rej.Reason, tc.want)
			}
			if ReasonOf(err) != tc.want {
				t.Errorf("ReasonOf = %q, want %q", ReasonOf(err), tc.want)
			}
		})
	}
}

func TestRejection_Unwrap(t *testing.T) {
	now := t0.Add(time.Hour)
	v, tokens := newTestValidator(t, &now)
	tok, _, err := tokens.IssueAccess(security.AccessSubject{UserID: "u-1"}, t0)
	if err != nil {
		t.Fatalf("IssueAccess: %v", err)
	}
	_, err = v.Validate(tok)
	if !errors.Is(err, security.ErrTokenExpired) {
		t.Errorf("want wrapped ErrTokenExpired, got %v", err)
	}
	if ReasonOf(errors.New("other")) != "" {
		t.Error("ReasonOf on a non-rejection should be empty")
	}
}

func TestBearerToken(t *testing.T) {
	cases := map[string]struct {
		tok string
		ok  bool
	}{
		"Bearer abc":   {"abc", true},
		"bearer  abc ": {"abc", true},
		"Token abc":    {"", false},
		"Bearer":       {"", false},
	}
	for in, want := range cases {
		tok, ok := BearerToken(in)
		if tok != want.tok || ok != want.ok {
			t.Errorf("BearerToken(%q) = %q,%v want %q,%v", in, tok, ok, want.tok, want.ok)
		}
	}
}
