package security

import (
	"crypto"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Classified access-token failures. ValidateAccess returns exactly one of them.
var (
	ErrTokenMalformed = errors.New("access token malformed")
	ErrTokenExpired   = errors.New("access token expired")
	ErrTokenSignature = errors.New("access token signature invalid")
)

// TokenKindAccess is the value of the "type" claim on access tokens.
const TokenKindAccess = "access"

// Algorithm names a supported JWS signing algorithm.
type Algorithm string

const (
	AlgHS256 Algorithm = "HS256"
	AlgHS384 Algorithm = "HS384"
	AlgHS512 Algorithm = "HS512"
	AlgRS256 Algorithm = "RS256"
	AlgES256 Algorithm = "ES256"
)

// IsHMAC reports whether a uses a shared secret rather than a key pair.
func (a Algorithm) IsHMAC() bool {
	return a == AlgHS256 || a == AlgHS384 || a == AlgHS512
}

// ParseAlgorithm returns the Algorithm for name, case-insensitively.
func ParseAlgorithm(name string) (Algorithm, error) {
	switch a := Algorithm(strings.ToUpper(strings.TrimSpace(name))); a {
	case AlgHS256, AlgHS384, AlgHS512, AlgRS256, AlgES256:
		return a, nil
	default:
		return "", fmt.Errorf("unsupported signing algorithm %q", name)
	}
}

// SigningConfig is the process-wide signing configuration. It is built once at
// startup and never mutated; the TokenProvider keeps its own copy.
type SigningConfig struct {
	Algorithm Algorithm
	// Secret is the HMAC key for HS* algorithms.
	Secret []byte
	// PrivateKey and PublicKey are used for RS256 and ES256.
	PrivateKey crypto.Signer
	PublicKey  crypto.PublicKey
	Issuer     string
	AccessTTL  time.Duration
}

// AccessClaims holds JWT claims for the access token.
type AccessClaims struct {
	jwt.RegisteredClaims
	Type     string `json:"type"`
	Email    string `json:"email,omitempty"`
	Verified bool   `json:"verified"`
}

// AccessSubject is the identity an access token is issued for.
type AccessSubject struct {
	UserID   string
	Email    string
	Verified bool
}

// TokenProvider issues and validates signed access tokens. It holds no mutable
// state and is safe for concurrent use.
type TokenProvider struct {
	method    jwt.SigningMethod
	signKey   any
	verifyKey any
	issuer    string
	accessTTL time.Duration
}

// NewTokenProvider returns a TokenProvider for cfg. It fails when the algorithm is
// unknown, the key material does not match it, or the access TTL is not positive.
func NewTokenProvider(cfg SigningConfig) (*TokenProvider, error) {
	if cfg.AccessTTL <= 0 {
		return nil, errors.New("access token TTL must be positive")
	}
	p := &TokenProvider{issuer: cfg.Issuer, accessTTL: cfg.AccessTTL}
	switch cfg.Algorithm {
	case AlgHS256, AlgHS384, AlgHS512:
		if len(cfg.Secret) == 0 {
			return nil, fmt.Errorf("%s requires a non-empty secret", cfg.Algorithm)
		}
		secret := append([]byte(nil), cfg.Secret...)
		p.method = jwt.GetSigningMethod(string(cfg.Algorithm))
		p.signKey = secret
		p.verifyKey = secret
	case AlgRS256, AlgES256:
		if cfg.PrivateKey == nil || cfg.PublicKey == nil {
			return nil, fmt.Errorf("%s requires a private and public key", cfg.Algorithm)
		}
		if KeyAlg(cfg.PublicKey) != string(cfg.Algorithm) || KeyAlg(cfg.PrivateKey.Public()) != string(cfg.Algorithm) {
			return nil, ErrInvalidKey
		}
		p.method = jwt.GetSigningMethod(string(cfg.Algorithm))
		p.signKey = cfg.PrivateKey
		p.verifyKey = cfg.PublicKey
	default:
		return nil, fmt.Errorf("unsupported signing algorithm %q", cfg.Algorithm)
	}
	return p, nil
}

// AccessTTL returns the configured access token lifetime.
func (p *TokenProvider) AccessTTL() time.Duration {
	return p.accessTTL
}

// IssueAccess issues an access token for subject valid from now until now+TTL.
// JWT timestamps are whole seconds: iat is rounded down and exp is rounded up,
// so a sub-second now never shortens the validity window.
func (p *TokenProvider) IssueAccess(subject AccessSubject, now time.Time) (token string, expiresAt time.Time, err error) {
	if subject.UserID == "" {
		return "", time.Time{}, errors.New("access token subject is required")
	}
	jti, err := generateJTI()
	if err != nil {
		return "", time.Time{}, err
	}
	issuedAt := now.UTC().Truncate(time.Second)
	expiresAt = ceilSecond(now.UTC().Add(p.accessTTL))
	claims := AccessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			Subject:   subject.UserID,
			Issuer:    p.issuer,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		Type:     TokenKindAccess,
		Email:    subject.Email,
		Verified: subject.Verified,
	}
	token, err = jwt.NewWithClaims(p.method, claims).SignedString(p.signKey)
	if err != nil {
		return "", time.Time{}, err
	}
	return token, expiresAt, nil
}

// ValidateAccess verifies the signature of tokenString and checks now < exp.
// It performs no I/O. Failures are ErrTokenMalformed, ErrTokenExpired or ErrTokenSignature.
func (p *TokenProvider) ValidateAccess(tokenString string, now time.Time) (*AccessClaims, error) {
	claims := &AccessClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
		return p.verifyKey, nil
	},
		jwt.WithValidMethods([]string{p.method.Alg()}),
		jwt.WithTimeFunc(func() time.Time { return now }),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, classifyJWTError(err)
	}
	if claims.Type != TokenKindAccess || claims.Subject == "" || claims.Issuer != p.issuer {
		return nil, ErrTokenMalformed
	}
	return claims, nil
}

// classifyJWTError maps jwt/v5 errors onto the three access-token failure kinds.
// Signature problems win over claim problems because jwt verifies the signature first.
func classifyJWTError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		return ErrTokenSignature
	case errors.Is(err, jwt.ErrTokenExpired):
		return ErrTokenExpired
	default:
		return ErrTokenMalformed
	}
}

func ceilSecond(t time.Time) time.Time {
	if f := t.Truncate(time.Second); !f.Equal(t) {
		return f.Add(time.Second)
	}
	return t
}

func generateJTI() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
