package security

import (
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/bcrypt"
)

// ErrUnsupportedHash is returned when a stored password hash is in an unknown format.
var ErrUnsupportedHash = errors.New("unsupported password hash")

// Hasher hashes and verifies passwords. New hashes are bcrypt; verification also
// accepts argon2id PHC strings. Callers must not log or persist plaintext passwords.
type Hasher struct {
	Cost int

	dummyOnce sync.Once
	dummy     []byte
}

// NewHasher returns a Hasher with the given bcrypt cost (4–31). Cost 12 is a
// reasonable default for interactive login.
func NewHasher(cost int) *Hasher {
	if cost <= 0 {
		cost = bcrypt.DefaultCost
	}
	if cost < bcrypt.MinCost {
		cost = bcrypt.MinCost
	}
	if cost > bcrypt.MaxCost {
		cost = bcrypt.MaxCost
	}
	return &Hasher{Cost: cost}
}

// Hash produces a bcrypt hash of password suitable for storage.
func (h *Hasher) Hash(password []byte) (string, error) {
	b, err := bcrypt.GenerateFromPassword(password, h.Cost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Compare verifies password against the stored hash. Returns nil if they match;
// returns an error if they do not, or ErrUnsupportedHash for an unknown format.
func (h *Hasher) Compare(hash string, password []byte) error {
	switch {
	case strings.HasPrefix(hash, "$argon2id$"):
		ok, err := compareArgon2id(hash, password)
		if err != nil {
			return err
		}
		if !ok {
			return bcrypt.ErrMismatchedHashAndPassword
		}
		return nil
	case strings.HasPrefix(hash, "$2a$"), strings.HasPrefix(hash, "$2b$"), strings.HasPrefix(hash, "$2y$"):
		return bcrypt.CompareHashAndPassword([]byte(hash), password)
	default:
		return ErrUnsupportedHash
	}
}

// Verify reports whether password matches storedHash. Both comparisons are
// constant-time; an empty or malformed hash never matches.
func (h *Hasher) Verify(password []byte, storedHash string) bool {
	if storedHash == "" {
		return false
	}
	return h.Compare(storedHash, password) == nil
}

// VerifyDummy spends one bcrypt comparison at the configured cost and always
// reports false. Login calls it when no user matches the email so that a missing
// account costs the same as a wrong password.
func (h *Hasher) VerifyDummy(password []byte) bool {
	h.dummyOnce.Do(func() {
		h.dummy, _ = bcrypt.GenerateFromPassword([]byte("constellation-dummy-password"), h.Cost)
	})
	_ = bcrypt.CompareHashAndPassword(h.dummy, password)
	return false
}

// compareArgon2id checks password against a PHC string of the form
// $argon2id$v=19$m=65536,t=3,p=2$<salt>$<hash>.
func compareArgon2id(encoded string, password []byte) (bool, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 {
		return false, ErrUnsupportedHash
	}
	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil || version != argon2.Version {
		return false, ErrUnsupportedHash
	}
	var memory, time uint32
	var parallelism uint8
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &time, &parallelism); err != nil {
		return false, ErrUnsupportedHash
	}
	if memory == 0 || time == 0 || parallelism == 0 {
		return false, ErrUnsupportedHash
	}
	salt, err := decodePHCBase64(parts[4])
	if err != nil {
		return false, ErrUnsupportedHash
	}
	want, err := decodePHCBase64(parts[5])
	if err != nil || len(want) == 0 {
		return false, ErrUnsupportedHash
	}
	got := argon2.IDKey(password, salt, time, memory, parallelism, uint32(len(want)))
	return subtle.ConstantTimeCompare(got, want) == 1, nil
}

// decodePHCBase64 accepts both padded and unpadded standard base64, since PHC
// encoders differ on padding.
func decodePHCBase64(s string) ([]byte, error) {
	if b, err := base64.RawStdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.StdEncoding.DecodeString(s)
}
