package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"constellation/backend/internal/session/domain"
)

// ErrStorage wraps every persistence failure. Callers must not treat it as
// "session not found".
var ErrStorage = errors.New("session storage unavailable")

// ErrDuplicateHash is returned by Create when a session with the same token hash exists.
var ErrDuplicateHash = fmt.Errorf("%w: duplicate token hash", ErrStorage)

// Store persists refresh sessions keyed by token hash.
type Store interface {
	Create(ctx context.Context, s *domain.Session) error
	// FindActive returns the session for hash if it is Issued at now, else nil.
	FindActive(ctx context.Context, hash string, now time.Time) (*domain.Session, error)
	// Consume atomically moves an Issued session to Consumed. Exactly one of any
	// number of concurrent callers receives the session; the others receive nil.
	Consume(ctx context.Context, hash string, now time.Time) (*domain.Session, error)
	// Rotate consumes the Issued session for oldHash and creates next in one
	// atomic step. It returns the consumed session, or nil with nothing written
	// when oldHash is not Issued at now.
	Rotate(ctx context.Context, oldHash string, next *domain.Session, now time.Time) (*domain.Session, error)
	// FindByHash returns the session for hash in any state, or nil.
	FindByHash(ctx context.Context, hash string) (*domain.Session, error)
	// Invalidate revokes the session for hash if it is still Issued. Unknown or
	// terminal sessions are a no-op.
	Invalidate(ctx context.Context, hash string, now time.Time) error
	// InvalidateAllForUser revokes every Issued session of userID and returns how many changed.
	InvalidateAllForUser(ctx context.Context, userID string, now time.Time) (int64, error)
	// DeleteExpired removes sessions whose expiry is before the cutoff.
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
	// Ping checks that the backend is reachable.
	Ping(ctx context.Context) error
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStorage, op, err)
}
