package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"constellation/backend/internal/session/domain"
)

const sessionColumns = `id, user_id, token_hash, expires_at, created_at, consumed_at, revoked_at, user_agent, ip_address`

// PostgresStore is the relational Store. Consume relies on a single conditional
// UPDATE, so row-level locking in Postgres decides the winner.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore returns a session store that uses the given db for persistence.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const (
	insertSession  = `INSERT INTO sessions (` + sessionColumns + `) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	consumeSession = `UPDATE sessions SET consumed_at = $2
		 WHERE token_hash = $1 AND consumed_at IS NULL AND revoked_at IS NULL AND expires_at > $2
		 RETURNING ` + sessionColumns
)

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Create persists the session. The session must have ID set.
func (r *PostgresStore) Create(ctx context.Context, s *domain.Session) error {
	return insert(ctx, r.db, "create", s)
}

func insert(ctx context.Context, db execer, op string, s *domain.Session) error {
	_, err := db.ExecContext(ctx, insertSession,
		s.ID, s.UserID, s.TokenHash, s.ExpiresAt, s.CreatedAt,
		timeToNullTime(s.ConsumedAt), timeToNullTime(s.RevokedAt), s.UserAgent, s.IPAddress,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateHash
		}
		return storageErr(op, err)
	}
	return nil
}

// FindActive returns the Issued session for hash, or nil.
func (r *PostgresStore) FindActive(ctx context.Context, hash string, now time.Time) (*domain.Session, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions
		 WHERE token_hash = $1 AND consumed_at IS NULL AND revoked_at IS NULL AND expires_at > $2`,
		hash, now,
	)
	s, err := scanSession(row)
	if err != nil {
		return nil, storageErr("find active", err)
	}
	return s, nil
}

// Consume marks the Issued session for hash as consumed at now and returns it.
// Losing callers and non-Issued sessions yield nil.
func (r *PostgresStore) Consume(ctx context.Context, hash string, now time.Time) (*domain.Session, error) {
	s, err := scanSession(r.db.QueryRowContext(ctx, consumeSession, hash, now))
	if err != nil {
		return nil, storageErr("consume", err)
	}
	return s, nil
}

// Rotate runs the Consume update and the insert of next in one transaction.
// Any failure rolls back, leaving the old session Issued.
func (r *PostgresStore) Rotate(ctx context.Context, oldHash string, next *domain.Session, now time.Time) (*domain.Session, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storageErr("rotate", err)
	}
	defer func() { _ = tx.Rollback() }()

	old, err := scanSession(tx.QueryRowContext(ctx, consumeSession, oldHash, now))
	if err != nil {
		return nil, storageErr("rotate", err)
	}
	if old == nil {
		return nil, nil
	}
	if err := insert(ctx, tx, "rotate", next); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, storageErr("rotate", err)
	}
	return old, nil
}

// FindByHash returns the session for hash in any state, or nil.
func (r *PostgresStore) FindByHash(ctx context.Context, hash string) (*domain.Session, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE token_hash = $1`, hash)
	s, err := scanSession(row)
	if err != nil {
		return nil, storageErr("find by hash", err)
	}
	return s, nil
}

// Invalidate revokes the session for hash when it is still Issued.
func (r *PostgresStore) Invalidate(ctx context.Context, hash string, now time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE sessions SET revoked_at = $2
		 WHERE token_hash = $1 AND consumed_at IS NULL AND revoked_at IS NULL AND expires_at > $2`,
		hash, now,
	)
	if err != nil {
		return storageErr("invalidate", err)
	}
	return nil
}

// InvalidateAllForUser revokes every Issued session of userID.
func (r *PostgresStore) InvalidateAllForUser(ctx context.Context, userID string, now time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE sessions SET revoked_at = $2
		 WHERE user_id = $1 AND consumed_at IS NULL AND revoked_at IS NULL AND expires_at > $2`,
		userID, now,
	)
	if err != nil {
		return 0, storageErr("invalidate all", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storageErr("invalidate all", err)
	}
	return n, nil
}

// DeleteExpired removes sessions that expired before the cutoff, whatever their state.
func (r *PostgresStore) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at < $1`, before)
	if err != nil {
		return 0, storageErr("delete expired", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storageErr("delete expired", err)
	}
	return n, nil
}

// Ping checks connectivity for health reporting.
func (r *PostgresStore) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

type rowScanner interface {
	Scan(dest ...any) error
}

// scanSession returns (nil, nil) when there is no row.
func scanSession(row rowScanner) (*domain.Session, error) {
	var (
		s                 domain.Session
		consumed, revoked sql.NullTime
	)
	err := row.Scan(&s.ID, &s.UserID, &s.TokenHash, &s.ExpiresAt, &s.CreatedAt, &consumed, &revoked, &s.UserAgent, &s.IPAddress)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	s.ConsumedAt = nullTimeToPtr(consumed)
	s.RevokedAt = nullTimeToPtr(revoked)
	return &s, nil
}

func timeToNullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullTimeToPtr(n sql.NullTime) *time.Time {
	if !n.Valid {
		return nil
	}
	return &n.Time
}
