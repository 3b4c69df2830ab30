package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"constellation/backend/internal/session/domain"
)

// Each session is a hash at <prefix>:session:<token_hash>. A per-user set indexes
// hashes for InvalidateAllForUser and a sorted set scored by expiry drives DeleteExpired.
// Timestamps are unix milliseconds; an empty consumed_at/revoked_at means unset.

const createSessionScript = `
if redis.call("EXISTS", KEYS[1]) == 1 then
  return 0
end
redis.call("HSET", KEYS[1],
  "id", ARGV[1], "user_id", ARGV[2], "token_hash", ARGV[3],
  "expires_at", ARGV[4], "created_at", ARGV[5],
  "consumed_at", "", "revoked_at", "",
  "user_agent", ARGV[6], "ip_address", ARGV[7])
redis.call("PEXPIRE", KEYS[1], ARGV[8])
redis.call("SADD", KEYS[2], ARGV[3])
redis.call("ZADD", KEYS[3], ARGV[4], ARGV[2] .. "|" .. ARGV[3])
return 1
`

var createSessionLua = redis.NewScript(createSessionScript)

const consumeSessionScript = `
local f = redis.call("HMGET", KEYS[1], "expires_at", "consumed_at", "revoked_at")
if not f[1] then
  return false
end
if f[2] ~= "" or f[3] ~= "" then
  return false
end
if tonumber(f[1]) <= tonumber(ARGV[1]) then
  return false
end
redis.call("HSET", KEYS[1], "consumed_at", ARGV[1])
return redis.call("HGETALL", KEYS[1])
`

var consumeSessionLua = redis.NewScript(consumeSessionScript)

// Returns false when the old session is not Issued for the same user, 0 when the
// new hash already exists, and the consumed session's fields otherwise.
const rotateSessionScript = `
local f = redis.call("HMGET", KEYS[1], "expires_at", "consumed_at", "revoked_at", "user_id")
if not f[1] or f[2] ~= "" or f[3] ~= "" or f[4] ~= ARGV[3] then
  return false
end
if tonumber(f[1]) <= tonumber(ARGV[1]) then
  return false
end
if redis.call("EXISTS", KEYS[2]) == 1 then
  return 0
end
redis.call("HSET", KEYS[1], "consumed_at", ARGV[1])
redis.call("HSET", KEYS[2],
  "id", ARGV[2], "user_id", ARGV[3], "token_hash", ARGV[4],
  "expires_at", ARGV[5], "created_at", ARGV[6],
  "consumed_at", "", "revoked_at", "",
  "user_agent", ARGV[7], "ip_address", ARGV[8])
redis.call("PEXPIRE", KEYS[2], ARGV[9])
redis.call("SADD", KEYS[3], ARGV[4])
redis.call("ZADD", KEYS[4], ARGV[5], ARGV[3] .. "|" .. ARGV[4])
return redis.call("HGETALL", KEYS[1])
`

var rotateSessionLua = redis.NewScript(rotateSessionScript)

const invalidateSessionScript = `
local f = redis.call("HMGET", KEYS[1], "expires_at", "consumed_at", "revoked_at")
if not f[1] or f[2] ~= "" or f[3] ~= "" or tonumber(f[1]) <= tonumber(ARGV[1]) then
  return 0
end
redis.call("HSET", KEYS[1], "revoked_at", ARGV[1])
return 1
`

var invalidateSessionLua = redis.NewScript(invalidateSessionScript)

const invalidateUserScript = `
local members = redis.call("SMEMBERS", KEYS[1])
local n = 0
for _, h in ipairs(members) do
  local key = ARGV[2] .. h
  local f = redis.call("HMGET", key, "expires_at", "consumed_at", "revoked_at")
  if not f[1] then
    redis.call("SREM", KEYS[1], h)
  elseif f[2] == "" and f[3] == "" and tonumber(f[1]) > tonumber(ARGV[1]) then
    redis.call("HSET", key, "revoked_at", ARGV[1])
    n = n + 1
  end
end
return n
`

var invalidateUserLua = redis.NewScript(invalidateUserScript)

const deleteExpiredScript = `
local members = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", "(" .. ARGV[1])
for _, m in ipairs(members) do
  local sep = string.find(m, "|", 1, true)
  if sep then
    local user_id = string.sub(m, 1, sep - 1)
    local hash = string.sub(m, sep + 1)
    redis.call("DEL", ARGV[2] .. hash)
    redis.call("SREM", ARGV[3] .. user_id, hash)
  end
  redis.call("ZREM", KEYS[1], m)
end
return #members
`

var deleteExpiredLua = redis.NewScript(deleteExpiredScript)

// RedisStore is a Store backed by Redis. Every state transition runs as a single
// Lua script, so concurrent Consume calls on one hash have exactly one winner.
// The user-wide scripts derive session keys from ARGV, so the store needs a
// single-node client; Redis Cluster would reject them as CROSSSLOT.
type RedisStore struct {
	redis  *redis.Client
	prefix string
}

// NewRedisStore returns a session store using the given client and key prefix.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "constellation"
	}
	return &RedisStore{redis: client, prefix: prefix}
}

func (r *RedisStore) sessionPrefix() string { return r.prefix + ":session:" }

func (r *RedisStore) userPrefix() string { return r.prefix + ":user_sessions:" }

func (r *RedisStore) sessionKey(hash string) string { return r.sessionPrefix() + hash }

func (r *RedisStore) userKey(userID string) string { return r.userPrefix() + userID }

func (r *RedisStore) expiryKey() string { return r.prefix + ":session_expiry" }

// Create stores an Issued session. The key lives until the session's expiry.
func (r *RedisStore) Create(ctx context.Context, s *domain.Session) error {
	ttl := s.ExpiresAt.Sub(s.CreatedAt)
	if ttl <= 0 {
		return storageErr("create", errors.New("session expires before it is created"))
	}
	created, err := createSessionLua.Run(ctx, r.redis,
		[]string{r.sessionKey(s.TokenHash), r.userKey(s.UserID), r.expiryKey()},
		s.ID, s.UserID, s.TokenHash,
		s.ExpiresAt.UnixMilli(), s.CreatedAt.UnixMilli(),
		s.UserAgent, s.IPAddress, ttl.Milliseconds(),
	).Int64()
	if err != nil {
		return storageErr("create", err)
	}
	if created == 0 {
		return ErrDuplicateHash
	}
	return nil
}

// FindActive returns the session for hash when it is Issued at now.
func (r *RedisStore) FindActive(ctx context.Context, hash string, now time.Time) (*domain.Session, error) {
	s, err := r.FindByHash(ctx, hash)
	if err != nil || s == nil {
		return nil, err
	}
	if !s.Active(now) {
		return nil, nil
	}
	return s, nil
}

// Consume atomically marks the session consumed and returns it to the single winner.
func (r *RedisStore) Consume(ctx context.Context, hash string, now time.Time) (*domain.Session, error) {
	res, err := consumeSessionLua.Run(ctx, r.redis, []string{r.sessionKey(hash)}, now.UnixMilli()).Slice()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, storageErr("consume", err)
	}
	fields, err := pairsToMap(res)
	if err != nil {
		return nil, storageErr("consume", err)
	}
	s, err := sessionFromHash(fields)
	if err != nil {
		return nil, storageErr("consume", err)
	}
	return s, nil
}

// Rotate consumes the session for oldHash and creates next in one script.
// next must belong to the same user as the old session.
func (r *RedisStore) Rotate(ctx context.Context, oldHash string, next *domain.Session, now time.Time) (*domain.Session, error) {
	ttl := next.ExpiresAt.Sub(next.CreatedAt)
	if ttl <= 0 {
		return nil, storageErr("rotate", errors.New("session expires before it is created"))
	}
	res, err := rotateSessionLua.Run(ctx, r.redis,
		[]string{r.sessionKey(oldHash), r.sessionKey(next.TokenHash), r.userKey(next.UserID), r.expiryKey()},
		now.UnixMilli(), next.ID, next.UserID, next.TokenHash,
		next.ExpiresAt.UnixMilli(), next.CreatedAt.UnixMilli(),
		next.UserAgent, next.IPAddress, ttl.Milliseconds(),
	).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, storageErr("rotate", err)
	}
	reply, ok := res.([]interface{})
	if !ok {
		return nil, ErrDuplicateHash
	}
	fields, err := pairsToMap(reply)
	if err != nil {
		return nil, storageErr("rotate", err)
	}
	s, err := sessionFromHash(fields)
	if err != nil {
		return nil, storageErr("rotate", err)
	}
	return s, nil
}

// FindByHash returns the session for hash in any state, or nil.
func (r *RedisStore) FindByHash(ctx context.Context, hash string) (*domain.Session, error) {
	fields, err := r.redis.HGetAll(ctx, r.sessionKey(hash)).Result()
	if err != nil {
		return nil, storageErr("find by hash", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	s, err := sessionFromHash(fields)
	if err != nil {
		return nil, storageErr("find by hash", err)
	}
	return s, nil
}

// Invalidate revokes an Issued session. Anything else is a no-op.
func (r *RedisStore) Invalidate(ctx context.Context, hash string, now time.Time) error {
	if err := invalidateSessionLua.Run(ctx, r.redis, []string{r.sessionKey(hash)}, now.UnixMilli()).Err(); err != nil {
		return storageErr("invalidate", err)
	}
	return nil
}

// InvalidateAllForUser revokes every Issued session of userID.
func (r *RedisStore) InvalidateAllForUser(ctx context.Context, userID string, now time.Time) (int64, error) {
	n, err := invalidateUserLua.Run(ctx, r.redis, []string{r.userKey(userID)}, now.UnixMilli(), r.sessionPrefix()).Int64()
	if err != nil {
		return 0, storageErr("invalidate all", err)
	}
	return n, nil
}

// DeleteExpired drops sessions whose expiry is before the cutoff along with their index entries.
func (r *RedisStore) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	n, err := deleteExpiredLua.Run(ctx, r.redis, []string{r.expiryKey()},
		before.UnixMilli(), r.sessionPrefix(), r.userPrefix(),
	).Int64()
	if err != nil {
		return 0, storageErr("delete expired", err)
	}
	return n, nil
}

// Ping checks connectivity for health reporting.
func (r *RedisStore) Ping(ctx context.Context) error {
	return r.redis.Ping(ctx).Err()
}

func pairsToMap(res []interface{}) (map[string]string, error) {
	if len(res)%2 != 0 {
		return nil, fmt.Errorf("odd HGETALL reply length %d", len(res))
	}
	out := make(map[string]string, len(res)/2)
	for i := 0; i < len(res); i += 2 {
		k, ok1 := res[i].(string)
		v, ok2 := res[i+1].(string)
		if !ok1 || !ok2 {
			return nil, errors.New("unexpected HGETALL reply type")
		}
		out[k] = v
	}
	return out, nil
}

func sessionFromHash(f map[string]string) (*domain.Session, error) {
	expires, err := parseMillis(f["expires_at"])
	if err != nil {
		return nil, fmt.Errorf("expires_at: %w", err)
	}
	created, err := parseMillis(f["created_at"])
	if err != nil {
		return nil, fmt.Errorf("created_at: %w", err)
	}
	s := &domain.Session{
		ID:        f["id"],
		UserID:    f["user_id"],
		TokenHash: f["token_hash"],
		ExpiresAt: expires,
		CreatedAt: created,
		UserAgent: f["user_agent"],
		IPAddress: f["ip_address"],
	}
	if v := f["consumed_at"]; v != "" {
		t, err := parseMillis(v)
		if err != nil {
			return nil, fmt.Errorf("consumed_at: %w", err)
		}
		s.ConsumedAt = &t
	}
	if v := f["revoked_at"]; v != "" {
		t, err := parseMillis(v)
		if err != nil {
			return nil, fmt.Errorf("revoked_at: %w", err)
		}
		s.RevokedAt = &t
	}
	return s, nil
}

func parseMillis(s string) (time.Time, error) {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms).UTC(), nil
}
