package repository

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"constellation/backend/internal/session/domain"
)

var t0 = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func newTestRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStore(client, "test"), mr
}

func newSession(id, userID, hash string, ttl time.Duration) *domain.Session {
	return &domain.Session{
		ID:        id,
		UserID:    userID,
		TokenHash: hash,
		CreatedAt: t0,
		ExpiresAt: t0.Add(ttl),
		UserAgent: "ua",
		IPAddress: "10.0.0.1",
	}
}

func TestRedisStore_CreateAndFind(t *testing.T) {
	store, _ := newTestRedisStore(t)
	ctx := context.Background()
	if err := store.Create(ctx, newSession("s1", "u1", "h1", time.Hour)); err != nil {
		t.Fatalf("Create: %v", err)
	}
	s, err := store.FindActive(ctx, "h1", t0)
	if err != nil {
		t.Fatalf("FindActive: %v", err)
	}
	if s == nil || s.ID != "s1" || s.UserID != "u1" || s.UserAgent != "ua" || s.IPAddress != "10.0.0.1" {
		t.Fatalf("unexpected session: %+v", s)
	}
	if !s.ExpiresAt.Equal(t0.Add(time.Hour)) {
		t.Errorf("ExpiresAt = %v", s.ExpiresAt)
	}
	if s, _ := store.FindActive(ctx, "missing", t0); s != nil {
		t.Error("FindActive on unknown hash should be nil")
	}
	if err := store.Create(ctx, newSession("s2", "u1", "h1", time.Hour)); !errors.Is(err, ErrDuplicateHash) {
		t.Errorf("duplicate Create: want ErrDuplicateHash, got %v", err)
	}
}

func TestRedisStore_PassiveExpiry(t *testing.T) {
	store, _ := newTestRedisStore(t)
	ctx := context.Background()
	if err := store.Create(ctx, newSession("s1", "u1", "h1", time.Minute)); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if s, _ := store.FindActive(ctx, "h1", t0.Add(time.Minute)); s != nil {
		t.Error("session must not be active at its expiry instant")
	}
	if s, _ := store.Consume(ctx, "h1", t0.Add(time.Minute)); s != nil {
		t.Error("expired session must not be consumable")
	}
	if s, _ := store.Consume(ctx, "h1", t0.Add(time.Minute-time.Millisecond)); s == nil {
		t.Error("session should be consumable just before expiry")
	}
}

func TestRedisStore_ConsumeOnce(t *testing.T) {
	store, _ := newTestRedisStore(t)
	ctx := context.Background()
	if err := store.Create(ctx, newSession("s1", "u1", "h1", time.Hour)); err != nil {
		t.Fatalf("Create: %v", err)
	}
	won, err := store.Consume(ctx, "h1", t0.Add(time.Second))
	if err != nil || won == nil {
		t.Fatalf("first Consume = %v, %v", won, err)
	}
	if won.ConsumedAt == nil || !won.ConsumedAt.Equal(t0.Add(time.Second)) {
		t.Errorf("ConsumedAt = %v", won.ConsumedAt)
	}
	again, err := store.Consume(ctx, "h1", t0.Add(2*time.Second))
	if err != nil || again != nil {
		t.Fatalf("second Consume = %v, %v; want nil, nil", again, err)
	}
	s, err := store.FindByHash(ctx, "h1")
	if err != nil || s == nil {
		t.Fatalf("FindByHash = %v, %v", s, err)
	}
	if s.State(t0.Add(3*time.Second)) != domain.StateConsumed {
		t.Errorf("State = %q, want consumed", s.State(t0.Add(3*time.Second)))
	}
}

func TestRedisStore_ConcurrentConsume(t *testing.T) {
	store, _ := newTestRedisStore(t)
	ctx := context.Background()
	if err := store.Create(ctx, newSession("s1", "u1", "race", time.Hour)); err != nil {
		t.Fatalf("Create: %v", err)
	}
	const racers = 32
	var (
		wg    sync.WaitGroup
		wins  atomic.Int32
		start = make(chan struct{})
	)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			s, err := store.Consume(ctx, "race", t0.Add(time.Second))
			if err != nil {
				t.Errorf("Consume: %v", err)
				return
			}
			if s != nil {
				wins.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()
	if got := wins.Load(); got != 1 {
		t.Fatalf("winners = %d, want exactly 1", got)
	}
}

func TestRedisStore_Rotate(t *testing.T) {
	store, _ := newTestRedisStore(t)
	ctx := context.Background()
	if err := store.Create(ctx, newSession("s1", "u1", "h1", time.Hour)); err != nil {
		t.Fatalf("Create: %v", err)
	}
	now := t0.Add(time.Second)
	next := newSession("s2", "u1", "h2", time.Hour)
	old, err := store.Rotate(ctx, "h1", next, now)
	if err != nil || old == nil || old.ID != "s1" {
		t.Fatalf("Rotate = %+v, %v", old, err)
	}
	if s, _ := store.FindByHash(ctx, "h1"); s == nil || s.State(now) != domain.StateConsumed {
		t.Errorf("old session state = %+v, want consumed", s)
	}
	if s, _ := store.FindActive(ctx, "h2", now); s == nil || s.ID != "s2" {
		t.Errorf("new session not active: %+v", s)
	}

	again, err := store.Rotate(ctx, "h1", newSession("s3", "u1", "h3", time.Hour), now)
	if err != nil || again != nil {
		t.Fatalf("second Rotate = %v, %v; want nil, nil", again, err)
	}
	if s, _ := store.FindByHash(ctx, "h3"); s != nil {
		t.Error("a losing Rotate must not create the new session")
	}

	// Revoking the whole user must reach the rotated session through the user index.
	if n, err := store.InvalidateAllForUser(ctx, "u1", now); err != nil || n != 1 {
		t.Errorf("InvalidateAllForUser = %d, %v; want 1", n, err)
	}
}

func TestRedisStore_Rotate_Rejections(t *testing.T) {
	store, _ := newTestRedisStore(t)
	ctx := context.Background()
	for _, s := range []*domain.Session{
		newSession("s1", "u1", "h1", time.Hour),
		newSession("s2", "u1", "taken", time.Hour),
	} {
		if err := store.Create(ctx, s); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}
	now := t0.Add(time.Second)

	if _, err := store.Rotate(ctx, "h1", newSession("s3", "u1", "taken", time.Hour), now); !errors.Is(err, ErrDuplicateHash) {
		t.Fatalf("duplicate new hash: want ErrDuplicateHash, got %v", err)
	}
	if s, _ := store.FindActive(ctx, "h1", now); s == nil {
		t.Fatal("a failed Rotate must leave the old session issued")
	}
	if old, err := store.Rotate(ctx, "h1", newSession("s4", "u2", "h4", time.Hour), now); err != nil || old != nil {
		t.Errorf("other user's session: Rotate = %v, %v; want nil, nil", old, err)
	}
	if old, err := store.Rotate(ctx, "h1", newSession("s5", "u1", "h5", time.Hour), t0.Add(2*time.Hour)); err != nil || old != nil {
		t.Errorf("expired session: Rotate = %v, %v; want nil, nil", old, err)
	}
}

func TestRedisStore_Invalidate(t *testing.T) {
	store, _ := newTestRedisStore(t)
	ctx := context.Background()
	if err := store.Create(ctx, newSession("s1", "u1", "h1", time.Hour)); err != nil {
		t.Fatalf("Create: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := store.Invalidate(ctx, "h1", t0); err != nil {
			t.Fatalf("Invalidate #%d: %v", i, err)
		}
	}
	if err := store.Invalidate(ctx, "unknown", t0); err != nil {
		t.Fatalf("Invalidate unknown: %v", err)
	}
	if s, _ := store.Consume(ctx, "h1", t0); s != nil {
		t.Error("revoked session must not be consumable")
	}
	s, _ := store.FindByHash(ctx, "h1")
	if s == nil || s.State(t0) != domain.StateInvalidated {
		t.Fatalf("want invalidated session, got %+v", s)
	}
}

func TestRedisStore_InvalidateConsumedKeepsState(t *testing.T) {
	store, _ := newTestRedisStore(t)
	ctx := context.Background()
	if err := store.Create(ctx, newSession("s1", "u1", "h1", time.Hour)); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if s, _ := store.Consume(ctx, "h1", t0); s == nil {
		t.Fatal("Consume should win")
	}
	if err := store.Invalidate(ctx, "h1", t0); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	s, _ := store.FindByHash(ctx, "h1")
	if s.RevokedAt != nil {
		t.Error("terminal sessions must not transition again")
	}
}

func TestRedisStore_InvalidateAllForUser(t *testing.T) {
	store, _ := newTestRedisStore(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := store.Create(ctx, newSession(fmt.Sprintf("s%d", i), "u1", fmt.Sprintf("h%d", i), time.Hour)); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}
	if err := store.Create(ctx, newSession("other", "u2", "hx", time.Hour)); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if s, _ := store.Consume(ctx, "h0", t0); s == nil {
		t.Fatal("Consume h0 should win")
	}
	n, err := store.InvalidateAllForUser(ctx, "u1", t0)
	if err != nil {
		t.Fatalf("InvalidateAllForUser: %v", err)
	}
	if n != 2 {
		t.Errorf("invalidated = %d, want 2", n)
	}
	for _, h := range []string{"h1", "h2"} {
		if s, _ := store.FindActive(ctx, h, t0); s != nil {
			t.Errorf("%s still active", h)
		}
	}
	if s, _ := store.FindActive(ctx, "hx", t0); s == nil {
		t.Error("other user's session must stay active")
	}
}

func TestRedisStore_DeleteExpired(t *testing.T) {
	store, mr := newTestRedisStore(t)
	ctx := context.Background()
	if err := store.Create(ctx, newSession("old", "u1", "old", time.Minute)); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := store.Create(ctx, newSession("new", "u1", "new", time.Hour)); err != nil {
		t.Fatalf("Create: %v", err)
	}
	n, err := store.DeleteExpired(ctx, t0.Add(10*time.Minute))
	if err != nil {
		t.Fatalf("DeleteExpired: %v", err)
	}
	if n != 1 {
		t.Errorf("deleted = %d, want 1", n)
	}
	if mr.Exists("test:session:old") {
		t.Error("expired session key should be gone")
	}
	if ok, _ := mr.SIsMember("test:user_sessions:u1", "old"); ok {
		t.Error("expired session should be removed from the user index")
	}
	if s, _ := store.FindByHash(ctx, "new"); s == nil {
		t.Error("unexpired session must survive")
	}
}

func TestRedisStore_Unavailable(t *testing.T) {
	store, mr := newTestRedisStore(t)
	mr.Close()
	ctx := context.Background()
	if err := store.Create(ctx, newSession("s1", "u1", "h1", time.Hour)); !errors.Is(err, ErrStorage) {
		t.Errorf("Create: want ErrStorage, got %v", err)
	}
	if _, err := store.Consume(ctx, "h1", t0); !errors.Is(err, ErrStorage) {
		t.Errorf("Consume: want ErrStorage, got %v", err)
	}
	if err := store.Invalidate(ctx, "h1", t0); !errors.Is(err, ErrStorage) {
		t.Errorf("Invalidate: want ErrStorage, got %v", err)
	}
	if _, err := store.Rotate(ctx, "h1", newSession("s2", "u1", "h2", time.Hour), t0); !errors.Is(err, ErrStorage) {
		t.Errorf("Rotate: want ErrStorage, got %v", err)
	}
	if err := store.Ping(ctx); err == nil {
		t.Error("Ping should fail when redis is down")
	}
}

func TestOpenRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	store, client, err := OpenRedis(context.Background(), "redis://"+mr.Addr()+"/0", "open")
	if err != nil {
		t.Fatalf("OpenRedis: %v", err)
	}
	defer client.Close()
	if err := store.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}

	if _, _, err := OpenRedis(context.Background(), "not-a-url", "x"); err == nil {
		t.Error("want error for invalid url")
	}
}

func TestOpen_Backends(t *testing.T) {
	mr := miniredis.RunT(t)
	store, closeFn, err := Open(context.Background(), BackendRedis, nil, "redis://"+mr.Addr(), "open")
	if err != nil {
		t.Fatalf("Open redis: %v", err)
	}
	if _, ok := store.(*RedisStore); !ok {
		t.Errorf("store = %T, want *RedisStore", store)
	}
	if err := closeFn(); err != nil {
		t.Errorf("close: %v", err)
	}

	if _, _, err := Open(context.Background(), BackendPostgres, nil, "", ""); err == nil {
		t.Error("postgres without db should fail")
	}
	if _, _, err := Open(context.Background(), "memcached", nil, "", ""); err == nil {
		t.Error("unknown backend should fail")
	}
}
