// Package ratelimit provides a per-key token bucket limiter.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const defaultIdleTTL = 5 * time.Minute

type bucket struct {
	lim  *rate.Limiter
	seen time.Time
}

// Keyed holds one token bucket per key (typically a client IP). Buckets idle for
// longer than the TTL are dropped by Prune.
type Keyed struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	limit   rate.Limit
	burst   int
	ttl     time.Duration
}

// NewKeyed returns a limiter allowing perSecond events per key with the given burst.
// A non-positive perSecond disables limiting.
func NewKeyed(perSecond float64, burst int, idleTTL time.Duration) *Keyed {
	if idleTTL <= 0 {
		idleTTL = defaultIdleTTL
	}
	if burst < 1 {
		burst = 1
	}
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	return &Keyed{
		buckets: make(map[string]*bucket),
		limit:   limit,
		burst:   burst,
		ttl:     idleTTL,
	}
}

// Allow reports whether one event for key may happen at now.
func (k *Keyed) Allow(key string, now time.Time) bool {
	if key == "" {
		key = "unknown"
	}
	k.mu.Lock()
	b, ok := k.buckets[key]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(k.limit, k.burst)}
		k.buckets[key] = b
	}
	b.seen = now
	k.mu.Unlock()
	return b.lim.AllowN(now, 1)
}

// Prune drops buckets not seen since now-ttl and returns how many were removed.
func (k *Keyed) Prune(now time.Time) int {
	k.mu.Lock()
	defer k.mu.Unlock()
	n := 0
	for key, b := range k.buckets {
		if now.Sub(b.seen) > k.ttl {
			delete(k.buckets, key)
			n++
		}
	}
	return n
}

// Len returns the number of tracked keys.
func (k *Keyed) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.buckets)
}

// RunPruner prunes idle buckets every interval until stop is closed.
func (k *Keyed) RunPruner(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			k.Prune(now)
		}
	}
}
