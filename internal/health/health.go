// Package health aggregates readiness checks for the database, the session
// store and the policy engine.
package health

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Pinger is implemented by *sql.DB.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// PolicyChecker is implemented by the OPA evaluator.
type PolicyChecker interface {
	HealthCheck(ctx context.Context) error
}

// CheckFunc reports the health of one dependency.
type CheckFunc func(ctx context.Context) error

// Checker runs named checks concurrently with a shared timeout.
type Checker struct {
	timeout time.Duration
	checks  map[string]CheckFunc
}

// NewChecker returns a Checker whose Check call is bounded by timeout (2s when non-positive).
func NewChecker(timeout time.Duration) *Checker {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Checker{timeout: timeout, checks: map[string]CheckFunc{}}
}

// Add registers a check. A nil fn is ignored.
func (c *Checker) Add(name string, fn CheckFunc) *Checker {
	if fn != nil {
		c.checks[name] = fn
	}
	return c
}

// AddPinger registers p.PingContext under name. A nil p is ignored.
func (c *Checker) AddPinger(name string, p Pinger) *Checker {
	if p == nil {
		return c
	}
	return c.Add(name, p.PingContext)
}

// AddPolicy registers p.HealthCheck under name. A nil p is ignored.
func (c *Checker) AddPolicy(name string, p PolicyChecker) *Checker {
	if p == nil {
		return c
	}
	return c.Add(name, p.HealthCheck)
}

// Check runs every check and returns the sorted names of those that failed.
func (c *Checker) Check(ctx context.Context) (healthy bool, failed []string) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for name, fn := range c.checks {
		wg.Add(1)
		go func(name string, fn CheckFunc) {
			defer wg.Done()
			if err := fn(ctx); err != nil {
				mu.Lock()
				failed = append(failed, name)
				mu.Unlock()
			}
		}(name, fn)
	}
	wg.Wait()
	sort.Strings(failed)
	return len(failed) == 0, failed
}
